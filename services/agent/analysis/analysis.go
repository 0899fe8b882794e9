// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package analysis runs the second model pass that explains a tool result in
// natural language.
//
// The pass is a single, independent model call over a fixed prompt holding
// the tool name, its arguments, its result and (when present) the user's
// query. The tool result is only read, never modified.
package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"text/template"
	"time"
	"unicode/utf8"

	"github.com/AleutianAI/EarthAgent/services/llm"
)

// ErrEmptyAnalysis is returned when the model replies with no text.
var ErrEmptyAnalysis = errors.New("model returned an empty analysis")

const promptTemplate = `Based on the results of the tool '{{.ToolName}}', provide a clear analysis for the user.
{{if .Query}}
The user asked: {{.Query}}
{{end}}
Tool: {{.ToolName}}
Arguments: {{.Arguments}}
Result: {{.Result}}
{{if .History}}
Recent conversation:
{{range .History}}- {{.Role}}: {{.Content}}
{{end}}{{end}}
Explain what this data shows. Focus on:
1. Key findings and patterns in the data
2. Noteworthy observations
3. Context that helps interpret the values
4. Caveats, implications or recommendations
{{if .Query}}
Answer the user's question directly where the data allows it.
{{end}}
Your analysis:`

// Request is the input to one analysis pass.
type Request struct {
	ToolName  string
	Arguments map[string]any
	Result    any

	// Query is the user's original free-text question, if any.
	Query string

	// History is recent conversation context, oldest first.
	History []llm.Message
}

// Config configures a Pipeline.
type Config struct {
	// Timeout bounds the model call. Zero means no extra bound beyond ctx.
	Timeout time.Duration

	// MaxResultBytes truncates the rendered result in the prompt.
	MaxResultBytes int

	Params llm.GenerationParams
	Logger *slog.Logger
}

// Pipeline explains tool results.
//
// Safe for concurrent use.
type Pipeline struct {
	client llm.LLMClient
	tmpl   *template.Template
	cfg    Config
}

type promptData struct {
	ToolName  string
	Arguments string
	Result    string
	Query     string
	History   []llm.Message
}

// maxHistoryTurns bounds the conversation context rendered into the prompt.
const maxHistoryTurns = 6

// New creates a Pipeline over client.
func New(client llm.LLMClient, cfg Config) (*Pipeline, error) {
	if client == nil {
		return nil, errors.New("analysis: nil model client")
	}
	tmpl, err := template.New("analysis").Parse(promptTemplate)
	if err != nil {
		return nil, fmt.Errorf("analysis: parse prompt template: %w", err)
	}
	if cfg.MaxResultBytes <= 0 {
		cfg.MaxResultBytes = 16 << 10
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Pipeline{client: client, tmpl: tmpl, cfg: cfg}, nil
}

// Prompt renders the analysis prompt for req.
func (p *Pipeline) Prompt(req Request) (string, error) {
	data := promptData{
		ToolName:  req.ToolName,
		Arguments: renderJSON(req.Arguments, 4<<10),
		Result:    renderJSON(req.Result, p.cfg.MaxResultBytes),
		Query:     strings.TrimSpace(req.Query),
		History:   req.History,
	}
	if n := len(data.History); n > maxHistoryTurns {
		data.History = data.History[n-maxHistoryTurns:]
	}
	var buf bytes.Buffer
	if err := p.tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render analysis prompt: %w", err)
	}
	return buf.String(), nil
}

// Analyze runs the analysis pass.
//
// # Outputs
//
//   - string: The analysis text.
//   - error: llm.ErrModel on backend failures, ErrEmptyAnalysis on blank
//     replies. Callers degrade to delivering the raw result alone.
func (p *Pipeline) Analyze(ctx context.Context, req Request) (string, error) {
	prompt, err := p.Prompt(req)
	if err != nil {
		return "", err
	}
	if p.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()
	}

	start := time.Now()
	text, err := p.client.Generate(ctx, prompt, p.cfg.Params)
	if err != nil {
		p.cfg.Logger.Warn("Analysis call failed", "tool", req.ToolName, "error", err)
		return "", fmt.Errorf("analyze %s result: %w", req.ToolName, err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", fmt.Errorf("analyze %s result: %w", req.ToolName, ErrEmptyAnalysis)
	}
	p.cfg.Logger.Debug("Analysis complete", "tool", req.ToolName, "duration", time.Since(start))
	return text, nil
}

func renderJSON(v any, limit int) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	s := string(data)
	if len(s) > limit {
		s = Truncate(s, limit) + "\n... [truncated]"
	}
	return s
}

// Truncate returns at most limit bytes of s without splitting a UTF-8
// sequence.
func Truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	if limit <= 0 {
		return ""
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
