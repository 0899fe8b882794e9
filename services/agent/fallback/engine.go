// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package fallback produces best-effort answers when no tool applies or the
// tool path failed.
//
// The engine never fails: when the model call itself errors it returns a
// static explanation so the caller always has a terminal answer to send.
package fallback

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"text/template"
	"time"

	"github.com/AleutianAI/EarthAgent/services/llm"
)

// Reason names the trigger that routed a request to the fallback path.
type Reason string

const (
	ReasonUnknownTool      Reason = "unknown_tool"
	ReasonToolFailed       Reason = "tool_failed"
	ReasonToolTimeout      Reason = "tool_timeout"
	ReasonInvalidArguments Reason = "invalid_tool_arguments"
	ReasonEmptyResult      Reason = "empty_result"
	ReasonUnhelpfulAnswer  Reason = "unhelpful_answer"
	ReasonEmptyAnswer      Reason = "empty_answer"
	ReasonModelError       Reason = "model_error"
)

// GeneralToolName labels fallback frames that have no requested tool.
const GeneralToolName = "GIS_Analysis"

const staticAnswer = "I couldn't retrieve live data for this request right now. " +
	"Please try again shortly, or consult an authoritative source such as a national " +
	"weather service or geological survey for current values."

const promptTemplate = `You are an expert in geography, meteorology and geospatial analysis.
A request could not be answered with live tool data{{if .ToolName}} (requested tool: {{.ToolName}}){{end}}.
{{if .Detail}}Reason: {{.Detail}}
{{end}}
User request: {{.Query}}
{{if .Arguments}}Request details: {{.Arguments}}
{{end}}
Answer from general domain knowledge. Mark any value that is an estimate or typical
figure as such, and name the authoritative data source that would normally answer
this request. Be concise.

Answer:`

// Request describes one fallback.
type Request struct {
	Query     string
	ToolName  string
	Arguments map[string]any
	Reason    Reason

	// Detail is a short description of the failure, shown to the model.
	Detail string
}

// Result is the engine's answer.
type Result struct {
	Text   string
	Reason Reason

	// Degraded is set when the model failed and Text is the static answer.
	Degraded bool
}

// Config configures an Engine.
type Config struct {
	Timeout time.Duration
	Params  llm.GenerationParams
	Logger  *slog.Logger
}

// Engine answers requests without tool data.
type Engine struct {
	client llm.LLMClient
	tmpl   *template.Template
	cfg    Config
}

type promptData struct {
	Query     string
	ToolName  string
	Arguments string
	Detail    string
}

// New creates an Engine. A nil client yields an engine that always returns
// the static answer.
func New(client llm.LLMClient, cfg Config) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Engine{
		client: client,
		tmpl:   template.Must(template.New("fallback").Parse(promptTemplate)),
		cfg:    cfg,
	}
}

// Prompt renders the fallback prompt for req.
func (e *Engine) Prompt(req Request) string {
	data := promptData{
		Query:    strings.TrimSpace(req.Query),
		ToolName: req.ToolName,
		Detail:   req.Detail,
	}
	if data.Query == "" && req.ToolName != "" {
		data.Query = "Provide the information the " + req.ToolName + " tool would return."
	}
	if len(req.Arguments) > 0 {
		if b, err := json.Marshal(req.Arguments); err == nil {
			data.Arguments = string(b)
		}
	}
	var buf bytes.Buffer
	if err := e.tmpl.Execute(&buf, data); err != nil {
		return data.Query
	}
	return buf.String()
}

// Answer produces a fallback answer. It never returns an error.
func (e *Engine) Answer(ctx context.Context, req Request) Result {
	res := Result{Reason: req.Reason}
	if e.client == nil {
		res.Text, res.Degraded = staticAnswer, true
		return res
	}
	if e.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()
	}

	text, err := e.client.Generate(ctx, e.Prompt(req), e.cfg.Params)
	text = strings.TrimSpace(text)
	switch {
	case err != nil:
		e.cfg.Logger.Warn("Fallback model call failed, using static answer",
			"reason", req.Reason, "tool", req.ToolName, "error", err)
		res.Text, res.Degraded = staticAnswer, true
	case text == "":
		res.Text, res.Degraded = staticAnswer, true
	default:
		res.Text = text
	}
	return res
}
