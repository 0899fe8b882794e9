// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package llm provides the language model backends used by the agent.
//
// Every backend implements LLMClient: Generate for single-prompt calls (the
// analysis and fallback passes) and Chat for multi-turn calls that may ask
// for a tool. Backends: OpenAI (go-openai), Anthropic and Ollama (HTTP).
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrModel wraps every backend failure so callers can match it with errors.Is.
var ErrModel = errors.New("model call failed")

// Message roles understood by all backends.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type GenerationParams struct {
	Temperature *float32 `json:"temperature"`
	TopK        *int     `json:"top_k"`
	TopP        *float32 `json:"top_p"`
	MaxTokens   *int     `json:"max_tokens"`
	Stop        []string `json:"stop"`
}

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ToolSpec advertises a tool to the model. Parameters is a JSON Schema object.
type ToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// ToolCall is the model's request to run a tool.
type ToolCall struct {
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ChatRequest is the input to Chat.
type ChatRequest struct {
	Messages []Message
	Tools    []ToolSpec
	Params   GenerationParams
}

// ChatResponse is the model's reply: text, tool calls, or both.
type ChatResponse struct {
	Text      string
	ToolCalls []ToolCall

	// NoAnswer is set when the backend signals a refusal or filtered
	// output, independent of the text content.
	NoAnswer bool

	FinishReason string
}

// WantsTool reports whether the model asked for at least one tool.
func (r *ChatResponse) WantsTool() bool {
	return r != nil && len(r.ToolCalls) > 0
}

// LLMClient defines the standard interface for any LLM backend.
type LLMClient interface {
	Generate(ctx context.Context, prompt string, params GenerationParams) (string, error)
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)

	// Model returns the configured model identifier.
	Model() string
}

// modelError wraps err with ErrModel and the backend name.
func modelError(backend string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrModel, backend, err)
}

// parseArguments decodes a JSON-encoded argument object. Empty input yields
// an empty map.
func parseArguments(raw string) (map[string]any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, fmt.Errorf("tool arguments are not a JSON object: %w", err)
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

// splitSystem separates system messages (joined) from the conversation.
func splitSystem(messages []Message) (string, []Message) {
	var system []string
	rest := make([]Message, 0, len(messages))
	for _, m := range messages {
		if strings.EqualFold(m.Role, RoleSystem) {
			system = append(system, m.Content)
			continue
		}
		rest = append(rest, m)
	}
	return strings.Join(system, "\n\n"), rest
}
