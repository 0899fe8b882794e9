// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/EarthAgent/pkg/secrets"
)

const (
	anthropicAPIVersion = "2023-06-01"
	defaultAnthropicURL = "https://api.anthropic.com/v1/messages"
)

type anthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	System      string             `json:"system,omitempty"`
	MaxTokens   int                `json:"max_tokens"`
	Tools       []toolsDefinition  `json:"tools,omitempty"`
	Temperature *float32           `json:"temperature,omitempty"`
	TopP        *float32           `json:"top_p,omitempty"`
	TopK        *int               `json:"top_k,omitempty"`
	StopSeqs    []string           `json:"stop_sequences,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type toolsDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

type anthropicResponse struct {
	ID         string             `json:"id"`
	Type       string             `json:"type"`
	Role       string             `json:"role"`
	Content    []anthropicContent `json:"content"`
	StopReason string             `json:"stop_reason"`
	Error      *anthropicError    `json:"error,omitempty"`
}

type anthropicContent struct {
	Type  string         `json:"type"`
	Text  string         `json:"text,omitempty"`
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`
}

type anthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// AnthropicConfig configures an AnthropicClient.
type AnthropicConfig struct {
	APIKey  *secrets.Secret
	Model   string
	BaseURL string
	Timeout time.Duration
}

type AnthropicClient struct {
	httpClient *http.Client
	apiKey     *secrets.Secret
	model      string
	url        string
}

func NewAnthropicClient(cfg AnthropicConfig) (*AnthropicClient, error) {
	if cfg.APIKey == nil {
		slog.Warn("Anthropic API Key is missing.")
		return nil, fmt.Errorf("ANTHROPIC_API_KEY is missing")
	}
	model := cfg.Model
	if model == "" {
		model = "claude-3-5-sonnet-20240620"
		slog.Info("CLAUDE_MODEL not set, defaulting to", "model", model)
	}
	url := cfg.BaseURL
	if url == "" {
		url = defaultAnthropicURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &AnthropicClient{
		httpClient: &http.Client{Timeout: timeout},
		apiKey:     cfg.APIKey,
		model:      model,
		url:        url,
	}, nil
}

func (a *AnthropicClient) Model() string { return a.model }

// Generate implements the LLMClient interface
func (a *AnthropicClient) Generate(ctx context.Context, prompt string, params GenerationParams) (string, error) {
	resp, err := a.Chat(ctx, ChatRequest{
		Messages: []Message{{Role: RoleUser, Content: prompt}},
		Params:   params,
	})
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

// Chat implements the LLMClient interface
func (a *AnthropicClient) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	ctx, span := tracer.Start(ctx, "AnthropicClient.Chat")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", a.model))

	system, conversation := splitSystem(req.Messages)
	payload := anthropicRequest{
		Model:       a.model,
		System:      system,
		MaxTokens:   4096,
		Temperature: req.Params.Temperature,
		TopP:        req.Params.TopP,
		TopK:        req.Params.TopK,
		StopSeqs:    req.Params.Stop,
	}
	if req.Params.MaxTokens != nil {
		payload.MaxTokens = *req.Params.MaxTokens
	}
	for _, m := range mergeConsecutive(conversation) {
		payload.Messages = append(payload.Messages, anthropicMessage{Role: m.Role, Content: m.Content})
	}
	for _, t := range req.Tools {
		payload.Tools = append(payload.Tools, toolsDefinition{Name: t.Name, Description: t.Description, InputSchema: t.Parameters})
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, modelError("anthropic", fmt.Errorf("failed to marshal request: %w", err))
	}

	var respBody []byte
	var status int
	err = a.apiKey.Use(func(key string) error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		httpReq.Header.Set("x-api-key", key)
		httpReq.Header.Set("anthropic-version", anthropicAPIVersion)
		httpReq.Header.Set("content-type", "application/json")

		resp, err := a.httpClient.Do(httpReq)
		if err != nil {
			return fmt.Errorf("HTTP request failed: %w", err)
		}
		defer resp.Body.Close()
		status = resp.StatusCode
		respBody, err = io.ReadAll(resp.Body)
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, modelError("anthropic", err)
	}
	if status != http.StatusOK {
		err := fmt.Errorf("status %d: %s", status, string(respBody))
		span.SetStatus(codes.Error, err.Error())
		return nil, modelError("anthropic", err)
	}

	var apiResp anthropicResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return nil, modelError("anthropic", fmt.Errorf("failed to parse response JSON: %w", err))
	}
	if apiResp.Error != nil {
		return nil, modelError("anthropic", fmt.Errorf("%s - %s", apiResp.Error.Type, apiResp.Error.Message))
	}

	out := &ChatResponse{FinishReason: apiResp.StopReason, NoAnswer: apiResp.StopReason == "refusal"}
	var text strings.Builder
	for _, block := range apiResp.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			args := block.Input
			if args == nil {
				args = map[string]any{}
			}
			out.ToolCalls = append(out.ToolCalls, ToolCall{ID: block.ID, Name: block.Name, Arguments: args})
		}
	}
	out.Text = text.String()
	slog.Debug("Received response from Anthropic", "stop_reason", apiResp.StopReason, "tool_calls", len(out.ToolCalls))
	return out, nil
}

// mergeConsecutive joins adjacent messages with the same role; the Messages
// API requires alternating user/assistant turns.
func mergeConsecutive(messages []Message) []Message {
	var out []Message
	for _, m := range messages {
		if n := len(out); n > 0 && out[n-1].Role == m.Role {
			out[n-1].Content += "\n\n" + m.Content
			continue
		}
		out = append(out, m)
	}
	return out
}

var _ LLMClient = (*AnthropicClient)(nil)
