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
	"context"
	"fmt"
	"log/slog"

	"github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/EarthAgent/pkg/secrets"
)

// OpenAIConfig configures an OpenAIClient.
type OpenAIConfig struct {
	APIKey *secrets.Secret
	Model  string

	// BaseURL overrides the API endpoint (OpenAI-compatible servers, tests).
	BaseURL string
}

type OpenAIClient struct {
	client *openai.Client
	model  string
}

// NewOpenAIClient creates a client. The key is revealed once because
// go-openai keeps it for the client's lifetime.
func NewOpenAIClient(cfg OpenAIConfig) (*OpenAIClient, error) {
	if cfg.APIKey == nil {
		return nil, fmt.Errorf("OPENAI_API_KEY environment variable not set")
	}
	apiKey, err := cfg.APIKey.Reveal()
	if err != nil {
		return nil, fmt.Errorf("read OpenAI API key: %w", err)
	}
	model := cfg.Model
	if model == "" {
		model = "gpt-4o-mini"
		slog.Warn("OPENAI_MODEL not set, defaulting to gpt-4o-mini")
	}

	clientCfg := openai.DefaultConfig(apiKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	slog.Info("Initializing OpenAI client", "model", model)
	return &OpenAIClient{
		client: openai.NewClientWithConfig(clientCfg),
		model:  model,
	}, nil
}

func (o *OpenAIClient) Model() string { return o.model }

// Generate implements the LLMClient interface
func (o *OpenAIClient) Generate(ctx context.Context, prompt string, params GenerationParams) (string, error) {
	resp, err := o.Chat(ctx, ChatRequest{
		Messages: []Message{{Role: RoleUser, Content: prompt}},
		Params:   params,
	})
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

// Chat implements the LLMClient interface
func (o *OpenAIClient) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	ctx, span := tracer.Start(ctx, "OpenAIClient.Chat")
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.model", o.model),
		attribute.Int("llm.num_messages", len(req.Messages)),
		attribute.Int("llm.num_tools", len(req.Tools)),
	)

	apiReq := openai.ChatCompletionRequest{
		Model:    o.model,
		Messages: make([]openai.ChatCompletionMessage, 0, len(req.Messages)),
	}
	for _, m := range req.Messages {
		apiReq.Messages = append(apiReq.Messages, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}
	for _, t := range req.Tools {
		apiReq.Tools = append(apiReq.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	params := req.Params
	if params.Temperature != nil {
		apiReq.Temperature = *params.Temperature
	}
	if params.MaxTokens != nil {
		apiReq.MaxCompletionTokens = *params.MaxTokens
	}
	if params.TopP != nil {
		apiReq.TopP = *params.TopP
	}
	if len(params.Stop) > 0 {
		apiReq.Stop = params.Stop
	}

	resp, err := o.client.CreateChatCompletion(ctx, apiReq)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		slog.Error("OpenAI API call failed", "error", err)
		return nil, modelError("openai", err)
	}
	if len(resp.Choices) == 0 {
		return nil, modelError("openai", fmt.Errorf("no choices returned"))
	}

	choice := resp.Choices[0]
	out := &ChatResponse{
		Text:         choice.Message.Content,
		FinishReason: string(choice.FinishReason),
		NoAnswer:     choice.FinishReason == openai.FinishReasonContentFilter || choice.Message.Refusal != "",
	}
	for _, tc := range choice.Message.ToolCalls {
		args, err := parseArguments(tc.Function.Arguments)
		if err != nil {
			return nil, modelError("openai", err)
		}
		out.ToolCalls = append(out.ToolCalls, ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: args})
	}
	slog.Debug("Received response from OpenAI", "finish_reason", choice.FinishReason, "tool_calls", len(out.ToolCalls))
	return out, nil
}

var _ LLMClient = (*OpenAIClient)(nil)
