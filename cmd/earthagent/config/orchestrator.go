// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"errors"
	"log/slog"

	"github.com/AleutianAI/EarthAgent/pkg/secrets"
	"github.com/AleutianAI/EarthAgent/services/llm"
	"github.com/AleutianAI/EarthAgent/services/orchestrator"
	"github.com/AleutianAI/EarthAgent/services/orchestrator/handlers"
)

// SecretLoader matches secrets.Load.
type SecretLoader func(name, envVar, secretPath string) (*secrets.Secret, error)

// ToOrchestrator maps c onto the service configuration, loading API keys
// through load. The weather key is optional; a missing cloud LLM key is an
// error.
func (c Config) ToOrchestrator(version string, load SecretLoader, logger *slog.Logger) (orchestrator.Config, error) {
	if load == nil {
		load = secrets.Load
	}

	var llmKey *secrets.Secret
	switch c.LLM.Backend {
	case "openai":
		key, err := load("openai_api_key", "OPENAI_API_KEY", "/run/secrets/openai_api_key")
		if err != nil {
			return orchestrator.Config{}, err
		}
		llmKey = key
	case "anthropic", "claude":
		key, err := load("anthropic_api_key", "ANTHROPIC_API_KEY", "/run/secrets/anthropic_api_key")
		if err != nil {
			return orchestrator.Config{}, err
		}
		llmKey = key
	}

	weatherKey, err := load("openweathermap_api_key", "OPENWEATHERMAP_API_KEY", "/run/secrets/openweathermap_api_key")
	if err != nil {
		if !errors.Is(err, secrets.ErrNotFound) {
			return orchestrator.Config{}, err
		}
		weatherKey = nil
	}

	return orchestrator.Config{
		Port:        c.Server.Port,
		Environment: c.Server.Environment,
		Version:     version,
		GinMode:     c.Server.GinMode,

		LLMBackend: c.LLM.Backend,
		LLMModel:   c.LLM.Model,
		LLMBaseURL: c.LLM.BaseURL,
		LLMAPIKey:  llmKey,
		LLMTimeout: c.LLM.Timeout,
		LLMParams: llm.GenerationParams{
			Temperature: c.LLM.Temperature,
			MaxTokens:   c.LLM.MaxTokens,
		},

		WeatherBaseURL: c.Tools.WeatherBaseURL,
		WeatherAPIKey:  weatherKey,
		ToolTimeout:    c.Tools.Timeout,
		CachePath:      c.Tools.CachePath,
		CacheDisabled:  c.Tools.CacheDisabled,

		SessionCapacity: c.Sessions.Capacity,
		MaxHistory:      c.Sessions.MaxHistory,
		RateLimit:       c.rateLimit(),

		ModelTimeout:    c.Agent.ModelTimeout,
		AnalysisTimeout: c.Agent.AnalysisTimeout,
		MaxPending:      c.Agent.MaxPending,
		SystemPrompt:    c.Agent.SystemPrompt,

		Connection: handlers.ConnectionConfig{
			PingInterval:   c.Connection.PingInterval,
			PongWait:       c.Connection.PongWait,
			WriteWait:      c.Connection.WriteWait,
			MaxFrameBytes:  c.Connection.MaxFrameBytes,
			SendBuffer:     c.Connection.SendBuffer,
			AllowedOrigins: c.Connection.AllowedOrigins,
		},

		OTelEndpoint:    c.Telemetry.OTelEndpoint,
		ShutdownTimeout: c.Server.ShutdownTimeout,
		Logger:          logger,
	}, nil
}
