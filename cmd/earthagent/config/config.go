// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the earthagent YAML configuration and maps it onto
// the orchestrator service configuration.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/EarthAgent/pkg/logging"
	"github.com/AleutianAI/EarthAgent/services/agent/ratelimit"
)

// DefaultPath is read when no --config flag is given. It may be absent.
const DefaultPath = "earthagent.yaml"

// Config is the on-disk configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	LLM        LLMConfig        `yaml:"llm"`
	Tools      ToolsConfig      `yaml:"tools"`
	Sessions   SessionsConfig   `yaml:"sessions"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Agent      AgentConfig      `yaml:"agent"`
	Connection ConnectionConfig `yaml:"connection"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type ServerConfig struct {
	Port            int           `yaml:"port"`
	Environment     string        `yaml:"environment"` // development or production
	GinMode         string        `yaml:"gin_mode,omitempty"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type LLMConfig struct {
	// Backend is "openai", "anthropic" (or "claude"), or "ollama".
	Backend     string        `yaml:"backend"`
	Model       string        `yaml:"model,omitempty"`
	BaseURL     string        `yaml:"base_url,omitempty"`
	Timeout     time.Duration `yaml:"timeout"`
	Temperature *float32      `yaml:"temperature,omitempty"`
	MaxTokens   *int          `yaml:"max_tokens,omitempty"`
}

type ToolsConfig struct {
	WeatherBaseURL string        `yaml:"weather_base_url,omitempty"`
	Timeout        time.Duration `yaml:"timeout"`
	CachePath      string        `yaml:"cache_path,omitempty"` // empty keeps the cache in memory
	CacheDisabled  bool          `yaml:"cache_disabled"`
}

type SessionsConfig struct {
	Capacity   int `yaml:"capacity"`
	MaxHistory int `yaml:"max_history"`
}

type RateLimitConfig struct {
	Query    ratelimit.Policy `yaml:"query"`
	ToolCall ratelimit.Policy `yaml:"tool_call"`
}

type AgentConfig struct {
	ModelTimeout    time.Duration `yaml:"model_timeout"`
	AnalysisTimeout time.Duration `yaml:"analysis_timeout"`
	MaxPending      int           `yaml:"max_pending"`
	SystemPrompt    string        `yaml:"system_prompt,omitempty"`
}

type ConnectionConfig struct {
	PingInterval   time.Duration `yaml:"ping_interval"`
	PongWait       time.Duration `yaml:"pong_wait"`
	WriteWait      time.Duration `yaml:"write_wait"`
	MaxFrameBytes  int64         `yaml:"max_frame_bytes"`
	SendBuffer     int           `yaml:"send_buffer"`
	AllowedOrigins []string      `yaml:"allowed_origins,omitempty"`
}

type TelemetryConfig struct {
	// OTelEndpoint is an OTLP gRPC collector address. Empty disables tracing.
	OTelEndpoint string `yaml:"otel_endpoint,omitempty"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	Dir   string `yaml:"dir,omitempty"`
	JSON  bool   `yaml:"json"`
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() Config {
	limits := ratelimit.DefaultConfig()
	return Config{
		Server: ServerConfig{
			Port:            12210,
			Environment:     "development",
			ShutdownTimeout: 15 * time.Second,
		},
		LLM: LLMConfig{
			Backend: "ollama",
			BaseURL: "http://localhost:11434",
			Timeout: 120 * time.Second,
		},
		Tools: ToolsConfig{
			Timeout: 30 * time.Second,
		},
		Sessions: SessionsConfig{
			Capacity:   100,
			MaxHistory: 200,
		},
		RateLimit: RateLimitConfig{
			Query:    limits.Policies[ratelimit.ClassQuery],
			ToolCall: limits.Policies[ratelimit.ClassToolCall],
		},
		Agent: AgentConfig{
			ModelTimeout:    60 * time.Second,
			AnalysisTimeout: 60 * time.Second,
			MaxPending:      16,
		},
		Connection: ConnectionConfig{
			PingInterval:  30 * time.Second,
			PongWait:      60 * time.Second,
			WriteWait:     10 * time.Second,
			MaxFrameBytes: 64 * 1024,
			SendBuffer:    256,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads path over DefaultConfig and applies environment overrides.
// A missing file is only an error when explicit is true.
func Load(path string, explicit bool) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := decode(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// ApplyEnv overrides fields from environment variables read through getenv.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	str("EARTHAGENT_ENV", &c.Server.Environment)
	str("GIN_MODE", &c.Server.GinMode)
	str("LLM_BACKEND_TYPE", &c.LLM.Backend)
	str("EARTHAGENT_LOG_LEVEL", &c.Logging.Level)
	str("EARTHAGENT_LOG_DIR", &c.Logging.Dir)
	str("EARTHAGENT_CACHE_PATH", &c.Tools.CachePath)
	str("OPENWEATHERMAP_BASE_URL", &c.Tools.WeatherBaseURL)
	str("OTEL_EXPORTER_OTLP_ENDPOINT", &c.Telemetry.OTelEndpoint)

	switch c.LLM.Backend {
	case "openai":
		str("OPENAI_MODEL", &c.LLM.Model)
		str("OPENAI_BASE_URL", &c.LLM.BaseURL)
	case "anthropic", "claude":
		str("CLAUDE_MODEL", &c.LLM.Model)
		str("ANTHROPIC_BASE_URL", &c.LLM.BaseURL)
	case "ollama":
		str("OLLAMA_MODEL", &c.LLM.Model)
		str("OLLAMA_BASE_URL", &c.LLM.BaseURL)
	}

	if v := getenv("EARTHAGENT_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("EARTHAGENT_PORT: %w", err)
		}
		c.Server.Port = port
	}
	if v := getenv("EARTHAGENT_SESSION_CAPACITY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("EARTHAGENT_SESSION_CAPACITY: %w", err)
		}
		c.Sessions.Capacity = n
	}
	return nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	switch c.Server.Environment {
	case "development", "production":
	default:
		return fmt.Errorf("server.environment must be development or production, got %q", c.Server.Environment)
	}
	switch c.LLM.Backend {
	case "openai", "anthropic", "claude":
	case "ollama":
		if c.LLM.BaseURL == "" {
			return errors.New("llm.base_url is required for the ollama backend")
		}
	default:
		return fmt.Errorf("unknown llm.backend %q", c.LLM.Backend)
	}
	if c.Sessions.Capacity <= 0 {
		return fmt.Errorf("sessions.capacity must be positive, got %d", c.Sessions.Capacity)
	}
	if c.Sessions.MaxHistory < 0 {
		return fmt.Errorf("sessions.max_history must not be negative, got %d", c.Sessions.MaxHistory)
	}
	if c.Agent.MaxPending <= 0 {
		return fmt.Errorf("agent.max_pending must be positive, got %d", c.Agent.MaxPending)
	}
	if c.Connection.PongWait <= c.Connection.PingInterval {
		return fmt.Errorf("connection.pong_wait (%v) must exceed ping_interval (%v)",
			c.Connection.PongWait, c.Connection.PingInterval)
	}
	if _, err := ratelimit.New(c.rateLimit()); err != nil {
		return fmt.Errorf("rate_limit: %w", err)
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	return nil
}

func (c Config) rateLimit() ratelimit.Config {
	return ratelimit.Config{Policies: map[ratelimit.Class]ratelimit.Policy{
		ratelimit.ClassQuery:    c.RateLimit.Query,
		ratelimit.ClassToolCall: c.RateLimit.ToolCall,
	}}
}

// Marshal renders c as YAML.
func (c Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
