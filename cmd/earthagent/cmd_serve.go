// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/EarthAgent/cmd/earthagent/config"
	"github.com/AleutianAI/EarthAgent/pkg/logging"
	"github.com/AleutianAI/EarthAgent/services/orchestrator"
)

// loadConfig reads --config, or ./earthagent.yaml when it exists.
func loadConfig() (config.Config, error) {
	if configPath != "" {
		return config.Load(configPath, true)
	}
	return config.Load(config.DefaultPath, false)
}

func newLogger(cfg config.LoggingConfig) (*logging.Logger, error) {
	level, err := logging.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	return logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Dir,
		Service: "earthagent",
		JSON:    cfg.JSON,
	}), nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if portFlag != 0 {
		cfg.Server.Port = portFlag
		if err := cfg.Validate(); err != nil {
			return err
		}
	}

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer logger.Close()
	logger.SetDefault()

	svcCfg, err := cfg.ToOrchestrator(version, nil, logger.Slog())
	if err != nil {
		return fmt.Errorf("load credentials: %w", err)
	}

	logger.Info("Starting EarthAgent",
		"version", version,
		"port", svcCfg.Port,
		"llm_backend", svcCfg.LLMBackend,
		"environment", svcCfg.Environment,
	)

	svc, err := orchestrator.New(svcCfg)
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := svc.Run(ctx); err != nil {
		logger.Error("Server error", "error", err)
		return err
	}
	logger.Info("EarthAgent stopped")
	return nil
}
