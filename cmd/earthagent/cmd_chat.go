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
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/EarthAgent/pkg/wsclient"
	"github.com/AleutianAI/EarthAgent/services/agent/protocol"
)

func runChat(cmd *cobra.Command, args []string) error {
	client, err := wsclient.New(wsclient.Config{
		URL:       chatURL,
		SessionID: chatSID,
		Logger:    slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: slog.LevelWarn})),
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	runErr := make(chan error, 1)
	go func() { runErr <- client.Run(ctx) }()
	go func() {
		for f := range client.Events() {
			if f.Type == protocol.TypeSessionInfo {
				fmt.Fprintf(cmd.ErrOrStderr(), "[session %s]\n", f.SessionID)
			}
		}
	}()

	err = chatLoop(ctx, client, cmd.InOrStdin(), cmd.OutOrStdout())
	stop()
	<-runErr
	return err
}

// chatter is the part of wsclient.Client the chat loop uses.
type chatter interface {
	Query(ctx context.Context, text string) (*wsclient.Call, error)
	CallTool(ctx context.Context, name string, args map[string]any) (*wsclient.Call, error)
	ClearHistory(ctx context.Context) (*wsclient.Call, error)
}

func chatLoop(ctx context.Context, client chatter, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), protocol.MaxQueryBytes)
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "/quit" {
			return nil
		}

		call, err := submitLine(ctx, client, line)
		if err != nil {
			fmt.Fprintln(out, "error:", err)
			if errors.Is(err, context.Canceled) || errors.Is(err, wsclient.ErrClientClosed) {
				return nil
			}
			continue
		}
		for f := range call.Frames() {
			fmt.Fprintln(out, renderFrame(f))
		}
		if err := call.Err(); err != nil {
			fmt.Fprintln(out, "error:", err)
		}
	}
}

func submitLine(ctx context.Context, client chatter, line string) (*wsclient.Call, error) {
	switch {
	case line == "/clear":
		return client.ClearHistory(ctx)
	case strings.HasPrefix(line, "/tool "):
		name, raw, _ := strings.Cut(strings.TrimSpace(strings.TrimPrefix(line, "/tool ")), " ")
		args := map[string]any{}
		if raw = strings.TrimSpace(raw); raw != "" {
			if err := json.Unmarshal([]byte(raw), &args); err != nil {
				return nil, fmt.Errorf("tool arguments must be a JSON object: %w", err)
			}
		}
		return client.CallTool(ctx, name, args)
	case strings.HasPrefix(line, "/"):
		return nil, fmt.Errorf("unknown command %q", line)
	default:
		return client.Query(ctx, line)
	}
}

// renderFrame formats one server frame for the terminal.
func renderFrame(f protocol.ServerFrame) string {
	switch f.Type {
	case protocol.TypeResponse:
		return f.Response
	case protocol.TypeToolResult:
		return fmt.Sprintf("[%s] %s", f.ToolName, string(f.Result))
	case protocol.TypeToolResultWithAnalysis:
		if f.Fallback {
			return fmt.Sprintf("[fallback: %s] %s", f.FallbackReason, f.Analysis)
		}
		if f.AnalysisError != "" {
			return fmt.Sprintf("[analysis unavailable: %s]", f.AnalysisError)
		}
		return f.Analysis
	case protocol.TypeHistoryCleared:
		return "[history cleared]"
	case protocol.TypeError:
		return fmt.Sprintf("[error %s] %s", f.Code, f.Error)
	default:
		return fmt.Sprintf("[%s]", f.Type)
	}
}
