// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package dispatcher runs the per-request agent cycle: rate admission,
// routing to a tool or the model, analysis of tool results, fallback
// answers and history bookkeeping.
//
// Requests for one session are served strictly in arrival order by a lane:
// a FIFO drained by a single goroutine that exists only while the session
// has work. Lanes of different sessions run concurrently.
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/EarthAgent/services/agent/analysis"
	"github.com/AleutianAI/EarthAgent/services/agent/fallback"
	"github.com/AleutianAI/EarthAgent/services/agent/protocol"
	"github.com/AleutianAI/EarthAgent/services/agent/ratelimit"
	"github.com/AleutianAI/EarthAgent/services/agent/session"
	"github.com/AleutianAI/EarthAgent/services/agent/tools"
	"github.com/AleutianAI/EarthAgent/services/llm"
)

var tracer = otel.Tracer("earthagent.dispatcher")

var (
	// ErrQueueFull is reported when a session's lane is at MaxPending.
	ErrQueueFull = errors.New("session queue is full")

	// ErrClosed is reported for requests submitted after Close.
	ErrClosed = errors.New("dispatcher is closed")
)

// DefaultSystemPrompt is prepended to every model conversation.
const DefaultSystemPrompt = `You are a helpful assistant specialized in geography, weather and geospatial analysis.
When a tool can answer the user's question with live data, call it with precise arguments.
Otherwise answer directly and concisely.`

// Request is one decoded client request bound to a live session.
type Request struct {
	Type      protocol.Type
	SessionID string
	RequestID string
	Query     string
	ToolName  string
	Arguments map[string]any
}

// Emitter delivers outbound frames to a client. Emit must not block for
// long; errors mean the client is gone and are only logged.
type Emitter interface {
	Emit(f protocol.Frame) error
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(f protocol.Frame) error

// Emit implements Emitter.
func (fn EmitterFunc) Emit(f protocol.Frame) error { return fn(f) }

// Admitter decides whether a request may proceed. *ratelimit.Limiter
// implements it.
type Admitter interface {
	Allow(sessionID string, class ratelimit.Class) (bool, time.Duration)
}

// Config wires a Dispatcher.
type Config struct {
	Sessions session.Backend
	Limiter  Admitter
	Executor *tools.Executor
	Model    llm.LLMClient
	Analysis *analysis.Pipeline
	Fallback *fallback.Engine

	// Detector flags unhelpful plain replies. Defaults to a PhraseDetector.
	Detector fallback.Detector

	SystemPrompt string
	Params       llm.GenerationParams

	// ModelTimeout bounds each tool-selection model call. Default 60s.
	ModelTimeout time.Duration

	// MaxPending bounds the queued requests per session. Default 16.
	MaxPending int

	Metrics Metrics
	Logger  *slog.Logger
}

// Dispatcher routes requests. Create with New; stop with Close.
type Dispatcher struct {
	cfg      Config
	registry *tools.Registry
	specs    []llm.ToolSpec

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	lanes  map[string]*lane
	closed bool
}

type lane struct {
	jobs []job
}

type job struct {
	req      Request
	out      Emitter
	received time.Time

	// rejected holds an admission failure detected at submit time; the
	// rejection is still emitted in lane order.
	rejected *ratelimit.LimitError
}

// New creates a Dispatcher.
func New(cfg Config) (*Dispatcher, error) {
	switch {
	case cfg.Sessions == nil:
		return nil, errors.New("dispatcher: sessions backend is required")
	case cfg.Executor == nil:
		return nil, errors.New("dispatcher: tool executor is required")
	case cfg.Model == nil:
		return nil, errors.New("dispatcher: model client is required")
	case cfg.Analysis == nil:
		return nil, errors.New("dispatcher: analysis pipeline is required")
	}
	if cfg.Fallback == nil {
		cfg.Fallback = fallback.New(cfg.Model, fallback.Config{Logger: cfg.Logger})
	}
	if cfg.Detector == nil {
		cfg.Detector = fallback.NewPhraseDetector()
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}
	if cfg.ModelTimeout <= 0 {
		cfg.ModelTimeout = 60 * time.Second
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = 16
	}
	if cfg.Metrics == nil {
		cfg.Metrics = nopMetrics{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	registry := cfg.Executor.Registry()
	defs := registry.List()
	specs := make([]llm.ToolSpec, 0, len(defs))
	for _, def := range defs {
		specs = append(specs, llm.ToolSpec{
			Name:        def.Name,
			Description: def.Description,
			Parameters:  def.JSONSchema(),
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		cfg:      cfg,
		registry: registry,
		specs:    specs,
		ctx:      ctx,
		cancel:   cancel,
		lanes:    make(map[string]*lane),
	}, nil
}

// Submit queues req on its session's lane and returns immediately.
//
// # Description
//
// query and tool_call requests are rate checked here, at arrival; a
// rejection is queued like any other job so that it is emitted after the
// frames of earlier requests. ping is answered immediately. When the lane
// already holds MaxPending requests a busy error frame is emitted at once
// and ErrQueueFull returned.
//
// # Outputs
//
//   - error: ErrQueueFull, ErrClosed, or nil when queued.
func (d *Dispatcher) Submit(req Request, out Emitter) error {
	logger := d.cfg.Logger.With("session_id", req.SessionID, "request_id", req.RequestID, "type", req.Type)
	logger.Debug("Dispatch stage", "stage", StageReceived)

	if req.Type == protocol.TypePing {
		d.emit(logger, out, protocol.NewPong(req.SessionID, req.RequestID))
		return nil
	}

	j := job{req: req, out: out, received: time.Now()}
	if class, limited := rateClass(req.Type); limited && d.cfg.Limiter != nil {
		if ok, retry := d.cfg.Limiter.Allow(req.SessionID, class); !ok {
			j.rejected = &ratelimit.LimitError{Class: class, RetryAfter: retry}
			d.cfg.Metrics.RateLimited(class)
		}
	}
	logger.Debug("Dispatch stage", "stage", StageRateChecked, "rejected", j.rejected != nil)

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.emit(logger, out, protocol.NewError(req.SessionID, req.RequestID, protocol.CodeInternal, "server is shutting down"))
		return ErrClosed
	}
	l, running := d.lanes[req.SessionID]
	if !running {
		l = &lane{}
		d.lanes[req.SessionID] = l
	}
	if len(l.jobs) >= d.cfg.MaxPending {
		d.mu.Unlock()
		logger.Warn("Session queue full, rejecting request", "max_pending", d.cfg.MaxPending)
		d.emit(logger, out, protocol.NewError(req.SessionID, req.RequestID, protocol.CodeBusy,
			"too many pending requests for this session"))
		return ErrQueueFull
	}
	l.jobs = append(l.jobs, j)
	d.cfg.Metrics.LaneDepth(1)
	if !running {
		d.wg.Add(1)
		go d.drain(req.SessionID, l)
	}
	d.mu.Unlock()
	return nil
}

// drain serves one session's lane until it is empty.
func (d *Dispatcher) drain(sessionID string, l *lane) {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		if len(l.jobs) == 0 {
			delete(d.lanes, sessionID)
			d.mu.Unlock()
			return
		}
		j := l.jobs[0]
		l.jobs[0] = job{}
		l.jobs = l.jobs[1:]
		d.mu.Unlock()

		d.cfg.Metrics.LaneDepth(-1)
		d.process(j)
	}
}

// Pending returns the number of queued requests across all sessions.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, l := range d.lanes {
		n += len(l.jobs)
	}
	return n
}

// Close stops accepting requests and waits for queued requests to finish,
// or for ctx to expire, in which case in-flight cycles are cancelled.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return ctx.Err()
	}
}

func rateClass(t protocol.Type) (ratelimit.Class, bool) {
	switch t {
	case protocol.TypeQuery:
		return ratelimit.ClassQuery, true
	case protocol.TypeToolCall:
		return ratelimit.ClassToolCall, true
	}
	return "", false
}

// =============================================================================
// Cycle
// =============================================================================

// cycle carries the state of one request through process.
type cycle struct {
	req    Request
	out    Emitter
	span   trace.Span
	logger *slog.Logger
}

func (c *cycle) stage(s Stage) {
	c.span.AddEvent(s.String())
	c.logger.Debug("Dispatch stage", "stage", s)
}

func (d *Dispatcher) process(j job) {
	ctx, span := tracer.Start(d.ctx, "dispatcher.cycle")
	defer span.End()
	span.SetAttributes(
		attribute.String("session.id", j.req.SessionID),
		attribute.String("request.type", string(j.req.Type)),
	)

	c := &cycle{
		req:    j.req,
		out:    j.out,
		span:   span,
		logger: d.cfg.Logger.With("session_id", j.req.SessionID, "request_id", j.req.RequestID, "type", j.req.Type),
	}

	if j.rejected != nil {
		span.SetStatus(codes.Error, "rate limited")
		c.logger.Info("Request rate limited", "class", j.rejected.Class, "retry_after", j.rejected.RetryAfter)
		d.respond(c, protocol.NewError(c.req.SessionID, c.req.RequestID, protocol.CodeRateLimited,
			fmt.Sprintf("rate limit exceeded for %s requests, retry in %s",
				j.rejected.Class, j.rejected.RetryAfter.Round(time.Second))))
		return
	}

	switch j.req.Type {
	case protocol.TypeClearHistory:
		d.clearHistory(c)
	case protocol.TypeToolCall:
		d.toolCall(ctx, c)
	case protocol.TypeQuery:
		d.query(ctx, c)
	default:
		d.respond(c, protocol.NewError(c.req.SessionID, c.req.RequestID, protocol.CodeInvalidRequest,
			fmt.Sprintf("unsupported request type %q", j.req.Type)))
	}
	c.logger.Debug("Cycle finished", "duration", time.Since(j.received))
}

func (d *Dispatcher) clearHistory(c *cycle) {
	c.stage(StageRouted)
	if err := d.cfg.Sessions.Clear(c.req.SessionID); err != nil {
		c.logger.Warn("Clear history on missing session", "error", err)
	}
	d.respond(c, protocol.NewHistoryCleared(c.req.SessionID, c.req.RequestID))
}

func (d *Dispatcher) toolCall(ctx context.Context, c *cycle) {
	c.stage(StageRouted)
	d.runTool(ctx, c, c.req.ToolName, c.req.Arguments, true)
}

func (d *Dispatcher) query(ctx context.Context, c *cycle) {
	if err := d.cfg.Sessions.Append(c.req.SessionID, session.Message{Role: session.RoleUser, Text: c.req.Query}); err != nil {
		c.logger.Warn("Failed to record query", "error", err)
	}
	messages := d.modelContext(c)

	mctx, cancel := context.WithTimeout(ctx, d.cfg.ModelTimeout)
	mctx, span := tracer.Start(mctx, "dispatcher.model")
	resp, err := d.cfg.Model.Chat(mctx, llm.ChatRequest{
		Messages: messages,
		Tools:    d.specs,
		Params:   d.cfg.Params,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
	cancel()
	c.stage(StageRouted)

	if err != nil {
		c.logger.Error("Model call failed", "error", err)
		d.fallback(ctx, c, fallback.ReasonModelError, "", nil, "the language model is unavailable")
		return
	}

	if resp.WantsTool() {
		call := resp.ToolCalls[0]
		if len(resp.ToolCalls) > 1 {
			c.logger.Info("Model requested several tools, running the first", "tools", len(resp.ToolCalls))
		}
		d.runTool(ctx, c, call.Name, call.Arguments, false)
		return
	}

	if reason, bad := d.cfg.Detector.Unhelpful(resp); bad {
		c.logger.Info("Model reply judged unhelpful", "reason", reason)
		d.fallback(ctx, c, reason, "", nil, "the model could not answer from its own knowledge")
		return
	}

	if err := d.cfg.Sessions.Append(c.req.SessionID, session.Message{Role: session.RoleAssistant, Text: resp.Text}); err != nil {
		c.logger.Warn("Failed to record response", "error", err)
	}
	d.respond(c, protocol.NewResponse(c.req.SessionID, c.req.RequestID, c.req.Query, resp.Text))
}

// runTool executes a tool and delivers the raw result followed by its
// analysis. explicit marks a client tool_call, whose invalid arguments are
// reported as an error rather than answered by fallback.
func (d *Dispatcher) runTool(ctx context.Context, c *cycle, name string, args map[string]any, explicit bool) {
	if args == nil {
		args = map[string]any{}
	}
	if !d.registry.Has(name) {
		d.cfg.Metrics.ToolExecuted(name, OutcomeInvalid, 0)
		d.fallback(ctx, c, fallback.ReasonUnknownTool, name, args, fmt.Sprintf("no tool named %q is available", name))
		return
	}

	inv := &tools.Invocation{ToolName: name, Parameters: args, SessionID: c.req.SessionID}
	result, err := d.cfg.Executor.Execute(ctx, inv)
	c.stage(StageToolExecuted)
	elapsed := inv.CompletedAt.Sub(inv.StartedAt)

	if err != nil {
		var execErr *tools.ExecutionError
		switch {
		case errors.Is(err, tools.ErrValidationFailed):
			d.cfg.Metrics.ToolExecuted(name, OutcomeInvalid, 0)
			if explicit {
				d.respond(c, protocol.NewError(c.req.SessionID, c.req.RequestID, protocol.CodeInvalidArguments, err.Error()))
				return
			}
			d.fallback(ctx, c, fallback.ReasonInvalidArguments, name, args, err.Error())
		case errors.As(err, &execErr) && execErr.Timeout():
			d.cfg.Metrics.ToolExecuted(name, OutcomeTimeout, elapsed)
			d.fallback(ctx, c, fallback.ReasonToolTimeout, name, args, "the tool did not respond in time")
		case errors.Is(err, tools.ErrToolNotFound):
			d.cfg.Metrics.ToolExecuted(name, OutcomeInvalid, 0)
			d.fallback(ctx, c, fallback.ReasonUnknownTool, name, args, err.Error())
		default:
			d.cfg.Metrics.ToolExecuted(name, OutcomeError, elapsed)
			d.fallback(ctx, c, fallback.ReasonToolFailed, name, args, err.Error())
		}
		return
	}
	if result.IsEmpty() {
		d.cfg.Metrics.ToolExecuted(name, OutcomeEmpty, elapsed)
		d.fallback(ctx, c, fallback.ReasonEmptyResult, name, inv.Parameters, "the tool returned no data")
		return
	}
	d.cfg.Metrics.ToolExecuted(name, OutcomeSuccess, elapsed)

	params := inv.Parameters
	if err := d.cfg.Sessions.Append(c.req.SessionID, session.Message{
		Role:      session.RoleTool,
		ToolName:  name,
		Arguments: params,
		Result:    result.Output,
	}); err != nil {
		c.logger.Warn("Failed to record tool result", "error", err)
	}
	d.emit(c.logger, c.out, protocol.NewToolResult(c.req.SessionID, c.req.RequestID, name, params, result.Output))

	text, err := d.cfg.Analysis.Analyze(ctx, analysis.Request{
		ToolName:  name,
		Arguments: params,
		Result:    result.Output,
		Query:     c.req.Query,
		History:   d.recentTurns(c),
	})
	frame := protocol.NewToolResultWithAnalysis(c.req.SessionID, c.req.RequestID, name, params, result.Output, text)
	if err != nil {
		d.cfg.Metrics.AnalysisFailed()
		c.logger.Warn("Analysis failed, delivering raw result", "tool", name, "error", err)
		frame.Analysis = ""
		frame.AnalysisError = "analysis is unavailable for this result"
	} else {
		c.stage(StageAnalyzed)
		if err := d.cfg.Sessions.Append(c.req.SessionID, session.Message{
			Role:     session.RoleAssistant,
			Text:     text,
			ToolName: name,
		}); err != nil {
			c.logger.Warn("Failed to record analysis", "error", err)
		}
	}
	d.respond(c, frame)
}

func (d *Dispatcher) fallback(ctx context.Context, c *cycle, reason fallback.Reason, tool string, args map[string]any, detail string) {
	d.cfg.Metrics.FallbackUsed(reason)
	c.span.SetAttributes(attribute.String("fallback.reason", string(reason)))

	res := d.cfg.Fallback.Answer(ctx, fallback.Request{
		Query:     c.req.Query,
		ToolName:  tool,
		Arguments: args,
		Reason:    reason,
		Detail:    detail,
	})
	if tool == "" {
		tool = fallback.GeneralToolName
	}
	if args == nil {
		args = map[string]any{}
	}
	if err := d.cfg.Sessions.Append(c.req.SessionID, session.Message{
		Role:     session.RoleAssistant,
		Text:     res.Text,
		ToolName: tool,
		Fallback: true,
	}); err != nil {
		c.logger.Warn("Failed to record fallback answer", "error", err)
	}
	d.respond(c, protocol.NewFallback(c.req.SessionID, c.req.RequestID, tool, args, string(reason), res.Text))
}

// respond emits the terminal frame of a cycle.
func (d *Dispatcher) respond(c *cycle, f protocol.Frame) {
	d.emit(c.logger, c.out, f)
	c.stage(StageResponded)
}

func (d *Dispatcher) emit(logger *slog.Logger, out Emitter, f protocol.Frame) {
	if out == nil {
		return
	}
	if err := out.Emit(f); err != nil {
		logger.Debug("Dropping frame for closed connection", "frame", f.FrameType(), "error", err)
		return
	}
	d.cfg.Metrics.FrameEmitted(f.FrameType())
}

// =============================================================================
// Model context
// =============================================================================

// modelContext renders the system prompt and the session history.
func (d *Dispatcher) modelContext(c *cycle) []llm.Message {
	history, err := d.cfg.Sessions.History(c.req.SessionID)
	if err != nil {
		c.logger.Warn("History unavailable, using the query alone", "error", err)
		history = []session.Message{{Role: session.RoleUser, Text: c.req.Query}}
	}
	messages := make([]llm.Message, 0, len(history)+1)
	messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: d.cfg.SystemPrompt})
	return append(messages, toLLM(history)...)
}

// recentTurns returns the history before the current tool result, for the
// analysis prompt.
func (d *Dispatcher) recentTurns(c *cycle) []llm.Message {
	history, err := d.cfg.Sessions.History(c.req.SessionID)
	if err != nil || len(history) == 0 {
		return nil
	}
	return toLLM(history[:len(history)-1])
}

// toLLM converts history to model messages. Tool results are rendered as
// assistant text since backends disagree on tool-role semantics.
func toLLM(history []session.Message) []llm.Message {
	out := make([]llm.Message, 0, len(history))
	for _, m := range history {
		switch m.Role {
		case session.RoleUser:
			out = append(out, llm.Message{Role: llm.RoleUser, Content: m.Text})
		case session.RoleTool:
			out = append(out, llm.Message{Role: llm.RoleAssistant, Content: renderToolResult(m)})
		default:
			out = append(out, llm.Message{Role: llm.RoleAssistant, Content: m.Text})
		}
	}
	return out
}

func renderToolResult(m session.Message) string {
	data, err := json.Marshal(m.Result)
	if err != nil {
		data = []byte(fmt.Sprintf("%v", m.Result))
	}
	const limit = 4 << 10
	result := string(data)
	if len(result) > limit {
		result = analysis.Truncate(result, limit) + "..."
	}
	return fmt.Sprintf("[tool %s returned] %s", m.ToolName, result)
}
