// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/EarthAgent/services/agent/analysis"
	"github.com/AleutianAI/EarthAgent/services/agent/fallback"
	"github.com/AleutianAI/EarthAgent/services/agent/protocol"
	"github.com/AleutianAI/EarthAgent/services/agent/ratelimit"
	"github.com/AleutianAI/EarthAgent/services/agent/session"
	"github.com/AleutianAI/EarthAgent/services/agent/tools"
	"github.com/AleutianAI/EarthAgent/services/llm"
)

// =============================================================================
// Test doubles
// =============================================================================

type scriptedModel struct {
	mu       sync.Mutex
	chat     func(req llm.ChatRequest) (*llm.ChatResponse, error)
	generate func(prompt string) (string, error)
	requests []llm.ChatRequest
}

func (m *scriptedModel) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	fn := m.chat
	m.mu.Unlock()
	if fn == nil {
		return &llm.ChatResponse{Text: "ok"}, nil
	}
	return fn(req)
}

func (m *scriptedModel) Generate(ctx context.Context, prompt string, _ llm.GenerationParams) (string, error) {
	if m.generate == nil {
		return "generated", nil
	}
	return m.generate(prompt)
}

func (m *scriptedModel) Model() string { return "scripted" }

func (m *scriptedModel) lastRequest(t *testing.T) llm.ChatRequest {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	require.NotEmpty(t, m.requests)
	return m.requests[len(m.requests)-1]
}

type recorder struct {
	ch chan protocol.Frame
}

func newRecorder() *recorder { return &recorder{ch: make(chan protocol.Frame, 256)} }

func (r *recorder) Emit(f protocol.Frame) error {
	r.ch <- f
	return nil
}

func (r *recorder) next(t *testing.T) protocol.Frame {
	t.Helper()
	select {
	case f := <-r.ch:
		return f
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for frame")
		return nil
	}
}

func (r *recorder) none(t *testing.T) {
	t.Helper()
	select {
	case f := <-r.ch:
		t.Fatalf("unexpected frame %T", f)
	case <-time.After(50 * time.Millisecond):
	}
}

type harness struct {
	d        *Dispatcher
	store    *session.Store
	model    *scriptedModel
	analyzer *scriptedModel
	sess     string
}

type harnessOpts struct {
	limiter    Admitter
	maxPending int
	extraTools []tools.Tool
}

func weatherTool() tools.Tool {
	return tools.NewFuncTool(tools.ToolDefinition{
		Name:        "get_current_weather",
		Description: "Current weather for a location",
		Parameters: map[string]tools.ParamDef{
			"location": {Type: tools.ParamTypeString, Required: true},
		},
	}, func(ctx context.Context, params map[string]any) (*tools.Result, error) {
		return tools.Succeed(map[string]any{
			"location":    params["location"],
			"temperature": 14.2,
			"conditions":  "light rain",
		}), nil
	})
}

func newHarness(t *testing.T, opts harnessOpts) *harness {
	t.Helper()
	reg := tools.NewRegistry()
	require.NoError(t, reg.Register(weatherTool()))
	for _, tool := range opts.extraTools {
		require.NoError(t, reg.Register(tool))
	}
	reg.Freeze()
	execOpts := tools.DefaultExecutorOptions()
	exec := tools.NewExecutor(reg, &execOpts)

	model := &scriptedModel{}
	analyzer := &scriptedModel{generate: func(string) (string, error) { return "Mild and wet.", nil }}
	pipeline, err := analysis.New(analyzer, analysis.Config{})
	require.NoError(t, err)
	fallbackModel := &scriptedModel{generate: func(string) (string, error) { return "Best-effort answer (estimate).", nil }}

	store := session.NewStore(session.Config{})
	d, err := New(Config{
		Sessions:   store,
		Limiter:    opts.limiter,
		Executor:   exec,
		Model:      model,
		Analysis:   pipeline,
		Fallback:   fallback.New(fallbackModel, fallback.Config{}),
		MaxPending: opts.maxPending,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close(context.Background()) })

	sess, _ := store.GetOrCreate("")
	return &harness{d: d, store: store, model: model, analyzer: analyzer, sess: sess.ID}
}

// =============================================================================
// Scenarios
// =============================================================================

func TestDispatcher_QuerySelectsToolThenAnalyzes(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.model.chat = func(llm.ChatRequest) (*llm.ChatResponse, error) {
		return &llm.ChatResponse{ToolCalls: []llm.ToolCall{{
			Name:      "get_current_weather",
			Arguments: map[string]any{"location": "Paris"},
		}}}, nil
	}
	rec := newRecorder()

	require.NoError(t, h.d.Submit(Request{
		Type: protocol.TypeQuery, SessionID: h.sess, RequestID: "r1", Query: "What's the weather in Paris?",
	}, rec))

	raw, ok := rec.next(t).(*protocol.ToolResult)
	require.True(t, ok, "first frame is the raw tool result")
	assert.Equal(t, "get_current_weather", raw.ToolName)
	assert.Equal(t, "r1", raw.RequestID)
	assert.Equal(t, 14.2, raw.Result.(map[string]any)["temperature"])

	final, ok := rec.next(t).(*protocol.ToolResultWithAnalysis)
	require.True(t, ok)
	assert.Equal(t, "Mild and wet.", final.Analysis)
	assert.False(t, final.Fallback)
	assert.Empty(t, final.AnalysisError)
	rec.none(t)

	req := h.model.lastRequest(t)
	assert.Equal(t, llm.RoleSystem, req.Messages[0].Role)
	assert.Len(t, req.Tools, 1)
	assert.Equal(t, "get_current_weather", req.Tools[0].Name)

	history, err := h.store.History(h.sess)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, session.RoleUser, history[0].Role)
	assert.True(t, history[1].IsToolResult())
	assert.Equal(t, session.RoleAssistant, history[2].Role)
	assert.Equal(t, "Mild and wet.", history[2].Text)
}

func TestDispatcher_PlainAnswer(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.model.chat = func(llm.ChatRequest) (*llm.ChatResponse, error) {
		return &llm.ChatResponse{Text: "Everest is 8,849 m tall."}, nil
	}
	rec := newRecorder()
	require.NoError(t, h.d.Submit(Request{Type: protocol.TypeQuery, SessionID: h.sess, Query: "How tall is Everest?"}, rec))

	resp, ok := rec.next(t).(*protocol.Response)
	require.True(t, ok)
	assert.Equal(t, "How tall is Everest?", resp.Query)
	assert.Equal(t, "Everest is 8,849 m tall.", resp.Response)
}

func TestDispatcher_UnknownToolFallsBack(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	rec := newRecorder()
	require.NoError(t, h.d.Submit(Request{
		Type: protocol.TypeToolCall, SessionID: h.sess, ToolName: "get_air_quality",
		Arguments: map[string]any{"city": "Delhi"},
	}, rec))

	f, ok := rec.next(t).(*protocol.ToolResultWithAnalysis)
	require.True(t, ok)
	assert.True(t, f.Fallback)
	assert.Equal(t, string(fallback.ReasonUnknownTool), f.FallbackReason)
	assert.Equal(t, "get_air_quality", f.ToolName)
	body := f.Result.(protocol.FallbackResult)
	assert.True(t, body.FallbackUsed)
	assert.Equal(t, "Best-effort answer (estimate).", body.Message)
	rec.none(t)
}

func TestDispatcher_ModelRequestsUnknownTool(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.model.chat = func(llm.ChatRequest) (*llm.ChatResponse, error) {
		return &llm.ChatResponse{ToolCalls: []llm.ToolCall{{Name: "get_tides"}}}, nil
	}
	rec := newRecorder()
	require.NoError(t, h.d.Submit(Request{Type: protocol.TypeQuery, SessionID: h.sess, Query: "tides in Brest"}, rec))

	f := rec.next(t).(*protocol.ToolResultWithAnalysis)
	assert.True(t, f.Fallback)
	assert.Equal(t, "get_tides", f.ToolName)
}

func TestDispatcher_RateLimitRejectsSixteenthQuery(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	cfg := ratelimit.DefaultConfig()
	cfg.Now = func() time.Time { return now }
	limiter, err := ratelimit.New(cfg)
	require.NoError(t, err)

	h := newHarness(t, harnessOpts{limiter: limiter, maxPending: 32})
	rec := newRecorder()
	for i := 1; i <= 16; i++ {
		require.NoError(t, h.d.Submit(Request{
			Type: protocol.TypeQuery, SessionID: h.sess, RequestID: fmt.Sprint(i), Query: "q",
		}, rec))
	}

	for i := 1; i <= 15; i++ {
		f := rec.next(t)
		resp, ok := f.(*protocol.Response)
		require.True(t, ok, "frame %d should be a response, got %T", i, f)
		assert.Equal(t, fmt.Sprint(i), resp.RequestID)
	}
	errFrame, ok := rec.next(t).(*protocol.Error)
	require.True(t, ok)
	assert.Equal(t, protocol.CodeRateLimited, errFrame.Code)
	assert.Equal(t, "16", errFrame.RequestID)

	history, err := h.store.History(h.sess)
	require.NoError(t, err)
	assert.Len(t, history, 20, "15 answered queries, trimmed to the cap, and no trace of the rejection")
}

func TestDispatcher_ClearHistoryThenQuery(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	rec := newRecorder()

	require.NoError(t, h.d.Submit(Request{Type: protocol.TypeQuery, SessionID: h.sess, Query: "first"}, rec))
	rec.next(t)
	require.NoError(t, h.d.Submit(Request{Type: protocol.TypeClearHistory, SessionID: h.sess}, rec))
	cleared, ok := rec.next(t).(*protocol.HistoryCleared)
	require.True(t, ok)
	assert.True(t, cleared.Success)
	assert.Equal(t, h.sess, cleared.SessionID)

	require.NoError(t, h.d.Submit(Request{Type: protocol.TypeQuery, SessionID: h.sess, Query: "second"}, rec))
	rec.next(t)

	req := h.model.lastRequest(t)
	require.Len(t, req.Messages, 2, "system prompt plus the new query only")
	assert.Equal(t, llm.RoleSystem, req.Messages[0].Role)
	assert.Equal(t, "second", req.Messages[1].Content)

	_, ok = h.store.Get(h.sess)
	assert.True(t, ok, "identity survives clear")
}

func TestDispatcher_SameSessionOrdering(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.model.chat = func(req llm.ChatRequest) (*llm.ChatResponse, error) {
		q := req.Messages[len(req.Messages)-1].Content
		if q == "slow" {
			time.Sleep(100 * time.Millisecond)
		}
		return &llm.ChatResponse{Text: "answer to " + q}, nil
	}
	rec := newRecorder()
	require.NoError(t, h.d.Submit(Request{Type: protocol.TypeQuery, SessionID: h.sess, RequestID: "1", Query: "slow"}, rec))
	require.NoError(t, h.d.Submit(Request{Type: protocol.TypeQuery, SessionID: h.sess, RequestID: "2", Query: "fast"}, rec))

	assert.Equal(t, "1", rec.next(t).(*protocol.Response).RequestID)
	assert.Equal(t, "2", rec.next(t).(*protocol.Response).RequestID)

	history, err := h.store.History(h.sess)
	require.NoError(t, err)
	require.Len(t, history, 4)
	assert.Equal(t, "slow", history[0].Text)
	assert.Equal(t, "fast", history[2].Text)
}

func TestDispatcher_SessionsRunConcurrently(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	release := make(chan struct{})
	h.model.chat = func(req llm.ChatRequest) (*llm.ChatResponse, error) {
		if req.Messages[len(req.Messages)-1].Content == "blocked" {
			<-release
		}
		return &llm.ChatResponse{Text: "done"}, nil
	}
	other, _ := h.store.GetOrCreate("")

	slow, fast := newRecorder(), newRecorder()
	require.NoError(t, h.d.Submit(Request{Type: protocol.TypeQuery, SessionID: h.sess, Query: "blocked"}, slow))
	require.NoError(t, h.d.Submit(Request{Type: protocol.TypeQuery, SessionID: other.ID, Query: "free"}, fast))

	_, ok := fast.next(t).(*protocol.Response)
	assert.True(t, ok, "an unrelated session is not blocked")
	close(release)
	slow.next(t)
}

func TestDispatcher_AnalysisFailureStillTerminates(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.analyzer.generate = func(string) (string, error) { return "", llm.ErrModel }
	rec := newRecorder()
	require.NoError(t, h.d.Submit(Request{
		Type: protocol.TypeToolCall, SessionID: h.sess, ToolName: "get_current_weather",
		Arguments: map[string]any{"location": "Oslo"},
	}, rec))

	_, ok := rec.next(t).(*protocol.ToolResult)
	require.True(t, ok)
	final, ok := rec.next(t).(*protocol.ToolResultWithAnalysis)
	require.True(t, ok)
	assert.Empty(t, final.Analysis)
	assert.NotEmpty(t, final.AnalysisError)
	assert.False(t, final.Fallback)
	assert.NotNil(t, final.Result)

	history, err := h.store.History(h.sess)
	require.NoError(t, err)
	require.Len(t, history, 1, "only the tool result is recorded")
	assert.True(t, history[0].IsToolResult())
}

func TestDispatcher_ToolTimeoutFallsBack(t *testing.T) {
	slowTool := tools.NewFuncTool(tools.ToolDefinition{
		Name:    "slow_tool",
		Timeout: 20 * time.Millisecond,
	}, func(ctx context.Context, _ map[string]any) (*tools.Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	h := newHarness(t, harnessOpts{extraTools: []tools.Tool{slowTool}})
	rec := newRecorder()
	require.NoError(t, h.d.Submit(Request{Type: protocol.TypeToolCall, SessionID: h.sess, ToolName: "slow_tool"}, rec))

	f := rec.next(t).(*protocol.ToolResultWithAnalysis)
	assert.True(t, f.Fallback)
	assert.Equal(t, string(fallback.ReasonToolTimeout), f.FallbackReason)
	rec.none(t)
}

func TestDispatcher_ToolFailureAndEmptyResult(t *testing.T) {
	failing := tools.NewFuncTool(tools.ToolDefinition{Name: "failing_tool"},
		func(context.Context, map[string]any) (*tools.Result, error) {
			return nil, errors.New("upstream 503")
		})
	empty := tools.NewFuncTool(tools.ToolDefinition{Name: "empty_tool"},
		func(context.Context, map[string]any) (*tools.Result, error) {
			return tools.Succeed(map[string]any{}), nil
		})
	h := newHarness(t, harnessOpts{extraTools: []tools.Tool{failing, empty}})
	rec := newRecorder()

	require.NoError(t, h.d.Submit(Request{Type: protocol.TypeToolCall, SessionID: h.sess, ToolName: "failing_tool"}, rec))
	f := rec.next(t).(*protocol.ToolResultWithAnalysis)
	assert.Equal(t, string(fallback.ReasonToolFailed), f.FallbackReason)

	require.NoError(t, h.d.Submit(Request{Type: protocol.TypeToolCall, SessionID: h.sess, ToolName: "empty_tool"}, rec))
	f = rec.next(t).(*protocol.ToolResultWithAnalysis)
	assert.Equal(t, string(fallback.ReasonEmptyResult), f.FallbackReason)
}

func TestDispatcher_InvalidArguments(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	rec := newRecorder()

	require.NoError(t, h.d.Submit(Request{
		Type: protocol.TypeToolCall, SessionID: h.sess, ToolName: "get_current_weather",
		Arguments: map[string]any{"location": 42},
	}, rec))
	errFrame, ok := rec.next(t).(*protocol.Error)
	require.True(t, ok)
	assert.Equal(t, protocol.CodeInvalidArguments, errFrame.Code)

	h.model.chat = func(llm.ChatRequest) (*llm.ChatResponse, error) {
		return &llm.ChatResponse{ToolCalls: []llm.ToolCall{{Name: "get_current_weather", Arguments: map[string]any{}}}}, nil
	}
	require.NoError(t, h.d.Submit(Request{Type: protocol.TypeQuery, SessionID: h.sess, Query: "weather?"}, rec))
	f, ok := rec.next(t).(*protocol.ToolResultWithAnalysis)
	require.True(t, ok, "model-supplied invalid arguments fall back")
	assert.Equal(t, string(fallback.ReasonInvalidArguments), f.FallbackReason)
}

func TestDispatcher_ModelErrorFallsBack(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.model.chat = func(llm.ChatRequest) (*llm.ChatResponse, error) {
		return nil, fmt.Errorf("%w: connection refused", llm.ErrModel)
	}
	rec := newRecorder()
	require.NoError(t, h.d.Submit(Request{Type: protocol.TypeQuery, SessionID: h.sess, Query: "hi"}, rec))

	f := rec.next(t).(*protocol.ToolResultWithAnalysis)
	assert.True(t, f.Fallback)
	assert.Equal(t, string(fallback.ReasonModelError), f.FallbackReason)
	assert.Equal(t, fallback.GeneralToolName, f.ToolName)
}

func TestDispatcher_UnhelpfulReplyFallsBack(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.model.chat = func(llm.ChatRequest) (*llm.ChatResponse, error) {
		return &llm.ChatResponse{Text: "I don't have access to that information."}, nil
	}
	rec := newRecorder()
	require.NoError(t, h.d.Submit(Request{Type: protocol.TypeQuery, SessionID: h.sess, Query: "soil pH in Iowa"}, rec))

	f := rec.next(t).(*protocol.ToolResultWithAnalysis)
	assert.Equal(t, string(fallback.ReasonUnhelpfulAnswer), f.FallbackReason)

	history, err := h.store.History(h.sess)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.True(t, history[1].Fallback)
}

func TestDispatcher_BusyWhenLaneFull(t *testing.T) {
	h := newHarness(t, harnessOpts{maxPending: 1})
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	h.model.chat = func(llm.ChatRequest) (*llm.ChatResponse, error) {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
		return &llm.ChatResponse{Text: "done"}, nil
	}
	rec := newRecorder()

	require.NoError(t, h.d.Submit(Request{Type: protocol.TypeQuery, SessionID: h.sess, RequestID: "1", Query: "a"}, rec))
	<-entered
	require.NoError(t, h.d.Submit(Request{Type: protocol.TypeQuery, SessionID: h.sess, RequestID: "2", Query: "b"}, rec))
	err := h.d.Submit(Request{Type: protocol.TypeQuery, SessionID: h.sess, RequestID: "3", Query: "c"}, rec)
	assert.ErrorIs(t, err, ErrQueueFull)

	busy := rec.next(t).(*protocol.Error)
	assert.Equal(t, protocol.CodeBusy, busy.Code)
	assert.Equal(t, "3", busy.RequestID)

	close(release)
	assert.Equal(t, "1", rec.next(t).(*protocol.Response).RequestID)
	assert.Equal(t, "2", rec.next(t).(*protocol.Response).RequestID)
}

func TestDispatcher_PingAndClose(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	rec := newRecorder()
	require.NoError(t, h.d.Submit(Request{Type: protocol.TypePing, SessionID: h.sess, RequestID: "p"}, rec))
	pong, ok := rec.next(t).(*protocol.Pong)
	require.True(t, ok)
	assert.Equal(t, "p", pong.RequestID)

	require.NoError(t, h.d.Submit(Request{Type: protocol.TypeQuery, SessionID: h.sess, Query: "q"}, rec))
	require.NoError(t, h.d.Close(context.Background()))
	_, ok = rec.next(t).(*protocol.Response)
	assert.True(t, ok, "queued work completes before Close returns")
	assert.Zero(t, h.d.Pending())

	err := h.d.Submit(Request{Type: protocol.TypeQuery, SessionID: h.sess, Query: "late"}, rec)
	assert.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, protocol.CodeInternal, rec.next(t).(*protocol.Error).Code)
}

func TestDispatcher_DisconnectedClientKeepsHistory(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.model.chat = func(llm.ChatRequest) (*llm.ChatResponse, error) {
		return &llm.ChatResponse{Text: "stored anyway"}, nil
	}
	gone := EmitterFunc(func(protocol.Frame) error { return errors.New("connection closed") })
	require.NoError(t, h.d.Submit(Request{Type: protocol.TypeQuery, SessionID: h.sess, Query: "q"}, gone))
	require.NoError(t, h.d.Close(context.Background()))

	history, err := h.store.History(h.sess)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "stored anyway", history[1].Text)
}

func TestToLLM_RendersToolResults(t *testing.T) {
	msgs := toLLM([]session.Message{
		{Role: session.RoleUser, Text: "q"},
		{Role: session.RoleTool, ToolName: "get_current_weather", Result: map[string]any{"t": 1}},
		{Role: session.RoleAssistant, Text: "a"},
	})
	require.Len(t, msgs, 3)
	assert.Equal(t, llm.RoleAssistant, msgs[1].Role)
	assert.Equal(t, `[tool get_current_weather returned] {"t":1}`, msgs[1].Content)
}

func TestToLLM_TruncatesLargeResultOnRuneBoundary(t *testing.T) {
	msgs := toLLM([]session.Message{
		{Role: session.RoleTool, ToolName: "calculate_distance", Result: map[string]any{"note": strings.Repeat("é", 3000)}},
	})
	require.Len(t, msgs, 1)
	assert.True(t, utf8.ValidString(msgs[0].Content))
	assert.True(t, strings.HasSuffix(msgs[0].Content, "..."))
	assert.Less(t, len(msgs[0].Content), 4<<10+64)
}

func TestStage_String(t *testing.T) {
	assert.Equal(t, "tool_executed", StageToolExecuted.String())
	assert.Equal(t, "unknown", Stage(99).String())
}
