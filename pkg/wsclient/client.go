// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package wsclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/EarthAgent/services/agent/protocol"
)

var (
	// ErrRequestTimeout resolves a call that saw no terminal frame in time.
	// The connection is left alone.
	ErrRequestTimeout = errors.New("request timed out waiting for the agent")

	// ErrSuperseded resolves a call whose message was still waiting for a
	// stable connection when a newer message replaced it.
	ErrSuperseded = errors.New("request replaced by a newer message before it was sent")

	// ErrClientClosed resolves calls still open when Run returns.
	ErrClientClosed = errors.New("client closed")

	errNotConnected = errors.New("not connected")
)

// Config configures a Client.
type Config struct {
	// URL is the WebSocket endpoint, e.g. ws://localhost:12210/ws.
	URL string

	// SessionID resumes an existing session. Updated from session_info.
	SessionID string

	Machine MachineConfig

	// RequestTimeout bounds each call end to end. Default: 20s
	RequestTimeout time.Duration

	// WriteWait bounds each socket write. Default: 10s
	WriteWait time.Duration

	Dialer *websocket.Dialer
	Logger *slog.Logger

	// Now defaults to time.Now.
	Now func() time.Time
}

// Call is one request awaiting its frames.
type Call struct {
	RequestID string

	frames chan protocol.ServerFrame
	err    error
	timer  *time.Timer
}

// Frames yields every frame for the request and is closed after the
// terminal frame, a local timeout, or supersession.
func (c *Call) Frames() <-chan protocol.ServerFrame { return c.frames }

// Err is valid once Frames is closed.
func (c *Call) Err() error { return c.err }

// Wait collects the frames of c until it resolves or ctx is done.
func (c *Call) Wait(ctx context.Context) ([]protocol.ServerFrame, error) {
	var out []protocol.ServerFrame
	for {
		select {
		case f, ok := <-c.frames:
			if !ok {
				return out, c.err
			}
			out = append(out, f)
		case <-ctx.Done():
			return out, ctx.Err()
		}
	}
}

type event any

type (
	evOpened struct {
		gen  uint64
		conn *websocket.Conn
	}
	evClosed struct {
		gen uint64
		err error
	}
	evFrame   struct{ frame *protocol.ServerFrame }
	evStable  struct{ gen uint64 }
	evRetry   struct{ gen uint64 }
	evTimeout struct{ id string }
	evSubmit  struct {
		call    *Call
		payload []byte
	}
)

// Client keeps one logical connection to the agent alive across socket
// failures. All state except the mutex-guarded snapshot and session id is
// owned by the Run goroutine.
type Client struct {
	cfg    Config
	m      *Machine
	logger *slog.Logger
	now    func() time.Time

	events      chan event
	unsolicited chan protocol.ServerFrame

	conn        *websocket.Conn
	calls       map[string]*Call
	pendingCall string

	mu       sync.Mutex
	snapshot State
	sid      string
	done     chan struct{}
}

// New creates a Client. Call Run to connect.
func New(cfg Config) (*Client, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("url scheme must be ws or wss, got %q", u.Scheme)
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 20 * time.Second
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = 10 * time.Second
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Client{
		cfg:         cfg,
		m:           NewMachine(cfg.Machine),
		logger:      cfg.Logger,
		now:         cfg.Now,
		events:      make(chan event, 64),
		unsolicited: make(chan protocol.ServerFrame, 64),
		sid:         cfg.SessionID,
		calls:       make(map[string]*Call),
		snapshot:    StateDisconnected,
		done:        make(chan struct{}),
	}, nil
}

// State returns the last observed connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot
}

// SessionID returns the session the server last announced.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sid
}

// Events yields frames that belong to no pending call, such as
// session_info. Frames are dropped when nobody reads.
func (c *Client) Events() <-chan protocol.ServerFrame { return c.unsolicited }

// Query sends a free-text query.
func (c *Client) Query(ctx context.Context, text string) (*Call, error) {
	return c.submit(ctx, protocol.Inbound{Type: protocol.TypeQuery, Query: text})
}

// CallTool invokes a tool directly.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (*Call, error) {
	return c.submit(ctx, protocol.Inbound{Type: protocol.TypeToolCall, ToolName: name, Arguments: args})
}

// ClearHistory clears the current session's history.
func (c *Client) ClearHistory(ctx context.Context) (*Call, error) {
	return c.submit(ctx, protocol.Inbound{Type: protocol.TypeClearHistory})
}

func (c *Client) submit(ctx context.Context, in protocol.Inbound) (*Call, error) {
	in.RequestID = uuid.NewString()
	call := &Call{RequestID: in.RequestID, frames: make(chan protocol.ServerFrame, 8)}
	payload, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", in.Type, err)
	}
	select {
	case c.events <- evSubmit{call: call, payload: payload}:
		return call, nil
	case <-c.done:
		return nil, ErrClientClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Run connects and keeps reconnecting until ctx is done.
func (c *Client) Run(ctx context.Context) error {
	defer c.shutdown()
	c.apply(ctx, c.m.Start(c.now()), "")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-c.events:
			c.handle(ctx, ev)
		}
	}
}

func (c *Client) handle(ctx context.Context, ev event) {
	switch ev := ev.(type) {
	case evOpened:
		if ev.gen != c.m.Gen() {
			_ = ev.conn.Close()
			return
		}
		c.conn = ev.conn
		go c.readLoop(ev.gen, ev.conn)
		c.apply(ctx, c.m.Opened(ev.gen), "")
	case evClosed:
		if ev.gen != c.m.Gen() {
			return
		}
		if c.conn != nil {
			_ = c.conn.Close()
			c.conn = nil
		}
		c.logger.Debug("Connection lost", "error", ev.err, "state", c.m.Status())
		c.apply(ctx, c.m.Closed(ev.gen, c.now()), "")
	case evStable:
		c.apply(ctx, c.m.StabilityElapsed(ev.gen), c.pendingCall)
	case evRetry:
		c.apply(ctx, c.m.RetryElapsed(ev.gen, c.now()), "")
	case evFrame:
		c.deliver(ev.frame)
	case evTimeout:
		if ev.id == c.pendingCall {
			c.m.DropPending()
			c.pendingCall = ""
		}
		if call, ok := c.calls[ev.id]; ok {
			c.resolve(call, ErrRequestTimeout)
		}
	case evSubmit:
		c.calls[ev.call.RequestID] = ev.call
		id := ev.call.RequestID
		ev.call.timer = time.AfterFunc(c.cfg.RequestTimeout, func() { c.post(evTimeout{id: id}) })
		actions, replaced := c.m.Send(ev.payload)
		if replaced {
			if old, ok := c.calls[c.pendingCall]; ok {
				c.resolve(old, ErrSuperseded)
			}
		}
		if actions == nil {
			c.pendingCall = id
		}
		c.apply(ctx, actions, id)
	}
	c.publishState()
}

// apply performs actions. owner is the call whose payload an ActionSend
// carries, so a failed write can return it to the pending slot.
func (c *Client) apply(ctx context.Context, actions []Action, owner string) {
	for _, a := range actions {
		switch a.Kind {
		case ActionDial:
			go c.dial(ctx, a.Gen)
		case ActionStartStabilityTimer:
			gen := a.Gen
			time.AfterFunc(a.Delay, func() { c.post(evStable{gen: gen}) })
		case ActionScheduleRetry:
			gen := a.Gen
			c.logger.Info("Reconnecting", "attempt", c.m.Attempt(), "delay", a.Delay)
			time.AfterFunc(a.Delay, func() { c.post(evRetry{gen: gen}) })
		case ActionSendProbe:
			probe, _ := json.Marshal(protocol.Inbound{Type: protocol.TypePing, SessionID: c.SessionID()})
			if err := c.write(probe); err != nil {
				c.writeFailed(ctx, err)
			}
		case ActionSend:
			c.pendingCall = ""
			if err := c.write(a.Payload); err != nil {
				c.writeFailed(ctx, err)
				c.m.Send(a.Payload)
				c.pendingCall = owner
			}
		}
	}
	c.publishState()
}

// writeFailed treats a failed write as a close of the current connection.
// The reader's own close report for the same generation is then a no-op.
func (c *Client) writeFailed(ctx context.Context, err error) {
	c.logger.Debug("Connection lost on write", "error", err)
	c.apply(ctx, c.m.Closed(c.m.Gen(), c.now()), "")
}

func (c *Client) dial(ctx context.Context, gen uint64) {
	target, _ := url.Parse(c.cfg.URL)
	if sid := c.SessionID(); sid != "" {
		q := target.Query()
		q.Set("session_id", sid)
		target.RawQuery = q.Encode()
	}
	conn, _, err := c.cfg.Dialer.DialContext(ctx, target.String(), nil)
	if err != nil {
		c.post(evClosed{gen: gen, err: err})
		return
	}
	c.post(evOpened{gen: gen, conn: conn})
}

func (c *Client) readLoop(gen uint64, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.post(evClosed{gen: gen, err: err})
			return
		}
		frame, err := protocol.DecodeServerFrame(data)
		if err != nil {
			c.logger.Warn("Dropping undecodable server frame", "error", err)
			continue
		}
		c.post(evFrame{frame: frame})
	}
}

func (c *Client) write(payload []byte) error {
	if c.conn == nil {
		return errNotConnected
	}
	_ = c.conn.SetWriteDeadline(c.now().Add(c.cfg.WriteWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		c.logger.Warn("Write failed", "error", err)
		_ = c.conn.Close()
		c.conn = nil
		return err
	}
	return nil
}

func (c *Client) deliver(f *protocol.ServerFrame) {
	if f.Type == protocol.TypeSessionInfo && f.SessionID != "" {
		c.mu.Lock()
		c.sid = f.SessionID
		c.mu.Unlock()
	}
	call, ok := c.calls[f.RequestID]
	if !ok || f.RequestID == "" {
		select {
		case c.unsolicited <- *f:
		default:
		}
		return
	}
	select {
	case call.frames <- *f:
	default:
		c.logger.Warn("Call frame buffer full, dropping frame", "request_id", f.RequestID, "type", f.Type)
	}
	if f.Terminal() {
		c.resolve(call, nil)
	}
}

func (c *Client) resolve(call *Call, err error) {
	if _, ok := c.calls[call.RequestID]; !ok {
		return
	}
	delete(c.calls, call.RequestID)
	if call.timer != nil {
		call.timer.Stop()
	}
	call.err = err
	close(call.frames)
}

// post hands an event to Run without blocking a timer or reader after
// Run has returned.
func (c *Client) post(ev event) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

func (c *Client) publishState() {
	c.mu.Lock()
	c.snapshot = c.m.State()
	c.mu.Unlock()
}

func (c *Client) shutdown() {
	c.m.Stop()
	if c.conn != nil {
		_ = c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = c.conn.Close()
		c.conn = nil
	}
	for _, call := range c.calls {
		c.resolve(call, ErrClientClosed)
	}
	c.publishState()
	close(c.done)
}
