// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/EarthAgent/services/agent/dispatcher"
	"github.com/AleutianAI/EarthAgent/services/agent/protocol"
	"github.com/AleutianAI/EarthAgent/services/agent/session"
)

var (
	// ErrConnectionClosed is returned by Emit once the connection is gone.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrSlowConsumer is returned by Emit when the outbound buffer is full.
	// The connection is closed.
	ErrSlowConsumer = errors.New("client is not reading frames")
)

// =============================================================================
// Configuration
// =============================================================================

// ConnectionConfig tunes the WebSocket endpoint.
type ConnectionConfig struct {
	// PingInterval is how often the server pings an idle client.
	PingInterval time.Duration

	// PongWait is how long a connection may stay silent before it is closed.
	// Must exceed PingInterval.
	PongWait time.Duration

	// WriteWait bounds each socket write.
	WriteWait time.Duration

	// MaxFrameBytes is the read limit for one inbound frame.
	MaxFrameBytes int64

	// SendBuffer is the outbound frame queue size per connection.
	SendBuffer int

	// AllowedOrigins restricts browser origins. Empty allows all.
	AllowedOrigins []string
}

// DefaultConnectionConfig returns the standard endpoint settings.
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		PingInterval:  30 * time.Second,
		PongWait:      60 * time.Second,
		WriteWait:     10 * time.Second,
		MaxFrameBytes: 64 * 1024,
		SendBuffer:    256,
	}
}

// Submitter accepts decoded requests. *dispatcher.Dispatcher implements it.
type Submitter interface {
	Submit(req dispatcher.Request, out dispatcher.Emitter) error
}

// ConnectionMetrics receives connection events.
type ConnectionMetrics interface {
	ConnectionOpened()
	ConnectionClosed()
	FrameReceived(t protocol.Type)
	ParseError(code string)
	SessionCreated()
}

type nopConnectionMetrics struct{}

func (nopConnectionMetrics) ConnectionOpened()           {}
func (nopConnectionMetrics) ConnectionClosed()           {}
func (nopConnectionMetrics) FrameReceived(protocol.Type) {}
func (nopConnectionMetrics) ParseError(string)           {}
func (nopConnectionMetrics) SessionCreated()             {}

// =============================================================================
// Connection Manager
// =============================================================================

// ConnectionManager serves the agent WebSocket endpoint.
//
// # Description
//
// Each connection gets a read loop (the handler goroutine) and a write pump
// fed by a buffered channel; only the write pump touches the socket for
// writes. A connection is bound to one session at a time. Closing a
// connection only tears down the binding: requests already submitted run to
// completion and their frames are dropped.
//
// # Thread Safety
//
// Safe for concurrent use.
type ConnectionManager struct {
	cfg      ConnectionConfig
	sessions session.Backend
	dispatch Submitter
	metrics  ConnectionMetrics
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*connection]struct{}
}

// NewConnectionManager creates a ConnectionManager. metrics and logger may
// be nil.
func NewConnectionManager(sessions session.Backend, dispatch Submitter, cfg ConnectionConfig,
	metrics ConnectionMetrics, logger *slog.Logger) *ConnectionManager {

	def := DefaultConnectionConfig()
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.PongWait <= cfg.PingInterval {
		cfg.PongWait = 2 * cfg.PingInterval
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = def.WriteWait
	}
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = def.MaxFrameBytes
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = def.SendBuffer
	}
	if metrics == nil {
		metrics = nopConnectionMetrics{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	m := &ConnectionManager{
		cfg:      cfg,
		sessions: sessions,
		dispatch: dispatch,
		metrics:  metrics,
		logger:   logger,
		conns:    make(map[*connection]struct{}),
	}
	m.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     m.checkOrigin,
	}
	return m
}

func (m *ConnectionManager) checkOrigin(r *http.Request) bool {
	if len(m.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	return origin == "" || slices.Contains(m.cfg.AllowedOrigins, origin)
}

// Count returns the number of open connections.
func (m *ConnectionManager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// CloseAll asks every open connection to close. Used on shutdown.
func (m *ConnectionManager) CloseAll() {
	m.mu.Lock()
	conns := make([]*connection, 0, len(m.conns))
	for c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()
	for _, c := range conns {
		c.close()
	}
}

// HandleWebSocket upgrades the request and serves the connection until the
// client goes away.
//
// # Description
//
// An optional session_id query parameter resumes an Active session; a
// missing, unknown or evicted id yields a fresh session. The bound session
// is always announced with a session_info frame.
func (m *ConnectionManager) HandleWebSocket() gin.HandlerFunc {
	return func(c *gin.Context) {
		requested := c.Query("session_id")
		ws, err := m.upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			m.logger.Warn("failed to upgrade the websocket", "error", err)
			return
		}

		conn := &connection{
			id:   uuid.NewString(),
			ws:   ws,
			send: make(chan []byte, m.cfg.SendBuffer),
		}
		conn.logger = m.logger.With("conn_id", conn.id)
		conn.onSlow = func() { conn.logger.Warn("Outbound buffer full, closing connection") }

		m.register(conn)
		defer m.unregister(conn)

		sess, created := m.sessions.GetOrCreate(requested)
		if created {
			m.metrics.SessionCreated()
		}
		conn.sessionID = sess.ID
		conn.logger.Info("Websocket client connected", "session_id", sess.ID, "resumed", !created)
		_ = conn.Emit(protocol.NewSessionInfo(sess.ID))

		go m.writePump(conn)
		m.readLoop(conn)
	}
}

func (m *ConnectionManager) register(c *connection) {
	m.mu.Lock()
	m.conns[c] = struct{}{}
	m.mu.Unlock()
	m.metrics.ConnectionOpened()
}

func (m *ConnectionManager) unregister(c *connection) {
	c.close()
	m.mu.Lock()
	delete(m.conns, c)
	m.mu.Unlock()
	m.metrics.ConnectionClosed()
}

// readLoop reads frames until the socket fails.
func (m *ConnectionManager) readLoop(c *connection) {
	c.ws.SetReadLimit(m.cfg.MaxFrameBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(m.cfg.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(m.cfg.PongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Info("Websocket client disconnected", "session_id", c.sessionID)
			} else {
				c.logger.Info("Websocket read ended", "session_id", c.sessionID, "error", err)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(m.cfg.PongWait))
		m.handleFrame(c, data)
	}
}

// handleFrame decodes one frame, resolves its session and submits it.
func (m *ConnectionManager) handleFrame(c *connection, data []byte) {
	in, err := protocol.Decode(data)
	if err != nil {
		code, msg := protocol.CodeParseError, "malformed frame"
		var perr *protocol.ParseError
		if errors.As(err, &perr) {
			code, msg = perr.Code, perr.Message
		}
		m.metrics.ParseError(code)
		c.logger.Debug("Rejected frame", "code", code, "error", err)
		_ = c.Emit(protocol.NewError(c.sessionID, "", code, msg))
		return
	}
	m.metrics.FrameReceived(in.Type)

	sid := m.resolveSession(c, in.SessionID)
	if err := m.sessions.Touch(sid); err != nil {
		c.logger.Debug("Touch failed", "session_id", sid, "error", err)
	}

	err = m.dispatch.Submit(dispatcher.Request{
		Type:      in.Type,
		SessionID: sid,
		RequestID: in.RequestID,
		Query:     in.Query,
		ToolName:  in.ToolName,
		Arguments: in.Arguments,
	}, c)
	if err != nil {
		c.logger.Debug("Request not queued", "session_id", sid, "error", err)
	}
}

// resolveSession picks the session a frame applies to.
//
// An empty id or the bound id targets the bound session. A different,
// Active id rebinds the connection. An unknown id keeps the bound session.
// If the bound session itself was evicted a new one is minted. Every new
// binding is announced with session_info.
func (m *ConnectionManager) resolveSession(c *connection, requested string) string {
	if requested != "" && requested != c.sessionID {
		if _, ok := m.sessions.Get(requested); ok {
			c.logger.Info("Connection rebound", "from", c.sessionID, "to", requested)
			c.sessionID = requested
			_ = c.Emit(protocol.NewSessionInfo(requested))
			return requested
		}
		c.logger.Debug("Unknown session id in frame, keeping binding", "requested", requested)
	}
	if _, ok := m.sessions.Get(c.sessionID); !ok {
		sess, _ := m.sessions.GetOrCreate("")
		m.metrics.SessionCreated()
		c.logger.Info("Bound session was evicted, minted a new one", "old", c.sessionID, "session_id", sess.ID)
		c.sessionID = sess.ID
		_ = c.Emit(protocol.NewSessionInfo(sess.ID))
	}
	return c.sessionID
}

// writePump owns all socket writes for c.
func (m *ConnectionManager) writePump(c *connection) {
	ticker := time.NewTicker(m.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(m.cfg.WriteWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.logger.Warn("Failed to write WebSocket frame", "error", err)
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(m.cfg.WriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// =============================================================================
// Connection
// =============================================================================

// connection is one WebSocket client. sessionID is owned by the read loop.
type connection struct {
	id        string
	ws        *websocket.Conn
	send      chan []byte
	sessionID string
	logger    *slog.Logger
	onSlow    func()

	mu     sync.Mutex
	closed bool
}

// Emit implements dispatcher.Emitter. It never blocks.
func (c *connection) Emit(f protocol.Frame) error {
	data, err := protocol.Encode(f)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnectionClosed
	}
	select {
	case c.send <- data:
		return nil
	default:
		c.closed = true
		close(c.send)
		if c.onSlow != nil {
			c.onSlow()
		}
		return ErrSlowConsumer
	}
}

// close stops the write pump, which sends a close frame.
func (c *connection) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}
