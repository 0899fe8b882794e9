// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package session holds per-session conversational state.
//
// The Store keeps at most Capacity sessions and evicts the least recently
// active one when a new session would exceed it. Each session keeps at most
// MaxHistory messages and drops the oldest first.
//
// # Locking
//
// Store.mu guards the index and the LRU list. Session.mu guards a single
// session's history, state and activity time. When both are needed, Store.mu
// is taken first and is never held while waiting on a session.
package session

import (
	"container/list"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrSessionNotFound is returned for ids that are unknown or evicted.
var ErrSessionNotFound = errors.New("session not found")

const (
	DefaultCapacity   = 1000
	DefaultMaxHistory = 20
)

// State is the lifecycle state of a Session.
type State int

const (
	StateActive State = iota
	StateEvicted
)

func (s State) String() string {
	if s == StateEvicted {
		return "evicted"
	}
	return "active"
}

// Session is one client conversation. Fields are read through accessors;
// history is mutated only by the Store.
type Session struct {
	ID        string
	CreatedAt time.Time

	mu         sync.Mutex
	lastActive time.Time
	history    []Message
	state      State
}

// LastActiveAt returns when the session last saw an accepted frame.
func (s *Session) LastActiveAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

// State returns the lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Len returns the current history length.
func (s *Session) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.history)
}

// Summary is a point-in-time view of a session for diagnostics.
type Summary struct {
	ID           string    `json:"session_id"`
	CreatedAt    time.Time `json:"created_at"`
	LastActiveAt time.Time `json:"last_active_at"`
	HistoryLen   int       `json:"history_len"`
}

// Backend is the session contract the dispatcher depends on.
type Backend interface {
	Get(id string) (*Session, bool)
	GetOrCreate(id string) (*Session, bool)
	Touch(id string) error
	Append(id string, msgs ...Message) error
	History(id string) ([]Message, error)
	Clear(id string) error
}

// Config configures a Store.
type Config struct {
	Capacity   int
	MaxHistory int

	// OnEvict is called, outside any store lock, with the id of every
	// session removed by capacity pressure.
	OnEvict func(id string)

	// Now defaults to time.Now.
	Now func() time.Time

	Logger *slog.Logger
}

// Store is the in-memory LRU session store.
type Store struct {
	mu       sync.Mutex
	index    map[string]*list.Element
	lru      *list.List // front = most recently active
	capacity int
	maxHist  int
	onEvict  []func(id string)
	now      func() time.Time
	logger   *slog.Logger
}

// NewStore creates a Store. Zero values in cfg take the package defaults.
func NewStore(cfg Config) *Store {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = DefaultMaxHistory
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Store{
		index:    make(map[string]*list.Element),
		lru:      list.New(),
		capacity: cfg.Capacity,
		maxHist:  cfg.MaxHistory,
		now:      cfg.Now,
		logger:   cfg.Logger,
	}
	if cfg.OnEvict != nil {
		s.onEvict = append(s.onEvict, cfg.OnEvict)
	}
	return s
}

// OnEvict registers an additional eviction hook. Must be called before the
// store is shared between goroutines.
func (s *Store) OnEvict(fn func(id string)) {
	s.onEvict = append(s.onEvict, fn)
}

// Get returns the Active session with the given id without refreshing it.
func (s *Store) Get(id string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	el, ok := s.index[id]
	if !ok {
		return nil, false
	}
	return el.Value.(*Session), true
}

// GetOrCreate returns the Active session for id and refreshes it, or mints a
// new session with a fresh id when id is empty, unknown or evicted.
//
// # Outputs
//
//   - *Session: The bound session.
//   - bool: True when a new session was minted.
func (s *Store) GetOrCreate(id string) (*Session, bool) {
	now := s.now()

	s.mu.Lock()
	if el, ok := s.index[id]; ok && id != "" {
		s.lru.MoveToFront(el)
		sess := el.Value.(*Session)
		s.mu.Unlock()
		sess.touch(now)
		return sess, false
	}

	sess := &Session{
		ID:         uuid.New().String(),
		CreatedAt:  now,
		lastActive: now,
	}
	s.index[sess.ID] = s.lru.PushFront(sess)
	evicted := s.evictLocked()
	s.mu.Unlock()

	s.notifyEvicted(evicted)
	s.logger.Debug("session created", "session_id", sess.ID, "requested_id", id)
	return sess, true
}

// Touch refreshes the activity time and LRU position of id.
func (s *Store) Touch(id string) error {
	sess, err := s.promote(id)
	if err != nil {
		return err
	}
	sess.touch(s.now())
	return nil
}

// Append adds msgs to the history of id, dropping the oldest entries beyond
// MaxHistory. It fails with ErrSessionNotFound if the session was evicted,
// including an eviction that races with this call.
func (s *Store) Append(id string, msgs ...Message) error {
	sess, err := s.promote(id)
	if err != nil {
		return err
	}
	now := s.now()

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.state == StateEvicted {
		return fmt.Errorf("append to %s: %w", id, ErrSessionNotFound)
	}
	for _, m := range msgs {
		if m.Timestamp.IsZero() {
			m.Timestamp = now
		}
		sess.history = append(sess.history, m)
	}
	if over := len(sess.history) - s.maxHist; over > 0 {
		trimmed := make([]Message, s.maxHist)
		copy(trimmed, sess.history[over:])
		sess.history = trimmed
	}
	sess.lastActive = now
	return nil
}

// History returns a copy of the history of id, oldest first.
func (s *Store) History(id string) ([]Message, error) {
	sess, ok := s.Get(id)
	if !ok {
		return nil, fmt.Errorf("history of %s: %w", id, ErrSessionNotFound)
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.state == StateEvicted {
		return nil, fmt.Errorf("history of %s: %w", id, ErrSessionNotFound)
	}
	out := make([]Message, len(sess.history))
	copy(out, sess.history)
	return out, nil
}

// Clear empties the history of id. The session keeps its identity.
func (s *Store) Clear(id string) error {
	sess, err := s.promote(id)
	if err != nil {
		return err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.state == StateEvicted {
		return fmt.Errorf("clear %s: %w", id, ErrSessionNotFound)
	}
	sess.history = nil
	sess.lastActive = s.now()
	return nil
}

// Len returns the number of Active sessions.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.index)
}

// Snapshot lists all Active sessions, most recently active first.
func (s *Store) Snapshot() []Summary {
	s.mu.Lock()
	sessions := make([]*Session, 0, s.lru.Len())
	for el := s.lru.Front(); el != nil; el = el.Next() {
		sessions = append(sessions, el.Value.(*Session))
	}
	s.mu.Unlock()

	out := make([]Summary, 0, len(sessions))
	for _, sess := range sessions {
		sess.mu.Lock()
		out = append(out, Summary{
			ID:           sess.ID,
			CreatedAt:    sess.CreatedAt,
			LastActiveAt: sess.lastActive,
			HistoryLen:   len(sess.history),
		})
		sess.mu.Unlock()
	}
	return out
}

func (s *Store) promote(id string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	el, ok := s.index[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, ErrSessionNotFound)
	}
	s.lru.MoveToFront(el)
	return el.Value.(*Session), nil
}

// evictLocked removes least recently active sessions until the store is
// within capacity. Caller holds s.mu.
func (s *Store) evictLocked() []string {
	var evicted []string
	for len(s.index) > s.capacity {
		el := s.lru.Back()
		if el == nil {
			break
		}
		sess := el.Value.(*Session)
		s.lru.Remove(el)
		delete(s.index, sess.ID)

		sess.mu.Lock()
		sess.state = StateEvicted
		sess.history = nil
		sess.mu.Unlock()

		evicted = append(evicted, sess.ID)
	}
	return evicted
}

func (s *Store) notifyEvicted(ids []string) {
	for _, id := range ids {
		s.logger.Info("session evicted", "session_id", id, "capacity", s.capacity)
		for _, fn := range s.onEvict {
			fn(id)
		}
	}
}

func (sess *Session) touch(now time.Time) {
	sess.mu.Lock()
	if now.After(sess.lastActive) {
		sess.lastActive = now
	}
	sess.mu.Unlock()
}

var _ Backend = (*Store)(nil)
