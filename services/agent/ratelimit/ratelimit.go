// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ratelimit admits or rejects inbound requests per session and per
// message class using token buckets.
//
// Each (session, class) pair owns one golang.org/x/time/rate limiter whose
// burst is the bucket capacity and whose rate is Refill tokens per Interval.
// Refill is computed lazily at admission time, so no timers run per bucket.
package ratelimit

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Class identifies the kind of inbound message being admitted.
type Class string

const (
	ClassQuery    Class = "query"
	ClassToolCall Class = "tool_call"
)

// ErrRateLimited is matched by every rejection returned from Check.
var ErrRateLimited = errors.New("rate limit exceeded")

// ErrUnknownClass is returned when no policy exists for a class.
var ErrUnknownClass = errors.New("unknown rate limit class")

// Policy describes one token bucket.
type Policy struct {
	// Capacity is the bucket size (maximum burst).
	Capacity int `yaml:"capacity"`

	// Refill is the number of tokens restored per Interval.
	Refill int `yaml:"refill"`

	// Interval is the refill window.
	Interval time.Duration `yaml:"interval"`
}

func (p Policy) limit() rate.Limit {
	return rate.Limit(float64(p.Refill) / p.Interval.Seconds())
}

func (p Policy) validate() error {
	if p.Capacity <= 0 {
		return fmt.Errorf("capacity must be positive, got %d", p.Capacity)
	}
	if p.Refill <= 0 {
		return fmt.Errorf("refill must be positive, got %d", p.Refill)
	}
	if p.Interval <= 0 {
		return fmt.Errorf("interval must be positive, got %v", p.Interval)
	}
	return nil
}

// Config configures a Limiter.
type Config struct {
	Policies map[Class]Policy

	// Now is the clock used for admission. Defaults to time.Now.
	Now func() time.Time
}

// DefaultConfig returns the standard policies: queries burst to 15 and refill
// 10 per minute, tool calls burst to 25 and refill 20 per minute.
func DefaultConfig() Config {
	return Config{
		Policies: map[Class]Policy{
			ClassQuery:    {Capacity: 15, Refill: 10, Interval: time.Minute},
			ClassToolCall: {Capacity: 25, Refill: 20, Interval: time.Minute},
		},
	}
}

// LimitError reports a rejected admission. It matches ErrRateLimited.
type LimitError struct {
	Class      Class
	RetryAfter time.Duration
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s, retry after %s",
		e.Class, e.RetryAfter.Round(time.Second))
}

func (e *LimitError) Is(target error) bool {
	return target == ErrRateLimited
}

type bucketKey struct {
	session string
	class   Class
}

// Limiter holds the buckets of all sessions.
//
// # Thread Safety
//
// Safe for concurrent use. Buckets for different sessions never contend on a
// shared lock; the map is a sync.Map and each rate.Limiter has its own mutex.
type Limiter struct {
	policies map[Class]Policy
	now      func() time.Time
	buckets  sync.Map
	size     atomic.Int64
}

// New validates cfg and returns a Limiter.
func New(cfg Config) (*Limiter, error) {
	if len(cfg.Policies) == 0 {
		return nil, errors.New("ratelimit: at least one policy is required")
	}
	policies := make(map[Class]Policy, len(cfg.Policies))
	for class, p := range cfg.Policies {
		if err := p.validate(); err != nil {
			return nil, fmt.Errorf("ratelimit: policy %s: %w", class, err)
		}
		policies[class] = p
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Limiter{policies: policies, now: now}, nil
}

// Allow consumes one token from the (sessionID, class) bucket.
//
// # Outputs
//
//   - bool: True if the request is admitted.
//   - time.Duration: When rejected, the wait until one token is available.
func (l *Limiter) Allow(sessionID string, class Class) (bool, time.Duration) {
	p, ok := l.policies[class]
	if !ok {
		return true, 0
	}
	lim := l.bucket(sessionID, class, p)
	now := l.now()
	if lim.AllowN(now, 1) {
		return true, 0
	}
	missing := 1 - lim.TokensAt(now)
	wait := time.Duration(missing / float64(lim.Limit()) * float64(time.Second))
	return false, wait
}

// Check is Allow expressed as an error. Classes without a policy return
// ErrUnknownClass so callers notice misconfiguration.
func (l *Limiter) Check(sessionID string, class Class) error {
	if _, ok := l.policies[class]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownClass, class)
	}
	if ok, wait := l.Allow(sessionID, class); !ok {
		return &LimitError{Class: class, RetryAfter: wait}
	}
	return nil
}

// Forget drops every bucket of sessionID. Called when a session is evicted.
func (l *Limiter) Forget(sessionID string) {
	for class := range l.policies {
		if _, loaded := l.buckets.LoadAndDelete(bucketKey{sessionID, class}); loaded {
			l.size.Add(-1)
		}
	}
}

// Len returns the number of live buckets.
func (l *Limiter) Len() int {
	return int(l.size.Load())
}

func (l *Limiter) bucket(sessionID string, class Class, p Policy) *rate.Limiter {
	key := bucketKey{sessionID, class}
	if v, ok := l.buckets.Load(key); ok {
		return v.(*rate.Limiter)
	}
	v, loaded := l.buckets.LoadOrStore(key, rate.NewLimiter(p.limit(), p.Capacity))
	if !loaded {
		l.size.Add(1)
	}
	return v.(*rate.Limiter)
}
