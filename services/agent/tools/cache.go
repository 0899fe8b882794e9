// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tools

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// CacheConfig configures the tool result cache.
type CacheConfig struct {
	// Path is the on-disk directory. Ignored when InMemory is true.
	Path string

	// InMemory keeps the cache in RAM only.
	InMemory bool

	// Logger receives badger's internal logs. Nil silences them.
	Logger *slog.Logger
}

// Cache stores successful tool results with a per-entry TTL.
//
// Keys are the tool name plus the canonical JSON of the arguments
// (encoding/json sorts map keys), so argument order does not matter.
type Cache struct {
	db *badger.DB
}

type cachedResult struct {
	Output   json.RawMessage `json:"output"`
	Duration time.Duration   `json:"duration"`
}

// OpenCache opens the cache described by cfg.
func OpenCache(cfg CacheConfig) (*Cache, error) {
	var opts badger.Options
	if cfg.InMemory || cfg.Path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create cache directory: %w", err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open tool cache: %w", err)
	}
	return &Cache{db: db}, nil
}

// Get returns a cached result, marked Cached, or false on a miss.
func (c *Cache) Get(toolName string, params map[string]any) (*Result, bool) {
	key, err := cacheKey(toolName, params)
	if err != nil {
		return nil, false
	}

	var entry cachedResult
	err = c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &entry)
		})
	})
	if err != nil {
		if !errors.Is(err, badger.ErrKeyNotFound) {
			slog.Debug("tool cache read failed", "tool", toolName, "error", err)
		}
		return nil, false
	}

	var output any
	if err := json.Unmarshal(entry.Output, &output); err != nil {
		return nil, false
	}
	return &Result{Success: true, Output: output, Duration: entry.Duration, Cached: true}, true
}

// Set stores a successful result for ttl. Non-positive ttl is a no-op.
func (c *Cache) Set(toolName string, params map[string]any, result *Result, ttl time.Duration) error {
	if ttl <= 0 || result == nil || !result.Success {
		return nil
	}
	key, err := cacheKey(toolName, params)
	if err != nil {
		return err
	}
	output, err := json.Marshal(result.Output)
	if err != nil {
		return fmt.Errorf("encode %s result: %w", toolName, err)
	}
	val, err := json.Marshal(cachedResult{Output: output, Duration: result.Duration})
	if err != nil {
		return fmt.Errorf("encode %s cache entry: %w", toolName, err)
	}
	return c.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(badger.NewEntry(key, val).WithTTL(ttl))
	})
}

// Clear drops every cached entry.
func (c *Cache) Clear() error {
	return c.db.DropAll()
}

// Close releases the underlying database.
func (c *Cache) Close() error {
	return c.db.Close()
}

func cacheKey(toolName string, params map[string]any) ([]byte, error) {
	args, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode %s arguments: %w", toolName, err)
	}
	return append([]byte("tool:"+toolName+":"), args...), nil
}

// badgerLogger adapts slog.Logger to badger's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}
