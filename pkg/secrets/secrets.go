// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package secrets keeps API keys in memguard enclaves.
//
// A key is read once from the environment or a container secret file, sealed
// into an encrypted enclave, and only decrypted into locked memory for the
// duration of a call. Call Purge during shutdown.
package secrets

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/awnumar/memguard"
)

// ErrNotFound is returned by Load when neither source provides a value.
var ErrNotFound = errors.New("secret not found")

var interruptOnce sync.Once

// Secret is a named, sealed value.
type Secret struct {
	name    string
	enclave *memguard.Enclave
}

// New seals value. The caller's slice is wiped. Empty values yield nil.
func New(name string, value []byte) *Secret {
	interruptOnce.Do(memguard.CatchInterrupt)
	if len(value) == 0 {
		return nil
	}
	return &Secret{name: name, enclave: memguard.NewEnclave(value)}
}

// Load reads a secret from envVar, falling back to the file at secretPath
// (typically /run/secrets/<name>). Surrounding whitespace is trimmed.
func Load(name, envVar, secretPath string) (*Secret, error) {
	if v := strings.TrimSpace(os.Getenv(envVar)); v != "" {
		return New(name, []byte(v)), nil
	}
	if secretPath != "" {
		if content, err := os.ReadFile(secretPath); err == nil {
			v := strings.TrimSpace(string(content))
			if v != "" {
				slog.Info("Read secret from secret file", "secret", name, "path", secretPath)
				return New(name, []byte(v)), nil
			}
		}
	}
	return nil, fmt.Errorf("%s: %w (set %s or provide %s)", name, ErrNotFound, envVar, secretPath)
}

// Name returns the secret's label, safe to log.
func (s *Secret) Name() string {
	if s == nil {
		return ""
	}
	return s.name
}

// Use decrypts the secret into locked memory, passes it to fn and destroys
// the buffer when fn returns. fn must not retain the string.
func (s *Secret) Use(fn func(value string) error) error {
	if s == nil || s.enclave == nil {
		return fmt.Errorf("use secret: %w", ErrNotFound)
	}
	buf, err := s.enclave.Open()
	if err != nil {
		return fmt.Errorf("open secret %s: %w", s.name, err)
	}
	defer buf.Destroy()
	return fn(buf.String())
}

// Reveal returns a heap copy of the secret for libraries that keep the key
// themselves. Prefer Use where the call site allows it.
func (s *Secret) Reveal() (string, error) {
	var out string
	err := s.Use(func(v string) error {
		out = strings.Clone(v)
		return nil
	})
	return out, err
}

// Purge wipes all memguard-managed memory.
func Purge() {
	memguard.Purge()
}
