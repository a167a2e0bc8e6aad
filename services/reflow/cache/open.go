// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Backend names accepted by Open.
const (
	BackendMemory = "memory"
	BackendBadger = "badger"
	BackendRedis  = "redis"
)

// ErrUnknownBackend is returned by Open for unrecognized backend names.
var ErrUnknownBackend = errors.New("unknown cache backend")

// Settings selects and configures a backend.
type Settings struct {
	Backend     string
	Path        string
	RedisURL    string
	RedisPrefix string
	DefaultTTL  time.Duration
}

// Open builds a DataCache from settings.
func Open(ctx context.Context, s Settings, logger *slog.Logger, opts ...Option) (*DataCache, error) {
	var (
		backend Backend
		err     error
	)
	switch s.Backend {
	case "", BackendMemory:
		backend, err = OpenBadger(InMemoryBadgerConfig())
	case BackendBadger:
		cfg := DefaultBadgerConfig(s.Path)
		cfg.Logger = logger
		backend, err = OpenBadger(cfg)
	case BackendRedis:
		backend, err = OpenRedis(ctx, s.RedisURL, s.RedisPrefix)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, s.Backend)
	}
	if err != nil {
		return nil, err
	}

	all := []Option{WithDefaultTTL(s.DefaultTTL)}
	if logger != nil {
		all = append(all, WithLogger(logger))
	}
	return New(backend, append(all, opts...)...), nil
}
