// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package cache memoizes expensive script computations across reruns and
// sessions.
//
// # Description
//
// Scripts re-execute from the top on every interaction, so loading a file
// or querying a service inside a script would repeat on every click.
// DataCache stores computed values, encoded as canonical CBOR, in a
// pluggable Backend:
//
//   - BadgerBackend: embedded, on disk or in memory (default).
//   - RedisBackend: shared between engine processes.
//
// Concurrent misses for the same key run the computation once.
//
// The cache is best effort: backend failures are logged and the value is
// computed directly.
//
// # Thread Safety
//
// DataCache is safe for concurrent use.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/reflow/services/reflow/canon"
)

// keyPrefix separates computed data from anything else in a shared backend.
const keyPrefix = "data:"

// Backend is a byte-oriented key/value store with per-key expiry.
type Backend interface {
	// Get returns the value and true, or false on a miss.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores value. A zero ttl means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes key if present.
	Delete(ctx context.Context, key string) error

	// Close releases the backend.
	Close() error
}

// DataCache is the script-facing memoization layer.
type DataCache struct {
	backend    Backend
	defaultTTL time.Duration
	logger     *slog.Logger
	onLookup   func(hit bool)
	group      singleflight.Group
}

// Option configures a DataCache.
type Option func(*DataCache)

// WithDefaultTTL sets the expiry used when Fetch is called with ttl 0.
func WithDefaultTTL(ttl time.Duration) Option {
	return func(c *DataCache) { c.defaultTTL = ttl }
}

// WithLogger sets the logger for backend failures.
func WithLogger(l *slog.Logger) Option {
	return func(c *DataCache) { c.logger = l }
}

// WithLookupHook registers a callback invoked once per lookup.
func WithLookupHook(fn func(hit bool)) Option {
	return func(c *DataCache) { c.onLookup = fn }
}

// New creates a cache over backend. The cache owns the backend and closes
// it in Close.
func New(backend Backend, opts ...Option) *DataCache {
	c := &DataCache{
		backend: backend,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Invalidate drops a cached entry.
func (c *DataCache) Invalidate(ctx context.Context, key string) error {
	return c.backend.Delete(ctx, keyPrefix+key)
}

// Close closes the backend.
func (c *DataCache) Close() error {
	return c.backend.Close()
}

// Fetch returns the cached value for key or computes, stores and returns it.
//
// # Description
//
// A hit is decoded into T. On a miss, compute runs at most once per key
// across concurrent callers; every caller decodes its own copy of the
// result. Errors from compute are returned and never cached.
//
// The shared computation runs detached from any one caller's cancellation,
// so a caller that gives up does not fail the others collapsed onto it.
// Each caller still stops waiting when its own ctx is done.
//
// # Inputs
//
//   - ctx: Passed to the backend. compute receives its values but not its
//     cancellation.
//   - c: The cache. A nil cache always computes.
//   - key: Caller-chosen key. Include every input the value depends on.
//   - ttl: Expiry; 0 uses the cache default.
//   - compute: Produces the value. Its result must be CBOR-encodable.
//
// # Outputs
//
//   - T: The cached or computed value.
//   - error: The compute error, or an encode/decode failure.
func Fetch[T any](ctx context.Context, c *DataCache, key string, ttl time.Duration, compute func(context.Context) (T, error)) (T, error) {
	var zero T
	if c == nil {
		return compute(ctx)
	}
	if ttl == 0 {
		ttl = c.defaultTTL
	}
	full := keyPrefix + key

	if data, ok := c.lookup(ctx, full); ok {
		var out T
		if err := canon.Unmarshal(data, &out); err == nil {
			c.observe(true)
			return out, nil
		}
		c.logger.Warn("cache.fetch: dropping undecodable entry", "key", key)
		_ = c.backend.Delete(ctx, full)
	}
	c.observe(false)

	flightCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(full, func() (any, error) {
		val, err := compute(flightCtx)
		if err != nil {
			return nil, err
		}
		data, err := canon.Marshal(val)
		if err != nil {
			return nil, fmt.Errorf("cache: encode %s: %w", key, err)
		}
		if err := c.backend.Set(flightCtx, full, data, ttl); err != nil {
			c.logger.Warn("cache.fetch: store failed", "key", key, "error", err)
		}
		return data, nil
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return zero, ctx.Err()
	}
	if res.Err != nil {
		return zero, res.Err
	}

	var out T
	if err := canon.Unmarshal(res.Val.([]byte), &out); err != nil {
		return zero, fmt.Errorf("cache: decode %s: %w", key, err)
	}
	return out, nil
}

func (c *DataCache) lookup(ctx context.Context, key string) ([]byte, bool) {
	data, ok, err := c.backend.Get(ctx, key)
	if err != nil {
		c.logger.Warn("cache.fetch: lookup failed", "key", key, "error", err)
		return nil, false
	}
	return data, ok
}

func (c *DataCache) observe(hit bool) {
	if c.onLookup != nil {
		c.onLookup(hit)
	}
}
