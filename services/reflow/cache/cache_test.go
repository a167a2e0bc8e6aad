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
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type row struct {
	Name  string  `cbor:"name"`
	Score float64 `cbor:"score"`
}

func newMemCache(t *testing.T, opts ...Option) *DataCache {
	t.Helper()
	b, err := OpenBadger(InMemoryBadgerConfig())
	require.NoError(t, err)
	c := New(b, opts...)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestFetch_ComputesOnceThenHits(t *testing.T) {
	var hits, misses int
	c := newMemCache(t, WithLookupHook(func(hit bool) {
		if hit {
			hits++
		} else {
			misses++
		}
	}))
	ctx := context.Background()

	calls := 0
	load := func(context.Context) ([]row, error) {
		calls++
		return []row{{"a", 1.5}, {"b", 2}}, nil
	}

	first, err := Fetch(ctx, c, "rows", 0, load)
	require.NoError(t, err)
	second, err := Fetch(ctx, c, "rows", 0, load)
	require.NoError(t, err)

	assert.Equal(t, 1, calls)
	assert.Equal(t, first, second)
	assert.Equal(t, "b", second[1].Name)
	assert.Equal(t, 1, hits)
	assert.Equal(t, 1, misses)
}

func TestFetch_ConcurrentMissesCollapse(t *testing.T) {
	c := newMemCache(t)
	var calls atomic.Int32
	release := make(chan struct{})

	var wg sync.WaitGroup
	results := make([]int, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := Fetch(context.Background(), c, "slow", time.Minute, func(context.Context) (int, error) {
				calls.Add(1)
				<-release
				return 42, nil
			})
			assert.NoError(t, err)
			results[i] = v
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, v := range results {
		assert.Equal(t, 42, v)
	}
}

func TestFetch_CancelledCallerDoesNotFailOthers(t *testing.T) {
	c := newMemCache(t)
	var calls atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})
	compute := func(ctx context.Context) (int, error) {
		if calls.Add(1) == 1 {
			close(started)
		}
		<-release
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		return 7, nil
	}

	leaderCtx, cancel := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		_, err := Fetch(leaderCtx, c, "shared", time.Minute, compute)
		leaderErr <- err
	}()
	<-started

	follower := make(chan int, 1)
	go func() {
		v, err := Fetch(context.Background(), c, "shared", time.Minute, compute)
		assert.NoError(t, err)
		follower <- v
	}()
	time.Sleep(20 * time.Millisecond)

	cancel()
	select {
	case err := <-leaderErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cancelled caller kept waiting")
	}

	close(release)
	select {
	case v := <-follower:
		assert.Equal(t, 7, v)
	case <-time.After(time.Second):
		t.Fatal("follower did not receive the shared result")
	}
	assert.Equal(t, int32(1), calls.Load())
}

func TestFetch_ErrorsAreNotCached(t *testing.T) {
	c := newMemCache(t)
	ctx := context.Background()
	boom := errors.New("source down")

	_, err := Fetch(ctx, c, "k", 0, func(context.Context) (string, error) { return "", boom })
	require.ErrorIs(t, err, boom)

	v, err := Fetch(ctx, c, "k", 0, func(context.Context) (string, error) { return "ok", nil })
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
}

func TestFetch_Invalidate(t *testing.T) {
	c := newMemCache(t)
	ctx := context.Background()
	n := 0
	inc := func(context.Context) (int, error) { n++; return n, nil }

	v, _ := Fetch(ctx, c, "n", 0, inc)
	assert.Equal(t, 1, v)
	require.NoError(t, c.Invalidate(ctx, "n"))
	v, _ = Fetch(ctx, c, "n", 0, inc)
	assert.Equal(t, 2, v)
}

func TestFetch_NilCacheComputes(t *testing.T) {
	v, err := Fetch(context.Background(), nil, "k", 0, func(context.Context) (int, error) { return 7, nil })
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}

func TestBadgerBackend_Persistent(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	b, err := OpenBadger(DefaultBadgerConfig(dir))
	require.NoError(t, err)
	require.NoError(t, b.Set(ctx, "k", []byte("v"), 0))
	require.NoError(t, b.Close())

	b, err = OpenBadger(DefaultBadgerConfig(dir))
	require.NoError(t, err)
	defer b.Close()
	got, ok, err := b.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v"), got)

	require.NoError(t, b.Delete(ctx, "k"))
	_, ok, err = b.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestOpenBadger_RequiresPath(t *testing.T) {
	_, err := OpenBadger(BadgerConfig{})
	assert.Error(t, err)
}

func TestOpen_Backends(t *testing.T) {
	ctx := context.Background()

	c, err := Open(ctx, Settings{Backend: BackendMemory}, nil)
	require.NoError(t, err)
	require.NoError(t, c.Close())

	c, err = Open(ctx, Settings{Backend: BackendBadger, Path: t.TempDir(), DefaultTTL: time.Hour}, nil)
	require.NoError(t, err)
	assert.Equal(t, time.Hour, c.defaultTTL)
	require.NoError(t, c.Close())

	_, err = Open(ctx, Settings{Backend: "memcached"}, nil)
	assert.ErrorIs(t, err, ErrUnknownBackend)
}

// TestRedisBackend runs only against a live server named by
// REFLOW_TEST_REDIS_URL.
func TestRedisBackend(t *testing.T) {
	url := os.Getenv("REFLOW_TEST_REDIS_URL")
	if url == "" {
		t.Skip("REFLOW_TEST_REDIS_URL not set")
	}
	ctx := context.Background()
	b, err := OpenRedis(ctx, url, "reflow:test:")
	require.NoError(t, err)
	c := New(b)
	defer c.Close()

	v, err := Fetch(ctx, c, "k", time.Minute, func(context.Context) (string, error) { return "shared", nil })
	require.NoError(t, err)
	assert.Equal(t, "shared", v)
	require.NoError(t, c.Invalidate(ctx, "k"))
}
