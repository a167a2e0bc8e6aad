// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package script runs user scripts and turns their declarations into
// element trees.
//
// # Description
//
// A Script is an ordinary Go function that declares elements through a
// UI handle. Every interaction reruns it from the top. The Executor runs
// it once per call against a transaction over the session's widget
// state, so a failed or abandoned run leaves the state untouched.
//
// # Thread Safety
//
// An Executor is safe for concurrent use by different sessions. Run must
// not be called concurrently for the same Store.
package script

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"time"

	"github.com/AleutianAI/reflow/services/reflow/cache"
	"github.com/AleutianAI/reflow/services/reflow/fault"
	"github.com/AleutianAI/reflow/services/reflow/tree"
	"github.com/AleutianAI/reflow/services/reflow/widgetstate"
)

// DefaultExecutionTimeout bounds a single run.
const DefaultExecutionTimeout = 30 * time.Second

// Script declares a page. Returning an error fails the run.
type Script func(ui *UI) error

// Trigger carries the client values that caused a rerun, keyed by widget
// identity. An empty Trigger reruns with stored state only.
type Trigger struct {
	Values map[string]widgetstate.Value
}

// Result is the outcome of a successful run.
type Result struct {
	// Tree is the element tree the script declared.
	Tree *tree.Tree

	// Diagnostics are recoverable problems: duplicate identities and
	// widget state type mismatches.
	Diagnostics []fault.Diagnostic

	// Evicted lists widget identities pruned after this run.
	Evicted []string

	// Duration is the script execution time.
	Duration time.Duration
}

// Executor runs one Script.
type Executor struct {
	script  Script
	timeout time.Duration
	cache   *cache.DataCache
	logger  *slog.Logger
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithTimeout sets the execution timeout. Zero disables it.
func WithTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) { e.timeout = d }
}

// WithCache makes c available to Cached.
func WithCache(c *cache.DataCache) ExecutorOption {
	return func(e *Executor) { e.cache = c }
}

// WithLogger sets the executor's logger.
func WithLogger(l *slog.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = l }
}

// NewExecutor creates an executor for s.
func NewExecutor(s Script, opts ...ExecutorOption) *Executor {
	e := &Executor{
		script:  s,
		timeout: DefaultExecutionTimeout,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Timeout returns the configured execution timeout.
func (e *Executor) Timeout() time.Duration {
	return e.timeout
}

// Run executes the script once and commits its widget state.
//
// # Description
//
// The script runs on its own goroutine against a transaction over store.
// Client values in trig are written to their widgets before the script
// reads them. Values whose identity no widget declared are ignored.
//
// A script that returns an error, panics or outlives the timeout yields a
// *fault.ScriptFault; store is not modified. A timed out script cannot be
// stopped: its goroutine is abandoned with its context cancelled and its
// transaction is never committed.
//
// # Inputs
//
//   - ctx: Cancelling it abandons the run like a timeout.
//   - store: Session widget state. Committed on success.
//   - trig: Client values for this run.
//
// # Outputs
//
//   - *Result: Tree, diagnostics and evictions on success.
//   - error: *fault.ScriptFault, ctx.Err(), or a commit failure.
//
// # Limitations
//
//   - An abandoned goroutine keeps running until the script returns.
func (e *Executor) Run(ctx context.Context, store *widgetstate.Store, trig Trigger) (*Result, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	r := &run{
		ctx:     runCtx,
		builder: tree.NewBuilder(),
		txn:     store.Begin(),
		trigger: trig.Values,
		cache:   e.cache,
		logger:  e.logger,
	}
	ui := &UI{r: r}

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				e.logger.Error("script.executor: script panicked",
					"panic", p,
					"stack", string(debug.Stack()))
				done <- &fault.ScriptFault{Panic: p}
			}
		}()
		err := e.script(ui)
		if err == nil {
			err = r.err
		}
		done <- err
	}()

	var timeout <-chan time.Time
	if e.timeout > 0 {
		timer := time.NewTimer(e.timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case err := <-done:
		elapsed := time.Since(start)
		if err != nil {
			return nil, asFault(err, elapsed)
		}
		return e.finish(r, trig, elapsed)
	case <-timeout:
		elapsed := time.Since(start)
		e.logger.Warn("script.executor: run abandoned after timeout",
			"timeout", e.timeout,
			"elapsed", elapsed)
		return nil, &fault.ScriptFault{TimedOut: true, Elapsed: elapsed}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *Executor) finish(r *run, trig Trigger, elapsed time.Duration) (*Result, error) {
	t := r.builder.Build()
	evicted, err := r.txn.Commit()
	if err != nil {
		return nil, fmt.Errorf("script: commit widget state: %w", err)
	}

	var unreached []string
	for id := range trig.Values {
		if !r.txn.Touched(id) {
			unreached = append(unreached, id)
		}
	}
	if len(unreached) > 0 {
		sort.Strings(unreached)
		e.logger.Debug("script.executor: ignoring values for undeclared widgets",
			"identities", unreached)
	}

	var diags []fault.Diagnostic
	diags = append(diags, r.builder.Diagnostics()...)
	diags = append(diags, r.txn.Diagnostics()...)
	diags = append(diags, r.diags...)

	return &Result{
		Tree:        t,
		Diagnostics: diags,
		Evicted:     evicted,
		Duration:    elapsed,
	}, nil
}

func asFault(err error, elapsed time.Duration) *fault.ScriptFault {
	var sf *fault.ScriptFault
	if errors.As(err, &sf) {
		if sf.Elapsed == 0 {
			sf.Elapsed = elapsed
		}
		return sf
	}
	return &fault.ScriptFault{Cause: err, Elapsed: elapsed}
}
