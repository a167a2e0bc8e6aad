// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/reflow/services/reflow/fault"
	"github.com/AleutianAI/reflow/services/reflow/observability"
	"github.com/AleutianAI/reflow/services/reflow/reconcile"
	"github.com/AleutianAI/reflow/services/reflow/script"
	"github.com/AleutianAI/reflow/services/reflow/telemetry"
	"github.com/AleutianAI/reflow/services/reflow/tree"
	"github.com/AleutianAI/reflow/services/reflow/widgetstate"
	"github.com/AleutianAI/reflow/services/reflow/wire"
)

// Sink is the outbound half of a client connection.
//
// Send is called from the session worker only, one call at a time, never
// while a session lock is held. Close is called exactly once when the
// session ends; reason is nil for an explicit close.
type Sink interface {
	Send(ctx context.Context, data []byte) error
	Close(reason error) error
}

// Session is one client's script instance.
//
// # Description
//
// Clients mutate a session only through the Manager. Submitted events go
// into a pending map (latest value per identity) and wake the worker,
// which drains the map into one rerun at a time. The widget store, the
// last delivered tree and the generation counter belong to the worker.
type Session struct {
	id     string
	mgr    *Manager
	sink   Sink
	store  *widgetstate.Store
	logger *slog.Logger

	mu         sync.Mutex
	pending    map[string]widgetstate.Value
	requested  uint64
	lastActive time.Time
	closed     bool

	kick chan struct{}
	done chan struct{}

	// Worker-owned.
	prev       *tree.Tree
	generation uint64
	handled    uint64

	// carried holds diagnostics of superseded runs. Their effects are
	// already committed, so they ride along with the next delivery.
	carried []fault.Diagnostic
}

func newSession(id string, m *Manager, sink Sink, now time.Time) *Session {
	return &Session{
		id:         id,
		mgr:        m,
		sink:       sink,
		store:      widgetstate.NewStore(m.cfg.StalenessWindow),
		logger:     m.logger.With("session_id", id),
		pending:    make(map[string]widgetstate.Value),
		lastActive: now,
		kick:       make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// =============================================================================
// Client-facing mutations (any goroutine)
// =============================================================================

func (s *Session) submit(identity string, v widgetstate.Value, now time.Time) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", fault.ErrSessionClosed, s.id)
	}
	_, superseded := s.pending[identity]
	s.pending[identity] = v
	s.requested++
	s.lastActive = now
	s.mu.Unlock()

	if superseded {
		s.mgr.metrics.RecordCoalesced(1)
	}
	s.signal()
	return nil
}

func (s *Session) requestRerun(now time.Time) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", fault.ErrSessionClosed, s.id)
	}
	s.requested++
	s.lastActive = now
	s.mu.Unlock()
	s.signal()
	return nil
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	s.lastActive = now
	s.mu.Unlock()
}

func (s *Session) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

// signal wakes the worker. A pending wakeup is enough; extra ones drop.
func (s *Session) signal() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// markClosed flips the session to closed once and stops the worker.
func (s *Session) markClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	close(s.done)
	return true
}

// =============================================================================
// Worker
// =============================================================================

func (s *Session) work(ctx context.Context) {
	defer s.mgr.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			return
		case <-s.kick:
		}
		for s.step(ctx) {
		}
	}
}

// superseded reports whether a newer rerun was requested after want.
func (s *Session) superseded(want uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requested != want
}

// step performs one rerun if one is owed. It returns false when there is
// nothing left to do or the session can no longer deliver.
func (s *Session) step(ctx context.Context) bool {
	s.mu.Lock()
	if s.closed || s.requested == s.handled {
		s.mu.Unlock()
		return false
	}
	want := s.requested
	trig := script.Trigger{Values: s.pending}
	s.pending = make(map[string]widgetstate.Value)
	s.mu.Unlock()

	s.handled = want
	s.generation++
	gen := s.generation

	ctx, span := telemetry.StartSpan(ctx, telemetry.TracerSession, "session.rerun",
		trace.WithAttributes(
			telemetry.AttrSessionID.String(s.id),
			telemetry.AttrGeneration.Int64(int64(gen)),
		))
	defer span.End()
	logger := telemetry.LoggerWithTrace(ctx, s.logger)

	res, err := s.mgr.executor.Run(ctx, s.store, trig)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		telemetry.RecordError(span, err)
		var sf *fault.ScriptFault
		if !errors.As(err, &sf) {
			logger.Error("session.worker: rerun failed", "generation", gen, "error", err)
			return true
		}
		s.mgr.metrics.RecordRerun(observability.OutcomeFault, sf.Elapsed)
		span.SetAttributes(telemetry.AttrOutcome.String(string(observability.OutcomeFault)))
		if s.superseded(want) {
			s.requeueTriggers(trig.Values)
			logger.Warn("session.worker: dropping fault of superseded rerun", "generation", gen, "error", sf)
			return true
		}
		logger.Info("session.worker: script fault", "generation", gen, "error", sf)
		s.mgr.metrics.RecordDiagnostic(fault.CodeScriptFault.String())
		return s.deliver(ctx, wire.Fault{Code: fault.CodeScriptFault, Message: sf.Error()})
	}

	if s.superseded(want) {
		s.mgr.metrics.RecordRerun(observability.OutcomeStale, res.Duration)
		span.SetAttributes(telemetry.AttrOutcome.String(string(observability.OutcomeStale)))
		s.carried = append(s.carried, res.Diagnostics...)
		requeued := s.requeueTriggers(trig.Values)
		logger.Debug("session.worker: dropped superseded result",
			"generation", gen,
			"carried_diagnostics", len(res.Diagnostics),
			"requeued_triggers", requeued)
		return true
	}

	ops := reconcile.Diff(s.prev, res.Tree)
	diags := mergeDiagnostics(s.carried, res.Diagnostics)
	msgs := make([]wire.Message, 0, 1+len(diags))
	msgs = append(msgs, wire.DeltaBatch{SessionID: s.id, Generation: gen, Ops: ops})
	for _, d := range diags {
		msgs = append(msgs, wire.FaultFrom(d))
		s.mgr.metrics.RecordDiagnostic(d.Code.String())
	}
	if !s.deliver(ctx, msgs...) {
		return false
	}
	s.prev = res.Tree
	s.carried = nil

	s.mgr.metrics.RecordRerun(observability.OutcomeDelivered, res.Duration)
	s.mgr.metrics.RecordOps(opLabels(ops))
	span.SetAttributes(
		telemetry.AttrOutcome.String(string(observability.OutcomeDelivered)),
		telemetry.AttrOps.Int(len(ops)),
	)
	telemetry.SetSpanOK(span)
	if len(res.Evicted) > 0 {
		logger.Debug("session.worker: evicted widget state", "identities", res.Evicted)
	}
	return true
}

// requeueTriggers returns the trigger values a superseded run consumed to
// the pending map, so the run that replaces it still sees the click. A
// newer pending value for the same identity wins.
func (s *Session) requeueTriggers(values map[string]widgetstate.Value) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, v := range values {
		if v.Type != widgetstate.TypeTrigger {
			continue
		}
		if _, newer := s.pending[id]; newer {
			continue
		}
		s.pending[id] = v
		n++
	}
	return n
}

// mergeDiagnostics appends next to carried, dropping exact repeats.
func mergeDiagnostics(carried, next []fault.Diagnostic) []fault.Diagnostic {
	if len(carried) == 0 {
		return next
	}
	out := make([]fault.Diagnostic, 0, len(carried)+len(next))
	seen := make(map[fault.Diagnostic]struct{}, len(carried)+len(next))
	for _, group := range [][]fault.Diagnostic{carried, next} {
		for _, d := range group {
			if _, dup := seen[d]; dup {
				continue
			}
			seen[d] = struct{}{}
			out = append(out, d)
		}
	}
	return out
}

// deliver encodes and sends msgs. A send failure closes the session.
func (s *Session) deliver(ctx context.Context, msgs ...wire.Message) bool {
	data, err := s.mgr.codec.Encode(msgs...)
	if err != nil {
		s.logger.Error("session.worker: encode failed", "error", err)
		return true
	}
	if err := s.sink.Send(ctx, data); err != nil {
		s.logger.Warn("session.worker: send failed, closing session", "error", err)
		s.mgr.closeSession(s, fmt.Errorf("session: send: %w", err), closeReasonSendFailed)
		return false
	}
	s.mgr.metrics.RecordSend(len(data))
	return true
}

func opLabels(ops []reconcile.Op) map[string]int {
	counts := reconcile.Counts(ops)
	out := make(map[string]int, len(counts))
	for kind, n := range counts {
		out[strings.ToLower(kind.String())] = n
	}
	return out
}
