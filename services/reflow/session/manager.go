// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package session owns live client sessions and their rerun workers.
//
// # Description
//
// The Manager creates a Session per connected client. Each session has
// one worker goroutine, so reruns of a session are strictly serialized
// while different sessions run in parallel. Events that arrive during a
// rerun are coalesced into the next one, and a result is dropped at
// delivery when a newer rerun has been requested since it started.
//
// # Thread Safety
//
// All Manager methods are safe for concurrent use.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/reflow/services/reflow/fault"
	"github.com/AleutianAI/reflow/services/reflow/observability"
	"github.com/AleutianAI/reflow/services/reflow/script"
	"github.com/AleutianAI/reflow/services/reflow/widgetstate"
	"github.com/AleutianAI/reflow/services/reflow/wire"
)

// Close reasons, used as metric labels.
const (
	closeReasonClient     = "client"
	closeReasonTimeout    = "timeout"
	closeReasonSendFailed = "send_failed"
	closeReasonShutdown   = "shutdown"
	closeReasonProtocol   = "protocol"
)

// ErrNilSink is returned by CreateSession without a sink.
var ErrNilSink = errors.New("session: nil sink")

// Config tunes a Manager.
type Config struct {
	// InactivityTimeout closes sessions with no event or heartbeat for
	// this long. Zero disables the sweeper.
	InactivityTimeout time.Duration

	// SweepInterval is how often Run checks for idle sessions.
	SweepInterval time.Duration

	// StalenessWindow is passed to every session's widget store.
	StalenessWindow int

	// Codec encodes outbound messages. Defaults to wire.NewCodec().
	Codec *wire.Codec

	// Metrics may be nil.
	Metrics *observability.Metrics

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		InactivityTimeout: 5 * time.Minute,
		SweepInterval:     30 * time.Second,
		StalenessWindow:   widgetstate.DefaultStalenessWindow,
	}
}

// Manager is the registry of live sessions.
type Manager struct {
	executor *script.Executor
	cfg      Config
	codec    *wire.Codec
	metrics  *observability.Metrics
	logger   *slog.Logger
	now      func() time.Time

	// ctx bounds every worker; cancelled by Shutdown.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.RWMutex
	sessions map[string]*Session
	stopped  bool
}

// NewManager creates a manager running exec for every session.
func NewManager(exec *script.Executor, cfg Config) *Manager {
	if cfg.Codec == nil {
		cfg.Codec = wire.NewCodec()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.StalenessWindow < 1 {
		cfg.StalenessWindow = widgetstate.DefaultStalenessWindow
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		executor: exec,
		cfg:      cfg,
		codec:    cfg.Codec,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*Session),
	}
}

// CreateSession registers a session for a new client and schedules its
// initial run.
//
// # Description
//
// The NewSession message is sent on sink before the worker starts, so it
// always precedes the first DeltaBatch.
//
// # Inputs
//
//   - ctx: Bounds the NewSession send only.
//   - sink: Outbound connection. Closed when the session ends.
//
// # Outputs
//
//   - string: The session identifier.
//   - error: ErrNilSink, fault.ErrSessionClosed after Shutdown, or the
//     send error. The session does not exist on error.
func (m *Manager) CreateSession(ctx context.Context, sink Sink) (string, error) {
	if sink == nil {
		return "", ErrNilSink
	}
	id := uuid.NewString()

	data, err := m.codec.Encode(wire.NewSession{SessionID: id})
	if err != nil {
		return "", fmt.Errorf("session: encode NewSession: %w", err)
	}
	if err := sink.Send(ctx, data); err != nil {
		return "", fmt.Errorf("session: send NewSession: %w", err)
	}
	m.metrics.RecordSend(len(data))

	s := newSession(id, m, sink, m.now())
	s.requested = 1

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return "", fmt.Errorf("%w: manager shut down", fault.ErrSessionClosed)
	}
	m.sessions[id] = s
	m.wg.Add(1)
	m.mu.Unlock()

	m.metrics.SessionOpened()
	s.logger.Info("session.manager: session created")

	go s.work(m.ctx)
	s.signal()
	return id, nil
}

// SubmitEvent records a new value for a widget and schedules a rerun.
//
// The latest value per identity wins if several arrive before the next
// rerun starts.
func (m *Manager) SubmitEvent(id, identity string, v widgetstate.Value) error {
	s, err := m.get(id)
	if err != nil {
		return err
	}
	return s.submit(identity, v, m.now())
}

// RequestRerun schedules a rerun without changing any widget value.
func (m *Manager) RequestRerun(id string) error {
	s, err := m.get(id)
	if err != nil {
		return err
	}
	return s.requestRerun(m.now())
}

// Heartbeat keeps an idle session alive.
func (m *Manager) Heartbeat(id string) error {
	s, err := m.get(id)
	if err != nil {
		return err
	}
	s.touch(m.now())
	return nil
}

// CloseSession ends a session at the client's request and closes its sink
// with a nil reason.
func (m *Manager) CloseSession(id string) error {
	s, err := m.get(id)
	if err != nil {
		return err
	}
	m.closeSession(s, nil, closeReasonClient)
	return nil
}

// Evict closes a session after a protocol violation. The sink is closed
// with reason, which should match fault.ErrProtocol.
func (m *Manager) Evict(id string, reason error) error {
	s, err := m.get(id)
	if err != nil {
		return err
	}
	m.closeSession(s, reason, closeReasonProtocol)
	return nil
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Sweep closes sessions idle since before now minus the inactivity
// timeout. Nothing is sent to their clients. Returns the number closed.
func (m *Manager) Sweep(now time.Time) int {
	if m.cfg.InactivityTimeout <= 0 {
		return 0
	}
	cutoff := now.Add(-m.cfg.InactivityTimeout)

	m.mu.RLock()
	var idle []*Session
	for _, s := range m.sessions {
		if s.idleSince().Before(cutoff) {
			idle = append(idle, s)
		}
	}
	m.mu.RUnlock()

	closed := 0
	for _, s := range idle {
		if m.closeSession(s, fault.ErrSessionTimeout, closeReasonTimeout) {
			closed++
		}
	}
	return closed
}

// Run sweeps idle sessions every SweepInterval until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	if m.cfg.InactivityTimeout <= 0 || m.cfg.SweepInterval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := m.Sweep(m.now()); n > 0 {
				m.logger.Info("session.manager: closed idle sessions", "count", n)
			}
		}
	}
}

// Shutdown closes every session and waits for the workers to exit.
// Scripts abandoned after a timeout are not waited for.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.stopped = true
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.Unlock()

	for _, s := range all {
		m.closeSession(s, fault.ErrSessionClosed, closeReasonShutdown)
	}
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("session: shutdown: %w", ctx.Err())
	}
}

func (m *Manager) get(id string) (*Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", fault.ErrSessionNotFound, id)
	}
	return s, nil
}

// closeSession removes s and closes its sink. Only the first call for a
// session has any effect.
func (m *Manager) closeSession(s *Session, reason error, label string) bool {
	m.mu.Lock()
	if cur, ok := m.sessions[s.id]; ok && cur == s {
		delete(m.sessions, s.id)
	}
	m.mu.Unlock()

	if !s.markClosed() {
		return false
	}
	m.metrics.SessionClosed(label)
	s.logger.Info("session.manager: session closed", "reason", label)
	if err := s.sink.Close(reason); err != nil {
		s.logger.Debug("session.manager: sink close failed", "error", err)
	}
	return true
}
