// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/AleutianAI/reflow/services/reflow/fault"
)

// wsSink adapts a WebSocket connection to session.Sink.
//
// gorilla allows one concurrent writer, so Send serializes on mu. Close
// uses WriteControl, which is safe alongside other writes.
type wsSink struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	mu sync.Mutex

	once   sync.Once
	closed chan struct{}
}

func newWSSink(conn *websocket.Conn, writeTimeout time.Duration) *wsSink {
	return &wsSink{
		conn:         conn,
		writeTimeout: writeTimeout,
		closed:       make(chan struct{}),
	}
}

// Send writes data as one binary message.
func (s *wsSink) Send(ctx context.Context, data []byte) error {
	select {
	case <-s.closed:
		return errSinkClosed
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	deadline := time.Now().Add(s.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := s.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.BinaryMessage, data)
}

// Close ends the connection. Timed-out and failed sessions are dropped
// without a close frame; every other reason gets one.
func (s *wsSink) Close(reason error) error {
	var err error
	s.once.Do(func() {
		close(s.closed)
		if code, ok := closeCode(reason); ok {
			msg := websocket.FormatCloseMessage(code, closeText(reason))
			_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.writeTimeout))
		}
		err = s.conn.Close()
	})
	return err
}

// errSinkClosed is returned by Send after Close.
var errSinkClosed = errors.New("transport: connection closed")

func closeCode(reason error) (int, bool) {
	switch {
	case reason == nil:
		return websocket.CloseNormalClosure, true
	case errors.Is(reason, fault.ErrProtocol):
		return websocket.CloseProtocolError, true
	case errors.Is(reason, fault.ErrSessionClosed):
		return websocket.CloseGoingAway, true
	default:
		return 0, false
	}
}

func closeText(reason error) string {
	if reason == nil {
		return ""
	}
	text := reason.Error()
	// Control frame payloads are limited to 125 bytes, two of which hold
	// the code.
	if len(text) > 123 {
		text = text[:123]
	}
	return text
}
