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
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/reflow/services/reflow/fault"
	"github.com/AleutianAI/reflow/services/reflow/observability"
	"github.com/AleutianAI/reflow/services/reflow/reconcile"
	"github.com/AleutianAI/reflow/services/reflow/script"
	"github.com/AleutianAI/reflow/services/reflow/session"
	"github.com/AleutianAI/reflow/services/reflow/widgetstate"
	"github.com/AleutianAI/reflow/services/reflow/wire"
)

const waitFor = 2 * time.Second

func init() {
	gin.SetMode(gin.TestMode)
}

func counter(ui *script.UI) error {
	ui.IntInput("Count", 0, script.Key("count"))
	return nil
}

type harness struct {
	mgr     *session.Manager
	srv     *Server
	ts      *httptest.Server
	reg     *prometheus.Registry
	metrics *observability.Metrics
}

func newHarness(t *testing.T, tune ...func(*Options)) *harness {
	t.Helper()
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)

	cfg := session.DefaultConfig()
	cfg.Metrics = metrics
	mgr := session.NewManager(script.NewExecutor(counter, script.WithTimeout(waitFor)), cfg)

	opts := DefaultOptions()
	opts.Gatherer = reg
	opts.Metrics = metrics
	for _, f := range tune {
		f(&opts)
	}
	srv := NewServer(mgr, opts)
	ts := httptest.NewServer(srv.Handler())

	t.Cleanup(func() {
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = mgr.Shutdown(ctx)
	})
	return &harness{mgr: mgr, srv: srv, ts: ts, reg: reg, metrics: metrics}
}

// client speaks the binary protocol over a real WebSocket.
type client struct {
	t     *testing.T
	conn  *websocket.Conn
	codec *wire.Codec
	dec   *wire.Decoder
	queue []wire.Message
}

func (h *harness) dial(t *testing.T) *client {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	codec := wire.NewCodec()
	return &client{t: t, conn: conn, codec: codec, dec: codec.NewDecoder()}
}

func (c *client) send(msgs ...wire.Message) {
	c.t.Helper()
	data, err := c.codec.Encode(msgs...)
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteMessage(websocket.BinaryMessage, data))
}

func (c *client) sendRaw(data []byte) {
	c.t.Helper()
	require.NoError(c.t, c.conn.WriteMessage(websocket.BinaryMessage, data))
}

func (c *client) next() wire.Message {
	c.t.Helper()
	for len(c.queue) == 0 {
		require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(waitFor)))
		_, data, err := c.conn.ReadMessage()
		require.NoError(c.t, err)
		msgs, err := c.dec.Decode(data)
		require.NoError(c.t, err)
		c.queue = append(c.queue, msgs...)
	}
	m := c.queue[0]
	c.queue = c.queue[1:]
	return m
}

func (c *client) nextBatch() wire.DeltaBatch {
	c.t.Helper()
	m := c.next()
	b, ok := m.(wire.DeltaBatch)
	require.True(c.t, ok, "got %T, want DeltaBatch", m)
	return b
}

// closeCode reads until the server closes the connection.
func (c *client) closeCode() int {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(waitFor)))
	for {
		_, _, err := c.conn.ReadMessage()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		if errors.As(err, &ce) {
			return ce.Code
		}
		return -1
	}
}

func (c *client) handshake() string {
	c.t.Helper()
	c.send(wire.Handshake{Client: "test"})
	ns, ok := c.next().(wire.NewSession)
	require.True(c.t, ok)
	require.NotEmpty(c.t, ns.SessionID)
	return ns.SessionID
}

func opStrings(ops []reconcile.Op) []string {
	out := make([]string, len(ops))
	for i, op := range ops {
		out[i] = op.String()
	}
	return out
}

// =============================================================================
// HTTP routes
// =============================================================================

func TestHealth(t *testing.T) {
	h := newHarness(t)

	w := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Status   string `json:"status"`
		Sessions int    `json:"sessions"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, 0, body.Sessions)
}

func TestMetrics_ExposesRegistry(t *testing.T) {
	h := newHarness(t)
	c := h.dial(t)
	c.handshake()
	c.nextBatch()

	resp, err := http.Get(h.ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "reflow_session_active 1")
	assert.Contains(t, string(body), `reflow_wire_messages_received_total{tag="handshake"} 1`)
}

// =============================================================================
// Protocol
// =============================================================================

func TestWebSocket_CounterRoundTrip(t *testing.T) {
	h := newHarness(t)
	c := h.dial(t)
	id := c.handshake()

	initial := c.nextBatch()
	assert.Equal(t, id, initial.SessionID)
	assert.Equal(t, uint64(1), initial.Generation)
	assert.Equal(t, []string{"Insert(count, 0, number_input)"}, opStrings(initial.Ops))

	c.send(wire.NewWidgetEvent("count", widgetstate.Int(1)))
	b := c.nextBatch()
	assert.Equal(t, uint64(2), b.Generation)
	assert.Equal(t, []string{"Update(count)"}, opStrings(b.Ops))

	c.send(wire.RerunRequest{}, wire.Heartbeat{})
	assert.Empty(t, c.nextBatch().Ops)
}

func TestWebSocket_EventRateIsPacedNotDropped(t *testing.T) {
	const perSecond = 20
	h := newHarness(t, func(o *Options) {
		o.EventRate = perSecond
		o.EventBurst = 1
	})
	c := h.dial(t)
	c.handshake()
	c.nextBatch()

	// The handshake spent the only burst token, so at most one message
	// below goes through without waiting a refill interval.
	const beats = 5
	msgs := make([]wire.Message, 0, beats+1)
	for range beats {
		msgs = append(msgs, wire.Heartbeat{})
	}
	msgs = append(msgs, wire.NewWidgetEvent("count", widgetstate.Int(4)))

	start := time.Now()
	c.send(msgs...)
	b := c.nextBatch()
	elapsed := time.Since(start)

	assert.Equal(t, []string{"Update(count)"}, opStrings(b.Ops))
	assert.GreaterOrEqual(t, elapsed, ((beats-1)*time.Second)/perSecond,
		"messages were not paced by the limiter")
	assert.Equal(t, float64(beats), testutil.ToFloat64(h.metrics.MessagesReceived.WithLabelValues("heartbeat")))
	assert.Equal(t, 1, h.mgr.Len(), "pacing must not close the session")
}

func TestWebSocket_FirstMessageMustBeHandshake(t *testing.T) {
	h := newHarness(t)
	c := h.dial(t)

	c.send(wire.Heartbeat{})
	f, ok := c.next().(wire.Fault)
	require.True(t, ok)
	assert.Equal(t, fault.CodeProtocolError, f.Code)
	assert.Equal(t, websocket.CloseProtocolError, c.closeCode())
	assert.Equal(t, 0, h.mgr.Len())
}

func TestWebSocket_MalformedFrameEvictsSession(t *testing.T) {
	h := newHarness(t)
	c := h.dial(t)
	c.handshake()
	c.nextBatch()
	require.Equal(t, 1, h.mgr.Len())

	// Version 9 is not spoken here.
	c.sendRaw([]byte{0, 0, 0, 2, 9, 0, 0})
	f, ok := c.next().(wire.Fault)
	require.True(t, ok)
	assert.Equal(t, fault.CodeProtocolError, f.Code)
	assert.Equal(t, websocket.CloseProtocolError, c.closeCode())
	assert.Eventually(t, func() bool { return h.mgr.Len() == 0 }, waitFor, 10*time.Millisecond)
}

func TestWebSocket_ServerMessageFromClientIsProtocolError(t *testing.T) {
	h := newHarness(t)
	c := h.dial(t)
	c.handshake()
	c.nextBatch()

	c.send(wire.NewSession{SessionID: "forged"})
	f, ok := c.next().(wire.Fault)
	require.True(t, ok)
	assert.Equal(t, fault.CodeProtocolError, f.Code)
	assert.Contains(t, f.Message, "new_session")
	assert.Equal(t, websocket.CloseProtocolError, c.closeCode())
}

func TestWebSocket_CloseSession(t *testing.T) {
	h := newHarness(t)
	c := h.dial(t)
	c.handshake()
	c.nextBatch()

	c.send(wire.CloseSession{})
	assert.Equal(t, websocket.CloseNormalClosure, c.closeCode())
	assert.Eventually(t, func() bool { return h.mgr.Len() == 0 }, waitFor, 10*time.Millisecond)
}

func TestWebSocket_DisconnectClosesSession(t *testing.T) {
	h := newHarness(t)
	c := h.dial(t)
	c.handshake()
	c.nextBatch()
	require.Equal(t, 1, h.mgr.Len())

	require.NoError(t, c.conn.Close())
	assert.Eventually(t, func() bool { return h.mgr.Len() == 0 }, waitFor, 10*time.Millisecond)
}

func TestWebSocket_TextMessageRejected(t *testing.T) {
	h := newHarness(t)
	c := h.dial(t)

	require.NoError(t, c.conn.WriteMessage(websocket.TextMessage, []byte("hello")))
	f, ok := c.next().(wire.Fault)
	require.True(t, ok)
	assert.Equal(t, fault.CodeProtocolError, f.Code)
}

// =============================================================================
// Sink
// =============================================================================

func TestCloseCode(t *testing.T) {
	tests := []struct {
		name   string
		reason error
		code   int
		ok     bool
	}{
		{"explicit close", nil, websocket.CloseNormalClosure, true},
		{"protocol", fault.Protocolf("bad tag"), websocket.CloseProtocolError, true},
		{"shutdown", fault.ErrSessionClosed, websocket.CloseGoingAway, true},
		{"timeout is silent", fault.ErrSessionTimeout, 0, false},
		{"send failure is silent", errors.New("session: send: broken pipe"), 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, ok := closeCode(tt.reason)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.code, code)
		})
	}
}

func TestCloseText_Truncates(t *testing.T) {
	assert.Empty(t, closeText(nil))
	assert.Len(t, closeText(errors.New(strings.Repeat("x", 300))), 123)
}
