// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package transport hosts the session engine over HTTP and WebSocket.
//
// # Description
//
// A gin router serves three routes:
//
//   - GET /health: liveness plus the live session count.
//   - GET /metrics: Prometheus exposition for the given gatherer.
//   - GET <ws path>: the binary protocol. Each WebSocket binary message
//     carries one or more frames.
//
// The first decoded client message must be a Handshake, which creates the
// session. Any decode failure or out-of-place message is a protocol error:
// a Fault is sent best effort, the session is evicted and the connection
// closed.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/reflow/services/reflow/fault"
	"github.com/AleutianAI/reflow/services/reflow/observability"
	"github.com/AleutianAI/reflow/services/reflow/session"
	"github.com/AleutianAI/reflow/services/reflow/telemetry"
	"github.com/AleutianAI/reflow/services/reflow/wire"
)

// Options configures a Server.
type Options struct {
	// WSPath is the WebSocket route. Defaults to "/ws".
	WSPath string

	// ServiceName labels otelgin spans.
	ServiceName string

	// ReadLimit bounds one inbound WebSocket message in bytes.
	ReadLimit int64

	// WriteTimeout bounds one outbound write.
	WriteTimeout time.Duration

	// EventRate limits inbound messages per second per connection. Zero
	// disables the limit.
	EventRate  float64
	EventBurst int

	// Gatherer backs /metrics. Defaults to prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer

	Codec   *wire.Codec
	Metrics *observability.Metrics
	Logger  *slog.Logger
}

// DefaultOptions returns production defaults.
func DefaultOptions() Options {
	return Options{
		WSPath:       "/ws",
		ServiceName:  "reflow",
		ReadLimit:    1 << 20,
		WriteTimeout: 10 * time.Second,
		EventRate:    50,
		EventBurst:   100,
	}
}

// Server is the HTTP front of a session.Manager.
type Server struct {
	mgr      *session.Manager
	opts     Options
	codec    *wire.Codec
	metrics  *observability.Metrics
	logger   *slog.Logger
	router   *gin.Engine
	upgrader websocket.Upgrader
}

// NewServer builds the router for mgr.
func NewServer(mgr *session.Manager, opts Options) *Server {
	def := DefaultOptions()
	if opts.WSPath == "" {
		opts.WSPath = def.WSPath
	}
	if opts.ServiceName == "" {
		opts.ServiceName = def.ServiceName
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = def.ReadLimit
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = def.WriteTimeout
	}
	if opts.EventBurst < 1 {
		opts.EventBurst = def.EventBurst
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	if opts.Codec == nil {
		opts.Codec = wire.NewCodec()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	s := &Server{
		mgr:     mgr,
		opts:    opts,
		codec:   opts.Codec,
		metrics: opts.Metrics,
		logger:  opts.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 << 10,
			WriteBufferSize: 32 << 10,
			// Renderers are served from arbitrary dev origins.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	s.router = gin.New()
	s.router.Use(gin.Recovery())
	s.router.Use(otelgin.Middleware(opts.ServiceName))
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})))
	s.router.GET(opts.WSPath, s.handleWebSocket)
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe serves on addr until ctx is done, then shuts the HTTP
// server down gracefully. Sessions are not closed here; that is the
// manager's Shutdown.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.Info("transport.server: listening", "addr", addr, "ws_path", s.opts.WSPath)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("transport: listen %s: %w", addr, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("transport: shutdown: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"sessions": s.mgr.Len(),
	})
}

// =============================================================================
// WebSocket
// =============================================================================

func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("transport.ws: upgrade failed", "error", err)
		return
	}
	conn.SetReadLimit(s.opts.ReadLimit)

	ctx, span := telemetry.StartSpan(c.Request.Context(), telemetry.TracerTransport, "transport.connection")
	defer span.End()

	cn := &connection{
		srv:    s,
		conn:   conn,
		sink:   newWSSink(conn, s.opts.WriteTimeout),
		dec:    s.codec.NewDecoder(),
		logger: telemetry.LoggerWithTrace(ctx, s.logger).With("remote", conn.RemoteAddr().String()),
	}
	if s.opts.EventRate > 0 {
		cn.limiter = rate.NewLimiter(rate.Limit(s.opts.EventRate), s.opts.EventBurst)
	}

	if err := cn.serve(ctx); err != nil {
		telemetry.RecordError(span, err)
		return
	}
	telemetry.SetSpanOK(span)
}

// connection is the read side of one WebSocket client.
type connection struct {
	srv     *Server
	conn    *websocket.Conn
	sink    *wsSink
	dec     *wire.Decoder
	limiter *rate.Limiter
	logger  *slog.Logger

	// id is empty until the Handshake is accepted.
	id string
}

// serve reads until the client leaves, the session ends or the protocol
// is violated. Only protocol errors are returned.
func (cn *connection) serve(ctx context.Context) error {
	defer cn.sink.Close(nil)

	for {
		mt, data, err := cn.conn.ReadMessage()
		if err != nil {
			cn.clientGone(err)
			return nil
		}
		if mt != websocket.BinaryMessage {
			return cn.protocolFail(ctx, fault.Protocolf("non-binary websocket message"))
		}

		msgs, err := cn.dec.Decode(data)
		if err != nil {
			return cn.protocolFail(ctx, err)
		}

		for _, m := range msgs {
			cn.srv.metrics.RecordReceived(m.Tag().String())
			if cn.limiter != nil {
				if err := cn.limiter.Wait(ctx); err != nil {
					cn.clientGone(err)
					return nil
				}
			}
			done, err := cn.dispatch(ctx, m)
			if err != nil {
				var perr *fault.ProtocolError
				if errors.As(err, &perr) {
					return cn.protocolFail(ctx, err)
				}
				// The session ended underneath us: timed out or failed a send.
				cn.logger.Debug("transport.ws: session gone", "session_id", cn.id, "error", err)
				return nil
			}
			if done {
				return nil
			}
		}
	}
}

// dispatch applies one client message. It reports done when the client
// closed its session.
func (cn *connection) dispatch(ctx context.Context, m wire.Message) (bool, error) {
	if cn.id == "" {
		hs, ok := m.(wire.Handshake)
		if !ok {
			return false, fault.Protocolf("first message must be Handshake, got %s", m.Tag())
		}
		id, err := cn.srv.mgr.CreateSession(ctx, cn.sink)
		if err != nil {
			return false, err
		}
		cn.id = id
		cn.logger = cn.logger.With("session_id", id)
		cn.logger.Info("transport.ws: handshake accepted", "client", hs.Client)
		return false, nil
	}

	mgr := cn.srv.mgr
	switch msg := m.(type) {
	case wire.WidgetEvent:
		return false, mgr.SubmitEvent(cn.id, msg.Identity, msg.StateValue())
	case wire.Heartbeat:
		return false, mgr.Heartbeat(cn.id)
	case wire.RerunRequest:
		return false, mgr.RequestRerun(cn.id)
	case wire.CloseSession:
		return true, mgr.CloseSession(cn.id)
	case wire.Handshake:
		return false, fault.Protocolf("duplicate Handshake")
	default:
		return false, fault.Protocolf("unexpected %s from client", m.Tag())
	}
}

// protocolFail reports err to the client and tears the session down.
func (cn *connection) protocolFail(ctx context.Context, err error) error {
	cn.logger.Warn("transport.ws: protocol error", "session_id", cn.id, "error", err)
	cn.srv.metrics.RecordDiagnostic(fault.CodeProtocolError.String())

	if data, encErr := cn.srv.codec.Encode(wire.Fault{Code: fault.CodeProtocolError, Message: err.Error()}); encErr == nil {
		if sendErr := cn.sink.Send(ctx, data); sendErr == nil {
			cn.srv.metrics.RecordSend(len(data))
		}
	}

	if cn.id != "" {
		if evErr := cn.srv.mgr.Evict(cn.id, err); evErr == nil {
			return err
		}
	}
	_ = cn.sink.Close(err)
	return err
}

// clientGone closes the session after the connection dropped.
func (cn *connection) clientGone(err error) {
	if cn.id == "" {
		return
	}
	if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		cn.logger.Info("transport.ws: connection lost", "error", err)
	}
	_ = cn.srv.mgr.CloseSession(cn.id)
}
