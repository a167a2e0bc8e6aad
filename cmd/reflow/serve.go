// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/reflow/pkg/logging"
	"github.com/AleutianAI/reflow/services/reflow/apps"
	"github.com/AleutianAI/reflow/services/reflow/cache"
	"github.com/AleutianAI/reflow/services/reflow/config"
	"github.com/AleutianAI/reflow/services/reflow/observability"
	"github.com/AleutianAI/reflow/services/reflow/script"
	"github.com/AleutianAI/reflow/services/reflow/session"
	"github.com/AleutianAI/reflow/services/reflow/telemetry"
	"github.com/AleutianAI/reflow/services/reflow/transport"
	"github.com/AleutianAI/reflow/services/reflow/wire"
)

// shutdownGrace bounds session and telemetry shutdown after a signal.
const shutdownGrace = 15 * time.Second

// loadServeConfig resolves the env file, config file and flag overrides.
func loadServeConfig(opts *serveOptions) (config.Config, error) {
	envFile, required := opts.envFile, true
	if envFile == "" {
		envFile, required = ".env", false
	}
	if err := config.LoadEnvFile(envFile, required); err != nil {
		return config.Config{}, err
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return cfg, err
	}
	if opts.addr != "" {
		cfg.Server.Addr = opts.addr
	}
	if opts.verbose {
		cfg.Logging.Level = "debug"
	}
	return cfg, cfg.Validate()
}

// runServe wires every component and blocks until a signal arrives or a
// component fails.
func runServe(parent context.Context, opts *serveOptions) error {
	cfg, err := loadServeConfig(opts)
	if err != nil {
		return err
	}
	app, err := apps.Lookup(opts.app)
	if err != nil {
		return err
	}

	logger, err := logging.New(logging.Config{
		Level:   cfg.Logging.Level,
		Dir:     cfg.Logging.Dir,
		Service: "reflow",
		JSON:    cfg.Logging.JSON,
	})
	if err != nil {
		return err
	}
	defer logger.Close()
	log := logger.Slog()
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetrics(reg)

	tel := cfg.Telemetry
	tel.ServiceVersion = version
	shutdownTelemetry, err := telemetry.Init(ctx, tel, reg)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}

	dc, err := cache.Open(ctx, cfg.Cache.Settings(), log, cache.WithLookupHook(metrics.RecordCacheLookup))
	if err != nil {
		return fmt.Errorf("open cache: %w", err)
	}
	defer func() {
		if err := dc.Close(); err != nil {
			log.Warn("reflow.serve: cache close failed", "error", err)
		}
	}()

	codec := wire.NewCodec(wire.WithMaxFramePayload(cfg.Server.MaxFramePayload))
	exec := script.NewExecutor(app.Script,
		script.WithTimeout(cfg.Session.ExecutionTimeout),
		script.WithCache(dc),
		script.WithLogger(log.With("app", app.Name)),
	)

	mcfg := cfg.Session.ManagerConfig()
	mcfg.Codec = codec
	mcfg.Metrics = metrics
	mcfg.Logger = log
	mgr := session.NewManager(exec, mcfg)

	srv := transport.NewServer(mgr, transport.Options{
		WSPath:      cfg.Server.WSPath,
		ServiceName: tel.ServiceName,
		EventRate:   cfg.Server.EventRate,
		EventBurst:  cfg.Server.EventBurst,
		Gatherer:    reg,
		Codec:       codec,
		Metrics:     metrics,
		Logger:      log,
	})

	log.Info("reflow.serve: starting",
		"app", app.Name,
		"addr", cfg.Server.Addr,
		"cache", cfg.Cache.Backend,
		"execution_timeout", exec.Timeout(),
		"version", version)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.ListenAndServe(gctx, cfg.Server.Addr) })
	g.Go(func() error { return mgr.Run(gctx) })
	if opts.configPath != "" {
		g.Go(func() error {
			return config.Watch(gctx, opts.configPath, log, func(next config.Config) {
				if err := logger.SetLevelName(next.Logging.Level); err != nil {
					log.Warn("reflow.serve: ignoring log level", "error", err)
					return
				}
				log.Info("reflow.serve: log level updated", "level", next.Logging.Level)
			})
		})
	}
	runErr := g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	shutdownErr := errors.Join(mgr.Shutdown(shutdownCtx), shutdownTelemetry(shutdownCtx))
	log.Info("reflow.serve: stopped")
	return errors.Join(runErr, shutdownErr)
}
