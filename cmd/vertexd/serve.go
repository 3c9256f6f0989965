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
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianVertex/pkg/extensions"
	"github.com/AleutianAI/AleutianVertex/pkg/logging"
	"github.com/AleutianAI/AleutianVertex/services/vertex"
	"github.com/AleutianAI/AleutianVertex/services/vertex/config"
	"github.com/AleutianAI/AleutianVertex/services/vertex/graph"
	"github.com/AleutianAI/AleutianVertex/services/vertex/telemetry"
)

// loadConfig reads --config and applies --log-level.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		if _, err := logging.ParseLevel(logLevel); err != nil {
			return nil, fmt.Errorf("--log-level: %w", err)
		}
		cfg.Logging.Level = logLevel
	}
	return cfg, nil
}

// newLogger builds the process logger from cfg.
func newLogger(cfg config.LoggingConfig) (*logging.Logger, error) {
	level, err := logging.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	return logging.New(logging.Config{
		Level:   level,
		JSON:    cfg.JSON,
		LogDir:  cfg.Dir,
		Service: "vertexd",
	}), nil
}

// applyReload adopts the log level of a reloaded configuration. Other
// settings need a restart. An explicit --log-level wins over the file.
func applyReload(logger *logging.Logger, next *config.Config) {
	if logLevel != "" {
		return
	}
	level, err := logging.ParseLevel(next.Logging.Level)
	if err != nil {
		logger.Warn("Ignoring reloaded log level", "level", next.Logging.Level, "error", err)
		return
	}
	if level == logger.Level() {
		return
	}
	logger.SetLevel(level)
	logger.Info("Log level changed", "level", level.String())
}

// serviceExtensions builds the auth and audit hooks from cfg.
func serviceExtensions(cfg config.AuthConfig, logger *slog.Logger) extensions.ServiceOptions {
	ext := extensions.DefaultOptions()
	if len(cfg.Tokens) > 0 {
		ext = ext.
			WithAuth(extensions.NewTokenAuthProvider(cfg.Tokens, cfg.Admins)).
			WithAuthz(extensions.NewRoleAuthzProvider(vertex.AdminActions()))
	}
	if cfg.Audit {
		ext = ext.WithAudit(extensions.NewSlogAuditLogger(logger.With("component", "audit")))
	}
	return ext
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer logger.Close()
	slog.SetDefault(logger.Slog())

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		flush, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flush); err != nil {
			logger.Warn("Failed to flush telemetry", "error", err)
		}
	}()

	if debugMode {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	registry := graph.NewRegistry(*cfg, graph.WithLogger(logger.Slog()))
	if err := registry.Init(ctx); err != nil {
		return fmt.Errorf("open graphs: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := registry.Shutdown(closeCtx); err != nil {
			logger.Error("Failed to close graphs", "error", err)
		}
	}()

	svc := vertex.NewService(registry, logger.Slog(),
		vertex.WithExtensions(serviceExtensions(cfg.Auth, logger.Slog())))
	if len(cfg.Auth.Tokens) == 0 {
		logger.Warn("Authentication disabled; every caller is the local admin")
	}
	var metrics http.Handler
	if cfg.Telemetry.MetricExporter == "prometheus" {
		metrics = telemetry.MetricsHandler()
	}
	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      vertex.NewRouter(svc, cfg.Telemetry.ServiceName, metrics),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		svc.Run(gctx, cfg.Server.SessionIdleTimeout)
		return nil
	})
	if configPath != "" {
		g.Go(func() error {
			return config.Watch(gctx, configPath, func(next *config.Config) {
				applyReload(logger, next)
			})
		})
	}
	g.Go(func() error {
		logger.Info("Starting Aleutian Vertex server",
			"address", cfg.Server.Addr, "graphs", registry.Names())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen on %s: %w", cfg.Server.Addr, err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down Aleutian Vertex server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
