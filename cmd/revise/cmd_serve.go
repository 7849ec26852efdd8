// Copyright (C) 2025 Revise Labs (oss@reviselabs.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/reviselabs/revise/services/refactor"
	"github.com/reviselabs/revise/services/refactor/telemetry"
)

// runServe starts the refactoring service HTTP server and blocks until
// SIGINT or SIGTERM.
func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("telemetry init: %w", err)
	}

	svc, err := refactor.NewService(ctx, cfg, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("service init: %w", err)
	}

	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(cfg.Telemetry.ServiceName))

	handlers := refactor.NewHandlers(svc)
	v1 := router.Group("/v1")
	refactor.RegisterRoutes(v1, handlers)
	router.GET("/metrics", gin.WrapH(telemetry.MetricsHandler()))

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	printBanner(addr)

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		svc.Close()
		return fmt.Errorf("server: %w", err)
	case sig := <-quit:
		slog.Info("Shutting down revise server", slog.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	var errs []error
	if err := server.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := svc.Close(); err != nil {
		errs = append(errs, fmt.Errorf("service close: %w", err))
	}
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("telemetry shutdown: %w", err))
	}
	return errors.Join(errs...)
}

func printBanner(addr string) {
	fmt.Printf(`
revise %s
  listening:  http://%s
  api:        /v1/refactor
  metrics:    /metrics
  data dir:   %s
  snapshots:  %s

`, refactor.ServiceVersion, addr, cfg.DataDir, cfg.Snapshot.Backend)
}
