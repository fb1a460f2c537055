// Copyright 2024 Matt Schultz <schultz@sent.com>. All rights reserved.
// Use of this source code is governed by an ISC license that can be found in the LICENSE file.

// Command rcongw serves an HTTP API for running RCON commands on a set of game servers.
//
// The configuration file is read from $RCON_GATEWAY_CONFIG, or rcongw.toml in the working
// directory:
//
//	listen = ":8080"
//	token_hash = "$2a$10$..." # bcrypt hash of the bearer token
//	audit_db = "rcongw.db"
//
//	[[servers]]
//	name = "survival"
//	host = "10.0.0.5"
//	port = 25575
//	password_env = "SURVIVAL_RCON_PASSWORD"
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/schultz-is/rcon-go/v2"
	"github.com/schultz-is/rcon-go/v2/internal/audit"
	"github.com/schultz-is/rcon-go/v2/internal/config"
	"github.com/schultz-is/rcon-go/v2/internal/gateway"
	"github.com/schultz-is/rcon-go/v2/internal/logging"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "rcongw: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logging.ConfigureRuntime("rcongw")

	path := config.Path()
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	logger := logging.ApplyLevel(cfg.LogLevel)
	gin.SetMode(gin.ReleaseMode)

	var store *audit.Store
	if cfg.AuditDB != "" {
		store, err = audit.Open(cfg.AuditDB)
		if err != nil {
			return fmt.Errorf("open audit db %s: %w", cfg.AuditDB, err)
		}
		defer store.Close()
	}

	prom := prometheus.NewRegistry()
	prom.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	registry := gateway.NewRegistry(cfg.Servers, rcon.NewMetrics(prom), logger)
	defer func() {
		if err := registry.Close(); err != nil {
			logger.Warn().Err(err).Msg("closing sessions")
		}
	}()

	srv := gateway.New(gateway.Options{
		Config:     cfg,
		Registry:   registry,
		Audit:      store,
		Prometheus: prom,
		Logger:     logger,
	})

	logger.Info().
		Str("config", path).
		Int("servers", len(cfg.Servers)).
		Bool("audit", store != nil).
		Bool("token", cfg.TokenHash != "").
		Msg("rcongw starting")
	return srv.Run(ctx, cfg.Listen)
}
