// Copyright 2024 Matt Schultz <schultz@sent.com>. All rights reserved.
// Use of this source code is governed by an ISC license that can be found in the LICENSE file.

// Package gateway serves an HTTP API that runs RCON commands on configured servers.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/schultz-is/rcon-go/v2"
	"github.com/schultz-is/rcon-go/v2/internal/audit"
	"github.com/schultz-is/rcon-go/v2/internal/config"
)

const shutdownTimeout = 10 * time.Second

// Options configures a [Server].
type Options struct {
	Config   config.Config
	Registry *Registry

	// Audit records every executed command. A nil store disables recording and the /audit route.
	Audit *audit.Store

	// Prometheus receives the gateway's HTTP metrics and is served on /metrics. A nil registry
	// creates a private one.
	Prometheus *prometheus.Registry

	Logger zerolog.Logger
}

// Server is the gateway's HTTP API.
type Server struct {
	config   config.Config
	registry *Registry
	audit    *audit.Store
	logger   zerolog.Logger
	router   *gin.Engine
	started  time.Time
}

type execRequest struct {
	Command string `json:"command"`
}

type execResponse struct {
	Server  string `json:"server"`
	Command string `json:"command"`
	Output  string `json:"output"`
}

// New builds a Server with its middleware and routes registered.
func New(opts Options) *Server {
	prom := opts.Prometheus
	if prom == nil {
		prom = prometheus.NewRegistry()
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestLogger(opts.Logger))
	r.Use(newHTTPMetrics(prom).middleware())
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(opts.Config.CorsOrigins),
		AllowMethods: []string{"GET", "POST"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{
		config:   opts.Config,
		registry: opts.Registry,
		audit:    opts.Audit,
		logger:   opts.Logger,
		router:   r,
		started:  time.Now(),
	}
	s.registerRoutes(prom)
	return s
}

func (s *Server) registerRoutes(gatherer prometheus.Gatherer) {
	s.router.GET("/health", func(c *gin.Context) {
		status, code := "ok", http.StatusOK
		if s.audit != nil {
			if err := s.audit.Ping(c.Request.Context()); err != nil {
				s.logger.Error().Err(err).Msg("audit db unreachable")
				status, code = "degraded", http.StatusServiceUnavailable
			}
		}
		c.JSON(code, gin.H{
			"status":  status,
			"uptime":  time.Since(s.started).String(),
			"servers": len(s.registry.Servers()),
			"audit":   s.audit != nil,
		})
	})

	s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	api := s.router.Group("/", requireToken(s.config.TokenHash))
	api.GET("/servers", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"servers": s.registry.Servers()})
	})
	api.POST("/servers/:name/exec", s.handleExec)
	if s.audit != nil {
		api.GET("/audit", s.handleAudit)
	}
}

// Handler returns the router serving the API.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleExec(c *gin.Context) {
	name := c.Param("name")

	var req execRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	command := strings.TrimSpace(req.Command)
	if command == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "command is required"})
		return
	}
	if len(command) > rcon.MaximumBodySize {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("command exceeds %d bytes", rcon.MaximumBodySize),
		})
		return
	}

	start := time.Now()
	out, err := s.registry.Execute(c.Request.Context(), name, command)
	if errors.Is(err, ErrUnknownServer) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	s.record(c, name, command, err, time.Since(start))

	if err != nil {
		s.logger.Warn().
			Str("server", name).
			Str("command", command).
			Err(err).
			Msg("command failed")
		c.JSON(StatusFor(err), gin.H{"error": err.Error(), "kind": rcon.ResultLabel(err)})
		return
	}

	s.logger.Info().
		Str("server", name).
		Str("command", command).
		Msg("command executed")
	c.JSON(http.StatusOK, execResponse{Server: name, Command: command, Output: out})
}

func (s *Server) handleAudit(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		limit = n
	}

	entries, err := s.audit.Recent(c.Request.Context(), c.Query("server"), limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("audit query failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "audit query failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

func (s *Server) record(c *gin.Context, server, command string, err error, d time.Duration) {
	if s.audit == nil {
		return
	}
	e := audit.Entry{
		Server:   server,
		Caller:   c.GetString(callerKey),
		Command:  command,
		Result:   rcon.ResultLabel(err),
		Duration: d,
	}
	if err != nil {
		e.Error = err.Error()
	}
	// The entry is kept even when the client has gone away.
	if _, rerr := s.audit.Record(context.WithoutCancel(c.Request.Context()), e); rerr != nil {
		s.logger.Error().Err(rerr).Str("server", server).Msg("audit record failed")
	}
}

// StatusFor maps an execution error to the HTTP status reported for it.
func StatusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrUnknownServer):
		return http.StatusNotFound
	case errors.Is(err, rcon.ErrAuth):
		return http.StatusBadGateway
	case errors.Is(err, rcon.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, rcon.ErrProtocol):
		return http.StatusBadGateway
	case errors.Is(err, rcon.ErrConnection):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Serve serves the API on l until ctx ends, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(l) }()
	s.logger.Info().Str("addr", l.Addr().String()).Msg("gateway listening")

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	if serr := <-errc; !errors.Is(serr, http.ErrServerClosed) && err == nil {
		err = serr
	}
	s.logger.Info().Msg("gateway stopped")
	return err
}

// Run listens on addr and serves until ctx ends.
func (s *Server) Run(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, l)
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
