// Copyright 2024 Matt Schultz <schultz@sent.com>. All rights reserved.
// Use of this source code is governed by an ISC license that can be found in the LICENSE file.

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/schultz-is/rcon-go/v2"
	"github.com/schultz-is/rcon-go/v2/internal/audit"
	"github.com/schultz-is/rcon-go/v2/internal/config"
	"github.com/schultz-is/rcon-go/v2/internal/testutil/mockserver"
)

const testPassword = "swordfish"

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

type harness struct {
	t      *testing.T
	server *Server
	audit  *audit.Store
}

func serverConfig(name string, srv *mockserver.Server, password string) config.ServerConfig {
	return config.ServerConfig{
		Name:     name,
		Host:     srv.Host(),
		Port:     srv.Port(),
		Password: password,
		Timeout:  2 * time.Second,
	}
}

func newHarness(t *testing.T, cfg config.Config) *harness {
	t.Helper()

	store, err := audit.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	prom := prometheus.NewRegistry()
	registry := NewRegistry(cfg.Servers, rcon.NewMetrics(prom), zerolog.Nop())
	t.Cleanup(func() { registry.Close() })

	return &harness{
		t: t,
		server: New(Options{
			Config:     cfg,
			Registry:   registry,
			Audit:      store,
			Prometheus: prom,
			Logger:     zerolog.Nop(),
		}),
		audit: store,
	}
}

func (h *harness) do(method, path, body string, header http.Header) *httptest.ResponseRecorder {
	h.t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	return rec
}

func (h *harness) exec(server, command string) *httptest.ResponseRecorder {
	h.t.Helper()
	body, _ := json.Marshal(execRequest{Command: command})
	return h.do(http.MethodPost, "/servers/"+server+"/exec", string(body), nil)
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("Decoding response %q failed: %s", rec.Body.String(), err)
	}
	return v
}

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func TestHealth(t *testing.T) {
	srv := mockserver.Start(t, mockserver.Console(testPassword, nil))
	h := newHarness(t, config.Config{Servers: []config.ServerConfig{serverConfig("survival", srv, testPassword)}})

	rec := h.do(http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /health = %d, want 200", rec.Code)
	}
	body := decode[struct {
		Status  string `json:"status"`
		Servers int    `json:"servers"`
	}](t, rec)
	if body.Status != "ok" || body.Servers != 1 {
		t.Fatalf("GET /health body = %+v", body)
	}
}

func TestHealthAuditUnavailable(t *testing.T) {
	h := newHarness(t, config.Config{})
	if err := h.audit.Close(); err != nil {
		t.Fatal(err)
	}

	rec := h.do(http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("GET /health with closed audit db = %d, want 503", rec.Code)
	}
	if body := decode[struct {
		Status string `json:"status"`
	}](t, rec); body.Status != "degraded" {
		t.Fatalf("GET /health status = %q, want \"degraded\"", body.Status)
	}
}

func TestExec(t *testing.T) {
	srv := mockserver.Start(t, mockserver.Console(testPassword, map[string][]string{
		"list": {"There are 2 of a max of 20 players online: alex, steve"},
	}))
	h := newHarness(t, config.Config{Servers: []config.ServerConfig{serverConfig("survival", srv, testPassword)}})

	servers := decode[struct {
		Servers []ServerInfo `json:"servers"`
	}](t, h.do(http.MethodGet, "/servers", "", nil))
	if len(servers.Servers) != 1 || servers.Servers[0].State != rcon.StateDisconnected.String() {
		t.Fatalf("GET /servers before first command = %+v", servers)
	}

	rec := h.exec("survival", "  list ")
	if rec.Code != http.StatusOK {
		t.Fatalf("POST exec = %d %s, want 200", rec.Code, rec.Body)
	}
	got := decode[execResponse](t, rec)
	want := execResponse{Server: "survival", Command: "list", Output: "There are 2 of a max of 20 players online: alex, steve"}
	if got != want {
		t.Fatalf("POST exec = %+v, want %+v", got, want)
	}

	servers = decode[struct {
		Servers []ServerInfo `json:"servers"`
	}](t, h.do(http.MethodGet, "/servers", "", nil))
	if s := servers.Servers[0]; s.State != rcon.StateReady.String() || s.Addr != srv.Addr() {
		t.Fatalf("GET /servers after command = %+v", s)
	}

	entries, err := h.audit.Recent(context.Background(), "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("Audit has %d entries, want 1", len(entries))
	}
	if e := entries[0]; e.Server != "survival" || e.Command != "list" || e.Result != "ok" || e.Caller != "192.0.2.1" {
		t.Fatalf("Audit entry = %+v", e)
	}
}

func TestExecReusesSession(t *testing.T) {
	var accepted atomic.Int32
	console := mockserver.Console(testPassword, map[string][]string{"list": {"nobody"}})
	srv := mockserver.Start(t, func(c *mockserver.Conn) {
		accepted.Add(1)
		console(c)
	})
	h := newHarness(t, config.Config{Servers: []config.ServerConfig{serverConfig("survival", srv, testPassword)}})

	for i := 0; i < 3; i++ {
		if rec := h.exec("survival", "list"); rec.Code != http.StatusOK {
			t.Fatalf("POST exec #%d = %d %s", i, rec.Code, rec.Body)
		}
	}
	if n := accepted.Load(); n != 1 {
		t.Fatalf("Server accepted %d connections, want 1", n)
	}
}

func TestExecBadRequests(t *testing.T) {
	srv := mockserver.Start(t, mockserver.Console(testPassword, nil))
	h := newHarness(t, config.Config{Servers: []config.ServerConfig{serverConfig("survival", srv, testPassword)}})

	cases := []struct {
		name string
		path string
		body string
		want int
	}{
		{"unknown server", "/servers/creative/exec", `{"command":"list"}`, http.StatusNotFound},
		{"empty command", "/servers/survival/exec", `{"command":"   "}`, http.StatusBadRequest},
		{"missing command", "/servers/survival/exec", `{}`, http.StatusBadRequest},
		{"malformed body", "/servers/survival/exec", `{"command":`, http.StatusBadRequest},
		{"command too long", "/servers/survival/exec", fmt.Sprintf(`{"command":%q}`, strings.Repeat("x", rcon.MaximumBodySize+1)), http.StatusBadRequest},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			rec := h.do(http.MethodPost, c.path, c.body, nil)
			if rec.Code != c.want {
				t.Fatalf("POST %s = %d %s, want %d", c.path, rec.Code, rec.Body, c.want)
			}
		})
	}

	entries, err := h.audit.Recent(context.Background(), "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("Rejected requests were audited: %+v", entries)
	}
}

func TestExecAuthRejected(t *testing.T) {
	srv := mockserver.Start(t, mockserver.Console(testPassword, nil))
	h := newHarness(t, config.Config{Servers: []config.ServerConfig{serverConfig("survival", srv, "wrong password")}})

	rec := h.exec("survival", "list")
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("POST exec with rejected password = %d %s, want 502", rec.Code, rec.Body)
	}
	if body := decode[errorBody](t, rec); body.Kind != "auth" {
		t.Fatalf("Error kind = %q, want \"auth\"", body.Kind)
	}

	entries, err := h.audit.Recent(context.Background(), "survival", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Result != "auth" || entries[0].Error == "" {
		t.Fatalf("Audit entries = %+v", entries)
	}
}

func TestExecConnectionRefused(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := l.Addr().(*net.TCPAddr)
	l.Close()

	h := newHarness(t, config.Config{Servers: []config.ServerConfig{{
		Name:     "offline",
		Host:     addr.IP.String(),
		Port:     addr.Port,
		Password: testPassword,
		Timeout:  time.Second,
	}}})

	rec := h.exec("offline", "list")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("POST exec to closed port = %d %s, want 503", rec.Code, rec.Body)
	}
	if body := decode[errorBody](t, rec); body.Kind != "connection" {
		t.Fatalf("Error kind = %q, want \"connection\"", body.Kind)
	}
}

func TestExecTimeout(t *testing.T) {
	srv := mockserver.Start(t, func(c *mockserver.Conn) {
		if _, err := c.Authorize(testPassword); err != nil {
			return
		}
		// Never answer.
		for {
			if _, err := c.ReadPacket(); err != nil {
				return
			}
		}
	})
	sc := serverConfig("survival", srv, testPassword)
	sc.Timeout = 200 * time.Millisecond
	h := newHarness(t, config.Config{Servers: []config.ServerConfig{sc}})

	rec := h.exec("survival", "list")
	if rec.Code != http.StatusGatewayTimeout {
		t.Fatalf("POST exec to silent server = %d %s, want 504", rec.Code, rec.Body)
	}
	if body := decode[errorBody](t, rec); body.Kind != "timeout" {
		t.Fatalf("Error kind = %q, want \"timeout\"", body.Kind)
	}
}

func TestExecReconnectsAfterFailure(t *testing.T) {
	var accepted atomic.Int32
	console := mockserver.Console(testPassword, map[string][]string{"list": {"back online"}})
	srv := mockserver.Start(t, func(c *mockserver.Conn) {
		if accepted.Add(1) == 1 {
			// The first connection drops after reading a command.
			if _, err := c.Authorize(testPassword); err != nil {
				return
			}
			_, _, _ = c.ReadCommand()
			return
		}
		console(c)
	})
	h := newHarness(t, config.Config{Servers: []config.ServerConfig{serverConfig("survival", srv, testPassword)}})

	rec := h.exec("survival", "list")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("POST exec on dropped connection = %d %s, want 503", rec.Code, rec.Body)
	}
	if body := decode[errorBody](t, rec); body.Kind != "io" {
		t.Fatalf("Error kind = %q, want \"io\"", body.Kind)
	}

	rec = h.exec("survival", "list")
	if rec.Code != http.StatusOK {
		t.Fatalf("POST exec after reconnect = %d %s, want 200", rec.Code, rec.Body)
	}
	if got := decode[execResponse](t, rec).Output; got != "back online" {
		t.Fatalf("Output after reconnect = %q", got)
	}
	if n := accepted.Load(); n != 2 {
		t.Fatalf("Server accepted %d connections, want 2", n)
	}
}

func TestTokenRequired(t *testing.T) {
	const token = "let me in"
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}

	srv := mockserver.Start(t, mockserver.Console(testPassword, map[string][]string{"list": {"nobody"}}))
	h := newHarness(t, config.Config{
		TokenHash: string(hash),
		Servers:   []config.ServerConfig{serverConfig("survival", srv, testPassword)},
	})

	cases := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic " + token, http.StatusUnauthorized},
		{"wrong token", "Bearer let me out", http.StatusUnauthorized},
		{"empty token", "Bearer ", http.StatusUnauthorized},
		{"valid", "Bearer " + token, http.StatusOK},
		{"valid lowercase scheme", "bearer " + token, http.StatusOK},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			header := http.Header{}
			if c.header != "" {
				header.Set("Authorization", c.header)
			}
			rec := h.do(http.MethodPost, "/servers/survival/exec", `{"command":"list"}`, header)
			if rec.Code != c.want {
				t.Fatalf("POST exec with %q = %d %s, want %d", c.header, rec.Code, rec.Body, c.want)
			}
		})
	}

	// Health and metrics stay open.
	for _, path := range []string{"/health", "/metrics"} {
		if rec := h.do(http.MethodGet, path, "", nil); rec.Code != http.StatusOK {
			t.Fatalf("GET %s without token = %d, want 200", path, rec.Code)
		}
	}

	entries, err := h.audit.Recent(context.Background(), "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 || !strings.HasPrefix(entries[0].Caller, "token@") {
		t.Fatalf("Audit entries = %+v, want 2 authenticated callers", entries)
	}
}

func TestAuditRoute(t *testing.T) {
	srv := mockserver.Start(t, mockserver.Console(testPassword, map[string][]string{
		"list": {"nobody"},
		"help": {"/help"},
	}))
	h := newHarness(t, config.Config{Servers: []config.ServerConfig{serverConfig("survival", srv, testPassword)}})

	for _, cmd := range []string{"list", "help"} {
		if rec := h.exec("survival", cmd); rec.Code != http.StatusOK {
			t.Fatalf("POST exec %q = %d %s", cmd, rec.Code, rec.Body)
		}
	}

	rec := h.do(http.MethodGet, "/audit?limit=1", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /audit = %d %s", rec.Code, rec.Body)
	}
	body := decode[struct {
		Entries []audit.Entry `json:"entries"`
	}](t, rec)
	if len(body.Entries) != 1 || body.Entries[0].Command != "help" {
		t.Fatalf("GET /audit?limit=1 = %+v, want the newest entry", body.Entries)
	}

	body = decode[struct {
		Entries []audit.Entry `json:"entries"`
	}](t, h.do(http.MethodGet, "/audit?server=creative", "", nil))
	if len(body.Entries) != 0 {
		t.Fatalf("GET /audit?server=creative = %+v, want none", body.Entries)
	}

	for _, q := range []string{"limit=abc", "limit=-1"} {
		if rec := h.do(http.MethodGet, "/audit?"+q, "", nil); rec.Code != http.StatusBadRequest {
			t.Fatalf("GET /audit?%s = %d, want 400", q, rec.Code)
		}
	}
}

func TestAuditRouteDisabled(t *testing.T) {
	s := New(Options{Registry: NewRegistry(nil, nil, zerolog.Nop()), Logger: zerolog.Nop()})
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/audit", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("GET /audit without a store = %d, want 404", rec.Code)
	}
}

func TestMetricsRoute(t *testing.T) {
	srv := mockserver.Start(t, mockserver.Console(testPassword, map[string][]string{"list": {"nobody"}}))
	h := newHarness(t, config.Config{Servers: []config.ServerConfig{serverConfig("survival", srv, testPassword)}})

	if rec := h.exec("survival", "list"); rec.Code != http.StatusOK {
		t.Fatalf("POST exec = %d %s", rec.Code, rec.Body)
	}

	rec := h.do(http.MethodGet, "/metrics", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /metrics = %d", rec.Code)
	}
	for _, want := range []string{
		fmt.Sprintf(`rcon_session_executes_total{addr=%q,result="ok"} 1`, srv.Addr()),
		`rcon_gateway_requests_total{method="POST",path="/servers/:name/exec",status="200"} 1`,
	} {
		if !strings.Contains(rec.Body.String(), want) {
			t.Fatalf("GET /metrics is missing %q:\n%s", want, rec.Body)
		}
	}
}

func TestCORS(t *testing.T) {
	h := newHarness(t, config.Config{CorsOrigins: []string{"https://admin.example.com"}})

	header := http.Header{}
	header.Set("Origin", "https://admin.example.com")
	rec := h.do(http.MethodGet, "/health", "", header)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://admin.example.com" {
		t.Fatalf("Access-Control-Allow-Origin = %q, want the allowed origin", got)
	}

	header.Set("Origin", "https://evil.example.com")
	rec = h.do(http.MethodGet, "/health", "", header)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("GET /health from disallowed origin = %d, want 403", rec.Code)
	}
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{nil, http.StatusOK},
		{ErrUnknownServer, http.StatusNotFound},
		{&rcon.Error{Op: "auth", Kind: rcon.ErrAuth, Err: errors.New("rejected")}, http.StatusBadGateway},
		{&rcon.Error{Op: "execute", Kind: rcon.ErrTimeout, Err: context.DeadlineExceeded}, http.StatusGatewayTimeout},
		{&rcon.Error{Op: "read", Kind: rcon.ErrProtocol, Err: errors.New("bad size")}, http.StatusBadGateway},
		{&rcon.Error{Op: "read", Kind: rcon.ErrIO, Err: errors.New("reset")}, http.StatusServiceUnavailable},
		{&rcon.Error{Op: "dial", Kind: rcon.ErrConnection, Err: errors.New("refused")}, http.StatusServiceUnavailable},
		{errors.New("something else"), http.StatusInternalServerError},
	}
	for _, c := range cases {
		if got := StatusFor(c.err); got != c.want {
			t.Errorf("StatusFor(%v) = %d, want %d", c.err, got, c.want)
		}
	}
}

func TestServeShutdown(t *testing.T) {
	s := New(Options{Registry: NewRegistry(nil, nil, zerolog.Nop()), Logger: zerolog.Nop()})

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, l) }()

	resp, err := http.Get("http://" + l.Addr().String() + "/health")
	if err != nil {
		t.Fatalf("GET /health failed unexpectedly: %s", err)
	}
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /health = %d %s", resp.StatusCode, buf.String())
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve returned %v after shutdown, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after its context ended")
	}
}
