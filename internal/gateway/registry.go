// Copyright 2024 Matt Schultz <schultz@sent.com>. All rights reserved.
// Use of this source code is governed by an ISC license that can be found in the LICENSE file.

package gateway

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/schultz-is/rcon-go/v2"
	"github.com/schultz-is/rcon-go/v2/internal/config"
)

// ErrUnknownServer is returned for a server name that is not configured.
var ErrUnknownServer = errors.New("unknown server")

// Registry holds one session per configured server. Sessions are dialed on first use and replaced
// on the next use after they close.
type Registry struct {
	entries map[string]*entry
	names   []string
}

type entry struct {
	mu      sync.Mutex
	config  rcon.SessionConfig
	session *rcon.Session
}

// ServerInfo describes a configured server and the state of its current session.
type ServerInfo struct {
	Name  string `json:"name"`
	Addr  string `json:"addr"`
	State string `json:"state"`
}

// NewRegistry builds a registry for servers. Every session it creates reports to metrics and logs
// through logger with a server field.
func NewRegistry(servers []config.ServerConfig, metrics *rcon.Metrics, logger zerolog.Logger) *Registry {
	r := &Registry{
		entries: make(map[string]*entry, len(servers)),
		names:   make([]string, 0, len(servers)),
	}
	for _, s := range servers {
		sc := s.SessionConfig()
		sc.Metrics = metrics
		l := logger.With().Str("server", s.Name).Logger()
		sc.Logger = &l
		r.entries[s.Name] = &entry{config: sc}
		r.names = append(r.names, s.Name)
	}
	sort.Strings(r.names)
	return r
}

// Servers lists the configured servers sorted by name.
func (r *Registry) Servers() []ServerInfo {
	out := make([]ServerInfo, 0, len(r.names))
	for _, name := range r.names {
		e := r.entries[name]
		e.mu.Lock()
		state := rcon.StateDisconnected
		if e.session != nil {
			state = e.session.State()
		}
		e.mu.Unlock()
		out = append(out, ServerInfo{Name: name, Addr: e.config.Addr(), State: state.String()})
	}
	return out
}

// Session returns a ready session for name, dialing a new one when there is none or the last one
// closed.
func (r *Registry) Session(ctx context.Context, name string) (*rcon.Session, error) {
	e, ok := r.entries[name]
	if !ok {
		return nil, ErrUnknownServer
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session != nil && e.session.State() != rcon.StateClosed {
		return e.session, nil
	}
	s, err := rcon.Dial(ctx, e.config)
	if err != nil {
		return nil, err
	}
	e.session = s
	return s, nil
}

// Execute runs command on the named server.
func (r *Registry) Execute(ctx context.Context, name, command string) (string, error) {
	s, err := r.Session(ctx, name)
	if err != nil {
		return "", err
	}
	return s.Execute(ctx, command)
}

// Close closes every open session.
func (r *Registry) Close() error {
	var errs []error
	for _, name := range r.names {
		e := r.entries[name]
		e.mu.Lock()
		if e.session != nil {
			errs = append(errs, e.session.Close())
			e.session = nil
		}
		e.mu.Unlock()
	}
	return errors.Join(errs...)
}
