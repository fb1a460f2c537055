// Copyright 2024 Matt Schultz <schultz@sent.com>. All rights reserved.
// Use of this source code is governed by an ISC license that can be found in the LICENSE file.

// Package config loads the rcon gateway configuration from TOML.
package config

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/schultz-is/rcon-go/v2"
	"github.com/schultz-is/rcon-go/v2/internal/logging"
)

const (
	EnvConfigPath     = "RCON_GATEWAY_CONFIG"
	DefaultConfigPath = "rcongw.toml"
	DefaultListen     = ":8080"
	DefaultAuditDB    = "rcongw.db"
	DefaultRCONPort   = 25575
)

// Config is the gateway configuration.
type Config struct {
	Listen      string
	CorsOrigins []string
	// TokenHash is a bcrypt hash of the bearer token clients must present. Empty disables the check.
	TokenHash string
	AuditDB   string
	Timeout   time.Duration
	LogLevel  string
	Servers   []ServerConfig
}

// ServerConfig describes one RCON server behind the gateway.
type ServerConfig struct {
	Name            string
	Host            string
	Port            int
	Password        string
	Timeout         time.Duration
	ProbeMarker     string
	MaxResponseSize int
}

type fileConfig struct {
	Listen      string       `toml:"listen"`
	CorsOrigins []string     `toml:"cors_origins"`
	TokenHash   string       `toml:"token_hash"`
	AuditDB     string       `toml:"audit_db"`
	Timeout     string       `toml:"timeout"`
	LogLevel    string       `toml:"log_level"`
	Servers     []fileServer `toml:"servers"`
}

type fileServer struct {
	Name            string `toml:"name"`
	Host            string `toml:"host"`
	Port            int    `toml:"port"`
	Password        string `toml:"password"`
	PasswordEnv     string `toml:"password_env"`
	Timeout         string `toml:"timeout"`
	ProbeMarker     string `toml:"probe_marker"`
	MaxResponseSize int    `toml:"max_response_size"`
}

// DefaultConfig returns the configuration used for keys the file leaves out.
func DefaultConfig() Config {
	return Config{
		Listen:   DefaultListen,
		AuditDB:  DefaultAuditDB,
		Timeout:  rcon.DefaultTimeout,
		LogLevel: "info",
	}
}

// Path returns the configuration path from the environment, falling back to DefaultConfigPath.
func Path() string {
	if p := strings.TrimSpace(os.Getenv(EnvConfigPath)); p != "" {
		return p
	}
	return DefaultConfigPath
}

// Load reads and validates the configuration file at path.
func Load(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	defer f.Close()

	cfg, err := Decode(f)
	if err != nil {
		return Config{}, fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return cfg, nil
}

// Decode reads a configuration document from r, applies it over DefaultConfig, and validates the
// result.
func Decode(r io.Reader) (Config, error) {
	cfg := DefaultConfig()

	var raw fileConfig
	meta, err := toml.NewDecoder(r).Decode(&raw)
	if err != nil {
		return Config{}, fmt.Errorf("decode toml: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("listen") {
		cfg.Listen = strings.TrimSpace(raw.Listen)
	}
	if meta.IsDefined("cors_origins") {
		cfg.CorsOrigins = normalizeList(raw.CorsOrigins)
	}
	if meta.IsDefined("token_hash") {
		cfg.TokenHash = strings.TrimSpace(raw.TokenHash)
	}
	if meta.IsDefined("audit_db") {
		cfg.AuditDB = strings.TrimSpace(raw.AuditDB)
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	if meta.IsDefined("timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.Timeout))
		if err != nil {
			return Config{}, fmt.Errorf("parse timeout: %w", err)
		}
		cfg.Timeout = d
	}

	for i, s := range raw.Servers {
		server, err := s.resolve(cfg.Timeout)
		if err != nil {
			return Config{}, fmt.Errorf("servers[%d]: %w", i, err)
		}
		cfg.Servers = append(cfg.Servers, server)
	}

	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (s fileServer) resolve(defaultTimeout time.Duration) (ServerConfig, error) {
	out := ServerConfig{
		Name:            strings.TrimSpace(s.Name),
		Host:            strings.TrimSpace(s.Host),
		Port:            s.Port,
		Password:        s.Password,
		Timeout:         defaultTimeout,
		ProbeMarker:     s.ProbeMarker,
		MaxResponseSize: s.MaxResponseSize,
	}
	if out.Port == 0 {
		out.Port = DefaultRCONPort
	}
	if env := strings.TrimSpace(s.PasswordEnv); env != "" {
		v, ok := os.LookupEnv(env)
		if !ok {
			return ServerConfig{}, fmt.Errorf("password_env %s is not set", env)
		}
		out.Password = v
	}
	if t := strings.TrimSpace(s.Timeout); t != "" {
		d, err := time.ParseDuration(t)
		if err != nil {
			return ServerConfig{}, fmt.Errorf("parse timeout: %w", err)
		}
		out.Timeout = d
	}
	return out, nil
}

// Validate checks cfg and every server in it.
func Validate(cfg Config) error {
	if cfg.Listen == "" {
		return fmt.Errorf("config missing listen")
	}
	if cfg.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if _, ok := logging.ParseLevel(cfg.LogLevel); cfg.LogLevel != "" && !ok {
		return fmt.Errorf("unknown log_level %q", cfg.LogLevel)
	}
	for _, o := range cfg.CorsOrigins {
		if o != "*" && !strings.HasPrefix(o, "http://") && !strings.HasPrefix(o, "https://") {
			return fmt.Errorf("cors origin %q must be \"*\" or start with http:// or https://", o)
		}
	}
	seen := make(map[string]bool, len(cfg.Servers))
	for i, s := range cfg.Servers {
		if err := ValidateServer(s); err != nil {
			return fmt.Errorf("servers[%d] invalid: %w", i, err)
		}
		if seen[s.Name] {
			return fmt.Errorf("servers[%d] invalid: duplicate name %q", i, s.Name)
		}
		seen[s.Name] = true
	}
	return nil
}

// ValidateServer checks a single server entry.
func ValidateServer(s ServerConfig) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if strings.ContainsAny(s.Name, "/ ") {
		return fmt.Errorf("name %q must not contain spaces or slashes", s.Name)
	}
	if s.Host == "" {
		return fmt.Errorf("host is required")
	}
	if s.Port <= 0 || s.Port > 65535 {
		return fmt.Errorf("port %d out of range", s.Port)
	}
	if s.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if len(s.ProbeMarker) > rcon.MaximumBodySize {
		return fmt.Errorf("probe_marker of %d bytes exceeds %d", len(s.ProbeMarker), rcon.MaximumBodySize)
	}
	if s.MaxResponseSize < 0 {
		return fmt.Errorf("max_response_size must not be negative")
	}
	return nil
}

// SessionConfig returns the session settings for the server.
func (s ServerConfig) SessionConfig() rcon.SessionConfig {
	return rcon.SessionConfig{
		Host:            s.Host,
		Port:            s.Port,
		Password:        s.Password,
		Timeout:         s.Timeout,
		ProbeMarker:     s.ProbeMarker,
		MaxResponseSize: s.MaxResponseSize,
	}
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
