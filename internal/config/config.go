// Package config loads per-process TOML configuration. Keys that are absent
// keep their defaults; only keys present in the file override them.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/xprocbus/internal/logging"
	"github.com/danmuck/xprocbus/internal/protocol/session"
	"github.com/danmuck/xprocbus/internal/registry"
	"github.com/rs/zerolog"
)

type Transport string

const (
	TransportTCP  Transport = "tcp"
	TransportGRPC Transport = "grpc"
)

const (
	DefaultHubListenAddr     = "127.0.0.1:7400"
	DefaultHeartbeatInterval = 15 * time.Second
)

var (
	ErrProcessIDRequired  = errors.New("config: process_id is required")
	ErrListenAddrRequired = errors.New("config: hub requires listen_addr")
	ErrHubAddrRequired    = errors.New("config: leaf requires hub_addr")
	ErrUnknownTransport   = errors.New("config: unknown transport")
	ErrTLSKeyPairRequired = errors.New("config: tls requires cert_file and key_file")
	ErrTLSCARequired      = errors.New("config: mutual tls requires ca_file")
)

// ProcessConfig is everything one xprocbusd process needs to start.
type ProcessConfig struct {
	ProcessID  string
	Role       registry.Role
	ListenAddr string
	HubAddr    string
	Transport  Transport
	Session    session.Config
	// MaxConnectAttempts bounds leaf dial attempts; zero retries forever.
	MaxConnectAttempts int
	// Require lists processes a leaf waits for before serving.
	Require           []string
	HeartbeatInterval time.Duration
	// MetricsAddr serves Prometheus metrics when set.
	MetricsAddr string
	LogLevel    zerolog.Level
	LogLevelSet bool
}

type fileConfig struct {
	ProcessID          string   `toml:"process_id"`
	Role               string   `toml:"role"`
	ListenAddr         string   `toml:"listen_addr"`
	HubAddr            string   `toml:"hub_addr"`
	Transport          string   `toml:"transport"`
	RequestTimeout     string   `toml:"request_timeout"`
	HandshakeTimeout   string   `toml:"handshake_timeout"`
	ConnectTimeout     string   `toml:"connect_timeout"`
	MaxConnectAttempts int      `toml:"max_connect_attempts"`
	Require            []string `toml:"require"`
	HeartbeatInterval  string   `toml:"heartbeat_interval"`
	MetricsAddr        string   `toml:"metrics_addr"`
	LogLevel           string   `toml:"log_level"`
	TLS                fileTLS  `toml:"tls"`
}

type fileTLS struct {
	Enabled            bool   `toml:"enabled"`
	Mutual             bool   `toml:"mutual"`
	CertFile           string `toml:"cert_file"`
	KeyFile            string `toml:"key_file"`
	CAFile             string `toml:"ca_file"`
	ServerName         string `toml:"server_name"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
}

// Default returns the configuration for role before any file is applied.
func Default(role registry.Role) ProcessConfig {
	cfg := ProcessConfig{
		Role:              role,
		Transport:         TransportTCP,
		Session:           session.DefaultConfig(),
		Require:           []string{},
		HeartbeatInterval: DefaultHeartbeatInterval,
	}
	switch role {
	case registry.RoleHub:
		cfg.ProcessID = "main"
		cfg.ListenAddr = DefaultHubListenAddr
	default:
		cfg.HubAddr = DefaultHubListenAddr
	}
	return cfg
}

// Load reads path on top of the defaults for the role named in the file,
// falling back to fallbackRole when the file does not name one.
func Load(path string, fallbackRole registry.Role) (ProcessConfig, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return ProcessConfig{}, fmt.Errorf("load process config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		lg := logging.Component("config")
		lg.Warn().
			Str("path", path).
			Interface("keys", undecoded).
			Msg("ignoring unknown config keys")
	}

	role := fallbackRole
	if meta.IsDefined("role") {
		role, err = registry.ParseRole(raw.Role)
		if err != nil {
			return ProcessConfig{}, err
		}
	}
	cfg := Default(role)

	if meta.IsDefined("process_id") {
		cfg.ProcessID = strings.TrimSpace(raw.ProcessID)
	}
	if meta.IsDefined("listen_addr") {
		cfg.ListenAddr = strings.TrimSpace(raw.ListenAddr)
	}
	if meta.IsDefined("hub_addr") {
		cfg.HubAddr = strings.TrimSpace(raw.HubAddr)
	}
	if meta.IsDefined("transport") {
		cfg.Transport = Transport(strings.ToLower(strings.TrimSpace(raw.Transport)))
	}
	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"request_timeout", raw.RequestTimeout, &cfg.Session.RequestTimeout},
		{"handshake_timeout", raw.HandshakeTimeout, &cfg.Session.HandshakeTimeout},
		{"connect_timeout", raw.ConnectTimeout, &cfg.Session.ConnectTimeout},
		{"heartbeat_interval", raw.HeartbeatInterval, &cfg.HeartbeatInterval},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return ProcessConfig{}, fmt.Errorf("parse %s: %w", d.key, err)
		}
		*d.dst = v
	}
	if meta.IsDefined("max_connect_attempts") {
		cfg.MaxConnectAttempts = raw.MaxConnectAttempts
	}
	if meta.IsDefined("metrics_addr") {
		cfg.MetricsAddr = strings.TrimSpace(raw.MetricsAddr)
	}
	if meta.IsDefined("require") {
		cfg.Require = normalizeIDs(raw.Require)
	}
	applyTLS(&cfg.Session.TLS, raw.TLS, meta)
	if meta.IsDefined("log_level") {
		lvl, ok := logging.ParseLevel(raw.LogLevel)
		if !ok {
			return ProcessConfig{}, fmt.Errorf("parse log_level: unknown level %q", raw.LogLevel)
		}
		cfg.LogLevel = lvl
		cfg.LogLevelSet = true
	}

	if err := cfg.Validate(); err != nil {
		return ProcessConfig{}, err
	}
	return cfg, nil
}

func applyTLS(dst *session.TLSConfig, raw fileTLS, meta toml.MetaData) {
	if meta.IsDefined("tls", "enabled") {
		dst.Enabled = raw.Enabled
	}
	if meta.IsDefined("tls", "mutual") {
		dst.Mutual = raw.Mutual
	}
	if meta.IsDefined("tls", "cert_file") {
		dst.CertFile = strings.TrimSpace(raw.CertFile)
	}
	if meta.IsDefined("tls", "key_file") {
		dst.KeyFile = strings.TrimSpace(raw.KeyFile)
	}
	if meta.IsDefined("tls", "ca_file") {
		dst.CAFile = strings.TrimSpace(raw.CAFile)
	}
	if meta.IsDefined("tls", "server_name") {
		dst.ServerName = strings.TrimSpace(raw.ServerName)
	}
	if meta.IsDefined("tls", "insecure_skip_verify") {
		dst.InsecureSkipVerify = raw.InsecureSkipVerify
	}
}

func (c ProcessConfig) Validate() error {
	if strings.TrimSpace(c.ProcessID) == "" {
		return ErrProcessIDRequired
	}
	if session.IsPrivate(c.ProcessID) {
		return fmt.Errorf("config: process_id %q must not start with %q", c.ProcessID, session.PrivatePrefix)
	}
	switch c.Transport {
	case TransportTCP, TransportGRPC:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownTransport, c.Transport)
	}
	if c.Role == registry.RoleHub && strings.TrimSpace(c.ListenAddr) == "" {
		return ErrListenAddrRequired
	}
	if c.Role == registry.RoleLeaf && strings.TrimSpace(c.HubAddr) == "" {
		return ErrHubAddrRequired
	}
	if tc := c.Session.TLS; tc.Enabled {
		needPair := c.Role == registry.RoleHub || tc.Mutual
		if needPair && (tc.CertFile == "" || tc.KeyFile == "") {
			return ErrTLSKeyPairRequired
		}
		if tc.Mutual && tc.CAFile == "" {
			return ErrTLSCARequired
		}
	}
	if c.MaxConnectAttempts < 0 {
		return fmt.Errorf("config: max_connect_attempts must be >= 0")
	}
	return nil
}

func normalizeIDs(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, id := range in {
		v := strings.TrimSpace(id)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
