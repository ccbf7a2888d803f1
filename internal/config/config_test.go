package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/xprocbus/internal/registry"
	"github.com/danmuck/xprocbus/internal/testutil/testlog"
	"github.com/rs/zerolog"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadLeafOverridesDefaults(t *testing.T) {
	testlog.Start(t)
	path := writeConfig(t, `
process_id = "renderer:window-1"
role = "leaf"
hub_addr = "127.0.0.1:9400"
transport = "grpc"
request_timeout = "2s"
max_connect_attempts = 4
require = ["main", " worker ", "main", ""]
log_level = "debug"
`)
	cfg, err := Load(path, registry.RoleHub)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Role != registry.RoleLeaf || cfg.ProcessID != "renderer:window-1" {
		t.Fatalf("unexpected identity %+v", cfg)
	}
	if cfg.Transport != TransportGRPC || cfg.HubAddr != "127.0.0.1:9400" {
		t.Fatalf("unexpected transport %q addr %q", cfg.Transport, cfg.HubAddr)
	}
	if cfg.Session.RequestTimeout != 2*time.Second {
		t.Fatalf("unexpected request timeout %v", cfg.Session.RequestTimeout)
	}
	if cfg.Session.HandshakeTimeout != 10*time.Second {
		t.Fatalf("expected default handshake timeout, got %v", cfg.Session.HandshakeTimeout)
	}
	if cfg.MaxConnectAttempts != 4 {
		t.Fatalf("unexpected attempts %d", cfg.MaxConnectAttempts)
	}
	if len(cfg.Require) != 2 || cfg.Require[0] != "main" || cfg.Require[1] != "worker" {
		t.Fatalf("unexpected require %v", cfg.Require)
	}
	if !cfg.LogLevelSet || cfg.LogLevel != zerolog.DebugLevel {
		t.Fatalf("unexpected log level %v set=%v", cfg.LogLevel, cfg.LogLevelSet)
	}
}

func TestLoadHubDefaults(t *testing.T) {
	testlog.Start(t)
	cfg, err := Load(writeConfig(t, `heartbeat_interval = "1s"`), registry.RoleHub)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ProcessID != "main" || cfg.ListenAddr != DefaultHubListenAddr {
		t.Fatalf("unexpected hub defaults %+v", cfg)
	}
	if cfg.HeartbeatInterval != time.Second {
		t.Fatalf("unexpected heartbeat %v", cfg.HeartbeatInterval)
	}
	if cfg.Transport != TransportTCP {
		t.Fatalf("unexpected transport %q", cfg.Transport)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	testlog.Start(t)
	cases := map[string]string{
		"bad duration":  `request_timeout = "soon"`,
		"bad transport": `transport = "carrier-pigeon"`,
		"bad role":      `role = "router"`,
		"private id":    `process_id = "_main"`,
		"bad level":     `log_level = "loud"`,
	}
	for name, body := range cases {
		if _, err := Load(writeConfig(t, body), registry.RoleHub); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
	_, err := Load(writeConfig(t, `role = "leaf"`), registry.RoleHub)
	if !errors.Is(err, ErrProcessIDRequired) {
		t.Fatalf("expected ErrProcessIDRequired, got %v", err)
	}
}

func TestTemplatesLoad(t *testing.T) {
	testlog.Start(t)
	for _, kind := range []string{"hub", "leaf"} {
		path := filepath.Join(t.TempDir(), kind+".toml")
		if err := WriteTemplate(path, kind, false); err != nil {
			t.Fatalf("write %s template: %v", kind, err)
		}
		if err := WriteTemplate(path, kind, false); err == nil {
			t.Fatalf("expected refusal to overwrite %s", kind)
		}
		if _, err := Load(path, registry.RoleLeaf); err != nil {
			t.Fatalf("load %s template: %v", kind, err)
		}
	}
	if _, err := Template("ghost"); err == nil {
		t.Fatalf("expected unknown kind error")
	}
}

func TestLoadTLSAndMetrics(t *testing.T) {
	testlog.Start(t)
	path := writeConfig(t, `
process_id = "main"
role = "hub"
metrics_addr = "127.0.0.1:9400"

[tls]
enabled = true
mutual = true
cert_file = " /etc/xprocbus/hub.crt "
key_file = "/etc/xprocbus/hub.key"
ca_file = "/etc/xprocbus/ca.crt"
`)
	cfg, err := Load(path, registry.RoleLeaf)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	tc := cfg.Session.TLS
	if !tc.Enabled || !tc.Mutual || tc.CertFile != "/etc/xprocbus/hub.crt" || tc.CAFile != "/etc/xprocbus/ca.crt" {
		t.Fatalf("unexpected tls config %+v", tc)
	}
	if cfg.MetricsAddr != "127.0.0.1:9400" {
		t.Fatalf("unexpected metrics addr %q", cfg.MetricsAddr)
	}

	_, err = Load(writeConfig(t, "role = \"hub\"\n[tls]\nenabled = true\n"), registry.RoleHub)
	if !errors.Is(err, ErrTLSKeyPairRequired) {
		t.Fatalf("expected ErrTLSKeyPairRequired, got %v", err)
	}
	_, err = Load(writeConfig(t, `
process_id = "worker"
[tls]
enabled = true
mutual = true
cert_file = "worker.crt"
key_file = "worker.key"
`), registry.RoleLeaf)
	if !errors.Is(err, ErrTLSCARequired) {
		t.Fatalf("expected ErrTLSCARequired, got %v", err)
	}
}

func TestLoadIgnoresUnknownKeys(t *testing.T) {
	testlog.Start(t)
	cfg, err := Load(writeConfig(t, `
process_id = "worker"
colour = "blue"

[extras]
depth = 3
`), registry.RoleLeaf)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ProcessID != "worker" || cfg.Role != registry.RoleLeaf {
		t.Fatalf("unexpected config %+v", cfg)
	}
}
