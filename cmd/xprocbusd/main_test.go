package main

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/danmuck/xprocbus/internal/config"
	"github.com/danmuck/xprocbus/internal/registry"
	"github.com/danmuck/xprocbus/internal/testutil/testlog"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestConfigInitThenValidate(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "hub.toml")

	if _, err := run(t, "config", "init", "--kind", "hub", path); err != nil {
		t.Fatalf("init: %v", err)
	}
	if _, err := run(t, "config", "init", "--kind", "hub", path); err == nil {
		t.Fatal("expected init to refuse an existing file")
	}
	out, err := run(t, "config", "validate", path)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	for _, want := range []string{"process_id: main", "role: hub", "listen_addr: 127.0.0.1:7400"} {
		if !strings.Contains(out, want) {
			t.Fatalf("validate output missing %q:\n%s", want, out)
		}
	}
}

func TestConfigValidateRejectsBadTransport(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "leaf.toml")
	body := "process_id = \"worker\"\nhub_addr = \"127.0.0.1:7400\"\ntransport = \"udp\"\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := run(t, "config", "validate", path); !errors.Is(err, config.ErrUnknownTransport) {
		t.Fatalf("expected ErrUnknownTransport, got %v", err)
	}
}

func TestResolveConfigFlagsOverrideFile(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "leaf.toml")
	if err := config.WriteTemplate(path, "leaf", false); err != nil {
		t.Fatalf("template: %v", err)
	}

	cmd := newProcessCmd(registry.RoleLeaf)
	if err := cmd.ParseFlags([]string{"--config", path, "--id", "indexer", "--addr", "10.0.0.1:9000", "--require", "main,search"}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	f := processFlags{configPath: path, id: "indexer", addr: "10.0.0.1:9000", require: []string{"main", "search"}}
	cfg, err := resolveConfig(registry.RoleLeaf, f, cmd)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if cfg.ProcessID != "indexer" || cfg.HubAddr != "10.0.0.1:9000" {
		t.Fatalf("flags not applied: %+v", cfg)
	}
	if len(cfg.Require) != 2 || cfg.Require[1] != "search" {
		t.Fatalf("unexpected require %v", cfg.Require)
	}
	if cfg.Session.RequestTimeout.String() != "30s" {
		t.Fatalf("file value lost: %s", cfg.Session.RequestTimeout)
	}
}

func TestResolveConfigDefaultsWithoutFile(t *testing.T) {
	testlog.Start(t)
	cmd := newProcessCmd(registry.RoleHub)
	cfg, err := resolveConfig(registry.RoleHub, processFlags{}, cmd)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if cfg.ProcessID != "main" || cfg.ListenAddr != config.DefaultHubListenAddr {
		t.Fatalf("unexpected hub defaults %+v", cfg)
	}

	leaf := newProcessCmd(registry.RoleLeaf)
	if _, err := resolveConfig(registry.RoleLeaf, processFlags{}, leaf); !errors.Is(err, config.ErrProcessIDRequired) {
		t.Fatalf("expected ErrProcessIDRequired for a bare leaf, got %v", err)
	}
}
