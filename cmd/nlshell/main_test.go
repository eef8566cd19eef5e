package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nlshell/nlshell/pkg/config"
)

func TestNewRelayClientAppliesConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	doc := `
actionLog:
  path: ` + filepath.Join(dir, "actions.json") + `
relay:
  serverURL: http://relay.test:8002
  timeout: 5s
  maxRetries: 7
  cooldown: 20ms
  denylist: ["shutdown"]
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := config.LoadConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	client := newRelayClient(cfg)
	if client.ServerURL != "http://relay.test:8002" {
		t.Fatalf("server URL not applied: %q", client.ServerURL)
	}
	if client.Timeout != 5*time.Second {
		t.Fatalf("timeout not applied: %v", client.Timeout)
	}
	if client.MaxRetries != 7 {
		t.Fatalf("maxRetries not applied: %d", client.MaxRetries)
	}
	if client.Cooldown != 20*time.Millisecond {
		t.Fatalf("cooldown not applied: %v", client.Cooldown)
	}
	if len(client.Denylist) != 1 || client.Denylist[0] != "shutdown" {
		t.Fatalf("denylist not applied: %v", client.Denylist)
	}
}

func TestNewRelayClientDefaults(t *testing.T) {
	cfg, err := config.LoadConfig("")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	cfg.ActionLog.Path = filepath.Join(t.TempDir(), "actions.json")

	client := newRelayClient(cfg)
	if client.Timeout != 30*time.Second {
		t.Fatalf("expected default timeout, got %v", client.Timeout)
	}
	if client.Cooldown != 100*time.Millisecond {
		t.Fatalf("expected default cooldown, got %v", client.Cooldown)
	}
	if len(client.Denylist) == 0 {
		t.Fatalf("expected default denylist")
	}
}
