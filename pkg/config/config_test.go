package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/a-essam23/go-courier/pkg/config"
	"github.com/a-essam23/go-courier/pkg/logging"
	"github.com/a-essam23/go-courier/pkg/pipeline"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load(logging.Discard(), writeConfig(t, "log:\n  level: debug\n"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Address != ":8080" {
		t.Errorf("unexpected address %q", cfg.Server.Address)
	}
	if cfg.Reaper.Interval != 60*time.Second {
		t.Errorf("expected 60s reaper interval, got %s", cfg.Reaper.Interval)
	}
	if cfg.Transport.PingInterval != 25*time.Second {
		t.Errorf("unexpected ping interval %s", cfg.Transport.PingInterval)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("file value not applied, level=%q", cfg.Log.Level)
	}
	if len(cfg.Events) != 3 {
		t.Errorf("expected 3 default rate-limited events, got %d", len(cfg.Events))
	}
}

func TestLoadFileAndEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
server:
  address: ":9000"
  connectionLimit:
    maxPerUser: 3
    mode: cycle
reaper:
  interval: 5s
events:
  sendChat:
    modifiers:
      - name: rate_limit
        params: ["5/s"]
`)
	t.Setenv("GOCOURIER_SERVER_ADDRESS", ":7000")

	cfg, err := config.Load(logging.Discard(), path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Address != ":7000" {
		t.Errorf("env override not applied, address=%q", cfg.Server.Address)
	}
	if cfg.Server.ConnectionLimit.MaxPerUser != 3 || cfg.Server.ConnectionLimit.Mode != "cycle" {
		t.Errorf("unexpected connection limit %+v", cfg.Server.ConnectionLimit)
	}
	if cfg.Reaper.Interval != 5*time.Second {
		t.Errorf("unexpected reaper interval %s", cfg.Reaper.Interval)
	}
	ev := cfg.Events["sendchat"]
	if len(ev.Modifiers) != 1 || ev.Modifiers[0].Params[0] != "5/s" {
		t.Errorf("unexpected sendChat modifiers %+v", ev.Modifiers)
	}
}

func TestLoadRejectsBadMode(t *testing.T) {
	path := writeConfig(t, "server:\n  connectionLimit:\n    mode: shuffle\n")
	if _, err := config.Load(logging.Discard(), path); err == nil {
		t.Fatal("expected an error for an unknown connection limit mode")
	}
}

func TestCompilePipelines(t *testing.T) {
	kinds := []string{"identify", "sendChat"}
	actions := func(kind string) (pipeline.ActionFunc, bool) {
		return func(c *pipeline.Cargo) error { return nil }, true
	}
	var gotParams []string
	modifiers := func(name string) (pipeline.ModifierFactory, bool) {
		if name != "rate_limit" {
			return nil, false
		}
		return func(params ...string) (pipeline.ModifierFunc, error) {
			gotParams = params
			if len(params) != 1 {
				return nil, errors.New("need one param")
			}
			return func(c *pipeline.Cargo) error { return nil }, nil
		}, true
	}

	cfg := &config.Config{Events: map[string]config.EventConfig{
		"sendchat": {Modifiers: []config.ModifierConfig{{Name: "rate_limit", Params: []string{"1/s"}}}},
	}}
	if err := config.CompilePipelines(cfg, kinds, actions, modifiers); err != nil {
		t.Fatalf("CompilePipelines failed: %v", err)
	}
	if len(cfg.Pipelines) != 2 {
		t.Fatalf("expected a pipeline per kind, got %d", len(cfg.Pipelines))
	}
	if got := len(cfg.Pipelines["sendChat"].Modifiers); got != 1 {
		t.Errorf("expected 1 modifier on sendChat, got %d", got)
	}
	if len(gotParams) != 1 || gotParams[0] != "1/s" {
		t.Errorf("modifier factory got params %v", gotParams)
	}

	cfg.Events = map[string]config.EventConfig{"teleport": {}}
	if err := config.CompilePipelines(cfg, kinds, actions, modifiers); err == nil || !strings.Contains(err.Error(), "teleport") {
		t.Errorf("expected unknown event error, got %v", err)
	}

	cfg.Events = map[string]config.EventConfig{"identify": {Modifiers: []config.ModifierConfig{{Name: "secure"}}}}
	if err := config.CompilePipelines(cfg, kinds, actions, modifiers); err == nil {
		t.Error("expected unknown modifier error")
	}
}
