package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\") failed: %v", err)
	}
	if cfg.MQ.Addr() != "localhost:1883" {
		t.Errorf("unexpected broker addr %q", cfg.MQ.Addr())
	}
	if cfg.SlotSize != DefaultSlotSize || cfg.MaxTimeslots != DefaultMaxTimeslots {
		t.Errorf("unexpected slot defaults: %v / %d", cfg.SlotSize, cfg.MaxTimeslots)
	}
	if cfg.Scheduling.Name != "BatchScheduler" || cfg.Routing.Name != "PathFinder" {
		t.Errorf("unexpected plugin defaults: %+v", cfg)
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "controller.yaml")
	content := `
mq:
  host: broker.example.net
  port: 8883
  rpc_client_topic: rpc
schedule_manager:
  grace_period: 200ms
plugins:
  path: "/opt/plugins:/usr/local/plugins"
database:
  default: redis://broker.example.net:6379/2
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.MQ.Addr() != "broker.example.net:8883" {
		t.Errorf("unexpected addr %q", cfg.MQ.Addr())
	}
	if cfg.ScheduleManager.GracePeriod != 200*time.Millisecond {
		t.Errorf("unexpected grace period %v", cfg.ScheduleManager.GracePeriod)
	}
	if got := cfg.PluginPaths(); len(got) != 2 || got[0] != "/opt/plugins" {
		t.Errorf("unexpected plugin paths %v", got)
	}
	// Unset keys keep their defaults.
	if cfg.MQ.RPCServerTopic != "rpc/server" {
		t.Errorf("unexpected server topic %q", cfg.MQ.RPCServerTopic)
	}
	if got := cfg.MQ.AgentTopic("LBNL-Q"); got != "rpc/LBNL-Q" {
		t.Errorf("unexpected agent topic %q", got)
	}
}

func TestGracePeriodBound(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "controller.yaml")
	if err := os.WriteFile(path, []byte("schedule_manager:\n  grace_period: 120s\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("grace period beyond the schedule window should be rejected")
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("QN_MQ_HOST", "env-broker")
	t.Setenv("QN_DATABASE_URI", "mem://")
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.MQ.Host != "env-broker" || cfg.Database.Default != "mem://" {
		t.Errorf("env overrides not applied: %+v", cfg)
	}
}
