package core

import (
	"os"
	"path/filepath"
	"testing"
)

func TestConfigManagerLoadCreatesDefault(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gonat.yaml")

	cm := NewConfigManager(path, NewEventBus())
	if err := cm.Load(); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected config file to be created: %v", err)
	}

	cfg := cm.Get()
	if cfg.GlobalAddress != "192.168.0.135" {
		t.Fatalf("GlobalAddress = %q, want default", cfg.GlobalAddress)
	}
	if cfg.Tables.TCP.Behavior != BehaviorQuasiRestrictedCone {
		t.Fatalf("TCP behavior = %q, want %q", cfg.Tables.TCP.Behavior, BehaviorQuasiRestrictedCone)
	}
	if cfg.Tables.TCP.Long() != 2000 || cfg.Tables.TCP.Short() != 120 {
		t.Fatalf("TCP timeouts = %d/%d, want 2000/120", cfg.Tables.TCP.Long(), cfg.Tables.TCP.Short())
	}
}

func TestConfigManagerLoadParsesExistingFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gonat.yaml")
	contents := `
global_address: 10.0.0.1
port_range:
  ports: [40000, 40001]
interface:
  name: gonat9
tables:
  tcp:
    behavior: full_cone
    timeout_long_secs: 100
    timeout_short_secs: 10
  udp:
    behavior: quasi_symmetric
    timeout_secs: 30
  icmp_echo:
    behavior: quasi_symmetric
    timeout_secs: 30
`
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	cm := NewConfigManager(path, nil)
	if err := cm.Load(); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	cfg := cm.Get()
	if cfg.GlobalAddress != "10.0.0.1" {
		t.Fatalf("GlobalAddress = %q, want 10.0.0.1", cfg.GlobalAddress)
	}
	ports, err := cfg.PortRange.Resolve()
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if len(ports) != 2 || ports[0] != 40000 {
		t.Fatalf("ports = %v, want [40000 40001]", ports)
	}
	if cfg.Tables.TCP.Behavior != BehaviorFullCone {
		t.Fatalf("TCP behavior = %q, want full_cone", cfg.Tables.TCP.Behavior)
	}
}

func TestPortRangeConfigResolvesPSID(t *testing.T) {
	psid := uint8(5)
	c := PortRangeConfig{PSID: &psid}
	ports, err := c.Resolve()
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if len(ports) != 240 {
		t.Fatalf("len(ports) = %d, want 240", len(ports))
	}
}

func TestParseBehaviorRejectsUnknown(t *testing.T) {
	if _, err := ParseBehavior("not-a-behavior"); err == nil {
		t.Fatalf("expected error for unknown behavior")
	}
}
