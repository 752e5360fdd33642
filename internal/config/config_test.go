package config

import (
	"os"
	"path/filepath"
	"testing"
)

func validConfig() *Config {
	cfg := &Config{}
	*cfg = Config{
		Service: ServiceConfig{
			InstanceID:             "test",
			HTTPListen:             ":8080",
			LogLevel:               "info",
			ShutdownTimeoutSeconds: 30,
		},
		Queue: QueueConfig{
			Capacity:           4096,
			PacingOnThreshold:  0.75,
			PacingOffThreshold: 0.50,
		},
		Retention: RetentionConfig{
			Days:     30,
			Timezone: "UTC",
		},
	}
	return cfg
}

func TestValidate_ValidConfig(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("expected valid config, got error: %v", err)
	}
}

func TestValidate_ShutdownTimeoutZero(t *testing.T) {
	cfg := validConfig()
	cfg.Service.ShutdownTimeoutSeconds = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for shutdown_timeout_seconds = 0")
	}
}

func TestValidate_QueueCapacityZero(t *testing.T) {
	cfg := validConfig()
	cfg.Queue.Capacity = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for queue.capacity = 0")
	}
}

func TestValidate_PacingThresholdsInverted(t *testing.T) {
	cfg := validConfig()
	cfg.Queue.PacingOnThreshold = 0.4
	cfg.Queue.PacingOffThreshold = 0.6
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error when pacing_on_threshold <= pacing_off_threshold")
	}
}

func TestValidate_MRTEnabledWithoutPath(t *testing.T) {
	cfg := validConfig()
	cfg.MRT.Enabled = true
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for mrt.enabled without mrt.path")
	}
}

func TestValidate_KafkaEnabledWithoutBrokers(t *testing.T) {
	cfg := validConfig()
	cfg.Kafka.Enabled = true
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for kafka.enabled without brokers")
	}
}

func TestValidate_RetentionDaysZero(t *testing.T) {
	cfg := validConfig()
	cfg.Retention.Days = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for retention.days = 0")
	}
}

func TestValidate_InvalidTimezone(t *testing.T) {
	cfg := validConfig()
	cfg.Retention.Timezone = "Not/A/Real/Zone"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for invalid timezone")
	}
}

func writeMinimalYAML(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, "config.yaml")
	data := `
service:
  log_level: info
queue:
  capacity: 2048
retention:
  days: 7
  timezone: "UTC"
`
	if err := os.WriteFile(p, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoad_EnvOverrideLogLevel(t *testing.T) {
	p := writeMinimalYAML(t)
	t.Setenv("BGPMON_SERVICE__LOG_LEVEL", "debug")

	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Service.LogLevel != "debug" {
		t.Errorf("expected log_level 'debug' from env, got %q", cfg.Service.LogLevel)
	}
}

func TestLoad_DefaultsApplied(t *testing.T) {
	p := writeMinimalYAML(t)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Queue.Capacity != 2048 {
		t.Errorf("expected overridden queue.capacity 2048, got %d", cfg.Queue.Capacity)
	}
	if cfg.Retention.Days != 7 {
		t.Errorf("expected overridden retention.days 7, got %d", cfg.Retention.Days)
	}
	if cfg.Service.ShutdownTimeoutSeconds != 30 {
		t.Errorf("expected default service.shutdown_timeout_seconds 30 kept, got %d", cfg.Service.ShutdownTimeoutSeconds)
	}
}

func TestResolvePeerWalksGroupChain(t *testing.T) {
	m := &Model{
		Peers: map[string]*Peer{
			"r1": {
				Name:                "r1",
				GroupName:           "edge",
				LocalAS:             Unset,
				HoldTimeSeconds:     Unset,
				ConnectRetrySeconds: Unset,
			},
		},
		Groups: map[string]*PeerGroup{
			"edge": {
				Name:                "edge",
				ParentName:          "base",
				LocalAS:             Unset,
				HoldTimeSeconds:     Unset,
				ConnectRetrySeconds: Unset,
			},
			"base": {
				Name:                "base",
				LocalAS:             65002,
				HoldTimeSeconds:     180,
				ConnectRetrySeconds: 30,
			},
		},
	}

	r, err := m.ResolvePeer("r1")
	if err != nil {
		t.Fatalf("ResolvePeer: %v", err)
	}
	if r.LocalAS != 65002 {
		t.Fatalf("LocalAS = %d, want 65002 (inherited from base)", r.LocalAS)
	}
	if r.HoldTimeSeconds != 180 {
		t.Fatalf("HoldTimeSeconds = %d, want 180", r.HoldTimeSeconds)
	}
}

func TestResolvePeerDetectsCycle(t *testing.T) {
	m := &Model{
		Peers: map[string]*Peer{
			"r1": {Name: "r1", GroupName: "a", LocalAS: Unset, HoldTimeSeconds: Unset, ConnectRetrySeconds: Unset},
		},
		Groups: map[string]*PeerGroup{
			"a": {Name: "a", ParentName: "b", LocalAS: Unset, HoldTimeSeconds: Unset, ConnectRetrySeconds: Unset},
			"b": {Name: "b", ParentName: "a", LocalAS: Unset, HoldTimeSeconds: Unset, ConnectRetrySeconds: Unset},
		},
	}
	if _, err := m.ResolvePeer("r1"); err != ErrGroupCycle {
		t.Fatalf("expected ErrGroupCycle, got %v", err)
	}
}

func TestCapabilityRequirementMostSpecificWins(t *testing.T) {
	reqs := []CapabilityRequirement{
		{Code: 65, Value: nil, Kind: Allow},
		{Code: 65, Value: []byte{0, 1, 0, 1}, Kind: Require},
	}
	kind, ok := Resolve(reqs, 65, []byte{0, 1, 0, 1})
	if !ok || kind != Require {
		t.Fatalf("expected exact match to win with Require, got kind=%v ok=%v", kind, ok)
	}
	kind, ok = Resolve(reqs, 65, []byte{0, 2, 0, 1})
	if !ok || kind != Allow {
		t.Fatalf("expected wildcard fallback to Allow, got kind=%v ok=%v", kind, ok)
	}
}
