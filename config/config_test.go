package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, cfg map[string]any) string {
	t.Helper()
	data, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal fixture: %v", err)
	}
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	t.Run("LoadValidConfig", func(t *testing.T) {
		path := writeConfig(t, map[string]any{
			"http_addr":     ":9090",
			"rpc_endpoints": []string{"https://rpc-a", "https://rpc-b"},
			"idempotency":   map[string]any{"ttl_sec": 90},
		})

		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if cfg.HTTPAddr != ":9090" {
			t.Errorf("HTTPAddr = %q, want :9090", cfg.HTTPAddr)
		}
		if cfg.Idempotency.TTLSec != 90 {
			t.Errorf("Idempotency.TTLSec = %d, want 90 (explicit value must survive defaulting)", cfg.Idempotency.TTLSec)
		}
		// Zero-valued fields pick up defaults.
		if cfg.DBPath == "" {
			t.Error("DBPath should default, not stay empty")
		}
		if cfg.Session.SweepIntervalMs != 5000 {
			t.Errorf("Session.SweepIntervalMs default = %d, want 5000", cfg.Session.SweepIntervalMs)
		}
		if cfg.Retry.Max != 3 {
			t.Errorf("Retry.Max default = %d, want 3", cfg.Retry.Max)
		}
	})

	t.Run("LoadNonExistentConfig", func(t *testing.T) {
		if _, err := Load(filepath.Join(t.TempDir(), "missing.json")); err == nil {
			t.Error("Should fail when loading non-existent config")
		}
	})

	t.Run("LoadInvalidJSON", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "invalid.json")
		if err := os.WriteFile(path, []byte("{invalid json"), 0o600); err != nil {
			t.Fatal(err)
		}
		if _, err := Load(path); err == nil {
			t.Error("Should fail when loading invalid JSON")
		}
	})

	t.Run("UnknownFieldRejected", func(t *testing.T) {
		path := writeConfig(t, map[string]any{"not_a_real_field": 1})
		if _, err := Load(path); err == nil {
			t.Error("Should reject unknown top-level fields")
		}
	})
}

func TestEnvOverrides(t *testing.T) {
	path := writeConfig(t, map[string]any{})

	t.Setenv("IDEMPOTENCY_TTL_SEC", "42")
	t.Setenv("IDEMPOTENCY_SALT", "env-salt")
	t.Setenv("RPC_POOL_ENDPOINTS", "https://a, https://b,https://c")
	t.Setenv("RPC_POOL_QUORUM", "4")
	t.Setenv("KILL_SWITCH", "1")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Idempotency.TTLSec != 42 {
		t.Errorf("IDEMPOTENCY_TTL_SEC override = %d, want 42", cfg.Idempotency.TTLSec)
	}
	if cfg.Idempotency.Salt != "env-salt" {
		t.Errorf("IDEMPOTENCY_SALT override = %q, want env-salt", cfg.Idempotency.Salt)
	}
	if got := cfg.RPCEndpoints; len(got) != 3 || got[0] != "https://a" || got[1] != "https://b" || got[2] != "https://c" {
		t.Errorf("RPC_POOL_ENDPOINTS override = %v, want 3 trimmed entries", got)
	}
	if cfg.Quorum.Require != 4 {
		t.Errorf("RPC_POOL_QUORUM override = %d, want 4", cfg.Quorum.Require)
	}
	if !cfg.KillSwitch {
		t.Error("KILL_SWITCH=1 should set cfg.KillSwitch")
	}
}
