package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoad(t *testing.T) {
	t.Setenv("TEST_REDIS_PASSWORD", "s3cret")
	dir := t.TempDir()
	path := writeFile(t, dir, "gateway.yaml", `
server:
  addr: ":9090"
redis:
  addr: "redis:6379"
  password: "${TEST_REDIS_PASSWORD}"
rate_limit:
  window_ms: 2000
routes:
  - id: default
    whitelist_file: /etc/rpcgate/whitelist.json
    cu_pricing_file: /etc/rpcgate/cu.json
    config_ttl: 5m
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != ":9090" {
		t.Errorf("addr = %q", cfg.Server.Addr)
	}
	if cfg.Redis.Password != "s3cret" {
		t.Errorf("env expansion failed: %q", cfg.Redis.Password)
	}
	if cfg.RateLimit.WindowMs != 2000 {
		t.Errorf("window_ms = %d", cfg.RateLimit.WindowMs)
	}
	// Unset fields keep defaults.
	if cfg.Redis.PoolSize != 100 {
		t.Errorf("pool_size default = %d, want 100", cfg.Redis.PoolSize)
	}
	if !cfg.RateLimit.AllowDegradation {
		t.Error("rate limit should default to fail-open")
	}
	if cfg.Quota.AllowDegradation {
		t.Error("quota should default to fail-closed")
	}
	r := cfg.Route("default")
	if r == nil {
		t.Fatal("route lookup failed")
	}
	if r.ConfigTTL != 5*time.Minute {
		t.Errorf("config_ttl = %v", r.ConfigTTL)
	}
	if cfg.Route("nope") != nil {
		t.Error("unknown route should be nil")
	}
}

func TestLoad_UnknownEnvVarKeptVerbatim(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "gateway.yaml", `
redis:
  password: "${RPCGATE_NO_SUCH_VAR_12345}"
routes:
  - id: a
    whitelist_file: /tmp/wl.json
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Redis.Password != "${RPCGATE_NO_SUCH_VAR_12345}" {
		t.Errorf("unset vars must stay verbatim, got %q", cfg.Redis.Password)
	}
}

func TestLoad_Validation(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			"missing route id",
			"routes:\n  - whitelist_file: /tmp/wl.json\n",
			"id is required",
		},
		{
			"duplicate route id",
			"routes:\n  - id: a\n    whitelist_file: /tmp/wl.json\n  - id: a\n    whitelist_file: /tmp/wl2.json\n",
			"duplicate id",
		},
		{
			"missing whitelist",
			"routes:\n  - id: a\n",
			"whitelist_file is required",
		},
		{
			"bad window",
			"rate_limit:\n  window_ms: -5\n",
			"window_ms",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			dir := t.TempDir()
			path := writeFile(t, dir, "gateway.yaml", tt.yaml)
			_, err := Load(path)
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
