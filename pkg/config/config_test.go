package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{
		"APP_NAME", "PORT", "REDIS_URL", "MAX_INSTANCES", "WARM_SPARE_TARGET",
		"IDLE_TIMEOUT_MS", "READINESS_MAX_ATTEMPTS", "RATE_LIMIT_RPS",
	} {
		t.Setenv(key, "")
	}

	cfg := Load()

	if cfg.AppName != "Workbench" {
		t.Errorf("AppName = %q, want Workbench", cfg.AppName)
	}
	if cfg.Port != "8090" {
		t.Errorf("Port = %q, want 8090", cfg.Port)
	}
	if cfg.RedisURL != "redis://localhost:6379/0" {
		t.Errorf("RedisURL = %q, want the localhost default", cfg.RedisURL)
	}
	if cfg.MaxInstances != 10 {
		t.Errorf("MaxInstances = %d, want 10", cfg.MaxInstances)
	}
	if cfg.WarmSpareTarget != 1 {
		t.Errorf("WarmSpareTarget = %d, want 1", cfg.WarmSpareTarget)
	}
	if cfg.IdleTimeoutMs != 300000 {
		t.Errorf("IdleTimeoutMs = %d, want 300000", cfg.IdleTimeoutMs)
	}
	if cfg.ReadinessMaxAttempts != 3 {
		t.Errorf("ReadinessMaxAttempts = %d, want 3", cfg.ReadinessMaxAttempts)
	}
	if cfg.RateLimitRPS != 20 {
		t.Errorf("RateLimitRPS = %v, want 20", cfg.RateLimitRPS)
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("ASG_NAME", "workbench-fleet")
	t.Setenv("MAX_INSTANCES", "25")
	t.Setenv("WARM_SPARE_TARGET", "4")
	t.Setenv("IDLE_TIMEOUT_MS", "600000")
	t.Setenv("DEBUG", "true")
	t.Setenv("RATE_LIMIT_RPS", "3.5")

	cfg := Load()

	if cfg.ASGName != "workbench-fleet" {
		t.Errorf("ASGName = %q, want workbench-fleet", cfg.ASGName)
	}
	if cfg.MaxInstances != 25 {
		t.Errorf("MaxInstances = %d, want 25", cfg.MaxInstances)
	}
	if cfg.WarmSpareTarget != 4 {
		t.Errorf("WarmSpareTarget = %d, want 4", cfg.WarmSpareTarget)
	}
	if cfg.IdleTimeoutMs != 600000 {
		t.Errorf("IdleTimeoutMs = %d, want 600000", cfg.IdleTimeoutMs)
	}
	if !cfg.Debug {
		t.Error("Debug = false, want true")
	}
	if cfg.RateLimitRPS != 3.5 {
		t.Errorf("RateLimitRPS = %v, want 3.5", cfg.RateLimitRPS)
	}
}

func TestLoadFallsBackOnMalformedValues(t *testing.T) {
	t.Setenv("MAX_INSTANCES", "lots")
	t.Setenv("DEBUG", "definitely")
	t.Setenv("RATE_LIMIT_RPS", "fast")

	cfg := Load()

	if cfg.MaxInstances != 10 {
		t.Errorf("MaxInstances = %d, want the default 10", cfg.MaxInstances)
	}
	if cfg.Debug {
		t.Error("Debug = true, want the default false")
	}
	if cfg.RateLimitRPS != 20 {
		t.Errorf("RateLimitRPS = %v, want the default 20", cfg.RateLimitRPS)
	}
}

func validConfig() *Config {
	return &Config{
		ASGName:              "workbench-fleet",
		JWTSecret:            "secret",
		RedisURL:             "redis://localhost:6379/0",
		MaxInstances:         10,
		WarmSpareTarget:      1,
		ReadinessMaxAttempts: 3,
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"missing asg name", func(c *Config) { c.ASGName = "" }, "ASG_NAME"},
		{"missing jwt secret", func(c *Config) { c.JWTSecret = "" }, "JWT_SECRET"},
		{"missing redis url", func(c *Config) { c.RedisURL = "" }, "REDIS_URL"},
		{"zero max instances", func(c *Config) { c.MaxInstances = 0 }, "MAX_INSTANCES"},
		{"negative spare target", func(c *Config) { c.WarmSpareTarget = -1 }, "WARM_SPARE_TARGET"},
		{"zero readiness attempts", func(c *Config) { c.ReadinessMaxAttempts = 0 }, "READINESS_MAX_ATTEMPTS"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("Validate passed a broken config")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not name %s", err, tt.wantErr)
			}
		})
	}
}

func TestDurationHelpers(t *testing.T) {
	cfg := &Config{
		AllocationTimeoutMs: 1500,
		IdleTimeoutMs:       300000,
		CleanupIntervalMs:   60000,
		ReadinessBackoffMs:  250,
		ReconcileIntervalMs: 120000,
		CloudRPCTimeoutMs:   10000,
		StoreRPCTimeoutMs:   2000,
	}

	checks := []struct {
		name string
		got  time.Duration
		want time.Duration
	}{
		{"allocation timeout", cfg.AllocationTimeout(), 1500 * time.Millisecond},
		{"idle timeout", cfg.IdleTimeout(), 5 * time.Minute},
		{"cleanup interval", cfg.CleanupInterval(), time.Minute},
		{"readiness backoff", cfg.ReadinessBackoff(), 250 * time.Millisecond},
		{"reconcile interval", cfg.ReconcileInterval(), 2 * time.Minute},
		{"cloud rpc timeout", cfg.CloudRPCTimeout(), 10 * time.Second},
		{"store rpc timeout", cfg.StoreRPCTimeout(), 2 * time.Second},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
}
