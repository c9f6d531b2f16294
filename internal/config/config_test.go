package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Load("")
	if cfg.Bind != "0.0.0.0:3000" || cfg.Backend != "dir" || cfg.StorePath() != "data" {
		t.Fatalf("defaults: %+v", cfg)
	}
	if cfg.SessionTTL != 12*time.Hour || !cfg.MetricsEnabled {
		t.Fatalf("defaults: %+v", cfg)
	}
}

func TestYAMLAndEnvPrecedence(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "dosi.yaml")
	data := []byte("" +
		"http:\n  bind: 127.0.0.1:9999\n" +
		"data:\n  root: /srv/dosi\n  backend: sqlite\n  sqlitePath: /srv/dosi.db\n" +
		"logging:\n  level: debug\n  format: json\n" +
		"eventLog:\n  path: /var/log/dosi.log\n" +
		"auth:\n  sessionTTL: 20m\n  secureCookies: true\n" +
		"rate:\n  loginPerWindow: 7\n  loginWindowSec: 11\n" +
		"trustProxy: true\n" +
		"reconcile:\n  schedule: \"\"\n" +
		"metrics:\n  enabled: false\n")
	if err := os.WriteFile(cfgPath, data, 0o600); err != nil {
		t.Fatal(err)
	}

	cfg := Load(cfgPath)
	if cfg.Bind != "127.0.0.1:9999" {
		t.Fatalf("bind from yaml: %s", cfg.Bind)
	}
	if cfg.Backend != "sqlite" || cfg.StorePath() != "/srv/dosi.db" {
		t.Fatalf("backend from yaml: %s %s", cfg.Backend, cfg.StorePath())
	}
	if cfg.LogLevel.String() != "debug" || cfg.LogFormat != "json" {
		t.Fatalf("logging from yaml: %s %s", cfg.LogLevel, cfg.LogFormat)
	}
	if cfg.EventLogPath != "/var/log/dosi.log" {
		t.Fatalf("event log from yaml: %s", cfg.EventLogPath)
	}
	if cfg.SessionTTL != 20*time.Minute || !cfg.SecureCookies {
		t.Fatalf("auth from yaml: %v %v", cfg.SessionTTL, cfg.SecureCookies)
	}
	if cfg.RateLoginPerWindow != 7 || cfg.RateLoginWindowSec != 11 || !cfg.TrustProxy {
		t.Fatalf("rate from yaml: %+v", cfg)
	}
	if cfg.ReconcileSchedule != "" || cfg.MetricsEnabled {
		t.Fatalf("toggles from yaml: %q %v", cfg.ReconcileSchedule, cfg.MetricsEnabled)
	}

	t.Setenv("DOSI_HTTP_BIND", "0.0.0.0:8080")
	t.Setenv("DOSI_DATA_BACKEND", "dir")
	t.Setenv("DOSI_LOG", "warn")
	t.Setenv("DOSI_SESSION_TTL", "1h")
	t.Setenv("DOSI_TRUST_PROXY", "false")
	t.Setenv("DOSI_RATE_LOGIN_PER_WINDOW", "3")
	t.Setenv("DOSI_RECONCILE_SCHEDULE", "@hourly")
	t.Setenv("DOSI_METRICS", "1")

	cfg2 := Load(cfgPath)
	if cfg2.Bind != "0.0.0.0:8080" {
		t.Fatalf("bind env override: %s", cfg2.Bind)
	}
	if cfg2.StorePath() != "/srv/dosi" {
		t.Fatalf("backend env override: %s", cfg2.StorePath())
	}
	if cfg2.LogLevel.String() != "warn" || cfg2.SessionTTL != time.Hour {
		t.Fatalf("env overrides: %s %v", cfg2.LogLevel, cfg2.SessionTTL)
	}
	if cfg2.TrustProxy || cfg2.RateLoginPerWindow != 3 {
		t.Fatalf("env overrides: %+v", cfg2)
	}
	if cfg2.ReconcileSchedule != "@hourly" || !cfg2.MetricsEnabled {
		t.Fatalf("env overrides: %q %v", cfg2.ReconcileSchedule, cfg2.MetricsEnabled)
	}
}
