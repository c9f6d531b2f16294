package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/unixabg/dosi/internal/config"
)

func testConfig(t *testing.T, backend string) config.Config {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("DOSI_HTTP_BIND", "127.0.0.1:0")
	t.Setenv("DOSI_DATA_ROOT", filepath.Join(dir, "data"))
	t.Setenv("DOSI_DATA_BACKEND", backend)
	t.Setenv("DOSI_SQLITE_PATH", filepath.Join(dir, "registry.db"))
	t.Setenv("DOSI_EVENT_LOG", filepath.Join(dir, "server.log"))
	t.Setenv("DOSI_CREDENTIALS_PATH", filepath.Join(dir, "credentials.json"))
	t.Setenv("DOSI_SESSIONS_PATH", filepath.Join(dir, "state", "sessions.json"))
	t.Setenv("DOSI_SECRET_PATH", filepath.Join(dir, "state", "session.key"))
	t.Setenv("DOSI_RL_PATH", filepath.Join(dir, "state", "ratelimit.json"))
	return config.FromEnv()
}

func TestRunStartsAndStops(t *testing.T) {
	for _, backend := range []string{"dir", "sqlite"} {
		t.Run(backend, func(t *testing.T) {
			cfg := testConfig(t, backend)
			ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
			defer cancel()
			if err := run(ctx, cfg, zerolog.Nop()); err != nil {
				t.Fatalf("run: %v", err)
			}
			if _, err := os.Stat(cfg.SecretPath); err != nil {
				t.Fatalf("session secret not created: %v", err)
			}
			b, err := os.ReadFile(cfg.EventLogPath)
			if err != nil {
				t.Fatal(err)
			}
			if !strings.Contains(string(b), "Server started on 127.0.0.1:0.") {
				t.Fatalf("startup line missing: %s", b)
			}
		})
	}
}

func TestRunRejectsUnknownBackend(t *testing.T) {
	cfg := testConfig(t, "etcd")
	if err := run(context.Background(), cfg, zerolog.Nop()); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}
