package main

import (
	"log/slog"
	"testing"
	"time"

	"transportsync/internal/journal"
)

func TestConfigureJournalQueueMemory(t *testing.T) {
	queue, err := configureJournalQueue("", journal.RedisQueueConfig{}, slog.Default())
	if err != nil {
		t.Fatalf("configureJournalQueue returned error: %v", err)
	}
	if queue == nil {
		t.Fatalf("configureJournalQueue returned nil queue")
	}
}

func TestConfigureJournalQueueRedisMissingAddress(t *testing.T) {
	_, err := configureJournalQueue("redis", journal.RedisQueueConfig{}, slog.Default())
	if err == nil {
		t.Fatal("configureJournalQueue redis expected error when addr missing")
	}
}

func TestConfigureJournalQueueUnsupportedDriver(t *testing.T) {
	_, err := configureJournalQueue("kafka", journal.RedisQueueConfig{}, slog.Default())
	if err == nil {
		t.Fatal("configureJournalQueue expected error for unsupported driver")
	}
}

func TestResolveCatalogDriver(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		flagValue string
		envValue  string
		dsn       string
		want      string
	}{
		{name: "FlagWins", flagValue: "Postgres", envValue: "dir", dsn: "", want: "postgres"},
		{name: "EnvWhenFlagEmpty", envValue: "DIR", dsn: "postgres://example", want: "dir"},
		{name: "DSNImpliesPostgres", dsn: "postgres://example", want: "postgres"},
		{name: "DefaultsToDir", want: "dir"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := resolveCatalogDriver(tc.flagValue, tc.envValue, tc.dsn); got != tc.want {
				t.Fatalf("expected driver %q, got %q", tc.want, got)
			}
		})
	}
}

func TestResolveListenAddr(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		flag    string
		envAddr string
		envHost string
		envPort string
		want    string
	}{
		{name: "FlagWins", flag: ":9000", envAddr: ":9999", want: ":9000"},
		{name: "EnvAddr", envAddr: "127.0.0.1:9000", want: "127.0.0.1:9000"},
		{name: "HostAndPort", envHost: "127.0.0.1", envPort: "9100", want: "127.0.0.1:9100"},
		{name: "HostOnlyKeepsDefaultPort", envHost: "0.0.0.0", want: "0.0.0.0:8765"},
		{name: "Default", want: ":8765"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := resolveListenAddr(tc.flag, tc.envAddr, tc.envHost, tc.envPort); got != tc.want {
				t.Fatalf("expected addr %q, got %q", tc.want, got)
			}
		})
	}
}

func TestResolvePostgresDSNPriority(t *testing.T) {
	t.Setenv("TRANSPORTD_POSTGRES_DSN", "postgres://env")
	t.Setenv("DATABASE_URL", "postgres://database")
	got := resolvePostgresDSN("postgres://flag")
	if got != "postgres://flag" {
		t.Fatalf("expected flag DSN to win, got %q", got)
	}
	got = resolvePostgresDSN("")
	if got != "postgres://env" {
		t.Fatalf("expected TRANSPORTD_POSTGRES_DSN to win, got %q", got)
	}
	t.Setenv("TRANSPORTD_POSTGRES_DSN", "")
	got = resolvePostgresDSN("")
	if got != "postgres://database" {
		t.Fatalf("expected DATABASE_URL fallback, got %q", got)
	}
}

func TestResolveCatalogDir(t *testing.T) {
	t.Parallel()

	if got := resolveCatalogDir("flagdir", "envdir"); got != "flagdir" {
		t.Fatalf("expected flag value to win, got %q", got)
	}
	if got := resolveCatalogDir("", " envdir "); got != "envdir" {
		t.Fatalf("expected env value, got %q", got)
	}
	if got := resolveCatalogDir("", ""); got != "projects" {
		t.Fatalf("expected default projects dir, got %q", got)
	}
}

func TestResolveHeartbeat(t *testing.T) {
	t.Parallel()

	if got := resolveHeartbeat(5*time.Second, "1s"); got != 5*time.Second {
		t.Fatalf("expected flag value to win, got %v", got)
	}
	if got := resolveHeartbeat(-1, "1s"); got != -1 {
		t.Fatalf("expected negative flag value preserved, got %v", got)
	}
	if got := resolveHeartbeat(0, "30s"); got != 30*time.Second {
		t.Fatalf("expected env value, got %v", got)
	}
	if got := resolveHeartbeat(0, "soon"); got != 0 {
		t.Fatalf("expected unparseable env ignored, got %v", got)
	}
	if got := resolveHeartbeat(0, ""); got != 0 {
		t.Fatalf("expected zero default, got %v", got)
	}
}

func TestSplitAndTrim(t *testing.T) {
	t.Parallel()

	got := splitAndTrim(" 10.0.0.0/8 , , 192.168.1.1 ")
	if len(got) != 2 || got[0] != "10.0.0.0/8" || got[1] != "192.168.1.1" {
		t.Fatalf("unexpected split result: %#v", got)
	}
	if got := splitAndTrim("  "); got != nil {
		t.Fatalf("expected nil for blank input, got %#v", got)
	}
}
