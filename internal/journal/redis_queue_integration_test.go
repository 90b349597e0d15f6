package journal

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"transportsync/internal/testsupport/redisstub"
)

func TestRedisQueueFanoutPlain(t *testing.T) {
	runRedisQueueIntegration(t, false)
}

func TestRedisQueueFanoutTLS(t *testing.T) {
	runRedisQueueIntegration(t, true)
}

func runRedisQueueIntegration(t *testing.T, useTLS bool) {
	t.Helper()
	srv, err := redisstub.Start(redisstub.Options{Password: "secret", EnableTLS: useTLS})
	if err != nil {
		t.Fatalf("failed to start redis stub: %v", err)
	}
	t.Cleanup(func() {
		_ = srv.Close()
	})
	cfg := RedisQueueConfig{
		Addr:         srv.Addr(),
		Password:     "secret",
		Stream:       "test-stream",
		Group:        "test-group",
		BlockTimeout: 200 * time.Millisecond,
	}
	if useTLS {
		dir := t.TempDir()
		caPath := filepath.Join(dir, "ca.pem")
		if err := os.WriteFile(caPath, srv.CertPEM(), 0o600); err != nil {
			t.Fatalf("write ca file: %v", err)
		}
		cfg.TLS = RedisTLSConfig{CAFile: caPath}
	}
	queue, err := NewRedisQueue(cfg)
	if err != nil {
		t.Fatalf("create queue: %v", err)
	}
	sub := queue.Subscribe()
	t.Cleanup(sub.Close)

	entry := testEntry(9)
	if err := queue.Publish(context.Background(), entry); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case got := <-sub.Entries():
		if got.Snapshot.Bar != 9 || got.Snapshot.ActiveProjectID != "demo" {
			t.Fatalf("unexpected entry: %+v", got.Snapshot)
		}
		if !got.RecordedAt.Equal(entry.RecordedAt) {
			t.Fatalf("timestamp drift: want %v, got %v", entry.RecordedAt, got.RecordedAt)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for entry")
	}
}
