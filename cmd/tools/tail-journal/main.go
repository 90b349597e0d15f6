// Command tail-journal follows the Redis snapshot journal and prints each
// entry as a JSON line.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"transportsync/internal/journal"
)

func main() {
	redisAddr := flag.String("redis-addr", "", "Redis address hosting the snapshot journal")
	redisUsername := flag.String("redis-username", "", "Redis username")
	redisPassword := flag.String("redis-password", "", "Redis password")
	stream := flag.String("stream", "", "journal stream key")
	group := flag.String("group", "journal-tail", "consumer group for this tail")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	addr := strings.TrimSpace(*redisAddr)
	if addr == "" {
		addr = strings.TrimSpace(os.Getenv("TRANSPORTD_JOURNAL_REDIS_ADDR"))
	}
	if addr == "" {
		logger.Error("redis address required", "hint", "set --redis-addr or TRANSPORTD_JOURNAL_REDIS_ADDR")
		os.Exit(1)
	}

	queue, err := journal.NewRedisQueue(journal.RedisQueueConfig{
		Addr:     addr,
		Username: *redisUsername,
		Password: *redisPassword,
		Stream:   *stream,
		Group:    *group,
		Logger:   logger,
	})
	if err != nil {
		logger.Error("failed to open journal queue", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closer, ok := queue.(interface{ Close() error }); ok {
			if err := closer.Close(); err != nil {
				logger.Warn("failed to close journal queue", "error", err)
			}
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sub := queue.Subscribe()
	defer sub.Close()

	encoder := json.NewEncoder(os.Stdout)
	logger.Info("tailing journal", "addr", addr)
	for {
		select {
		case <-ctx.Done():
			return
		case entry, ok := <-sub.Entries():
			if !ok {
				return
			}
			if err := encoder.Encode(entry); err != nil {
				logger.Error("failed to encode entry", "error", err)
				os.Exit(1)
			}
		}
	}
}
