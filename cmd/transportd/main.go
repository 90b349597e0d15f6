// Command transportd starts the transport state synchronization daemon.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"transportsync/internal/api"
	"transportsync/internal/catalog"
	"transportsync/internal/hub"
	"transportsync/internal/journal"
	"transportsync/internal/observability/logging"
	"transportsync/internal/observability/metrics"
	"transportsync/internal/server"
	"transportsync/internal/transport"
)

const defaultPort = "8765"

func main() {
	addr := flag.String("addr", "", "HTTP listen address")
	project := flag.String("project", "", "id of the initially active project")
	catalogDriver := flag.String("catalog-driver", "", "project catalog driver (dir or postgres)")
	catalogDir := flag.String("catalog-dir", "", "directory of project JSON files")
	catalogWatch := flag.Bool("catalog-watch", true, "reload the catalog directory on file changes")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string for the catalog")
	postgresTable := flag.String("postgres-table", "", "Postgres table holding project metadata")
	postgresMaxConns := flag.Int("postgres-max-conns", 0, "maximum connections in the Postgres pool")
	postgresMinConns := flag.Int("postgres-min-conns", 0, "minimum idle connections maintained by the Postgres pool")
	postgresMaxConnLifetime := flag.Duration("postgres-max-conn-lifetime", 0, "maximum lifetime for a pooled Postgres connection")
	postgresMaxConnIdle := flag.Duration("postgres-max-conn-idle", 0, "maximum idle time for a pooled Postgres connection")
	postgresHealthInterval := flag.Duration("postgres-health-interval", 0, "interval between Postgres health checks")
	postgresAcquireTimeout := flag.Duration("postgres-acquire-timeout", 0, "timeout when acquiring a Postgres connection from the pool")
	postgresAppName := flag.String("postgres-app-name", "", "application_name reported to Postgres")
	journalDriver := flag.String("journal-driver", "", "snapshot journal driver (memory or redis)")
	journalHistory := flag.Int("journal-history", 0, "entries retained for the history endpoint")
	journalRedisAddr := flag.String("journal-redis-addr", "", "Redis address for the snapshot journal")
	journalRedisAddrs := flag.String("journal-redis-addrs", "", "comma separated Redis addresses for the snapshot journal")
	journalRedisUsername := flag.String("journal-redis-username", "", "Redis username for the snapshot journal")
	journalRedisPassword := flag.String("journal-redis-password", "", "Redis password for the snapshot journal")
	journalRedisStream := flag.String("journal-redis-stream", "", "Redis stream key for journal entries")
	journalRedisGroup := flag.String("journal-redis-group", "", "Redis consumer group for the snapshot journal")
	journalRedisMasterName := flag.String("journal-redis-sentinel-master", "", "Redis sentinel master name for the snapshot journal")
	journalRedisPoolSize := flag.Int("journal-redis-pool-size", 0, "maximum Redis connections for the snapshot journal")
	journalRedisTLSCA := flag.String("journal-redis-tls-ca", "", "path to Redis TLS CA certificate for the snapshot journal")
	journalRedisTLSCert := flag.String("journal-redis-tls-cert", "", "path to Redis TLS client certificate for the snapshot journal")
	journalRedisTLSKey := flag.String("journal-redis-tls-key", "", "path to Redis TLS client key for the snapshot journal")
	journalRedisTLSServerName := flag.String("journal-redis-tls-server-name", "", "override Redis TLS server name for the snapshot journal")
	journalRedisTLSSkipVerify := flag.Bool("journal-redis-tls-skip-verify", false, "skip Redis TLS verification for the snapshot journal")
	heartbeat := flag.Duration("heartbeat", 0, "observer heartbeat interval (0 uses the default, negative disables)")
	controlTokenHash := flag.String("control-token-hash", "", "PBKDF2 hash of the token guarding the mutating endpoints")
	controlOrigins := flag.String("control-origins", "", "comma separated origins allowed on the control surface")
	overlayOrigins := flag.String("overlay-origins", "", "comma separated origins allowed on the overlay surface")
	tlsCert := flag.String("tls-cert", "", "path to TLS certificate file")
	tlsKey := flag.String("tls-key", "", "path to TLS private key file")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "log format (text or json)")
	globalRPS := flag.Float64("rate-global-rps", 0, "global request rate limit in requests per second")
	globalBurst := flag.Int("rate-global-burst", 0, "global rate limit burst allowance")
	mutationLimit := flag.Int("rate-mutation-limit", 0, "maximum mutations per window for a single IP")
	mutationWindow := flag.Duration("rate-mutation-window", 0, "window for counting mutations")
	trustForwarded := flag.Bool("rate-trust-forwarded-headers", false, "trust proxy-provided client IP headers")
	trustedProxies := flag.String("rate-trusted-proxies", "", "comma separated CIDR blocks or IPs of trusted proxies")
	rateRedisAddr := flag.String("rate-redis-addr", "", "Redis address for shared mutation throttling")
	rateRedisPassword := flag.String("rate-redis-password", "", "Redis password for shared mutation throttling")
	rateRedisTimeout := flag.Duration("rate-redis-timeout", 0, "timeout for rate limit Redis operations")
	rateRedisTLSCA := flag.String("rate-redis-tls-ca", "", "path to Redis TLS CA certificate for mutation throttling")
	rateRedisTLSCert := flag.String("rate-redis-tls-cert", "", "path to Redis TLS client certificate for mutation throttling")
	rateRedisTLSKey := flag.String("rate-redis-tls-key", "", "path to Redis TLS client key for mutation throttling")
	rateRedisTLSServerName := flag.String("rate-redis-tls-server-name", "", "override Redis TLS server name for mutation throttling")
	rateRedisTLSSkipVerify := flag.Bool("rate-redis-tls-skip-verify", false, "skip Redis TLS verification for mutation throttling")
	flag.Parse()

	logger := logging.New(logging.Config{
		Level:  firstNonEmpty(*logLevel, os.Getenv("TRANSPORTD_LOG_LEVEL")),
		Format: firstNonEmpty(*logFormat, os.Getenv("TRANSPORTD_LOG_FORMAT")),
	})
	auditLogger := logging.WithComponent(logger, "audit")
	recorder := metrics.Default()

	listenAddr := resolveListenAddr(*addr, os.Getenv("TRANSPORTD_ADDR"), os.Getenv("TRANSPORTD_HOST"), os.Getenv("TRANSPORTD_PORT"))

	watchValue := *catalogWatch
	if env, ok := os.LookupEnv("TRANSPORTD_CATALOG_WATCH"); ok {
		if value, err := strconv.ParseBool(strings.TrimSpace(env)); err == nil {
			watchValue = value
		} else {
			logger.Warn("invalid TRANSPORTD_CATALOG_WATCH", "value", env, "error", err)
		}
	}

	catalogDSN := resolvePostgresDSN(*postgresDSN)
	driver := resolveCatalogDriver(*catalogDriver, os.Getenv("TRANSPORTD_CATALOG_DRIVER"), catalogDSN)

	catalogLogger := logging.WithComponent(logger, "catalog")
	var (
		cat catalog.Catalog
		err error
	)
	switch driver {
	case "dir":
		cat, err = catalog.NewDir(
			resolveCatalogDir(*catalogDir, os.Getenv("TRANSPORTD_CATALOG_DIR")),
			catalog.WithLogger(catalogLogger),
			catalog.WithWatch(watchValue),
		)
	case "postgres":
		if catalogDSN == "" {
			logger.Error("postgres catalog selected without DSN")
			os.Exit(1)
		}
		options := []catalog.Option{catalog.WithLogger(catalogLogger)}
		maxConns := resolveInt(*postgresMaxConns, "TRANSPORTD_POSTGRES_MAX_CONNS")
		minConns := resolveInt(*postgresMinConns, "TRANSPORTD_POSTGRES_MIN_CONNS")
		if maxConns > 0 || minConns > 0 {
			options = append(options, catalog.WithPostgresPoolLimits(int32(maxConns), int32(minConns)))
		}
		maxLifetime := resolveDuration(*postgresMaxConnLifetime, "TRANSPORTD_POSTGRES_MAX_CONN_LIFETIME", 0)
		maxIdle := resolveDuration(*postgresMaxConnIdle, "TRANSPORTD_POSTGRES_MAX_CONN_IDLE", 0)
		healthInterval := resolveDuration(*postgresHealthInterval, "TRANSPORTD_POSTGRES_HEALTH_INTERVAL", 0)
		if maxLifetime > 0 || maxIdle > 0 || healthInterval > 0 {
			options = append(options, catalog.WithPostgresPoolDurations(maxLifetime, maxIdle, healthInterval))
		}
		if acquireTimeout := resolveDuration(*postgresAcquireTimeout, "TRANSPORTD_POSTGRES_ACQUIRE_TIMEOUT", 0); acquireTimeout > 0 {
			options = append(options, catalog.WithPostgresAcquireTimeout(acquireTimeout))
		}
		if appName := firstNonEmpty(*postgresAppName, os.Getenv("TRANSPORTD_POSTGRES_APP_NAME")); appName != "" {
			options = append(options, catalog.WithPostgresApplicationName(appName))
		}
		if table := firstNonEmpty(*postgresTable, os.Getenv("TRANSPORTD_POSTGRES_TABLE")); table != "" {
			options = append(options, catalog.WithPostgresTable(table))
		}
		cat, err = catalog.NewPostgres(catalogDSN, options...)
	default:
		logger.Error("unsupported catalog driver", "driver", driver)
		os.Exit(1)
	}
	if err != nil {
		logger.Error("failed to open project catalog", "error", err)
		os.Exit(1)
	}

	store, err := transport.NewStore(transport.StoreConfig{
		Catalog:   cat,
		Logger:    logging.WithComponent(logger, "transport"),
		ProjectID: firstNonEmpty(*project, os.Getenv("TRANSPORTD_PROJECT")),
	})
	if err != nil {
		logger.Error("failed to seed transport", "error", err)
		os.Exit(1)
	}

	observers := hub.New(hub.Config{
		Store:             store,
		Logger:            logging.WithComponent(logger, "hub"),
		HeartbeatInterval: resolveHeartbeat(*heartbeat, os.Getenv("TRANSPORTD_HEARTBEAT")),
	})

	journalCfg := journal.RedisQueueConfig{
		Addr:       firstNonEmpty(*journalRedisAddr, os.Getenv("TRANSPORTD_JOURNAL_REDIS_ADDR")),
		Addrs:      splitAndTrim(firstNonEmpty(*journalRedisAddrs, os.Getenv("TRANSPORTD_JOURNAL_REDIS_ADDRS"))),
		Username:   firstNonEmpty(*journalRedisUsername, os.Getenv("TRANSPORTD_JOURNAL_REDIS_USERNAME")),
		Password:   firstNonEmpty(*journalRedisPassword, os.Getenv("TRANSPORTD_JOURNAL_REDIS_PASSWORD")),
		Stream:     firstNonEmpty(*journalRedisStream, os.Getenv("TRANSPORTD_JOURNAL_REDIS_STREAM")),
		Group:      firstNonEmpty(*journalRedisGroup, os.Getenv("TRANSPORTD_JOURNAL_REDIS_GROUP")),
		MasterName: firstNonEmpty(*journalRedisMasterName, os.Getenv("TRANSPORTD_JOURNAL_REDIS_SENTINEL_MASTER")),
		PoolSize:   resolveInt(*journalRedisPoolSize, "TRANSPORTD_JOURNAL_REDIS_POOL_SIZE"),
		TLS: journal.RedisTLSConfig{
			CAFile:             firstNonEmpty(*journalRedisTLSCA, os.Getenv("TRANSPORTD_JOURNAL_REDIS_TLS_CA")),
			CertFile:           firstNonEmpty(*journalRedisTLSCert, os.Getenv("TRANSPORTD_JOURNAL_REDIS_TLS_CERT")),
			KeyFile:            firstNonEmpty(*journalRedisTLSKey, os.Getenv("TRANSPORTD_JOURNAL_REDIS_TLS_KEY")),
			ServerName:         firstNonEmpty(*journalRedisTLSServerName, os.Getenv("TRANSPORTD_JOURNAL_REDIS_TLS_SERVER_NAME")),
			InsecureSkipVerify: resolveBool(*journalRedisTLSSkipVerify, "TRANSPORTD_JOURNAL_REDIS_TLS_SKIP_VERIFY"),
		},
	}
	queue, err := configureJournalQueue(firstNonEmpty(*journalDriver, os.Getenv("TRANSPORTD_JOURNAL_DRIVER")), journalCfg, logger)
	if err != nil {
		logger.Error("failed to configure journal queue", "error", err)
		os.Exit(1)
	}

	history := journal.NewHistory(resolveInt(*journalHistory, "TRANSPORTD_JOURNAL_HISTORY"))
	worker := journal.NewWorker(queue, history, logging.WithComponent(logger, "journal-worker"))
	store.SetBroadcaster(transport.MultiBroadcaster{
		observers,
		journal.NewRecorder(queue, logging.WithComponent(logger, "journal")),
	})

	handler := api.NewHandler(store, observers)
	handler.Catalog = cat
	handler.Journal = history
	handler.Queue = queue
	handler.Logger = logging.WithComponent(logger, "api")

	tlsCfg := server.TLSConfig{
		CertFile: firstNonEmpty(*tlsCert, os.Getenv("TRANSPORTD_TLS_CERT")),
		KeyFile:  firstNonEmpty(*tlsKey, os.Getenv("TRANSPORTD_TLS_KEY")),
	}

	srv, err := server.New(handler, server.Config{
		Addr: listenAddr,
		TLS:  tlsCfg,
		RateLimit: server.RateLimitConfig{
			GlobalRPS:             resolveFloat(*globalRPS, "TRANSPORTD_RATE_GLOBAL_RPS"),
			GlobalBurst:           resolveInt(*globalBurst, "TRANSPORTD_RATE_GLOBAL_BURST"),
			MutationLimit:         resolveInt(*mutationLimit, "TRANSPORTD_RATE_MUTATION_LIMIT"),
			MutationWindow:        resolveDuration(*mutationWindow, "TRANSPORTD_RATE_MUTATION_WINDOW", time.Minute),
			TrustForwardedHeaders: resolveBool(*trustForwarded, "TRANSPORTD_RATE_TRUST_FORWARDED_HEADERS"),
			TrustedProxies:        splitAndTrim(firstNonEmpty(*trustedProxies, os.Getenv("TRANSPORTD_RATE_TRUSTED_PROXIES"))),
			RedisAddr:             firstNonEmpty(*rateRedisAddr, os.Getenv("TRANSPORTD_RATE_REDIS_ADDR")),
			RedisPassword:         firstNonEmpty(*rateRedisPassword, os.Getenv("TRANSPORTD_RATE_REDIS_PASSWORD")),
			RedisTimeout:          resolveDuration(*rateRedisTimeout, "TRANSPORTD_RATE_REDIS_TIMEOUT", 2*time.Second),
			RedisTLS: server.RedisTLSConfig{
				CAFile:             firstNonEmpty(*rateRedisTLSCA, os.Getenv("TRANSPORTD_RATE_REDIS_TLS_CA")),
				CertFile:           firstNonEmpty(*rateRedisTLSCert, os.Getenv("TRANSPORTD_RATE_REDIS_TLS_CERT")),
				KeyFile:            firstNonEmpty(*rateRedisTLSKey, os.Getenv("TRANSPORTD_RATE_REDIS_TLS_KEY")),
				ServerName:         firstNonEmpty(*rateRedisTLSServerName, os.Getenv("TRANSPORTD_RATE_REDIS_TLS_SERVER_NAME")),
				InsecureSkipVerify: resolveBool(*rateRedisTLSSkipVerify, "TRANSPORTD_RATE_REDIS_TLS_SKIP_VERIFY"),
			},
		},
		CORS: server.CORSConfig{
			ControlOrigins: splitAndTrim(firstNonEmpty(*controlOrigins, os.Getenv("TRANSPORTD_CONTROL_ORIGINS"))),
			OverlayOrigins: splitAndTrim(firstNonEmpty(*overlayOrigins, os.Getenv("TRANSPORTD_OVERLAY_ORIGINS"))),
		},
		Control: server.ControlConfig{
			TokenHash: firstNonEmpty(*controlTokenHash, os.Getenv("TRANSPORTD_CONTROL_TOKEN_HASH")),
		},
		Logger:      logger,
		AuditLogger: auditLogger,
		Metrics:     recorder,
	})
	if err != nil {
		logger.Error("failed to initialise server", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		worker.Run(groupCtx)
		return nil
	})
	group.Go(func() error {
		logger.Info("transportd listening",
			"addr", listenAddr,
			"catalog", driver,
			"projects", len(store.Projects()),
			"active_project", store.ActiveProjectID())
		if tlsCfg.CertFile != "" && tlsCfg.KeyFile != "" {
			logger.Info("TLS enabled", "cert_file", tlsCfg.CertFile)
		}
		logger.Info("metrics endpoint available", "path", "/metrics")
		return srv.Run(groupCtx)
	})

	waitErr := group.Wait()
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if closer, ok := queue.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			logger.Warn("failed to close journal queue", "error", err)
		}
	}
	if err := cat.Close(shutdownCtx); err != nil {
		logger.Warn("failed to close project catalog", "error", err)
	}

	if waitErr != nil && !errors.Is(waitErr, context.Canceled) {
		logger.Error("server error", "error", waitErr)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

func configureJournalQueue(driver string, cfg journal.RedisQueueConfig, logger *slog.Logger) (journal.Queue, error) {
	driver = strings.ToLower(strings.TrimSpace(driver))
	switch driver {
	case "redis":
		if len(cfg.Addrs) == 0 && strings.TrimSpace(cfg.Addr) == "" {
			return nil, fmt.Errorf("redis addr is required for the snapshot journal")
		}
		cfg.Logger = logging.WithComponent(logger, "journal-queue")
		queue, err := journal.NewRedisQueue(cfg)
		if err != nil {
			return nil, err
		}
		return queue, nil
	case "", "memory":
		return journal.NewMemoryQueue(128), nil
	default:
		return nil, fmt.Errorf("unsupported journal driver %q", driver)
	}
}

// resolveListenAddr picks the listen address from the addr flag, the addr
// environment variable, or the host/port pair the original HUD server used.
func resolveListenAddr(flagValue, envAddr, envHost, envPort string) string {
	if addr := strings.TrimSpace(flagValue); addr != "" {
		return addr
	}
	if addr := strings.TrimSpace(envAddr); addr != "" {
		return addr
	}
	host := strings.TrimSpace(envHost)
	port := strings.TrimSpace(envPort)
	if port == "" {
		port = defaultPort
	}
	return net.JoinHostPort(host, port)
}

func resolveCatalogDriver(flagValue, envValue, postgresDSN string) string {
	if driver := strings.ToLower(strings.TrimSpace(flagValue)); driver != "" {
		return driver
	}
	if driver := strings.ToLower(strings.TrimSpace(envValue)); driver != "" {
		return driver
	}
	if strings.TrimSpace(postgresDSN) != "" {
		return "postgres"
	}
	return "dir"
}

func resolveCatalogDir(flagValue, envValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := strings.TrimSpace(envValue); env != "" {
		return env
	}
	return "projects"
}

func resolvePostgresDSN(flagValue string) string {
	return strings.TrimSpace(firstNonEmpty(flagValue, os.Getenv("TRANSPORTD_POSTGRES_DSN"), os.Getenv("DATABASE_URL")))
}

// resolveHeartbeat keeps negative flag values, which disable the heartbeat,
// rather than falling through to the environment.
func resolveHeartbeat(flagValue time.Duration, envValue string) time.Duration {
	if flagValue != 0 {
		return flagValue
	}
	if env := strings.TrimSpace(envValue); env != "" {
		if value, err := time.ParseDuration(env); err == nil {
			return value
		}
	}
	return 0
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func splitAndTrim(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func resolveFloat(flagValue float64, envKey string) float64 {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.ParseFloat(strings.TrimSpace(env), 64); err == nil {
			return value
		}
	}
	return 0
}

func resolveInt(flagValue int, envKey string) int {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.Atoi(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return 0
}

func resolveDuration(flagValue time.Duration, envKey string, fallback time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := time.ParseDuration(env); err == nil {
			return value
		}
	}
	if fallback > 0 {
		return fallback
	}
	return 0
}

func resolveBool(flagValue bool, envKey string) bool {
	if flagValue {
		return true
	}
	if env, ok := os.LookupEnv(envKey); ok {
		if value, err := strconv.ParseBool(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return false
}
