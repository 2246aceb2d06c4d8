// Command server starts the LivKit metering API HTTP service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"livkit-live/internal/api"
	"livkit-live/internal/events"
	"livkit-live/internal/observability/logging"
	"livkit-live/internal/observability/metrics"
	"livkit-live/internal/payments"
	"livkit-live/internal/rtc"
	"livkit-live/internal/server"
	"livkit-live/internal/settlement"
	"livkit-live/internal/storage"
)

func main() {
	addr := flag.String("addr", "", "HTTP listen address")
	dataPath := flag.String("data", "", "path to JSON datastore")
	storageDriver := flag.String("storage-driver", "", "datastore driver (json or postgres)")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	postgresMaxConns := flag.Int("postgres-max-conns", 0, "maximum connections in the Postgres pool")
	postgresMinConns := flag.Int("postgres-min-conns", 0, "minimum idle connections maintained by the Postgres pool")
	postgresMaxConnLifetime := flag.Duration("postgres-max-conn-lifetime", 0, "maximum lifetime for a pooled Postgres connection")
	postgresMaxConnIdle := flag.Duration("postgres-max-conn-idle", 0, "maximum idle time for a pooled Postgres connection")
	tlsCert := flag.String("tls-cert", "", "path to TLS certificate file")
	tlsKey := flag.String("tls-key", "", "path to TLS private key file")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "log format (json or text)")
	tickQuantum := flag.Duration("tick-quantum", 0, "watch-time seconds reserved per viewer heartbeat")
	heartbeatTimeout := flag.Duration("heartbeat-timeout", 0, "viewer heartbeat gap that expires a session")
	streamTimeout := flag.Duration("stream-timeout", 0, "host heartbeat gap that force-ends a live stream")
	sweepInterval := flag.Duration("sweep-interval", 0, "interval between stale-stream sweeps")
	settlementInterval := flag.Duration("settlement-interval", 0, "interval between settlement sweeps")
	settlementRate := flag.Int64("settlement-rate-cents", 0, "payout in cents per billed viewer-minute")
	settlementWindow := flag.Duration("settlement-ended-window", 0, "how long ended streams stay eligible for settlement")
	rtcSecret := flag.String("rtc-secret", "", "shared secret for signing RTC join tokens")
	rtcSalt := flag.String("rtc-salt", "", "salt applied when stretching the RTC signing key")
	joinTokenTTL := flag.Duration("join-token-ttl", 0, "validity window for issued RTC join tokens")
	queueDriver := flag.String("events-queue-driver", "", "billing event queue driver (memory or redis)")
	queueRedisAddr := flag.String("events-redis-addr", "", "Redis address for the billing event queue")
	queueRedisAddrs := flag.String("events-redis-addrs", "", "comma separated Redis addresses for the billing event queue")
	queueRedisUsername := flag.String("events-redis-username", "", "Redis username for the billing event queue")
	queueRedisPassword := flag.String("events-redis-password", "", "Redis password for the billing event queue")
	queueRedisStream := flag.String("events-redis-stream", "", "Redis stream key for billing events")
	queueRedisGroup := flag.String("events-redis-group", "", "Redis consumer group for billing events")
	queueRedisMasterName := flag.String("events-redis-sentinel-master", "", "Redis sentinel master name for the billing event queue")
	queueRedisPoolSize := flag.Int("events-redis-pool-size", 0, "maximum Redis connections for the billing event queue")
	queueRedisTLSCA := flag.String("events-redis-tls-ca", "", "path to Redis TLS CA certificate for the billing event queue")
	queueRedisTLSCert := flag.String("events-redis-tls-cert", "", "path to Redis TLS client certificate for the billing event queue")
	queueRedisTLSKey := flag.String("events-redis-tls-key", "", "path to Redis TLS client key for the billing event queue")
	queueRedisTLSServerName := flag.String("events-redis-tls-server-name", "", "override Redis TLS server name for the billing event queue")
	queueRedisTLSSkipVerify := flag.Bool("events-redis-tls-skip-verify", false, "skip Redis TLS verification for the billing event queue")
	flag.Parse()

	logger := logging.Init(logging.Config{
		Level:  firstNonEmpty(*logLevel, os.Getenv("LIVKIT_LIVE_LOG_LEVEL")),
		Format: firstNonEmpty(*logFormat, os.Getenv("LIVKIT_LIVE_LOG_FORMAT")),
	})
	recorder := metrics.Default()

	listenAddr := firstNonEmpty(*addr, os.Getenv("LIVKIT_LIVE_ADDR"), ":8080")

	billing := storage.DefaultBillingConfig()
	if quantum := resolveDuration(*tickQuantum, "LIVKIT_LIVE_TICK_QUANTUM", 0); quantum > 0 {
		billing.TickQuantum = quantum
	}
	if timeout := resolveDuration(*heartbeatTimeout, "LIVKIT_LIVE_HEARTBEAT_TIMEOUT", 0); timeout > 0 {
		billing.HeartbeatTimeout = timeout
	}

	dsn := firstNonEmpty(*postgresDSN, os.Getenv("LIVKIT_LIVE_POSTGRES_DSN"), os.Getenv("DATABASE_URL"))
	driver, err := resolveStorageDriver(*storageDriver, os.Getenv("LIVKIT_LIVE_STORAGE_DRIVER"), dsn)
	if err != nil {
		logger.Error("failed to resolve storage driver", "error", err)
		os.Exit(1)
	}

	var store storage.Repository
	switch driver {
	case "json":
		dataFile := firstNonEmpty(*dataPath, os.Getenv("LIVKIT_LIVE_DATA"), "data/store.json")
		store, err = storage.NewStorage(dataFile, storage.WithBillingConfig(billing))
	case "postgres":
		if dsn == "" {
			logger.Error("postgres storage selected without DSN")
			os.Exit(1)
		}
		opts := []storage.PostgresOption{storage.WithPostgresBillingConfig(billing)}
		maxConns := resolveInt(*postgresMaxConns, "LIVKIT_LIVE_POSTGRES_MAX_CONNS")
		minConns := resolveInt(*postgresMinConns, "LIVKIT_LIVE_POSTGRES_MIN_CONNS")
		lifetime := resolveDuration(*postgresMaxConnLifetime, "LIVKIT_LIVE_POSTGRES_MAX_CONN_LIFETIME", 0)
		idle := resolveDuration(*postgresMaxConnIdle, "LIVKIT_LIVE_POSTGRES_MAX_CONN_IDLE", 0)
		if maxConns > 0 || minConns > 0 || lifetime > 0 || idle > 0 {
			opts = append(opts, storage.WithPostgresPool(int32(maxConns), int32(minConns), lifetime, idle))
		}
		connectCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		store, err = storage.NewPostgresRepository(connectCtx, dsn, opts...)
		cancel()
	default:
		logger.Error("unsupported storage driver", "driver", driver)
		os.Exit(1)
	}
	if err != nil {
		logger.Error("failed to open datastore", "error", err)
		os.Exit(1)
	}

	queueCfg := events.RedisQueueConfig{
		Addr:       firstNonEmpty(*queueRedisAddr, os.Getenv("LIVKIT_LIVE_EVENTS_REDIS_ADDR")),
		Addrs:      splitAndTrim(firstNonEmpty(*queueRedisAddrs, os.Getenv("LIVKIT_LIVE_EVENTS_REDIS_ADDRS"))),
		Username:   firstNonEmpty(*queueRedisUsername, os.Getenv("LIVKIT_LIVE_EVENTS_REDIS_USERNAME")),
		Password:   firstNonEmpty(*queueRedisPassword, os.Getenv("LIVKIT_LIVE_EVENTS_REDIS_PASSWORD")),
		Stream:     firstNonEmpty(*queueRedisStream, os.Getenv("LIVKIT_LIVE_EVENTS_REDIS_STREAM")),
		Group:      firstNonEmpty(*queueRedisGroup, os.Getenv("LIVKIT_LIVE_EVENTS_REDIS_GROUP")),
		MasterName: firstNonEmpty(*queueRedisMasterName, os.Getenv("LIVKIT_LIVE_EVENTS_REDIS_SENTINEL_MASTER")),
		PoolSize:   resolveInt(*queueRedisPoolSize, "LIVKIT_LIVE_EVENTS_REDIS_POOL_SIZE"),
		TLS: events.RedisTLSConfig{
			CAFile:             firstNonEmpty(*queueRedisTLSCA, os.Getenv("LIVKIT_LIVE_EVENTS_REDIS_TLS_CA")),
			CertFile:           firstNonEmpty(*queueRedisTLSCert, os.Getenv("LIVKIT_LIVE_EVENTS_REDIS_TLS_CERT")),
			KeyFile:            firstNonEmpty(*queueRedisTLSKey, os.Getenv("LIVKIT_LIVE_EVENTS_REDIS_TLS_KEY")),
			ServerName:         firstNonEmpty(*queueRedisTLSServerName, os.Getenv("LIVKIT_LIVE_EVENTS_REDIS_TLS_SERVER_NAME")),
			InsecureSkipVerify: resolveBool(*queueRedisTLSSkipVerify, "LIVKIT_LIVE_EVENTS_REDIS_TLS_SKIP_VERIFY"),
		},
	}
	queue, err := configureEventQueue(firstNonEmpty(*queueDriver, os.Getenv("LIVKIT_LIVE_EVENTS_QUEUE_DRIVER")), queueCfg, logger)
	if err != nil {
		logger.Error("failed to configure event queue", "error", err)
		os.Exit(1)
	}
	publisher := events.NewPublisher(queue, logging.WithComponent(logger, "events"), recorder)

	var tokens rtc.TokenProvider = rtc.NoopProvider{}
	if secret := firstNonEmpty(*rtcSecret, os.Getenv("LIVKIT_LIVE_RTC_SECRET")); secret != "" {
		signer, err := rtc.NewSigner(secret, firstNonEmpty(*rtcSalt, os.Getenv("LIVKIT_LIVE_RTC_SALT")))
		if err != nil {
			logger.Error("failed to configure rtc signer", "error", err)
			os.Exit(1)
		}
		tokens = signer
	} else {
		logger.Warn("rtc secret not configured, issuing unsigned join tokens")
	}

	settlementCfg := settlement.DefaultConfig()
	if rate := resolveInt64(*settlementRate, "LIVKIT_LIVE_SETTLEMENT_RATE_CENTS"); rate > 0 {
		settlementCfg.CentsPerViewerMinute = rate
	}
	if window := resolveDuration(*settlementWindow, "LIVKIT_LIVE_SETTLEMENT_ENDED_WINDOW", 0); window > 0 {
		settlementCfg.EndedWindow = window
	}
	engine := settlement.New(store, settlementCfg,
		settlement.WithLogger(logging.WithComponent(logger, "settlement")),
		settlement.WithRecorder(recorder),
		settlement.WithPublisher(publisher),
	)

	handler := api.NewHandler(store)
	handler.Gateway = payments.NewWalletGateway(store, logging.WithComponent(logger, "payments"), recorder)
	handler.Tokens = tokens
	handler.Publisher = publisher
	handler.Settlement = engine
	handler.Recorder = recorder
	handler.Logger = logger
	if ttl := resolveDuration(*joinTokenTTL, "LIVKIT_LIVE_JOIN_TOKEN_TTL", 0); ttl > 0 {
		handler.JoinTokenTTL = ttl
	}

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	settlementStop := startSettlementWorker(
		workerCtx,
		logging.WithComponent(logger, "settlement-worker"),
		engine,
		resolveDuration(*settlementInterval, "LIVKIT_LIVE_SETTLEMENT_INTERVAL", time.Minute),
	)
	defer settlementStop()
	sweepStop := startStreamSweepWorker(workerCtx, streamSweepConfig{
		Store:     store,
		Engine:    engine,
		Publisher: publisher,
		Recorder:  recorder,
		Logger:    logging.WithComponent(logger, "stream-sweeper"),
		Timeout:   resolveDuration(*streamTimeout, "LIVKIT_LIVE_STREAM_TIMEOUT", time.Minute),
		Interval:  resolveDuration(*sweepInterval, "LIVKIT_LIVE_SWEEP_INTERVAL", 15*time.Second),
	})
	defer sweepStop()

	srv, err := server.New(handler, server.Config{
		Addr: listenAddr,
		TLS: server.TLSConfig{
			CertFile: firstNonEmpty(*tlsCert, os.Getenv("LIVKIT_LIVE_TLS_CERT")),
			KeyFile:  firstNonEmpty(*tlsKey, os.Getenv("LIVKIT_LIVE_TLS_KEY")),
		},
		Logger:  logger,
		Metrics: recorder,
	})
	if err != nil {
		logger.Error("failed to initialise server", "error", err)
		os.Exit(1)
	}

	errs := make(chan error, 1)
	go func() {
		logger.Info("LivKit metering API listening", "addr", listenAddr, "storage", driver)
		logger.Info("metrics endpoint available", "path", "/metrics")
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("received shutdown signal", "signal", sig.String())
	case err := <-errs:
		logger.Error("server error", "error", err)
	}

	workerCancel()
	settlementStop()
	sweepStop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("graceful shutdown failed", "error", err)
	}

	if closer, ok := store.(interface{ Close(context.Context) error }); ok {
		if err := closer.Close(ctx); err != nil {
			logger.Warn("failed to close datastore", "error", err)
		}
	} else if closer, ok := store.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			logger.Warn("failed to close datastore", "error", err)
		}
	}

	logger.Info("server stopped")
}

func configureEventQueue(driver string, cfg events.RedisQueueConfig, logger *slog.Logger) (events.Queue, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "memory":
		if driver == "" && (cfg.Addr != "" || len(cfg.Addrs) > 0) {
			queue, err := events.NewRedisQueue(cfg)
			if err != nil {
				return nil, err
			}
			logger.Info("billing events routed through redis", "stream", cfg.Stream)
			return queue, nil
		}
		return events.NewMemoryQueue(0), nil
	case "redis":
		queue, err := events.NewRedisQueue(cfg)
		if err != nil {
			return nil, err
		}
		logger.Info("billing events routed through redis", "stream", cfg.Stream)
		return queue, nil
	case "none":
		return events.NopQueue(), nil
	default:
		return nil, fmt.Errorf("unsupported event queue driver %q", driver)
	}
}

func resolveStorageDriver(flagValue, envValue, postgresDSN string) (string, error) {
	if driver := strings.ToLower(strings.TrimSpace(flagValue)); driver != "" {
		return driver, nil
	}
	if driver := strings.ToLower(strings.TrimSpace(envValue)); driver != "" {
		return driver, nil
	}
	if strings.TrimSpace(postgresDSN) != "" {
		return "postgres", nil
	}
	return "json", nil
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

func resolveInt64(flagValue int64, envKey string) int64 {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.ParseInt(strings.TrimSpace(env), 10, 64); err == nil {
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
