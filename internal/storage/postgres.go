package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresConfig describes how the repository initialises its Postgres
// connection pool and how long individual datastore operations may run.
type PostgresConfig struct {
	DSN                 string
	MaxConnections      int32
	MinConnections      int32
	MaxConnLifetime     time.Duration
	MaxConnIdleTime     time.Duration
	HealthCheckInterval time.Duration
	ConnectTimeout      time.Duration
	ApplicationName     string
	OperationTimeout    time.Duration
	Billing             BillingConfig
	Clock               func() time.Time
}

// PostgresOption mutates postgres repository configuration.
type PostgresOption func(*PostgresConfig)

// WithPostgresClock installs a custom time source for the repository.
func WithPostgresClock(now func() time.Time) PostgresOption {
	return func(cfg *PostgresConfig) {
		if now != nil {
			cfg.Clock = now
		}
	}
}

// WithPostgresBillingConfig overrides the accrual quantum and heartbeat
// timeout used by the session operations.
func WithPostgresBillingConfig(billing BillingConfig) PostgresOption {
	return func(cfg *PostgresConfig) {
		cfg.Billing = billing.normalized()
	}
}

// WithPostgresPool tunes the pgx connection pool.
func WithPostgresPool(maxConns, minConns int32, lifetime, idle time.Duration) PostgresOption {
	return func(cfg *PostgresConfig) {
		cfg.MaxConnections = maxConns
		cfg.MinConnections = minConns
		cfg.MaxConnLifetime = lifetime
		cfg.MaxConnIdleTime = idle
	}
}

func newPostgresConfig(dsn string, opts ...PostgresOption) PostgresConfig {
	cfg := PostgresConfig{
		DSN:              dsn,
		ApplicationName:  "livkit-live",
		OperationTimeout: 5 * time.Second,
		Billing:          DefaultBillingConfig(),
		Clock:            func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	cfg.Billing = cfg.Billing.normalized()
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = 5 * time.Second
	}
	return cfg
}

// PostgresRepository is the production datastore. Wallet and session
// mutations run in transactions with row locks, so the same invariants hold
// under concurrent API traffic that the JSON store enforces with its single
// mutex.
type PostgresRepository struct {
	pool    *pgxpool.Pool
	cfg     PostgresConfig
	billing BillingConfig
	now     func() time.Time
}

var _ Repository = (*PostgresRepository)(nil)

// NewPostgresRepository opens a Postgres-backed repository and applies the
// schema migration.
func NewPostgresRepository(ctx context.Context, dsn string, opts ...PostgresOption) (*PostgresRepository, error) {
	cfg := newPostgresConfig(dsn, opts...)
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections > 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckInterval > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckInterval
	}
	if cfg.ConnectTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}

	repo := &PostgresRepository{
		pool:    pool,
		cfg:     cfg,
		billing: cfg.Billing,
		now:     cfg.Clock,
	}
	if err := repo.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return repo, nil
}

// Close drains the connection pool, honouring the context deadline.
func (r *PostgresRepository) Close(ctx context.Context) error {
	if r == nil || r.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		r.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// Ping verifies connectivity.
func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func (r *PostgresRepository) opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), r.cfg.OperationTimeout)
}

// withTx runs fn in a transaction and commits on success.
func (r *PostgresRepository) withTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer rollbackTx(ctx, tx)

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// rollbackTx is safe to defer alongside a commit; rolling back a committed
// transaction returns pgx.ErrTxClosed, which is expected.
func rollbackTx(ctx context.Context, tx pgx.Tx) {
	_ = tx.Rollback(ctx)
}
