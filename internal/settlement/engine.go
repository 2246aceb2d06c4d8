package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"livkit-live/internal/events"
	"livkit-live/internal/observability/logging"
	"livkit-live/internal/observability/metrics"
	"livkit-live/internal/storage"
)

// Config controls payout math and sweep behaviour.
type Config struct {
	// CentsPerViewerMinute is the fixed payout rate applied to every billed
	// viewer-minute. Fixed so a host can audit earnings from the usage log.
	CentsPerViewerMinute int64
	// MaxAttempts bounds retries of a single stream's settlement transaction.
	MaxAttempts int
	// RetryBackoff is the base delay between attempts, doubled per retry.
	RetryBackoff time.Duration
	// EndedWindow is how long after a stream ends its unbilled minutes remain
	// eligible for the sweep.
	EndedWindow time.Duration
	// Concurrency bounds how many streams one sweep settles in parallel.
	Concurrency int
}

// DefaultConfig matches the production payout rate of 2 dollars per viewer
// per hour-of-minutes, expressed as cents per viewer-minute.
func DefaultConfig() Config {
	return Config{
		CentsPerViewerMinute: 200,
		MaxAttempts:          3,
		RetryBackoff:         500 * time.Millisecond,
		EndedWindow:          10 * time.Minute,
		Concurrency:          4,
	}
}

func (c Config) normalized() Config {
	out := c
	if out.CentsPerViewerMinute < 0 {
		out.CentsPerViewerMinute = 0
	}
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = 3
	}
	if out.RetryBackoff <= 0 {
		out.RetryBackoff = 500 * time.Millisecond
	}
	if out.EndedWindow <= 0 {
		out.EndedWindow = 10 * time.Minute
	}
	if out.Concurrency <= 0 {
		out.Concurrency = 4
	}
	return out
}

// Engine converts recorded viewer-minutes into host earnings. Settlement is
// idempotent at the datastore level, so retries and overlapping sweeps never
// double-bill a minute.
type Engine struct {
	repo      storage.Repository
	cfg       Config
	logger    *slog.Logger
	recorder  *metrics.Recorder
	publisher *events.Publisher
	sleep     func(context.Context, time.Duration) error
}

// Option mutates engine configuration.
type Option func(*Engine)

// WithLogger installs a logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithRecorder installs a metrics recorder.
func WithRecorder(recorder *metrics.Recorder) Option {
	return func(e *Engine) {
		if recorder != nil {
			e.recorder = recorder
		}
	}
}

// WithPublisher installs a billing event publisher.
func WithPublisher(publisher *events.Publisher) Option {
	return func(e *Engine) {
		if publisher != nil {
			e.publisher = publisher
		}
	}
}

// New builds a settlement engine over the repository.
func New(repo storage.Repository, cfg Config, opts ...Option) *Engine {
	engine := &Engine{
		repo:      repo,
		cfg:       cfg.normalized(),
		logger:    slog.Default(),
		recorder:  metrics.Default(),
		publisher: events.NewPublisher(nil, nil, nil),
		sleep:     sleepContext,
	}
	for _, opt := range opts {
		opt(engine)
	}
	return engine
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// SettleStream runs one settlement transaction for the stream, retrying
// transient failures with exponential backoff.
func (e *Engine) SettleStream(ctx context.Context, streamID string) (storage.SettlementResult, error) {
	logger := logging.WithContext(logging.ContextWithStreamID(ctx, streamID), e.logger)

	var lastErr error
	backoff := e.cfg.RetryBackoff
	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		result, err := e.repo.SettleStreamUsage(streamID, e.cfg.CentsPerViewerMinute)
		if err == nil {
			e.observe(ctx, result)
			return result, nil
		}
		// Missing streams never settle; retrying cannot help.
		if errors.Is(err, storage.ErrNotFound) {
			e.recorder.ObserveSettlement("failed", 0, 0)
			return storage.SettlementResult{}, err
		}
		lastErr = err
		logger.Warn("settlement attempt failed", "attempt", attempt, "error", err)
		if attempt < e.cfg.MaxAttempts {
			if err := e.sleep(ctx, backoff); err != nil {
				return storage.SettlementResult{}, err
			}
			backoff *= 2
		}
	}
	e.recorder.ObserveSettlement("failed", 0, 0)
	return storage.SettlementResult{}, fmt.Errorf("settle stream %s: %w", streamID, lastErr)
}

func (e *Engine) observe(ctx context.Context, result storage.SettlementResult) {
	if !result.Settled {
		e.recorder.ObserveSettlement("noop", 0, 0)
		return
	}
	e.recorder.ObserveSettlement("settled", result.MinutesBilled, result.AddedCents)
	e.logger.Info("settlement completed",
		"stream_id", result.StreamID,
		"host_id", result.HostID,
		"minutes", result.MinutesBilled,
		"added_cents", result.AddedCents,
		"total_cents", result.TotalCents)
	e.publisher.Publish(ctx, events.Event{
		Type:     events.TypeSettlementCompleted,
		StreamID: result.StreamID,
		HostID:   result.HostID,
		Minutes:  result.MinutesBilled,
		Cents:    result.AddedCents,
	})
}

// Run performs one sweep: every stream with unbilled minutes is settled, with
// bounded parallelism. Individual stream failures do not abort the sweep; the
// first error is returned after all streams have been attempted.
func (e *Engine) Run(ctx context.Context) error {
	streams := e.repo.ListSettleableStreams(e.cfg.EndedWindow)
	if len(streams) == 0 {
		return nil
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(e.cfg.Concurrency)
	errs := make([]error, len(streams))
	for i, stream := range streams {
		i, stream := i, stream
		group.Go(func() error {
			if _, err := e.SettleStream(groupCtx, stream.ID); err != nil {
				errs[i] = err
			}
			// Collect per-stream errors instead of returning them so one bad
			// stream cannot cancel the rest of the sweep.
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}
	return errors.Join(errs...)
}
