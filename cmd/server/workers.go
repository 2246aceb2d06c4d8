package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"livkit-live/internal/events"
	"livkit-live/internal/models"
	"livkit-live/internal/observability/metrics"
	"livkit-live/internal/settlement"
)

type workerTicker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct {
	ticker *time.Ticker
}

func (t timeTicker) C() <-chan time.Time {
	return t.ticker.C
}

func (t timeTicker) Stop() {
	t.ticker.Stop()
}

type tickerFactory func(time.Duration) workerTicker

func newTimeTicker(d time.Duration) workerTicker {
	return timeTicker{ticker: time.NewTicker(d)}
}

type settlementRunner interface {
	Run(ctx context.Context) error
}

// startSettlementWorker sweeps settleable streams on a fixed interval so host
// earnings stay close to live usage.
func startSettlementWorker(ctx context.Context, logger *slog.Logger, engine settlementRunner, interval time.Duration) func() {
	return startSettlementWorkerWithTicker(ctx, logger, engine, interval, newTimeTicker)
}

func startSettlementWorkerWithTicker(
	ctx context.Context,
	logger *slog.Logger,
	engine settlementRunner,
	interval time.Duration,
	newTicker tickerFactory,
) func() {
	if engine == nil || interval <= 0 {
		return func() {}
	}
	workerCtx, cancel := context.WithCancel(ctx)
	ticker := newTicker(interval)
	done := make(chan struct{})
	go func() {
		defer func() {
			ticker.Stop()
			close(done)
		}()
		for {
			select {
			case <-workerCtx.Done():
				return
			case <-ticker.C():
				if err := engine.Run(workerCtx); err != nil && logger != nil {
					logger.Error("settlement sweep failed", "error", err)
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}

type streamSweepStore interface {
	ListTimedOutStreams(timeout time.Duration) []models.Stream
	EndStream(id string) (models.Stream, []models.ViewerSession, error)
}

// streamSweepConfig wires the dependencies of the stale-stream sweeper.
type streamSweepConfig struct {
	Store     streamSweepStore
	Engine    *settlement.Engine
	Publisher *events.Publisher
	Recorder  *metrics.Recorder
	Logger    *slog.Logger
	Timeout   time.Duration
	Interval  time.Duration
}

// startStreamSweepWorker ends live streams whose host heartbeat went silent,
// then settles whatever those streams had accrued.
func startStreamSweepWorker(ctx context.Context, cfg streamSweepConfig) func() {
	return startStreamSweepWorkerWithTicker(ctx, cfg, newTimeTicker)
}

func startStreamSweepWorkerWithTicker(ctx context.Context, cfg streamSweepConfig, newTicker tickerFactory) func() {
	if cfg.Store == nil || cfg.Timeout <= 0 || cfg.Interval <= 0 {
		return func() {}
	}
	workerCtx, cancel := context.WithCancel(ctx)
	ticker := newTicker(cfg.Interval)
	done := make(chan struct{})
	go func() {
		defer func() {
			ticker.Stop()
			close(done)
		}()
		for {
			select {
			case <-workerCtx.Done():
				return
			case <-ticker.C():
				sweepTimedOutStreams(workerCtx, cfg)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}

func sweepTimedOutStreams(ctx context.Context, cfg streamSweepConfig) {
	for _, stale := range cfg.Store.ListTimedOutStreams(cfg.Timeout) {
		stream, ended, err := cfg.Store.EndStream(stale.ID)
		if err != nil {
			if cfg.Logger != nil {
				cfg.Logger.Error("failed to end stale stream", "stream_id", stale.ID, "error", err)
			}
			continue
		}
		if cfg.Logger != nil {
			cfg.Logger.Info("ended stale stream",
				"stream_id", stream.ID,
				"host_id", stream.HostID,
				"sessions_closed", len(ended))
		}
		if cfg.Recorder != nil {
			cfg.Recorder.StreamEnded("heartbeat_timeout")
			for _, session := range ended {
				cfg.Recorder.SessionEnded(string(session.EndedReason))
			}
		}
		if cfg.Publisher != nil {
			for _, session := range ended {
				cfg.Publisher.Publish(ctx, events.Event{
					Type:     events.TypeSessionEnded,
					StreamID: stream.ID,
					ViewerID: session.ViewerID,
					Reason:   string(session.EndedReason),
					Seconds:  session.ActiveSeconds,
					Minutes:  session.BilledMinutes(),
				})
			}
			cfg.Publisher.Publish(ctx, events.Event{
				Type:     events.TypeStreamEnded,
				StreamID: stream.ID,
				HostID:   stream.HostID,
			})
		}
		if cfg.Engine != nil {
			if _, err := cfg.Engine.SettleStream(ctx, stream.ID); err != nil && cfg.Logger != nil {
				cfg.Logger.Warn("settlement after sweep failed", "stream_id", stream.ID, "error", err)
			}
		}
	}
}
