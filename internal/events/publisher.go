package events

import (
	"context"
	"log/slog"
	"time"

	"livkit-live/internal/observability/metrics"
)

// Publisher wraps a Queue with logging and metrics. Billing paths publish
// best-effort: a queue outage never fails the wallet or session mutation that
// already committed.
type Publisher struct {
	queue    Queue
	logger   *slog.Logger
	recorder *metrics.Recorder
	now      func() time.Time
}

// NewPublisher builds a Publisher. A nil queue falls back to the nop queue
// and a nil recorder to the default metrics recorder.
func NewPublisher(queue Queue, logger *slog.Logger, recorder *metrics.Recorder) *Publisher {
	if queue == nil {
		queue = NopQueue()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if recorder == nil {
		recorder = metrics.Default()
	}
	return &Publisher{
		queue:    queue,
		logger:   logger,
		recorder: recorder,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Publish stamps and pushes the event, recording the outcome.
func (p *Publisher) Publish(ctx context.Context, event Event) {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = p.now()
	}
	if err := p.queue.Publish(ctx, event); err != nil {
		p.recorder.ObserveEventPublishFailure(string(event.Type))
		p.logger.Warn("billing event publish failed",
			"type", event.Type,
			"stream_id", event.StreamID,
			"viewer_id", event.ViewerID,
			"error", err)
		return
	}
	p.recorder.ObserveEventPublished(string(event.Type))
}
