package otel

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/basket/drover/internal/bus"
)

// Recorder turns bus events into metric samples. It is the only consumer of
// worker and onboarding topics that needs every event, so it keeps its own
// subscriptions instead of sharing the notifier's.
type Recorder struct {
	metrics *Metrics
	logger  *slog.Logger

	mu     sync.Mutex
	starts map[string]time.Time // run ID -> start, for duration samples
}

func NewRecorder(m *Metrics, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		metrics: m,
		logger:  logger.With("component", "metrics"),
		starts:  make(map[string]time.Time),
	}
}

// Run consumes events until ctx ends. Run it once, in its own goroutine.
func (r *Recorder) Run(ctx context.Context, b *bus.Bus) {
	workers := b.Subscribe("worker.")
	onboards := b.Subscribe("onboard.")
	defer b.Unsubscribe(workers)
	defer b.Unsubscribe(onboards)

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-workers.Ch():
			r.handleWorker(ctx, ev)
		case ev := <-onboards.Ch():
			r.handleOnboard(ctx, ev)
		}
	}
}

func (r *Recorder) handleWorker(ctx context.Context, ev bus.Event) {
	we, ok := ev.Payload.(bus.WorkerEvent)
	if !ok {
		return
	}
	backend := AttrBackend.String(we.Backend)

	switch ev.Topic {
	case bus.TopicWorkerStarted:
		r.metrics.WorkersActive.Add(ctx, 1, metric.WithAttributes(backend))
		r.mu.Lock()
		r.starts[we.RunID] = time.Now()
		r.mu.Unlock()
	case bus.TopicWorkerAction:
		r.metrics.ActionsTotal.Add(ctx, 1, metric.WithAttributes(backend))
	case bus.TopicWorkerSleeping:
		r.metrics.SleepSeconds.Record(ctx, float64(we.WaitSecs), metric.WithAttributes(backend))
	case bus.TopicWorkerCompleted, bus.TopicWorkerCancelled, bus.TopicWorkerFailed:
		r.metrics.WorkersActive.Add(ctx, -1, metric.WithAttributes(backend))
		r.metrics.RunsTotal.Add(ctx, 1, metric.WithAttributes(backend, AttrState.String(we.State)))

		r.mu.Lock()
		started, ok := r.starts[we.RunID]
		delete(r.starts, we.RunID)
		r.mu.Unlock()
		if ok {
			r.metrics.RunDuration.Record(ctx, time.Since(started).Seconds(), metric.WithAttributes(backend))
		}
	}
}

func (r *Recorder) handleOnboard(ctx context.Context, ev bus.Event) {
	oe, ok := ev.Payload.(bus.OnboardEvent)
	if !ok {
		return
	}
	switch ev.Topic {
	case bus.TopicOnboardCompleted, bus.TopicOnboardCancelled, bus.TopicOnboardTimeout, bus.TopicOnboardFailed:
		outcome := strings.TrimPrefix(ev.Topic, "onboard.")
		r.metrics.OnboardingsTotal.Add(ctx, 1, metric.WithAttributes(
			AttrOutcome.String(outcome),
			AttrBackend.String(oe.Backend),
		))
	}
}
