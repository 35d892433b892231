// Package events reports per-workload VM lifecycle events to the
// upstream API, at-least-once and deduplicated per workload+kind.
package events

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// VmEvent is one lifecycle transition a workload's VM went through.
type VmEvent struct {
	WorkloadID string
	Kind       string
	Error      string
}

// ErrNotFound is returned by UpstreamReporter when the upstream API has
// no record of the workload (HTTP 404): the event is stale and should be
// dropped rather than retried.
var ErrNotFound = errors.New("events: workload not found upstream")

// UpstreamReporter sends one event to the upstream API.
type UpstreamReporter interface {
	ReportEvent(ctx context.Context, event VmEvent) error
}

// LastEventStore tracks the last event kind reported for a workload, so
// a duplicate in-flight notification is not sent twice.
type LastEventStore interface {
	LastReportedEvent(ctx context.Context, workloadID string) (kind string, ok bool, err error)
	SetLastReportedEvent(ctx context.Context, workloadID, kind string) error
}

// RetryMetrics records that reporting an event upstream needed a retry.
// Nil is a valid Config.Metrics value.
type RetryMetrics interface {
	RecordEventRetry(kind string)
}

// Worker drains a bounded channel of events and reports each to the
// upstream API.
type Worker struct {
	events    <-chan VmEvent
	upstream  UpstreamReporter
	store     LastEventStore
	metrics   RetryMetrics
	retryWait time.Duration
	logger    zerolog.Logger
}

// Config configures a new Worker.
type Config struct {
	Events    <-chan VmEvent
	Upstream  UpstreamReporter
	Store     LastEventStore
	Metrics   RetryMetrics
	RetryWait time.Duration
	Logger    zerolog.Logger
}

// New builds a Worker.
func New(cfg Config) *Worker {
	retryWait := cfg.RetryWait
	if retryWait == 0 {
		retryWait = time.Second
	}
	return &Worker{
		events:    cfg.Events,
		upstream:  cfg.Upstream,
		store:     cfg.Store,
		metrics:   cfg.Metrics,
		retryWait: retryWait,
		logger:    cfg.Logger.With().Str("component", "event-worker").Logger(),
	}
}

// Run drains events until the channel closes or ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.events:
			if !ok {
				return
			}
			w.handle(ctx, event)
		}
	}
}

func (w *Worker) handle(ctx context.Context, event VmEvent) {
	last, ok, err := w.store.LastReportedEvent(ctx, event.WorkloadID)
	if err != nil {
		w.logger.Error().Err(err).Str("workload_id", event.WorkloadID).Msg("failed to read last reported event")
		return
	}
	if ok && last == event.Kind {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		err := w.upstream.ReportEvent(ctx, event)
		if err == nil {
			break
		}
		if errors.Is(err, ErrNotFound) {
			w.logger.Info().Str("workload_id", event.WorkloadID).Msg("workload not found upstream, skipping event")
			return
		}
		w.logger.Warn().Err(err).Str("workload_id", event.WorkloadID).Msg("reporting event failed, retrying")
		if w.metrics != nil {
			w.metrics.RecordEventRetry(event.Kind)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(w.retryWait):
		}
	}

	for {
		if err := w.store.SetLastReportedEvent(ctx, event.WorkloadID, event.Kind); err != nil {
			w.logger.Error().Err(err).Str("workload_id", event.WorkloadID).Msg("failed to persist last reported event, retrying")
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.retryWait):
				continue
			}
		}
		return
	}
}
