package otel

import (
	"context"

	"go.opentelemetry.io/otel/metric"

	"github.com/basket/mindmesh/internal/bus"
)

// Recorder turns bus events into metric samples so the engine and invoker
// stay free of instrumentation concerns. Run until ctx is cancelled.
type Recorder struct {
	metrics *Metrics
	bus     *bus.Bus
}

func NewRecorder(m *Metrics, eventBus *bus.Bus) *Recorder {
	return &Recorder{metrics: m, bus: eventBus}
}

// Run consumes job and exchange events until ctx ends. Blocking; callers run
// it in a goroutine.
func (r *Recorder) Run(ctx context.Context) {
	sub := r.bus.Subscribe("")
	defer r.bus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-sub.Ch():
			r.record(ctx, ev)
		}
	}
}

func (r *Recorder) record(ctx context.Context, ev bus.Event) {
	switch payload := ev.Payload.(type) {
	case bus.JobEvent:
		attrs := metric.WithAttributes(
			AttrToolName.String(payload.ToolName),
			AttrStatus.String(payload.Status),
		)
		switch ev.Topic {
		case bus.TopicJobRunning:
			r.metrics.ActiveJobs.Add(ctx, 1, attrs)
		case bus.TopicJobCompleted:
			r.metrics.ActiveJobs.Add(ctx, -1, attrs)
			r.metrics.JobsCompleted.Add(ctx, 1, attrs)
			r.metrics.JobDuration.Record(ctx, float64(payload.DurationMS)/1000, attrs)
		case bus.TopicJobFailed:
			failAttrs := metric.WithAttributes(
				AttrToolName.String(payload.ToolName),
				AttrErrorKind.String(payload.ErrorKind),
			)
			r.metrics.ActiveJobs.Add(ctx, -1, attrs)
			r.metrics.JobsFailed.Add(ctx, 1, failAttrs)
			switch payload.ErrorKind {
			case "unavailable", "timeout", "invalid_response":
				r.metrics.BackendErrors.Add(ctx, 1, failAttrs)
			}
			r.metrics.JobDuration.Record(ctx, float64(payload.DurationMS)/1000, attrs)
		case bus.TopicJobCancelled:
			// A cancel can land while the job is still queued; the gauge only
			// tracks claimed jobs, so decrement just for running ones.
			if payload.DurationMS > 0 {
				r.metrics.ActiveJobs.Add(ctx, -1, attrs)
			}
			r.metrics.JobsCancelled.Add(ctx, 1, attrs)
		case bus.TopicJobRejected:
			r.metrics.QueueRejections.Add(ctx, 1, metric.WithAttributes(
				AttrToolName.String(payload.ToolName),
			))
		}
	case bus.ExchangeEvent:
		attrs := metric.WithAttributes(
			AttrToolName.String(payload.ToolName),
			AttrBackend.String(payload.Backend),
		)
		r.metrics.Exchanges.Add(ctx, 1, attrs)
		r.metrics.BackendLatency.Record(ctx, float64(payload.LatencyMS)/1000, attrs)
	}
}
