package otel

import (
	"context"

	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all mindmesh metrics instruments.
type Metrics struct {
	JobDuration     metric.Float64Histogram
	JobsCompleted   metric.Int64Counter
	JobsFailed      metric.Int64Counter
	JobsCancelled   metric.Int64Counter
	ActiveJobs      metric.Int64UpDownCounter
	BackendLatency  metric.Float64Histogram
	BackendErrors   metric.Int64Counter
	Exchanges       metric.Int64Counter
	QueueRejections metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.JobDuration, err = meter.Float64Histogram("mindmesh.job.duration",
		metric.WithDescription("Job duration from claim to terminal state in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.JobsCompleted, err = meter.Int64Counter("mindmesh.jobs.completed",
		metric.WithDescription("Jobs that reached COMPLETED"),
	)
	if err != nil {
		return nil, err
	}

	m.JobsFailed, err = meter.Int64Counter("mindmesh.jobs.failed",
		metric.WithDescription("Jobs that reached FAILED"),
	)
	if err != nil {
		return nil, err
	}

	m.JobsCancelled, err = meter.Int64Counter("mindmesh.jobs.cancelled",
		metric.WithDescription("Jobs that reached CANCELLED"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveJobs, err = meter.Int64UpDownCounter("mindmesh.jobs.active",
		metric.WithDescription("Jobs currently executing on a worker"),
	)
	if err != nil {
		return nil, err
	}

	m.BackendLatency, err = meter.Float64Histogram("mindmesh.backend.latency",
		metric.WithDescription("Backend CLI call latency in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.BackendErrors, err = meter.Int64Counter("mindmesh.backend.errors",
		metric.WithDescription("Backend CLI calls that failed, by error kind"),
	)
	if err != nil {
		return nil, err
	}

	m.Exchanges, err = meter.Int64Counter("mindmesh.exchanges.recorded",
		metric.WithDescription("Successful invocations persisted"),
	)
	if err != nil {
		return nil, err
	}

	m.QueueRejections, err = meter.Int64Counter("mindmesh.queue.rejections",
		metric.WithDescription("Submissions rejected by queue backpressure"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// RegisterQueueDepth installs an observable gauge that samples the queue
// depth on every metric collection. depth is called with the collection
// context; errors skip the sample.
func RegisterQueueDepth(meter metric.Meter, depth func(context.Context) (int64, error)) error {
	gauge, err := meter.Int64ObservableGauge("mindmesh.queue.depth",
		metric.WithDescription("Jobs currently queued"),
	)
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		n, err := depth(ctx)
		if err != nil {
			return err
		}
		o.ObserveInt64(gauge, n)
		return nil
	}, gauge)
	return err
}
