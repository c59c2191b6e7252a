package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/basket/mindmesh/internal/bus"
	"github.com/basket/mindmesh/internal/delegate"
	"github.com/basket/mindmesh/internal/persistence"
	"github.com/basket/mindmesh/internal/shared"
)

func (e *Engine) worker(ctx context.Context) {
	ticker := time.NewTicker(e.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := e.store.ClaimNextQueuedJob(ctx)
		if err != nil {
			e.setLastError(err)
		}
		if err != nil || job == nil {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				continue
			}
		}
		e.publishJobEvent(bus.TopicJobRunning, job.ID, job.ToolName, persistence.JobStatusRunning, "", 0)
		e.handleJob(ctx, job)
	}
}

func (e *Engine) handleJob(ctx context.Context, job *persistence.Job) {
	traceID := shared.NewTraceID()
	ctx = shared.WithTraceID(ctx, traceID)
	ctx = shared.WithJobID(ctx, job.ID)
	started := time.Now()
	slog.Info("job running", "job_id", job.ID, "tool", job.ToolName, "trace_id", traceID)

	e.activeJobs.Add(1)
	defer e.activeJobs.Add(-1)

	jobCtx, cancel := context.WithCancel(ctx)
	e.cancelMu.Lock()
	e.cancels[job.ID] = cancel
	e.cancelMu.Unlock()
	defer func() {
		cancel()
		e.cancelMu.Lock()
		delete(e.cancels, job.ID)
		e.cancelMu.Unlock()
	}()

	// Cancellation requested between enqueue and claim: stop before the
	// backend process is ever spawned.
	if requested, _ := e.store.IsCancelRequested(context.Background(), job.ID); requested {
		e.finishCancelled(job, started)
		return
	}

	// Cooperative cancel watch: Cancel fires the context directly for jobs
	// on this process, the flag covers requests that raced the claim.
	go func() {
		ticker := time.NewTicker(e.config.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-jobCtx.Done():
				return
			case <-ticker.C:
				if requested, _ := e.store.IsCancelRequested(context.Background(), job.ID); requested {
					cancel()
					return
				}
			}
		}
	}()

	var opts JobOptions
	if err := json.Unmarshal([]byte(job.Options), &opts); err != nil {
		e.finishFailed(job, started, string(shared.ErrInvalidResponse), "malformed job options: "+err.Error(), "")
		return
	}

	result, err := e.invoker.Invoke(jobCtx, job.ToolName, job.Prompt, delegate.Options{
		Mode:        delegate.ContinuationMode(opts.Mode),
		ResumeToken: opts.ResumeToken,
		WorkDir:     opts.WorkDir,
		Deadline:    e.clampDeadline(opts.DeadlineSeconds),
		Observe:     opts.Observe,
	})
	if err != nil {
		if shared.IsKind(err, shared.ErrCancelled) || errors.Is(jobCtx.Err(), context.Canceled) {
			e.finishCancelled(job, started)
			return
		}
		kind := string(shared.KindOf(err))
		if kind == "" {
			kind = string(shared.ErrUnavailable)
		}
		e.finishFailed(job, started, kind, err.Error(), shared.DiagnosticsOf(err))
		return
	}

	// Cancels observed before the exchange committed surface as ErrCancelled
	// above; once the exchange exists, completion wins over a late cancel.
	resultJSON, err := json.Marshal(result)
	if err != nil {
		e.finishFailed(job, started, string(shared.ErrPersistenceFailure), "encode job result: "+err.Error(), "")
		return
	}
	if err := e.store.CompleteJob(context.Background(), job.ID, string(resultJSON)); err != nil {
		e.setLastError(err)
		return
	}
	durationMS := time.Since(started).Milliseconds()
	e.publishJobEvent(bus.TopicJobCompleted, job.ID, job.ToolName, persistence.JobStatusCompleted, "", durationMS)
	slog.Info("job completed", "job_id", job.ID, "tool", job.ToolName, "duration_ms", durationMS)
}

func (e *Engine) finishCancelled(job *persistence.Job, started time.Time) {
	if _, err := e.store.MarkCancelled(context.Background(), job.ID); err != nil {
		e.setLastError(err)
		return
	}
	durationMS := time.Since(started).Milliseconds()
	e.publishJobEvent(bus.TopicJobCancelled, job.ID, job.ToolName, persistence.JobStatusCancelled, "", durationMS)
	slog.Info("job cancelled", "job_id", job.ID, "tool", job.ToolName)
}

func (e *Engine) finishFailed(job *persistence.Job, started time.Time, kind, message, diagnostics string) {
	if err := e.store.FailJob(context.Background(), job.ID, kind, message, diagnostics); err != nil {
		e.setLastError(err)
		return
	}
	durationMS := time.Since(started).Milliseconds()
	e.publishJobEvent(bus.TopicJobFailed, job.ID, job.ToolName, persistence.JobStatusFailed, kind, durationMS)
	slog.Warn("job failed", "job_id", job.ID, "tool", job.ToolName, "error_kind", kind, "error", message)
}
