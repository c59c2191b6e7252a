// Package engine runs delegated jobs on a fixed worker pool backed by the
// durable job store. Submission, status, cancellation and listing all go
// through here; workers claim queued jobs and hand them to the invoker.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/mindmesh/internal/bus"
	"github.com/basket/mindmesh/internal/delegate"
	"github.com/basket/mindmesh/internal/persistence"
	"github.com/basket/mindmesh/internal/shared"
)

// ErrQueueSaturated is returned at submission when the queue exceeds
// MaxQueueDepth.
var ErrQueueSaturated = fmt.Errorf("queue saturated: backpressure applied")

type Config struct {
	WorkerCount     int
	PollInterval    time.Duration
	DefaultDeadline time.Duration // applied when a job does not request one
	MaxDeadline     time.Duration // ceiling for requested deadlines
	MaxQueueDepth   int           // 0 = unlimited
	Bus             *bus.Bus
}

// JobOptions is the submitter-controlled part of a job, stored as opaque
// JSON on the job row and decoded again at execution time.
type JobOptions struct {
	Mode            string `json:"mode,omitempty"` // fresh, continue, resume
	ResumeToken     string `json:"resume_token,omitempty"`
	WorkDir         string `json:"work_dir,omitempty"`
	DeadlineSeconds int    `json:"deadline_seconds,omitempty"`
	Observe         bool   `json:"observe,omitempty"`
}

// Status is a point-in-time snapshot of the engine.
type Status struct {
	WorkerCount int    `json:"worker_count"`
	ActiveJobs  int32  `json:"active_jobs"`
	QueuedJobs  int    `json:"queued_jobs"`
	RunningJobs int    `json:"running_jobs"`
	LastError   string `json:"last_error,omitempty"`
}

type Engine struct {
	store    *persistence.Store
	invoker  *delegate.Invoker
	resolver delegate.Resolver
	config   Config
	bus      *bus.Bus

	once sync.Once
	wg   sync.WaitGroup

	cancelMu sync.RWMutex
	cancels  map[string]context.CancelFunc

	activeJobs atomic.Int32
	lastError  atomic.Pointer[string]
}

func New(store *persistence.Store, invoker *delegate.Invoker, resolver delegate.Resolver, cfg Config) *Engine {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	if cfg.DefaultDeadline <= 0 {
		cfg.DefaultDeadline = time.Minute
	}
	if cfg.MaxDeadline <= 0 {
		cfg.MaxDeadline = 30 * time.Minute
	}
	return &Engine{
		store:    store,
		invoker:  invoker,
		resolver: resolver,
		config:   cfg,
		bus:      cfg.Bus,
		cancels:  map[string]context.CancelFunc{},
	}
}

// Start recovers jobs left RUNNING by a previous process, then launches the
// worker pool. Idempotent.
func (e *Engine) Start(ctx context.Context) {
	e.once.Do(func() {
		n, err := e.store.RecoverRunningJobs(ctx)
		if err != nil {
			slog.Error("job recovery failed", "error", err)
		} else if n > 0 {
			slog.Info("recovered stale jobs on startup", "count", n)
		}
		for i := 0; i < e.config.WorkerCount; i++ {
			workerID := i
			e.wg.Add(1)
			go func() {
				defer e.wg.Done()
				e.worker(shared.WithWorkerID(ctx, workerID))
			}()
		}
	})
}

// Drain waits for workers to exit, up to timeout. Jobs still RUNNING after
// the timeout are recovered on next startup.
func (e *Engine) Drain(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("engine drained cleanly")
	case <-time.After(timeout):
		slog.Warn("engine drain timeout; in-flight jobs will be recovered on restart", "timeout", timeout)
	}
}

// SubmitAsync enqueues a job and returns its id immediately.
func (e *Engine) SubmitAsync(ctx context.Context, toolName, prompt string, opts JobOptions) (string, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return "", fmt.Errorf("prompt cannot be empty")
	}
	if err := validateOptions(opts); err != nil {
		return "", err
	}
	// Reject unknown tools at intake rather than at execution.
	if _, err := e.resolver.Resolve(toolName); err != nil {
		return "", err
	}
	if e.config.MaxQueueDepth > 0 {
		depth, err := e.store.QueueDepth(ctx)
		if err != nil {
			return "", fmt.Errorf("check queue depth: %w", err)
		}
		if depth >= e.config.MaxQueueDepth {
			slog.Warn("queue backpressure applied", "depth", depth, "max", e.config.MaxQueueDepth)
			e.publishJobEvent(bus.TopicJobRejected, "", toolName, persistence.JobStatusQueued, "", 0)
			return "", ErrQueueSaturated
		}
	}

	optionsJSON, err := json.Marshal(opts)
	if err != nil {
		return "", fmt.Errorf("encode job options: %w", err)
	}
	jobID, err := e.store.CreateJob(ctx, toolName, prompt, string(optionsJSON))
	if err != nil {
		return "", err
	}
	e.publishJobEvent(bus.TopicJobQueued, jobID, toolName, persistence.JobStatusQueued, "", 0)
	return jobID, nil
}

// SubmitSync executes the prompt inline through the persistence middleware
// and returns the result directly. No job row is created and queue
// backpressure does not apply; failures come back as classified errors
// rather than FAILED rows.
func (e *Engine) SubmitSync(ctx context.Context, toolName, prompt string, opts JobOptions) (*delegate.Invocation, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return nil, fmt.Errorf("prompt cannot be empty")
	}
	if err := validateOptions(opts); err != nil {
		return nil, err
	}
	return e.invoker.Invoke(ctx, toolName, prompt, delegate.Options{
		Mode:        delegate.ContinuationMode(opts.Mode),
		ResumeToken: opts.ResumeToken,
		WorkDir:     opts.WorkDir,
		Deadline:    e.clampDeadline(opts.DeadlineSeconds),
		Observe:     opts.Observe,
	})
}

// JobStatus returns the stored job, classified not_found for unknown ids.
func (e *Engine) JobStatus(ctx context.Context, jobID string) (*persistence.Job, error) {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, shared.Errorf(shared.ErrNotFound, "job %s not found", jobID)
	}
	return job, nil
}

// Cancel requests cancellation of a job. Queued jobs cancel immediately;
// running jobs get their context cancelled plus the cooperative flag set.
// Returns false without error when the job is already terminal.
func (e *Engine) Cancel(ctx context.Context, jobID string) (bool, error) {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, shared.Errorf(shared.ErrNotFound, "job %s not found", jobID)
	}
	if job.Status.IsTerminal() {
		return false, nil
	}

	if _, err := e.store.RequestCancel(ctx, jobID); err != nil {
		return false, err
	}
	// Still queued: no worker owns it yet, transition directly.
	if cancelled, err := e.store.CancelQueuedJob(ctx, jobID); err != nil {
		return false, err
	} else if cancelled {
		e.publishJobEvent(bus.TopicJobCancelled, jobID, job.ToolName, persistence.JobStatusCancelled, "", 0)
		return true, nil
	}

	e.cancelMu.RLock()
	cancel, running := e.cancels[jobID]
	e.cancelMu.RUnlock()
	if running {
		cancel()
	}
	return true, nil
}

// ListJobs passes through to the store. Empty toolName and status mean no
// filter; limit <= 0 uses the store default.
func (e *Engine) ListJobs(ctx context.Context, toolName string, status persistence.JobStatus, limit int) ([]persistence.Job, error) {
	return e.store.ListJobs(ctx, toolName, status, limit)
}

func (e *Engine) Status(ctx context.Context) Status {
	st := Status{
		WorkerCount: e.config.WorkerCount,
		ActiveJobs:  e.activeJobs.Load(),
	}
	queued, running, err := e.store.JobCounts(ctx)
	if err != nil {
		e.setLastError(err)
	} else {
		st.QueuedJobs = queued
		st.RunningJobs = running
	}
	if ptr := e.lastError.Load(); ptr != nil {
		st.LastError = *ptr
	}
	return st
}

func validateOptions(opts JobOptions) error {
	switch opts.Mode {
	case "", string(delegate.ModeFresh), string(delegate.ModeContinue), string(delegate.ModeResume):
	default:
		return fmt.Errorf("unknown continuation mode %q", opts.Mode)
	}
	if opts.Mode == string(delegate.ModeResume) && opts.ResumeToken == "" {
		return fmt.Errorf("resume mode requires a token")
	}
	if opts.Mode != string(delegate.ModeResume) && opts.ResumeToken != "" {
		return fmt.Errorf("resume token requires resume mode")
	}
	if opts.DeadlineSeconds < 0 {
		return fmt.Errorf("deadline_seconds cannot be negative")
	}
	return nil
}

func (e *Engine) clampDeadline(seconds int) time.Duration {
	if seconds <= 0 {
		return e.config.DefaultDeadline
	}
	d := time.Duration(seconds) * time.Second
	if d > e.config.MaxDeadline {
		return e.config.MaxDeadline
	}
	return d
}

func (e *Engine) publishJobEvent(topic, jobID, toolName string, status persistence.JobStatus, errorKind string, durationMS int64) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(topic, bus.JobEvent{
		JobID:      jobID,
		ToolName:   toolName,
		Status:     string(status),
		ErrorKind:  errorKind,
		DurationMS: durationMS,
	})
}

func (e *Engine) setLastError(err error) {
	if err == nil {
		return
	}
	msg := err.Error()
	e.lastError.Store(&msg)
}
