package engine

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/basket/mindmesh/internal/backend"
	"github.com/basket/mindmesh/internal/bus"
	"github.com/basket/mindmesh/internal/delegate"
	"github.com/basket/mindmesh/internal/persistence"
	"github.com/basket/mindmesh/internal/shared"
)

// fakeAgent is a scripted, context-aware backend. With block set it waits
// for cancellation like a real subprocess would.
type fakeAgent struct {
	mu                 sync.Mutex
	name               string
	result             *backend.Result
	err                error
	block              bool
	succeedAfterCancel bool
	delay              time.Duration
	lastReq            backend.Request
	calls              int
}

func (f *fakeAgent) Name() string {
	if f.name == "" {
		return "claude"
	}
	return f.name
}

func (f *fakeAgent) Call(ctx context.Context, req backend.Request) (*backend.Result, error) {
	f.mu.Lock()
	f.lastReq = req
	f.calls++
	f.mu.Unlock()

	if f.block {
		<-ctx.Done()
		if f.succeedAfterCancel {
			// A subprocess that finished right as the kill landed: output
			// exists but the invocation context is already cancelled.
			return &backend.Result{Response: "finished anyway", Continuation: "late-1"}, nil
		}
		return nil, shared.WrapErr(shared.ErrCancelled, ctx.Err(), "claude invocation cancelled")
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, shared.WrapErr(shared.ErrCancelled, ctx.Err(), "claude invocation cancelled")
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	if f.result != nil {
		return f.result, nil
	}
	return &backend.Result{Response: "done"}, nil
}

func (f *fakeAgent) last() backend.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastReq
}

type fakeResolver struct{ agent backend.Agent }

func (r fakeResolver) Resolve(toolName string) (backend.Agent, error) {
	if toolName != "call_cc" {
		return nil, shared.Errorf(shared.ErrNotFound, "unknown tool %q", toolName)
	}
	return r.agent, nil
}

func setupEngine(t *testing.T, agent backend.Agent, cfg Config) (*Engine, *persistence.Store) {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	if cfg.PollInterval == 0 {
		cfg.PollInterval = 10 * time.Millisecond
	}
	if cfg.Bus == nil {
		cfg.Bus = bus.New()
	}
	resolver := fakeResolver{agent: agent}
	invoker := delegate.New(resolver, store, cfg.Bus, nil, 0)
	return New(store, invoker, resolver, cfg), store
}

func waitForStatus(t *testing.T, store *persistence.Store, jobID string, want persistence.JobStatus) *persistence.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := store.GetJob(context.Background(), jobID)
		if err != nil {
			t.Fatalf("GetJob: %v", err)
		}
		if job != nil && job.Status == want {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	job, _ := store.GetJob(context.Background(), jobID)
	t.Fatalf("job %s never reached %s, last seen %+v", jobID, want, job)
	return nil
}

func TestSubmitSync_ExecutesInline(t *testing.T) {
	agent := &fakeAgent{result: &backend.Result{Response: "the answer", Continuation: "sess-1", LatencyMS: 3}}
	// No Start: sync execution must not depend on the worker pool.
	eng, store := setupEngine(t, agent, Config{WorkerCount: 2})
	ctx := context.Background()

	res, err := eng.SubmitSync(ctx, "call_cc", "what now?", JobOptions{})
	if err != nil {
		t.Fatalf("SubmitSync: %v", err)
	}
	if res.Response != "the answer" {
		t.Errorf("response = %q", res.Response)
	}
	if res.Continuation != "sess-1" {
		t.Errorf("continuation = %q, want sess-1", res.Continuation)
	}
	if res.ExchangeID == "" {
		t.Error("expected a recorded exchange id")
	}

	count, err := store.ExchangeCount(ctx)
	if err != nil {
		t.Fatalf("ExchangeCount: %v", err)
	}
	if count != 1 {
		t.Errorf("exchange count = %d, want 1", count)
	}
	jobs, err := store.ListJobs(ctx, "", "", 0)
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(jobs) != 0 {
		t.Errorf("sync submission created %d job rows, want 0", len(jobs))
	}
}

func TestSubmitSync_BackendFailureIsStructuredError(t *testing.T) {
	agent := &fakeAgent{err: shared.Errorf(shared.ErrTimeout, "claude timed out after 1s")}
	eng, store := setupEngine(t, agent, Config{})
	ctx := context.Background()

	res, err := eng.SubmitSync(ctx, "call_cc", "too slow", JobOptions{})
	if res != nil {
		t.Fatalf("expected no result, got %+v", res)
	}
	if !shared.IsKind(err, shared.ErrTimeout) {
		t.Fatalf("kind = %q (%v), want timeout", shared.KindOf(err), err)
	}

	jobs, err := store.ListJobs(ctx, "", "", 0)
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(jobs) != 0 {
		t.Errorf("failed sync call created %d job rows, want 0", len(jobs))
	}
	count, _ := store.ExchangeCount(ctx)
	if count != 0 {
		t.Errorf("exchange count = %d, want 0 after failure", count)
	}
}

func TestSubmitSync_IgnoresQueueBackpressure(t *testing.T) {
	// No Start: the queued job keeps the depth at the limit.
	eng, _ := setupEngine(t, &fakeAgent{}, Config{MaxQueueDepth: 1})
	ctx := context.Background()

	if _, err := eng.SubmitAsync(ctx, "call_cc", "fills the queue", JobOptions{}); err != nil {
		t.Fatalf("SubmitAsync: %v", err)
	}
	if _, err := eng.SubmitAsync(ctx, "call_cc", "rejected", JobOptions{}); err != ErrQueueSaturated {
		t.Fatalf("async err = %v, want ErrQueueSaturated", err)
	}

	res, err := eng.SubmitSync(ctx, "call_cc", "inline anyway", JobOptions{})
	if err != nil {
		t.Fatalf("SubmitSync under saturation: %v", err)
	}
	if res.Response == "" {
		t.Error("expected an inline result despite the saturated queue")
	}
}

func TestSubmitAsync_RunsToCompletion(t *testing.T) {
	agent := &fakeAgent{delay: 50 * time.Millisecond}
	eng, store := setupEngine(t, agent, Config{WorkerCount: 1})
	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	eng.Start(ctx)

	jobID, err := eng.SubmitAsync(ctx, "call_cc", "slow work", JobOptions{})
	if err != nil {
		t.Fatalf("SubmitAsync: %v", err)
	}
	if jobID == "" {
		t.Fatal("expected a job id")
	}
	waitForStatus(t, store, jobID, persistence.JobStatusCompleted)
}

func TestSubmitAsync_UnknownTool(t *testing.T) {
	eng, _ := setupEngine(t, &fakeAgent{}, Config{})

	_, err := eng.SubmitAsync(context.Background(), "call_nobody", "hello", JobOptions{})
	if !shared.IsKind(err, shared.ErrNotFound) {
		t.Fatalf("kind = %q, want not_found", shared.KindOf(err))
	}
}

func TestSubmitAsync_Validation(t *testing.T) {
	eng, _ := setupEngine(t, &fakeAgent{}, Config{})
	ctx := context.Background()

	if _, err := eng.SubmitAsync(ctx, "call_cc", "  ", JobOptions{}); err == nil {
		t.Error("expected error for empty prompt")
	}
	if _, err := eng.SubmitAsync(ctx, "call_cc", "hi", JobOptions{Mode: "sideways"}); err == nil {
		t.Error("expected error for unknown mode")
	}
	if _, err := eng.SubmitAsync(ctx, "call_cc", "hi", JobOptions{Mode: "resume"}); err == nil {
		t.Error("expected error for resume without token")
	}
	if _, err := eng.SubmitAsync(ctx, "call_cc", "hi", JobOptions{ResumeToken: "tok"}); err == nil {
		t.Error("expected error for token without resume mode")
	}
	if _, err := eng.SubmitAsync(ctx, "call_cc", "hi", JobOptions{DeadlineSeconds: -1}); err == nil {
		t.Error("expected error for negative deadline")
	}
}

func TestSubmitAsync_Backpressure(t *testing.T) {
	// No Start: jobs stay queued so the depth check trips.
	eng, _ := setupEngine(t, &fakeAgent{}, Config{MaxQueueDepth: 1})
	ctx := context.Background()

	if _, err := eng.SubmitAsync(ctx, "call_cc", "first", JobOptions{}); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	_, err := eng.SubmitAsync(ctx, "call_cc", "second", JobOptions{})
	if err != ErrQueueSaturated {
		t.Fatalf("err = %v, want ErrQueueSaturated", err)
	}
}

func TestCancel_QueuedJob(t *testing.T) {
	eng, store := setupEngine(t, &fakeAgent{}, Config{})
	ctx := context.Background()

	jobID, err := eng.SubmitAsync(ctx, "call_cc", "never runs", JobOptions{})
	if err != nil {
		t.Fatalf("SubmitAsync: %v", err)
	}

	cancelled, err := eng.Cancel(ctx, jobID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if !cancelled {
		t.Fatal("expected cancel to take effect")
	}

	job, err := store.GetJob(ctx, jobID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Status != persistence.JobStatusCancelled {
		t.Errorf("status = %s, want CANCELLED", job.Status)
	}

	// Terminal jobs are a no-op, not an error.
	again, err := eng.Cancel(ctx, jobID)
	if err != nil {
		t.Fatalf("second Cancel: %v", err)
	}
	if again {
		t.Error("second cancel should report no effect")
	}
}

func TestCancel_RunningJob(t *testing.T) {
	agent := &fakeAgent{block: true}
	eng, store := setupEngine(t, agent, Config{WorkerCount: 1})
	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	eng.Start(ctx)

	jobID, err := eng.SubmitAsync(ctx, "call_cc", "hang forever", JobOptions{})
	if err != nil {
		t.Fatalf("SubmitAsync: %v", err)
	}
	waitForStatus(t, store, jobID, persistence.JobStatusRunning)

	cancelled, err := eng.Cancel(ctx, jobID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if !cancelled {
		t.Fatal("expected cancel to take effect")
	}
	job := waitForStatus(t, store, jobID, persistence.JobStatusCancelled)
	if job.Result != "" {
		t.Errorf("cancelled job should have no result, got %q", job.Result)
	}

	count, err := store.ExchangeCount(ctx)
	if err != nil {
		t.Fatalf("ExchangeCount: %v", err)
	}
	if count != 0 {
		t.Errorf("exchange count = %d, want 0 after cancellation", count)
	}
}

func TestCancel_BackendFinishesAfterCancel(t *testing.T) {
	agent := &fakeAgent{block: true, succeedAfterCancel: true}
	eng, store := setupEngine(t, agent, Config{WorkerCount: 1})
	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	eng.Start(ctx)

	jobID, err := eng.SubmitAsync(ctx, "call_cc", "race the kill", JobOptions{})
	if err != nil {
		t.Fatalf("SubmitAsync: %v", err)
	}
	waitForStatus(t, store, jobID, persistence.JobStatusRunning)

	if _, err := eng.Cancel(ctx, jobID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	// The backend hands back a success result after the cancel landed; the
	// job must still end Cancelled with nothing persisted.
	job := waitForStatus(t, store, jobID, persistence.JobStatusCancelled)
	if job.Result != "" {
		t.Errorf("cancelled job has result %q", job.Result)
	}
	count, err := store.ExchangeCount(ctx)
	if err != nil {
		t.Fatalf("ExchangeCount: %v", err)
	}
	if count != 0 {
		t.Errorf("exchange count = %d, want 0", count)
	}
	session, err := store.GetToolSession(ctx, "call_cc")
	if err != nil {
		t.Fatalf("GetToolSession: %v", err)
	}
	if session != nil {
		t.Errorf("unexpected tool session %+v after cancelled invocation", session)
	}
}

func TestCancel_UnknownJob(t *testing.T) {
	eng, _ := setupEngine(t, &fakeAgent{}, Config{})

	_, err := eng.Cancel(context.Background(), "no-such-job")
	if !shared.IsKind(err, shared.ErrNotFound) {
		t.Fatalf("kind = %q, want not_found", shared.KindOf(err))
	}
}

func TestWorker_FailureClassified(t *testing.T) {
	agent := &fakeAgent{err: shared.Errorf(shared.ErrTimeout, "claude timed out after 1s").WithDiagnostics("partial output", 100)}
	eng, store := setupEngine(t, agent, Config{WorkerCount: 1})
	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	eng.Start(ctx)

	jobID, err := eng.SubmitAsync(ctx, "call_cc", "too slow", JobOptions{})
	if err != nil {
		t.Fatalf("SubmitAsync: %v", err)
	}
	job := waitForStatus(t, store, jobID, persistence.JobStatusFailed)
	if job.ErrorKind != "timeout" {
		t.Errorf("error_kind = %q, want timeout", job.ErrorKind)
	}
	if job.ErrorMessage == "" {
		t.Error("expected an error message")
	}
	if job.Diagnostics != "partial output" {
		t.Errorf("diagnostics = %q", job.Diagnostics)
	}

	count, _ := store.ExchangeCount(ctx)
	if count != 0 {
		t.Errorf("exchange count = %d, want 0 after failure", count)
	}
}

func TestSessionContinuity(t *testing.T) {
	agent := &fakeAgent{result: &backend.Result{Response: "first", Continuation: "sess-42"}}
	eng, store := setupEngine(t, agent, Config{WorkerCount: 1})
	ctx := context.Background()

	if _, err := eng.SubmitSync(ctx, "call_cc", "start a thread", JobOptions{}); err != nil {
		t.Fatalf("first SubmitSync: %v", err)
	}
	if got := agent.last().Continuation; got != "" {
		t.Errorf("fresh job sent continuation %q", got)
	}

	if _, err := eng.SubmitSync(ctx, "call_cc", "keep going", JobOptions{Mode: "continue"}); err != nil {
		t.Fatalf("second SubmitSync: %v", err)
	}
	if got := agent.last().Continuation; got != "sess-42" {
		t.Errorf("continue job sent continuation %q, want sess-42", got)
	}

	session, err := store.GetToolSession(ctx, "call_cc")
	if err != nil {
		t.Fatalf("GetToolSession: %v", err)
	}
	if session == nil || session.ExchangeCount != 2 {
		t.Errorf("session after two sync calls = %+v, want exchange_count 2", session)
	}
}

func TestDeadlineClampPassedToBackend(t *testing.T) {
	agent := &fakeAgent{}
	eng, _ := setupEngine(t, agent, Config{
		WorkerCount:     1,
		DefaultDeadline: 7 * time.Second,
		MaxDeadline:     10 * time.Second,
	})
	ctx := context.Background()

	if _, err := eng.SubmitSync(ctx, "call_cc", "defaults", JobOptions{}); err != nil {
		t.Fatalf("SubmitSync: %v", err)
	}
	if got := agent.last().Deadline; got != 7*time.Second {
		t.Errorf("deadline = %v, want the default 7s", got)
	}

	if _, err := eng.SubmitSync(ctx, "call_cc", "over the ceiling", JobOptions{DeadlineSeconds: 3600}); err != nil {
		t.Fatalf("SubmitSync: %v", err)
	}
	if got := agent.last().Deadline; got != 10*time.Second {
		t.Errorf("deadline = %v, want clamped to 10s", got)
	}
}

func TestStart_RecoversStaleRunningJobs(t *testing.T) {
	agent := &fakeAgent{}
	eng, store := setupEngine(t, agent, Config{WorkerCount: 1})
	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// Simulate a crash: a job claimed by a previous process, never finished.
	jobID, err := store.CreateJob(ctx, "call_cc", "orphaned", "{}")
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if _, err := store.ClaimNextQueuedJob(ctx); err != nil {
		t.Fatalf("ClaimNextQueuedJob: %v", err)
	}

	eng.Start(ctx)
	job := waitForStatus(t, store, jobID, persistence.JobStatusFailed)
	if job.ErrorKind != "unavailable" {
		t.Errorf("error_kind = %q, want unavailable", job.ErrorKind)
	}
}

func TestJobStatusAndList(t *testing.T) {
	eng, _ := setupEngine(t, &fakeAgent{}, Config{})
	ctx := context.Background()

	jobID, err := eng.SubmitAsync(ctx, "call_cc", "queued forever", JobOptions{})
	if err != nil {
		t.Fatalf("SubmitAsync: %v", err)
	}

	job, err := eng.JobStatus(ctx, jobID)
	if err != nil {
		t.Fatalf("JobStatus: %v", err)
	}
	if job.Status != persistence.JobStatusQueued {
		t.Errorf("status = %s, want QUEUED", job.Status)
	}

	if _, err := eng.JobStatus(ctx, "ghost"); !shared.IsKind(err, shared.ErrNotFound) {
		t.Errorf("kind = %q, want not_found", shared.KindOf(err))
	}

	jobs, err := eng.ListJobs(ctx, "call_cc", persistence.JobStatusQueued, 10)
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(jobs) != 1 || jobs[0].ID != jobID {
		t.Errorf("ListJobs = %+v", jobs)
	}
}

func TestBusEventsOnLifecycle(t *testing.T) {
	eventBus := bus.New()
	sub := eventBus.Subscribe("job.")
	defer eventBus.Unsubscribe(sub)

	agent := &fakeAgent{}
	eng, _ := setupEngine(t, agent, Config{WorkerCount: 1, Bus: eventBus})
	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	eng.Start(ctx)

	if _, err := eng.SubmitAsync(ctx, "call_cc", "watch me", JobOptions{}); err != nil {
		t.Fatalf("SubmitAsync: %v", err)
	}

	topics := map[string]bool{}
	deadline := time.After(2 * time.Second)
	for len(topics) < 3 {
		select {
		case ev := <-sub.Ch():
			topics[ev.Topic] = true
		case <-deadline:
			t.Fatalf("saw topics %v, want queued, running and completed", topics)
		}
	}
	for _, want := range []string{bus.TopicJobQueued, bus.TopicJobRunning, bus.TopicJobCompleted} {
		if !topics[want] {
			t.Errorf("missing event %s", want)
		}
	}
}

func TestConcurrentSubmissions(t *testing.T) {
	agent := &fakeAgent{delay: 10 * time.Millisecond}
	eng, store := setupEngine(t, agent, Config{WorkerCount: 4})
	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	eng.Start(ctx)

	const n = 8
	ids := make([]string, n)
	for i := range ids {
		id, err := eng.SubmitAsync(ctx, "call_cc", "parallel work", JobOptions{})
		if err != nil {
			t.Fatalf("SubmitAsync: %v", err)
		}
		ids[i] = id
	}
	for _, id := range ids {
		waitForStatus(t, store, id, persistence.JobStatusCompleted)
	}

	count, err := store.ExchangeCount(ctx)
	if err != nil {
		t.Fatalf("ExchangeCount: %v", err)
	}
	if count != n {
		t.Errorf("exchange count = %d, want %d", count, n)
	}
}

func TestDrain(t *testing.T) {
	eng, _ := setupEngine(t, &fakeAgent{}, Config{WorkerCount: 2})
	ctx, stop := context.WithCancel(context.Background())
	eng.Start(ctx)
	stop()

	done := make(chan struct{})
	go func() {
		eng.Drain(2 * time.Second)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Drain did not return")
	}
}
