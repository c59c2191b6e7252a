package persistence

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestIsSQLiteBusy(t *testing.T) {
	busy := []error{
		errors.New("database is locked"),
		errors.New("database table is locked"),
		errors.New("SQLITE_BUSY (5)"),
		errors.New("SQLITE_LOCKED (6)"),
		fmt.Errorf("claim job: %w", errors.New("database is locked")),
	}
	for _, err := range busy {
		if !isSQLiteBusy(err) {
			t.Errorf("isSQLiteBusy(%v) = false, want true", err)
		}
	}
	notBusy := []error{
		nil,
		errors.New("UNIQUE constraint failed: jobs.id"),
		errors.New("no such table: exchanges"),
	}
	for _, err := range notBusy {
		if isSQLiteBusy(err) {
			t.Errorf("isSQLiteBusy(%v) = true, want false", err)
		}
	}
}

func TestRetryOnBusy(t *testing.T) {
	ctx := context.Background()
	errLocked := errors.New("database is locked")

	t.Run("first attempt wins", func(t *testing.T) {
		attempts := 0
		if err := retryOnBusy(ctx, 3, func() error {
			attempts++
			return nil
		}); err != nil {
			t.Fatalf("retryOnBusy: %v", err)
		}
		if attempts != 1 {
			t.Fatalf("attempts = %d, want 1", attempts)
		}
	})

	t.Run("job write lands once contention clears", func(t *testing.T) {
		store := openTestStore(t)
		attempts := 0
		var jobID string
		err := retryOnBusy(ctx, 4, func() error {
			attempts++
			if attempts < 3 {
				return errLocked
			}
			id, err := store.CreateJob(ctx, "call_cc", "held off twice", "{}")
			jobID = id
			return err
		})
		if err != nil {
			t.Fatalf("retryOnBusy: %v", err)
		}
		if attempts != 3 {
			t.Fatalf("attempts = %d, want 3", attempts)
		}
		job, err := store.GetJob(ctx, jobID)
		if err != nil {
			t.Fatalf("GetJob: %v", err)
		}
		if job == nil || job.Status != JobStatusQueued {
			t.Fatalf("job after retried write = %+v, want a QUEUED row", job)
		}
	})

	t.Run("non-busy errors are terminal", func(t *testing.T) {
		attempts := 0
		wrong := errors.New("no such column: prompt")
		err := retryOnBusy(ctx, 3, func() error {
			attempts++
			return wrong
		})
		if !errors.Is(err, wrong) {
			t.Fatalf("err = %v, want the schema error back unchanged", err)
		}
		if attempts != 1 {
			t.Fatalf("attempts = %d, want 1 (no retry)", attempts)
		}
	})

	t.Run("gives up after max retries", func(t *testing.T) {
		attempts := 0
		err := retryOnBusy(ctx, 2, func() error {
			attempts++
			return errLocked
		})
		if !errors.Is(err, errLocked) {
			t.Fatalf("err = %v, want the busy error after exhaustion", err)
		}
		// maxRetries counts retries, not attempts: 1 initial + 2 retries.
		if attempts != 3 {
			t.Fatalf("attempts = %d, want 3", attempts)
		}
	})

	t.Run("cancellation stops the backoff", func(t *testing.T) {
		cancelCtx, cancel := context.WithCancel(ctx)
		attempts := 0
		err := retryOnBusy(cancelCtx, 10, func() error {
			attempts++
			cancel()
			return errLocked
		})
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v, want context.Canceled", err)
		}
		if attempts != 1 {
			t.Fatalf("attempts = %d, want 1 (backoff aborted)", attempts)
		}
	})
}
