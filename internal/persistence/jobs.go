package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateJob enqueues a job. Options is an opaque JSON document owned by the
// submitter (workdir, continuation mode, resume token, deadline).
func (s *Store) CreateJob(ctx context.Context, toolName, prompt, optionsJSON string) (string, error) {
	if optionsJSON == "" {
		optionsJSON = "{}"
	}
	jobID := uuid.NewString()
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin create job tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO jobs (id, tool_name, prompt, options, status, created_at)
			VALUES (?, ?, ?, ?, ?, ?);
		`, jobID, toolName, prompt, optionsJSON, JobStatusQueued, time.Now().UTC()); err != nil {
			return fmt.Errorf("insert job: %w", err)
		}
		if err := s.appendJobEventTx(ctx, tx, jobID, "", JobStatusQueued, "job.enqueued", ""); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return "", err
	}
	return jobID, nil
}

// ClaimNextQueuedJob flips the oldest queued job to running. The conditional
// UPDATE inside the tx makes the claim exclusive: a lost race returns nil
// without error, and the caller polls again.
func (s *Store) ClaimNextQueuedJob(ctx context.Context) (*Job, error) {
	var claimed *Job
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin claim tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var job Job
		row := tx.QueryRowContext(ctx, jobSelectColumns+`
			FROM jobs
			WHERE status = ?
			ORDER BY created_at ASC, id ASC
			LIMIT 1;`, JobStatusQueued)
		if scanErr := scanJob(row.Scan, &job); scanErr != nil {
			if errors.Is(scanErr, sql.ErrNoRows) {
				claimed = nil
				return nil
			}
			return fmt.Errorf("select queued job: %w", scanErr)
		}

		startedAt := time.Now().UTC()
		ok, err := s.transitionJobTx(ctx, tx, job.ID,
			[]JobStatus{JobStatusQueued}, JobStatusRunning,
			"job.claimed", "",
			func(tx *sql.Tx, _ JobStatus) error {
				_, err := tx.ExecContext(ctx, `
					UPDATE jobs SET started_at = ? WHERE id = ?;
				`, startedAt, job.ID)
				return err
			})
		if err != nil {
			return fmt.Errorf("claim transition: %w", err)
		}
		if !ok {
			claimed = nil
			return nil
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit claim tx: %w", err)
		}
		job.Status = JobStatusRunning
		job.StartedAt = &startedAt
		claimed = &job
		return nil
	})
	return claimed, err
}

// CompleteJob records a successful result. Running -> Completed only.
func (s *Store) CompleteJob(ctx context.Context, jobID, resultJSON string) error {
	return s.finishJob(ctx, jobID, JobStatusCompleted, "job.completed", func(tx *sql.Tx, completedAt time.Time, durationMS int64) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE jobs
			SET result = ?, completed_at = ?, duration_ms = ?
			WHERE id = ?;
		`, resultJSON, completedAt, durationMS, jobID)
		return err
	})
}

// FailJob records a terminal failure with its classification and a truncated
// raw capture. Running -> Failed only.
func (s *Store) FailJob(ctx context.Context, jobID, kind, message, diagnostics string) error {
	return s.finishJob(ctx, jobID, JobStatusFailed, "job.failed", func(tx *sql.Tx, completedAt time.Time, durationMS int64) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE jobs
			SET error_kind = ?, error_message = ?, diagnostics = NULLIF(?, ''), completed_at = ?, duration_ms = ?
			WHERE id = ?;
		`, kind, message, diagnostics, completedAt, durationMS, jobID)
		return err
	})
}

// finishJob applies a Running->terminal transition, computing duration from
// started_at.
func (s *Store) finishJob(ctx context.Context, jobID string, to JobStatus, eventType string, update func(tx *sql.Tx, completedAt time.Time, durationMS int64) error) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin finish tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var startedAt sql.NullTime
		if err := tx.QueryRowContext(ctx, `SELECT started_at FROM jobs WHERE id = ?;`, jobID).Scan(&startedAt); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("finish job %s: not found", jobID)
			}
			return fmt.Errorf("read started_at: %w", err)
		}
		completedAt := time.Now().UTC()
		var durationMS int64
		if startedAt.Valid {
			durationMS = completedAt.Sub(startedAt.Time).Milliseconds()
			if durationMS < 0 {
				durationMS = 0
			}
		}

		ok, err := s.transitionJobTx(ctx, tx, jobID,
			[]JobStatus{JobStatusRunning}, to,
			eventType, "",
			func(tx *sql.Tx, _ JobStatus) error {
				return update(tx, completedAt, durationMS)
			})
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("finish job %s: not running", jobID)
		}
		return tx.Commit()
	})
}

// CancelQueuedJob cancels a job that never started. Duration is zero.
func (s *Store) CancelQueuedJob(ctx context.Context, jobID string) (bool, error) {
	return s.cancelTransition(ctx, jobID, JobStatusQueued)
}

// MarkCancelled finalizes a running job whose worker observed the cancel.
// Cancelled jobs record duration_ms = 0 regardless of elapsed time.
func (s *Store) MarkCancelled(ctx context.Context, jobID string) (bool, error) {
	return s.cancelTransition(ctx, jobID, JobStatusRunning)
}

func (s *Store) cancelTransition(ctx context.Context, jobID string, from JobStatus) (bool, error) {
	var cancelled bool
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin cancel tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		ok, err := s.transitionJobTx(ctx, tx, jobID,
			[]JobStatus{from}, JobStatusCancelled,
			"job.cancelled", "",
			func(tx *sql.Tx, _ JobStatus) error {
				_, err := tx.ExecContext(ctx, `
					UPDATE jobs SET completed_at = ?, duration_ms = 0 WHERE id = ?;
				`, time.Now().UTC(), jobID)
				return err
			})
		if err != nil {
			return err
		}
		cancelled = ok
		if !ok {
			return nil
		}
		return tx.Commit()
	})
	return cancelled, err
}

// RequestCancel sets the cooperative cancel flag on a non-terminal job.
// Returns false when the job is already terminal or unknown.
func (s *Store) RequestCancel(ctx context.Context, jobID string) (bool, error) {
	var requested bool
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE jobs SET cancel_requested = 1
			WHERE id = ? AND status IN (?, ?);
		`, jobID, JobStatusQueued, JobStatusRunning)
		if err != nil {
			return fmt.Errorf("request cancel: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		requested = affected == 1
		return nil
	})
	return requested, err
}

// IsCancelRequested reads the cooperative cancel flag.
func (s *Store) IsCancelRequested(ctx context.Context, jobID string) (bool, error) {
	var flag int
	err := s.db.QueryRowContext(ctx, `
		SELECT cancel_requested FROM jobs WHERE id = ?;
	`, jobID).Scan(&flag)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read cancel_requested: %w", err)
	}
	return flag == 1, nil
}

// GetJob returns nil when the id is unknown.
func (s *Store) GetJob(ctx context.Context, jobID string) (*Job, error) {
	var job Job
	row := s.db.QueryRowContext(ctx, jobSelectColumns+` FROM jobs WHERE id = ?;`, jobID)
	if err := scanJob(row.Scan, &job); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("select job: %w", err)
	}
	return &job, nil
}

// ListJobs returns jobs newest first, optionally filtered by tool name and
// status. limit <= 0 uses 100.
func (s *Store) ListJobs(ctx context.Context, toolName string, status JobStatus, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 100
	}
	query := jobSelectColumns + ` FROM jobs WHERE 1=1`
	args := []any{}
	if toolName != "" {
		query += ` AND tool_name = ?`
		args = append(args, toolName)
	}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?;`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		var job Job
		if err := scanJob(rows.Scan, &job); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// RecoverRunningJobs fails every job left running by a crashed process.
// There is no automatic retry; the caller resubmits if it still wants the
// work done.
func (s *Store) RecoverRunningJobs(ctx context.Context) (int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM jobs WHERE status = ?;`, JobStatusRunning)
	if err != nil {
		return 0, fmt.Errorf("select running jobs: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	var recovered int64
	for _, id := range ids {
		err := s.FailJob(ctx, id, "unavailable", "orchestrator restarted while job was running", "")
		if err != nil {
			return recovered, fmt.Errorf("recover job %s: %w", id, err)
		}
		recovered++
	}
	return recovered, nil
}

// JobCounts returns the number of queued and running jobs.
func (s *Store) JobCounts(ctx context.Context) (queued, running int, err error) {
	err = s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0)
		FROM jobs;
	`, JobStatusQueued, JobStatusRunning).Scan(&queued, &running)
	if err != nil {
		return 0, 0, fmt.Errorf("count jobs: %w", err)
	}
	return queued, running, nil
}

// QueueDepth returns the number of queued jobs, for backpressure checks.
func (s *Store) QueueDepth(ctx context.Context) (int, error) {
	var depth int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE status = ?;`, JobStatusQueued).Scan(&depth)
	if err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return depth, nil
}

// ListJobEvents returns the audit trail for one job, oldest first.
func (s *Store) ListJobEvents(ctx context.Context, jobID string) ([]JobEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, job_id, COALESCE(trace_id, ''), event_type,
			COALESCE(state_from, ''), state_to, payload_json, created_at
		FROM job_events
		WHERE job_id = ?
		ORDER BY event_id ASC;
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list job events: %w", err)
	}
	defer rows.Close()

	var events []JobEvent
	for rows.Next() {
		var ev JobEvent
		var from string
		if err := rows.Scan(&ev.EventID, &ev.JobID, &ev.TraceID, &ev.EventType, &from, &ev.StateTo, &ev.Payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan job event: %w", err)
		}
		ev.StateFrom = JobStatus(from)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// PurgeJobEvents deletes audit rows older than the retention window.
// days <= 0 keeps everything.
func (s *Store) PurgeJobEvents(ctx context.Context, days int) (int64, error) {
	if days <= 0 {
		return 0, nil
	}
	var purged int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM job_events
			WHERE created_at < datetime('now', ?);
		`, fmt.Sprintf("-%d days", days))
		if err != nil {
			return fmt.Errorf("purge job events: %w", err)
		}
		purged, err = res.RowsAffected()
		return err
	})
	return purged, err
}

const jobSelectColumns = `
	SELECT id, tool_name, prompt, options, status, cancel_requested,
		created_at, started_at, completed_at, duration_ms,
		COALESCE(result, ''), COALESCE(error_kind, ''),
		COALESCE(error_message, ''), COALESCE(diagnostics, '')`

func scanJob(scan func(dest ...any) error, job *Job) error {
	var cancelFlag int
	var startedAt, completedAt sql.NullTime
	var durationMS sql.NullInt64
	if err := scan(
		&job.ID,
		&job.ToolName,
		&job.Prompt,
		&job.Options,
		&job.Status,
		&cancelFlag,
		&job.CreatedAt,
		&startedAt,
		&completedAt,
		&durationMS,
		&job.Result,
		&job.ErrorKind,
		&job.ErrorMessage,
		&job.Diagnostics,
	); err != nil {
		return err
	}
	job.CancelRequested = cancelFlag == 1
	if startedAt.Valid {
		t := startedAt.Time
		job.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		job.CompletedAt = &t
	}
	if durationMS.Valid {
		d := durationMS.Int64
		job.DurationMS = &d
	}
	return nil
}
