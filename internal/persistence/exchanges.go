package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RecordExchange appends an exchange and advances the tool's session row in
// the same transaction: either both land or neither does. Called only after
// a successful backend invocation.
func (s *Store) RecordExchange(ctx context.Context, ex *Exchange) error {
	if ex.ID == "" {
		ex.ID = uuid.NewString()
	}
	if ex.CreatedAt.IsZero() {
		ex.CreatedAt = time.Now().UTC()
	}
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin exchange tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO exchanges (
				id, backend, model, prompt, response, tool_name,
				continuation_used, continuation_returned,
				latency_ms, cost_usd, exit_status, created_at
			)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, ex.ID, ex.Backend, ex.Model, ex.Prompt, ex.Response, ex.ToolName,
			ex.ContinuationUsed, ex.ContinuationReturned,
			ex.LatencyMS, ex.CostUSD, ex.ExitStatus, ex.CreatedAt); err != nil {
			return fmt.Errorf("insert exchange: %w", err)
		}

		// Upsert-with-increment; an empty returned continuation keeps the
		// previous token so continue-latest still resumes the session.
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tool_sessions (tool_name, last_continuation, last_exchange_id, exchange_count, last_updated)
			VALUES (?, ?, ?, 1, ?)
			ON CONFLICT(tool_name) DO UPDATE SET
				last_continuation = CASE WHEN excluded.last_continuation != '' THEN excluded.last_continuation ELSE tool_sessions.last_continuation END,
				last_exchange_id = excluded.last_exchange_id,
				exchange_count = tool_sessions.exchange_count + 1,
				last_updated = excluded.last_updated;
		`, ex.ToolName, ex.ContinuationReturned, ex.ID, ex.CreatedAt); err != nil {
			return fmt.Errorf("upsert tool session: %w", err)
		}
		return tx.Commit()
	})
}

// GetToolSession returns nil when the tool has no recorded exchanges yet.
func (s *Store) GetToolSession(ctx context.Context, toolName string) (*ToolSession, error) {
	var ts ToolSession
	err := s.db.QueryRowContext(ctx, `
		SELECT tool_name, last_continuation, last_exchange_id, exchange_count, last_updated
		FROM tool_sessions
		WHERE tool_name = ?;
	`, toolName).Scan(&ts.ToolName, &ts.LastContinuation, &ts.LastExchangeID, &ts.ExchangeCount, &ts.LastUpdated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select tool session: %w", err)
	}
	return &ts, nil
}

// GetExchange returns nil when the id is unknown.
func (s *Store) GetExchange(ctx context.Context, id string) (*Exchange, error) {
	row := s.db.QueryRowContext(ctx, exchangeSelectColumns+` FROM exchanges WHERE id = ?;`, id)
	var ex Exchange
	if err := scanExchange(row.Scan, &ex); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("select exchange: %w", err)
	}
	return &ex, nil
}

// ListExchanges returns exchanges newest first, optionally filtered by tool
// name. limit <= 0 uses 50.
func (s *Store) ListExchanges(ctx context.Context, toolName string, limit int) ([]Exchange, error) {
	if limit <= 0 {
		limit = 50
	}
	query := exchangeSelectColumns + ` FROM exchanges`
	args := []any{}
	if toolName != "" {
		query += ` WHERE tool_name = ?`
		args = append(args, toolName)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?;`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list exchanges: %w", err)
	}
	defer rows.Close()

	var exchanges []Exchange
	for rows.Next() {
		var ex Exchange
		if err := scanExchange(rows.Scan, &ex); err != nil {
			return nil, fmt.Errorf("scan exchange: %w", err)
		}
		exchanges = append(exchanges, ex)
	}
	return exchanges, rows.Err()
}

// ExchangeCount returns the total number of recorded exchanges.
func (s *Store) ExchangeCount(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM exchanges;`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count exchanges: %w", err)
	}
	return count, nil
}

const exchangeSelectColumns = `
	SELECT id, backend, model, prompt, response, tool_name,
		continuation_used, continuation_returned,
		latency_ms, cost_usd, exit_status, created_at`

func scanExchange(scan func(dest ...any) error, ex *Exchange) error {
	return scan(
		&ex.ID,
		&ex.Backend,
		&ex.Model,
		&ex.Prompt,
		&ex.Response,
		&ex.ToolName,
		&ex.ContinuationUsed,
		&ex.ContinuationReturned,
		&ex.LatencyMS,
		&ex.CostUSD,
		&ex.ExitStatus,
		&ex.CreatedAt,
	)
}
