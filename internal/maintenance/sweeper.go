// Package maintenance runs the scheduled housekeeping sweep: audit-trail
// retention and a periodic stats snapshot in the log.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/mindmesh/internal/persistence"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Config holds the dependencies for the maintenance sweeper.
type Config struct {
	Store  *persistence.Store
	Logger *slog.Logger

	// CronExpr schedules the sweep. Defaults to 03:00 daily.
	CronExpr string

	// RetentionJobEventsDays prunes job_events older than this. 0 keeps
	// everything.
	RetentionJobEventsDays int

	// BackupDir, when set, receives a database snapshot on every sweep.
	BackupDir string
}

// Sweeper fires the housekeeping sweep on a cron schedule.
type Sweeper struct {
	store     *persistence.Store
	logger    *slog.Logger
	cronExpr  string
	retention int
	backupDir string

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewSweeper(cfg Config) *Sweeper {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	expr := cfg.CronExpr
	if expr == "" {
		expr = "0 3 * * *"
	}
	return &Sweeper{
		store:     cfg.Store,
		logger:    logger,
		cronExpr:  expr,
		retention: cfg.RetentionJobEventsDays,
		backupDir: cfg.BackupDir,
	}
}

// Start validates the schedule and launches the sweep loop.
func (s *Sweeper) Start(ctx context.Context) error {
	sched, err := cronParser.Parse(s.cronExpr)
	if err != nil {
		return fmt.Errorf("parse maintenance cron %q: %w", s.cronExpr, err)
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx, sched)
	s.logger.Info("maintenance sweeper started", "cron", s.cronExpr, "retention_days", s.retention)
	return nil
}

// Stop cancels the loop and waits for it to exit.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("maintenance sweeper stopped")
}

func (s *Sweeper) loop(ctx context.Context, sched cronlib.Schedule) {
	defer s.wg.Done()

	for {
		next := sched.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one housekeeping pass. Errors are logged, not returned to the
// loop; a failed sweep retries at the next scheduled run.
func (s *Sweeper) Sweep(ctx context.Context) {
	if s.retention > 0 {
		purged, err := s.store.PurgeJobEvents(ctx, s.retention)
		if err != nil {
			s.logger.Error("maintenance: purge job events failed", "error", err)
		} else if purged > 0 {
			s.logger.Info("maintenance: purged job events", "rows", purged, "retention_days", s.retention)
		}
	}

	if s.backupDir != "" {
		dest := fmt.Sprintf("%s/mindmesh-%s.db", s.backupDir, time.Now().UTC().Format("20060102T150405Z"))
		if err := s.store.Backup(ctx, dest); err != nil {
			s.logger.Error("maintenance: backup failed", "dest", dest, "error", err)
		} else {
			s.logger.Info("maintenance: backup written", "dest", dest)
		}
	}

	queued, running, err := s.store.JobCounts(ctx)
	if err != nil {
		s.logger.Error("maintenance: job counts failed", "error", err)
		return
	}
	exchanges, err := s.store.ExchangeCount(ctx)
	if err != nil {
		s.logger.Error("maintenance: exchange count failed", "error", err)
		return
	}
	s.logger.Info("maintenance: stats",
		"jobs_queued", queued,
		"jobs_running", running,
		"exchanges_total", exchanges,
	)
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
