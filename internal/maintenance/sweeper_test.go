package maintenance

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/mindmesh/internal/persistence"
)

func openTestStore(t *testing.T) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestNextRunTime(t *testing.T) {
	after := time.Date(2026, 8, 25, 12, 30, 0, 0, time.UTC)

	next, err := NextRunTime("0 3 * * *", after)
	if err != nil {
		t.Fatalf("NextRunTime: %v", err)
	}
	want := time.Date(2026, 8, 26, 3, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}

	if _, err := NextRunTime("not a cron", after); err == nil {
		t.Fatal("expected error for invalid expression")
	}
}

func TestStart_RejectsInvalidCron(t *testing.T) {
	s := NewSweeper(Config{Store: openTestStore(t), CronExpr: "nope"})
	if err := s.Start(context.Background()); err == nil {
		t.Fatal("expected error for invalid cron expression")
	}
}

func TestStartStop(t *testing.T) {
	s := NewSweeper(Config{Store: openTestStore(t)})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
}

func TestSweep_PurgesAgedJobEvents(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	jobID, err := store.CreateJob(ctx, "call_cc", "old job", "{}")
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if _, err := store.DB().ExecContext(ctx,
		`UPDATE job_events SET created_at = datetime('now', '-40 days') WHERE job_id = ?;`, jobID); err != nil {
		t.Fatalf("age events: %v", err)
	}

	s := NewSweeper(Config{Store: store, RetentionJobEventsDays: 30})
	s.Sweep(ctx)

	events, err := store.ListJobEvents(ctx, jobID)
	if err != nil {
		t.Fatalf("ListJobEvents: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("events remaining = %d, want 0", len(events))
	}
}

func TestSweep_ZeroRetentionKeepsEverything(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	jobID, err := store.CreateJob(ctx, "call_cc", "old job", "{}")
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if _, err := store.DB().ExecContext(ctx,
		`UPDATE job_events SET created_at = datetime('now', '-400 days') WHERE job_id = ?;`, jobID); err != nil {
		t.Fatalf("age events: %v", err)
	}

	s := NewSweeper(Config{Store: store})
	s.Sweep(ctx)

	events, err := store.ListJobEvents(ctx, jobID)
	if err != nil {
		t.Fatalf("ListJobEvents: %v", err)
	}
	if len(events) == 0 {
		t.Error("retention 0 should keep all events")
	}
}

func TestSweep_WritesBackup(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	backupDir := t.TempDir()

	s := NewSweeper(Config{Store: store, BackupDir: backupDir})
	s.Sweep(ctx)

	entries, err := os.ReadDir(backupDir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("backup files = %d, want 1", len(entries))
	}
	if filepath.Ext(entries[0].Name()) != ".db" {
		t.Errorf("backup name = %q, want a .db file", entries[0].Name())
	}
	info, err := entries[0].Info()
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	if info.Size() == 0 {
		t.Error("backup file is empty")
	}
}
