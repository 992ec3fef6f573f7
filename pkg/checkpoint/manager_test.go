package checkpoint

import (
	"context"
	"fmt"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("opening test database: %v", err)
	}
	m := NewManager(db)
	if err := m.AutoMigrate(); err != nil {
		t.Fatalf("migrating: %v", err)
	}
	return m
}

func TestBeginFirstRunHasNoWatermark(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	cp, err := m.Begin(ctx, 1, 7, 1, "tickets")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cp.Watermark != nil {
		t.Fatalf("expected full sync with nil watermark, got %v", cp.Watermark)
	}
	if cp.State != StateNotStarted {
		t.Fatalf("expected not_started, got %s", cp.State)
	}
}

func TestBeginSeedsWatermarkFromPreviousCompleteRun(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	first, err := m.Begin(ctx, 1, 7, 1, "tickets")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := m.SaveCursor(ctx, 1, "tickets", "page-3"); err != nil {
		t.Fatalf("saving cursor: %v", err)
	}
	if err := m.Complete(ctx, 1, "tickets"); err != nil {
		t.Fatalf("completing: %v", err)
	}

	second, err := m.Begin(ctx, 2, 7, 1, "tickets")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.Watermark == nil {
		t.Fatal("expected incremental run with watermark")
	}
	if !second.Watermark.Equal(first.StartedAt) {
		t.Fatalf("watermark %v should equal previous run start %v", second.Watermark, first.StartedAt)
	}
}

func TestBeginIgnoresIncompleteRuns(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	if _, err := m.Begin(ctx, 1, 7, 1, "tickets"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := m.SaveCursor(ctx, 1, "tickets", "page-2"); err != nil {
		t.Fatalf("saving cursor: %v", err)
	}
	// Job 1 never completed, so job 2 must be a full sync again.
	cp, err := m.Begin(ctx, 2, 7, 1, "tickets")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cp.Watermark != nil {
		t.Fatal("expected nil watermark after incomplete previous run")
	}
}

func TestSaveCursorMarksInProgress(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	if _, err := m.Begin(ctx, 1, 7, 1, "tickets"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := m.SaveCursor(ctx, 1, "tickets", "page-2"); err != nil {
		t.Fatalf("saving cursor: %v", err)
	}

	cp, err := m.Get(ctx, 1, "tickets")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cp.State != StateInProgress {
		t.Fatalf("expected in_progress, got %s", cp.State)
	}
	if cp.Cursor != "page-2" {
		t.Fatalf("expected cursor page-2, got %q", cp.Cursor)
	}
}

func TestNestedCursorLifecycle(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	if _, err := m.Begin(ctx, 1, 7, 1, "tickets"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := m.SaveNestedCursor(ctx, 1, 7, 1, "tickets", "TK-42", "comments", "c2"); err != nil {
		t.Fatalf("saving nested cursor: %v", err)
	}
	// Advancing the same branch must update, not duplicate.
	if err := m.SaveNestedCursor(ctx, 1, 7, 1, "tickets", "TK-42", "comments", "c3"); err != nil {
		t.Fatalf("advancing nested cursor: %v", err)
	}

	rows, err := m.InProgress(ctx, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected primary + one nested row, got %d", len(rows))
	}

	var nested *Checkpoint
	for i := range rows {
		if !rows[i].Primary() {
			nested = &rows[i]
		}
	}
	if nested == nil {
		t.Fatal("expected a nested checkpoint row")
	}
	if nested.Cursor != "c3" {
		t.Fatalf("expected advanced cursor c3, got %q", nested.Cursor)
	}

	if err := m.CompleteNested(ctx, 1, "tickets", "TK-42", "comments"); err != nil {
		t.Fatalf("completing nested branch: %v", err)
	}
	rows, err = m.InProgress(ctx, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected only the primary row to remain, got %d", len(rows))
	}
}

func TestFailLeavesOtherStepsAlone(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	if _, err := m.Begin(ctx, 1, 7, 1, "tickets"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := m.Begin(ctx, 1, 7, 1, "projects"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := m.Fail(ctx, 1, "tickets"); err != nil {
		t.Fatalf("failing step: %v", err)
	}

	rows, err := m.InProgress(ctx, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rows) != 1 || rows[0].Step != "projects" {
		t.Fatalf("expected only projects to remain resumable, got %+v", rows)
	}
}
