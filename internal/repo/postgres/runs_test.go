package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/quantfolio-labs/quantfolio-go/internal/domain"
	"github.com/quantfolio-labs/quantfolio-go/internal/repo"
)

func TestCompleteRunRejectsNonTerminalStatus(t *testing.T) {
	db, _ := newMockDB(t)
	store := NewRunStore(db)

	err := store.CompleteRun(context.Background(), "alice@example.com", "run-1", domain.RunStatusRunning, "", "", time.Now(), 0)
	if err == nil {
		t.Fatalf("expected error for non-terminal status")
	}
}

func TestCompleteRunOnlyTransitionsRunningRows(t *testing.T) {
	db, mock := newMockDB(t)
	store := NewRunStore(db)

	ended := time.Now().UTC()
	mock.ExpectExec(`UPDATE quant_runs\s+SET status = \$1, stdout = \$2, stderr = \$3, ended_at = \$4, duration_ms = \$5\s+WHERE owner = \$6 AND run_id = \$7 AND status = \$8`).
		WithArgs(domain.RunStatusCompleted, "ok", "", ended, int64(1200), "alice@example.com", "run-1", domain.RunStatusRunning).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.CompleteRun(context.Background(), "alice@example.com", "run-1", domain.RunStatusCompleted, "ok", "", ended, 1200)
	if err != nil {
		t.Fatalf("complete run: %v", err)
	}
}

func TestCompleteRunSecondAttemptReportsNotFound(t *testing.T) {
	db, mock := newMockDB(t)
	store := NewRunStore(db)

	mock.ExpectExec("UPDATE quant_runs").
		WithArgs(domain.RunStatusFailed, "", "boom", sqlmock.AnyArg(), int64(0), "alice@example.com", "run-1", domain.RunStatusRunning).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.CompleteRun(context.Background(), "alice@example.com", "run-1", domain.RunStatusFailed, "", "boom", time.Now(), 0)
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound once the row left running, got %v", err)
	}
}

func TestListRunsFiltersByJobAndStatus(t *testing.T) {
	db, mock := newMockDB(t)
	store := NewRunStore(db)

	now := time.Now().UTC()
	rows := sqlmock.NewRows([]string{
		"run_id", "owner", "job_id", "notebook_id", "code", "params", "status",
		"stdout", "stderr", "started_at", "ended_at", "duration_ms",
	}).AddRow("run-1", "alice@example.com", "job-1", "nb-1", "print(1)", []byte(`{}`),
		domain.RunStatusCompleted, "1\n", "", now, now, int64(40))

	mock.ExpectQuery(`FROM quant_runs WHERE owner = \$1 AND job_id = \$2 AND status = \$3 ORDER BY started_at DESC LIMIT \$4`).
		WithArgs("alice@example.com", "job-1", domain.RunStatusCompleted, 5).
		WillReturnRows(rows)

	runs, err := store.ListRuns(context.Background(), repo.RunFilter{
		Owner:  "alice@example.com",
		JobID:  "job-1",
		Status: domain.RunStatusCompleted,
		Limit:  5,
	})
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != "run-1" {
		t.Fatalf("unexpected runs: %+v", runs)
	}
	if runs[0].EndedAt == nil {
		t.Fatalf("expected ended_at decoded for terminal run")
	}
}

func TestCreateRunRequiresOwner(t *testing.T) {
	db, _ := newMockDB(t)
	store := NewRunStore(db)

	err := store.CreateRun(context.Background(), domain.Run{ID: "run-1", Status: domain.RunStatusRunning})
	if err == nil {
		t.Fatalf("expected validation error for run without owner")
	}
}
