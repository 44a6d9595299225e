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

func newMockDB(t *testing.T) (DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("open sqlmock: %v", err)
	}
	t.Cleanup(func() {
		db.Close()
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
	})
	return db, mock
}

func TestCreateJobRejectsInvalidJobWithoutWriting(t *testing.T) {
	db, _ := newMockDB(t)
	store := NewJobStore(db)

	err := store.CreateJob(context.Background(), domain.Job{ID: "job-1"})
	if err == nil {
		t.Fatalf("expected validation error for incomplete job")
	}
}

func TestCreateJobInsertsRow(t *testing.T) {
	db, mock := newMockDB(t)
	store := NewJobStore(db)

	mock.ExpectExec("INSERT INTO quant_jobs").
		WithArgs(
			"job-1", "alice@example.com", "nb-1", "daily rebalance", "", "0 9 * * 1-5",
			sqlmock.AnyArg(), domain.JobStatusActive, sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg(),
		).
		WillReturnResult(sqlmock.NewResult(0, 1))

	job := domain.Job{
		ID:             "job-1",
		Owner:          "alice@example.com",
		NotebookID:     "nb-1",
		Name:           "daily rebalance",
		CronExpression: "0 9 * * 1-5",
		Status:         domain.JobStatusActive,
		NextRunAt:      time.Now().Add(time.Hour),
	}
	if err := store.CreateJob(context.Background(), job); err != nil {
		t.Fatalf("create job: %v", err)
	}
}

func TestGetJobScopesByOwner(t *testing.T) {
	db, mock := newMockDB(t)
	store := NewJobStore(db)

	now := time.Now().UTC()
	rows := sqlmock.NewRows([]string{
		"job_id", "owner", "notebook_id", "name", "description", "cron_expression",
		"params", "status", "next_run_at", "last_run_id", "created_at", "updated_at",
	}).AddRow("job-1", "alice@example.com", "nb-1", "daily rebalance", nil, "0 9 * * 1-5",
		[]byte(`{"budget":100}`), domain.JobStatusActive, now.Add(time.Hour), nil, now, now)

	mock.ExpectQuery("FROM quant_jobs WHERE owner = \\$1 AND job_id = \\$2").
		WithArgs("alice@example.com", "job-1").
		WillReturnRows(rows)

	job, err := store.GetJob(context.Background(), "alice@example.com", "job-1")
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.ID != "job-1" || job.Owner != "alice@example.com" {
		t.Fatalf("unexpected job: %+v", job)
	}
	if job.Params["budget"] != float64(100) {
		t.Fatalf("expected params decoded, got %v", job.Params)
	}
}

func TestGetJobMapsMissingRowToNotFound(t *testing.T) {
	db, mock := newMockDB(t)
	store := NewJobStore(db)

	mock.ExpectQuery("FROM quant_jobs").
		WithArgs("alice@example.com", "job-missing").
		WillReturnRows(sqlmock.NewRows([]string{"job_id"}))

	_, err := store.GetJob(context.Background(), "alice@example.com", "job-missing")
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateJobWithoutFieldsIsNoop(t *testing.T) {
	db, _ := newMockDB(t)
	store := NewJobStore(db)

	if err := store.UpdateJob(context.Background(), "alice@example.com", "job-1", repo.JobUpdate{}); err != nil {
		t.Fatalf("empty update: %v", err)
	}
}

func TestUpdateJobSetsOnlyProvidedFields(t *testing.T) {
	db, mock := newMockDB(t)
	store := NewJobStore(db)

	name := "weekly rebalance"
	mock.ExpectExec(`UPDATE quant_jobs SET name = \$1, updated_at = \$2 WHERE owner = \$3 AND job_id = \$4`).
		WithArgs(name, sqlmock.AnyArg(), "alice@example.com", "job-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.UpdateJob(context.Background(), "alice@example.com", "job-1", repo.JobUpdate{Name: &name})
	if err != nil {
		t.Fatalf("update job: %v", err)
	}
}

func TestDeleteJobReportsNotFoundOnZeroRows(t *testing.T) {
	db, mock := newMockDB(t)
	store := NewJobStore(db)

	mock.ExpectExec("DELETE FROM quant_jobs").
		WithArgs("alice@example.com", "job-1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.DeleteJob(context.Background(), "alice@example.com", "job-1")
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRecordDispatchAdvancesSchedule(t *testing.T) {
	db, mock := newMockDB(t)
	store := NewJobStore(db)

	next := time.Now().Add(time.Hour).UTC()
	mock.ExpectExec(`UPDATE quant_jobs SET last_run_id = \$1, next_run_at = \$2, updated_at = \$3`).
		WithArgs("run-9", next, sqlmock.AnyArg(), "alice@example.com", "job-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := store.RecordDispatch(context.Background(), "alice@example.com", "job-1", "run-9", next); err != nil {
		t.Fatalf("record dispatch: %v", err)
	}
}
