package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/quantfolio-labs/quantfolio-go/internal/domain"
	"github.com/quantfolio-labs/quantfolio-go/internal/platform/auth"
	"github.com/quantfolio-labs/quantfolio-go/internal/repo"
	"github.com/quantfolio-labs/quantfolio-go/internal/service/jobs"
)

type memJobRepo struct {
	jobs map[string]domain.Job
}

func newMemJobRepo() *memJobRepo {
	return &memJobRepo{jobs: make(map[string]domain.Job)}
}

func (m *memJobRepo) CreateJob(ctx context.Context, job domain.Job) error {
	if err := job.Validate(); err != nil {
		return err
	}
	m.jobs[job.ID] = job
	return nil
}

func (m *memJobRepo) GetJob(ctx context.Context, owner, id string) (domain.Job, error) {
	job, ok := m.jobs[id]
	if !ok || job.Owner != owner {
		return domain.Job{}, repo.ErrNotFound
	}
	return job, nil
}

func (m *memJobRepo) ListJobs(ctx context.Context, filter repo.JobFilter) ([]domain.Job, error) {
	out := make([]domain.Job, 0)
	for _, job := range m.jobs {
		if job.Owner == filter.Owner {
			out = append(out, job)
		}
	}
	return out, nil
}

func (m *memJobRepo) UpdateJob(ctx context.Context, owner, id string, update repo.JobUpdate) error {
	job, ok := m.jobs[id]
	if !ok || job.Owner != owner {
		return repo.ErrNotFound
	}
	if update.Name != nil {
		job.Name = *update.Name
	}
	if update.Description != nil {
		job.Description = *update.Description
	}
	if update.CronExpression != nil {
		job.CronExpression = *update.CronExpression
	}
	if update.Params != nil {
		job.Params = update.Params
	}
	if update.Status != nil {
		job.Status = *update.Status
	}
	if update.NextRunAt != nil {
		job.NextRunAt = *update.NextRunAt
	}
	job.UpdatedAt = time.Now().UTC()
	m.jobs[id] = job
	return nil
}

func (m *memJobRepo) DeleteJob(ctx context.Context, owner, id string) error {
	job, ok := m.jobs[id]
	if !ok || job.Owner != owner {
		return repo.ErrNotFound
	}
	delete(m.jobs, id)
	return nil
}

func (m *memJobRepo) RecordDispatch(ctx context.Context, owner, id, runID string, nextRunAt time.Time) error {
	job, ok := m.jobs[id]
	if !ok || job.Owner != owner {
		return repo.ErrNotFound
	}
	job.LastRunID = runID
	job.NextRunAt = nextRunAt
	m.jobs[id] = job
	return nil
}

type memNotebookRepo struct {
	notebooks map[string]domain.Notebook
}

func (m *memNotebookRepo) GetNotebook(ctx context.Context, owner, id string) (domain.Notebook, error) {
	nb, ok := m.notebooks[id]
	if !ok || nb.Owner != owner {
		return domain.Notebook{}, repo.ErrNotFound
	}
	return nb, nil
}

type stubExecutor struct {
	resp jobs.ExecuteResponse
	err  error
}

func (s stubExecutor) Execute(ctx context.Context, identity auth.Identity, req jobs.ExecuteRequest) (jobs.ExecuteResponse, error) {
	if s.err != nil {
		return jobs.ExecuteResponse{}, s.err
	}
	return s.resp, nil
}

func newTestAPI(t *testing.T, jobRepo *memJobRepo, notebooks *memNotebookRepo) *http.ServeMux {
	t.Helper()
	if notebooks == nil {
		notebooks = &memNotebookRepo{notebooks: map[string]domain.Notebook{}}
	}
	dispatcher, err := jobs.NewDispatcher(jobRepo, notebooks, stubExecutor{resp: jobs.ExecuteResponse{RunID: "run-1", Status: "running"}}, slog.Default())
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	mux := http.NewServeMux()
	newQuantjobsAPI(slog.Default(), jobRepo, dispatcher).register(mux)
	return mux
}

func doRequest(t *testing.T, mux *http.ServeMux, method, target, body, subject string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("{}")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if subject != "" {
		identity := auth.Identity{Subject: subject, Email: subject, Roles: []string{auth.RoleUser}}
		req = req.WithContext(auth.ContextWithIdentity(req.Context(), identity))
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestCreateJobMissingFieldsWritesNothing(t *testing.T) {
	jobRepo := newMemJobRepo()
	mux := newTestAPI(t, jobRepo, nil)

	rec := doRequest(t, mux, http.MethodPost, "/jobs", `{"name":"daily"}`, "alice")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if body := decodeBody(t, rec); body["error"] != "invalid_input" {
		t.Fatalf("expected invalid_input, got %v", body["error"])
	}
	if len(jobRepo.jobs) != 0 {
		t.Fatalf("no row may be written on invalid input")
	}
}

func TestCreateJobRejectsMalformedExpression(t *testing.T) {
	jobRepo := newMemJobRepo()
	mux := newTestAPI(t, jobRepo, nil)

	rec := doRequest(t, mux, http.MethodPost, "/jobs",
		`{"name":"daily","notebook_id":"nb-1","cron_expression":"not a cron at all!!"}`, "alice")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if body := decodeBody(t, rec); body["error"] != "invalid_expression" {
		t.Fatalf("expected invalid_expression, got %v", body["error"])
	}
	if len(jobRepo.jobs) != 0 {
		t.Fatalf("no row may be written on invalid expression")
	}
}

func TestCreateJobComputesNextRunAnHourOut(t *testing.T) {
	jobRepo := newMemJobRepo()
	mux := newTestAPI(t, jobRepo, nil)

	before := time.Now()
	rec := doRequest(t, mux, http.MethodPost, "/jobs",
		`{"name":"daily","notebook_id":"nb-1","cron_expression":"0 9 * * 1-5"}`, "alice")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	nextRunAt, err := time.Parse(time.RFC3339Nano, body["next_run_at"].(string))
	if err != nil {
		t.Fatalf("parse next_run_at: %v", err)
	}
	// Current behavior: one hour out regardless of the expression, not 9AM.
	if nextRunAt.Before(before.Add(59*time.Minute)) || nextRunAt.After(before.Add(61*time.Minute)) {
		t.Fatalf("next_run_at should be about an hour out, got %s", nextRunAt)
	}
	if !nextRunAt.After(before) {
		t.Fatalf("next_run_at must be strictly in the future")
	}
}

func TestDeleteJobIsolatedByOwner(t *testing.T) {
	jobRepo := newMemJobRepo()
	jobRepo.jobs["job-a"] = domain.Job{
		ID: "job-a", Owner: "alice", NotebookID: "nb-1", Name: "daily",
		CronExpression: "0 9 * * *", Status: domain.JobStatusActive,
		NextRunAt: time.Now().Add(time.Hour),
	}
	mux := newTestAPI(t, jobRepo, nil)

	rec := doRequest(t, mux, http.MethodDelete, "/jobs/job-a", "", "bob")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for cross-owner delete, got %d", rec.Code)
	}
	if _, ok := jobRepo.jobs["job-a"]; !ok {
		t.Fatalf("alice's job must persist after bob's delete attempt")
	}
}

func TestExecutePausedJobConflicts(t *testing.T) {
	jobRepo := newMemJobRepo()
	jobRepo.jobs["job-a"] = domain.Job{
		ID: "job-a", Owner: "alice", NotebookID: "nb-1", Name: "daily",
		CronExpression: "0 9 * * *", Status: domain.JobStatusPaused,
		NextRunAt: time.Now().Add(time.Hour),
	}
	mux := newTestAPI(t, jobRepo, nil)

	rec := doRequest(t, mux, http.MethodPost, "/jobs/job-a/execute", "", "alice")
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	if body := decodeBody(t, rec); body["error"] != "job_not_active" {
		t.Fatalf("expected job_not_active, got %v", body["error"])
	}
}

func TestExecuteRecordsRunAndAdvancesSchedule(t *testing.T) {
	jobRepo := newMemJobRepo()
	jobRepo.jobs["job-a"] = domain.Job{
		ID: "job-a", Owner: "alice", NotebookID: "nb-1", Name: "daily",
		CronExpression: "0 9 * * *", Status: domain.JobStatusActive,
		NextRunAt: time.Now().Add(time.Minute),
	}
	notebooks := &memNotebookRepo{notebooks: map[string]domain.Notebook{
		"nb-1": {ID: "nb-1", Owner: "alice", Cells: []domain.NotebookCell{
			{Type: domain.CellTypeCode, Source: "print(1)"},
		}},
	}}
	mux := newTestAPI(t, jobRepo, notebooks)

	rec := doRequest(t, mux, http.MethodPost, "/jobs/job-a/execute", "", "alice")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["run_id"] != "run-1" {
		t.Fatalf("expected run_id run-1, got %v", body["run_id"])
	}
	if jobRepo.jobs["job-a"].LastRunID != "run-1" {
		t.Fatalf("last_run_id not recorded")
	}
}

func TestExecuteNotebookWithoutCodeCells(t *testing.T) {
	jobRepo := newMemJobRepo()
	jobRepo.jobs["job-a"] = domain.Job{
		ID: "job-a", Owner: "alice", NotebookID: "nb-1", Name: "daily",
		CronExpression: "0 9 * * *", Status: domain.JobStatusActive,
		NextRunAt: time.Now().Add(time.Minute),
	}
	notebooks := &memNotebookRepo{notebooks: map[string]domain.Notebook{
		"nb-1": {ID: "nb-1", Owner: "alice", Cells: []domain.NotebookCell{
			{Type: "markdown", Source: "# prose only"},
		}},
	}}
	mux := newTestAPI(t, jobRepo, notebooks)

	rec := doRequest(t, mux, http.MethodPost, "/jobs/job-a/execute", "", "alice")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if body := decodeBody(t, rec); body["error"] != "no_code_cells" {
		t.Fatalf("expected no_code_cells, got %v", body["error"])
	}
}

func TestUpdateJobScheduleRecomputesNextRun(t *testing.T) {
	jobRepo := newMemJobRepo()
	original := time.Now().Add(time.Minute)
	jobRepo.jobs["job-a"] = domain.Job{
		ID: "job-a", Owner: "alice", NotebookID: "nb-1", Name: "daily",
		CronExpression: "0 9 * * *", Status: domain.JobStatusActive,
		NextRunAt: original,
	}
	mux := newTestAPI(t, jobRepo, nil)

	rec := doRequest(t, mux, http.MethodPut, "/jobs/job-a", `{"cron_expression":"30 8 * * *"}`, "alice")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	updated := jobRepo.jobs["job-a"]
	if updated.CronExpression != "30 8 * * *" {
		t.Fatalf("expression not updated: %s", updated.CronExpression)
	}
	if !updated.NextRunAt.After(original) {
		t.Fatalf("next_run_at must move forward on schedule edit")
	}
}
