package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/quantfolio-labs/quantfolio-go/internal/domain"
	"github.com/quantfolio-labs/quantfolio-go/internal/platform/auth"
	"github.com/quantfolio-labs/quantfolio-go/internal/repo"
	"github.com/quantfolio-labs/quantfolio-go/internal/schedule"
	"github.com/quantfolio-labs/quantfolio-go/internal/service/jobs"
)

type quantjobsAPI struct {
	logger     *slog.Logger
	jobs       repo.JobRepository
	dispatcher *jobs.Dispatcher
	now        func() time.Time
}

func newQuantjobsAPI(logger *slog.Logger, jobRepo repo.JobRepository, dispatcher *jobs.Dispatcher) *quantjobsAPI {
	return &quantjobsAPI{
		logger:     logger,
		jobs:       jobRepo,
		dispatcher: dispatcher,
		now:        time.Now,
	}
}

func (api *quantjobsAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("GET /jobs", api.handleListJobs)
	mux.HandleFunc("POST /jobs", api.handleCreateJob)
	mux.HandleFunc("GET /jobs/{job_id}", api.handleGetJob)
	mux.HandleFunc("PUT /jobs/{job_id}", api.handleUpdateJob)
	mux.HandleFunc("DELETE /jobs/{job_id}", api.handleDeleteJob)
	mux.HandleFunc("POST /jobs/{job_id}/execute", api.handleExecuteJob)
}

type jobResponse struct {
	JobID          string          `json:"job_id"`
	NotebookID     string          `json:"notebook_id"`
	Name           string          `json:"name"`
	Description    string          `json:"description,omitempty"`
	CronExpression string          `json:"cron_expression"`
	Params         domain.Metadata `json:"params"`
	Status         string          `json:"status"`
	NextRunAt      time.Time       `json:"next_run_at"`
	LastRunID      string          `json:"last_run_id,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

func jobToResponse(job domain.Job) jobResponse {
	return jobResponse{
		JobID:          job.ID,
		NotebookID:     job.NotebookID,
		Name:           job.Name,
		Description:    job.Description,
		CronExpression: job.CronExpression,
		Params:         job.Params,
		Status:         job.Status,
		NextRunAt:      job.NextRunAt,
		LastRunID:      job.LastRunID,
		CreatedAt:      job.CreatedAt,
		UpdatedAt:      job.UpdatedAt,
	}
}

func (api *quantjobsAPI) handleListJobs(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		api.writeError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}
	limit := clampInt(parseIntQuery(r, "limit", 100), 1, 500)
	status := strings.TrimSpace(r.URL.Query().Get("status"))

	list, err := api.jobs.ListJobs(r.Context(), repo.JobFilter{
		Owner:  identity.Subject,
		Status: status,
		Limit:  limit,
	})
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	out := make([]jobResponse, 0, len(list))
	for _, job := range list {
		out = append(out, jobToResponse(job))
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"jobs": out})
}

type createJobRequest struct {
	Name           string          `json:"name"`
	NotebookID     string          `json:"notebook_id"`
	Description    string          `json:"description"`
	CronExpression string          `json:"cron_expression"`
	Params         domain.Metadata `json:"params"`
}

func (api *quantjobsAPI) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		api.writeError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_input")
		return
	}
	if strings.TrimSpace(req.Name) == "" ||
		strings.TrimSpace(req.NotebookID) == "" ||
		strings.TrimSpace(req.CronExpression) == "" {
		api.writeError(w, r, http.StatusBadRequest, "invalid_input")
		return
	}
	if err := schedule.Validate(req.CronExpression); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_expression")
		return
	}

	now := api.now().UTC()
	nextRunAt, err := schedule.Next(req.CronExpression, now)
	if err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_expression")
		return
	}
	job := domain.Job{
		ID:             uuid.NewString(),
		Owner:          identity.Subject,
		NotebookID:     strings.TrimSpace(req.NotebookID),
		Name:           strings.TrimSpace(req.Name),
		Description:    strings.TrimSpace(req.Description),
		CronExpression: strings.TrimSpace(req.CronExpression),
		Params:         req.Params,
		Status:         domain.JobStatusActive,
		NextRunAt:      nextRunAt,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := api.jobs.CreateJob(r.Context(), job); err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, jobToResponse(job))
}

func (api *quantjobsAPI) handleGetJob(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		api.writeError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}
	jobID := strings.TrimSpace(r.PathValue("job_id"))
	if jobID == "" {
		api.writeError(w, r, http.StatusBadRequest, "invalid_input")
		return
	}
	job, err := api.jobs.GetJob(r.Context(), identity.Subject, jobID)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, jobToResponse(job))
}

type updateJobRequest struct {
	Name           *string         `json:"name"`
	Description    *string         `json:"description"`
	CronExpression *string         `json:"cron_expression"`
	Params         domain.Metadata `json:"params"`
	Status         *string         `json:"status"`
}

func (api *quantjobsAPI) handleUpdateJob(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		api.writeError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}
	jobID := strings.TrimSpace(r.PathValue("job_id"))
	if jobID == "" {
		api.writeError(w, r, http.StatusBadRequest, "invalid_input")
		return
	}
	var req updateJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_input")
		return
	}

	update := repo.JobUpdate{
		Name:        req.Name,
		Description: req.Description,
		Params:      req.Params,
	}
	if req.Status != nil {
		status := strings.TrimSpace(*req.Status)
		if status != domain.JobStatusActive && status != domain.JobStatusPaused {
			api.writeError(w, r, http.StatusBadRequest, "invalid_input")
			return
		}
		update.Status = &status
	}
	if req.Name != nil && strings.TrimSpace(*req.Name) == "" {
		api.writeError(w, r, http.StatusBadRequest, "invalid_input")
		return
	}
	// A schedule change revalidates the expression and moves the next firing.
	if req.CronExpression != nil {
		expr := strings.TrimSpace(*req.CronExpression)
		if err := schedule.Validate(expr); err != nil {
			api.writeError(w, r, http.StatusBadRequest, "invalid_expression")
			return
		}
		nextRunAt, err := schedule.Next(expr, api.now().UTC())
		if err != nil {
			api.writeError(w, r, http.StatusBadRequest, "invalid_expression")
			return
		}
		update.CronExpression = &expr
		update.NextRunAt = &nextRunAt
	}

	if err := api.jobs.UpdateJob(r.Context(), identity.Subject, jobID, update); err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	job, err := api.jobs.GetJob(r.Context(), identity.Subject, jobID)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, jobToResponse(job))
}

func (api *quantjobsAPI) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		api.writeError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}
	jobID := strings.TrimSpace(r.PathValue("job_id"))
	if jobID == "" {
		api.writeError(w, r, http.StatusBadRequest, "invalid_input")
		return
	}
	if err := api.jobs.DeleteJob(r.Context(), identity.Subject, jobID); err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"deleted": jobID})
}

func (api *quantjobsAPI) handleExecuteJob(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		api.writeError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}
	jobID := strings.TrimSpace(r.PathValue("job_id"))
	if jobID == "" {
		api.writeError(w, r, http.StatusBadRequest, "invalid_input")
		return
	}
	result, err := api.dispatcher.Dispatch(r.Context(), identity, jobID)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, map[string]any{
		"run_id":      result.RunID,
		"status":      domain.RunStatusRunning,
		"next_run_at": result.NextRunAt,
	})
}

func (api *quantjobsAPI) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, repo.ErrNotFound):
		api.writeError(w, r, http.StatusNotFound, "not_found")
	case errors.Is(err, schedule.ErrInvalidExpression):
		api.writeError(w, r, http.StatusBadRequest, "invalid_expression")
	case errors.Is(err, jobs.ErrJobNotActive):
		api.writeError(w, r, http.StatusConflict, "job_not_active")
	case errors.Is(err, jobs.ErrNoCode):
		api.writeError(w, r, http.StatusBadRequest, "no_code_cells")
	case errors.Is(err, jobs.ErrExecutorUnavailable):
		api.writeError(w, r, http.StatusBadGateway, "upstream_failure")
	default:
		api.logger.Error("request failed", "path", r.URL.Path, "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
	}
}

func (api *quantjobsAPI) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(body)
}

func (api *quantjobsAPI) writeError(w http.ResponseWriter, r *http.Request, status int, code string) {
	api.writeJSON(w, status, map[string]any{
		"error":      code,
		"request_id": r.Header.Get("X-Request-Id"),
	})
}

func parseIntQuery(r *http.Request, key string, def int) int {
	v := strings.TrimSpace(r.URL.Query().Get(key))
	if v == "" {
		return def
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return parsed
}

func clampInt(v int, min int, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
