package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/quantfolio-labs/quantfolio-go/internal/domain"
	"github.com/quantfolio-labs/quantfolio-go/internal/execution"
	"github.com/quantfolio-labs/quantfolio-go/internal/platform/auth"
	"github.com/quantfolio-labs/quantfolio-go/internal/repo"
	"github.com/quantfolio-labs/quantfolio-go/internal/service/artifacts"
)

type taskSubmitter interface {
	Submit(task execution.Task) error
}

type executorAPI struct {
	logger    *slog.Logger
	runs      repo.RunRepository
	pool      taskSubmitter
	artifacts *artifacts.Service
	now       func() time.Time
}

func newExecutorAPI(logger *slog.Logger, runs repo.RunRepository, pool taskSubmitter, artifactSvc *artifacts.Service) *executorAPI {
	return &executorAPI{
		logger:    logger,
		runs:      runs,
		pool:      pool,
		artifacts: artifactSvc,
		now:       time.Now,
	}
}

func (api *executorAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("POST /execute", api.handleExecute)
	mux.HandleFunc("GET /runs", api.handleListRuns)
	mux.HandleFunc("GET /runs/{run_id}", api.handleGetRun)
	mux.HandleFunc("GET /runs/{run_id}/artifacts", api.handleListRunArtifacts)
}

type executeRequest struct {
	Code       string          `json:"code"`
	Params     domain.Metadata `json:"params"`
	NotebookID string          `json:"notebook_id"`
	JobID      string          `json:"job_id"`
}

// handleExecute registers the run and hands the code to the pool. The
// response does not wait for the interpreter: callers poll /runs/{run_id}
// for completion.
func (api *executorAPI) handleExecute(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		api.writeError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_input")
		return
	}
	if strings.TrimSpace(req.Code) == "" {
		api.writeError(w, r, http.StatusBadRequest, "invalid_input")
		return
	}

	run := domain.Run{
		ID:         uuid.NewString(),
		Owner:      identity.Subject,
		JobID:      strings.TrimSpace(req.JobID),
		NotebookID: strings.TrimSpace(req.NotebookID),
		Code:       req.Code,
		Params:     req.Params,
		Status:     domain.RunStatusRunning,
		StartedAt:  api.now().UTC(),
	}
	if err := api.runs.CreateRun(r.Context(), run); err != nil {
		api.writeServiceError(w, r, err)
		return
	}

	err := api.pool.Submit(execution.Task{
		RunID:  run.ID,
		Owner:  run.Owner,
		Code:   run.Code,
		Params: run.Params,
	})
	if err != nil {
		// The row already exists; close it out as failed so history shows
		// the rejection. The close-out runs on its own context so a caller
		// that hung up cannot strand the row in running.
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		completeErr := api.runs.CompleteRun(closeCtx, run.Owner, run.ID,
			domain.RunStatusFailed, "", "executor at capacity", api.now().UTC(), 0)
		if completeErr != nil {
			api.logger.Error("failed to close rejected run", "run_id", run.ID, "error", completeErr)
		}
		if errors.Is(err, execution.ErrBusy) || errors.Is(err, execution.ErrPoolClosed) {
			api.writeError(w, r, http.StatusServiceUnavailable, "executor_busy")
			return
		}
		api.writeServiceError(w, r, err)
		return
	}

	api.writeJSON(w, http.StatusAccepted, map[string]any{
		"run_id": run.ID,
		"status": domain.RunStatusRunning,
	})
}

type runResponse struct {
	RunID      string          `json:"run_id"`
	JobID      string          `json:"job_id,omitempty"`
	NotebookID string          `json:"notebook_id,omitempty"`
	Params     domain.Metadata `json:"params"`
	Status     string          `json:"status"`
	Stdout     string          `json:"stdout,omitempty"`
	Stderr     string          `json:"stderr,omitempty"`
	StartedAt  time.Time       `json:"started_at"`
	EndedAt    *time.Time      `json:"ended_at"`
	DurationMs int64           `json:"duration_ms"`
}

func runToResponse(run domain.Run) runResponse {
	return runResponse{
		RunID:      run.ID,
		JobID:      run.JobID,
		NotebookID: run.NotebookID,
		Params:     run.Params,
		Status:     run.Status,
		Stdout:     run.Stdout,
		Stderr:     run.Stderr,
		StartedAt:  run.StartedAt,
		EndedAt:    run.EndedAt,
		DurationMs: run.DurationMs,
	}
}

func (api *executorAPI) handleListRuns(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		api.writeError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}
	limit := clampInt(parseIntQuery(r, "limit", 100), 1, 500)
	runs, err := api.runs.ListRuns(r.Context(), repo.RunFilter{
		Owner:  identity.Subject,
		JobID:  strings.TrimSpace(r.URL.Query().Get("job_id")),
		Status: strings.TrimSpace(r.URL.Query().Get("status")),
		Limit:  limit,
	})
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	out := make([]runResponse, 0, len(runs))
	for _, run := range runs {
		out = append(out, runToResponse(run))
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"runs": out})
}

func (api *executorAPI) handleGetRun(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		api.writeError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}
	runID := strings.TrimSpace(r.PathValue("run_id"))
	if runID == "" {
		api.writeError(w, r, http.StatusBadRequest, "invalid_input")
		return
	}
	run, err := api.runs.GetRun(r.Context(), identity.Subject, runID)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, runToResponse(run))
}

func (api *executorAPI) handleListRunArtifacts(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		api.writeError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}
	runID := strings.TrimSpace(r.PathValue("run_id"))
	if runID == "" {
		api.writeError(w, r, http.StatusBadRequest, "invalid_input")
		return
	}
	// The run lookup keeps cross-owner artifact listings indistinguishable
	// from missing runs.
	if _, err := api.runs.GetRun(r.Context(), identity.Subject, runID); err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	downloads, err := api.artifacts.ListRunArtifacts(r.Context(), identity.Subject, runID)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	out := make([]map[string]any, 0, len(downloads))
	for _, d := range downloads {
		out = append(out, map[string]any{
			"artifact_id":  d.Artifact.ID,
			"run_id":       d.Artifact.RunID,
			"name":         d.Artifact.Name,
			"kind":         d.Artifact.Kind,
			"size_bytes":   d.Artifact.SizeBytes,
			"created_at":   d.Artifact.CreatedAt,
			"download_url": d.DownloadURL,
		})
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"artifacts": out})
}

// newRunCompleter builds the pool completion hook: it applies the terminal
// run update and persists any generated images.
func newRunCompleter(logger *slog.Logger, runs repo.RunRepository, artifactSvc *artifacts.Service) execution.CompletionFunc {
	return func(ctx context.Context, task execution.Task, outcome execution.Outcome) {
		status := domain.RunStatusCompleted
		stderr := outcome.Stderr
		if outcome.Result.Status == execution.ResultStatusFailed {
			status = domain.RunStatusFailed
			if outcome.Result.Error != "" {
				stderr = outcome.Result.Error
			}
		}
		endedAt := time.Now().UTC()
		err := runs.CompleteRun(ctx, task.Owner, task.RunID, status,
			outcome.Result.Output, stderr, endedAt, outcome.Duration.Milliseconds())
		if err != nil {
			logger.Error("run completion not recorded", "run_id", task.RunID, "error", err)
			return
		}
		if len(outcome.Result.Images) > 0 && artifactSvc != nil {
			saved := artifactSvc.SaveRunImages(ctx, task.Owner, task.RunID, outcome.Result.Images)
			logger.Info("run artifacts saved", "run_id", task.RunID, "saved", saved, "total", len(outcome.Result.Images))
		}
	}
}

func (api *executorAPI) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, repo.ErrNotFound):
		api.writeError(w, r, http.StatusNotFound, "not_found")
	default:
		api.logger.Error("request failed", "path", r.URL.Path, "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
	}
}

func (api *executorAPI) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(body)
}

func (api *executorAPI) writeError(w http.ResponseWriter, r *http.Request, status int, code string) {
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
