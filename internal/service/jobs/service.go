package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/quantfolio-labs/quantfolio-go/internal/domain"
	"github.com/quantfolio-labs/quantfolio-go/internal/platform/auth"
	"github.com/quantfolio-labs/quantfolio-go/internal/platform/httpserver"
	"github.com/quantfolio-labs/quantfolio-go/internal/platform/requestid"
	"github.com/quantfolio-labs/quantfolio-go/internal/repo"
	"github.com/quantfolio-labs/quantfolio-go/internal/schedule"
)

// ErrJobNotActive rejects dispatch of paused jobs.
var ErrJobNotActive = errors.New("job is not active")

// ErrNoCode rejects dispatch when the linked notebook has no code cells.
var ErrNoCode = errors.New("notebook has no code cells")

// ErrExecutorUnavailable wraps any failure of the downstream execution call.
var ErrExecutorUnavailable = errors.New("executor unavailable")

type ExecuteRequest struct {
	Code       string          `json:"code"`
	Params     domain.Metadata `json:"params,omitempty"`
	NotebookID string          `json:"notebook_id,omitempty"`
	JobID      string          `json:"job_id,omitempty"`
}

type ExecuteResponse struct {
	RunID  string `json:"run_id"`
	Status string `json:"status"`
}

// ExecutorClient submits code to the execution service on behalf of an
// authenticated identity.
type ExecutorClient interface {
	Execute(ctx context.Context, identity auth.Identity, req ExecuteRequest) (ExecuteResponse, error)
}

// DispatchResult reports a successful dispatch back to the handler.
type DispatchResult struct {
	RunID     string
	NextRunAt time.Time
}

// Dispatcher turns an owner's job into one executor run: verifies the job is
// active, concatenates the notebook's code cells, submits them, and records
// the run on the job row.
type Dispatcher struct {
	jobs      repo.JobRepository
	notebooks repo.NotebookRepository
	executor  ExecutorClient
	logger    *slog.Logger
	now       func() time.Time
}

func NewDispatcher(jobs repo.JobRepository, notebooks repo.NotebookRepository, executor ExecutorClient, logger *slog.Logger) (*Dispatcher, error) {
	if jobs == nil {
		return nil, errors.New("job repository is required")
	}
	if notebooks == nil {
		return nil, errors.New("notebook repository is required")
	}
	if executor == nil {
		return nil, errors.New("executor client is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		jobs:      jobs,
		notebooks: notebooks,
		executor:  executor,
		logger:    logger,
		now:       time.Now,
	}, nil
}

func (d *Dispatcher) Dispatch(ctx context.Context, identity auth.Identity, jobID string) (DispatchResult, error) {
	if d == nil || d.jobs == nil {
		return DispatchResult{}, errors.New("dispatcher not initialized")
	}
	owner := strings.TrimSpace(identity.Subject)
	if owner == "" {
		return DispatchResult{}, errors.New("owner is required")
	}
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return DispatchResult{}, errors.New("job id is required")
	}

	job, err := d.jobs.GetJob(ctx, owner, jobID)
	if err != nil {
		return DispatchResult{}, err
	}
	if job.Status != domain.JobStatusActive {
		return DispatchResult{}, ErrJobNotActive
	}

	notebook, err := d.notebooks.GetNotebook(ctx, owner, job.NotebookID)
	if err != nil {
		return DispatchResult{}, err
	}
	code := notebook.CodeSource()
	if code == "" {
		return DispatchResult{}, ErrNoCode
	}

	resp, err := d.executor.Execute(ctx, identity, ExecuteRequest{
		Code:       code,
		Params:     job.Params,
		NotebookID: job.NotebookID,
		JobID:      job.ID,
	})
	if err != nil {
		// The job row stays untouched on executor failure.
		return DispatchResult{}, fmt.Errorf("%w: %v", ErrExecutorUnavailable, err)
	}
	if strings.TrimSpace(resp.RunID) == "" {
		return DispatchResult{}, fmt.Errorf("%w: empty run id", ErrExecutorUnavailable)
	}

	nextRunAt, err := schedule.Next(job.CronExpression, d.now().UTC())
	if err != nil {
		return DispatchResult{}, err
	}
	if err := d.jobs.RecordDispatch(ctx, owner, job.ID, resp.RunID, nextRunAt); err != nil {
		return DispatchResult{}, err
	}

	d.logger.Info("job dispatched",
		"job_id", job.ID,
		"run_id", resp.RunID,
		"next_run_at", nextRunAt,
	)
	return DispatchResult{RunID: resp.RunID, NextRunAt: nextRunAt}, nil
}

// HTTPExecutorClient calls the execution service over the internal network
// with signed identity headers.
type HTTPExecutorClient struct {
	baseURL string
	secret  string
	client  *http.Client
}

func NewHTTPExecutorClient(baseURL, secret string, client *http.Client) (*HTTPExecutorClient, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("executor base url is required")
	}
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("internal auth secret is required")
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPExecutorClient{baseURL: baseURL, secret: secret, client: client}, nil
}

func (c *HTTPExecutorClient) Execute(ctx context.Context, identity auth.Identity, req ExecuteRequest) (ExecuteResponse, error) {
	if c == nil || c.client == nil {
		return ExecuteResponse{}, errors.New("executor client not initialized")
	}
	body, err := json.Marshal(req)
	if err != nil {
		return ExecuteResponse{}, fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/execute", bytes.NewReader(body))
	if err != nil {
		return ExecuteResponse{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if err := c.signRequest(httpReq, identity); err != nil {
		return ExecuteResponse{}, err
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return ExecuteResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return ExecuteResponse{}, fmt.Errorf("executor returned %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	var out ExecuteResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return ExecuteResponse{}, fmt.Errorf("decode response: %w", err)
	}
	return out, nil
}

// signRequest attaches the identity headers the executor's middleware
// verifies. The request id is signed too, so it must be pinned on the
// outbound request before signing: the inbound id is propagated when the
// call originates from a handled request, otherwise a fresh one is minted.
func (c *HTTPExecutorClient) signRequest(req *http.Request, identity auth.Identity) error {
	requestID, _ := httpserver.RequestIDFromContext(req.Context())
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		minted, err := requestid.New()
		if err != nil {
			return fmt.Errorf("mint request id: %w", err)
		}
		requestID = minted
	}
	ts := strconv.FormatInt(time.Now().UTC().Unix(), 10)
	roles := strings.Join(identity.Roles, ",")

	sig, err := auth.ComputeInternalAuthSignature(c.secret, ts, req.Method, req.URL.Path, requestID, identity.Subject, identity.Email, roles)
	if err != nil {
		return err
	}
	req.Header.Set("X-Request-Id", requestID)
	req.Header.Set(auth.HeaderSubject, identity.Subject)
	req.Header.Set(auth.HeaderEmail, identity.Email)
	req.Header.Set(auth.HeaderRoles, roles)
	req.Header.Set(auth.HeaderInternalAuthTimestamp, ts)
	req.Header.Set(auth.HeaderInternalAuthSignature, sig)
	return nil
}
