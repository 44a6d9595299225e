package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/quantfolio-labs/quantfolio-go/internal/domain"
	"github.com/quantfolio-labs/quantfolio-go/internal/repo"
)

const selectRunColumns = `run_id, owner, job_id, notebook_id, code, params, status,
	stdout, stderr, started_at, ended_at, duration_ms`

type RunStore struct {
	db DB
}

func NewRunStore(db DB) *RunStore {
	if db == nil {
		return nil
	}
	return &RunStore{db: db}
}

func (s *RunStore) CreateRun(ctx context.Context, run domain.Run) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("run store not initialized")
	}
	if err := run.Validate(); err != nil {
		return err
	}
	paramsJSON, err := encodeMetadata(run.Params)
	if err != nil {
		return fmt.Errorf("encode params: %w", err)
	}
	startedAt := normalizeTime(run.StartedAt)
	var endedAt sql.NullTime
	if run.EndedAt != nil {
		endedAt = sql.NullTime{Time: run.EndedAt.UTC(), Valid: true}
	}
	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO quant_runs (
			run_id,
			owner,
			job_id,
			notebook_id,
			code,
			params,
			status,
			stdout,
			stderr,
			started_at,
			ended_at,
			duration_ms
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		strings.TrimSpace(run.ID),
		strings.TrimSpace(run.Owner),
		nullIfEmpty(run.JobID),
		nullIfEmpty(run.NotebookID),
		run.Code,
		paramsJSON,
		strings.TrimSpace(run.Status),
		run.Stdout,
		run.Stderr,
		startedAt,
		endedAt,
		run.DurationMs,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func (s *RunStore) GetRun(ctx context.Context, owner, id string) (domain.Run, error) {
	if s == nil || s.db == nil {
		return domain.Run{}, fmt.Errorf("run store not initialized")
	}
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return domain.Run{}, fmt.Errorf("owner is required")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Run{}, fmt.Errorf("run id is required")
	}
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+selectRunColumns+` FROM quant_runs WHERE owner = $1 AND run_id = $2`,
		owner,
		id,
	)
	run, err := scanRunRow(row.Scan)
	if err != nil {
		return domain.Run{}, handleNotFound(err)
	}
	return run, nil
}

func (s *RunStore) ListRuns(ctx context.Context, filter repo.RunFilter) ([]domain.Run, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("run store not initialized")
	}
	if strings.TrimSpace(filter.Owner) == "" {
		return nil, fmt.Errorf("owner is required")
	}

	clauses := []string{"owner = $1"}
	args := []any{strings.TrimSpace(filter.Owner)}
	if strings.TrimSpace(filter.JobID) != "" {
		args = append(args, strings.TrimSpace(filter.JobID))
		clauses = append(clauses, fmt.Sprintf("job_id = $%d", len(args)))
	}
	if strings.TrimSpace(filter.Status) != "" {
		args = append(args, strings.TrimSpace(filter.Status))
		clauses = append(clauses, fmt.Sprintf("status = $%d", len(args)))
	}

	query := `SELECT ` + selectRunColumns + ` FROM quant_runs WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY started_at DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	runs := make([]domain.Run, 0)
	for rows.Next() {
		run, err := scanRunRow(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}

// CompleteRun applies the single running-to-terminal transition. The status
// predicate makes a second completion attempt report ErrNotFound instead of
// overwriting a terminal row.
func (s *RunStore) CompleteRun(ctx context.Context, owner, id, status, stdout, stderr string, endedAt time.Time, durationMs int64) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("run store not initialized")
	}
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return fmt.Errorf("owner is required")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("run id is required")
	}
	status = strings.TrimSpace(status)
	if !domain.TerminalRunStatus(status) {
		return fmt.Errorf("status %q is not terminal", status)
	}
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE quant_runs
		 SET status = $1, stdout = $2, stderr = $3, ended_at = $4, duration_ms = $5
		 WHERE owner = $6 AND run_id = $7 AND status = $8`,
		status,
		stdout,
		stderr,
		endedAt.UTC(),
		durationMs,
		owner,
		id,
		domain.RunStatusRunning,
	)
	if err != nil {
		return fmt.Errorf("complete run: %w", err)
	}
	return requireRowsAffected(res, "complete run")
}

func scanRunRow(scan func(dest ...any) error) (domain.Run, error) {
	var run domain.Run
	var jobID sql.NullString
	var notebookID sql.NullString
	var paramsJSON []byte
	var endedAt sql.NullTime
	if err := scan(
		&run.ID,
		&run.Owner,
		&jobID,
		&notebookID,
		&run.Code,
		&paramsJSON,
		&run.Status,
		&run.Stdout,
		&run.Stderr,
		&run.StartedAt,
		&endedAt,
		&run.DurationMs,
	); err != nil {
		return domain.Run{}, err
	}
	if jobID.Valid {
		run.JobID = jobID.String
	}
	if notebookID.Valid {
		run.NotebookID = notebookID.String
	}
	if endedAt.Valid {
		ended := endedAt.Time.UTC()
		run.EndedAt = &ended
	}
	params, err := decodeMetadata(paramsJSON)
	if err != nil {
		return domain.Run{}, fmt.Errorf("decode params: %w", err)
	}
	run.Params = params
	return run, nil
}
