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

const selectJobColumns = `job_id, owner, notebook_id, name, description, cron_expression,
	params, status, next_run_at, last_run_id, created_at, updated_at`

type JobStore struct {
	db DB
}

func NewJobStore(db DB) *JobStore {
	if db == nil {
		return nil
	}
	return &JobStore{db: db}
}

func (s *JobStore) CreateJob(ctx context.Context, job domain.Job) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("job store not initialized")
	}
	if err := job.Validate(); err != nil {
		return err
	}
	paramsJSON, err := encodeMetadata(job.Params)
	if err != nil {
		return fmt.Errorf("encode params: %w", err)
	}
	createdAt := normalizeTime(job.CreatedAt)
	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO quant_jobs (
			job_id,
			owner,
			notebook_id,
			name,
			description,
			cron_expression,
			params,
			status,
			next_run_at,
			last_run_id,
			created_at,
			updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		strings.TrimSpace(job.ID),
		strings.TrimSpace(job.Owner),
		strings.TrimSpace(job.NotebookID),
		strings.TrimSpace(job.Name),
		strings.TrimSpace(job.Description),
		strings.TrimSpace(job.CronExpression),
		paramsJSON,
		strings.TrimSpace(job.Status),
		job.NextRunAt.UTC(),
		nullIfEmpty(job.LastRunID),
		createdAt,
		createdAt,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (s *JobStore) GetJob(ctx context.Context, owner, id string) (domain.Job, error) {
	if s == nil || s.db == nil {
		return domain.Job{}, fmt.Errorf("job store not initialized")
	}
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return domain.Job{}, fmt.Errorf("owner is required")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Job{}, fmt.Errorf("job id is required")
	}
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+selectJobColumns+` FROM quant_jobs WHERE owner = $1 AND job_id = $2`,
		owner,
		id,
	)
	job, err := scanJobRow(row.Scan)
	if err != nil {
		return domain.Job{}, handleNotFound(err)
	}
	return job, nil
}

func (s *JobStore) ListJobs(ctx context.Context, filter repo.JobFilter) ([]domain.Job, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("job store not initialized")
	}
	if strings.TrimSpace(filter.Owner) == "" {
		return nil, fmt.Errorf("owner is required")
	}

	clauses := []string{"owner = $1"}
	args := []any{strings.TrimSpace(filter.Owner)}
	if strings.TrimSpace(filter.Status) != "" {
		args = append(args, strings.TrimSpace(filter.Status))
		clauses = append(clauses, fmt.Sprintf("status = $%d", len(args)))
	}

	query := `SELECT ` + selectJobColumns + ` FROM quant_jobs WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]domain.Job, 0)
	for rows.Next() {
		job, err := scanJobRow(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

func (s *JobStore) UpdateJob(ctx context.Context, owner, id string, update repo.JobUpdate) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("job store not initialized")
	}
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return fmt.Errorf("owner is required")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("job id is required")
	}

	sets := make([]string, 0, 6)
	args := make([]any, 0, 8)
	if update.Name != nil {
		args = append(args, strings.TrimSpace(*update.Name))
		sets = append(sets, fmt.Sprintf("name = $%d", len(args)))
	}
	if update.Description != nil {
		args = append(args, strings.TrimSpace(*update.Description))
		sets = append(sets, fmt.Sprintf("description = $%d", len(args)))
	}
	if update.CronExpression != nil {
		args = append(args, strings.TrimSpace(*update.CronExpression))
		sets = append(sets, fmt.Sprintf("cron_expression = $%d", len(args)))
	}
	if update.Params != nil {
		paramsJSON, err := encodeMetadata(update.Params)
		if err != nil {
			return fmt.Errorf("encode params: %w", err)
		}
		args = append(args, paramsJSON)
		sets = append(sets, fmt.Sprintf("params = $%d", len(args)))
	}
	if update.Status != nil {
		args = append(args, strings.TrimSpace(*update.Status))
		sets = append(sets, fmt.Sprintf("status = $%d", len(args)))
	}
	if update.NextRunAt != nil {
		args = append(args, update.NextRunAt.UTC())
		sets = append(sets, fmt.Sprintf("next_run_at = $%d", len(args)))
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, time.Now().UTC())
	sets = append(sets, fmt.Sprintf("updated_at = $%d", len(args)))

	args = append(args, owner)
	ownerPos := len(args)
	args = append(args, id)
	idPos := len(args)

	res, err := s.db.ExecContext(
		ctx,
		fmt.Sprintf("UPDATE quant_jobs SET %s WHERE owner = $%d AND job_id = $%d", strings.Join(sets, ", "), ownerPos, idPos),
		args...,
	)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	return requireRowsAffected(res, "update job")
}

func (s *JobStore) DeleteJob(ctx context.Context, owner, id string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("job store not initialized")
	}
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return fmt.Errorf("owner is required")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("job id is required")
	}
	res, err := s.db.ExecContext(
		ctx,
		`DELETE FROM quant_jobs WHERE owner = $1 AND job_id = $2`,
		owner,
		id,
	)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	return requireRowsAffected(res, "delete job")
}

func (s *JobStore) RecordDispatch(ctx context.Context, owner, id, runID string, nextRunAt time.Time) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("job store not initialized")
	}
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return fmt.Errorf("owner is required")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("job id is required")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return fmt.Errorf("run id is required")
	}
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE quant_jobs SET last_run_id = $1, next_run_at = $2, updated_at = $3 WHERE owner = $4 AND job_id = $5`,
		runID,
		nextRunAt.UTC(),
		time.Now().UTC(),
		owner,
		id,
	)
	if err != nil {
		return fmt.Errorf("record dispatch: %w", err)
	}
	return requireRowsAffected(res, "record dispatch")
}

func scanJobRow(scan func(dest ...any) error) (domain.Job, error) {
	var job domain.Job
	var description sql.NullString
	var lastRunID sql.NullString
	var paramsJSON []byte
	if err := scan(
		&job.ID,
		&job.Owner,
		&job.NotebookID,
		&job.Name,
		&description,
		&job.CronExpression,
		&paramsJSON,
		&job.Status,
		&job.NextRunAt,
		&lastRunID,
		&job.CreatedAt,
		&job.UpdatedAt,
	); err != nil {
		return domain.Job{}, err
	}
	if description.Valid {
		job.Description = description.String
	}
	if lastRunID.Valid {
		job.LastRunID = lastRunID.String
	}
	params, err := decodeMetadata(paramsJSON)
	if err != nil {
		return domain.Job{}, fmt.Errorf("decode params: %w", err)
	}
	job.Params = params
	return job, nil
}

func requireRowsAffected(res sql.Result, op string) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if rows == 0 {
		return repo.ErrNotFound
	}
	return nil
}
