package repo

import (
	"context"
	"errors"
	"time"

	"github.com/quantfolio-labs/quantfolio-go/internal/domain"
)

// ErrNotFound covers both absent rows and rows owned by someone else; the
// two cases are indistinguishable to callers on purpose.
var ErrNotFound = errors.New("not found")

type JobFilter struct {
	Owner  string
	Status string
	Limit  int
}

type RunFilter struct {
	Owner  string
	JobID  string
	Status string
	Limit  int
}

type ArtifactFilter struct {
	Owner string
	RunID string
	Limit int
}

type DatasetFilter struct {
	Owner string
	Name  string
	Limit int
}

// JobUpdate carries the mutable job fields; nil pointers leave the column
// untouched.
type JobUpdate struct {
	Name           *string
	Description    *string
	CronExpression *string
	Params         domain.Metadata
	Status         *string
	NextRunAt      *time.Time
}

// JobRepository manages schedulable jobs, always owner-scoped.
type JobRepository interface {
	CreateJob(ctx context.Context, job domain.Job) error
	GetJob(ctx context.Context, owner, id string) (domain.Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]domain.Job, error)
	UpdateJob(ctx context.Context, owner, id string, update JobUpdate) error
	DeleteJob(ctx context.Context, owner, id string) error
	RecordDispatch(ctx context.Context, owner, id, runID string, nextRunAt time.Time) error
}

// RunRepository manages execution runs. CompleteRun applies the single
// running-to-terminal transition and fails on any other starting state.
type RunRepository interface {
	CreateRun(ctx context.Context, run domain.Run) error
	GetRun(ctx context.Context, owner, id string) (domain.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]domain.Run, error)
	CompleteRun(ctx context.Context, owner, id, status, stdout, stderr string, endedAt time.Time, durationMs int64) error
}

// NotebookRepository is read-only; notebooks are authored elsewhere.
type NotebookRepository interface {
	GetNotebook(ctx context.Context, owner, id string) (domain.Notebook, error)
}

type ArtifactRepository interface {
	CreateArtifact(ctx context.Context, artifact domain.Artifact) error
	ListArtifacts(ctx context.Context, filter ArtifactFilter) ([]domain.Artifact, error)
}

type DatasetRepository interface {
	CreateDataset(ctx context.Context, dataset domain.Dataset) error
	GetDataset(ctx context.Context, owner, id string) (domain.Dataset, error)
	ListDatasets(ctx context.Context, filter DatasetFilter) ([]domain.Dataset, error)
	UpdateDatasetSchema(ctx context.Context, owner, id string, schema []domain.DatasetColumn, rowCount int64, syncedAt time.Time) error
	DeleteDataset(ctx context.Context, owner, id string) error
}

// RoleRepository manages the user/role assignment table.
type RoleRepository interface {
	AssignRole(ctx context.Context, assignment domain.RoleAssignment) error
	RemoveRole(ctx context.Context, email, role string) error
	ListRoles(ctx context.Context, email string) ([]domain.RoleAssignment, error)
}
