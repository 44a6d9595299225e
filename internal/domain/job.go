package domain

import (
	"errors"
	"strings"
	"time"
)

const (
	JobStatusActive = "active"
	JobStatusPaused = "paused"
)

// Job links a notebook's code to a recurring execution policy. NextRunAt is
// recomputed on every create, schedule edit, and execution dispatch and must
// always sit strictly in the future.
type Job struct {
	ID             string
	Owner          string
	NotebookID     string
	Name           string
	Description    string
	CronExpression string
	Params         Metadata
	Status         string
	NextRunAt      time.Time
	LastRunID      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (j Job) Validate() error {
	if strings.TrimSpace(j.ID) == "" {
		return errors.New("job id is required")
	}
	if strings.TrimSpace(j.Owner) == "" {
		return errors.New("job owner is required")
	}
	if strings.TrimSpace(j.NotebookID) == "" {
		return errors.New("notebook id is required")
	}
	if strings.TrimSpace(j.Name) == "" {
		return errors.New("job name is required")
	}
	if strings.TrimSpace(j.CronExpression) == "" {
		return errors.New("cron expression is required")
	}
	switch strings.TrimSpace(j.Status) {
	case JobStatusActive, JobStatusPaused:
	default:
		return errors.New("job status must be active or paused")
	}
	if j.NextRunAt.IsZero() {
		return errors.New("next run time is required")
	}
	return nil
}
