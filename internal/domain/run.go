package domain

import (
	"errors"
	"strings"
	"time"
)

const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
)

// Run is one execution of a job or an ad-hoc code submission. A run's status
// moves exactly once from running to a terminal state; completion fields stay
// null until then.
type Run struct {
	ID         string
	Owner      string
	JobID      string
	NotebookID string
	Code       string
	Params     Metadata
	Status     string
	Stdout     string
	Stderr     string
	StartedAt  time.Time
	EndedAt    *time.Time
	DurationMs int64
}

func TerminalRunStatus(status string) bool {
	switch strings.TrimSpace(status) {
	case RunStatusCompleted, RunStatusFailed:
		return true
	}
	return false
}

func (r Run) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return errors.New("run id is required")
	}
	if strings.TrimSpace(r.Owner) == "" {
		return errors.New("run owner is required")
	}
	if strings.TrimSpace(r.Code) == "" {
		return errors.New("run code is required")
	}
	switch strings.TrimSpace(r.Status) {
	case RunStatusRunning, RunStatusCompleted, RunStatusFailed:
	default:
		return errors.New("run status must be running, completed, or failed")
	}
	return nil
}
