package domain

import (
	"errors"
	"strings"
	"time"
)

// Artifact is one stored output file produced by a run, held in object
// storage with a metadata row alongside.
type Artifact struct {
	ID        string
	Owner     string
	RunID     string
	Name      string
	Kind      string
	ObjectKey string
	SizeBytes int64
	Metadata  Metadata
	CreatedAt time.Time
}

func (a Artifact) Validate() error {
	if strings.TrimSpace(a.ID) == "" {
		return errors.New("artifact id is required")
	}
	if strings.TrimSpace(a.Owner) == "" {
		return errors.New("artifact owner is required")
	}
	if strings.TrimSpace(a.RunID) == "" {
		return errors.New("run id is required")
	}
	if strings.TrimSpace(a.Name) == "" {
		return errors.New("artifact name is required")
	}
	if strings.TrimSpace(a.ObjectKey) == "" {
		return errors.New("object key is required")
	}
	if a.SizeBytes < 0 {
		return errors.New("size must be >= 0")
	}
	return nil
}
