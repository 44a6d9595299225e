package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/quantfolio-labs/quantfolio-go/internal/domain"
)

type NotebookStore struct {
	db DB
}

func NewNotebookStore(db DB) *NotebookStore {
	if db == nil {
		return nil
	}
	return &NotebookStore{db: db}
}

func (s *NotebookStore) GetNotebook(ctx context.Context, owner, id string) (domain.Notebook, error) {
	if s == nil || s.db == nil {
		return domain.Notebook{}, fmt.Errorf("notebook store not initialized")
	}
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return domain.Notebook{}, fmt.Errorf("owner is required")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Notebook{}, fmt.Errorf("notebook id is required")
	}

	var notebook domain.Notebook
	var cellsJSON []byte
	row := s.db.QueryRowContext(
		ctx,
		`SELECT notebook_id, owner, cells FROM notebooks WHERE owner = $1 AND notebook_id = $2`,
		owner,
		id,
	)
	if err := row.Scan(&notebook.ID, &notebook.Owner, &cellsJSON); err != nil {
		return domain.Notebook{}, handleNotFound(err)
	}
	if len(cellsJSON) > 0 {
		if err := json.Unmarshal(cellsJSON, &notebook.Cells); err != nil {
			return domain.Notebook{}, fmt.Errorf("decode cells: %w", err)
		}
	}
	return notebook, nil
}
