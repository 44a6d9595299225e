package domain

import (
	"errors"
	"strings"
)

const CellTypeCode = "code"

// NotebookCell is one ordered cell of a notebook document. Only code cells
// participate in job execution; other cell types (markdown, raw) are carried
// through untouched.
type NotebookCell struct {
	Type   string `json:"cell_type"`
	Source string `json:"source"`
}

// Notebook is read-only in this system; rows are created by the dashboard's
// notebook editor.
type Notebook struct {
	ID    string
	Owner string
	Cells []NotebookCell
}

// CodeSource concatenates the sources of all code cells in order, joined by
// blank lines. Empty string means the notebook has no executable content.
func (n Notebook) CodeSource() string {
	parts := make([]string, 0, len(n.Cells))
	for _, cell := range n.Cells {
		if cell.Type != CellTypeCode {
			continue
		}
		if strings.TrimSpace(cell.Source) == "" {
			continue
		}
		parts = append(parts, cell.Source)
	}
	return strings.Join(parts, "\n\n")
}

func (n Notebook) Validate() error {
	if strings.TrimSpace(n.ID) == "" {
		return errors.New("notebook id is required")
	}
	if strings.TrimSpace(n.Owner) == "" {
		return errors.New("notebook owner is required")
	}
	return nil
}
