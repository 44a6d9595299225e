package domain

import (
	"errors"
	"strings"
	"time"
)

// Dataset source types accepted by the registry.
const (
	DatasetSourceUpload    = "upload"
	DatasetSourcePortfolio = "portfolio"
	DatasetSourceExternal  = "external"
)

// DatasetColumn is one entry of a dataset's derived schema.
type DatasetColumn struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Dataset is a named tabular source; its sample content lives in the datasets
// bucket under ObjectKey, and SchemaInfo/RowCount are re-derived on refresh.
type Dataset struct {
	ID           string
	Owner        string
	Name         string
	SourceType   string
	SourceConfig Metadata
	SchemaInfo   []DatasetColumn
	RowCount     int64
	ObjectKey    string
	LastSyncedAt *time.Time
	CreatedAt    time.Time
}

func (d Dataset) Validate() error {
	if strings.TrimSpace(d.ID) == "" {
		return errors.New("dataset id is required")
	}
	if strings.TrimSpace(d.Owner) == "" {
		return errors.New("dataset owner is required")
	}
	if strings.TrimSpace(d.Name) == "" {
		return errors.New("dataset name is required")
	}
	switch strings.TrimSpace(d.SourceType) {
	case DatasetSourceUpload, DatasetSourcePortfolio, DatasetSourceExternal:
	default:
		return errors.New("dataset source type must be upload, portfolio, or external")
	}
	if d.RowCount < 0 {
		return errors.New("row count must be >= 0")
	}
	return nil
}
