package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/quantfolio-labs/quantfolio-go/internal/domain"
	"github.com/quantfolio-labs/quantfolio-go/internal/repo"
)

const selectDatasetColumns = `dataset_id, owner, name, source_type, source_config,
	schema_info, row_count, object_key, last_synced_at, created_at`

type DatasetStore struct {
	db DB
}

func NewDatasetStore(db DB) *DatasetStore {
	if db == nil {
		return nil
	}
	return &DatasetStore{db: db}
}

func (s *DatasetStore) CreateDataset(ctx context.Context, dataset domain.Dataset) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("dataset store not initialized")
	}
	if err := dataset.Validate(); err != nil {
		return err
	}
	configJSON, err := encodeMetadata(dataset.SourceConfig)
	if err != nil {
		return fmt.Errorf("encode source config: %w", err)
	}
	schemaJSON, err := encodeSchema(dataset.SchemaInfo)
	if err != nil {
		return fmt.Errorf("encode schema: %w", err)
	}
	var lastSynced sql.NullTime
	if dataset.LastSyncedAt != nil {
		lastSynced = sql.NullTime{Time: dataset.LastSyncedAt.UTC(), Valid: true}
	}
	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO datasets (
			dataset_id,
			owner,
			name,
			source_type,
			source_config,
			schema_info,
			row_count,
			object_key,
			last_synced_at,
			created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		strings.TrimSpace(dataset.ID),
		strings.TrimSpace(dataset.Owner),
		strings.TrimSpace(dataset.Name),
		strings.TrimSpace(dataset.SourceType),
		configJSON,
		schemaJSON,
		dataset.RowCount,
		nullIfEmpty(dataset.ObjectKey),
		lastSynced,
		normalizeTime(dataset.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert dataset: %w", err)
	}
	return nil
}

func (s *DatasetStore) GetDataset(ctx context.Context, owner, id string) (domain.Dataset, error) {
	if s == nil || s.db == nil {
		return domain.Dataset{}, fmt.Errorf("dataset store not initialized")
	}
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return domain.Dataset{}, fmt.Errorf("owner is required")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Dataset{}, fmt.Errorf("dataset id is required")
	}
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+selectDatasetColumns+` FROM datasets WHERE owner = $1 AND dataset_id = $2`,
		owner,
		id,
	)
	dataset, err := scanDatasetRow(row.Scan)
	if err != nil {
		return domain.Dataset{}, handleNotFound(err)
	}
	return dataset, nil
}

func (s *DatasetStore) ListDatasets(ctx context.Context, filter repo.DatasetFilter) ([]domain.Dataset, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("dataset store not initialized")
	}
	if strings.TrimSpace(filter.Owner) == "" {
		return nil, fmt.Errorf("owner is required")
	}

	clauses := []string{"owner = $1"}
	args := []any{strings.TrimSpace(filter.Owner)}
	if strings.TrimSpace(filter.Name) != "" {
		args = append(args, strings.TrimSpace(filter.Name))
		clauses = append(clauses, fmt.Sprintf("name = $%d", len(args)))
	}

	query := `SELECT ` + selectDatasetColumns + ` FROM datasets WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list datasets: %w", err)
	}
	defer rows.Close()

	datasets := make([]domain.Dataset, 0)
	for rows.Next() {
		dataset, err := scanDatasetRow(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan dataset: %w", err)
		}
		datasets = append(datasets, dataset)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list datasets: %w", err)
	}
	return datasets, nil
}

func (s *DatasetStore) UpdateDatasetSchema(ctx context.Context, owner, id string, schema []domain.DatasetColumn, rowCount int64, syncedAt time.Time) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("dataset store not initialized")
	}
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return fmt.Errorf("owner is required")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("dataset id is required")
	}
	schemaJSON, err := encodeSchema(schema)
	if err != nil {
		return fmt.Errorf("encode schema: %w", err)
	}
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE datasets SET schema_info = $1, row_count = $2, last_synced_at = $3 WHERE owner = $4 AND dataset_id = $5`,
		schemaJSON,
		rowCount,
		syncedAt.UTC(),
		owner,
		id,
	)
	if err != nil {
		return fmt.Errorf("update dataset schema: %w", err)
	}
	return requireRowsAffected(res, "update dataset schema")
}

func (s *DatasetStore) DeleteDataset(ctx context.Context, owner, id string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("dataset store not initialized")
	}
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return fmt.Errorf("owner is required")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("dataset id is required")
	}
	res, err := s.db.ExecContext(
		ctx,
		`DELETE FROM datasets WHERE owner = $1 AND dataset_id = $2`,
		owner,
		id,
	)
	if err != nil {
		return fmt.Errorf("delete dataset: %w", err)
	}
	return requireRowsAffected(res, "delete dataset")
}

func encodeSchema(schema []domain.DatasetColumn) ([]byte, error) {
	if schema == nil {
		schema = []domain.DatasetColumn{}
	}
	return json.Marshal(schema)
}

func scanDatasetRow(scan func(dest ...any) error) (domain.Dataset, error) {
	var dataset domain.Dataset
	var configJSON []byte
	var schemaJSON []byte
	var objectKey sql.NullString
	var lastSynced sql.NullTime
	if err := scan(
		&dataset.ID,
		&dataset.Owner,
		&dataset.Name,
		&dataset.SourceType,
		&configJSON,
		&schemaJSON,
		&dataset.RowCount,
		&objectKey,
		&lastSynced,
		&dataset.CreatedAt,
	); err != nil {
		return domain.Dataset{}, err
	}
	if objectKey.Valid {
		dataset.ObjectKey = objectKey.String
	}
	if lastSynced.Valid {
		synced := lastSynced.Time.UTC()
		dataset.LastSyncedAt = &synced
	}
	config, err := decodeMetadata(configJSON)
	if err != nil {
		return domain.Dataset{}, fmt.Errorf("decode source config: %w", err)
	}
	dataset.SourceConfig = config
	if len(schemaJSON) > 0 {
		if err := json.Unmarshal(schemaJSON, &dataset.SchemaInfo); err != nil {
			return domain.Dataset{}, fmt.Errorf("decode schema: %w", err)
		}
	}
	return dataset, nil
}
