package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/quantfolio-labs/quantfolio-go/internal/domain"
	"github.com/quantfolio-labs/quantfolio-go/internal/repo"
)

const selectArtifactColumns = `artifact_id, owner, run_id, name, kind, object_key, size_bytes, metadata, created_at`

type ArtifactStore struct {
	db DB
}

func NewArtifactStore(db DB) *ArtifactStore {
	if db == nil {
		return nil
	}
	return &ArtifactStore{db: db}
}

func (s *ArtifactStore) CreateArtifact(ctx context.Context, artifact domain.Artifact) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("artifact store not initialized")
	}
	if err := artifact.Validate(); err != nil {
		return err
	}
	metadataJSON, err := encodeMetadata(artifact.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO run_artifacts (
			artifact_id,
			owner,
			run_id,
			name,
			kind,
			object_key,
			size_bytes,
			metadata,
			created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		strings.TrimSpace(artifact.ID),
		strings.TrimSpace(artifact.Owner),
		strings.TrimSpace(artifact.RunID),
		strings.TrimSpace(artifact.Name),
		strings.TrimSpace(artifact.Kind),
		strings.TrimSpace(artifact.ObjectKey),
		artifact.SizeBytes,
		metadataJSON,
		normalizeTime(artifact.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert artifact: %w", err)
	}
	return nil
}

func (s *ArtifactStore) ListArtifacts(ctx context.Context, filter repo.ArtifactFilter) ([]domain.Artifact, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("artifact store not initialized")
	}
	if strings.TrimSpace(filter.Owner) == "" {
		return nil, fmt.Errorf("owner is required")
	}

	clauses := []string{"owner = $1"}
	args := []any{strings.TrimSpace(filter.Owner)}
	if strings.TrimSpace(filter.RunID) != "" {
		args = append(args, strings.TrimSpace(filter.RunID))
		clauses = append(clauses, fmt.Sprintf("run_id = $%d", len(args)))
	}

	query := `SELECT ` + selectArtifactColumns + ` FROM run_artifacts WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()

	artifacts := make([]domain.Artifact, 0)
	for rows.Next() {
		var artifact domain.Artifact
		var metadataJSON []byte
		if err := rows.Scan(
			&artifact.ID,
			&artifact.Owner,
			&artifact.RunID,
			&artifact.Name,
			&artifact.Kind,
			&artifact.ObjectKey,
			&artifact.SizeBytes,
			&metadataJSON,
			&artifact.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		metadata, err := decodeMetadata(metadataJSON)
		if err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
		artifact.Metadata = metadata
		artifacts = append(artifacts, artifact)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	return artifacts, nil
}
