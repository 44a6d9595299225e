package artifacts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/quantfolio-labs/quantfolio-go/internal/domain"
	"github.com/quantfolio-labs/quantfolio-go/internal/execution"
	"github.com/quantfolio-labs/quantfolio-go/internal/platform/objectstore"
	"github.com/quantfolio-labs/quantfolio-go/internal/repo"
)

const imageContentType = "image/png"

// ArtifactDownload pairs an artifact row with a presigned download URL.
type ArtifactDownload struct {
	Artifact    domain.Artifact
	DownloadURL string
}

// Service persists run outputs as blob objects plus metadata rows.
type Service struct {
	repo       repo.ArtifactRepository
	store      objectstore.Store
	bucket     string
	presignTTL time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

func NewService(artifactRepo repo.ArtifactRepository, store objectstore.Store, bucket string, presignTTL time.Duration, logger *slog.Logger) (*Service, error) {
	if artifactRepo == nil {
		return nil, errors.New("artifact repository is required")
	}
	if store == nil {
		return nil, errors.New("object store is required")
	}
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, errors.New("bucket is required")
	}
	if presignTTL <= 0 {
		presignTTL = 10 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:       artifactRepo,
		store:      store,
		bucket:     bucket,
		presignTTL: presignTTL,
		logger:     logger,
		now:        time.Now,
	}, nil
}

// SaveRunImages stores every decoded image from a finished run. A single
// failed upload or insert is logged and skipped; the remaining images still
// land. Returns how many were saved.
func (s *Service) SaveRunImages(ctx context.Context, owner, runID string, images []execution.Image) int {
	if s == nil || s.repo == nil || s.store == nil {
		return 0
	}
	owner = strings.TrimSpace(owner)
	runID = strings.TrimSpace(runID)
	if owner == "" || runID == "" {
		return 0
	}

	saved := 0
	for _, image := range images {
		if err := s.saveImage(ctx, owner, runID, image); err != nil {
			s.logger.Error("artifact save skipped",
				"run_id", runID,
				"artifact", image.Name,
				"error", err,
			)
			continue
		}
		saved++
	}
	return saved
}

func (s *Service) saveImage(ctx context.Context, owner, runID string, image execution.Image) error {
	name := strings.TrimSpace(image.Name)
	if name == "" {
		return errors.New("image name is required")
	}
	data, err := image.Decode()
	if err != nil {
		return err
	}

	artifactID := uuid.NewString()
	objectKey := fmt.Sprintf("%s/%s/%s", owner, runID, name)
	if err := s.store.Put(ctx, s.bucket, objectKey, bytes.NewReader(data), int64(len(data)), imageContentType); err != nil {
		return fmt.Errorf("upload object: %w", err)
	}

	artifact := domain.Artifact{
		ID:        artifactID,
		Owner:     owner,
		RunID:     runID,
		Name:      name,
		Kind:      imageContentType,
		ObjectKey: objectKey,
		SizeBytes: int64(len(data)),
		Metadata:  domain.Metadata{"source": "run"},
		CreatedAt: s.now().UTC(),
	}
	if err := s.repo.CreateArtifact(ctx, artifact); err != nil {
		return fmt.Errorf("insert artifact row: %w", err)
	}
	return nil
}

// ListRunArtifacts returns a run's artifact rows with presigned download
// URLs. A presign failure leaves that artifact's URL empty rather than
// failing the listing.
func (s *Service) ListRunArtifacts(ctx context.Context, owner, runID string) ([]ArtifactDownload, error) {
	if s == nil || s.repo == nil || s.store == nil {
		return nil, errors.New("artifact service not initialized")
	}
	artifacts, err := s.repo.ListArtifacts(ctx, repo.ArtifactFilter{Owner: owner, RunID: runID})
	if err != nil {
		return nil, err
	}
	downloads := make([]ArtifactDownload, 0, len(artifacts))
	for _, artifact := range artifacts {
		url, err := s.store.PresignGet(ctx, s.bucket, artifact.ObjectKey, s.presignTTL)
		if err != nil {
			s.logger.Error("presign failed",
				"run_id", runID,
				"artifact", artifact.ID,
				"error", err,
			)
			url = ""
		}
		downloads = append(downloads, ArtifactDownload{Artifact: artifact, DownloadURL: url})
	}
	return downloads, nil
}
