package artifacts

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/quantfolio-labs/quantfolio-go/internal/domain"
	"github.com/quantfolio-labs/quantfolio-go/internal/execution"
	"github.com/quantfolio-labs/quantfolio-go/internal/platform/objectstore"
	"github.com/quantfolio-labs/quantfolio-go/internal/repo"
)

type fakeArtifactRepo struct {
	created  []domain.Artifact
	listed   []domain.Artifact
	failName string
}

func (f *fakeArtifactRepo) CreateArtifact(ctx context.Context, artifact domain.Artifact) error {
	if f.failName != "" && artifact.Name == f.failName {
		return errors.New("insert refused")
	}
	f.created = append(f.created, artifact)
	return nil
}

func (f *fakeArtifactRepo) ListArtifacts(ctx context.Context, filter repo.ArtifactFilter) ([]domain.Artifact, error) {
	return f.listed, nil
}

type fakeStore struct {
	puts       map[string]int64
	failKey    string
	presignErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{puts: make(map[string]int64)}
}

func (f *fakeStore) Put(ctx context.Context, bucket, key string, body io.Reader, size int64, contentType string) error {
	if f.failKey != "" && key == f.failKey {
		return errors.New("upload refused")
	}
	f.puts[key] = size
	return nil
}

func (f *fakeStore) Get(ctx context.Context, bucket, key string) (io.ReadCloser, objectstore.ObjectInfo, error) {
	return nil, objectstore.ObjectInfo{}, errors.New("not implemented")
}

func (f *fakeStore) Stat(ctx context.Context, bucket, key string) (objectstore.ObjectInfo, error) {
	return objectstore.ObjectInfo{}, errors.New("not implemented")
}

func (f *fakeStore) Delete(ctx context.Context, bucket, key string) error { return nil }

func (f *fakeStore) PresignGet(ctx context.Context, bucket, key string, ttl time.Duration) (string, error) {
	if f.presignErr != nil {
		return "", f.presignErr
	}
	return "https://blobs.example.com/" + key, nil
}

func encodeImage(name string, payload []byte) execution.Image {
	return execution.Image{Name: name, DataBase64: base64.StdEncoding.EncodeToString(payload)}
}

func TestSaveRunImagesPersistsObjectAndRow(t *testing.T) {
	artifactRepo := &fakeArtifactRepo{}
	store := newFakeStore()
	svc, err := NewService(artifactRepo, store, "run-artifacts", time.Minute, slog.Default())
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	saved := svc.SaveRunImages(context.Background(), "alice@example.com", "run-1", []execution.Image{
		encodeImage("figure-1.png", []byte("png-bytes")),
	})
	if saved != 1 {
		t.Fatalf("expected 1 saved, got %d", saved)
	}
	if len(artifactRepo.created) != 1 {
		t.Fatalf("expected 1 artifact row, got %d", len(artifactRepo.created))
	}
	artifact := artifactRepo.created[0]
	if artifact.ObjectKey != "alice@example.com/run-1/figure-1.png" {
		t.Fatalf("unexpected object key: %s", artifact.ObjectKey)
	}
	if artifact.SizeBytes != int64(len("png-bytes")) {
		t.Fatalf("unexpected size: %d", artifact.SizeBytes)
	}
	if _, ok := store.puts[artifact.ObjectKey]; !ok {
		t.Fatalf("object was not uploaded")
	}
}

func TestSaveRunImagesSkipsFailedUploadsWithoutFailingRest(t *testing.T) {
	artifactRepo := &fakeArtifactRepo{}
	store := newFakeStore()
	store.failKey = "alice@example.com/run-1/bad.png"
	svc, err := NewService(artifactRepo, store, "run-artifacts", time.Minute, slog.Default())
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	saved := svc.SaveRunImages(context.Background(), "alice@example.com", "run-1", []execution.Image{
		encodeImage("bad.png", []byte("x")),
		encodeImage("good.png", []byte("y")),
	})
	if saved != 1 {
		t.Fatalf("expected 1 saved despite failure, got %d", saved)
	}
	if len(artifactRepo.created) != 1 || artifactRepo.created[0].Name != "good.png" {
		t.Fatalf("expected only good.png persisted, got %+v", artifactRepo.created)
	}
}

func TestSaveRunImagesSkipsUndecodableImages(t *testing.T) {
	artifactRepo := &fakeArtifactRepo{}
	store := newFakeStore()
	svc, err := NewService(artifactRepo, store, "run-artifacts", time.Minute, slog.Default())
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	saved := svc.SaveRunImages(context.Background(), "alice@example.com", "run-1", []execution.Image{
		{Name: "broken.png", DataBase64: "not base64!!"},
	})
	if saved != 0 {
		t.Fatalf("expected 0 saved, got %d", saved)
	}
	if len(store.puts) != 0 {
		t.Fatalf("expected no uploads for undecodable image")
	}
}

func TestListRunArtifactsAttachesDownloadURLs(t *testing.T) {
	artifactRepo := &fakeArtifactRepo{listed: []domain.Artifact{
		{ID: "art-1", Owner: "alice@example.com", RunID: "run-1", ObjectKey: "alice@example.com/run-1/figure-1.png"},
	}}
	store := newFakeStore()
	svc, err := NewService(artifactRepo, store, "run-artifacts", time.Minute, slog.Default())
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	downloads, err := svc.ListRunArtifacts(context.Background(), "alice@example.com", "run-1")
	if err != nil {
		t.Fatalf("list artifacts: %v", err)
	}
	if len(downloads) != 1 {
		t.Fatalf("expected 1 download, got %d", len(downloads))
	}
	if downloads[0].DownloadURL == "" {
		t.Fatalf("expected presigned url")
	}
}

func TestListRunArtifactsToleratesPresignFailure(t *testing.T) {
	artifactRepo := &fakeArtifactRepo{listed: []domain.Artifact{
		{ID: "art-1", Owner: "alice@example.com", RunID: "run-1", ObjectKey: "k"},
	}}
	store := newFakeStore()
	store.presignErr = errors.New("minio down")
	svc, err := NewService(artifactRepo, store, "run-artifacts", time.Minute, slog.Default())
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	downloads, err := svc.ListRunArtifacts(context.Background(), "alice@example.com", "run-1")
	if err != nil {
		t.Fatalf("list artifacts should not fail on presign error: %v", err)
	}
	if downloads[0].DownloadURL != "" {
		t.Fatalf("expected empty url on presign failure")
	}
}
