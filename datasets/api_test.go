package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/quantfolio-labs/quantfolio-go/internal/domain"
	"github.com/quantfolio-labs/quantfolio-go/internal/platform/auth"
	"github.com/quantfolio-labs/quantfolio-go/internal/platform/objectstore"
	"github.com/quantfolio-labs/quantfolio-go/internal/repo"
)

type memDatasetRepo struct {
	datasets map[string]domain.Dataset
}

func newMemDatasetRepo() *memDatasetRepo {
	return &memDatasetRepo{datasets: make(map[string]domain.Dataset)}
}

func (m *memDatasetRepo) CreateDataset(ctx context.Context, dataset domain.Dataset) error {
	if err := dataset.Validate(); err != nil {
		return err
	}
	m.datasets[dataset.ID] = dataset
	return nil
}

func (m *memDatasetRepo) GetDataset(ctx context.Context, owner, id string) (domain.Dataset, error) {
	dataset, ok := m.datasets[id]
	if !ok || dataset.Owner != owner {
		return domain.Dataset{}, repo.ErrNotFound
	}
	return dataset, nil
}

func (m *memDatasetRepo) ListDatasets(ctx context.Context, filter repo.DatasetFilter) ([]domain.Dataset, error) {
	out := make([]domain.Dataset, 0)
	for _, dataset := range m.datasets {
		if dataset.Owner == filter.Owner {
			out = append(out, dataset)
		}
	}
	return out, nil
}

func (m *memDatasetRepo) UpdateDatasetSchema(ctx context.Context, owner, id string, schema []domain.DatasetColumn, rowCount int64, syncedAt time.Time) error {
	dataset, ok := m.datasets[id]
	if !ok || dataset.Owner != owner {
		return repo.ErrNotFound
	}
	dataset.SchemaInfo = schema
	dataset.RowCount = rowCount
	synced := syncedAt.UTC()
	dataset.LastSyncedAt = &synced
	m.datasets[id] = dataset
	return nil
}

func (m *memDatasetRepo) DeleteDataset(ctx context.Context, owner, id string) error {
	dataset, ok := m.datasets[id]
	if !ok || dataset.Owner != owner {
		return repo.ErrNotFound
	}
	delete(m.datasets, id)
	return nil
}

type memBlobStore struct {
	objects map[string][]byte
}

func newMemBlobStore() *memBlobStore {
	return &memBlobStore{objects: make(map[string][]byte)}
}

func (m *memBlobStore) Put(ctx context.Context, bucket, key string, body io.Reader, size int64, contentType string) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	m.objects[key] = data
	return nil
}

func (m *memBlobStore) Get(ctx context.Context, bucket, key string) (io.ReadCloser, objectstore.ObjectInfo, error) {
	data, ok := m.objects[key]
	if !ok {
		return nil, objectstore.ObjectInfo{}, repo.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), objectstore.ObjectInfo{Key: key, Size: int64(len(data))}, nil
}

func (m *memBlobStore) Stat(ctx context.Context, bucket, key string) (objectstore.ObjectInfo, error) {
	data, ok := m.objects[key]
	if !ok {
		return objectstore.ObjectInfo{}, repo.ErrNotFound
	}
	return objectstore.ObjectInfo{Key: key, Size: int64(len(data))}, nil
}

func (m *memBlobStore) Delete(ctx context.Context, bucket, key string) error {
	delete(m.objects, key)
	return nil
}

func (m *memBlobStore) PresignGet(ctx context.Context, bucket, key string, ttl time.Duration) (string, error) {
	return "https://blobs.example.com/" + key, nil
}

func newDatasetsTestMux(repo *memDatasetRepo, store *memBlobStore) *http.ServeMux {
	mux := http.NewServeMux()
	newDatasetsAPI(slog.Default(), repo, store, "datasets").register(mux)
	return mux
}

func doDatasetRequest(t *testing.T, mux *http.ServeMux, method, target, body, subject string) *httptest.ResponseRecorder {
	t.Helper()
	if body == "" {
		body = "{}"
	}
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if subject != "" {
		identity := auth.Identity{Subject: subject, Email: subject, Roles: []string{auth.RoleUser}}
		req = req.WithContext(auth.ContextWithIdentity(req.Context(), identity))
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

const sampleCSV = "symbol,price,active\nAAPL,189.5,true\nMSFT,420.1,false\n"

func TestCreateDatasetDerivesSchemaFromCSV(t *testing.T) {
	datasetRepo := newMemDatasetRepo()
	store := newMemBlobStore()
	mux := newDatasetsTestMux(datasetRepo, store)

	body, _ := json.Marshal(map[string]any{
		"name":        "holdings",
		"source_type": domain.DatasetSourceUpload,
		"csv_data":    sampleCSV,
	})
	rec := doDatasetRequest(t, mux, http.MethodPost, "/datasets", string(body), "alice")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp datasetResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.RowCount != 2 {
		t.Fatalf("expected 2 rows, got %d", resp.RowCount)
	}
	if len(resp.SchemaInfo) != 3 {
		t.Fatalf("expected 3 columns, got %d", len(resp.SchemaInfo))
	}
	if resp.SchemaInfo[0].Type != "string" || resp.SchemaInfo[1].Type != "number" || resp.SchemaInfo[2].Type != "boolean" {
		t.Fatalf("unexpected schema: %+v", resp.SchemaInfo)
	}
	if len(store.objects) != 1 {
		t.Fatalf("sample object not stored")
	}
}

func TestCreateDatasetRequiresNameAndSourceType(t *testing.T) {
	datasetRepo := newMemDatasetRepo()
	mux := newDatasetsTestMux(datasetRepo, newMemBlobStore())

	rec := doDatasetRequest(t, mux, http.MethodPost, "/datasets", `{"name":"holdings"}`, "alice")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if len(datasetRepo.datasets) != 0 {
		t.Fatalf("no row may be written on invalid input")
	}
}

func TestPreviewReturnsFirstRows(t *testing.T) {
	datasetRepo := newMemDatasetRepo()
	store := newMemBlobStore()
	store.objects["alice/ds-1/sample.csv"] = []byte(sampleCSV)
	datasetRepo.datasets["ds-1"] = domain.Dataset{
		ID: "ds-1", Owner: "alice", Name: "holdings",
		SourceType: domain.DatasetSourceUpload, ObjectKey: "alice/ds-1/sample.csv",
	}
	mux := newDatasetsTestMux(datasetRepo, store)

	rec := doDatasetRequest(t, mux, http.MethodGet, "/datasets/ds-1/preview?rows=1", "", "alice")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Columns []string   `json:"columns"`
		Rows    [][]string `json:"rows"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Columns) != 3 || resp.Columns[0] != "symbol" {
		t.Fatalf("unexpected columns: %v", resp.Columns)
	}
	if len(resp.Rows) != 1 || resp.Rows[0][0] != "AAPL" {
		t.Fatalf("unexpected rows: %v", resp.Rows)
	}
}

func TestRefreshRederivesSchema(t *testing.T) {
	datasetRepo := newMemDatasetRepo()
	store := newMemBlobStore()
	store.objects["alice/ds-1/sample.csv"] = []byte("a,b\n1,2\n3,4\n5,6\n")
	datasetRepo.datasets["ds-1"] = domain.Dataset{
		ID: "ds-1", Owner: "alice", Name: "holdings",
		SourceType: domain.DatasetSourceUpload, ObjectKey: "alice/ds-1/sample.csv",
		RowCount: 1,
	}
	mux := newDatasetsTestMux(datasetRepo, store)

	rec := doDatasetRequest(t, mux, http.MethodPost, "/datasets/ds-1/refresh", "", "alice")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	updated := datasetRepo.datasets["ds-1"]
	if updated.RowCount != 3 {
		t.Fatalf("expected row count 3 after refresh, got %d", updated.RowCount)
	}
	if updated.LastSyncedAt == nil {
		t.Fatalf("last_synced_at must be set on refresh")
	}
}

func TestDatasetAccessIsolatedByOwner(t *testing.T) {
	datasetRepo := newMemDatasetRepo()
	datasetRepo.datasets["ds-1"] = domain.Dataset{
		ID: "ds-1", Owner: "alice", Name: "holdings", SourceType: domain.DatasetSourceUpload,
	}
	mux := newDatasetsTestMux(datasetRepo, newMemBlobStore())

	rec := doDatasetRequest(t, mux, http.MethodGet, "/datasets/ds-1", "", "bob")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for cross-owner read, got %d", rec.Code)
	}

	rec = doDatasetRequest(t, mux, http.MethodDelete, "/datasets/ds-1", "", "bob")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for cross-owner delete, got %d", rec.Code)
	}
	if _, ok := datasetRepo.datasets["ds-1"]; !ok {
		t.Fatalf("alice's dataset must persist")
	}
}

func TestDeriveCSVSchemaRejectsGarbage(t *testing.T) {
	if _, _, err := deriveCSVSchema(strings.NewReader("")); err == nil {
		t.Fatalf("expected error for empty input")
	}
}
