package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/quantfolio-labs/quantfolio-go/internal/domain"
	"github.com/quantfolio-labs/quantfolio-go/internal/platform/auth"
	"github.com/quantfolio-labs/quantfolio-go/internal/platform/objectstore"
	"github.com/quantfolio-labs/quantfolio-go/internal/repo"
)

type datasetsAPI struct {
	logger   *slog.Logger
	datasets repo.DatasetRepository
	store    objectstore.Store
	bucket   string
	now      func() time.Time
}

func newDatasetsAPI(logger *slog.Logger, datasetRepo repo.DatasetRepository, store objectstore.Store, bucket string) *datasetsAPI {
	return &datasetsAPI{
		logger:   logger,
		datasets: datasetRepo,
		store:    store,
		bucket:   bucket,
		now:      time.Now,
	}
}

func (api *datasetsAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("GET /datasets", api.handleListDatasets)
	mux.HandleFunc("POST /datasets", api.handleCreateDataset)
	mux.HandleFunc("GET /datasets/{dataset_id}", api.handleGetDataset)
	mux.HandleFunc("GET /datasets/{dataset_id}/preview", api.handlePreviewDataset)
	mux.HandleFunc("GET /datasets/{dataset_id}/schema", api.handleDatasetSchema)
	mux.HandleFunc("POST /datasets/{dataset_id}/refresh", api.handleRefreshDataset)
	mux.HandleFunc("DELETE /datasets/{dataset_id}", api.handleDeleteDataset)
}

type datasetResponse struct {
	DatasetID    string                 `json:"dataset_id"`
	Name         string                 `json:"name"`
	SourceType   string                 `json:"source_type"`
	SourceConfig domain.Metadata        `json:"source_config"`
	SchemaInfo   []domain.DatasetColumn `json:"schema_info"`
	RowCount     int64                  `json:"row_count"`
	LastSyncedAt *time.Time             `json:"last_synced_at"`
	CreatedAt    time.Time              `json:"created_at"`
}

func datasetToResponse(dataset domain.Dataset) datasetResponse {
	schema := dataset.SchemaInfo
	if schema == nil {
		schema = []domain.DatasetColumn{}
	}
	return datasetResponse{
		DatasetID:    dataset.ID,
		Name:         dataset.Name,
		SourceType:   dataset.SourceType,
		SourceConfig: dataset.SourceConfig,
		SchemaInfo:   schema,
		RowCount:     dataset.RowCount,
		LastSyncedAt: dataset.LastSyncedAt,
		CreatedAt:    dataset.CreatedAt,
	}
}

func (api *datasetsAPI) handleListDatasets(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		api.writeError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}
	limit := clampInt(parseIntQuery(r, "limit", 100), 1, 500)
	list, err := api.datasets.ListDatasets(r.Context(), repo.DatasetFilter{
		Owner: identity.Subject,
		Name:  strings.TrimSpace(r.URL.Query().Get("name")),
		Limit: limit,
	})
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	out := make([]datasetResponse, 0, len(list))
	for _, dataset := range list {
		out = append(out, datasetToResponse(dataset))
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"datasets": out})
}

type createDatasetRequest struct {
	Name         string          `json:"name"`
	SourceType   string          `json:"source_type"`
	SourceConfig domain.Metadata `json:"source_config"`
	CSVData      string          `json:"csv_data"`
}

func (api *datasetsAPI) handleCreateDataset(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		api.writeError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req createDatasetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_input")
		return
	}
	name := strings.TrimSpace(req.Name)
	sourceType := strings.TrimSpace(req.SourceType)
	if name == "" || sourceType == "" {
		api.writeError(w, r, http.StatusBadRequest, "invalid_input")
		return
	}

	now := api.now().UTC()
	dataset := domain.Dataset{
		ID:           uuid.NewString(),
		Owner:        identity.Subject,
		Name:         name,
		SourceType:   sourceType,
		SourceConfig: req.SourceConfig,
		CreatedAt:    now,
	}

	if strings.TrimSpace(req.CSVData) != "" {
		schema, rowCount, err := deriveCSVSchema(strings.NewReader(req.CSVData))
		if err != nil {
			api.writeError(w, r, http.StatusBadRequest, "invalid_input")
			return
		}
		objectKey := fmt.Sprintf("%s/%s/sample.csv", identity.Subject, dataset.ID)
		data := []byte(req.CSVData)
		if err := api.store.Put(r.Context(), api.bucket, objectKey, strings.NewReader(req.CSVData), int64(len(data)), "text/csv"); err != nil {
			api.writeServiceError(w, r, err)
			return
		}
		dataset.SchemaInfo = schema
		dataset.RowCount = rowCount
		dataset.ObjectKey = objectKey
		synced := now
		dataset.LastSyncedAt = &synced
	}

	if err := api.datasets.CreateDataset(r.Context(), dataset); err != nil {
		if dataset.ObjectKey != "" {
			if cleanupErr := api.store.Delete(context.Background(), api.bucket, dataset.ObjectKey); cleanupErr != nil {
				api.logger.Error("orphan sample not cleaned up", "object_key", dataset.ObjectKey, "error", cleanupErr)
			}
		}
		api.writeServiceError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, datasetToResponse(dataset))
}

func (api *datasetsAPI) handleGetDataset(w http.ResponseWriter, r *http.Request) {
	dataset, ok := api.loadOwned(w, r)
	if !ok {
		return
	}
	api.writeJSON(w, http.StatusOK, datasetToResponse(dataset))
}

func (api *datasetsAPI) handlePreviewDataset(w http.ResponseWriter, r *http.Request) {
	dataset, ok := api.loadOwned(w, r)
	if !ok {
		return
	}
	if dataset.ObjectKey == "" {
		api.writeJSON(w, http.StatusOK, map[string]any{"columns": []string{}, "rows": [][]string{}})
		return
	}
	limit := clampInt(parseIntQuery(r, "rows", 10), 1, 200)

	body, _, err := api.store.Get(r.Context(), api.bucket, dataset.ObjectKey)
	if err != nil {
		api.writeError(w, r, http.StatusBadGateway, "upstream_failure")
		return
	}
	defer body.Close()

	reader := csv.NewReader(body)
	reader.FieldsPerRecord = -1
	header, err := reader.Read()
	if err != nil {
		api.writeError(w, r, http.StatusBadGateway, "upstream_failure")
		return
	}
	rows := make([][]string, 0, limit)
	for len(rows) < limit {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			api.writeError(w, r, http.StatusBadGateway, "upstream_failure")
			return
		}
		rows = append(rows, record)
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"columns": header, "rows": rows})
}

func (api *datasetsAPI) handleDatasetSchema(w http.ResponseWriter, r *http.Request) {
	dataset, ok := api.loadOwned(w, r)
	if !ok {
		return
	}
	schema := dataset.SchemaInfo
	if schema == nil {
		schema = []domain.DatasetColumn{}
	}
	api.writeJSON(w, http.StatusOK, map[string]any{
		"dataset_id":  dataset.ID,
		"schema_info": schema,
		"row_count":   dataset.RowCount,
	})
}

func (api *datasetsAPI) handleRefreshDataset(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		api.writeError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}
	dataset, ok := api.loadOwned(w, r)
	if !ok {
		return
	}
	if dataset.ObjectKey == "" {
		api.writeError(w, r, http.StatusBadRequest, "invalid_input")
		return
	}

	body, _, err := api.store.Get(r.Context(), api.bucket, dataset.ObjectKey)
	if err != nil {
		api.writeError(w, r, http.StatusBadGateway, "upstream_failure")
		return
	}
	defer body.Close()

	schema, rowCount, err := deriveCSVSchema(body)
	if err != nil {
		api.writeError(w, r, http.StatusBadGateway, "upstream_failure")
		return
	}
	syncedAt := api.now().UTC()
	if err := api.datasets.UpdateDatasetSchema(r.Context(), identity.Subject, dataset.ID, schema, rowCount, syncedAt); err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, map[string]any{
		"dataset_id":     dataset.ID,
		"schema_info":    schema,
		"row_count":      rowCount,
		"last_synced_at": syncedAt,
	})
}

func (api *datasetsAPI) handleDeleteDataset(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		api.writeError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}
	dataset, ok := api.loadOwned(w, r)
	if !ok {
		return
	}
	if err := api.datasets.DeleteDataset(r.Context(), identity.Subject, dataset.ID); err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	if dataset.ObjectKey != "" {
		if err := api.store.Delete(r.Context(), api.bucket, dataset.ObjectKey); err != nil {
			api.logger.Error("sample object not deleted", "object_key", dataset.ObjectKey, "error", err)
		}
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"deleted": dataset.ID})
}

func (api *datasetsAPI) loadOwned(w http.ResponseWriter, r *http.Request) (domain.Dataset, bool) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		api.writeError(w, r, http.StatusUnauthorized, "unauthorized")
		return domain.Dataset{}, false
	}
	datasetID := strings.TrimSpace(r.PathValue("dataset_id"))
	if datasetID == "" {
		api.writeError(w, r, http.StatusBadRequest, "invalid_input")
		return domain.Dataset{}, false
	}
	dataset, err := api.datasets.GetDataset(r.Context(), identity.Subject, datasetID)
	if err != nil {
		api.writeServiceError(w, r, err)
		return domain.Dataset{}, false
	}
	return dataset, true
}

// deriveCSVSchema reads the header for column names, infers each column's
// type from the first data row, and counts the data rows.
func deriveCSVSchema(r io.Reader) ([]domain.DatasetColumn, int64, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	header, err := reader.Read()
	if err != nil {
		return nil, 0, fmt.Errorf("read csv header: %w", err)
	}
	schema := make([]domain.DatasetColumn, 0, len(header))
	for _, name := range header {
		schema = append(schema, domain.DatasetColumn{Name: strings.TrimSpace(name), Type: "string"})
	}

	var rowCount int64
	first := true
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, 0, fmt.Errorf("read csv row: %w", err)
		}
		if first {
			for i := range schema {
				if i < len(record) {
					schema[i].Type = inferColumnType(record[i])
				}
			}
			first = false
		}
		rowCount++
	}
	return schema, rowCount, nil
}

func inferColumnType(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return "string"
	}
	if _, err := strconv.ParseFloat(value, 64); err == nil {
		return "number"
	}
	if _, err := strconv.ParseBool(value); err == nil {
		return "boolean"
	}
	return "string"
}

func (api *datasetsAPI) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, repo.ErrNotFound):
		api.writeError(w, r, http.StatusNotFound, "not_found")
	default:
		api.logger.Error("request failed", "path", r.URL.Path, "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
	}
}

func (api *datasetsAPI) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(body)
}

func (api *datasetsAPI) writeError(w http.ResponseWriter, r *http.Request, status int, code string) {
	api.writeJSON(w, status, map[string]any{
		"error":      code,
		"request_id": r.Header.Get("X-Request-Id"),
	})
}

func parseIntQuery(r *http.Request, key string, def int) int {
	v := strings.TrimSpace(r.URL.Query().Get(key))
	if v == "" {
		return def
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return parsed
}

func clampInt(v int, min int, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
