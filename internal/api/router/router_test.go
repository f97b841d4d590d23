package router

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cuongbtq/dataset-export/internal/api/dto"
	"github.com/cuongbtq/dataset-export/internal/api/handler"
	"github.com/cuongbtq/dataset-export/internal/blobstore"
	"github.com/cuongbtq/dataset-export/internal/domain"
	"github.com/cuongbtq/dataset-export/internal/management"
	"github.com/cuongbtq/dataset-export/internal/storage"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var fixedNow = time.Date(2024, 3, 1, 10, 30, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type noopFlusher struct{}

func (noopFlusher) Flush(context.Context) (int, error) { return 0, nil }

type testServer struct {
	engine *gin.Engine
	store  *storage.MemoryStore
	files  *blobstore.MemoryBucket
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	store := storage.NewMemoryStore()
	files := blobstore.NewMemoryBucket()
	svc := management.NewService(store, files, noopFlusher{}, func() time.Time { return fixedNow }, testLogger())

	return &testServer{
		engine: SetupRouter(&handler.Dependencies{
			Logger:      testLogger(),
			Exports:     svc,
			ServiceName: "export-api-service",
		}),
		store: store,
		files: files,
	}
}

func serve(engine *gin.Engine, method, target, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)

	w := serve(s.engine, http.MethodGet, "/health", "")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"healthy","service":"export-api-service"}`, w.Body.String())
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestHealthUnavailable(t *testing.T) {
	engine := SetupRouter(&handler.Dependencies{
		Logger:      testLogger(),
		ServiceName: "export-api-service",
		HealthCheck: func(context.Context) error { return errors.New("connection refused") },
	})

	w := serve(engine, http.MethodGet, "/health", "")

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.JSONEq(t, `{"status":"unhealthy","service":"export-api-service"}`, w.Body.String())
}

func TestCreateExport(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus int
	}{
		{name: "dataset", body: `{"requested_by_user_id":7,"type":"DATASET","filter_options":{}}`, wantStatus: http.StatusCreated},
		{name: "excel without filter", body: `{"requested_by_user_id":7,"type":"EXCEL"}`, wantStatus: http.StatusCreated},
		{name: "unknown type", body: `{"requested_by_user_id":7,"type":"PDF"}`, wantStatus: http.StatusBadRequest},
		{name: "missing owner", body: `{"type":"DATASET"}`, wantStatus: http.StatusBadRequest},
		{name: "malformed body", body: `{`, wantStatus: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t)

			w := serve(s.engine, http.MethodPost, "/api/v1/exports", tt.body)
			require.Equal(t, tt.wantStatus, w.Code, w.Body.String())

			if tt.wantStatus != http.StatusCreated {
				assert.Empty(t, s.store.PendingEvents())
				return
			}

			var resp dto.ExportDTO
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Positive(t, resp.ExportID)
			assert.Equal(t, int64(7), resp.RequestedByUserID)
			assert.Equal(t, "REQUESTED", resp.Status)
			assert.Zero(t, resp.ExpireTime)
			assert.Empty(t, resp.ExportedFileFilename)
			assert.Equal(t, fixedNow.UnixMilli(), resp.RequestTime)
			require.Len(t, s.store.PendingEvents(), 1)
		})
	}
}

func TestGetExport(t *testing.T) {
	s := newTestServer(t)
	s.store.Put(domain.Export{
		ID:                   3,
		RequestedByUserID:    7,
		Type:                 domain.ExportTypeExcel,
		FilterOptions:        []byte(`{"status":"VERIFIED"}`),
		Status:               domain.ExportStatusDone,
		ExportedFileFilename: "Dataset Information-1-a.xlsx",
		ExpireTime:           99,
	})

	w := serve(s.engine, http.MethodGet, "/api/v1/exports/3", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{
		"export_id": 3,
		"requested_by_user_id": 7,
		"request_time": 0,
		"type": "EXCEL",
		"expire_time": 99,
		"filter_options": {"status":"VERIFIED"},
		"status": "DONE",
		"exported_file_filename": "Dataset Information-1-a.xlsx"
	}`, w.Body.String())

	assert.Equal(t, http.StatusNotFound, serve(s.engine, http.MethodGet, "/api/v1/exports/4", "").Code)
	assert.Equal(t, http.StatusBadRequest, serve(s.engine, http.MethodGet, "/api/v1/exports/abc", "").Code)
	assert.Equal(t, http.StatusBadRequest, serve(s.engine, http.MethodGet, "/api/v1/exports/0", "").Code)
}

func TestListExports(t *testing.T) {
	s := newTestServer(t)
	for id := int64(1); id <= 3; id++ {
		s.store.Put(domain.Export{ID: id, RequestedByUserID: 7, RequestTime: id})
	}
	s.store.Put(domain.Export{ID: 4, RequestedByUserID: 8})

	w := serve(s.engine, http.MethodGet, "/api/v1/exports?requested_by_user_id=7&offset=1&limit=1", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp dto.ListExportsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, int64(3), resp.TotalExportCount)
	require.Len(t, resp.ExportList, 1)
	assert.Equal(t, int64(2), resp.ExportList[0].ExportID)

	assert.Equal(t, http.StatusBadRequest, serve(s.engine, http.MethodGet, "/api/v1/exports", "").Code)
	assert.Equal(t, http.StatusBadRequest, serve(s.engine, http.MethodGet, "/api/v1/exports?requested_by_user_id=7&offset=-1", "").Code)
}

type recordingService struct {
	handler.ExportService
	limit int
	err   error
}

func (r *recordingService) List(_ context.Context, _ int64, _, limit int) (int64, []domain.Export, error) {
	r.limit = limit
	return 0, nil, r.err
}

func TestListExportsLimit(t *testing.T) {
	tests := []struct {
		query     string
		wantLimit int
	}{
		{query: "", wantLimit: 10},
		{query: "&limit=0", wantLimit: 10},
		{query: "&limit=25", wantLimit: 25},
		{query: "&limit=1000", wantLimit: 100},
	}

	for _, tt := range tests {
		svc := &recordingService{}
		engine := SetupRouter(&handler.Dependencies{Logger: testLogger(), Exports: svc})

		w := serve(engine, http.MethodGet, "/api/v1/exports?requested_by_user_id=7"+tt.query, "")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, tt.wantLimit, svc.limit, "query %q", tt.query)
		assert.JSONEq(t, `{"total_export_count":0,"export_list":[]}`, w.Body.String())
	}
}

func TestInternalErrorsAreHidden(t *testing.T) {
	svc := &recordingService{err: domain.Internal(errors.New("pq: password authentication failed"))}
	engine := SetupRouter(&handler.Dependencies{Logger: testLogger(), Exports: svc})

	w := serve(engine, http.MethodGet, "/api/v1/exports?requested_by_user_id=7", "")

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.JSONEq(t, `{"error":"internal error"}`, w.Body.String())
}

func TestGetExportFile(t *testing.T) {
	s := newTestServer(t)
	s.store.Put(domain.Export{ID: 1, Status: domain.ExportStatusRequested})
	s.store.Put(domain.Export{ID: 2, Status: domain.ExportStatusDone, ExportedFileFilename: "Dataset-1-a.zip"})
	s.files.Put("Dataset-1-a.zip", []byte("zip-bytes"))

	w := serve(s.engine, http.MethodGet, "/api/v1/exports/1/file", "")
	assert.Equal(t, http.StatusPreconditionFailed, w.Code)
	assert.Zero(t, s.files.Reads())

	w = serve(s.engine, http.MethodGet, "/api/v1/exports/2/file", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "zip-bytes", w.Body.String())
	assert.Equal(t, "application/zip", w.Header().Get("Content-Type"))
	assert.Equal(t, `attachment; filename=Dataset-1-a.zip`, w.Header().Get("Content-Disposition"))

	assert.Equal(t, http.StatusNotFound, serve(s.engine, http.MethodGet, "/api/v1/exports/3/file", "").Code)
}

func TestDeleteExport(t *testing.T) {
	s := newTestServer(t)
	s.store.Put(domain.Export{ID: 1})

	assert.Equal(t, http.StatusNoContent, serve(s.engine, http.MethodDelete, "/api/v1/exports/1", "").Code)
	assert.Equal(t, http.StatusNotFound, serve(s.engine, http.MethodDelete, "/api/v1/exports/1", "").Code)
}

func TestCORSPreflight(t *testing.T) {
	s := newTestServer(t)

	w := serve(s.engine, http.MethodOptions, "/api/v1/exports", "")

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}
