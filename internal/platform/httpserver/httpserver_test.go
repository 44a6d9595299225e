package httpserver

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func TestWrapMintsRequestID(t *testing.T) {
	var fromCtx string
	mux := http.NewServeMux()
	mux.HandleFunc("/runs", func(w http.ResponseWriter, r *http.Request) {
		fromCtx, _ = RequestIDFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})
	h := Wrap(discardLogger(), "executor", mux)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://executor.local/runs", nil))

	header := rec.Header().Get("X-Request-Id")
	if header == "" {
		t.Fatalf("expected a minted X-Request-Id header")
	}
	if fromCtx != header {
		t.Fatalf("context id %q differs from header %q", fromCtx, header)
	}
}

func TestWrapKeepsGatewayRequestID(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/jobs", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	h := Wrap(discardLogger(), "quantjobs", mux)

	req := httptest.NewRequest(http.MethodGet, "http://quantjobs.local/jobs", nil)
	req.Header.Set("X-Request-Id", "gw-7f3a")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Request-Id"); got != "gw-7f3a" {
		t.Fatalf("X-Request-Id=%q, want the gateway's gw-7f3a", got)
	}
}

func TestWrapTurnsPanicIntoInternalError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/jobs", func(w http.ResponseWriter, r *http.Request) { panic("boom") })
	h := Wrap(discardLogger(), "quantjobs", mux)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://quantjobs.local/jobs", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d, want 500", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("Content-Type=%q, want application/json", ct)
	}
	if !strings.Contains(rec.Body.String(), "internal_error") {
		t.Fatalf("body must carry the internal_error code: %s", rec.Body.String())
	}
}

func TestReadyzWithChecks(t *testing.T) {
	pass := func(context.Context) error { return nil }
	fail := func(context.Context) error { return errors.New("dial tcp: refused") }

	cases := []struct {
		name       string
		checks     []ReadinessCheck
		wantStatus int
		wantBody   string
	}{
		{
			name:       "all checks pass",
			checks:     []ReadinessCheck{{Name: "postgres", Check: pass}, {Name: "minio", Check: pass}},
			wantStatus: http.StatusOK,
			wantBody:   `"status":"ready"`,
		},
		{
			name:       "one check fails",
			checks:     []ReadinessCheck{{Name: "postgres", Check: pass}, {Name: "minio", Check: fail}},
			wantStatus: http.StatusServiceUnavailable,
			wantBody:   `"status":"not_ready"`,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			handler := ReadyzWithChecks("datasets", tc.checks...)
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://datasets.local/readyz", nil))

			if rec.Code != tc.wantStatus {
				t.Fatalf("status=%d, want %d", rec.Code, tc.wantStatus)
			}
			if !strings.Contains(rec.Body.String(), tc.wantBody) {
				t.Fatalf("body %s missing %s", rec.Body.String(), tc.wantBody)
			}
		})
	}
}

func TestReadyzReportsFailingCheckByName(t *testing.T) {
	handler := ReadyzWithChecks("executor", ReadinessCheck{
		Name:  "postgres",
		Check: func(context.Context) error { return errors.New("connection refused") },
	})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://executor.local/readyz", nil))

	body := rec.Body.String()
	if !strings.Contains(body, `"name":"postgres"`) || !strings.Contains(body, "connection refused") {
		t.Fatalf("failing check must be named with its error: %s", body)
	}
}
