package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/quantfolio-labs/quantfolio-go/internal/domain"
	"github.com/quantfolio-labs/quantfolio-go/internal/platform/auth"
	"github.com/quantfolio-labs/quantfolio-go/internal/repo"
)

type memRoleRepo struct {
	assigned []domain.RoleAssignment
	removed  []string
	existing map[string]bool
}

func newMemRoleRepo() *memRoleRepo {
	return &memRoleRepo{existing: make(map[string]bool)}
}

func (m *memRoleRepo) AssignRole(ctx context.Context, assignment domain.RoleAssignment) error {
	m.assigned = append(m.assigned, assignment)
	m.existing[assignment.Email+"/"+assignment.Role] = true
	return nil
}

func (m *memRoleRepo) RemoveRole(ctx context.Context, email, role string) error {
	if role == "user" {
		return domain.ErrRoleProtected
	}
	key := email + "/" + role
	if !m.existing[key] {
		return repo.ErrNotFound
	}
	delete(m.existing, key)
	m.removed = append(m.removed, key)
	return nil
}

func (m *memRoleRepo) ListRoles(ctx context.Context, email string) ([]domain.RoleAssignment, error) {
	out := make([]domain.RoleAssignment, 0)
	for _, a := range m.assigned {
		if a.Email == email {
			out = append(out, a)
		}
	}
	return out, nil
}

func newAdminTestMux(t *testing.T, roles *memRoleRepo) (*http.ServeMux, sqlmock.Sqlmock, *sql.DB) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("open sqlmock: %v", err)
	}
	t.Cleanup(func() {
		db.Close()
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
	})
	mux := http.NewServeMux()
	newAdminAPI(slog.Default(), roles, db).register(mux)
	return mux, mock, db
}

func doAdminRequest(t *testing.T, mux *http.ServeMux, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	if body == "" {
		body = "{}"
	}
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	identity := auth.Identity{Subject: "root@example.com", Email: "root@example.com", Roles: []string{auth.RoleAdmin}}
	req = req.WithContext(auth.ContextWithIdentity(req.Context(), identity))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func expectOneAuditInsert(mock sqlmock.Sqlmock) {
	mock.ExpectQuery("INSERT INTO audit_events").
		WillReturnRows(sqlmock.NewRows([]string{"event_id"}).AddRow(int64(1)))
}

func TestAssignRoleWritesExactlyOneAuditRow(t *testing.T) {
	roles := newMemRoleRepo()
	mux, mock, _ := newAdminTestMux(t, roles)
	expectOneAuditInsert(mock)

	rec := doAdminRequest(t, mux, http.MethodPost, "/role-assignments", `{"email":"Bob@Example.com","role":"manager"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(roles.assigned) != 1 {
		t.Fatalf("expected one assignment, got %d", len(roles.assigned))
	}
	a := roles.assigned[0]
	if a.Email != "bob@example.com" || a.Role != "manager" || a.GrantedBy != "root@example.com" {
		t.Fatalf("unexpected assignment: %+v", a)
	}
}

func TestAssignRoleRejectsUnknownRoleWithoutAudit(t *testing.T) {
	roles := newMemRoleRepo()
	mux, _, _ := newAdminTestMux(t, roles)

	rec := doAdminRequest(t, mux, http.MethodPost, "/role-assignments", `{"email":"bob@example.com","role":"superuser"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if len(roles.assigned) != 0 {
		t.Fatalf("no assignment may be written for unknown role")
	}
}

func TestRemoveUserRoleIsRejected(t *testing.T) {
	roles := newMemRoleRepo()
	mux, _, _ := newAdminTestMux(t, roles)

	rec := doAdminRequest(t, mux, http.MethodPost, "/role-removals", `{"email":"bob@example.com","role":"user"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	var resp map[string]any
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["error"] != "role_protected" {
		t.Fatalf("expected role_protected, got %v", resp["error"])
	}
}

func TestRemoveAbsentRoleIsNotFound(t *testing.T) {
	roles := newMemRoleRepo()
	mux, _, _ := newAdminTestMux(t, roles)

	rec := doAdminRequest(t, mux, http.MethodPost, "/role-removals", `{"email":"bob@example.com","role":"manager"}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestRemoveRoleWritesExactlyOneAuditRow(t *testing.T) {
	roles := newMemRoleRepo()
	roles.existing["bob@example.com/manager"] = true
	mux, mock, _ := newAdminTestMux(t, roles)
	expectOneAuditInsert(mock)

	rec := doAdminRequest(t, mux, http.MethodPost, "/role-removals", `{"email":"bob@example.com","role":"manager"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(roles.removed) != 1 {
		t.Fatalf("expected one removal, got %d", len(roles.removed))
	}
}

func TestListRolesRequiresEmail(t *testing.T) {
	roles := newMemRoleRepo()
	mux, _, _ := newAdminTestMux(t, roles)

	rec := doAdminRequest(t, mux, http.MethodGet, "/role-assignments", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestListAuditEventsPaginates(t *testing.T) {
	roles := newMemRoleRepo()
	mux, mock, _ := newAdminTestMux(t, roles)

	rows := sqlmock.NewRows([]string{
		"event_id", "occurred_at", "actor", "action", "resource_type", "resource_id",
		"request_id", "ip", "user_agent", "payload",
	}).AddRow(int64(42), time.Now().UTC(), "root@example.com", "role.assigned", "role_assignment",
		"bob@example.com", nil, nil, nil, []byte(`{"role":"manager"}`))

	mock.ExpectQuery("FROM audit_events ORDER BY event_id DESC LIMIT \\$1").
		WithArgs(50).
		WillReturnRows(rows)

	rec := doAdminRequest(t, mux, http.MethodGet, "/audit/events?limit=50", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	events := resp["events"].([]any)
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if resp["next_before_event_id"] != float64(42) {
		t.Fatalf("expected pagination cursor, got %v", resp["next_before_event_id"])
	}
}
