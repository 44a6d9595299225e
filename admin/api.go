package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/quantfolio-labs/quantfolio-go/internal/domain"
	"github.com/quantfolio-labs/quantfolio-go/internal/platform/auditlog"
	"github.com/quantfolio-labs/quantfolio-go/internal/platform/auth"
	"github.com/quantfolio-labs/quantfolio-go/internal/repo"
)

type auditDB interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type adminAPI struct {
	logger *slog.Logger
	roles  repo.RoleRepository
	db     auditDB
	now    func() time.Time
}

func newAdminAPI(logger *slog.Logger, roles repo.RoleRepository, db auditDB) *adminAPI {
	return &adminAPI{
		logger: logger,
		roles:  roles,
		db:     db,
		now:    time.Now,
	}
}

func (api *adminAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("GET /role-assignments", api.handleListRoles)
	mux.HandleFunc("POST /role-assignments", api.handleAssignRole)
	mux.HandleFunc("POST /role-removals", api.handleRemoveRole)

	mux.HandleFunc("GET /audit/events", api.handleListAuditEvents)
	mux.HandleFunc("GET /audit/events/{event_id}", api.handleGetAuditEvent)
}

type roleMutationRequest struct {
	Email string `json:"email"`
	Role  string `json:"role"`
}

func (api *adminAPI) handleAssignRole(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		api.writeError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req roleMutationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_input")
		return
	}
	email := strings.ToLower(strings.TrimSpace(req.Email))
	role := strings.ToLower(strings.TrimSpace(req.Role))
	if email == "" || !auth.KnownRole(role) {
		api.writeError(w, r, http.StatusBadRequest, "invalid_input")
		return
	}

	err := api.roles.AssignRole(r.Context(), domain.RoleAssignment{
		Email:     email,
		Role:      role,
		GrantedBy: identity.Subject,
		GrantedAt: api.now().UTC(),
	})
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	api.appendAudit(r, identity, auditlog.ActionRoleAssigned, email, role)
	api.writeJSON(w, http.StatusOK, map[string]any{"email": email, "role": role})
}

func (api *adminAPI) handleRemoveRole(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		api.writeError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req roleMutationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_input")
		return
	}
	email := strings.ToLower(strings.TrimSpace(req.Email))
	role := strings.ToLower(strings.TrimSpace(req.Role))
	if email == "" || role == "" {
		api.writeError(w, r, http.StatusBadRequest, "invalid_input")
		return
	}

	if err := api.roles.RemoveRole(r.Context(), email, role); err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	api.appendAudit(r, identity, auditlog.ActionRoleRemoved, email, role)
	api.writeJSON(w, http.StatusOK, map[string]any{"email": email, "role": role})
}

func (api *adminAPI) handleListRoles(w http.ResponseWriter, r *http.Request) {
	if _, ok := auth.IdentityFromContext(r.Context()); !ok {
		api.writeError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}
	email := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("email")))
	if email == "" {
		api.writeError(w, r, http.StatusBadRequest, "invalid_input")
		return
	}
	assignments, err := api.roles.ListRoles(r.Context(), email)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	out := make([]map[string]any, 0, len(assignments))
	for _, a := range assignments {
		out = append(out, map[string]any{
			"email":      a.Email,
			"role":       a.Role,
			"granted_by": a.GrantedBy,
			"granted_at": a.GrantedAt,
		})
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"email": email, "assignments": out})
}

// appendAudit records the mutation after it happened. There is no
// compensating transaction: a crash between the role write and this insert
// leaves the mutation unaudited.
func (api *adminAPI) appendAudit(r *http.Request, identity auth.Identity, action, email, role string) {
	var ip net.IP
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		ip = net.ParseIP(host)
	}
	auditCtx, cancel := context.WithTimeout(context.Background(), 750*time.Millisecond)
	defer cancel()
	_, err := auditlog.Insert(auditCtx, api.db, auditlog.Event{
		OccurredAt:   api.now().UTC(),
		Actor:        identity.Subject,
		Action:       action,
		ResourceType: auditlog.ResourceRoleAssignment,
		ResourceID:   email,
		RequestID:    r.Header.Get("X-Request-Id"),
		IP:           ip,
		UserAgent:    r.UserAgent(),
		Payload:      map[string]any{"email": email, "role": role},
	})
	if err != nil {
		api.logger.Error("audit append failed", "action", action, "target", email, "error", err)
	}
}

type auditEventResponse struct {
	EventID      int64           `json:"event_id"`
	OccurredAt   time.Time       `json:"occurred_at"`
	Actor        string          `json:"actor"`
	Action       string          `json:"action"`
	ResourceType string          `json:"resource_type"`
	ResourceID   string          `json:"resource_id"`
	RequestID    string          `json:"request_id,omitempty"`
	IP           string          `json:"ip,omitempty"`
	UserAgent    string          `json:"user_agent,omitempty"`
	Payload      json.RawMessage `json:"payload"`
}

const selectAuditColumns = `event_id, occurred_at, actor, action, resource_type, resource_id, request_id, ip, user_agent, payload`

func (api *adminAPI) handleListAuditEvents(w http.ResponseWriter, r *http.Request) {
	if _, ok := auth.IdentityFromContext(r.Context()); !ok {
		api.writeError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}
	limit := clampInt(parseIntQuery(r, "limit", 100), 1, 500)
	beforeID := parseInt64Query(r, "before_event_id", 0)
	actor := strings.TrimSpace(r.URL.Query().Get("actor"))
	action := strings.TrimSpace(r.URL.Query().Get("action"))

	where := make([]string, 0, 3)
	args := make([]any, 0, 4)
	if beforeID > 0 {
		args = append(args, beforeID)
		where = append(where, "event_id < $"+strconv.Itoa(len(args)))
	}
	if actor != "" {
		args = append(args, actor)
		where = append(where, "actor = $"+strconv.Itoa(len(args)))
	}
	if action != "" {
		args = append(args, action)
		where = append(where, "action = $"+strconv.Itoa(len(args)))
	}

	args = append(args, limit)
	query := `SELECT ` + selectAuditColumns + ` FROM audit_events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY event_id DESC LIMIT $" + strconv.Itoa(len(args))

	rows, err := api.db.QueryContext(r.Context(), query, args...)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	defer rows.Close()

	events := make([]auditEventResponse, 0, limit)
	for rows.Next() {
		ev, err := scanAuditEvent(rows.Scan)
		if err != nil {
			api.writeServiceError(w, r, err)
			return
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		api.writeServiceError(w, r, err)
		return
	}

	resp := map[string]any{"events": events}
	if len(events) > 0 {
		resp["next_before_event_id"] = events[len(events)-1].EventID
	}
	api.writeJSON(w, http.StatusOK, resp)
}

func (api *adminAPI) handleGetAuditEvent(w http.ResponseWriter, r *http.Request) {
	if _, ok := auth.IdentityFromContext(r.Context()); !ok {
		api.writeError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}
	eventID, err := strconv.ParseInt(strings.TrimSpace(r.PathValue("event_id")), 10, 64)
	if err != nil || eventID <= 0 {
		api.writeError(w, r, http.StatusBadRequest, "invalid_input")
		return
	}
	row := api.db.QueryRowContext(r.Context(),
		`SELECT `+selectAuditColumns+` FROM audit_events WHERE event_id = $1`, eventID)
	ev, err := scanAuditEvent(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			api.writeError(w, r, http.StatusNotFound, "not_found")
			return
		}
		api.writeServiceError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, ev)
}

func scanAuditEvent(scan func(dest ...any) error) (auditEventResponse, error) {
	var ev auditEventResponse
	var requestID sql.NullString
	var ip sql.NullString
	var userAgent sql.NullString
	var payload []byte
	if err := scan(
		&ev.EventID,
		&ev.OccurredAt,
		&ev.Actor,
		&ev.Action,
		&ev.ResourceType,
		&ev.ResourceID,
		&requestID,
		&ip,
		&userAgent,
		&payload,
	); err != nil {
		return auditEventResponse{}, err
	}
	ev.RequestID = requestID.String
	ev.IP = ip.String
	ev.UserAgent = userAgent.String
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	ev.Payload = payload
	return ev, nil
}

func (api *adminAPI) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrRoleProtected):
		api.writeError(w, r, http.StatusBadRequest, "role_protected")
	case errors.Is(err, repo.ErrNotFound):
		api.writeError(w, r, http.StatusNotFound, "not_found")
	default:
		api.logger.Error("request failed", "path", r.URL.Path, "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
	}
}

func (api *adminAPI) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(body)
}

func (api *adminAPI) writeError(w http.ResponseWriter, r *http.Request, status int, code string) {
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

func parseInt64Query(r *http.Request, key string, def int64) int64 {
	v := strings.TrimSpace(r.URL.Query().Get(key))
	if v == "" {
		return def
	}
	parsed, err := strconv.ParseInt(v, 10, 64)
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
