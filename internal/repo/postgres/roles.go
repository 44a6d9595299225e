package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/quantfolio-labs/quantfolio-go/internal/domain"
)

type RoleStore struct {
	db DB
}

func NewRoleStore(db DB) *RoleStore {
	if db == nil {
		return nil
	}
	return &RoleStore{db: db}
}

func (s *RoleStore) AssignRole(ctx context.Context, assignment domain.RoleAssignment) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("role store not initialized")
	}
	if err := assignment.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO role_assignments (email, role, granted_by, granted_at)
		 VALUES ($1,$2,$3,$4)
		 ON CONFLICT (email, role) DO NOTHING`,
		strings.ToLower(strings.TrimSpace(assignment.Email)),
		strings.ToLower(strings.TrimSpace(assignment.Role)),
		strings.TrimSpace(assignment.GrantedBy),
		normalizeTime(assignment.GrantedAt),
	)
	if err != nil {
		return fmt.Errorf("assign role: %w", err)
	}
	return nil
}

// RemoveRole deletes one assignment row. The "user" role is permanent and is
// rejected before any statement runs.
func (s *RoleStore) RemoveRole(ctx context.Context, email, role string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("role store not initialized")
	}
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return fmt.Errorf("email is required")
	}
	role = strings.ToLower(strings.TrimSpace(role))
	if role == "" {
		return fmt.Errorf("role is required")
	}
	if role == "user" {
		return domain.ErrRoleProtected
	}
	res, err := s.db.ExecContext(
		ctx,
		`DELETE FROM role_assignments WHERE email = $1 AND role = $2`,
		email,
		role,
	)
	if err != nil {
		return fmt.Errorf("remove role: %w", err)
	}
	return requireRowsAffected(res, "remove role")
}

func (s *RoleStore) ListRoles(ctx context.Context, email string) ([]domain.RoleAssignment, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("role store not initialized")
	}
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return nil, fmt.Errorf("email is required")
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT email, role, granted_by, granted_at FROM role_assignments WHERE email = $1 ORDER BY granted_at ASC`,
		email,
	)
	if err != nil {
		return nil, fmt.Errorf("list roles: %w", err)
	}
	defer rows.Close()

	assignments := make([]domain.RoleAssignment, 0)
	for rows.Next() {
		var assignment domain.RoleAssignment
		if err := rows.Scan(&assignment.Email, &assignment.Role, &assignment.GrantedBy, &assignment.GrantedAt); err != nil {
			return nil, fmt.Errorf("scan role: %w", err)
		}
		assignments = append(assignments, assignment)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list roles: %w", err)
	}
	return assignments, nil
}
