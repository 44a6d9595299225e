package auth

import (
	"errors"
	"net/http"
	"strings"
)

var ErrForbidden = errors.New("forbidden")

// Role names mirror the dashboard's assignment table. Every authenticated
// account implicitly holds at least "user".
const (
	RoleUser    = "user"
	RoleManager = "manager"
	RoleAdmin   = "admin"
)

var roleLevels = map[string]int{
	RoleUser:    1,
	RoleManager: 2,
	RoleAdmin:   3,
}

func KnownRole(role string) bool {
	_, ok := roleLevels[strings.ToLower(strings.TrimSpace(role))]
	return ok
}

func HasAtLeast(roles []string, required string) bool {
	requiredLevel := roleLevels[strings.ToLower(required)]
	if requiredLevel == 0 {
		return false
	}
	maxLevel := 0
	for _, role := range roles {
		level := roleLevels[strings.ToLower(strings.TrimSpace(role))]
		if level > maxLevel {
			maxLevel = level
		}
	}
	return maxLevel >= requiredLevel
}

// UserRoleAuthorizer admits any account holding at least "user"; job and
// dataset ownership is enforced at the repository layer via owner-scoped
// filters.
func UserRoleAuthorizer() AuthorizeFunc {
	return func(r *http.Request, identity Identity) error {
		if HasAtLeast(identity.Roles, RoleUser) {
			return nil
		}
		return ErrForbidden
	}
}

// RequireRoleAuthorizer gates every route behind a single role, used by the
// admin service.
func RequireRoleAuthorizer(role string) AuthorizeFunc {
	return func(r *http.Request, identity Identity) error {
		if HasAtLeast(identity.Roles, role) {
			return nil
		}
		return ErrForbidden
	}
}
