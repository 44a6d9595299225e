package domain

import (
	"errors"
	"strings"
	"time"
)

// RoleAssignment grants one role to one account, keyed by email.
type RoleAssignment struct {
	Email     string
	Role      string
	GrantedBy string
	GrantedAt time.Time
}

// ErrRoleProtected marks removal attempts against the permanent "user" role.
var ErrRoleProtected = errors.New("role is protected")

func (a RoleAssignment) Validate() error {
	if strings.TrimSpace(a.Email) == "" {
		return errors.New("email is required")
	}
	if strings.TrimSpace(a.Role) == "" {
		return errors.New("role is required")
	}
	return nil
}
