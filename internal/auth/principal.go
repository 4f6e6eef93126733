package auth

import (
	"classroll/internal/apperr"
)

// Role of an authenticated user.
type Role string

const (
	RoleAdmin   Role = "admin"
	RoleTutor   Role = "tutor"
	RoleStudent Role = "student"
	RoleParent  Role = "parent"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleTutor, RoleStudent, RoleParent:
		return true
	}
	return false
}

// Principal is the authenticated caller. Core operations take it as an argument.
type Principal struct {
	UserID string `json:"user_id"`
	Role   Role   `json:"role"`
}

// System is the principal used by background jobs.
var System = Principal{UserID: "system", Role: RoleAdmin}

// Is reports whether p holds one of roles.
func (p Principal) Is(roles ...Role) bool {
	for _, r := range roles {
		if p.Role == r {
			return true
		}
	}
	return false
}

// Require returns a forbidden error unless p holds one of roles.
func (p Principal) Require(roles ...Role) error {
	if p.UserID == "" || !p.Is(roles...) {
		return apperr.Forbidden("insufficient_role", "you do not have permission to perform this action")
	}
	return nil
}
