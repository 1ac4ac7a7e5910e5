package models

import (
	"time"
)

// User represents a studio account
type User struct {
	UUID         string    `json:"uuid"`
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"` // never serialize credentials
	Permissions  []string  `json:"permissions"`
	IsActive     bool      `json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Permissions gate the administrative surfaces. Regular accounts see only
// machines linked to them.
const (
	PermissionViewAllVMs   = "VIEW_ALL_VMS"
	PermissionManageAllVMs = "MANAGE_ALL_VMS"
	PermissionManageUsers  = "MANAGE_USERS"
)

// HasPermission reports whether the permission list contains perm.
func HasPermission(permissions []string, perm string) bool {
	for _, p := range permissions {
		if p == perm {
			return true
		}
	}
	return false
}

// LoginRequest represents the login request
type LoginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

// LoginResponse carries the signed token a successful login returns.
type LoginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	User      User      `json:"user"`
}
