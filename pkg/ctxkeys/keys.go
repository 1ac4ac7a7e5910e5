// Package ctxkeys defines typed context keys to avoid SA1029 lint warnings
// and prevent key collisions across packages.
package ctxkeys

import (
	"context"
)

// Key is a typed context key to prevent collisions.
type Key string

// Auth context keys
const (
	KeyUserID      Key = "user_id"
	KeyEmail       Key = "email"
	KeyPermissions Key = "permissions"
	KeyAuthType    Key = "auth_type"
	KeyJWTToken    Key = "jwt_token"
)

// Request context keys
const (
	KeyRequestID    Key = "request_id"
	KeyClientIP     Key = "client_ip"
	KeyRequestStart Key = "request_start"
)

// GetUserID extracts user_id from context.
func GetUserID(ctx context.Context) string {
	if v, ok := ctx.Value(KeyUserID).(string); ok {
		return v
	}
	return ""
}

// GetEmail extracts email from context.
func GetEmail(ctx context.Context) string {
	if v, ok := ctx.Value(KeyEmail).(string); ok {
		return v
	}
	return ""
}

// GetPermissions extracts permissions from context.
func GetPermissions(ctx context.Context) []string {
	if v, ok := ctx.Value(KeyPermissions).([]string); ok {
		return v
	}
	return nil
}

// GetAuthType extracts auth_type from context.
func GetAuthType(ctx context.Context) string {
	if v, ok := ctx.Value(KeyAuthType).(string); ok {
		return v
	}
	return ""
}

// GetJWTToken extracts jwt_token from context.
func GetJWTToken(ctx context.Context) string {
	if v, ok := ctx.Value(KeyJWTToken).(string); ok {
		return v
	}
	return ""
}
