package testutil

import (
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Cherry-VM-Studio/Cherry-VM-Studio/pkg/auth"
	"github.com/Cherry-VM-Studio/Cherry-VM-Studio/pkg/models"
)

// JWTTestHelper provides utilities for JWT testing
type JWTTestHelper struct {
	Secret []byte
}

// NewJWTTestHelper creates a new JWT test helper with a default test secret
func NewJWTTestHelper() *JWTTestHelper {
	return &JWTTestHelper{
		Secret: []byte("test-secret-for-unit-tests"),
	}
}

// NewJWTTestHelperWithSecret creates a new JWT test helper with a custom secret
func NewJWTTestHelperWithSecret(secret []byte) *JWTTestHelper {
	return &JWTTestHelper{
		Secret: secret,
	}
}

// GenerateValidJWT generates a valid JWT token for testing
func (h *JWTTestHelper) GenerateValidJWT(userID, email string, permissions []string) (string, error) {
	return auth.GenerateJWT(userID, email, permissions, h.Secret)
}

// GenerateExpiredJWT generates an expired JWT token for testing
func (h *JWTTestHelper) GenerateExpiredJWT(userID, email string, permissions []string) (string, error) {
	claims := &auth.Claims{
		UserID:      userID,
		Email:       email,
		Permissions: permissions,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-1 * time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now().Add(-2 * time.Hour)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(h.Secret)
}

// GenerateMalformedJWT generates a malformed JWT for testing error scenarios
func (h *JWTTestHelper) GenerateMalformedJWT() string {
	return "invalid.jwt.token.format"
}

// GenerateJWTWithWrongSecret generates a JWT signed with the wrong secret
func (h *JWTTestHelper) GenerateJWTWithWrongSecret(userID, email string, permissions []string) (string, error) {
	wrongSecret := []byte("wrong-secret")
	return auth.GenerateJWT(userID, email, permissions, wrongSecret)
}

// ValidateJWT validates a JWT using the test helper's secret
func (h *JWTTestHelper) ValidateJWT(tokenString string) (*auth.Claims, error) {
	return auth.ValidateJWT(tokenString, h.Secret)
}

// TestUser represents a test user for JWT generation
type TestUser struct {
	UserID      string
	Email       string
	Permissions []string
}

// DefaultTestUser returns a regular account with no admin permissions
func DefaultTestUser() TestUser {
	return TestUser{
		UserID: "test-user-123",
		Email:  "test@example.com",
	}
}

// AdminTestUser returns an account holding every machine permission
func AdminTestUser() TestUser {
	return TestUser{
		UserID:      "admin-user-999",
		Email:       "admin@example.com",
		Permissions: []string{models.PermissionViewAllVMs, models.PermissionManageAllVMs},
	}
}

// ViewerTestUser returns an account that may watch all machines but not
// manage them.
func ViewerTestUser() TestUser {
	return TestUser{
		UserID:      "viewer-user-555",
		Email:       "viewer@example.com",
		Permissions: []string{models.PermissionViewAllVMs},
	}
}

// GenerateJWT generates a JWT for the test user
func (u TestUser) GenerateJWT(helper *JWTTestHelper) (string, error) {
	return helper.GenerateValidJWT(u.UserID, u.Email, u.Permissions)
}

// GenerateExpiredJWT generates an expired JWT for the test user
func (u TestUser) GenerateExpiredJWT(helper *JWTTestHelper) (string, error) {
	return helper.GenerateExpiredJWT(u.UserID, u.Email, u.Permissions)
}
