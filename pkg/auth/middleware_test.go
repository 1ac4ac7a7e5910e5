package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/Cherry-VM-Studio/Cherry-VM-Studio/pkg/ctxkeys"
)

func TestServiceAuthMiddleware(t *testing.T) {
	r := gin.New()
	r.Use(ServiceAuthMiddleware("token123"))
	r.GET("/ok", func(c *gin.Context) { c.String(200, "ok") })

	// Missing header
	w := httptest.NewRecorder()
	req, _ := http.NewRequestWithContext(context.Background(), "GET", "/ok", nil)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}

	// Invalid header
	w = httptest.NewRecorder()
	req, _ = http.NewRequestWithContext(context.Background(), "GET", "/ok", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}

	// Valid header
	w = httptest.NewRecorder()
	req, _ = http.NewRequestWithContext(context.Background(), "GET", "/ok", nil)
	req.Header.Set("Authorization", "Bearer token123")
	r.ServeHTTP(w, req)
	if w.Code != 200 {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestJWTAuthMiddleware(t *testing.T) {
	secret := []byte("secret")
	token, err := GenerateJWT("u1", "u@example.com", []string{"VIEW_ALL_VMS"}, secret)
	if err != nil {
		t.Fatalf("GenerateJWT: %v", err)
	}

	r := gin.New()
	r.Use(JWTAuthMiddleware(secret))
	r.GET("/ok", func(c *gin.Context) {
		if c.GetString(string(ctxkeys.KeyUserID)) != "u1" {
			t.Fatalf("claims not set")
		}
		c.String(200, "ok")
	})

	// Missing header -> 401
	w := httptest.NewRecorder()
	req, _ := http.NewRequestWithContext(context.Background(), "GET", "/ok", nil)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}

	// Valid token -> 200
	w = httptest.NewRecorder()
	req, _ = http.NewRequestWithContext(context.Background(), "GET", "/ok", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	r.ServeHTTP(w, req)
	if w.Code != 200 {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestJWTAuthMiddleware_WebSocketUpgrade(t *testing.T) {
	secret := []byte("secret")
	r := gin.New()
	r.Use(JWTAuthMiddleware(secret))
	r.GET("/ws", func(c *gin.Context) {
		c.String(200, "ws-ok")
	})

	// WebSocket upgrade request -> allowed through without auth
	w := httptest.NewRecorder()
	req, _ := http.NewRequestWithContext(context.Background(), "GET", "/ws", nil)
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Connection", "Upgrade")
	r.ServeHTTP(w, req)
	if w.Code != 200 {
		t.Fatalf("WebSocket upgrade should pass without auth, got %d", w.Code)
	}

	// Only Upgrade header without Connection -> 401
	w = httptest.NewRecorder()
	req, _ = http.NewRequestWithContext(context.Background(), "GET", "/ws", nil)
	req.Header.Set("Upgrade", "websocket")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("Upgrade without Connection should require auth, got %d", w.Code)
	}
}

func TestRequirePermission(t *testing.T) {
	secret := []byte("secret")
	admin, _ := GenerateJWT("a1", "a@example.com", []string{"VIEW_ALL_VMS"}, secret)
	regular, _ := GenerateJWT("u1", "u@example.com", nil, secret)

	r := gin.New()
	r.Use(JWTAuthMiddleware(secret))
	r.GET("/all", RequirePermission("VIEW_ALL_VMS"), func(c *gin.Context) {
		c.String(200, "ok")
	})

	w := httptest.NewRecorder()
	req, _ := http.NewRequestWithContext(context.Background(), "GET", "/all", nil)
	req.Header.Set("Authorization", "Bearer "+admin)
	r.ServeHTTP(w, req)
	if w.Code != 200 {
		t.Fatalf("expected 200 for granted permission, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	req, _ = http.NewRequestWithContext(context.Background(), "GET", "/all", nil)
	req.Header.Set("Authorization", "Bearer "+regular)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for missing permission, got %d", w.Code)
	}
}

func TestExtractToken(t *testing.T) {
	gin.SetMode(gin.TestMode)

	newCtx := func(req *http.Request) *gin.Context {
		c, _ := gin.CreateTestContext(httptest.NewRecorder())
		c.Request = req
		return c
	}

	req, _ := http.NewRequestWithContext(context.Background(), "GET", "/x", nil)
	req.Header.Set("Authorization", "Bearer header-token")
	if got := ExtractToken(newCtx(req)); got != "header-token" {
		t.Fatalf("expected header token, got %q", got)
	}

	req, _ = http.NewRequestWithContext(context.Background(), "GET", "/x?access_token=query-token", nil)
	if got := ExtractToken(newCtx(req)); got != "query-token" {
		t.Fatalf("expected query token, got %q", got)
	}

	req, _ = http.NewRequestWithContext(context.Background(), "GET", "/x", nil)
	req.AddCookie(&http.Cookie{Name: "access_token", Value: "cookie-token"})
	if got := ExtractToken(newCtx(req)); got != "cookie-token" {
		t.Fatalf("expected cookie token, got %q", got)
	}

	req, _ = http.NewRequestWithContext(context.Background(), "GET", "/x", nil)
	if got := ExtractToken(newCtx(req)); got != "" {
		t.Fatalf("expected empty token, got %q", got)
	}
}
