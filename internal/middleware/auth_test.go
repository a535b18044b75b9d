package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"instapc-server/internal/auth"
)

func authRouter(cfg auth.TokenConfig) *gin.Engine {
	r := gin.New()
	r.GET("/", RequireAuth(cfg, nil), func(c *gin.Context) {
		uid, ok := UserIDFromContext(c)
		if !ok {
			c.Status(http.StatusInternalServerError)
			return
		}
		c.String(http.StatusOK, uid)
	})
	return r
}

func TestRequireAuth_SetsUserID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := auth.TokenConfig{Secret: "secret", Expiry: time.Hour, Issuer: "idp"}
	tok, err := auth.CreateToken("user-1", cfg)
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "bearer "+tok)
	w := httptest.NewRecorder()
	authRouter(cfg).ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if w.Body.String() != "user-1" {
		t.Fatalf("expected user-1, got %q", w.Body.String())
	}
}

func TestRequireAuth_Rejects(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := auth.TokenConfig{Secret: "secret", Expiry: time.Hour}
	other, err := auth.CreateToken("user-1", auth.TokenConfig{Secret: "other", Expiry: time.Hour})
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}

	for name, header := range map[string]string{
		"missing":      "",
		"basic":        "Basic dXNlcjpwYXNz",
		"empty bearer": "Bearer ",
		"garbage":      "Bearer not-a-jwt",
		"wrong secret": "Bearer " + other,
	} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		w := httptest.NewRecorder()
		authRouter(cfg).ServeHTTP(w, req)
		if w.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %d", name, w.Code)
		}
		if w.Header().Get("WWW-Authenticate") != "Bearer" {
			t.Fatalf("%s: missing WWW-Authenticate", name)
		}
	}
}
