package httpkit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

type jwtConfig string

func (s jwtConfig) GetJWTAccessSecret() string { return string(s) }

func newAuthEngine(secret string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	engine := gin.New()
	engine.Use(ServiceAuth(jwtConfig(secret)))
	engine.GET("/whoami", func(c *gin.Context) {
		OK(c, gin.H{"service": GetPrincipal(c).ServiceID})
	})
	engine.GET("/admin", RequireRole(RoleCalibrationAdmin), func(c *gin.Context) {
		NoContent(c)
	})
	return engine
}

func TestServiceAuth_AcceptsValidToken(t *testing.T) {
	engine := newAuthEngine("secret")
	token, err := IssueServiceToken("secret", "quoting-service", nil, time.Minute)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestServiceAuth_RejectsWrongSecretAndMissingToken(t *testing.T) {
	engine := newAuthEngine("secret")
	token, _ := IssueServiceToken("other", "quoting-service", nil, time.Minute)

	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong secret, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	engine.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/whoami", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for missing token, got %d", rec.Code)
	}
}

func TestRequireRole(t *testing.T) {
	engine := newAuthEngine("secret")
	plain, _ := IssueServiceToken("secret", "svc", nil, time.Minute)
	admin, _ := IssueServiceToken("secret", "ops", []string{RoleCalibrationAdmin}, time.Minute)

	for _, tc := range []struct {
		token string
		want  int
	}{
		{plain, http.StatusForbidden},
		{admin, http.StatusNoContent},
	} {
		req := httptest.NewRequest(http.MethodGet, "/admin", nil)
		req.Header.Set("Authorization", "Bearer "+tc.token)
		rec := httptest.NewRecorder()
		engine.ServeHTTP(rec, req)
		if rec.Code != tc.want {
			t.Fatalf("expected %d, got %d", tc.want, rec.Code)
		}
	}
}
