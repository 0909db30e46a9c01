package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/harvestchain/lending/internal/api/middleware"
	"github.com/harvestchain/lending/internal/config"
	"github.com/harvestchain/lending/internal/domain"
	"github.com/harvestchain/lending/internal/service"
)

func init() { gin.SetMode(gin.TestMode) }

func newEngine(auth *service.AuthService, guard gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	r.GET("/x", middleware.JWTMiddleware(auth), guard, func(c *gin.Context) {
		c.String(http.StatusOK, "%s/%s", middleware.GetAccount(c), middleware.GetRole(c))
	})
	return r
}

func get(h http.Handler, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestJWTAndRoleMiddleware(t *testing.T) {
	auth := service.NewAuthService(config.JWTConfig{Secret: "mw-secret"})
	h := newEngine(auth, middleware.RoleMiddleware(domain.RoleAdmin, domain.RoleRisk))

	risk, _ := auth.IssueAccessToken("0.0.9000", domain.RoleRisk, time.Minute)
	rr := get(h, risk)
	if rr.Code != http.StatusOK || rr.Body.String() != "0.0.9000/risk" {
		t.Errorf("risk = %d %q", rr.Code, rr.Body.String())
	}

	ops, _ := auth.IssueAccessToken("0.0.9001", domain.RoleOps, time.Minute)
	if rr := get(h, ops); rr.Code != http.StatusForbidden {
		t.Errorf("ops = %d, want 403", rr.Code)
	}

	expired, _ := auth.IssueAccessToken("0.0.9000", domain.RoleRisk, -time.Minute)
	if rr := get(h, expired); rr.Code != http.StatusUnauthorized {
		t.Errorf("expired = %d, want 401", rr.Code)
	}
}

func TestOperatorMiddleware(t *testing.T) {
	auth := service.NewAuthService(config.JWTConfig{Secret: "mw-secret"})
	h := newEngine(auth, middleware.OperatorMiddleware())

	for role, want := range map[domain.Role]int{
		domain.RoleBorrower: http.StatusForbidden,
		domain.RoleReadOnly: http.StatusOK,
		domain.RoleFinance:  http.StatusOK,
	} {
		tok, _ := auth.IssueAccessToken("0.0.1", role, time.Minute)
		if rr := get(h, tok); rr.Code != want {
			t.Errorf("%s = %d, want %d", role, rr.Code, want)
		}
	}
}

func TestRateLimiterIsPerIP(t *testing.T) {
	rl := middleware.NewRateLimiter(0.001, 1)
	r := gin.New()
	r.GET("/x", rl.Middleware(), func(c *gin.Context) { c.Status(http.StatusOK) })

	hit := func(ip string) int {
		req := httptest.NewRequest(http.MethodGet, "/x", nil)
		req.RemoteAddr = ip + ":4000"
		rr := httptest.NewRecorder()
		r.ServeHTTP(rr, req)
		return rr.Code
	}

	if code := hit("10.0.0.1"); code != http.StatusOK {
		t.Fatalf("first request = %d", code)
	}
	if code := hit("10.0.0.1"); code != http.StatusTooManyRequests {
		t.Errorf("second request = %d, want 429", code)
	}
	if code := hit("10.0.0.2"); code != http.StatusOK {
		t.Errorf("other IP = %d, want 200", code)
	}
}
