// Package api_test runs HTTP-level smoke tests using net/http/httptest over an
// in-memory SQLite database. They verify:
//   - Gin router routing and middleware wiring
//   - JWT auth and role checks (401, 403)
//   - error mapping of lending failures (400, 404, 409, 422)
//   - Response format consistency (success/error envelope)
//   - CORS preflight handling
package api_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/harvestchain/lending/internal/api"
	"github.com/harvestchain/lending/internal/config"
	"github.com/harvestchain/lending/internal/domain"
	"github.com/harvestchain/lending/internal/service/servicetest"
)

// ── Test helpers ──────────────────────────────────────────────────────────────

type testServer struct {
	h   http.Handler
	env *servicetest.Env
}

func testCfg() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			Env:            "development",
			Port:           "8080",
			RateLimitRPS:   1000,
			RateLimitBurst: 1000,
		},
	}
}

// buildTestRouter wires the real services over SQLite with a pool of 5000.00
// and the oracle quoting 10.
func buildTestRouter(t *testing.T, cfg *config.Config) *testServer {
	t.Helper()
	env := servicetest.New(t)
	r := api.SetupRouter(api.RouterDeps{
		AuthSvc:        env.Auth,
		OriginationSvc: env.Origination,
		RepaymentSvc:   env.Repayment,
		QuerySvc:       env.Query,
		DB:             env.DB,
		Gatherer:       env.Registry,
		Cfg:            cfg,
		Logger:         env.Logger,
	})
	return &testServer{h: r, env: env}
}

func (s *testServer) token(t *testing.T, account string, role domain.Role) map[string]string {
	t.Helper()
	return map[string]string{"Authorization": "Bearer " + s.env.Token(t, account, role)}
}

func do(t *testing.T, h http.Handler, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&m); err != nil {
		t.Fatalf("response is not valid JSON: %v; body: %s", err, rr.Body.String())
	}
	return m
}

func expect(t *testing.T, rr *httptest.ResponseRecorder, want int) map[string]interface{} {
	t.Helper()
	if rr.Code != want {
		t.Fatalf("status = %d, want %d; body: %s", rr.Code, want, rr.Body.String())
	}
	return decodeBody(t, rr)
}

const originateBody = `{"asset_address":"0xUSDC","loan_amount":"1000.00","collateral_token_id":"GROVE-ETH-001","collateral_amount":"150"}`

// originate creates a loan for 0.0.1001 and returns its id.
func (s *testServer) originate(t *testing.T) string {
	t.Helper()
	rr := do(t, s.h, http.MethodPost, "/api/loans", originateBody, s.token(t, "0.0.1001", domain.RoleBorrower))
	body := expect(t, rr, http.StatusCreated)
	data := body["data"].(map[string]interface{})
	return data["id"].(string)
}

// ── /health & /metrics ────────────────────────────────────────────────────────

func TestHealthEndpoint(t *testing.T) {
	s := buildTestRouter(t, testCfg())
	rr := do(t, s.h, http.MethodGet, "/health", "", nil)
	if rr.Code != http.StatusOK {
		t.Errorf("GET /health = %d, want 200", rr.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := buildTestRouter(t, testCfg())
	s.originate(t)
	rr := do(t, s.h, http.MethodGet, "/metrics", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("GET /metrics = %d, want 200", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "lending_originations_total") {
		t.Errorf("metrics output missing origination counter")
	}
}

// ── JWT auth middleware ───────────────────────────────────────────────────────

func TestNoToken_Returns401(t *testing.T) {
	s := buildTestRouter(t, testCfg())
	for _, path := range []string{"/api/loans", "/api/loans/11111111-1111-1111-1111-111111111111/payments"} {
		rr := do(t, s.h, http.MethodGet, path, "", nil)
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("GET %s without token = %d, want 401", path, rr.Code)
		}
	}
}

func TestInvalidToken_Returns401(t *testing.T) {
	s := buildTestRouter(t, testCfg())
	fakeJWT := "eyJhbGciOiJIUzI1NiIsInR5cCI6IkpXVCJ9" +
		".eyJzdWIiOiIwLjAuMTAwMSIsInJvbGUiOiJib3Jyb3dlciIsInR5cGUiOiJhY2Nlc3MifQ" +
		".BADSIG"
	rr := do(t, s.h, http.MethodPost, "/api/loans", originateBody, map[string]string{
		"Authorization": "Bearer " + fakeJWT,
	})
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("POST /api/loans with invalid JWT = %d, want 401", rr.Code)
	}
}

func TestRateLimit_Returns429(t *testing.T) {
	cfg := testCfg()
	cfg.Server.RateLimitRPS = 0.001
	cfg.Server.RateLimitBurst = 2
	s := buildTestRouter(t, cfg)
	owner := s.token(t, "0.0.1001", domain.RoleBorrower)

	for i := 0; i < 2; i++ {
		if rr := do(t, s.h, http.MethodGet, "/api/loans", "", owner); rr.Code != http.StatusOK {
			t.Fatalf("request %d = %d, want 200", i, rr.Code)
		}
	}
	rr := do(t, s.h, http.MethodGet, "/api/loans", "", owner)
	if rr.Code != http.StatusTooManyRequests {
		t.Errorf("third request = %d, want 429", rr.Code)
	}
}

// ── Borrower flow ─────────────────────────────────────────────────────────────

func TestOriginateRepayFlow(t *testing.T) {
	s := buildTestRouter(t, testCfg())
	id := s.originate(t)
	owner := s.token(t, "0.0.1001", domain.RoleBorrower)

	body := expect(t, do(t, s.h, http.MethodGet, "/api/loans/"+id, "", owner), http.StatusOK)
	data := body["data"].(map[string]interface{})
	if data["status"] != "active" || data["repayment_amount"] != "1100.00" {
		t.Errorf("loan = %v", data)
	}

	other := s.token(t, "0.0.1002", domain.RoleBorrower)
	if rr := do(t, s.h, http.MethodGet, "/api/loans/"+id, "", other); rr.Code != http.StatusForbidden {
		t.Errorf("other borrower GET = %d, want 403", rr.Code)
	}
	if rr := do(t, s.h, http.MethodPost, "/api/loans/"+id+"/repayments", `{"amount":"10.00"}`, other); rr.Code != http.StatusForbidden {
		t.Errorf("other borrower repay = %d, want 403", rr.Code)
	}

	body = expect(t, do(t, s.h, http.MethodPost, "/api/loans/"+id+"/repayments", `{"amount":"1100.00"}`, owner), http.StatusCreated)
	if body["data"].(map[string]interface{})["payment_type"] != "full" {
		t.Errorf("payment = %v", body["data"])
	}

	rr := do(t, s.h, http.MethodPost, "/api/loans/"+id+"/repayments", `{"amount":"1.00"}`, owner)
	body = expect(t, rr, http.StatusConflict)
	if body["code"] != "ERR_LOAN_CLOSED" {
		t.Errorf("code = %v, want ERR_LOAN_CLOSED", body["code"])
	}

	body = expect(t, do(t, s.h, http.MethodGet, "/api/loans/"+id+"/payments", "", owner), http.StatusOK)
	if n := len(body["data"].([]interface{})); n != 1 {
		t.Errorf("payments = %d, want 1", n)
	}
}

func TestOriginateErrorMapping(t *testing.T) {
	s := buildTestRouter(t, testCfg())
	owner := s.token(t, "0.0.1001", domain.RoleBorrower)
	cases := []struct {
		name string
		body string
		want int
	}{
		{"malformed", `{"loan_amount":`, http.StatusBadRequest},
		{"zero amount", `{"asset_address":"0xUSDC","loan_amount":"0","collateral_token_id":"GROVE-ETH-001","collateral_amount":"150"}`, http.StatusBadRequest},
		{"thin collateral", `{"asset_address":"0xUSDC","loan_amount":"1000.00","collateral_token_id":"GROVE-ETH-001","collateral_amount":"124"}`, http.StatusUnprocessableEntity},
		{"pool exhausted", `{"asset_address":"0xUSDC","loan_amount":"6000.00","collateral_token_id":"GROVE-ETH-001","collateral_amount":"1000"}`, http.StatusUnprocessableEntity},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := do(t, s.h, http.MethodPost, "/api/loans", tc.body, owner)
			if rr.Code != tc.want {
				t.Errorf("status = %d, want %d; body: %s", rr.Code, tc.want, rr.Body.String())
			}
		})
	}
}

func TestBorrowerCannotPinPrice(t *testing.T) {
	s := buildTestRouter(t, testCfg())
	// 124 tokens only suffice at the pinned price; the oracle's 10 rules.
	body := `{"asset_address":"0xUSDC","loan_amount":"1000.00","collateral_token_id":"GROVE-ETH-001","collateral_amount":"124","price":"100"}`
	rr := do(t, s.h, http.MethodPost, "/api/loans", body, s.token(t, "0.0.1001", domain.RoleBorrower))
	if rr.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422", rr.Code)
	}
}

func TestUnknownLoan_Returns404(t *testing.T) {
	s := buildTestRouter(t, testCfg())
	rr := do(t, s.h, http.MethodGet, "/api/loans/11111111-1111-1111-1111-111111111111", "", s.token(t, "0.0.1001", domain.RoleBorrower))
	if rr.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rr.Code)
	}
	rr = do(t, s.h, http.MethodGet, "/api/loans/not-a-uuid", "", s.token(t, "0.0.1001", domain.RoleBorrower))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rr.Code)
	}
}

// ── Operators on the public API ───────────────────────────────────────────────

func TestOperatorReadsAnyLoan(t *testing.T) {
	s := buildTestRouter(t, testCfg())
	id := s.originate(t)

	rr := do(t, s.h, http.MethodGet, "/api/loans/"+id+"/health", "", s.token(t, "0.0.9000", domain.RoleRisk))
	body := expect(t, rr, http.StatusOK)
	if n := len(body["data"].([]interface{})); n != 1 {
		t.Errorf("health history = %d rows, want 1 from origination", n)
	}
}

func TestOperatorMayPinPrice(t *testing.T) {
	s := buildTestRouter(t, testCfg())
	body := `{"asset_address":"0xUSDC","loan_amount":"1000.00","collateral_token_id":"GROVE-ETH-001","collateral_amount":"124","price":"100"}`
	rr := do(t, s.h, http.MethodPost, "/api/loans", body, s.token(t, "0.0.9000", domain.RoleAdmin))
	if rr.Code != http.StatusCreated {
		t.Errorf("status = %d, want 201; body: %s", rr.Code, rr.Body.String())
	}
}

func TestListMine(t *testing.T) {
	s := buildTestRouter(t, testCfg())
	s.originate(t)
	s.originate(t)

	body := expect(t, do(t, s.h, http.MethodGet, "/api/loans?limit=1", "", s.token(t, "0.0.1001", domain.RoleBorrower)), http.StatusOK)
	meta := body["meta"].(map[string]interface{})
	if meta["limit"] != float64(1) || meta["count"] != float64(1) {
		t.Errorf("meta = %v", meta)
	}

	body = expect(t, do(t, s.h, http.MethodGet, "/api/loans", "", s.token(t, "0.0.1002", domain.RoleBorrower)), http.StatusOK)
	if n := len(body["data"].([]interface{})); n != 0 {
		t.Errorf("stranger sees %d loans, want 0", n)
	}
}

// ── Error envelope format ─────────────────────────────────────────────────────

func TestErrorEnvelope_HasRequiredFields(t *testing.T) {
	s := buildTestRouter(t, testCfg())
	rr := do(t, s.h, http.MethodPost, "/api/loans", `{}`, s.token(t, "0.0.1001", domain.RoleBorrower))
	body := decodeBody(t, rr)

	for _, field := range []string{"success", "error", "code"} {
		if _, ok := body[field]; !ok {
			t.Errorf("error envelope missing field %q, got: %v", field, body)
		}
	}
	if body["success"] != false {
		t.Errorf("error envelope.success = %v, want false", body["success"])
	}
}

// ── CORS headers ──────────────────────────────────────────────────────────────

func TestCORSOptionsRequest(t *testing.T) {
	s := buildTestRouter(t, testCfg())
	req := httptest.NewRequest(http.MethodOptions, "/api/loans", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rr := httptest.NewRecorder()
	s.h.ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Errorf("OPTIONS /api/loans = %d, want 204", rr.Code)
	}
	allow := rr.Header().Get("Access-Control-Allow-Methods")
	if !strings.Contains(allow, "POST") {
		t.Errorf("Access-Control-Allow-Methods missing POST, got %q", allow)
	}
}
