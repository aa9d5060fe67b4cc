package main

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"sentinel/pkg/alert"
	"sentinel/pkg/attempt"
	"sentinel/pkg/auth"
	"sentinel/pkg/structlog"
	"sentinel/pkg/threat"
	"sentinel/pkg/usage"
)

func newTestServer(t *testing.T) *server {
	t.Helper()
	logger := structlog.NewLogger("test", structlog.LevelError, io.Discard)
	tracker := attempt.NewTracker(attempt.DefaultConfig(), logger)
	engine := threat.NewEngine(threat.DefaultConfig(), tracker, nil, logger)
	authMgr, err := auth.NewManager("test-secret", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	return &server{
		logger:     logger,
		tracker:    tracker,
		engine:     engine,
		dispatcher: alert.NewDispatcher(alert.DefaultDispatcherConfig(), nil, nil, logger),
		usage:      usage.NewAggregator(usage.DefaultConfig(), logger),
		authMgr:    authMgr,
		limiter:    newIPRateLimiter(1000, 1000),
	}
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
}

func TestBlockedIPGets429(t *testing.T) {
	s := newTestServer(t)
	s.engine.BlockIP("10.0.0.1", "Manual block by operator", time.Hour)

	h := s.middleware(okHandler())
	req := httptest.NewRequest(http.MethodGet, "/v1/events/login-failure", nil)
	req.RemoteAddr = "10.0.0.1:54321"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["error"] != "IP_BLOCKED" {
		t.Fatalf("error = %q, want IP_BLOCKED", body["error"])
	}
}

func TestTrackerBlockAlsoEnforced(t *testing.T) {
	s := newTestServer(t)
	s.tracker.Block("10.0.0.2", time.Hour)

	h := s.middleware(okHandler())
	req := httptest.NewRequest(http.MethodGet, "/admin/metrics", nil)
	req.RemoteAddr = "10.0.0.2:54321"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
}

func TestRateLimitRecordsViolation(t *testing.T) {
	s := newTestServer(t)
	s.limiter = newIPRateLimiter(1, 1)

	h := s.middleware(okHandler())
	var last *httptest.ResponseRecorder
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/v1/events/generic", nil)
		req.RemoteAddr = "10.0.0.3:1000"
		last = httptest.NewRecorder()
		h.ServeHTTP(last, req)
	}

	if last.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429 after burst", last.Code)
	}
	if last.Header().Get("Retry-After") != "60" {
		t.Fatal("Retry-After header missing")
	}
	var body map[string]string
	if err := json.Unmarshal(last.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["error"] != "RATE_LIMITED" {
		t.Fatalf("error = %q, want RATE_LIMITED", body["error"])
	}

	events := s.engine.RecentEvents(threat.KindRateLimit, 10)
	if len(events) == 0 {
		t.Fatal("rate limit violations not recorded in the engine")
	}
	if events[0].IP != "10.0.0.3" {
		t.Fatalf("violation ip = %q", events[0].IP)
	}
}

func TestBypassPathsSkipChecks(t *testing.T) {
	s := newTestServer(t)
	s.engine.BlockIP("10.0.0.1", "blocked", time.Hour)

	h := s.middleware(okHandler())
	for _, path := range []string{"/healthz", "/metrics"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.RemoteAddr = "10.0.0.1:54321"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s returned %d for a blocked IP, want 200", path, rec.Code)
		}
	}
}

func TestTelemetryCapturedForBlockedRequests(t *testing.T) {
	s := newTestServer(t)
	s.engine.BlockIP("10.0.0.1", "blocked", time.Hour)

	h := s.middleware(okHandler())
	req := httptest.NewRequest(http.MethodGet, "/v1/events/generic", nil)
	req.RemoteAddr = "10.0.0.1:54321"
	req.Header.Set("X-User-Id", "mallory")
	h.ServeHTTP(httptest.NewRecorder(), req)

	hist := s.usage.GetHistory(1)
	if len(hist) != 1 {
		t.Fatal("rejected request missing from telemetry")
	}
	if hist[0].Status != http.StatusTooManyRequests || hist[0].UserID != "mallory" {
		t.Fatalf("telemetry record = %+v", hist[0])
	}
}

func TestClientIPExtraction(t *testing.T) {
	cases := []struct {
		remoteAddr string
		xff        string
		trustProxy bool
		want       string
	}{
		{"10.0.0.1:1234", "", false, "10.0.0.1"},
		{"10.0.0.1:1234", "203.0.113.7", true, "203.0.113.7"},
		{"10.0.0.1:1234", "203.0.113.7, 70.0.0.1, 10.0.0.1", true, "203.0.113.7"},
		{"10.0.0.1:1234", "203.0.113.7", false, "10.0.0.1"},
		{"[::1]:1234", "", false, "::1"},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = tc.remoteAddr
		if tc.xff != "" {
			req.Header.Set("X-Forwarded-For", tc.xff)
		}
		if got := clientIP(req, tc.trustProxy); got != tc.want {
			t.Fatalf("clientIP(%q, xff=%q, trust=%v) = %q, want %q", tc.remoteAddr, tc.xff, tc.trustProxy, got, tc.want)
		}
	}
}

func TestSpoofedForwardedForCannotBypassBlock(t *testing.T) {
	s := newTestServer(t)
	s.engine.BlockIP("10.0.0.1", "Manual block by operator", time.Hour)

	h := s.middleware(okHandler())
	req := httptest.NewRequest(http.MethodGet, "/v1/events/generic", nil)
	req.RemoteAddr = "10.0.0.1:54321"
	req.Header.Set("X-Forwarded-For", "203.0.113.9")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429 despite forged header", rec.Code)
	}
	hist := s.usage.GetHistory(1)
	if len(hist) != 1 || hist[0].IP != "10.0.0.1" {
		t.Fatalf("telemetry attributed to %+v, want 10.0.0.1", hist)
	}
}

func TestIssueOperatorTokenOpensAdminSurface(t *testing.T) {
	s := newTestServer(t)

	token, err := issueOperatorToken("test-secret", "ops", []string{"admin"}, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	claims, err := s.authMgr.Verify(token)
	if err != nil {
		t.Fatalf("service rejected a CLI-minted token: %v", err)
	}
	if claims.Subject != "ops" {
		t.Fatalf("subject = %q, want ops", claims.Subject)
	}
	if len(claims.Roles) != 1 || claims.Roles[0] != "admin" {
		t.Fatalf("roles = %v, want [admin]", claims.Roles)
	}

	admin := http.NewServeMux()
	admin.HandleFunc("/admin/metrics", s.handleMetrics)
	h := s.authMgr.Middleware(admin)

	req := httptest.NewRequest(http.MethodGet, "/admin/metrics", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status with minted token = %d, want 200", rec.Code)
	}
}

func TestAdminRequiresToken(t *testing.T) {
	s := newTestServer(t)

	admin := http.NewServeMux()
	admin.HandleFunc("/admin/metrics", s.handleMetrics)
	h := s.authMgr.Middleware(admin)

	req := httptest.NewRequest(http.MethodGet, "/admin/metrics", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d, want 401", rec.Code)
	}

	token, err := s.authMgr.Issue("operator", []string{"admin"})
	if err != nil {
		t.Fatal(err)
	}
	req = httptest.NewRequest(http.MethodGet, "/admin/metrics", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("authenticated status = %d, want 200", rec.Code)
	}
}
