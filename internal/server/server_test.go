package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/sentinel/internal/config"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testConfig returns a minimal config for testing
func testConfig() *config.Config {
	return &config.Config{
		Port:              "0",
		Env:               "development",
		LogLevel:          "error",
		RecoveryStepDelay: 10 * time.Millisecond,
		VerifyTimeout:     50 * time.Millisecond,
		RateLimitRPM:      10000,
	}
}

// newTestServer creates a server with in-memory storage
func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := New(testConfig())
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	return s
}

// ---------------------------------------------------------------------------
// Health endpoint tests
// ---------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/healthz", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}

	if resp["status"] != "healthy" {
		t.Errorf("Expected status 'healthy', got %v", resp["status"])
	}
}

func TestLivenessEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/health/live", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
}

func TestReadinessEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/readyz", nil)
	s.router.ServeHTTP(w, req)

	// Server hasn't called Run() so ready is false
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 (not ready), got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Route registration tests
// ---------------------------------------------------------------------------

func TestCoreRoutesRegistered(t *testing.T) {
	s := newTestServer(t)

	routes := s.router.Routes()
	expected := []string{
		"GET:/healthz",
		"GET:/readyz",
		"GET:/metrics",
		"GET:/ws",
		"POST:/api/v1/sessions",
		"GET:/api/v1/sessions/:id",
		"POST:/api/v1/sessions/:id/location",
		"POST:/api/v1/sessions/:id/signals",
		"GET:/api/v1/sessions/:id/events",
		"GET:/api/v1/sessions/:id/otp",
		"GET:/api/v1/sessions/:id/audit",
		"POST:/api/v1/sessions/:id/recovery",
		"GET:/api/v1/sessions/:id/recovery",
	}

	routeSet := make(map[string]bool)
	for _, route := range routes {
		routeSet[route.Method+":"+route.Path] = true
	}

	for _, e := range expected {
		if !routeSet[e] {
			t.Errorf("Core route %s not registered", e)
		}
	}
}

// ---------------------------------------------------------------------------
// End-to-end flow test
// ---------------------------------------------------------------------------

func TestSignalToLockdownToRecoveryFlow(t *testing.T) {
	s := newTestServer(t)

	// Open a session
	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/api/v1/sessions",
		strings.NewReader(`{"fingerprint":"fp-e2e","device":{"platform":"ios"}}`))
	req.Header.Set("Content-Type", "application/json")
	s.router.ServeHTTP(w, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("session create failed: %d %s", w.Code, w.Body.String())
	}

	var created struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("failed to parse create response: %v", err)
	}

	// Drive the score over the lockdown threshold
	signals := []string{
		`{"type":"simSwap","description":"carrier change","severity":"critical"}`,
		`{"type":"deviceMismatch","description":"fingerprint drift","severity":"high"}`,
	}
	for _, body := range signals {
		w = httptest.NewRecorder()
		req = httptest.NewRequest("POST", "/api/v1/sessions/"+created.ID+"/signals", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		s.router.ServeHTTP(w, req)
		if w.Code != http.StatusCreated {
			t.Fatalf("signal failed: %d %s", w.Code, w.Body.String())
		}
	}

	// Session is locked; further signals rejected
	w = httptest.NewRecorder()
	req = httptest.NewRequest("POST", "/api/v1/sessions/"+created.ID+"/signals",
		strings.NewReader(`{"type":"otpBurst","severity":"high"}`))
	req.Header.Set("Content-Type", "application/json")
	s.router.ServeHTTP(w, req)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409 while locked, got %d", w.Code)
	}

	// Start recovery
	w = httptest.NewRecorder()
	req = httptest.NewRequest("POST", "/api/v1/sessions/"+created.ID+"/recovery", nil)
	s.router.ServeHTTP(w, req)
	if w.Code != http.StatusAccepted {
		t.Fatalf("recovery start failed: %d %s", w.Code, w.Body.String())
	}

	// With 10ms step delays the flow finishes quickly
	deadline := time.After(5 * time.Second)
	for {
		w = httptest.NewRecorder()
		req = httptest.NewRequest("GET", "/api/v1/sessions/"+created.ID, nil)
		s.router.ServeHTTP(w, req)

		var view struct {
			Lockdown bool `json:"lockdown"`
			Risk     struct {
				Score int `json:"score"`
			} `json:"risk"`
			EventCount int `json:"eventCount"`
		}
		if err := json.Unmarshal(w.Body.Bytes(), &view); err != nil {
			t.Fatalf("failed to parse view: %v", err)
		}
		if !view.Lockdown {
			if view.Risk.Score != 5 {
				t.Errorf("score after recovery = %d, want 5", view.Risk.Score)
			}
			if view.EventCount != 0 {
				t.Errorf("event log not cleared: %d events", view.EventCount)
			}
			break
		}

		select {
		case <-deadline:
			t.Fatal("recovery never completed")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// ---------------------------------------------------------------------------
// Param validation test
// ---------------------------------------------------------------------------

func TestMalformedSessionIDRejected(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/api/v1/sessions/not-a-session-id", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for malformed ID, got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// 404 test
// ---------------------------------------------------------------------------

func TestNotFoundRoute(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/api/v1/nonexistent", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}
