package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
)

// mockSessions implements SessionSummary for testing.
type mockSessions struct {
	configured, established int
}

func (m *mockSessions) Ready() (int, int) { return m.configured, m.established }

// mockDBChecker implements DBChecker for testing.
type mockDBChecker struct {
	err error
}

func (m *mockDBChecker) Ping(_ context.Context) error { return m.err }

func newTestServer(configured, established int) *Server {
	return NewServer(":0", &mockSessions{configured: configured, established: established}, nil, zap.NewNop())
}

func TestHealthz_AlwaysOK(t *testing.T) {
	s := newTestServer(0, 0)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()

	s.handleHealthz(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}

	var body map[string]string
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("expected status 'ok', got '%s'", body["status"])
	}
}

func TestReadyz_NotReady_NoSessionsEstablished(t *testing.T) {
	s := newTestServer(3, 0)
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()

	s.handleReadyz(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", w.Code)
	}

	var body map[string]any
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body["status"] != "not_ready" {
		t.Errorf("expected status 'not_ready', got '%v'", body["status"])
	}
	checks := body["checks"].(map[string]any)
	if checks["sessions"] != "no_sessions_established" {
		t.Errorf("expected sessions 'no_sessions_established', got '%v'", checks["sessions"])
	}
}

func TestReadyz_NoPeersConfiguredDoesNotFailReadiness(t *testing.T) {
	s := newTestServer(0, 0)
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()

	s.handleReadyz(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected 200 with zero configured peers, got %d", w.Code)
	}
}

func TestReadyz_DBDownFailsReadiness(t *testing.T) {
	s := newTestServer(2, 2)
	s.dbChecker = &mockDBChecker{err: context.DeadlineExceeded}

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()
	s.handleReadyz(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 (DB down), got %d", w.Code)
	}
}

func TestReadyz_AllHealthy(t *testing.T) {
	s := newTestServer(2, 2)
	s.dbChecker = &mockDBChecker{err: nil}

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()
	s.handleReadyz(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}

	var body map[string]any
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body["status"] != "ready" {
		t.Errorf("expected status 'ready', got '%v'", body["status"])
	}
	checks := body["checks"].(map[string]any)
	if checks["sessions"] != "2/2 established" {
		t.Errorf("expected sessions '2/2 established', got '%v'", checks["sessions"])
	}
	if checks["postgres"] != "ok" {
		t.Errorf("expected postgres 'ok', got '%v'", checks["postgres"])
	}
}
