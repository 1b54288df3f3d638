package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// TestHealthHandler tests the liveness payload
func TestHealthHandler(t *testing.T) {
	s := NewServer("1.2.3")

	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("GET /health = %d, want %d", rec.Code, http.StatusOK)
	}
	var resp HealthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode health response: %v", err)
	}
	if resp.Status != "healthy" {
		t.Errorf("health status = %q, want %q", resp.Status, "healthy")
	}
	if resp.Version != "1.2.3" {
		t.Errorf("health version = %q, want %q", resp.Version, "1.2.3")
	}
}

// TestMetricsEndpoint tests that the Prometheus handler is mounted
func TestMetricsEndpoint(t *testing.T) {
	s := NewServer("")

	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("GET /metrics = %d, want %d", rec.Code, http.StatusOK)
	}
	if !strings.Contains(rec.Body.String(), "gridbench_") {
		t.Error("metrics output does not contain gridbench collectors")
	}
}
