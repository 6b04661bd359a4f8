package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/proxyaudit/proxyaudit/internal/collector"
	"github.com/proxyaudit/proxyaudit/internal/config"
	"github.com/proxyaudit/proxyaudit/internal/model"
)

type memOverrideStore struct {
	rows []model.RuntimeOverride
}

func (s *memOverrideStore) LoadOverrides() ([]model.RuntimeOverride, error) {
	return s.rows, nil
}

func (s *memOverrideStore) SaveOverrides(overrides []model.RuntimeOverride, changedBy, sourceIP string) error {
	s.rows = append(s.rows[:0], overrides...)
	return nil
}

func testServer(t *testing.T) *Server {
	t.Helper()
	cfg := &config.EnvConfig{
		NodeID:                          "node-1",
		BatchSize:                       300,
		FlushIntervalSeconds:            1,
		PollIntervalSeconds:             0.2,
		ErrorMinLevel:                   "warning",
		RetentionDays:                   30,
		RetentionCleanupIntervalSeconds: 3600,
		RetentionDeleteBatchSize:        5000,
		RuntimeConfigRefreshSeconds:     3,
	}
	runtime := config.NewManager(&memOverrideStore{}, cfg)

	stats := func() collector.StatsSnapshot {
		return collector.StatsSnapshot{
			NodeID:         "node-1",
			StartedAt:      time.Now().Add(-time.Minute),
			LinesReadTotal: 10,
		}
	}
	return NewServer("127.0.0.1", 0, stats, prometheus.NewRegistry(), runtime)
}

func TestHealthzReportsStats(t *testing.T) {
	srv := testServer(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("json: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status field = %v, want ok", body["status"])
	}
	if body["node_id"] != "node-1" {
		t.Errorf("node_id = %v, want node-1", body["node_id"])
	}
	if body["lines_read_total"] != float64(10) {
		t.Errorf("lines_read_total = %v, want 10", body["lines_read_total"])
	}
}

func TestMetricsEndpointServes(t *testing.T) {
	srv := testServer(t)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestConfigRoundTrip(t *testing.T) {
	srv := testServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/config", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET config status = %d, want 200", rec.Code)
	}

	update := `{"values": {"AUDIT_BATCH_SIZE": 900}, "changed_by": "tester"}`
	req = httptest.NewRequest(http.MethodPut, "/api/v1/config", strings.NewReader(update))
	req.RemoteAddr = "10.0.0.9:4321"
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("PUT config status = %d, body %s", rec.Code, rec.Body.String())
	}

	var body struct {
		Items []config.Item `json:"items"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("json: %v", err)
	}
	for _, item := range body.Items {
		if item.ConfigKey != "AUDIT_BATCH_SIZE" {
			continue
		}
		if !item.Overridden {
			t.Error("AUDIT_BATCH_SIZE should be overridden after update")
		}
		if v, ok := item.Value.(float64); !ok || v != 900 {
			t.Errorf("value = %v, want 900", item.Value)
		}
	}
}

func TestConfigRejectsInvalidBatch(t *testing.T) {
	srv := testServer(t)

	update := `{"values": {"AUDIT_BATCH_SIZE": 0}}`
	req := httptest.NewRequest(http.MethodPut, "/api/v1/config", strings.NewReader(update))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}

	var body ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("json: %v", err)
	}
	if body.Error.Code != "validation_failed" {
		t.Errorf("error code = %q, want validation_failed", body.Error.Code)
	}
}
