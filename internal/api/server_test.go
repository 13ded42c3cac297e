package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/uppnrise/iron-veil/internal/config"
	"github.com/uppnrise/iron-veil/internal/metrics"
	"github.com/uppnrise/iron-veil/internal/state"
)

func testServer(t *testing.T, cfg *config.Config) (*Server, *state.State) {
	t.Helper()
	if cfg == nil {
		cfg = &config.Config{MaskingEnabled: true}
	}
	st := state.New(cfg)
	return NewServer(st, metrics.New(), filepath.Join(t.TempDir(), "proxy.yaml")), st
}

func doRequest(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func TestGetRules(t *testing.T) {
	s, _ := testServer(t, &config.Config{
		MaskingEnabled: true,
		Rules:          []config.MaskingRule{{Column: "email", Strategy: "email"}},
	})

	rec := doRequest(t, s, "GET", "/rules", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var resp struct {
		MaskingEnabled bool                 `json:"masking_enabled"`
		Rules          []config.MaskingRule `json:"rules"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if !resp.MaskingEnabled || len(resp.Rules) != 1 {
		t.Errorf("response = %+v", resp)
	}
}

func TestPutRulesReplacesOrderedList(t *testing.T) {
	s, st := testServer(t, nil)

	body := `[{"column":"email","strategy":"email"},{"table":"users","column":"ssn","strategy":"ssn"}]`
	rec := doRequest(t, s, "PUT", "/rules", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	rules := st.Config().Rules
	if len(rules) != 2 {
		t.Fatalf("rules = %d, want 2", len(rules))
	}
	if rules[0].Column != "email" || rules[1].Table != "users" {
		t.Errorf("rules = %+v", rules)
	}
}

func TestPutRulesRejectsUnknownStrategy(t *testing.T) {
	s, st := testServer(t, nil)

	rec := doRequest(t, s, "PUT", "/rules", `[{"column":"email","strategy":"rot13"}]`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if len(st.Config().Rules) != 0 {
		t.Error("invalid rules were published")
	}
}

func TestGetLogs(t *testing.T) {
	s, st := testServer(t, nil)
	st.AddLog(7, "Query", "SELECT 1")

	rec := doRequest(t, s, "GET", "/logs", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var logs []state.LogEntry
	if err := json.Unmarshal(rec.Body.Bytes(), &logs); err != nil {
		t.Fatalf("decoding logs: %v", err)
	}
	if len(logs) != 1 || logs[0].Content != "SELECT 1" {
		t.Errorf("logs = %+v", logs)
	}
}

func TestGetStats(t *testing.T) {
	s, st := testServer(t, nil)
	st.ConnectionOpened()
	st.RecordMask("email")

	rec := doRequest(t, s, "GET", "/stats", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var stats struct {
		ActiveConnections int64             `json:"active_connections"`
		MaskCounts        map[string]uint64 `json:"mask_counts"`
		MaskingEnabled    bool              `json:"masking_enabled"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decoding stats: %v", err)
	}
	if stats.ActiveConnections != 1 {
		t.Errorf("active connections = %d", stats.ActiveConnections)
	}
	if stats.MaskCounts["email"] != 1 {
		t.Errorf("mask counts = %v", stats.MaskCounts)
	}
}

func TestHealthz(t *testing.T) {
	s, st := testServer(t, nil)
	st.SetUpstreamHealth(state.UpstreamHealth{Healthy: false})

	rec := doRequest(t, s, "GET", "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding healthz: %v", err)
	}
	if resp["upstream_healthy"].(bool) {
		t.Error("upstream_healthy = true, want false")
	}
}

func TestReloadSuccess(t *testing.T) {
	st := state.New(&config.Config{MaskingEnabled: true})
	path := filepath.Join(t.TempDir(), "proxy.yaml")
	content := "masking_enabled: false\nrules:\n  - column: email\n    strategy: email\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	s := NewServer(st, metrics.New(), path)

	rec := doRequest(t, s, "POST", "/reload", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	cfg := st.Config()
	if cfg.MaskingEnabled || len(cfg.Rules) != 1 {
		t.Errorf("config not replaced: %+v", cfg)
	}
}

func TestReloadFailureLeavesStateUntouched(t *testing.T) {
	st := state.New(&config.Config{MaskingEnabled: true})
	path := filepath.Join(t.TempDir(), "proxy.yaml")
	if err := os.WriteFile(path, []byte("rules: ["), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	s := NewServer(st, metrics.New(), path)

	rec := doRequest(t, s, "POST", "/reload", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if !st.Config().MaskingEnabled {
		t.Error("running config changed on failed reload")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := testServer(t, nil)

	rec := doRequest(t, s, "GET", "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "ironveil_connections_active") {
		t.Error("metrics exposition missing gauge")
	}
}
