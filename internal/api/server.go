package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/uppnrise/iron-veil/internal/config"
	"github.com/uppnrise/iron-veil/internal/metrics"
	"github.com/uppnrise/iron-veil/internal/state"
)

// Server is the management surface: rule CRUD, log ring, runtime stats,
// config reload, and the Prometheus endpoint.
type Server struct {
	st         *state.State
	metrics    *metrics.Collector
	configPath string
	httpServer *http.Server
	startTime  time.Time
}

// NewServer creates the management server. configPath is re-read on reload
// requests.
func NewServer(st *state.State, m *metrics.Collector, configPath string) *Server {
	return &Server{
		st:         st,
		metrics:    m,
		configPath: configPath,
		startTime:  time.Now(),
	}
}

// Router builds the HTTP route table. Exposed for tests.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/rules", s.getRules).Methods("GET")
	r.HandleFunc("/rules", s.putRules).Methods("PUT")
	r.HandleFunc("/logs", s.getLogs).Methods("GET")
	r.HandleFunc("/stats", s.getStats).Methods("GET")
	r.HandleFunc("/healthz", s.getHealthz).Methods("GET")
	r.HandleFunc("/reload", s.postReload).Methods("POST")
	if s.metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))
	}
	return r
}

// Start begins serving on addr.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	srv := s.httpServer
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("management server error", "err", err)
		}
	}()
	slog.Info("management server listening", "addr", addr)
	return nil
}

// Stop shuts the server down, waiting briefly for in-flight requests.
func (s *Server) Stop() {
	if s.httpServer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.httpServer.Shutdown(ctx)
}

func (s *Server) getRules(w http.ResponseWriter, r *http.Request) {
	cfg := s.st.Config()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"masking_enabled": cfg.MaskingEnabled,
		"rules":           cfg.Rules,
	})
}

// putRules replaces the ordered rule list. The new list takes effect for
// every connection on its next result-set descriptor sequence.
func (s *Server) putRules(w http.ResponseWriter, r *http.Request) {
	var rules []config.MaskingRule
	if err := json.NewDecoder(r.Body).Decode(&rules); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("decoding rules: %s", err))
		return
	}
	if err := config.ValidateRules(rules); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.st.UpdateRules(rules)
	slog.Info("masking rules updated", "count", len(rules))
	writeJSON(w, http.StatusOK, map[string]interface{}{"rules": rules})
}

func (s *Server) getLogs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.st.Logs())
}

func (s *Server) getStats(w http.ResponseWriter, r *http.Request) {
	cfg := s.st.Config()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"uptime_seconds":     int(time.Since(s.startTime).Seconds()),
		"active_connections": s.st.ActiveConnections(),
		"masking_enabled":    cfg.MaskingEnabled,
		"rule_count":         len(cfg.Rules),
		"mask_counts":        s.st.MaskCounts(),
		"upstream":           s.st.UpstreamHealth(),
	})
}

func (s *Server) getHealthz(w http.ResponseWriter, r *http.Request) {
	h := s.st.UpstreamHealth()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":           "ok",
		"upstream_healthy": h.Healthy,
	})
}

// postReload re-reads the config file. A failed load reports the error and
// leaves the running snapshot untouched.
func (s *Server) postReload(w http.ResponseWriter, r *http.Request) {
	cfg, err := config.Load(s.configPath)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.st.ReplaceConfig(cfg)
	slog.Info("configuration reloaded via management API", "path", s.configPath)
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "reloaded", "rules": len(cfg.Rules)})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
