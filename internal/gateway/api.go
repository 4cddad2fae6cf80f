package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/basket/featureloop/internal/persistence"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// readOnly guards the REST endpoints: GET only, authorized callers only.
func (s *Server) readOnly(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return false
	}
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return false
	}
	return true
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	dbOK := true
	if _, err := s.cfg.Store.Stats(ctx); err != nil {
		dbOK = false
	}
	_, fingerprint := s.currentLimits()
	status := http.StatusOK
	if !dbOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"healthy":            dbOK,
		"db_ok":              dbOK,
		"project":            s.project(),
		"version":            s.cfg.Version,
		"config_fingerprint": fingerprint,
		"slots_running":      s.cfg.Coordinator.Running(),
	})
}

func (s *Server) handleAPIFeatures(w http.ResponseWriter, r *http.Request) {
	if !s.readOnly(w, r) {
		return
	}
	var statuses []persistence.FeatureStatus
	for _, st := range r.URL.Query()["status"] {
		statuses = append(statuses, persistence.FeatureStatus(st))
	}
	features, err := s.cfg.Store.ListFeatures(r.Context(), statuses...)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if features == nil {
		features = []persistence.Feature{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"project": s.project(), "features": features})
}

func (s *Server) handleAPIProgress(w http.ResponseWriter, r *http.Request) {
	if !s.readOnly(w, r) {
		return
	}
	stats, err := s.cfg.Store.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleAPISlots(w http.ResponseWriter, r *http.Request) {
	if !s.readOnly(w, r) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"project": s.project(), "slots": s.cfg.Coordinator.Status()})
}

func (s *Server) handleAPIUsage(w http.ResponseWriter, r *http.Request) {
	if !s.readOnly(w, r) {
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	limits, _ := s.currentLimits()
	status, err := s.cfg.Store.CheckLimits(r.Context(), limits)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	records, err := s.cfg.Store.ListUsage(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if records == nil {
		records = []persistence.UsageRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"totals":   status.Totals,
		"exceeded": status.Exceeded,
		"reason":   status.Reason,
		"limits": map[string]any{
			"cost_usd": limits.CostUSD,
			"tokens":   limits.Tokens,
		},
		"records": records,
	})
}
