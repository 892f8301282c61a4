package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/tripwire/sentinel/internal/alert"
)

const (
	defaultAlertsLimit = 100
	maxAlertsLimit     = 1000
)

// Server holds the dependencies the REST handlers need.
type Server struct {
	backend Backend
}

// NewServer constructs a Server backed by backend.
func NewServer(backend Backend) *Server {
	return &Server{backend: backend}
}

// handleHealthz responds to GET /healthz with no authentication required.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleGetStats responds to GET /api/v1/stats with monotonic counters
// from all three engines plus the alert queue's admitted/dropped counts.
func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.backend.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read stats")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(stats)
}

// handleGetPatterns responds to GET /api/v1/patterns with the Grimoire
// hot-tier pattern catalogue, never the raw id_hash bytes.
func (s *Server) handleGetPatterns(w http.ResponseWriter, r *http.Request) {
	patterns, err := s.backend.Patterns(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list patterns")
		return
	}
	if patterns == nil {
		patterns = []PatternSummary{}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(patterns)
}

// handleGetAlerts responds to GET /api/v1/alerts.
//
// Supported query parameters:
//
//	from     – RFC3339 start of the window (default: now - 1h)
//	to       – RFC3339 end of the window (default: now)
//	severity – one of debug, info, warning, high, critical (optional)
//	limit    – maximum number of results (default 100, max 1000)
func (s *Server) handleGetAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	now := time.Now().UTC()

	from := now.Add(-time.Hour)
	if fromStr := q.Get("from"); fromStr != "" {
		parsed, err := time.Parse(time.RFC3339, fromStr)
		if err != nil {
			writeError(w, http.StatusBadRequest, "'from' must be a valid RFC3339 timestamp")
			return
		}
		from = parsed
	}

	to := now
	if toStr := q.Get("to"); toStr != "" {
		parsed, err := time.Parse(time.RFC3339, toStr)
		if err != nil {
			writeError(w, http.StatusBadRequest, "'to' must be a valid RFC3339 timestamp")
			return
		}
		to = parsed
	}
	if !to.After(from) {
		writeError(w, http.StatusBadRequest, "'to' must be after 'from'")
		return
	}

	aq := AlertQuery{From: from, To: to, Limit: defaultAlertsLimit}

	if sev := q.Get("severity"); sev != "" {
		switch alert.Severity(sev) {
		case alert.SeverityDebug, alert.SeverityInfo, alert.SeverityWarning, alert.SeverityHigh, alert.SeverityCritical:
			aq.Severity = alert.Severity(sev)
		default:
			writeError(w, http.StatusBadRequest, "'severity' must be one of debug, info, warning, high, critical")
			return
		}
	}

	if limitStr := q.Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit <= 0 {
			writeError(w, http.StatusBadRequest, "'limit' must be a positive integer")
			return
		}
		if limit > maxAlertsLimit {
			limit = maxAlertsLimit
		}
		aq.Limit = limit
	}

	alerts, err := s.backend.Alerts(r.Context(), aq)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to query alerts")
		return
	}
	if alerts == nil {
		alerts = []alert.Alert{}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(alerts)
}
