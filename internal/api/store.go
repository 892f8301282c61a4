// Package api implements the control-plane REST API: health, engine
// statistics, the Grimoire pattern catalogue, and a recent-alerts query.
// It is grounded on the teacher's internal/server/rest package (chi router,
// JWT bearer-token middleware, typed JSON error bodies), retargeted from
// the teacher's host/audit dashboard onto this daemon's own engines.
package api

import (
	"context"
	"time"

	"github.com/tripwire/sentinel/internal/alert"
)

// Stats is the monotonic-counter snapshot returned by GET /api/v1/stats.
type Stats struct {
	AnomalyAlerts         uint64                    `json:"anomaly_alerts"`
	CorrelationAlerts     uint64                    `json:"correlation_alerts"`
	GrimoireAlerts        uint64                    `json:"grimoire_alerts"`
	GrimoireBySeverity    map[alert.Severity]uint64 `json:"grimoire_alerts_by_severity"`
	AlertsAdmitted        uint64                    `json:"alerts_admitted"`
	AlertsDropped         uint64                    `json:"alerts_dropped"`
	RingBufDroppedSamples uint64                    `json:"ringbuf_dropped_samples,omitempty"`
}

// PatternSummary describes one Grimoire pattern without exposing its raw
// id_hash bytes or step-level constraint details, per spec.md's framing of
// the hot-tier catalogue as operator-facing metadata, not a detection
// bypass surface.
type PatternSummary struct {
	Name                string   `json:"name"`
	Severity            string   `json:"severity"`
	StepCount           int      `json:"step_count"`
	Enabled             bool     `json:"enabled"`
	WhitelistedBinaries []string `json:"whitelisted_binaries,omitempty"`
}

// AlertQuery is the parsed form of GET /api/v1/alerts' query parameters.
type AlertQuery struct {
	From     time.Time
	To       time.Time
	Severity alert.Severity // zero value means "no filter"
	Limit    int
}

// Backend is the subset of controller state the REST handlers need.
// Defining it as an interface lets handlers be tested against a fake
// without constructing a full controller.
type Backend interface {
	Stats(ctx context.Context) (Stats, error)
	Patterns(ctx context.Context) ([]PatternSummary, error)
	Alerts(ctx context.Context, q AlertQuery) ([]alert.Alert, error)
}
