package controller

import (
	"context"
	"sort"

	"github.com/google/uuid"
	"github.com/tripwire/sentinel/internal/alert"
	"github.com/tripwire/sentinel/internal/api"
	"github.com/tripwire/sentinel/internal/archive"
	"github.com/tripwire/sentinel/internal/grimoire"
)

// Stats implements api.Backend, reporting the monotonic counters every
// engine has accumulated since startup.
func (c *Controller) Stats(_ context.Context) (api.Stats, error) {
	total, bySeverity := c.grimoireEng.Stats()
	return api.Stats{
		AnomalyAlerts:         c.anomalyCount.Load(),
		CorrelationAlerts:     c.correlationCount.Load(),
		GrimoireAlerts:        total,
		GrimoireBySeverity:    bySeverity,
		AlertsAdmitted:        c.admitted.Load(),
		AlertsDropped:         c.alertQueue.Dropped(),
		RingBufDroppedSamples: c.source.DroppedSamples(),
	}, nil
}

// Patterns implements api.Backend, summarizing the Grimoire pattern
// database this controller was built with.
func (c *Controller) Patterns(_ context.Context) ([]api.PatternSummary, error) {
	summaries := make([]api.PatternSummary, 0, len(c.patterns))
	for _, p := range c.patterns {
		summaries = append(summaries, patternSummary(p))
	}
	return summaries, nil
}

func patternSummary(p grimoire.Pattern) api.PatternSummary {
	whitelist := make([]string, 0, len(p.WhitelistedBinaries))
	for b := range p.WhitelistedBinaries {
		whitelist = append(whitelist, b)
	}
	return api.PatternSummary{
		Name:                p.Name,
		Severity:            string(p.Severity),
		StepCount:           len(p.Steps),
		Enabled:             p.Enabled,
		WhitelistedBinaries: whitelist,
	}
}

// Alerts implements api.Backend. With no archive sink configured it serves
// entirely from the controller's in-memory recent-alert ring, which is the
// only record of admitted alerts in that mode. With an archive sink
// configured, it queries Postgres and merges in anything from the ring the
// archive's batched writer hasn't flushed yet, so a poll immediately after
// an admit never misses it.
func (c *Controller) Alerts(ctx context.Context, q api.AlertQuery) ([]alert.Alert, error) {
	recent := filterRecentAlerts(c.recentAlerts.snapshot(), q)

	if c.archiveSink == nil {
		return recent, nil
	}

	archived, err := c.archiveSink.QueryAlerts(ctx, archive.Query{
		From:     q.From,
		To:       q.To,
		Severity: q.Severity,
		Limit:    q.Limit,
	})
	if err != nil {
		return nil, err
	}
	return mergeAlerts(archived, recent, q.Limit), nil
}

// filterRecentAlerts applies q's window, severity, and limit to a ring
// snapshot, matching archive.Sink.QueryAlerts's [From, To) and
// empty-severity-means-no-filter semantics so the two code paths agree.
func filterRecentAlerts(alerts []alert.Alert, q api.AlertQuery) []alert.Alert {
	out := make([]alert.Alert, 0, len(alerts))
	for _, a := range alerts {
		if a.Timestamp.Before(q.From) || !a.Timestamp.Before(q.To) {
			continue
		}
		if q.Severity != "" && a.Severity != q.Severity {
			continue
		}
		out = append(out, a)
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out
}

// mergeAlerts combines archived and recent (both already filtered and
// most-recent-first), dropping duplicates an alert admitted just before an
// archive flush can produce in both sets, and truncates to limit.
func mergeAlerts(archived, recent []alert.Alert, limit int) []alert.Alert {
	seen := make(map[uuid.UUID]bool, len(archived)+len(recent))
	merged := make([]alert.Alert, 0, len(archived)+len(recent))
	for _, a := range archived {
		if seen[a.ID] {
			continue
		}
		seen[a.ID] = true
		merged = append(merged, a)
	}
	for _, a := range recent {
		if seen[a.ID] {
			continue
		}
		seen[a.ID] = true
		merged = append(merged, a)
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].Timestamp.After(merged[j].Timestamp) })
	if limit > 0 && len(merged) > limit {
		merged = merged[:limit]
	}
	return merged
}
