// Package anomaly detects per-(pid, syscall) rate deviations against a
// baseline.Store using z-score thresholds, and applies a token-bucket rate
// limit before alerts are handed to the router.
package anomaly

import (
	"math"
	"time"

	"github.com/tripwire/sentinel/internal/alert"
	"github.com/tripwire/sentinel/internal/baseline"
)

// Detector compares each scrape-interval syscall count against its running
// baseline and produces an Alert when the deviation crosses the configured
// threshold.
type Detector struct {
	store     *baseline.Store
	threshold float64
}

// NewDetector wires a Detector to store with the given sigma threshold.
func NewDetector(store *baseline.Store, thresholdSigma float64) *Detector {
	return &Detector{store: store, threshold: thresholdSigma}
}

// Observe folds value into the baseline for (pid, syscallNr) when the store
// is still learning, or compares it against the existing baseline and
// returns an Alert when one is warranted. It always updates the baseline
// after comparing, mirroring the teacher's update-profile-after-analysis
// ordering, so that the new sample smooths into the running mean regardless
// of whether it triggered an alert.
//
// now is passed in rather than read from time.Now so call sites can use an
// injected clock in tests.
func (d *Detector) Observe(now time.Time, pid, syscallNr uint32, value uint64) *alert.Alert {
	var produced *alert.Alert

	if d.store.IsLearning(now) {
		d.store.Update(pid, syscallNr, value)
		return nil
	}

	stats, known := d.store.Get(pid, syscallNr)
	switch {
	case !known && value > 0:
		// A syscall never observed during learning gets a synthetic, maximal
		// z-score: it is exactly as alarming as an extreme deviation from an
		// existing baseline.
		z := math.Inf(1)
		a := alert.New(alert.SourceAnomaly, severityForZScore(z, d.threshold), alert.KindNewSyscall, pid,
			"process invoked a syscall never observed during the baseline learning period")
		a.SyscallNr = syscallNr
		a.Observed = value
		a.ZScore = z
		produced = &a
	case known:
		z := stats.ZScore(value)
		if z >= d.threshold {
			a := alert.New(alert.SourceAnomaly, severityForZScore(z, d.threshold), alert.KindSpike, pid,
				"syscall rate deviates from baseline")
			a.SyscallNr = syscallNr
			a.Observed = value
			a.Expected = stats.Mean
			a.StdDev = stats.StdDev()
			a.ZScore = z
			produced = &a
		}
	}

	d.store.Update(pid, syscallNr, value)
	return produced
}

// severityForZScore bands a z-score relative to the configured threshold:
// [threshold, 2*threshold) -> warning, [2*threshold, 3*threshold) -> high,
// >= 3*threshold -> critical.
func severityForZScore(z, threshold float64) alert.Severity {
	switch {
	case z >= 3*threshold:
		return alert.SeverityCritical
	case z >= 2*threshold:
		return alert.SeverityHigh
	default:
		return alert.SeverityWarning
	}
}
