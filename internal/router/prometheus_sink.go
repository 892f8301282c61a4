package router

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/tripwire/sentinel/internal/alert"
)

// PrometheusSink keeps atomic counters for every alert it sees and serves
// them as hand-rolled Prometheus text exposition format, per spec.md §4.6:
// alerts_total and alerts_by_severity{severity=...}. No Prometheus client
// library is used anywhere in the pack, so the exposition format is written
// by hand here rather than introduced as an out-of-pack dependency.
type PrometheusSink struct {
	total atomic.Uint64

	mu        sync.Mutex
	bySeverity map[alert.Severity]*atomic.Uint64

	// droppedRingBufSamples surfaces the kernel ring buffer's loss counter,
	// per the Open Question resolution recorded in DESIGN.md.
	droppedRingBufSamples func() uint64
}

// NewPrometheusSink constructs a sink with zeroed counters. droppedFn, if
// non-nil, is polled on every scrape to report the ring buffer's dropped
// sample count as a gauge.
func NewPrometheusSink(droppedFn func() uint64) *PrometheusSink {
	return &PrometheusSink{
		bySeverity:            make(map[alert.Severity]*atomic.Uint64),
		droppedRingBufSamples: droppedFn,
	}
}

func (s *PrometheusSink) Name() string { return "prometheus" }

func (s *PrometheusSink) Send(ctx context.Context, a alert.Alert) error {
	s.total.Add(1)

	s.mu.Lock()
	counter, ok := s.bySeverity[a.Severity]
	if !ok {
		counter = &atomic.Uint64{}
		s.bySeverity[a.Severity] = counter
	}
	s.mu.Unlock()

	counter.Add(1)
	return nil
}

func (s *PrometheusSink) Flush(ctx context.Context) error { return nil }
func (s *PrometheusSink) Close() error                    { return nil }

// ServeHTTP renders the current counters in Prometheus text exposition
// format. It is mounted at the configured scrape path by cmd/sentineld.
func (s *PrometheusSink) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")

	fmt.Fprintf(w, "# HELP alerts_total Total alerts admitted by the router.\n")
	fmt.Fprintf(w, "# TYPE alerts_total counter\n")
	fmt.Fprintf(w, "alerts_total %d\n", s.total.Load())

	s.mu.Lock()
	severities := make([]alert.Severity, 0, len(s.bySeverity))
	for sev := range s.bySeverity {
		severities = append(severities, sev)
	}
	sort.Slice(severities, func(i, j int) bool { return severities[i] < severities[j] })
	counts := make(map[alert.Severity]uint64, len(severities))
	for _, sev := range severities {
		counts[sev] = s.bySeverity[sev].Load()
	}
	s.mu.Unlock()

	fmt.Fprintf(w, "# HELP alerts_by_severity Alerts admitted by the router, by severity.\n")
	fmt.Fprintf(w, "# TYPE alerts_by_severity counter\n")
	for _, sev := range severities {
		fmt.Fprintf(w, "alerts_by_severity{severity=%q} %d\n", sev, counts[sev])
	}

	if s.droppedRingBufSamples != nil {
		fmt.Fprintf(w, "# HELP ringbuf_dropped_samples Kernel ring buffer records lost to discard/overflow.\n")
		fmt.Fprintf(w, "# TYPE ringbuf_dropped_samples gauge\n")
		fmt.Fprintf(w, "ringbuf_dropped_samples %d\n", s.droppedRingBufSamples())
	}
}
