package controller

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/tripwire/sentinel/internal/alert"
	"github.com/tripwire/sentinel/internal/anomaly"
	"github.com/tripwire/sentinel/internal/api"
	"github.com/tripwire/sentinel/internal/baseline"
	"github.com/tripwire/sentinel/internal/correlation"
	"github.com/tripwire/sentinel/internal/eventsource"
	"github.com/tripwire/sentinel/internal/grimoire"
	"github.com/tripwire/sentinel/internal/procinfo"
	"github.com/tripwire/sentinel/internal/router"
)

// captureSink is a router.Sink that records every alert it receives.
type captureSink struct {
	mu     sync.Mutex
	alerts []alert.Alert
}

func (c *captureSink) Name() string { return "capture" }
func (c *captureSink) Send(_ context.Context, a alert.Alert) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alerts = append(c.alerts, a)
	return nil
}
func (c *captureSink) Flush(context.Context) error { return nil }
func (c *captureSink) Close() error                { return nil }

func (c *captureSink) received() []alert.Alert {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]alert.Alert, len(c.alerts))
	copy(out, c.alerts)
	return out
}

// fakeSource is a minimal eventsource.Source stub for tests that never call
// Run's real-time loop.
type fakeSource struct {
	dropped uint64
}

func (f *fakeSource) PollEvent(context.Context) (eventsource.SyscallEvent, bool, error) {
	return eventsource.SyscallEvent{}, false, nil
}
func (f *fakeSource) ScrapeStats(context.Context) ([]eventsource.StatsSample, error) {
	return nil, nil
}
func (f *fakeSource) SetMonitoredSyscalls([]uint32) error { return nil }
func (f *fakeSource) DroppedSamples() uint64              { return f.dropped }
func (f *fakeSource) Close() error                        { return nil }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestController builds a Controller directly (bypassing New's BPF-object
// dependent source construction) wired to an in-memory router with a
// captureSink, a correlation engine, and the built-in Grimoire patterns.
func newTestController(t *testing.T) (*Controller, *captureSink) {
	t.Helper()

	logger := discardLogger()
	rt := router.New(logger, time.Second)
	sink := &captureSink{}
	rt.Register(sink)

	patterns := grimoire.BuiltinPatterns()
	binaries := procinfo.NewBinaryCache()
	grimoireEng, err := grimoire.New(patterns, binaries, false, false, "", logger)
	if err != nil {
		t.Fatalf("grimoire.New: %v", err)
	}

	store := baseline.New(time.Hour, false)

	c := &Controller{
		logger:       logger,
		source:       &fakeSource{},
		baselineSt:   store,
		detector:     anomaly.NewDetector(store, 3.0),
		alertQueue:   anomaly.NewAlertQueue(600, 100),
		correlation:  correlation.NewEngine(correlation.Config{TimeoutMs: 5000, MinExfilBytes: 512, AlertThreshold: 100}),
		grimoireEng:  grimoireEng,
		binaries:     binaries,
		patterns:     patterns,
		rt:           rt,
		pendingOpens: make(map[uint32]pendingOpen),
		seenPids:     make(map[uint32]struct{}),
		recentAlerts: newRecentAlertRing(recentAlertsCapacity),
	}
	return c, sink
}

func TestHandleSyscallEventDispatchesGrimoireMatch(t *testing.T) {
	c, sink := newTestController(t)

	// kernelModuleLoad is a single-step pattern: any ClassKernelModule
	// syscall from a non-whitelisted pid fires immediately.
	evt := eventsource.SyscallEvent{
		TimestampNs: 1_000_000_000,
		PID:         999999,
		SyscallNr:   175, // init_module
	}
	c.handleSyscallEvent(context.Background(), evt)

	got := sink.received()
	if len(got) != 1 {
		t.Fatalf("got %d alerts, want 1: %+v", len(got), got)
	}
	if got[0].Source != alert.SourceGrimoire {
		t.Fatalf("Source = %q, want grimoire", got[0].Source)
	}
	if got[0].Severity != alert.SeverityCritical {
		t.Fatalf("Severity = %q, want critical", got[0].Severity)
	}
}

func TestDispatchCorrelationConnectWithUnreadableSockaddrIsIgnored(t *testing.T) {
	c, _ := newTestController(t)

	// connect() is where the dispatcher binds a socket fd, but only once
	// the sockaddr argument can be read from the caller's memory.
	evt := eventsource.SyscallEvent{
		TimestampNs: 1,
		PID:         42,
		SyscallNr:   nrConnect,
		Args:        [6]uint64{7, 0, 0, 0, 0, 0},
	}
	// addr 0 makes decodeSockaddrIn fail closed; assert no panic and no alert.
	if a := c.dispatchCorrelation(evt); a != nil {
		t.Fatalf("expected nil alert for an unreadable sockaddr, got %+v", a)
	}
}

func TestDispatchCorrelationUnreadableOpenPathIsNotDeferred(t *testing.T) {
	c, _ := newTestController(t)

	pid := uint32(7)
	openEvt := eventsource.SyscallEvent{TimestampNs: 10, PID: pid, SyscallNr: nrOpen, Args: [6]uint64{0, 0, 0, 0, 0, 0}}
	// addr 0 means readPeerCString fails, so no pendingOpens entry is made;
	// this only exercises that dispatchCorrelation does not panic on a
	// syscall it cannot resolve memory for.
	c.dispatchCorrelation(openEvt)
	if _, ok := c.pendingOpens[pid]; ok {
		t.Fatal("expected no pendingOpens entry when the open path is unreadable")
	}

	readEvt := eventsource.SyscallEvent{TimestampNs: 20, PID: pid, SyscallNr: nrRead, Args: [6]uint64{3, 0, 128, 0, 0, 0}}
	c.dispatchCorrelation(readEvt)
}

func TestEmitAppliesSharedAlertQueue(t *testing.T) {
	c, sink := newTestController(t)
	c.alertQueue = anomaly.NewAlertQueue(60, 1) // burst of exactly one

	a := alert.New(alert.SourceAnomaly, alert.SeverityHigh, alert.KindSpike, 1, "spike")
	c.emit(context.Background(), a)
	c.emit(context.Background(), a)

	if got := sink.received(); len(got) != 1 {
		t.Fatalf("got %d admitted alerts, want 1 (second should be dropped by the queue)", len(got))
	}
	if c.anomalyCount.Load() != 2 {
		t.Fatalf("anomalyCount = %d, want 2 (counted even when dropped)", c.anomalyCount.Load())
	}
	if c.admitted.Load() != 1 {
		t.Fatalf("admitted = %d, want 1", c.admitted.Load())
	}
}

func TestReapExitedPidsEvictsEngineState(t *testing.T) {
	c, _ := newTestController(t)

	const deadPid = uint32(1 << 30) // astronomically unlikely to be a live pid
	c.trackPid(deadPid)
	c.pendingOpens[deadPid] = pendingOpen{path: "/etc/shadow", timestampNs: 1}
	c.baselineSt.Update(deadPid, 0, 5)

	c.reapExitedPids()

	if _, ok := c.seenPids[deadPid]; ok {
		t.Fatal("expected deadPid to be evicted from seenPids")
	}
	if _, ok := c.pendingOpens[deadPid]; ok {
		t.Fatal("expected deadPid to be evicted from pendingOpens")
	}
	if _, ok := c.baselineSt.Get(deadPid, 0); ok {
		t.Fatal("expected deadPid to be forgotten by the baseline store")
	}
}

func TestMonitoredSyscallsUnionsGrimoireAndCorrelation(t *testing.T) {
	nrs := monitoredSyscalls(grimoire.BuiltinPatterns(), true)

	seen := make(map[uint32]bool, len(nrs))
	for _, nr := range nrs {
		seen[nr] = true
	}
	for _, want := range correlationSyscalls {
		if !seen[want] {
			t.Errorf("monitoredSyscalls missing correlation syscall %d", want)
		}
	}
	if !seen[175] { // init_module, from kernelModuleLoad's ClassKernelModule step
		t.Error("monitoredSyscalls missing init_module from the kernel-module-load pattern")
	}
}

func TestMonitoredSyscallsOmitsCorrelationWhenDisabled(t *testing.T) {
	nrs := monitoredSyscalls(nil, false)
	if len(nrs) != 0 {
		t.Fatalf("monitoredSyscalls with no patterns and correlation disabled = %v, want empty", nrs)
	}
}

func TestBackendStatsReflectsEngineCounters(t *testing.T) {
	c, _ := newTestController(t)
	c.anomalyCount.Store(3)
	c.correlationCount.Store(2)
	c.admitted.Store(4)

	stats, err := c.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.AnomalyAlerts != 3 || stats.CorrelationAlerts != 2 || stats.AlertsAdmitted != 4 {
		t.Fatalf("Stats = %+v, unexpected counters", stats)
	}
}

func TestBackendPatternsSummarizesBuiltins(t *testing.T) {
	c, _ := newTestController(t)

	summaries, err := c.Patterns(context.Background())
	if err != nil {
		t.Fatalf("Patterns: %v", err)
	}
	if len(summaries) != len(grimoire.BuiltinPatterns()) {
		t.Fatalf("got %d pattern summaries, want %d", len(summaries), len(grimoire.BuiltinPatterns()))
	}
}

func TestBackendAlertsWithNoArchiveSinkServesFromRecentRing(t *testing.T) {
	c, _ := newTestController(t)

	a := alert.New(alert.SourceAnomaly, alert.SeverityHigh, alert.KindSpike, 1, "spike")
	c.emit(context.Background(), a)

	alerts, err := c.Alerts(context.Background(), api.AlertQuery{
		From:  time.Now().Add(-time.Hour),
		To:    time.Now().Add(time.Hour),
		Limit: 10,
	})
	if err != nil {
		t.Fatalf("Alerts: %v", err)
	}
	if len(alerts) != 1 || alerts[0].ID != a.ID {
		t.Fatalf("Alerts = %+v, want the single ring-admitted alert", alerts)
	}
}

func TestBackendAlertsFiltersRecentRingBySeverityAndWindow(t *testing.T) {
	c, _ := newTestController(t)

	now := time.Now()
	high := alert.New(alert.SourceAnomaly, alert.SeverityHigh, alert.KindSpike, 1, "spike")
	low := alert.New(alert.SourceAnomaly, alert.SeverityInfo, alert.KindSpike, 2, "info")
	c.emit(context.Background(), high)
	c.emit(context.Background(), low)

	alerts, err := c.Alerts(context.Background(), api.AlertQuery{
		From:     now.Add(-time.Hour),
		To:       now.Add(time.Hour),
		Severity: alert.SeverityHigh,
		Limit:    10,
	})
	if err != nil {
		t.Fatalf("Alerts: %v", err)
	}
	if len(alerts) != 1 || alerts[0].ID != high.ID {
		t.Fatalf("Alerts = %+v, want only the high-severity alert", alerts)
	}

	none, err := c.Alerts(context.Background(), api.AlertQuery{
		From:  now.Add(time.Hour),
		To:    now.Add(2 * time.Hour),
		Limit: 10,
	})
	if err != nil {
		t.Fatalf("Alerts: %v", err)
	}
	if len(none) != 0 {
		t.Fatalf("got %d alerts outside the admitted alerts' window, want 0", len(none))
	}
}
