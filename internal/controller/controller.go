// Package controller implements the single-threaded cooperative main loop
// that ties the Baseline Store, Anomaly Detector, Correlation Engine,
// Grimoire Engine, and Alert Router together over a kernel event source. It
// is the daemon's equivalent of the teacher's internal/agent.Agent
// orchestrator, generalized from a fan-in of watcher goroutines to the
// single hot-path goroutine the spec's concurrency model mandates: all
// per-pid engine state here is touched exclusively from Run's loop, so none
// of it carries internal locking.
package controller

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/tripwire/sentinel/internal/alert"
	"github.com/tripwire/sentinel/internal/anomaly"
	"github.com/tripwire/sentinel/internal/api"
	"github.com/tripwire/sentinel/internal/archive"
	"github.com/tripwire/sentinel/internal/baseline"
	"github.com/tripwire/sentinel/internal/config"
	"github.com/tripwire/sentinel/internal/correlation"
	"github.com/tripwire/sentinel/internal/eventsource"
	"github.com/tripwire/sentinel/internal/grimoire"
	"github.com/tripwire/sentinel/internal/livefeed"
	"github.com/tripwire/sentinel/internal/procinfo"
	"github.com/tripwire/sentinel/internal/router"
)

// Closer is implemented by ancillary components (delivery queues, the
// forward sink's connection) whose lifecycle the controller should bound at
// shutdown alongside the router's own sinks.
type Closer interface {
	Close() error
}

// Controller owns every engine and runs the hot-path event loop.
type Controller struct {
	cfg    *config.Config
	logger *slog.Logger

	source      eventsource.Source
	baselineSt  *baseline.Store
	detector    *anomaly.Detector
	alertQueue  *anomaly.AlertQueue
	correlation *correlation.Engine
	grimoireEng *grimoire.Engine
	binaries    *procinfo.BinaryCache
	patterns    []grimoire.Pattern

	rt           *router.Router
	archiveSink  *archive.Sink
	recentAlerts *recentAlertRing

	apiServer      *http.Server
	livefeedServer *http.Server
	livefeedBC     *livefeed.Broadcaster
	extraClosers   []Closer

	startTime        time.Time
	lastBaselineSave time.Time

	admitted         atomic.Uint64
	anomalyCount     atomic.Uint64
	correlationCount atomic.Uint64

	pendingOpens map[uint32]pendingOpen
	seenPids     map[uint32]struct{}
}

// Option configures optional Controller components.
type Option func(*Controller)

// WithRouter registers the Alert Router every admitted alert is dispatched
// through. A Controller with no router still runs, producing no sink output
// — useful for tests that only assert on engine/stats state.
func WithRouter(rt *router.Router) Option {
	return func(c *Controller) { c.rt = rt }
}

// WithArchive registers the Postgres archive sink as the backing store for
// Backend.Alerts queries, in addition to whatever role it plays as a
// registered router sink.
func WithArchive(sink *archive.Sink) Option {
	return func(c *Controller) { c.archiveSink = sink }
}

// WithAPIServer registers the control-plane REST API's http.Server so
// Shutdown can bound its teardown alongside the engines.
func WithAPIServer(srv *http.Server) Option {
	return func(c *Controller) { c.apiServer = srv }
}

// WithLiveFeed registers the live alert feed's Broadcaster (so admitted
// alerts are published to it) and its http.Server (so Shutdown can bound
// its teardown).
func WithLiveFeed(bc *livefeed.Broadcaster, srv *http.Server) Option {
	return func(c *Controller) {
		c.livefeedBC = bc
		c.livefeedServer = srv
	}
}

// WithCloser registers an ancillary component to be closed during Shutdown,
// after the router and HTTP servers.
func WithCloser(cl Closer) Option {
	return func(c *Controller) { c.extraClosers = append(c.extraClosers, cl) }
}

// SetAPIServer attaches the control-plane API's http.Server after
// construction. The API server's handler is built from the Controller
// itself (as an api.Backend), so it can only be constructed once New has
// already returned; Shutdown still bounds its teardown like any
// constructor-time option.
func (c *Controller) SetAPIServer(srv *http.Server) { c.apiServer = srv }

// SetLiveFeed attaches the live alert feed's Broadcaster and http.Server
// after construction, for the same ordering reason as SetAPIServer.
func (c *Controller) SetLiveFeed(bc *livefeed.Broadcaster, srv *http.Server) {
	c.livefeedBC = bc
	c.livefeedServer = srv
}

// New builds a Controller and every engine it owns from cfg. source must
// already be opened (tracepoint attached, maps located).
func New(cfg *config.Config, logger *slog.Logger, source eventsource.Source, opts ...Option) *Controller {
	baselineSt := baseline.New(cfg.LearningPeriod(), cfg.Baseline.NoLearning)

	var corrEngine *correlation.Engine
	if cfg.Correlation.Enable {
		corrEngine = correlation.NewEngine(correlation.Config{
			TimeoutMs:      cfg.Correlation.TimeoutMs,
			MinExfilBytes:  cfg.Correlation.MinExfilBytes,
			AlertThreshold: cfg.Correlation.Threshold,
			AutoTerminate:  cfg.Correlation.AutoTerminate,
		})
	}

	var patterns []grimoire.Pattern
	if cfg.Grimoire.Enable {
		patterns = grimoire.BuiltinPatterns()
	}
	binaries := procinfo.NewBinaryCache()
	grimoireEng, err := grimoire.New(patterns, binaries, cfg.Grimoire.Enforce, cfg.Grimoire.Debug, cfg.Grimoire.LogPath, logger)
	if err != nil {
		// Logged by the caller via the returned error path in NewWithError
		// would be preferable, but every caller in this codebase treats a
		// grimoire log-file failure as non-fatal per spec.md §7 ("sink
		// initialization failure... others continue"); match that here by
		// falling back to a log-disabled engine rather than a nil Controller.
		logger.Warn("controller: grimoire log file unavailable, matching continues without a match log",
			slog.Any("error", err))
		grimoireEng, _ = grimoire.New(patterns, binaries, cfg.Grimoire.Enforce, cfg.Grimoire.Debug, "", logger)
	}

	c := &Controller{
		cfg:          cfg,
		logger:       logger,
		source:       source,
		baselineSt:   baselineSt,
		detector:     anomaly.NewDetector(baselineSt, cfg.Detection.ThresholdSigma),
		alertQueue:   anomaly.NewAlertQueue(cfg.Detection.AlertsPerMinute, cfg.Detection.Burst),
		correlation:  corrEngine,
		grimoireEng:  grimoireEng,
		binaries:     binaries,
		patterns:     patterns,
		pendingOpens: make(map[uint32]pendingOpen),
		seenPids:     make(map[uint32]struct{}),
		recentAlerts: newRecentAlertRing(recentAlertsCapacity),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run executes the single-threaded hot loop until ctx is cancelled or the
// configured duration elapses. It returns nil on a clean stop; a non-nil
// error indicates a fatal startup condition (unable to restrict kernel
// emission to the monitored syscall set).
func (c *Controller) Run(ctx context.Context) error {
	c.startTime = time.Now()
	c.lastBaselineSave = c.startTime

	if !c.cfg.Baseline.NoLoad {
		n, err := c.baselineSt.LoadAll(c.cfg.Baseline.Path)
		if err != nil {
			c.logger.Warn("controller: baseline load failed", slog.Any("error", err))
		} else if n > 0 {
			c.logger.Info("controller: loaded baselines", slog.Int("pids", n))
		}
	}

	monitored := monitoredSyscalls(c.patterns, c.correlation != nil)
	if err := c.source.SetMonitoredSyscalls(monitored); err != nil {
		return fmt.Errorf("controller: set monitored syscalls: %w", err)
	}

	lastScrape := c.startTime
	var durationLimit time.Duration
	if c.cfg.DurationSeconds > 0 {
		durationLimit = time.Duration(c.cfg.DurationSeconds) * time.Second
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		evt, ok, err := c.source.PollEvent(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Warn("controller: poll event failed", slog.Any("error", err))
		} else if ok && (c.cfg.AttachPID == 0 || evt.PID == c.cfg.AttachPID) {
			c.handleSyscallEvent(ctx, evt)
		}

		now := time.Now()
		if now.Sub(lastScrape) >= time.Second {
			c.scrapeTick(ctx, now)
			lastScrape = now
		}

		if durationLimit > 0 && now.Sub(c.startTime) >= durationLimit {
			return nil
		}
	}
}

// handleSyscallEvent runs the Correlation Engine and then the Grimoire
// Engine against evt, in that order, per spec.md §5's "in sequence"
// requirement, dispatching any alerts either produces to the router.
func (c *Controller) handleSyscallEvent(ctx context.Context, evt eventsource.SyscallEvent) {
	c.trackPid(evt.PID)

	if c.correlation != nil {
		if a := c.dispatchCorrelation(evt); a != nil {
			c.emit(ctx, *a)
		}
	}

	matches := c.grimoireEng.HandleEvent(grimoire.Event{
		TimestampNs: evt.TimestampNs,
		PID:         evt.PID,
		SyscallNr:   evt.SyscallNr,
		Args:        evt.Args,
	})
	for _, a := range matches {
		c.emit(ctx, a)
	}
}

// scrapeTick copies the kernel statistics map and feeds each sample to the
// Baseline Store (while learning) or the Anomaly Detector (once learned),
// then periodically persists baselines and reaps exited pids.
func (c *Controller) scrapeTick(ctx context.Context, now time.Time) {
	samples, err := c.source.ScrapeStats(ctx)
	if err != nil {
		c.logger.Warn("controller: scrape stats failed", slog.Any("error", err))
		return
	}

	for _, s := range samples {
		if c.cfg.AttachPID != 0 && s.PID != c.cfg.AttachPID {
			continue
		}
		c.trackPid(s.PID)
		if a := c.detector.Observe(now, s.PID, s.SyscallNr, s.Count); a != nil && !c.cfg.Detection.NoDetection {
			c.emit(ctx, *a)
		}
	}

	saveInterval := time.Duration(c.cfg.Baseline.SaveIntervalSeconds) * time.Second
	if saveInterval > 0 && now.Sub(c.lastBaselineSave) >= saveInterval {
		if err := c.baselineSt.SaveAll(c.cfg.Baseline.Path); err != nil {
			c.logger.Warn("controller: baseline save failed", slog.Any("error", err))
		}
		c.lastBaselineSave = now
	}

	c.reapExitedPids()
}

// emit applies the shared token-bucket AlertQueue and, if the alert is
// admitted, dispatches it to the router and the live feed. Per-source
// counters are updated unconditionally so dropped alerts still show up in
// the admitted-vs-dropped accounting exposed by Stats.
func (c *Controller) emit(ctx context.Context, a alert.Alert) {
	switch a.Source {
	case alert.SourceAnomaly:
		c.anomalyCount.Add(1)
	case alert.SourceCorrelation:
		c.correlationCount.Add(1)
	}

	if !c.alertQueue.Allow(time.Now()) {
		return
	}
	c.admitted.Add(1)
	c.recentAlerts.add(a)

	if c.rt != nil {
		c.rt.Send(ctx, a)
	}
	if c.livefeedBC != nil {
		c.livefeedBC.Publish(a)
	}
}

func (c *Controller) trackPid(pid uint32) {
	if pid != 0 {
		c.seenPids[pid] = struct{}{}
	}
}

// reapExitedPids implements the "lazy form" of the process-exit contract
// from spec.md §6: since no exit tracepoint is wired, a pid's /proc entry is
// checked for existence and its per-engine state evicted once it is gone.
func (c *Controller) reapExitedPids() {
	for pid := range c.seenPids {
		if _, err := os.Stat("/proc/" + strconv.FormatUint(uint64(pid), 10)); err == nil {
			continue
		}
		c.baselineSt.Forget(pid)
		if c.correlation != nil {
			c.correlation.Forget(pid)
		}
		c.grimoireEng.Forget(pid)
		delete(c.pendingOpens, pid)
		delete(c.seenPids, pid)
	}
}

// monitoredSyscalls computes the union of syscall numbers the Grimoire
// pattern database and (if enabled) the Correlation Engine need observed.
func monitoredSyscalls(patterns []grimoire.Pattern, correlationEnabled bool) []uint32 {
	nrs := grimoire.MonitoredSyscalls(patterns)
	if !correlationEnabled {
		return nrs
	}
	seen := make(map[uint32]bool, len(nrs)+len(correlationSyscalls))
	for _, nr := range nrs {
		seen[nr] = true
	}
	for _, nr := range correlationSyscalls {
		seen[nr] = true
	}
	out := make([]uint32, 0, len(seen))
	for nr := range seen {
		out = append(out, nr)
	}
	return out
}

// Shutdown drains the controller's ancillary components in bounded time:
// the HTTP servers, the router (which flushes and closes every sink), any
// registered extra closers, a final baseline save, and the Grimoire match
// log. Per spec.md §4.1, shutdown must complete in bounded time even if a
// sink is unreachable; the router caps each sink's flush and close at its
// per-sink timeout, and Shutdown's own ctx bounds the HTTP server drains and
// the router flush as a whole.
func (c *Controller) Shutdown(ctx context.Context) error {
	if c.apiServer != nil {
		if err := c.apiServer.Shutdown(ctx); err != nil {
			c.logger.Warn("controller: api server shutdown error", slog.Any("error", err))
		}
	}
	if c.livefeedServer != nil {
		if err := c.livefeedServer.Shutdown(ctx); err != nil {
			c.logger.Warn("controller: livefeed server shutdown error", slog.Any("error", err))
		}
	}
	if c.livefeedBC != nil {
		c.livefeedBC.Close()
	}

	if c.rt != nil {
		if err := c.rt.Flush(ctx); err != nil {
			c.logger.Warn("controller: sink flush error", slog.Any("error", err))
		}
		if err := c.rt.Close(); err != nil {
			c.logger.Warn("controller: sink close error", slog.Any("error", err))
		}
	}

	for _, cl := range c.extraClosers {
		if err := cl.Close(); err != nil {
			c.logger.Warn("controller: closer error", slog.Any("error", err))
		}
	}

	if err := c.baselineSt.SaveAll(c.cfg.Baseline.Path); err != nil {
		c.logger.Warn("controller: final baseline save failed", slog.Any("error", err))
	}

	if err := c.grimoireEng.Close(); err != nil {
		c.logger.Warn("controller: grimoire log close error", slog.Any("error", err))
	}

	return c.source.Close()
}
