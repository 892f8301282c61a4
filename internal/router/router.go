// Package router fans out alerts emitted by the Baseline/Anomaly,
// Correlation, and Grimoire engines to every configured sink. It is modeled
// directly on the teacher's Agent orchestrator: a single dispatch call feeds
// a fixed, ordered list of components, and a failure in any one of them is
// isolated, logged, and counted rather than allowed to block the others.
package router

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tripwire/sentinel/internal/alert"
)

// Sink is implemented by every alert destination (syslog, JSON file, auditd,
// Prometheus, webhook, the tamper-evident audit log, the Postgres archive,
// and the gRPC forward sink). Router.Send and Router.Flush pass each sink a
// context carrying the router's per-sink timeout; a sink applies that
// deadline to whichever part of its work is a blocking network call.
type Sink interface {
	Name() string
	Send(ctx context.Context, a alert.Alert) error
	Flush(ctx context.Context) error
	Close() error
}

// DefaultSinkTimeout bounds a single sink's Send call, per spec.md §5's
// "sink operations have per-call timeouts (default 2s)".
const DefaultSinkTimeout = 2 * time.Second

// Router dispatches alerts to every registered sink in registration order.
// Sinks are invoked synchronously and sequentially, matching spec.md §5's
// single-threaded cooperative model: the router never spawns a goroutine per
// sink, so two sinks racing to write shared state (e.g. two webhook sinks
// sharing a connection pool) is not a concern this package needs to handle.
type Router struct {
	logger *slog.Logger
	timeout time.Duration

	mu     sync.Mutex
	sinks  []Sink
	errors map[string]uint64
}

// New creates an empty Router. Sinks are added with Register in the order
// they should be invoked.
func New(logger *slog.Logger, timeout time.Duration) *Router {
	if timeout <= 0 {
		timeout = DefaultSinkTimeout
	}
	return &Router{
		logger:  logger,
		timeout: timeout,
		errors:  make(map[string]uint64),
	}
}

// Register appends a sink to the dispatch list.
func (r *Router) Register(s Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinks = append(r.sinks, s)
}

// Send dispatches a to every registered sink in registration order. A sink
// that errors or times out is logged and its error counter incremented;
// dispatch continues to the remaining sinks regardless.
func (r *Router) Send(ctx context.Context, a alert.Alert) {
	r.mu.Lock()
	sinks := make([]Sink, len(r.sinks))
	copy(sinks, r.sinks)
	r.mu.Unlock()

	for _, s := range sinks {
		sendCtx, cancel := context.WithTimeout(ctx, r.timeout)
		err := s.Send(sendCtx, a)
		cancel()
		if err != nil {
			r.recordError(s.Name())
			r.logger.Warn("alert sink failed",
				slog.String("sink", s.Name()),
				slog.String("alert_id", a.ID.String()),
				slog.Any("error", err))
		}
	}
}

func (r *Router) recordError(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors[name]++
}

// SinkErrors returns a snapshot of each sink's cumulative error count,
// keyed by sink name, for the stats API and for tests.
func (r *Router) SinkErrors() map[string]uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]uint64, len(r.errors))
	for k, v := range r.errors {
		out[k] = v
	}
	return out
}

// Flush flushes every sink, collecting but not stopping on individual
// errors, and returns the first error encountered (if any) after every sink
// has had a chance to flush.
func (r *Router) Flush(ctx context.Context) error {
	r.mu.Lock()
	sinks := make([]Sink, len(r.sinks))
	copy(sinks, r.sinks)
	r.mu.Unlock()

	var firstErr error
	for _, s := range sinks {
		flushCtx, cancel := context.WithTimeout(ctx, r.timeout)
		err := s.Flush(flushCtx)
		cancel()
		if err != nil {
			r.recordError(s.Name())
			r.logger.Warn("sink flush failed", slog.String("sink", s.Name()), slog.Any("error", err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Close closes every sink, bounding each close to the router's per-sink
// timeout so shutdown completes in bounded time even if a sink is
// unreachable, per spec.md §4.1's shutdown contract.
func (r *Router) Close() error {
	r.mu.Lock()
	sinks := make([]Sink, len(r.sinks))
	copy(sinks, r.sinks)
	r.mu.Unlock()

	var firstErr error
	for _, s := range sinks {
		done := make(chan error, 1)
		go func(s Sink) { done <- s.Close() }(s)
		select {
		case err := <-done:
			if err != nil && firstErr == nil {
				firstErr = err
			}
		case <-time.After(r.timeout):
			r.logger.Warn("sink close timed out", slog.String("sink", s.Name()))
		}
	}
	return firstErr
}
