// Package eventsource loads the kernel-side BPF program that traces raw
// syscall entry, and exposes the resulting per-CPU ring buffer and
// statistics map to the controller as a generic syscall event stream.
//
// All BPF operations use raw Linux syscalls, matching the teacher's loader:
// this package requires no dependency beyond the Go standard library.
package eventsource

import (
	"context"
	"errors"
)

// ErrAttach and ErrMapsMissing classify Open's startup failures so callers
// can map them to the CLI's distinct exit codes: attaching the tracepoint
// failed, versus the BPF object's maps could not be created or located.
// Wrap one of these with %w rather than returning it bare, so the
// underlying syscall/ELF error is preserved for logging.
var (
	ErrAttach      = errors.New("eventsource: failed to attach event source")
	ErrMapsMissing = errors.New("eventsource: failed to locate required maps")
)

// SyscallEvent is one record pulled off the kernel ring buffer. Lifetime:
// produced by the kernel, consumed exactly once by the controller's
// dispatcher, then dropped.
type SyscallEvent struct {
	TimestampNs uint64
	PID         uint32
	SyscallNr   uint32
	Args        [6]uint64
}

// StatsSample is one (pid, syscall_nr) -> count entry copied from the
// kernel statistics map during a scrape tick.
type StatsSample struct {
	PID       uint32
	SyscallNr uint32
	Count     uint64
}

// Source is the controller's view of the kernel event source: a ring-buffer
// poller for per-event Grimoire/Correlation dispatch, and a periodic scrape
// of the kernel-side syscall counters for the Baseline/Anomaly path.
type Source interface {
	// PollEvent blocks for up to the source's configured poll timeout and
	// returns the next ring-buffer record, or ok=false on timeout (not an
	// error — the caller should just poll again).
	PollEvent(ctx context.Context) (evt SyscallEvent, ok bool, err error)

	// ScrapeStats copies the entire kernel statistics map.
	ScrapeStats(ctx context.Context) ([]StatsSample, error)

	// SetMonitoredSyscalls restricts kernel-side emission of full argument
	// records (the ring buffer) to the given syscall numbers; statistics
	// increments are unaffected and continue to fire for every syscall.
	SetMonitoredSyscalls(nrs []uint32) error

	// DroppedSamples returns the kernel ring buffer's cumulative
	// overflow/loss counter, surfaced by the Prometheus sink.
	DroppedSamples() uint64

	// Close detaches the tracepoint, closes the ring buffer, and releases
	// all BPF file descriptors.
	Close() error
}
