package grimoire

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/tripwire/sentinel/internal/alert"
	"github.com/tripwire/sentinel/internal/procinfo"
)

// Event is the subset of a SyscallEvent the Grimoire matcher needs.
type Event struct {
	TimestampNs uint64
	PID         uint32
	SyscallNr   uint32
	Args        [6]uint64
}

// MatchResult is emitted when a pattern completes for a pid.
type MatchResult struct {
	Pattern Pattern
	PID     uint32
	Timestamp uint64
}

// Engine holds the hot-tier pattern database and all live per-(pid,pattern)
// match state. It is driven exclusively by the controller's single
// processing goroutine and carries no internal locking on the hot path; the
// mutex guards only the append-only log file, which the shutdown path also
// touches.
type Engine struct {
	patterns []Pattern
	binaries *procinfo.BinaryCache

	states map[patternKey]*MatchState

	syscallCount map[uint32]uint64

	enforce bool
	debug   bool
	logger  *slog.Logger

	logMu  sync.Mutex
	logFile *os.File

	totalMatches      uint64
	matchesBySeverity map[alert.Severity]uint64
}

// New creates an Engine with the given hot-tier patterns. logPath (and its
// directory) is created if absent and opened append-only here in New; an
// empty logPath disables the match log.
func New(patterns []Pattern, binaries *procinfo.BinaryCache, enforce, debug bool, logPath string, logger *slog.Logger) (*Engine, error) {
	e := &Engine{
		patterns:          patterns,
		binaries:          binaries,
		states:            make(map[patternKey]*MatchState),
		syscallCount:      make(map[uint32]uint64),
		enforce:           enforce,
		debug:             debug,
		logger:            logger,
		matchesBySeverity: make(map[alert.Severity]uint64),
	}

	if logPath != "" {
		if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
			return nil, fmt.Errorf("grimoire: create log dir: %w", err)
		}
		f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("grimoire: open log file: %w", err)
		}
		e.logFile = f
	}

	return e, nil
}

// Close flushes and closes the match log file.
func (e *Engine) Close() error {
	if e.logFile == nil {
		return nil
	}
	e.logMu.Lock()
	defer e.logMu.Unlock()
	if err := e.logFile.Sync(); err != nil {
		return err
	}
	return e.logFile.Close()
}

// matchLogEntry is one JSON line written for every completed match.
type matchLogEntry struct {
	TimestampNs     uint64 `json:"timestamp_ns"`
	PatternIDHash   string `json:"pattern_id_hash"`
	PatternName     string `json:"pattern_name"`
	Severity        alert.Severity `json:"severity"`
	PID             uint32 `json:"pid"`
	Action          string `json:"action"`
}

// HandleEvent runs the per-syscall algorithm across every enabled pattern
// and returns the alerts produced by any pattern completions. Multiple
// patterns may complete on the same event; each produces an independent
// alert, in pattern array order.
func (e *Engine) HandleEvent(evt Event) []alert.Alert {
	e.syscallCount[evt.PID]++
	count := e.syscallCount[evt.PID]

	var alerts []alert.Alert

	for _, pattern := range e.patterns {
		if !pattern.Enabled {
			continue
		}
		if len(pattern.WhitelistedBinaries) > 0 {
			basename := e.binaries.Basename(evt.PID)
			if pattern.IsWhitelisted(basename) {
				continue
			}
		}

		key := patternKey{pid: evt.PID, idHash: pattern.IDHash}
		state, ok := e.states[key]
		if !ok {
			state = &MatchState{}
			e.states[key] = state
		}

		if state.CurrentStep > 0 && pattern.MaxSequenceWindowMs > 0 {
			elapsedMs := (evt.TimestampNs - state.SequenceStartNs) / 1_000_000
			if elapsedMs > pattern.MaxSequenceWindowMs {
				state.reset()
			}
		}

		step := pattern.Steps[state.CurrentStep]

		if !step.matches(evt.SyscallNr) {
			continue
		}

		if state.CurrentStep > 0 && step.MaxTimeDeltaUs > 0 {
			deltaUs := (evt.TimestampNs - state.LastStepNs) / 1000
			if deltaUs > step.MaxTimeDeltaUs {
				state.reset()
				continue
			}
		}

		if state.CurrentStep > 0 && step.MaxStepDistance > 0 {
			if count-state.LastStepSyscallCount > step.MaxStepDistance {
				state.reset()
				continue
			}
		}

		if !e.evaluateArgConstraints(evt, step) {
			state.reset()
			continue
		}

		if state.CurrentStep == 0 {
			state.SequenceStartNs = evt.TimestampNs
		}
		state.LastStepNs = evt.TimestampNs
		state.LastStepSyscallCount = count
		state.CurrentStep++

		if state.CurrentStep == len(pattern.Steps) {
			alerts = append(alerts, e.completeMatch(pattern, evt))
			state.reset()
		}
	}

	return alerts
}

// evaluateArgConstraints checks every configured constraint on step against
// evt's arguments. A read failure on a string constraint is treated as
// constraint-false, never as a crash.
func (e *Engine) evaluateArgConstraints(evt Event, step PatternStep) bool {
	for _, c := range step.ArgConstraints {
		if c.ArgIndex < 0 || c.ArgIndex > 5 {
			return false
		}
		argVal := evt.Args[c.ArgIndex]

		if c.Type.isStringConstraint() {
			maxLen := c.StringMaxBytes
			if maxLen == 0 {
				maxLen = 64
			}
			data, err := readPeerString(evt.PID, argVal, maxLen)
			if err != nil {
				return false
			}
			if !evaluateStringConstraint(c, data) {
				return false
			}
			continue
		}

		if !evaluateNumericConstraint(c, argVal) {
			return false
		}
	}
	return true
}

func evaluateNumericConstraint(c ArgConstraint, v uint64) bool {
	switch c.Type {
	case ConstraintAny:
		return true
	case ConstraintEquals:
		return v == c.NumericValue
	case ConstraintNotEquals:
		return v != c.NumericValue
	case ConstraintGreaterThan:
		return v > c.NumericValue
	case ConstraintLessThan:
		return v < c.NumericValue
	case ConstraintBitmaskSet:
		return v&c.NumericValue == c.NumericValue
	case ConstraintBitmaskClear:
		return v&c.NumericValue == 0
	default:
		return false
	}
}

func evaluateStringConstraint(c ArgConstraint, data []byte) bool {
	want := []byte(c.StringValue)
	switch c.Type {
	case ConstraintStrEquals:
		return bytes.Equal(data, want)
	case ConstraintStrPrefix:
		return bytes.HasPrefix(data, want)
	case ConstraintStrSuffix:
		return bytes.HasSuffix(data, want)
	case ConstraintStrContains:
		return bytes.Contains(data, want)
	default:
		return false
	}
}

// completeMatch records a full pattern match: updates counters, writes the
// log line, enforces (SIGKILL) when configured and the severity warrants it,
// and returns the Alert.
func (e *Engine) completeMatch(pattern Pattern, evt Event) alert.Alert {
	e.totalMatches++
	e.matchesBySeverity[pattern.Severity]++

	action := "logged"
	if e.enforce && pattern.Severity == alert.SeverityCritical {
		if err := syscall.Kill(int(evt.PID), syscall.SIGKILL); err != nil {
			e.logger.Warn("grimoire: failed to terminate matched process",
				slog.Uint64("pid", uint64(evt.PID)),
				slog.String("pattern", pattern.Name),
				slog.Any("error", err))
		} else {
			action = "terminated"
		}
	}

	e.writeMatchLog(matchLogEntry{
		TimestampNs:   evt.TimestampNs,
		PatternIDHash: fmt.Sprintf("%016x", pattern.IDHash),
		PatternName:   pattern.Name,
		Severity:      pattern.Severity,
		PID:           evt.PID,
		Action:        action,
	})

	a := alert.New(alert.SourceGrimoire, pattern.Severity, alert.KindGrimoire, evt.PID,
		fmt.Sprintf("behavioral pattern %q matched", pattern.Name))
	a.Detail = map[string]any{
		"pattern_name":    pattern.Name,
		"pattern_id_hash": fmt.Sprintf("%016x", pattern.IDHash),
		"action":          action,
	}
	return a
}

// writeMatchLog appends one JSON line. Never fsynced on this hot path;
// Close flushes at shutdown. A write failure is logged, not propagated —
// the engine must keep matching even if its log file becomes unwritable.
func (e *Engine) writeMatchLog(entry matchLogEntry) {
	if e.logFile == nil {
		return
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	data = append(data, '\n')

	e.logMu.Lock()
	defer e.logMu.Unlock()
	if _, err := e.logFile.Write(data); err != nil && e.logger != nil {
		e.logger.Warn("grimoire: failed to write match log", slog.Any("error", err))
	}
}

// Forget drops syscall-count and match-state tracking for pid, called when
// the controller observes the process has exited.
func (e *Engine) Forget(pid uint32) {
	delete(e.syscallCount, pid)
	for key := range e.states {
		if key.pid == pid {
			delete(e.states, key)
		}
	}
	e.binaries.Forget(pid)
}

// Stats returns the running total match count and per-severity breakdown,
// for the Prometheus sink.
func (e *Engine) Stats() (total uint64, bySeverity map[alert.Severity]uint64) {
	snapshot := make(map[alert.Severity]uint64, len(e.matchesBySeverity))
	for k, v := range e.matchesBySeverity {
		snapshot[k] = v
	}
	return e.totalMatches, snapshot
}
