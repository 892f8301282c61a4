// Package correlation implements the exfiltration-sequence correlation
// engine: a per-pid state machine, scored incrementally as a process opens
// an outbound socket, reads a sensitive file, and writes data back out over
// that socket, raising an alert once the accumulated score crosses a
// threshold.
package correlation

import (
	"strings"
	"time"

	"github.com/tripwire/sentinel/internal/alert"
)

// Stage is a correlation FSM state.
type Stage int

const (
	StageIdle Stage = iota
	StageNetworkOpened
	StageFileRead
	StageDataSent
)

// sensitivePatterns are substrings of a path that mark it as worth tracking
// toward an exfiltration sequence.
var sensitivePatterns = []string{
	"/.ssh/",
	"/.aws/",
	"/etc/passwd",
	"/etc/shadow",
	"/etc/ssh/",
	".ssh/id_rsa",
	".ssh/id_ed25519",
	".ssh/id_ecdsa",
	".aws/credentials",
	".env",
	".npmrc",
	".gitconfig",
	".docker/config.json",
	".kube/config",
}

// isSensitive reports whether path matches any of the configured sensitive
// patterns.
func isSensitive(path string) bool {
	for _, p := range sensitivePatterns {
		if strings.Contains(path, p) {
			return true
		}
	}
	return false
}

// readEntry tracks one open file descriptor's read activity within a
// sequence.
type readEntry struct {
	path      string
	bytesRead int
	sensitive bool
}

// socketEntry tracks one open socket's remote address, once known.
type socketEntry struct {
	remoteIP   string
	remotePort uint16
}

// processState tracks one pid's progress through the exfiltration FSM.
type processState struct {
	stage         Stage
	sequenceStart time.Time
	score         int

	openSockets map[int]*socketEntry
	recentReads map[int]*readEntry

	totalSensitiveBytesRead int
}

func newProcessState() *processState {
	return &processState{
		stage:       StageIdle,
		openSockets: make(map[int]*socketEntry),
		recentReads: make(map[int]*readEntry),
	}
}

// Config holds the tunables read from internal/config.CorrelationConfig.
type Config struct {
	TimeoutMs     int
	MinExfilBytes int
	AlertThreshold int // default 100 when zero
	AutoTerminate bool
}

// Engine owns per-pid FSM state. Like baseline.Store, it is driven entirely
// from the controller's single processing goroutine and carries no internal
// locking.
type Engine struct {
	states map[uint32]*processState

	timeout        time.Duration
	minExfilBytes  int
	alertThreshold int
	autoTerminate  bool
}

// NewEngine creates a correlation Engine.
func NewEngine(cfg Config) *Engine {
	threshold := cfg.AlertThreshold
	if threshold == 0 {
		threshold = 100
	}
	return &Engine{
		states:         make(map[uint32]*processState),
		timeout:        time.Duration(cfg.TimeoutMs) * time.Millisecond,
		minExfilBytes:  cfg.MinExfilBytes,
		alertThreshold: threshold,
		autoTerminate:  cfg.AutoTerminate,
	}
}

// stateFor returns the FSM state for pid, creating it if absent and
// resetting it first if more than the timeout has elapsed since its sequence
// started.
func (e *Engine) stateFor(pid uint32, now time.Time) *processState {
	st, ok := e.states[pid]
	if !ok {
		st = newProcessState()
		e.states[pid] = st
		return st
	}
	if st.stage != StageIdle && !st.sequenceStart.IsZero() && now.Sub(st.sequenceStart) > e.timeout {
		*st = *newProcessState()
	}
	return st
}

// OnSocket handles a socket(2) observation: idle -> network_opened, +30,
// recording fd in open_sockets and starting the sequence clock.
func (e *Engine) OnSocket(pid uint32, now time.Time, fd int) {
	st := e.stateFor(pid, now)
	st.openSockets[fd] = &socketEntry{}
	if st.stage == StageIdle {
		st.stage = StageNetworkOpened
		st.sequenceStart = now
		st.score += 30
	}
}

// private network ranges per RFC 1918 plus loopback, checked as simple
// prefix tests against a dotted-quad string (the event source hands us the
// address already formatted this way).
func isPrivateIP(ip string) bool {
	switch {
	case strings.HasPrefix(ip, "127."):
		return true
	case strings.HasPrefix(ip, "10."):
		return true
	case strings.HasPrefix(ip, "192.168."):
		return true
	}
	if strings.HasPrefix(ip, "172.") {
		parts := strings.SplitN(ip, ".", 3)
		if len(parts) >= 2 {
			second := 0
			for _, c := range parts[1] {
				if c < '0' || c > '9' {
					second = -1
					break
				}
				second = second*10 + int(c-'0')
			}
			if second >= 16 && second <= 31 {
				return true
			}
		}
	}
	return false
}

// OnConnect handles connect(fd, ip, port): updates the socket's remote
// address and scores +20 if the remote address is non-private. The stage
// does not change here.
func (e *Engine) OnConnect(pid uint32, now time.Time, fd int, remoteIP string, remotePort uint16) {
	st := e.stateFor(pid, now)
	sock, ok := st.openSockets[fd]
	if !ok {
		sock = &socketEntry{}
		st.openSockets[fd] = sock
	}
	sock.remoteIP = remoteIP
	sock.remotePort = remotePort
	if !isPrivateIP(remoteIP) {
		st.score += 20
	}
}

// OnOpen handles open/openat: records the fd's path and sensitivity in
// recent_reads. If the path is sensitive, at least one socket is open, and
// the stage is network_opened, advances to file_read, scores +40, and
// returns a warning alert.
func (e *Engine) OnOpen(pid uint32, now time.Time, fd int, path string) *alert.Alert {
	st := e.stateFor(pid, now)
	sensitive := isSensitive(path)
	st.recentReads[fd] = &readEntry{path: path, sensitive: sensitive}

	if sensitive && len(st.openSockets) > 0 && st.stage == StageNetworkOpened {
		st.stage = StageFileRead
		st.score += 40

		a := alert.New(alert.SourceCorrelation, alert.SeverityWarning, alert.KindCorrelation, pid,
			"process opened a sensitive file while holding an open outbound socket")
		a.Detail = map[string]any{
			"path":  path,
			"fd":    fd,
			"score": st.score,
		}
		return &a
	}
	return nil
}

// OnRead handles read(fd, bytes): accumulates bytes into the matching
// recent_reads entry, tracking the running total of sensitive bytes read.
func (e *Engine) OnRead(pid uint32, now time.Time, fd int, bytesRead int) {
	st := e.stateFor(pid, now)
	entry, ok := st.recentReads[fd]
	if !ok {
		return
	}
	entry.bytesRead += bytesRead
	if entry.sensitive {
		st.totalSensitiveBytesRead += bytesRead
	}
}

// OnWrite handles write(fd, bytes) where fd is a known socket. Only
// meaningful while in file_read stage with at least one sensitive read on
// record; advances to data_sent, scores +30, and scores an additional +50
// if the write is large relative to the sensitive bytes read. Emits a
// critical alert and resets the sequence once the total score reaches the
// configured threshold.
func (e *Engine) OnWrite(pid uint32, now time.Time, fd int, bytesWritten int) *alert.Alert {
	st := e.stateFor(pid, now)
	if _, isSocket := st.openSockets[fd]; !isSocket {
		return nil
	}
	if st.stage != StageFileRead || st.totalSensitiveBytesRead == 0 {
		return nil
	}

	st.stage = StageDataSent
	st.score += 30

	if bytesWritten >= e.minExfilBytes || bytesWritten >= st.totalSensitiveBytesRead/2 {
		st.score += 50
	}

	if st.score < e.alertThreshold {
		return nil
	}

	a := alert.New(alert.SourceCorrelation, alert.SeverityCritical, alert.KindCorrelation, pid,
		"process exfiltrated sensitive file contents over an outbound connection")
	sock := st.openSockets[fd]
	a.Detail = map[string]any{
		"fd":                        fd,
		"remote_ip":                 sock.remoteIP,
		"remote_port":               sock.remotePort,
		"bytes_sent":                bytesWritten,
		"total_sensitive_bytes_read": st.totalSensitiveBytesRead,
		"score":                     st.score,
		"auto_terminate":            e.autoTerminate,
	}

	*st = *newProcessState()
	return &a
}

// OnClose handles close(fd): drops fd from open_sockets and recent_reads.
func (e *Engine) OnClose(pid uint32, now time.Time, fd int) {
	st := e.stateFor(pid, now)
	delete(st.openSockets, fd)
	delete(st.recentReads, fd)
}

// AutoTerminate reports whether the engine is configured to request
// termination of processes that complete the exfiltration sequence. The
// controller performs the actual kill(2) call; the engine only recommends it.
func (e *Engine) AutoTerminate() bool {
	return e.autoTerminate
}

// Forget drops FSM state for pid, called when the controller observes the
// process has exited.
func (e *Engine) Forget(pid uint32) {
	delete(e.states, pid)
}
