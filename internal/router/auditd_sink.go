package router

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/tripwire/sentinel/internal/alert"
)

// AuditdSink writes one USER_AVC-formatted line per alert to the auditd
// Unix socket, per spec.md §4.6. The message counter in the audit(...) field
// is a monotonically increasing sequence local to this sink, matching the
// "msg=audit(<ts>.000:<seq>)" shape auditd itself produces.
type AuditdSink struct {
	sockPath string

	mu   sync.Mutex
	conn net.Conn
	seq  uint64
}

// NewAuditdSink constructs a sink that lazily dials sockPath (typically
// /var/run/audit/audit.sock or an equivalent Unix domain socket) on first
// Send.
func NewAuditdSink(sockPath string) *AuditdSink {
	return &AuditdSink{sockPath: sockPath}
}

func (s *AuditdSink) Name() string { return "auditd" }

func (s *AuditdSink) dial(ctx context.Context) (net.Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return s.conn, nil
	}
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "unixgram", s.sockPath)
	if err != nil {
		return nil, fmt.Errorf("auditd: dial %q: %w", s.sockPath, err)
	}
	s.conn = conn
	return conn, nil
}

func (s *AuditdSink) Send(ctx context.Context, a alert.Alert) error {
	conn, err := s.dial(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.seq++
	seq := s.seq
	s.mu.Unlock()

	line := fmt.Sprintf("type=USER_AVC msg=audit(%d.000:%d): zig_sentinel anomaly_type=%s severity=%s pid=%d syscall=%d z_score=%.2f\n",
		a.Timestamp.Unix(), seq, a.Kind, a.Severity, a.PID, a.SyscallNr, a.ZScore)

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	} else {
		_ = conn.SetWriteDeadline(time.Now().Add(DefaultSinkTimeout))
	}

	if _, err := conn.Write([]byte(line)); err != nil {
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
		return fmt.Errorf("auditd: write: %w", err)
	}
	return nil
}

func (s *AuditdSink) Flush(ctx context.Context) error { return nil }

func (s *AuditdSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}
