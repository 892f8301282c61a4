package router

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/tripwire/sentinel/internal/alert"
)

// severityNumeric maps an alert.Severity onto the RFC 5424 severity number
// used in the PRI field, per spec.md §4.6.
var severityNumeric = map[alert.Severity]int{
	alert.SeverityDebug:    7,
	alert.SeverityInfo:     6,
	alert.SeverityWarning:  4,
	alert.SeverityHigh:     3,
	alert.SeverityCritical: 2,
}

// SyslogSink writes RFC 5424 lines to a syslog daemon over UDP or TCP.
// Connection is lazy: the first Send dials, and a dial failure degrades the
// sink rather than blocking the router forever.
type SyslogSink struct {
	network  string // "udp" or "tcp"
	addr     string
	facility int
	appName  string
	hostname string

	mu   sync.Mutex
	conn net.Conn
}

// NewSyslogSink constructs a sink that dials addr lazily on first Send.
// network is "udp" or "tcp"; facility is the RFC 5424 facility number
// (commonly 1, "user-level messages").
func NewSyslogSink(network, addr string, facility int) *SyslogSink {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "-"
	}
	return &SyslogSink{
		network:  network,
		addr:     addr,
		facility: facility,
		appName:  "zig_sentinel",
		hostname: hostname,
	}
}

func (s *SyslogSink) Name() string { return "syslog" }

func (s *SyslogSink) dial(ctx context.Context) (net.Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return s.conn, nil
	}
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, s.network, s.addr)
	if err != nil {
		return nil, fmt.Errorf("syslog: dial %s %s: %w", s.network, s.addr, err)
	}
	s.conn = conn
	return conn, nil
}

// Send formats a as one RFC 5424 line and writes it to the syslog
// connection, dialing lazily if not yet connected. A write failure drops the
// connection so the next Send redials.
func (s *SyslogSink) Send(ctx context.Context, a alert.Alert) error {
	conn, err := s.dial(ctx)
	if err != nil {
		return err
	}

	pri := s.facility*8 + severityNumeric[a.Severity]
	line := fmt.Sprintf("<%d>1 - %s %s %d - - %s\n", pri, s.hostname, s.appName, a.PID, a.Message)

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	} else {
		_ = conn.SetWriteDeadline(time.Now().Add(DefaultSinkTimeout))
	}

	if _, err := conn.Write([]byte(line)); err != nil {
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
		return fmt.Errorf("syslog: write: %w", err)
	}
	return nil
}

// Flush is a no-op: syslog writes are unbuffered at this layer.
func (s *SyslogSink) Flush(ctx context.Context) error { return nil }

func (s *SyslogSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}
