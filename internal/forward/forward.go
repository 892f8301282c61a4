// Package forward implements the mTLS gRPC alert-forwarding sink: it
// streams each alert's JSON encoding to a remote collector over a
// client-streaming RPC, reconnecting with exponential backoff whenever the
// connection drops. It is grounded on the teacher's GRPCTransport lifecycle
// (Start/Send/Stop, a dedicated connect loop, backoff reset on a successful
// connection) applied to a single outbound alert stream instead of a
// bidirectional agent-registration protocol.
package forward

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/tripwire/sentinel/internal/alert"
)

const (
	defaultInitialBackoff = 1 * time.Second
	defaultMaxBackoff     = 2 * time.Minute
	defaultDialTimeout    = 10 * time.Second
)

// Config holds the mTLS and reconnection parameters for the forward sink.
type Config struct {
	// CollectorAddr is the "host:port" of the remote alert collector.
	CollectorAddr string

	// CertPath, KeyPath are the PEM-encoded client certificate/key this
	// host presents to the collector.
	CertPath string
	KeyPath  string

	// CAPath is the PEM-encoded CA certificate used to verify the
	// collector's server certificate.
	CAPath string

	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	DialTimeout    time.Duration
}

func (c *Config) applyDefaults() {
	if c.InitialBackoff == 0 {
		c.InitialBackoff = defaultInitialBackoff
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = defaultMaxBackoff
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = defaultDialTimeout
	}
}

// Sink streams alerts to a remote collector, implementing router.Sink.
type Sink struct {
	cfg    Config
	logger *slog.Logger
	creds  credentials.TransportCredentials

	mu     sync.RWMutex
	stream AlertForward_StreamAlertsClient

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a forward Sink and starts its background connect loop.
// It returns an error only if the TLS material cannot be loaded from disk;
// connectivity failures thereafter are retried internally.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Sink, error) {
	cfg.applyDefaults()
	creds, err := loadTLSCredentials(cfg)
	if err != nil {
		return nil, fmt.Errorf("forward: %w", err)
	}

	s := &Sink{cfg: cfg, logger: logger, creds: creds}

	connCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)
	go s.connectLoop(connCtx)

	return s, nil
}

func loadTLSCredentials(cfg Config) (credentials.TransportCredentials, error) {
	cert, err := tls.LoadX509KeyPair(cfg.CertPath, cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("load client keypair: %w", err)
	}

	caCert, err := os.ReadFile(cfg.CAPath)
	if err != nil {
		return nil, fmt.Errorf("read CA cert: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("parse CA cert %q", cfg.CAPath)
	}

	return credentials.NewTLS(&tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
		MinVersion:   tls.VersionTLS12,
	}), nil
}

func (s *Sink) Name() string { return "grpc_forward" }

// Send enqueues a onto the active stream. It returns an error (rather than
// blocking) when no connection is currently established; internal/
// deliveryqueue is responsible for retrying in that case.
func (s *Sink) Send(ctx context.Context, a alert.Alert) error {
	s.mu.RLock()
	stream := s.stream
	s.mu.RUnlock()

	if stream == nil {
		return fmt.Errorf("forward: not connected to %s", s.cfg.CollectorAddr)
	}

	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("forward: marshal alert: %w", err)
	}
	if err := stream.Send(wrapperspb.Bytes(payload)); err != nil {
		return fmt.Errorf("forward: send: %w", err)
	}
	return nil
}

func (s *Sink) Flush(ctx context.Context) error { return nil }

func (s *Sink) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	return nil
}

func (s *Sink) connectLoop(ctx context.Context) {
	defer s.wg.Done()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.InitialBackoff
	b.MaxInterval = s.cfg.MaxBackoff
	b.MaxElapsedTime = 0
	b.Reset()

	for {
		if ctx.Err() != nil {
			return
		}

		s.logger.Info("forward: connecting to collector", slog.String("addr", s.cfg.CollectorAddr))
		wasConnected, err := s.connect(ctx)

		if ctx.Err() != nil {
			return
		}
		if wasConnected {
			b.Reset()
		}
		if err != nil {
			s.logger.Warn("forward: connection ended", slog.Any("error", err))
		}

		wait := b.NextBackOff()
		if wait == backoff.Stop {
			s.logger.Error("forward: backoff exhausted; giving up")
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (s *Sink) connect(ctx context.Context) (wasConnected bool, err error) {
	conn, err := grpc.NewClient(s.cfg.CollectorAddr, grpc.WithTransportCredentials(s.creds))
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", s.cfg.CollectorAddr, err)
	}
	defer conn.Close()

	client := NewAlertForwardClient(conn)

	dialCtx, dialCancel := context.WithTimeout(ctx, s.cfg.DialTimeout)
	stream, err := client.StreamAlerts(dialCtx)
	dialCancel()
	if err != nil {
		return false, fmt.Errorf("open stream: %w", err)
	}

	s.mu.Lock()
	s.stream = stream
	s.mu.Unlock()
	wasConnected = true

	defer func() {
		s.mu.Lock()
		s.stream = nil
		s.mu.Unlock()
	}()

	<-ctx.Done()
	return wasConnected, ctx.Err()
}
