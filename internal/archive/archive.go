// Package archive implements the Postgres-backed long-term alert archive:
// batched inserts via pgxpool, flushed either when the batch fills or on a
// timer, and paginated range queries for internal/api.
package archive

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tripwire/sentinel/internal/alert"
)

const (
	// DefaultBatchSize is the maximum number of buffered alerts before an
	// automatic flush is triggered.
	DefaultBatchSize = 100

	// DefaultFlushInterval is how often the background goroutine flushes
	// pending alerts even when the batch has not yet filled.
	DefaultFlushInterval = 1 * time.Second
)

// Sink is the Postgres archive, implementing router.Sink via batched
// inserts rather than one round-trip per alert.
type Sink struct {
	pool *pgxpool.Pool

	mu            sync.Mutex
	batch         []alert.Alert
	batchSize     int
	flushInterval time.Duration
	stopCh        chan struct{}
	doneCh        chan struct{}
}

// New opens a pgxpool connection to connStr, pings the database, and starts
// the background flush goroutine. batchSize/flushInterval ≤ 0 are replaced
// with the package defaults.
func New(ctx context.Context, connStr string, batchSize int, flushInterval time.Duration) (*Sink, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if flushInterval <= 0 {
		flushInterval = DefaultFlushInterval
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("archive: pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("archive: ping: %w", err)
	}

	s := &Sink{
		pool:          pool,
		batch:         make([]alert.Alert, 0, batchSize),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
	go s.flushLoop()
	return s, nil
}

func (s *Sink) Name() string { return "archive" }

// Send buffers a for batch insertion, flushing synchronously if the buffer
// has reached batchSize so the caller observes back-pressure instead of
// unbounded memory growth.
func (s *Sink) Send(ctx context.Context, a alert.Alert) error {
	s.mu.Lock()
	s.batch = append(s.batch, a)
	full := len(s.batch) >= s.batchSize
	s.mu.Unlock()

	if full {
		return s.Flush(ctx)
	}
	return nil
}

func (s *Sink) flushLoop() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			_ = s.Flush(context.Background())
		}
	}
}

// Flush drains the buffer and sends all rows to Postgres in a single
// pgx.Batch round-trip. Conflicting primary keys are ignored (idempotent
// replay support, since the deliveryqueue or an upstream retry may resend
// the same alert ID).
func (s *Sink) Flush(ctx context.Context) error {
	s.mu.Lock()
	if len(s.batch) == 0 {
		s.mu.Unlock()
		return nil
	}
	toInsert := s.batch
	s.batch = make([]alert.Alert, 0, s.batchSize)
	s.mu.Unlock()

	const query = `
		INSERT INTO alerts
			(alert_id, timestamp, source, severity, kind, pid, syscall_nr, observed, expected, stddev, z_score, message, detail)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (alert_id) DO NOTHING`

	b := &pgx.Batch{}
	for i := range toInsert {
		a := &toInsert[i]
		b.Queue(query,
			a.ID, a.Timestamp, string(a.Source), string(a.Severity), string(a.Kind),
			a.PID, a.SyscallNr, a.Observed, a.Expected, a.StdDev, a.ZScore,
			a.Message, a.Detail,
		)
	}

	br := s.pool.SendBatch(ctx, b)
	defer br.Close()

	for range toInsert {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("archive: batch exec: %w", err)
		}
	}
	return nil
}

// Close stops the background flush goroutine, flushes any remaining
// buffered alerts, and closes the connection pool. Safe to call more than
// once.
func (s *Sink) Close() error {
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
		<-s.doneCh
		_ = s.Flush(context.Background())
	}
	s.pool.Close()
	return nil
}

// Query is the filter accepted by QueryAlerts, mirroring internal/api's
// GET /api/v1/alerts query-parameter contract.
type Query struct {
	From     time.Time
	To       time.Time
	Severity alert.Severity // empty means no filter
	Limit    int
}

// QueryAlerts returns alerts within [q.From, q.To), optionally filtered by
// severity, most recent first.
func (s *Sink) QueryAlerts(ctx context.Context, q Query) ([]alert.Alert, error) {
	if q.Limit <= 0 {
		q.Limit = 100
	}

	args := []any{q.From, q.To, q.Limit}
	where := "WHERE timestamp >= $1 AND timestamp < $2"
	if q.Severity != "" {
		where += " AND severity = $4"
		args = append(args, string(q.Severity))
	}

	sql := fmt.Sprintf(`
		SELECT alert_id, timestamp, source, severity, kind, pid, syscall_nr, observed, expected, stddev, z_score, message, detail
		FROM   alerts
		%s
		ORDER  BY timestamp DESC
		LIMIT  $3`, where)

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("archive: query: %w", err)
	}
	defer rows.Close()

	var alerts []alert.Alert
	for rows.Next() {
		var a alert.Alert
		var source, severity, kind string
		err := rows.Scan(&a.ID, &a.Timestamp, &source, &severity, &kind, &a.PID, &a.SyscallNr,
			&a.Observed, &a.Expected, &a.StdDev, &a.ZScore, &a.Message, &a.Detail)
		if err != nil {
			return nil, fmt.Errorf("archive: scan: %w", err)
		}
		a.Source = alert.Source(source)
		a.Severity = alert.Severity(severity)
		a.Kind = alert.Kind(kind)
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}
