// Package deliveryqueue provides a WAL-mode SQLite-backed queue giving
// at-least-once delivery semantics to sinks whose transport can be down for
// extended periods (the webhook and gRPC-forward sinks). It is adapted from
// the teacher's internal/queue package: events persist on Enqueue and are
// not removed until Ack is called, so a crash between the two replays the
// event on the next Dequeue after restart.
package deliveryqueue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"

	_ "modernc.org/sqlite" // registers the "sqlite" database/sql driver

	"github.com/tripwire/sentinel/internal/alert"
)

// Queue is a WAL-mode SQLite-backed durable alert queue. It is safe for
// concurrent use.
type Queue struct {
	db    *sql.DB
	depth atomic.Int64
}

const ddl = `
CREATE TABLE IF NOT EXISTS delivery_queue (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    sink        TEXT    NOT NULL,
    payload     TEXT    NOT NULL,
    enqueued_at TEXT    NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
    delivered   INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_delivery_queue_pending
    ON delivery_queue (sink, delivered, id);
`

// New opens (or creates) the SQLite database at path, enables WAL journal
// mode, and applies the schema. path may be ":memory:" for tests.
func New(path string) (*Queue, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("deliveryqueue: open %q: %w", path, err)
	}

	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("deliveryqueue: set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA synchronous = NORMAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("deliveryqueue: set synchronous = NORMAL: %w", err)
	}
	if _, err := db.Exec(ddl); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("deliveryqueue: apply schema: %w", err)
	}

	q := &Queue{db: db}

	var count int64
	if err := db.QueryRow(`SELECT COUNT(*) FROM delivery_queue WHERE delivered = 0`).Scan(&count); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("deliveryqueue: count pending rows: %w", err)
	}
	q.depth.Store(count)

	return q, nil
}

// Enqueue persists a for later delivery to sinkName.
func (q *Queue) Enqueue(ctx context.Context, sinkName string, a alert.Alert) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("deliveryqueue: marshal alert: %w", err)
	}

	_, err = q.db.ExecContext(ctx,
		`INSERT INTO delivery_queue (sink, payload) VALUES (?, ?)`,
		sinkName, string(payload))
	if err != nil {
		return fmt.Errorf("deliveryqueue: enqueue: %w", err)
	}

	q.depth.Add(1)
	return nil
}

// PendingAlert is an unacknowledged queued alert returned by Dequeue.
type PendingAlert struct {
	ID    int64
	Alert alert.Alert
}

// Dequeue returns up to n unacknowledged alerts for sinkName, oldest first.
// It does not mark them delivered; call Ack with the returned IDs to do
// that.
func (q *Queue) Dequeue(ctx context.Context, sinkName string, n int) ([]PendingAlert, error) {
	if n <= 0 {
		return nil, nil
	}

	rows, err := q.db.QueryContext(ctx,
		`SELECT id, payload FROM delivery_queue
		 WHERE sink = ? AND delivered = 0
		 ORDER BY id
		 LIMIT ?`, sinkName, n)
	if err != nil {
		return nil, fmt.Errorf("deliveryqueue: dequeue query: %w", err)
	}
	defer rows.Close()

	var pending []PendingAlert
	for rows.Next() {
		var pa PendingAlert
		var payload string
		if err := rows.Scan(&pa.ID, &payload); err != nil {
			return nil, fmt.Errorf("deliveryqueue: dequeue scan: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &pa.Alert); err != nil {
			continue // malformed row: skip rather than block the queue
		}
		pending = append(pending, pa)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("deliveryqueue: dequeue rows: %w", err)
	}
	return pending, nil
}

// Ack marks ids as delivered. Idempotent: re-acking an already-delivered ID
// is a no-op.
func (q *Queue) Ack(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	result, err := q.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE delivery_queue SET delivered = 1 WHERE id IN (%s) AND delivered = 0`, placeholders),
		args...)
	if err != nil {
		return fmt.Errorf("deliveryqueue: ack: %w", err)
	}

	n, _ := result.RowsAffected()
	q.depth.Add(-n)
	return nil
}

// Depth returns the number of pending (unacknowledged) rows across all
// sinks.
func (q *Queue) Depth() int {
	return int(q.depth.Load())
}

// Close closes the underlying database connection.
func (q *Queue) Close() error {
	return q.db.Close()
}
