package deliveryqueue_test

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/tripwire/sentinel/internal/alert"
	"github.com/tripwire/sentinel/internal/deliveryqueue"
)

func openMemQueue(t *testing.T) *deliveryqueue.Queue {
	t.Helper()
	q, err := deliveryqueue.New(":memory:")
	if err != nil {
		t.Fatalf("deliveryqueue.New(:memory:): %v", err)
	}
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func testAlert(pid uint32) alert.Alert {
	return alert.New(alert.SourceAnomaly, alert.SeverityHigh, alert.KindSpike, pid, "test alert")
}

func TestNew_InMemory_EmptyDepth(t *testing.T) {
	q := openMemQueue(t)
	if d := q.Depth(); d != 0 {
		t.Errorf("Depth = %d after open, want 0", d)
	}
}

func TestNew_FileDB_CreatesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "queue.db")

	q, err := deliveryqueue.New(path)
	if err != nil {
		t.Fatalf("deliveryqueue.New(%q): %v", path, err)
	}
	_ = q.Close()
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected database file at %q: %v", path, err)
	}
}

func TestEnqueue_IncreasesDepth(t *testing.T) {
	q := openMemQueue(t)
	ctx := context.Background()

	if err := q.Enqueue(ctx, "webhook", testAlert(1)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if d := q.Depth(); d != 1 {
		t.Errorf("Depth = %d after one Enqueue, want 1", d)
	}
}

func TestEnqueue_SeparatesBySink(t *testing.T) {
	q := openMemQueue(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := q.Enqueue(ctx, "webhook", testAlert(uint32(i))); err != nil {
			t.Fatalf("Enqueue webhook: %v", err)
		}
	}
	for i := 0; i < 2; i++ {
		if err := q.Enqueue(ctx, "grpc_forward", testAlert(uint32(i))); err != nil {
			t.Fatalf("Enqueue grpc_forward: %v", err)
		}
	}
	if d := q.Depth(); d != 5 {
		t.Errorf("Depth = %d, want 5", d)
	}

	webhookPending, err := q.Dequeue(ctx, "webhook", 10)
	if err != nil {
		t.Fatalf("Dequeue webhook: %v", err)
	}
	if len(webhookPending) != 3 {
		t.Fatalf("webhook pending = %d, want 3", len(webhookPending))
	}

	forwardPending, err := q.Dequeue(ctx, "grpc_forward", 10)
	if err != nil {
		t.Fatalf("Dequeue grpc_forward: %v", err)
	}
	if len(forwardPending) != 2 {
		t.Fatalf("grpc_forward pending = %d, want 2", len(forwardPending))
	}
}

func TestDequeue_ReturnsInInsertionOrder(t *testing.T) {
	q := openMemQueue(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := q.Enqueue(ctx, "webhook", testAlert(uint32(i))); err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
	}

	pending, err := q.Dequeue(ctx, "webhook", 10)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if len(pending) != 5 {
		t.Fatalf("Dequeue returned %d, want 5", len(pending))
	}
	for i, p := range pending {
		if p.Alert.PID != uint32(i) {
			t.Errorf("pending[%d].Alert.PID = %d, want %d", i, p.Alert.PID, i)
		}
	}
}

func TestDequeue_RespectsLimit(t *testing.T) {
	q := openMemQueue(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_ = q.Enqueue(ctx, "webhook", testAlert(uint32(i)))
	}

	pending, err := q.Dequeue(ctx, "webhook", 4)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if len(pending) != 4 {
		t.Errorf("Dequeue returned %d, want 4", len(pending))
	}
}

func TestDequeue_ZeroLimit_ReturnsNil(t *testing.T) {
	q := openMemQueue(t)
	ctx := context.Background()
	_ = q.Enqueue(ctx, "webhook", testAlert(1))

	pending, err := q.Dequeue(ctx, "webhook", 0)
	if err != nil {
		t.Fatalf("Dequeue(0): %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("Dequeue(0) returned %d, want 0", len(pending))
	}
}

func TestAck_MarksDeliveredAndDecreasesDepth(t *testing.T) {
	q := openMemQueue(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = q.Enqueue(ctx, "webhook", testAlert(uint32(i)))
	}

	pending, err := q.Dequeue(ctx, "webhook", 10)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}

	if err := q.Ack(ctx, []int64{pending[0].ID, pending[1].ID}); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	if d := q.Depth(); d != 1 {
		t.Errorf("Depth = %d after acking 2 of 3, want 1", d)
	}

	remaining, err := q.Dequeue(ctx, "webhook", 10)
	if err != nil {
		t.Fatalf("Dequeue after ack: %v", err)
	}
	if len(remaining) != 1 || remaining[0].ID != pending[2].ID {
		t.Fatalf("remaining = %+v, want only id %d", remaining, pending[2].ID)
	}
}

func TestAck_IdempotentOnAlreadyDelivered(t *testing.T) {
	q := openMemQueue(t)
	ctx := context.Background()
	_ = q.Enqueue(ctx, "webhook", testAlert(1))

	pending, _ := q.Dequeue(ctx, "webhook", 10)
	if err := q.Ack(ctx, []int64{pending[0].ID}); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	if err := q.Ack(ctx, []int64{pending[0].ID}); err != nil {
		t.Fatalf("second Ack: %v", err)
	}
	if d := q.Depth(); d != 0 {
		t.Errorf("Depth = %d after idempotent re-ack, want 0", d)
	}
}

func TestAck_EmptyIDs_NoOp(t *testing.T) {
	q := openMemQueue(t)
	ctx := context.Background()
	_ = q.Enqueue(ctx, "webhook", testAlert(1))

	if err := q.Ack(ctx, nil); err != nil {
		t.Fatalf("Ack(nil): %v", err)
	}
	if d := q.Depth(); d != 1 {
		t.Errorf("Depth = %d after Ack(nil), want 1", d)
	}
}

func TestNew_ResumesDepthFromExistingFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "queue.db")

	q, err := deliveryqueue.New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		_ = q.Enqueue(ctx, "webhook", testAlert(uint32(i)))
	}
	pending, _ := q.Dequeue(ctx, "webhook", 10)
	_ = q.Ack(ctx, []int64{pending[0].ID})
	_ = q.Close()

	reopened, err := deliveryqueue.New(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	if d := reopened.Depth(); d != 3 {
		t.Errorf("Depth after reopen = %d, want 3", d)
	}
}

func TestDequeue_SkipsMalformedRowsWithoutBlockingQueue(t *testing.T) {
	// Regression coverage for the documented behavior: a row whose payload
	// fails to unmarshal is skipped, not returned as an error, so one bad
	// row can't wedge delivery of the rest.
	path := filepath.Join(t.TempDir(), "queue.db")
	ctx := context.Background()

	q, err := deliveryqueue.New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := q.Enqueue(ctx, "webhook", testAlert(0)); err != nil {
		t.Fatalf("Enqueue 0: %v", err)
	}
	_ = q.Close()

	raw, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	if _, err := raw.Exec(`INSERT INTO delivery_queue (sink, payload) VALUES ('webhook', 'not json')`); err != nil {
		t.Fatalf("insert malformed row: %v", err)
	}
	_ = raw.Close()

	q, err = deliveryqueue.New(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer q.Close()
	for i := 1; i < 3; i++ {
		if err := q.Enqueue(ctx, "webhook", testAlert(uint32(i))); err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
	}

	pending, err := q.Dequeue(ctx, "webhook", 10)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if len(pending) != 3 {
		t.Fatalf("Dequeue returned %d, want 3", len(pending))
	}
	for i, p := range pending {
		if p.Alert.PID != uint32(i) {
			t.Errorf("pending[%d].Alert.PID = %d, want %d", i, p.Alert.PID, i)
		}
	}
}

func TestEnqueue_ManyAlerts(t *testing.T) {
	q := openMemQueue(t)
	ctx := context.Background()

	const n = 50
	for i := 0; i < n; i++ {
		if err := q.Enqueue(ctx, "webhook", testAlert(uint32(i))); err != nil {
			t.Fatalf("Enqueue %s: %v", fmt.Sprintf("%d", i), err)
		}
	}
	if d := q.Depth(); d != n {
		t.Errorf("Depth = %d, want %d", d, n)
	}
}
