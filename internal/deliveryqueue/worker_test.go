package deliveryqueue_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/tripwire/sentinel/internal/alert"
	"github.com/tripwire/sentinel/internal/deliveryqueue"
)

// fakeDelegate records every alert it receives. When failUntil > 0, the
// first failUntil calls to Send return an error so tests can exercise the
// retry path.
type fakeDelegate struct {
	name string

	mu        sync.Mutex
	received  []alert.Alert
	failUntil int
	calls     int
}

func (f *fakeDelegate) Name() string { return f.name }

func (f *fakeDelegate) Send(ctx context.Context, a alert.Alert) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failUntil {
		return context.DeadlineExceeded
	}
	f.received = append(f.received, a)
	return nil
}

func (f *fakeDelegate) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.received)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDurableSink_SendPersistsWithoutDelegateCall(t *testing.T) {
	q := openMemQueue(t)
	delegate := &fakeDelegate{name: "webhook"}
	sink := deliveryqueue.NewDurableSink(q, delegate, discardLogger(), time.Hour)
	defer sink.Close()

	if err := sink.Send(context.Background(), testAlert(1)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if d := q.Depth(); d != 1 {
		t.Errorf("Depth = %d immediately after Send, want 1 (worker has not ticked)", d)
	}
}

func TestDurableSink_FlushDeliversAndAcks(t *testing.T) {
	q := openMemQueue(t)
	delegate := &fakeDelegate{name: "webhook"}
	sink := deliveryqueue.NewDurableSink(q, delegate, discardLogger(), time.Hour)
	defer sink.Close()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := sink.Send(ctx, testAlert(uint32(i))); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}

	if err := sink.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	if n := delegate.count(); n != 3 {
		t.Fatalf("delegate received %d alerts, want 3", n)
	}
	if d := q.Depth(); d != 0 {
		t.Errorf("Depth = %d after Flush delivered everything, want 0", d)
	}
}

func TestDurableSink_RetriesAfterDelegateFailure(t *testing.T) {
	q := openMemQueue(t)
	delegate := &fakeDelegate{name: "grpc_forward", failUntil: 1}
	sink := deliveryqueue.NewDurableSink(q, delegate, discardLogger(), time.Hour)
	defer sink.Close()

	ctx := context.Background()
	if err := sink.Send(ctx, testAlert(1)); err != nil {
		t.Fatalf("Send: %v", err)
	}

	if err := sink.Flush(ctx); err != nil {
		t.Fatalf("first Flush: %v", err)
	}
	if d := q.Depth(); d != 1 {
		t.Fatalf("Depth = %d after failed delivery attempt, want 1 (not acked)", d)
	}

	if err := sink.Flush(ctx); err != nil {
		t.Fatalf("second Flush: %v", err)
	}
	if d := q.Depth(); d != 0 {
		t.Errorf("Depth = %d after retry succeeded, want 0", d)
	}
	if n := delegate.count(); n != 1 {
		t.Errorf("delegate received %d alerts, want 1", n)
	}
}

func TestDurableSink_BackgroundWorkerDrainsOnInterval(t *testing.T) {
	q := openMemQueue(t)
	delegate := &fakeDelegate{name: "webhook"}
	sink := deliveryqueue.NewDurableSink(q, delegate, discardLogger(), 10*time.Millisecond)
	defer sink.Close()

	if err := sink.Send(context.Background(), testAlert(1)); err != nil {
		t.Fatalf("Send: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if delegate.count() == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("background worker never delivered queued alert; delegate received %d", delegate.count())
}

func TestDurableSink_Name_MatchesDelegate(t *testing.T) {
	q := openMemQueue(t)
	delegate := &fakeDelegate{name: "grpc_forward"}
	sink := deliveryqueue.NewDurableSink(q, delegate, discardLogger(), time.Hour)
	defer sink.Close()

	if got := sink.Name(); got != "grpc_forward" {
		t.Errorf("Name() = %q, want %q", got, "grpc_forward")
	}
}
