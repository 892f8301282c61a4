package livefeed_test

import (
	"encoding/json"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/tripwire/sentinel/internal/alert"
	"github.com/tripwire/sentinel/internal/livefeed"
)

func newTestBroadcaster() *livefeed.Broadcaster {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return livefeed.NewBroadcaster(logger, 16)
}

func testAlert(pid uint32) alert.Alert {
	return alert.New(alert.SourceGrimoire, alert.SeverityCritical, alert.KindGrimoire, pid, "pattern matched")
}

func TestBroadcasterRegisterUnregister(t *testing.T) {
	t.Parallel()

	bc := newTestBroadcaster()

	if got := bc.ClientCount(); got != 0 {
		t.Fatalf("expected 0 clients after init, got %d", got)
	}

	c1 := bc.Register("c1")
	c2 := bc.Register("c2")

	if got := bc.ClientCount(); got != 2 {
		t.Fatalf("expected 2 clients, got %d", got)
	}
	if c1.ID() != "c1" {
		t.Errorf("client ID mismatch: got %q, want %q", c1.ID(), "c1")
	}

	bc.Unregister("c1")
	if got := bc.ClientCount(); got != 1 {
		t.Fatalf("expected 1 client after unregister, got %d", got)
	}

	select {
	case _, ok := <-c1.Send():
		if ok {
			t.Error("expected send channel to be closed after Unregister")
		}
	default:
		t.Error("expected send channel to be closed (readable), not blocked")
	}

	bc.Unregister("c2")
	_ = c2
	if got := bc.ClientCount(); got != 0 {
		t.Fatalf("expected 0 clients, got %d", got)
	}
}

func TestBroadcasterPublish_DeliversToAllClients(t *testing.T) {
	t.Parallel()

	bc := newTestBroadcaster()

	c1 := bc.Register("c1")
	c2 := bc.Register("c2")
	defer bc.Unregister("c1")
	defer bc.Unregister("c2")

	a := testAlert(1001)
	bc.Publish(a)

	deadline := time.After(100 * time.Millisecond)
	for _, ch := range []<-chan []byte{c1.Send(), c2.Send()} {
		select {
		case raw, ok := <-ch:
			if !ok {
				t.Fatal("send channel closed unexpectedly")
			}
			var got alert.Alert
			if err := json.Unmarshal(raw, &got); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if got.ID != a.ID {
				t.Errorf("got id %q, want %q", got.ID, a.ID)
			}
			if got.Severity != alert.SeverityCritical {
				t.Errorf("got severity %q, want %q", got.Severity, alert.SeverityCritical)
			}
		case <-deadline:
			t.Fatal("timeout waiting for published alert")
		}
	}
}

func TestBroadcasterDropsWhenBufferFull(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	bc := livefeed.NewBroadcaster(logger, 2) // tiny buffer

	c := bc.Register("slow-client")
	defer bc.Unregister("slow-client")

	a := testAlert(1)

	bc.Publish(a)
	bc.Publish(a)
	bc.Publish(a) // should be dropped

	if got := c.Dropped.Load(); got < 1 {
		t.Errorf("expected at least 1 drop, got %d", got)
	}
}

func TestBroadcasterUnregisterNonexistent(t *testing.T) {
	t.Parallel()

	bc := newTestBroadcaster()
	bc.Unregister("does-not-exist") // must not panic
}

func TestBroadcastEmptyRoom(t *testing.T) {
	t.Parallel()

	bc := newTestBroadcaster()
	bc.Publish(testAlert(1)) // must not panic or block
}

func TestBroadcasterClose_ClosesAllClientChannels(t *testing.T) {
	t.Parallel()

	bc := newTestBroadcaster()
	c := bc.Register("c1")

	bc.Close()

	if got := bc.ClientCount(); got != 0 {
		t.Errorf("expected 0 clients after Close, got %d", got)
	}
	select {
	case _, ok := <-c.Send():
		if ok {
			t.Error("expected send channel to be closed after Close")
		}
	default:
		t.Error("expected send channel to be closed (readable), not blocked")
	}

	// Publish after Close must be a no-op, not a panic.
	bc.Publish(testAlert(1))
}
