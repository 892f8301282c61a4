package anomaly

import (
	"testing"
	"time"

	"github.com/tripwire/sentinel/internal/baseline"
)

func TestDetectorNoAlertDuringLearning(t *testing.T) {
	store := baseline.New(time.Hour, false)
	d := NewDetector(store, 3.0)

	now := time.Now()
	if a := d.Observe(now, 1, 1, 1000); a != nil {
		t.Fatalf("expected no alert while learning, got %+v", a)
	}
}

func TestDetectorFlagsNewSyscallAfterLearning(t *testing.T) {
	store := baseline.New(0, true)
	d := NewDetector(store, 3.0)

	a := d.Observe(time.Now(), 42, 7, 5)
	if a == nil {
		t.Fatal("expected an alert for a syscall never seen before")
	}
	if a.Kind != "new-syscall" {
		t.Fatalf("Kind = %q, want new-syscall", a.Kind)
	}
}

func TestDetectorFlagsSpike(t *testing.T) {
	store := baseline.New(time.Hour, false)
	d := NewDetector(store, 3.0)

	now := time.Now()
	for _, v := range []uint64{10, 11, 9, 10, 12, 10, 9} {
		if a := d.Observe(now, 5, 1, v); a != nil {
			t.Fatalf("unexpected alert while learning the stable baseline: %+v", a)
		}
	}

	a := d.Observe(now.Add(2*time.Hour), 5, 1, 500)
	if a == nil {
		t.Fatal("expected an alert for a sharp spike")
	}
	if a.ZScore < 3.0 {
		t.Fatalf("ZScore = %v, want >= 3.0", a.ZScore)
	}
}

func TestAlertQueueBurstThenDrop(t *testing.T) {
	q := NewAlertQueue(60, 3)
	now := time.Now()

	for i := 0; i < 3; i++ {
		if !q.Allow(now) {
			t.Fatalf("expected burst token %d to be allowed", i)
		}
	}
	if q.Allow(now) {
		t.Fatal("expected 4th immediate alert to be dropped")
	}
	if q.Dropped() != 1 {
		t.Fatalf("Dropped() = %d, want 1", q.Dropped())
	}
}

func TestAlertQueueRefillsOverTime(t *testing.T) {
	q := NewAlertQueue(60, 1) // 1 token/second, burst 1
	now := time.Now()

	if !q.Allow(now) {
		t.Fatal("expected first alert to be allowed")
	}
	if q.Allow(now) {
		t.Fatal("expected immediate second alert to be dropped")
	}
	if !q.Allow(now.Add(time.Second)) {
		t.Fatal("expected alert to be allowed after a full refill interval")
	}
}
