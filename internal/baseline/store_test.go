package baseline

import (
	"math"
	"path/filepath"
	"testing"
	"time"
)

func TestStatsUpdateAndZScore(t *testing.T) {
	var s Stats
	for _, v := range []uint64{10, 12, 11, 9, 10} {
		s.Update(v)
	}
	if s.Count != 5 {
		t.Fatalf("Count = %d, want 5", s.Count)
	}
	if math.Abs(s.Mean-10.4) > 1e-9 {
		t.Fatalf("Mean = %v, want ~10.4", s.Mean)
	}
	if s.Min != 9 || s.Max != 12 {
		t.Fatalf("Min/Max = %d/%d, want 9/12", s.Min, s.Max)
	}

	z := s.ZScore(10)
	if z < 0 {
		t.Fatalf("ZScore should never be negative, got %v", z)
	}
}

func TestStatsZScoreZeroVariance(t *testing.T) {
	var s Stats
	s.Update(5)
	s.Update(5)

	if got := s.ZScore(5); got != 0 {
		t.Fatalf("ZScore(5) on constant series = %v, want 0", got)
	}
	if got := s.ZScore(6); !math.IsInf(got, 1) {
		t.Fatalf("ZScore(6) on constant series = %v, want +Inf", got)
	}
}

func TestStatsSingleSampleStdDevIsZero(t *testing.T) {
	var s Stats
	s.Update(42)
	if got := s.StdDev(); got != 0 {
		t.Fatalf("StdDev with one sample = %v, want 0", got)
	}
}

func TestStoreUpdateAndGet(t *testing.T) {
	st := New(0, true)
	st.Update(100, 1, 5)
	st.Update(100, 1, 7)
	st.Update(100, 2, 1)

	got, ok := st.Get(100, 1)
	if !ok {
		t.Fatal("expected profile for pid 100, syscall 1 to exist")
	}
	if got.Count != 2 {
		t.Fatalf("Count = %d, want 2", got.Count)
	}

	if _, ok := st.Get(100, 99); ok {
		t.Fatal("expected no profile for an unobserved syscall")
	}
}

func TestStoreForget(t *testing.T) {
	st := New(0, true)
	st.Update(1, 1, 10)
	st.Forget(1)
	if _, ok := st.Get(1, 1); ok {
		t.Fatal("expected profile to be gone after Forget")
	}
}

func TestStoreLearningWindow(t *testing.T) {
	st := New(50*time.Millisecond, false)
	if !st.IsLearning(time.Now()) {
		t.Fatal("expected store to be learning immediately after New")
	}
	if st.IsLearning(time.Now().Add(time.Hour)) {
		t.Fatal("expected learning to have ended after the window elapses")
	}
	// Once fixed, a later "in window" timestamp must not reopen learning.
	if st.IsLearning(time.Now()) {
		t.Fatal("learning must not reopen once fixed")
	}
}

func TestStoreSaveAndLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()

	orig := New(0, true)
	orig.Update(10, 1, 3)
	orig.Update(10, 1, 5)
	orig.Update(20, 2, 100)

	if err := orig.SaveAll(dir); err != nil {
		t.Fatalf("SaveAll: %v", err)
	}

	loaded := New(0, true)
	n, err := loaded.LoadAll(dir)
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if n != 2 {
		t.Fatalf("LoadAll loaded %d pids, want 2", n)
	}

	got, ok := loaded.Get(10, 1)
	if !ok {
		t.Fatal("expected loaded profile for pid 10, syscall 1")
	}
	if got.Count != 2 || got.Min != 3 || got.Max != 5 {
		t.Fatalf("loaded stats = %+v, want Count=2 Min=3 Max=5", got)
	}

	if _, ok := loaded.Get(20, 2); !ok {
		t.Fatal("expected loaded profile for pid 20, syscall 2")
	}
}

func TestStoreSaveForPidWritesOwnFile(t *testing.T) {
	dir := t.TempDir()
	st := New(0, true)
	st.Update(42, 1, 9)

	if err := st.SaveForPid(dir, 42); err != nil {
		t.Fatalf("SaveForPid: %v", err)
	}
	matches, err := filepath.Glob(filepath.Join(dir, "42.json"))
	if err != nil {
		t.Fatalf("Glob: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("expected 42.json to be written, found %v", matches)
	}
}

func TestStoreLoadAllMissingDirIsNotError(t *testing.T) {
	st := New(0, true)
	n, err := st.LoadAll(filepath.Join(t.TempDir(), "missing-dir"))
	if err != nil {
		t.Fatalf("LoadAll on missing dir should succeed, got %v", err)
	}
	if n != 0 {
		t.Fatalf("LoadAll on missing dir loaded %d pids, want 0", n)
	}
}
