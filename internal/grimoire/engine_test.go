package grimoire

import (
	"testing"

	"github.com/tripwire/sentinel/internal/procinfo"
)

func testEngine(t *testing.T, patterns []Pattern) *Engine {
	t.Helper()
	e, err := New(patterns, procinfo.NewBinaryCache(), false, false, "", nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

// TestReverseShellClassicMatches reproduces the spec's canonical reverse
// shell scenario: socket, connect, three dup2s, execve, all within the
// pattern's time-delta windows.
func TestReverseShellClassicMatches(t *testing.T) {
	e := testEngine(t, []Pattern{reverseShellClassic()})

	events := []Event{
		{TimestampNs: 1_000_000, PID: 12345, SyscallNr: nrSocket},
		{TimestampNs: 1_500_000, PID: 12345, SyscallNr: nrConnect},
		{TimestampNs: 2_000_000, PID: 12345, SyscallNr: nrDup2},
		{TimestampNs: 3_000_000, PID: 12345, SyscallNr: nrDup2},
		{TimestampNs: 4_000_000, PID: 12345, SyscallNr: nrDup2},
		{TimestampNs: 5_000_000, PID: 12345, SyscallNr: nrExecve},
	}

	var matched bool
	for _, evt := range events {
		for _, a := range e.HandleEvent(evt) {
			if a.Detail["pattern_name"] == "reverse_shell_classic" {
				matched = true
			}
		}
	}
	if !matched {
		t.Fatal("expected reverse_shell_classic to match the canonical sequence")
	}
}

func TestForkBombRapidMatchesHostileBinary(t *testing.T) {
	e := testEngine(t, []Pattern{forkBombRapid()})

	var matched bool
	for i := 0; i < 4; i++ {
		for _, a := range e.HandleEvent(Event{TimestampNs: uint64(i) * 100_000_000, PID: 200, SyscallNr: nrClone}) {
			if a.Detail["pattern_name"] == "fork_bomb_rapid" {
				matched = true
			}
		}
	}
	if !matched {
		t.Fatal("expected fork_bomb_rapid to match four tight clone() calls")
	}
}

func TestForkBombRapidSkipsWhitelistedBinary(t *testing.T) {
	// The engine can't fake /proc, so this test exercises the whitelist
	// check directly against the pattern rather than through the cache.
	p := forkBombRapid()
	if !p.IsWhitelisted("make") {
		t.Fatal("expected \"make\" to be whitelisted for fork_bomb_rapid")
	}
	if p.IsWhitelisted("evil") {
		t.Fatal("expected \"evil\" to not be whitelisted")
	}
}

func TestMatchResetsOnTimeDeltaViolation(t *testing.T) {
	e := testEngine(t, []Pattern{reverseShellClassic()})

	e.HandleEvent(Event{TimestampNs: 0, PID: 1, SyscallNr: nrSocket})
	// connect arrives far outside the 2s window for that step.
	matches := e.HandleEvent(Event{TimestampNs: 10_000_000_000, PID: 1, SyscallNr: nrConnect})
	if len(matches) != 0 {
		t.Fatalf("expected no match, got %+v", matches)
	}

	key := patternKey{pid: 1, idHash: reverseShellClassic().IDHash}
	if st := e.states[key]; st != nil && st.CurrentStep != 0 {
		t.Fatalf("expected match state to reset after time-delta violation, got step %d", st.CurrentStep)
	}
}

func TestMatchResetsOnStepDistanceViolation(t *testing.T) {
	e := testEngine(t, []Pattern{forkBombRapid()})

	e.HandleEvent(Event{TimestampNs: 0, PID: 1, SyscallNr: nrClone})
	// Inject enough unrelated syscalls to blow the step-distance budget.
	for i := 0; i < 10; i++ {
		e.HandleEvent(Event{TimestampNs: 0, PID: 1, SyscallNr: nrRead})
	}
	matches := e.HandleEvent(Event{TimestampNs: 0, PID: 1, SyscallNr: nrClone})
	if len(matches) != 0 {
		t.Fatalf("expected no match after step-distance violation, got %+v", matches)
	}
}

func TestIndependentPidsDoNotShareState(t *testing.T) {
	e := testEngine(t, []Pattern{forkBombRapid()})

	e.HandleEvent(Event{TimestampNs: 0, PID: 1, SyscallNr: nrClone})
	e.HandleEvent(Event{TimestampNs: 0, PID: 1, SyscallNr: nrClone})

	// A different pid starting fresh must not inherit pid 1's progress.
	matches := e.HandleEvent(Event{TimestampNs: 0, PID: 2, SyscallNr: nrClone})
	if len(matches) != 0 {
		t.Fatalf("expected no match for a pid that has only issued one clone, got %+v", matches)
	}
}

func TestForgetClearsPidState(t *testing.T) {
	e := testEngine(t, []Pattern{forkBombRapid()})
	e.HandleEvent(Event{TimestampNs: 0, PID: 1, SyscallNr: nrClone})
	e.Forget(1)

	if _, ok := e.syscallCount[1]; ok {
		t.Fatal("expected syscall count to be cleared after Forget")
	}
}
