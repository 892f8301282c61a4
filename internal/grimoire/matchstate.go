package grimoire

// MatchState is the per-(pid, pattern) progress cursor through a pattern's
// ordered steps. Created lazily on the first syscall observed for that
// pair, reset on expiry or a failed constraint, discarded on process exit.
type MatchState struct {
	CurrentStep          int
	SequenceStartNs      uint64
	LastStepNs           uint64
	LastStepSyscallCount uint64
}

// reset returns the state to its initial, pre-match condition.
func (m *MatchState) reset() {
	*m = MatchState{}
}

// patternKey identifies one (pid, pattern) match-state slot.
type patternKey struct {
	pid     uint32
	idHash  uint64
}
