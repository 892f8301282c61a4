// Package grimoire implements the behavioral pattern engine: a small,
// cache-resident database of ordered multi-step syscall signatures matched
// per-pid against the live event stream, with optional enforcement.
package grimoire

import (
	"hash/fnv"

	"github.com/tripwire/sentinel/internal/alert"
)

// SyscallClass groups related syscall numbers so a PatternStep can match any
// member rather than one specific number.
type SyscallClass string

const (
	ClassAny           SyscallClass = "any"
	ClassNetwork       SyscallClass = "network"
	ClassFileRead      SyscallClass = "file_read"
	ClassFileWrite     SyscallClass = "file_write"
	ClassProcessCreate SyscallClass = "process_create"
	ClassPrivilege     SyscallClass = "privilege"
	ClassIPC           SyscallClass = "ipc"
	ClassKernelModule  SyscallClass = "kernel_module"
	ClassDebug         SyscallClass = "debug"
)

// ProcessRelationship constrains which process a step's event must come
// from relative to the pattern's originating pid. Only SameProcess is
// enforced; the others are reserved for a future cross-process matcher.
type ProcessRelationship string

const (
	RelationSameProcess ProcessRelationship = "same_process"
	RelationChildProcess ProcessRelationship = "child_process"
	RelationProcessTree ProcessRelationship = "process_tree"
	RelationAny         ProcessRelationship = "any"
)

// ConstraintType identifies how an ArgConstraint compares against an
// argument value.
type ConstraintType string

const (
	ConstraintAny          ConstraintType = "any"
	ConstraintEquals       ConstraintType = "equals"
	ConstraintNotEquals    ConstraintType = "not_equals"
	ConstraintGreaterThan  ConstraintType = "greater_than"
	ConstraintLessThan     ConstraintType = "less_than"
	ConstraintBitmaskSet   ConstraintType = "bitmask_set"
	ConstraintBitmaskClear ConstraintType = "bitmask_clear"
	ConstraintStrEquals    ConstraintType = "str_equals"
	ConstraintStrPrefix    ConstraintType = "str_prefix"
	ConstraintStrSuffix    ConstraintType = "str_suffix"
	ConstraintStrContains  ConstraintType = "str_contains"
)

// isStringConstraint reports whether c requires resolving a pointer argument
// via a cross-address-space memory read rather than comparing it numerically.
func (c ConstraintType) isStringConstraint() bool {
	switch c {
	case ConstraintStrEquals, ConstraintStrPrefix, ConstraintStrSuffix, ConstraintStrContains:
		return true
	}
	return false
}

// ArgConstraint evaluates one syscall argument against a fixed expectation.
type ArgConstraint struct {
	ArgIndex       int
	Type           ConstraintType
	NumericValue   uint64
	StringValue    string
	StringMaxBytes int // bounds the Safe-Read length; defaults to 64 if 0
}

// PatternStep is one element of a pattern's ordered sequence.
type PatternStep struct {
	SyscallNr      *uint32 // nil means match by class instead
	SyscallClass   SyscallClass
	Relationship   ProcessRelationship
	MaxTimeDeltaUs uint64 // 0 = no time constraint
	MaxStepDistance uint64 // 0 = no distance constraint
	ArgConstraints []ArgConstraint // at most 2, per spec
}

// Pattern is a bounded, ordered sequence of steps describing one behavioral
// signature. The plaintext Name exists only for logging; live matching keys
// off IDHash.
type Pattern struct {
	IDHash              uint64
	Name                string
	Steps               []PatternStep
	Severity            alert.Severity
	MaxSequenceWindowMs uint64
	Enabled             bool
	WhitelistedBinaries map[string]bool
}

// idHash computes the FNV-1a hash of name, used as the pattern's stable
// identifier in logs and match results.
func idHash(name string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	return h.Sum64()
}

// NewPattern builds a Pattern, computing its id hash from name.
func NewPattern(name string, steps []PatternStep, severity alert.Severity, maxWindowMs uint64, whitelist []string) Pattern {
	wl := make(map[string]bool, len(whitelist))
	for _, b := range whitelist {
		wl[b] = true
	}
	return Pattern{
		IDHash:              idHash(name),
		Name:                name,
		Steps:               steps,
		Severity:            severity,
		MaxSequenceWindowMs: maxWindowMs,
		Enabled:             true,
		WhitelistedBinaries: wl,
	}
}

// IsWhitelisted reports whether basename exempts a pid from this pattern.
func (p Pattern) IsWhitelisted(basename string) bool {
	if len(p.WhitelistedBinaries) == 0 {
		return false
	}
	return p.WhitelistedBinaries[basename]
}

// classMembers enumerates the syscall numbers belonging to each named class.
// Numbers follow the standard x86-64 Linux syscall table, matching the
// constants a real eBPF tracepoint loader would decode events against.
var classMembers = map[SyscallClass]map[uint32]bool{
	ClassNetwork: setOf(41, 42, 43, 44, 45, 46, 47, 49, 50), // socket, connect, accept, sendto, recvfrom, sendmsg, recvmsg, bind, listen
	ClassFileRead: setOf(0, 2, 257), // read, open, openat
	ClassFileWrite: setOf(1, 2, 257), // write, open, openat
	ClassProcessCreate: setOf(56, 57, 58, 59), // clone, fork, vfork, execve
	ClassPrivilege: setOf(105, 106), // setuid, setgid
	ClassIPC: setOf(64, 65, 66, 67, 68, 69, 70, 71), // sysv/posix ipc family
	ClassKernelModule: setOf(175, 313), // init_module, finit_module
	ClassDebug: setOf(101), // ptrace
}

func setOf(nrs ...uint32) map[uint32]bool {
	m := make(map[uint32]bool, len(nrs))
	for _, n := range nrs {
		m[n] = true
	}
	return m
}

// MonitoredSyscalls returns the union of every syscall number a pattern
// database could possibly match: each step's explicit SyscallNr, plus every
// member of each step's SyscallClass. The controller feeds this to
// eventsource.Source.SetMonitoredSyscalls so the kernel only emits full
// ring-buffer records for syscalls the hot tier actually cares about.
// ClassAny steps are excluded: a pattern that matches every syscall does not
// narrow the monitored set.
func MonitoredSyscalls(patterns []Pattern) []uint32 {
	seen := make(map[uint32]bool)
	for _, p := range patterns {
		for _, step := range p.Steps {
			if step.SyscallNr != nil {
				seen[*step.SyscallNr] = true
				continue
			}
			for nr := range classMembers[step.SyscallClass] {
				seen[nr] = true
			}
		}
	}
	nrs := make([]uint32, 0, len(seen))
	for nr := range seen {
		nrs = append(nrs, nr)
	}
	return nrs
}

// matches reports whether nr satisfies this step's syscall test: either the
// specific syscall number, membership in the named class, or (for
// ClassAny) unconditionally.
func (s PatternStep) matches(nr uint32) bool {
	if s.SyscallNr != nil {
		return nr == *s.SyscallNr
	}
	if s.SyscallClass == ClassAny {
		return true
	}
	return classMembers[s.SyscallClass][nr]
}
