package grimoire

import "github.com/tripwire/sentinel/internal/alert"

// Standard x86-64 Linux syscall numbers referenced by the built-in patterns.
const (
	nrRead    uint32 = 0
	nrWrite   uint32 = 1
	nrOpen    uint32 = 2
	nrSocket  uint32 = 41
	nrConnect uint32 = 42
	nrDup2    uint32 = 33
	nrClone   uint32 = 56
	nrExecve  uint32 = 59
	nrSetuid  uint32 = 105
	nrOpenat  uint32 = 257
	nrInitModule   uint32 = 175
	nrFinitModule  uint32 = 313
)

func syscallStep(nr uint32) PatternStep {
	return PatternStep{SyscallNr: &nr, Relationship: RelationSameProcess}
}

func classStep(class SyscallClass) PatternStep {
	return PatternStep{SyscallClass: class, Relationship: RelationSameProcess}
}

// BuiltinPatterns returns the five named hot-tier patterns from the
// pattern database. The plaintext names are kept only for logging; the
// engine matches on each pattern's FNV-1a id hash.
func BuiltinPatterns() []Pattern {
	return []Pattern{
		reverseShellClassic(),
		forkBombRapid(),
		privilegeEscalationChain(),
		credentialTheftRead(),
		kernelModuleLoad(),
	}
}

// reverseShellClassic matches the canonical socket -> connect -> dup2(x3)
// -> execve sequence used to pipe a shell's stdio over a network socket.
func reverseShellClassic() Pattern {
	dup2Step := func() PatternStep {
		s := syscallStep(nrDup2)
		s.MaxTimeDeltaUs = 2_000_000
		return s
	}

	steps := []PatternStep{
		syscallStep(nrSocket),
		withTimeDelta(syscallStep(nrConnect), 2_000_000),
		dup2Step(),
		dup2Step(),
		dup2Step(),
		withTimeDelta(syscallStep(nrExecve), 2_000_000),
	}
	return NewPattern("reverse_shell_classic", steps, alert.SeverityCritical, 10_000, nil)
}

// forkBombRapid matches four clone() calls in rapid succession (tight
// syscall-count distance), whitelisted for well-known build tools that
// legitimately fork heavily (make, gcc, cargo, ssh, modprobe).
func forkBombRapid() Pattern {
	cloneStep := func() PatternStep {
		s := syscallStep(nrClone)
		s.MaxStepDistance = 5
		return s
	}
	steps := []PatternStep{
		syscallStep(nrClone),
		cloneStep(),
		cloneStep(),
		cloneStep(),
	}
	whitelist := []string{"make", "gcc", "cargo", "ssh", "modprobe"}
	return NewPattern("fork_bomb_rapid", steps, alert.SeverityCritical, 1_000, whitelist)
}

// privilegeEscalationChain matches any file_read-class syscall (read, open,
// openat) followed within 5s by setuid, a common post-exploitation
// escalation shape. The file's path is not checked.
func privilegeEscalationChain() Pattern {
	steps := []PatternStep{
		classStep(ClassFileRead),
		withTimeDelta(syscallStep(nrSetuid), 5_000_000),
	}
	return NewPattern("privilege_escalation_chain", steps, alert.SeverityHigh, 10_000, nil)
}

// credentialTheftRead matches an openat whose path argument contains
// "id_rsa" followed within 5s by a read. The read is not tied to the file
// descriptor the openat returned.
func credentialTheftRead() Pattern {
	openStep := syscallStep(nrOpenat)
	openStep.ArgConstraints = []ArgConstraint{
		{ArgIndex: 1, Type: ConstraintStrContains, StringValue: "id_rsa", StringMaxBytes: 64},
	}
	steps := []PatternStep{
		openStep,
		withTimeDelta(syscallStep(nrRead), 5_000_000),
	}
	return NewPattern("credential_theft_read", steps, alert.SeverityHigh, 10_000, nil)
}

// kernelModuleLoad matches any kernel module load syscall, whitelisted for
// modprobe/insmod-driven administrative loads.
func kernelModuleLoad() Pattern {
	steps := []PatternStep{
		classStep(ClassKernelModule),
	}
	whitelist := []string{"modprobe", "insmod", "kmod"}
	return NewPattern("kernel_module_load", steps, alert.SeverityCritical, 1_000, whitelist)
}

func withTimeDelta(step PatternStep, us uint64) PatternStep {
	step.MaxTimeDeltaUs = us
	return step
}
