// Package alert defines the Alert type shared by the baseline/anomaly,
// correlation, and Grimoire engines and consumed by the Alert Router. Keeping
// it in its own package (rather than inside any one engine) avoids import
// cycles: all three engines produce Alerts, and the router, API, and sinks
// all consume them without depending on any engine package.
package alert

import (
	"time"

	"github.com/google/uuid"
)

// Severity is the urgency level of an alert, ordered from least to most
// urgent.
type Severity string

const (
	SeverityDebug    Severity = "debug"
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// severityRank gives each Severity a total order for comparisons such as
// "is this alert at least as severe as critical".
var severityRank = map[Severity]int{
	SeverityDebug:    0,
	SeverityInfo:     1,
	SeverityWarning:  2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// AtLeast reports whether s is at least as severe as other.
func (s Severity) AtLeast(other Severity) bool {
	return severityRank[s] >= severityRank[other]
}

// Kind identifies which engine produced an alert and, within the anomaly
// detector, what sub-kind of anomaly was observed.
type Kind string

const (
	KindSpike        Kind = "spike"        // anomaly: z-score over threshold
	KindNewSyscall   Kind = "new-syscall"  // anomaly: mean==0, observed>0
	KindCorrelation  Kind = "correlation"  // correlation engine stage alert
	KindGrimoire     Kind = "grimoire"     // grimoire pattern match
	KindOther        Kind = "other"
)

// Source identifies which of the three core engines produced an alert. It is
// used by sinks (the Postgres archive in particular) that need a stable
// column value distinct from the free-form Kind.
type Source string

const (
	SourceAnomaly     Source = "anomaly"
	SourceCorrelation Source = "correlation"
	SourceGrimoire    Source = "grimoire"
)

// Alert is the common record emitted by any of the three engines and carried
// through the Alert Router to every sink.
//
// Fields not meaningful to a given engine are left at their zero value; sinks
// render only the fields relevant to their wire format (see spec §4.6).
type Alert struct {
	ID        uuid.UUID `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Source    Source    `json:"source"`
	Severity  Severity  `json:"severity"`
	Kind      Kind      `json:"kind"`

	PID       uint32 `json:"pid"`
	SyscallNr uint32 `json:"syscall,omitempty"`

	Observed uint64  `json:"observed,omitempty"`
	Expected float64 `json:"expected,omitempty"`
	StdDev   float64 `json:"stddev,omitempty"`
	ZScore   float64 `json:"z_score,omitempty"`

	Message string `json:"message"`

	// Detail carries engine-specific structured metadata (correlation's
	// socket/file/byte counts, Grimoire's pattern name and hash). It is
	// rendered verbatim by sinks that support arbitrary JSON (the JSON file
	// sink, the webhook sink, the gRPC forward sink, the archive sink).
	Detail map[string]any `json:"detail,omitempty"`
}

// New assigns a fresh ID and UTC timestamp, leaving all other fields to the
// caller. Every engine constructs alerts through New so that ID assignment
// happens in exactly one place.
func New(source Source, severity Severity, kind Kind, pid uint32, message string) Alert {
	return Alert{
		ID:        uuid.New(),
		Timestamp: time.Now().UTC(),
		Source:    source,
		Severity:  severity,
		Kind:      kind,
		PID:       pid,
		Message:   message,
	}
}
