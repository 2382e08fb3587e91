// Package detector defines the detectors the dispatcher controls and the
// status values their nodes report.
package detector

import (
	"fmt"
	"time"
)

// ID identifies one of the three detectors.
type ID string

const (
	// TPC is the time projection chamber, the primary detector. It is the
	// only detector that may link the vetos into a combined run.
	TPC ID = "tpc"

	// MuonVeto is the muon veto detector.
	MuonVeto ID = "muon_veto"

	// NeutronVeto is the neutron veto detector.
	NeutronVeto ID = "neutron_veto"
)

// All returns the detectors in evaluation order. The TPC comes first so the
// reconciliation loop handles linked runs before the standalone vetos.
func All() []ID {
	return []ID{TPC, MuonVeto, NeutronVeto}
}

// Vetos returns the two veto detectors.
func Vetos() []ID {
	return []ID{MuonVeto, NeutronVeto}
}

// Valid reports whether id names a known detector.
func Valid(id ID) bool {
	switch id {
	case TPC, MuonVeto, NeutronVeto:
		return true
	}
	return false
}

// Status is the state a node (or a whole detector, once aggregated) is in.
// The numeric values are the wire codes the readout nodes report.
type Status int

const (
	Idle Status = iota
	Arming
	Armed
	Running
	Error
	Timeout
	Unknown
)

var statusNames = map[Status]string{
	Idle:    "IDLE",
	Arming:  "ARMING",
	Armed:   "ARMED",
	Running: "RUNNING",
	Error:   "ERROR",
	Timeout: "TIMEOUT",
	Unknown: "UNKNOWN",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("STATUS(%d)", int(s))
}

// ParseStatus converts a reported wire code into a Status. Codes outside the
// known range come back as Unknown with ok=false so callers can tell a real
// Unknown report from garbage.
func ParseStatus(code int) (Status, bool) {
	if code < int(Idle) || code > int(Unknown) {
		return Unknown, false
	}
	return Status(code), true
}

// Active reports whether the status counts as "doing something": a detector
// in one of these states is not safely stopped. UNKNOWN is included because a
// half-reporting detector must be treated as busy until proven idle.
func (s Status) Active() bool {
	switch s {
	case Arming, Armed, Running, Error, Unknown:
		return true
	}
	return false
}

// NodeReport is the latest status document from one readout node.
// Controller nodes additionally carry the run mode and run number.
type NodeReport struct {
	Host       string
	Status     int
	StatusOK   bool // false when the status field was missing or unparseable
	Rate       float64
	BufferSize float64
	Time       time.Time

	// Controller-only fields.
	Mode   string
	Number int64
}
