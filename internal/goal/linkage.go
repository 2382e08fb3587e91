package goal

import (
	"github.com/dispatchd/dispatchd/internal/config"
	"github.com/dispatchd/dispatchd/internal/detector"
)

// Linkage is the effective fleet layout for one goal state: which detectors
// act independently this tick and which nodes each one owns. When the TPC
// links a veto, the veto disappears from the set and its nodes fold into the
// TPC's.
type Linkage struct {
	topo map[detector.ID]config.Nodes
	sets map[detector.ID]config.Nodes
}

// ResolveLinkage computes the effective detector set from the TPC goal.
func ResolveLinkage(state State, topo map[detector.ID]config.Nodes) *Linkage {
	l := &Linkage{
		topo: topo,
		sets: make(map[detector.ID]config.Nodes, len(topo)),
	}

	tpcNodes := merge(topo[detector.TPC])
	for _, veto := range detector.Vetos() {
		if state.Linked(veto) {
			tpcNodes = merge(tpcNodes, topo[veto])
		} else {
			l.sets[veto] = merge(topo[veto])
		}
	}
	l.sets[detector.TPC] = tpcNodes
	return l
}

// Detectors returns the effective detector set in evaluation order.
func (l *Linkage) Detectors() []detector.ID {
	out := make([]detector.ID, 0, len(l.sets))
	for _, det := range detector.All() {
		if _, ok := l.sets[det]; ok {
			out = append(out, det)
		}
	}
	return out
}

// Independent reports whether det receives its own commands this tick.
func (l *Linkage) Independent(det detector.ID) bool {
	_, ok := l.sets[det]
	return ok
}

// Hosts returns the reader and controller hosts addressed by commands to
// det, including any linked vetos' nodes for the TPC.
func (l *Linkage) Hosts(det detector.ID) (readers, cc []string) {
	nodes := l.sets[det]
	return nodes.Readers, nodes.Controller
}

// Controller returns det's own first crate-controller host, unaffected by
// linkage. Acknowledgement timestamps always come from the detector's own CC.
func (l *Linkage) Controller(det detector.ID) (string, bool) {
	nodes := l.topo[det]
	if len(nodes.Controller) == 0 {
		return "", false
	}
	return nodes.Controller[0], true
}

func merge(sets ...config.Nodes) config.Nodes {
	var out config.Nodes
	for _, n := range sets {
		out.Readers = append(out.Readers, n.Readers...)
		out.Controller = append(out.Controller, n.Controller...)
	}
	return out
}
