package goal

import (
	"sort"
	"testing"

	"github.com/dispatchd/dispatchd/internal/config"
	"github.com/dispatchd/dispatchd/internal/detector"
)

func linkTopology() map[detector.ID]config.Nodes {
	return map[detector.ID]config.Nodes{
		detector.TPC:         {Readers: []string{"reader0", "reader1"}, Controller: []string{"cc0"}},
		detector.MuonVeto:    {Readers: []string{"reader5"}, Controller: []string{"cc1"}},
		detector.NeutronVeto: {Readers: []string{"reader6"}, Controller: []string{"cc2"}},
	}
}

func linkState(mv, nv bool) State {
	return State{
		detector.TPC:         {LinkMV: mv, LinkNV: nv},
		detector.MuonVeto:    {},
		detector.NeutronVeto: {},
	}
}

func ids(dets []detector.ID) []string {
	out := make([]string, len(dets))
	for i, d := range dets {
		out[i] = string(d)
	}
	sort.Strings(out)
	return out
}

func TestResolveLinkageBothLinked(t *testing.T) {
	l := ResolveLinkage(linkState(true, true), linkTopology())

	if got := ids(l.Detectors()); len(got) != 1 || got[0] != "tpc" {
		t.Fatalf("detectors = %v, want [tpc]", got)
	}
	readers, cc := l.Hosts(detector.TPC)
	if len(readers) != 4 || len(cc) != 3 {
		t.Errorf("tpc owns %d readers / %d controllers, want 4/3", len(readers), len(cc))
	}
}

func TestResolveLinkageNoneLinked(t *testing.T) {
	l := ResolveLinkage(linkState(false, false), linkTopology())

	if got := ids(l.Detectors()); len(got) != 3 {
		t.Fatalf("detectors = %v, want all three", got)
	}
	readers, cc := l.Hosts(detector.TPC)
	if len(readers) != 2 || len(cc) != 1 {
		t.Errorf("tpc owns %d readers / %d controllers, want 2/1", len(readers), len(cc))
	}
}

func TestResolveLinkageOnlyMV(t *testing.T) {
	l := ResolveLinkage(linkState(true, false), linkTopology())

	if l.Independent(detector.MuonVeto) {
		t.Error("linked muon veto should not be independent")
	}
	if !l.Independent(detector.NeutronVeto) {
		t.Error("unlinked neutron veto should be independent")
	}
	readers, _ := l.Hosts(detector.TPC)
	found := false
	for _, h := range readers {
		if h == "reader5" {
			found = true
		}
	}
	if !found {
		t.Errorf("tpc readers %v should include the muon veto's", readers)
	}
}

func TestLinkageControllerIsAlwaysOwn(t *testing.T) {
	l := ResolveLinkage(linkState(true, true), linkTopology())

	cc, ok := l.Controller(detector.MuonVeto)
	if !ok || cc != "cc1" {
		t.Errorf("muon veto controller = %q (%v), want cc1", cc, ok)
	}
}
