package status

import (
	"context"
	"testing"
	"time"

	"github.com/dispatchd/dispatchd/internal/detector"
)

type fakeModes struct {
	readers []string
	cc      []string
	err     error
}

func (f *fakeModes) HostsForMode(ctx context.Context, mode string) ([]string, []string, error) {
	return f.readers, f.cc, f.err
}

func testAggregator(modes ModeHosts) (*Aggregator, time.Time) {
	now := time.Date(2026, 5, 11, 8, 0, 0, 0, time.UTC)
	a := NewAggregator(30*time.Second, modes)
	a.now = func() time.Time { return now }
	return a, now
}

func report(host string, st detector.Status, ts time.Time) *detector.NodeReport {
	return &detector.NodeReport{
		Host:     host,
		Status:   int(st),
		StatusOK: true,
		Time:     ts,
		Number:   -1,
	}
}

func TestAggregateSumsRatesAndBuffers(t *testing.T) {
	a, now := testAggregator(nil)
	r0 := report("reader0", detector.Running, now)
	r0.Rate = 100.5
	r0.BufferSize = 10
	r1 := report("reader1", detector.Running, now)
	r1.Rate = 50.5
	r1.BufferSize = 5

	agg := a.Aggregate(context.Background(), detector.TPC, NodeStatuses{
		Readers: map[string]*detector.NodeReport{"reader0": r0, "reader1": r1},
	})

	if agg.Rate != 151.0 {
		t.Errorf("rate = %v, want 151.0", agg.Rate)
	}
	if agg.Buffer != 15.0 {
		t.Errorf("buffer = %v, want 15.0", agg.Buffer)
	}
	if agg.Status != detector.Running {
		t.Errorf("status = %v, want RUNNING", agg.Status)
	}
}

func TestAggregateStaleReportBecomesTimeout(t *testing.T) {
	a, now := testAggregator(nil)
	fresh := report("reader0", detector.Running, now)
	stale := report("reader1", detector.Running, now.Add(-45*time.Second))

	agg := a.Aggregate(context.Background(), detector.TPC, NodeStatuses{
		Readers: map[string]*detector.NodeReport{"reader0": fresh, "reader1": stale},
	})

	if agg.Nodes["reader1"] != detector.Timeout {
		t.Errorf("stale node = %v, want TIMEOUT", agg.Nodes["reader1"])
	}
	if agg.Status != detector.Timeout {
		t.Errorf("status = %v, want TIMEOUT", agg.Status)
	}
}

func TestAggregateMissingReportIsUnknown(t *testing.T) {
	a, now := testAggregator(nil)

	agg := a.Aggregate(context.Background(), detector.TPC, NodeStatuses{
		Readers: map[string]*detector.NodeReport{
			"reader0": report("reader0", detector.Idle, now),
			"reader1": nil,
		},
	})

	if agg.Status != detector.Unknown {
		t.Errorf("status = %v, want UNKNOWN", agg.Status)
	}
}

func TestAggregateUnparseableStatusIsUnknown(t *testing.T) {
	a, now := testAggregator(nil)
	bad := report("reader0", detector.Idle, now)
	bad.StatusOK = false

	agg := a.Aggregate(context.Background(), detector.TPC, NodeStatuses{
		Readers: map[string]*detector.NodeReport{"reader0": bad},
	})

	if agg.Status != detector.Unknown {
		t.Errorf("status = %v, want UNKNOWN", agg.Status)
	}
}

func TestAggregateRollUpOrder(t *testing.T) {
	a, now := testAggregator(nil)

	// A single ARMING node wins over an ERROR node.
	agg := a.Aggregate(context.Background(), detector.TPC, NodeStatuses{
		Readers: map[string]*detector.NodeReport{
			"reader0": report("reader0", detector.Arming, now),
			"reader1": report("reader1", detector.Error, now),
		},
	})
	if agg.Status != detector.Arming {
		t.Errorf("status = %v, want ARMING", agg.Status)
	}

	// Mixed settled states roll up to UNKNOWN.
	agg = a.Aggregate(context.Background(), detector.TPC, NodeStatuses{
		Readers: map[string]*detector.NodeReport{
			"reader0": report("reader0", detector.Idle, now),
			"reader1": report("reader1", detector.Armed, now),
		},
	})
	if agg.Status != detector.Unknown {
		t.Errorf("mixed status = %v, want UNKNOWN", agg.Status)
	}
}

func TestAggregateControllerPopulatesModeAndNumber(t *testing.T) {
	a, now := testAggregator(&fakeModes{
		readers: []string{"reader0"},
		cc:      []string{"cc0"},
	})
	cc := report("cc0", detector.Running, now)
	cc.Mode = "background"
	cc.Number = 1234

	agg := a.Aggregate(context.Background(), detector.TPC, NodeStatuses{
		Readers: map[string]*detector.NodeReport{
			"reader0": report("reader0", detector.Running, now),
		},
		Controllers: map[string]*detector.NodeReport{"cc0": cc},
	})

	if agg.Mode != "background" {
		t.Errorf("mode = %q, want background", agg.Mode)
	}
	if agg.Number != 1234 {
		t.Errorf("number = %d, want 1234", agg.Number)
	}
	if agg.Status != detector.Running {
		t.Errorf("status = %v, want RUNNING", agg.Status)
	}
}

func TestAggregateNoControllerDefaults(t *testing.T) {
	a, now := testAggregator(nil)

	agg := a.Aggregate(context.Background(), detector.MuonVeto, NodeStatuses{
		Readers: map[string]*detector.NodeReport{
			"reader5": report("reader5", detector.Idle, now),
		},
	})

	if agg.Mode != "none" {
		t.Errorf("mode = %q, want none", agg.Mode)
	}
	if agg.Number != -1 {
		t.Errorf("number = %d, want -1", agg.Number)
	}
}

func TestAggregateModeScopesRollUp(t *testing.T) {
	// The mode only declares reader0 and cc0; reader1's error is invisible.
	a, now := testAggregator(&fakeModes{
		readers: []string{"reader0"},
		cc:      []string{"cc0"},
	})
	cc := report("cc0", detector.Running, now)
	cc.Mode = "background"
	cc.Number = 7

	agg := a.Aggregate(context.Background(), detector.TPC, NodeStatuses{
		Readers: map[string]*detector.NodeReport{
			"reader0": report("reader0", detector.Running, now),
			"reader1": report("reader1", detector.Error, now),
		},
		Controllers: map[string]*detector.NodeReport{"cc0": cc},
	})

	if agg.Status != detector.Running {
		t.Errorf("status = %v, want RUNNING (reader1 out of mode scope)", agg.Status)
	}
}

func TestAggregateModeNamingOnlyAbsentHostsIsUnknown(t *testing.T) {
	a, now := testAggregator(&fakeModes{
		readers: []string{"ghost0"},
		cc:      []string{"ghost_cc"},
	})
	cc := report("cc0", detector.Running, now)
	cc.Mode = "background"

	agg := a.Aggregate(context.Background(), detector.TPC, NodeStatuses{
		Readers: map[string]*detector.NodeReport{
			"reader0": report("reader0", detector.Running, now),
		},
		Controllers: map[string]*detector.NodeReport{"cc0": cc},
	})

	if agg.Status != detector.Unknown {
		t.Errorf("status = %v, want UNKNOWN", agg.Status)
	}
}
