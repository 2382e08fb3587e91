// Package status folds per-node status reports into one aggregate status per
// detector.
package status

import (
	"context"
	"time"

	"github.com/dispatchd/dispatchd/internal/detector"
)

// Aggregate is the rolled-up view of one detector.
type Aggregate struct {
	Detector detector.ID
	Status   detector.Status
	Rate     float64
	Buffer   float64
	Mode     string
	Number   int64
	Readers  int

	// Nodes maps each reporting host to its effective status after the
	// staleness override.
	Nodes map[string]detector.Status

	Time time.Time
}

// Snapshot is the aggregate view of the whole fleet for one tick.
type Snapshot map[detector.ID]Aggregate

// NodeStatuses is one detector's raw input: the latest report per reader and
// per controller host. A nil report means the host has never checked in.
type NodeStatuses struct {
	Readers     map[string]*detector.NodeReport
	Controllers map[string]*detector.NodeReport
}

// ModeHosts resolves which hosts a run mode declares relevant. The aggregator
// uses it to scope the roll-up when a crate controller reports a concrete
// mode.
type ModeHosts interface {
	HostsForMode(ctx context.Context, mode string) (readers, cc []string, err error)
}

// Aggregator computes per-detector aggregates.
type Aggregator struct {
	clientTimeout time.Duration
	modes         ModeHosts
	now           func() time.Time
}

// NewAggregator creates an Aggregator. Reports older than clientTimeout are
// forced to TIMEOUT regardless of what they claim.
func NewAggregator(clientTimeout time.Duration, modes ModeHosts) *Aggregator {
	return &Aggregator{
		clientTimeout: clientTimeout,
		modes:         modes,
		now:           time.Now,
	}
}

// Aggregate rolls up one detector.
//
// Rate and buffer are summed across reader reports. Each node's effective
// status is its reported status, overridden to TIMEOUT when stale and to
// UNKNOWN when missing or unparseable. A controller's mode and number
// populate the aggregate; without one, mode is "none" and number -1.
func (a *Aggregator) Aggregate(ctx context.Context, det detector.ID, nodes NodeStatuses) Aggregate {
	now := a.now()
	agg := Aggregate{
		Detector: det,
		Mode:     "none",
		Number:   -1,
		Readers:  len(nodes.Readers),
		Nodes:    make(map[string]detector.Status),
		Time:     now,
	}

	for host, doc := range nodes.Readers {
		if doc != nil {
			agg.Rate += doc.Rate
			agg.Buffer += doc.BufferSize
		}
		agg.Nodes[host] = a.effectiveStatus(doc, now)
	}
	for host, doc := range nodes.Controllers {
		agg.Nodes[host] = a.effectiveStatus(doc, now)
		if doc != nil {
			if doc.Mode != "" {
				agg.Mode = doc.Mode
			}
			agg.Number = doc.Number
		}
	}

	agg.Status = a.rollUp(ctx, agg)
	return agg
}

// effectiveStatus applies the staleness and parse rules to one report.
func (a *Aggregator) effectiveStatus(doc *detector.NodeReport, now time.Time) detector.Status {
	if doc == nil {
		return detector.Unknown
	}
	st, ok := detector.ParseStatus(doc.Status)
	if !ok || !doc.StatusOK {
		return detector.Unknown
	}
	if now.Sub(doc.Time) > a.clientTimeout {
		return detector.Timeout
	}
	return st
}

// rollUp derives the detector status from the per-node statuses. When the
// controller reports a concrete mode, only the hosts that mode declares
// count; hosts the mode names but the detector lacks contribute nothing.
func (a *Aggregator) rollUp(ctx context.Context, agg Aggregate) detector.Status {
	statuses := make([]detector.Status, 0, len(agg.Nodes))
	if agg.Mode != "none" && a.modes != nil {
		// An empty scoped list is not a fallback: a mode that names only
		// absent hosts rolls up to UNKNOWN.
		readers, cc, err := a.modes.HostsForMode(ctx, agg.Mode)
		relevant := make(map[string]bool, len(readers)+len(cc))
		if err == nil {
			for _, h := range readers {
				relevant[h] = true
			}
			for _, h := range cc {
				relevant[h] = true
			}
		}
		for host, st := range agg.Nodes {
			if relevant[host] {
				statuses = append(statuses, st)
			}
		}
	} else {
		for _, st := range agg.Nodes {
			statuses = append(statuses, st)
		}
	}

	// First match wins: a single ARMING/ERROR/TIMEOUT/UNKNOWN node taints
	// the whole detector.
	for _, bad := range []detector.Status{detector.Arming, detector.Error, detector.Timeout, detector.Unknown} {
		for _, st := range statuses {
			if st == bad {
				return bad
			}
		}
	}
	// Otherwise the detector is in a settled state only if every node agrees.
	for _, uniform := range []detector.Status{detector.Idle, detector.Armed, detector.Running} {
		if allEqual(statuses, uniform) {
			return uniform
		}
	}
	return detector.Unknown
}

func allEqual(statuses []detector.Status, target detector.Status) bool {
	if len(statuses) == 0 {
		return false
	}
	for _, st := range statuses {
		if st != target {
			return false
		}
	}
	return true
}
