// Package goal materialises the operator's target state per detector and
// resolves which detectors are linked into a combined run.
package goal

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/dispatchd/dispatchd/internal/detector"
)

// DetectorGoal is the operator's target state for one detector. String-typed
// flags from the control documents are converted to booleans here; nothing
// downstream ever sees 'true'/'false' strings.
type DetectorGoal struct {
	Active          bool
	Mode            string
	User            string
	StopAfter       time.Duration // 0 means no automatic run rotation
	Comment         string
	FinishRunOnStop bool

	// TPC only.
	LinkMV bool
	LinkNV bool
}

// State is the goal for the whole fleet.
type State map[detector.ID]DetectorGoal

// Linked reports whether det is folded under the TPC's run lifecycle.
func (s State) Linked(det detector.ID) bool {
	tpc, ok := s[detector.TPC]
	if !ok {
		return false
	}
	switch det {
	case detector.MuonVeto:
		return tpc.LinkMV
	case detector.NeutronVeto:
		return tpc.LinkNV
	}
	return false
}

// ControlDoc is one operator write to a control key.
type ControlDoc struct {
	Field string
	Value string
	Time  time.Time
	User  string
}

// KeySource provides the most recent operator write per control key.
// Keys are qualified as "<detector>.<key>".
type KeySource interface {
	LatestControl(ctx context.Context, key string) (*ControlDoc, error)
}

// Reader assembles goal states from persisted control keys.
type Reader struct {
	source KeySource
	keys   []string
}

// NewReader creates a Reader over the given control keys.
func NewReader(source KeySource, keys []string) *Reader {
	return &Reader{source: source, keys: keys}
}

// Read materialises the fleet goal. If any key is missing for any detector
// it returns an error; the caller should skip the tick rather than act on a
// partial goal. The newest writer across a detector's keys stamps its User.
func (r *Reader) Read(ctx context.Context) (State, error) {
	state := make(State, len(detector.All()))
	for _, det := range detector.All() {
		fields := make(map[string]string, len(r.keys))
		var latest time.Time
		var user string
		for _, key := range r.keys {
			doc, err := r.source.LatestControl(ctx, fmt.Sprintf("%s.%s", det, key))
			if err != nil {
				return nil, fmt.Errorf("reading control key %s.%s: %w", det, key, err)
			}
			if doc == nil {
				return nil, fmt.Errorf("no control key %s.%s", det, key)
			}
			fields[doc.Field] = doc.Value
			if user == "" || doc.Time.After(latest) {
				latest = doc.Time
				user = doc.User
			}
		}
		g, err := parseGoal(fields)
		if err != nil {
			return nil, fmt.Errorf("goal for %s: %w", det, err)
		}
		g.User = user
		state[det] = g
	}
	return state, nil
}

// parseGoal converts the stringly-typed control fields into a DetectorGoal.
func parseGoal(fields map[string]string) (DetectorGoal, error) {
	g := DetectorGoal{
		Mode:    fields["mode"],
		Comment: fields["comment"],
	}
	var err error
	if g.Active, err = parseFlag(fields["active"]); err != nil {
		return g, fmt.Errorf("active: %w", err)
	}
	// Absent or malformed stop_after means no rotation.
	if raw, ok := fields["stop_after"]; ok && raw != "" {
		if minutes, convErr := strconv.Atoi(raw); convErr == nil && minutes > 0 {
			g.StopAfter = time.Duration(minutes) * time.Minute
		}
	}
	g.FinishRunOnStop, _ = parseFlag(fields["finish_run_on_stop"])
	g.LinkMV, _ = parseFlag(fields["link_mv"])
	g.LinkNV, _ = parseFlag(fields["link_nv"])
	return g, nil
}

func parseFlag(raw string) (bool, error) {
	switch raw {
	case "true":
		return true, nil
	case "false", "":
		return false, nil
	}
	return false, fmt.Errorf("not a boolean: %q", raw)
}
