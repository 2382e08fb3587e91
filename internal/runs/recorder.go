package runs

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/dispatchd/dispatchd/internal/cmdqueue"
	"github.com/dispatchd/dispatchd/internal/detector"
	"github.com/dispatchd/dispatchd/internal/goal"
)

// Doc is a run document as the recorder composes it. The store layer maps it
// onto the runs collection schema.
type Doc struct {
	Number    int64
	Detectors []string
	User      string
	Mode      string

	// Config is the resolved run-mode snapshot stored alongside the run.
	Config map[string]any

	// SourceType is the calibration source type, when the mode names one.
	SourceType string

	// OutputLocation is where live data lands, when the mode names one.
	OutputLocation string

	Comment string
	Start   time.Time

	// Messy marks a run whose start acknowledgement was never observed.
	Messy bool
}

// RateStats is the per-detector rate summary attached to a closed run.
type RateStats struct {
	Avg float64
	Max float64
}

// Store is the runs-collection persistence the recorder needs.
type Store interface {
	// NextRunNumber returns max(number)+1, or 0 for an empty collection.
	NextRunNumber(ctx context.Context) (int64, error)

	// InsertRun inserts a run document.
	InsertRun(ctx context.Context, doc Doc) error

	// RunStart returns the start time of run number, or zero time if the
	// run or its start field is missing.
	RunStart(ctx context.Context, number int64) (time.Time, error)

	// CloseRun sets end on the still-open run matching (number, det) and
	// pushes a messy tag when the stop was forced. It reports whether a
	// document was modified.
	CloseRun(ctx context.Context, number int64, det detector.ID, end time.Time, messy bool) (bool, error)

	// RunRates summarises aggregate-status samples scoped to the run.
	RunRates(ctx context.Context, number int64) (map[string]RateStats, error)

	// SetRunRates persists the rate summary on the run document.
	SetRunRates(ctx context.Context, number int64, rates map[string]RateStats) error
}

// AckSource reads acknowledgement timestamps off promoted outgoing commands.
type AckSource interface {
	// AckTime returns when host acknowledged the outgoing command with the
	// given CID. ok is false while the acknowledgement is still pending.
	AckTime(ctx context.Context, cid, host string) (time.Time, bool, error)
}

// Acknowledgement polling. The crate controller polls its command queue
// roughly every 2 s, so the start poll covers that window; stops are
// acknowledged much faster.
const (
	ackPollInterval  = 250 * time.Millisecond
	startAckAttempts = 8
	stopAckAttempts  = 2
)

// Recorder inserts a run document on start and closes it on stop, using the
// crate controller's command acknowledgement times as the authoritative
// start/stop timestamps.
type Recorder struct {
	store Store
	acks  AckSource
	index *cmdqueue.OutgoingIndex
	modes *ModeResolver
	log   *log.Logger
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) bool
}

// NewRecorder creates a Recorder.
func NewRecorder(store Store, acks AckSource, index *cmdqueue.OutgoingIndex, modes *ModeResolver, logger *log.Logger) *Recorder {
	return &Recorder{
		store: store,
		acks:  acks,
		index: index,
		modes: modes,
		log:   logger,
		now:   time.Now,
		sleep: sleepCtx,
	}
}

// RecordStart composes and inserts the run document for a start just issued
// to det. The run number is allocated as max+1; linked vetos share the run.
// Returns the allocated number.
func (r *Recorder) RecordStart(ctx context.Context, det detector.ID, state goal.State, linkage *goal.Linkage) (int64, error) {
	number, err := r.store.NextRunNumber(ctx)
	if err != nil {
		return -1, fmt.Errorf("allocating run number: %w", err)
	}

	detectors := []string{string(det)}
	if det == detector.TPC {
		for _, veto := range detector.Vetos() {
			if state.Linked(veto) {
				detectors = append(detectors, string(veto))
			}
		}
	}

	g := state[det]
	doc := Doc{
		Number:    number,
		Detectors: detectors,
		User:      g.User,
		Mode:      g.Mode,
		Comment:   g.Comment,
	}

	if cfg, err := r.modes.Resolve(ctx, g.Mode); err == nil {
		doc.Config = cfg
		if src, ok := cfg["source"].(string); ok {
			doc.SourceType = src
		}
		if path, ok := cfg["strax_output_path"].(string); ok {
			doc.OutputLocation = path
		}
	} else {
		r.log.Printf("Could not resolve mode for run %d: %v", number, err)
	}

	start, acked := r.pollAck(ctx, det, cmdqueue.Start, linkage, startAckAttempts)
	if !acked {
		start = r.now().Add(-2 * time.Second)
		doc.Messy = true
	}
	doc.Start = start

	if err := r.store.InsertRun(ctx, doc); err != nil {
		return -1, fmt.Errorf("inserting run %d: %w", number, err)
	}
	return number, nil
}

// RecordStop closes run number for det, using the stop acknowledgement as
// the end time. On success it also persists the per-detector rate summary
// computed from the run's aggregate-status samples.
func (r *Recorder) RecordStop(ctx context.Context, number int64, det detector.ID, linkage *goal.Linkage, force bool) error {
	r.log.Printf("Updating run %d with end time (%s)", number, det)

	end, acked := r.pollAck(ctx, det, cmdqueue.Stop, linkage, stopAckAttempts)
	if !acked {
		end = r.now().Add(-time.Second)
	}

	modified, err := r.store.CloseRun(ctx, number, det, end, force)
	if err != nil {
		return fmt.Errorf("closing run %d: %w", number, err)
	}
	if !modified {
		return nil
	}

	rates, err := r.store.RunRates(ctx, number)
	if err != nil {
		return fmt.Errorf("summarising rates for run %d: %w", number, err)
	}
	if err := r.store.SetRunRates(ctx, number, rates); err != nil {
		return fmt.Errorf("persisting rates for run %d: %w", number, err)
	}
	return nil
}

// RunStart exposes the stored start time of a run for turnover checks.
func (r *Recorder) RunStart(ctx context.Context, number int64) (time.Time, error) {
	return r.store.RunStart(ctx, number)
}

// NextRunNumber exposes run-number allocation for arm commands.
func (r *Recorder) NextRunNumber(ctx context.Context) (int64, error) {
	return r.store.NextRunNumber(ctx)
}

// pollAck polls the detector's own crate controller for an acknowledgement
// of the most recently promoted (det, cmd) record. Readers of the outgoing
// index must tolerate an empty CID: the worker may not have promoted the
// record yet when polling begins.
func (r *Recorder) pollAck(ctx context.Context, det detector.ID, cmd cmdqueue.Kind, linkage *goal.Linkage, attempts int) (time.Time, bool) {
	cc, ok := linkage.Controller(det)
	if !ok {
		return time.Time{}, false
	}
	for i := 0; i < attempts; i++ {
		if !r.sleep(ctx, ackPollInterval) {
			return time.Time{}, false
		}
		cid := r.index.Get(det, cmd)
		if cid == "" {
			continue
		}
		ts, acked, err := r.acks.AckTime(ctx, cid, cc)
		if err != nil {
			r.log.Printf("Ack lookup for %s-%s failed: %v", det, cmd, err)
			continue
		}
		if acked {
			return ts, true
		}
	}
	r.log.Printf("No ACK time for %s-%s", det, cmd)
	return time.Time{}, false
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
