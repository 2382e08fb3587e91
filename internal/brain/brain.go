// Package brain is the reconciliation engine: it compares the fleet's
// aggregate status against the operator's goal state and issues arm, start
// and stop commands to close the gap.
//
// One Tick evaluates the whole fleet. Everything is iterative: if a detector
// must be stopped before anything else can happen, the stop is issued and
// the situation is re-evaluated on the next tick once the command has run
// through.
package brain

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/dispatchd/dispatchd/internal/cmdqueue"
	"github.com/dispatchd/dispatchd/internal/config"
	"github.com/dispatchd/dispatchd/internal/detector"
	"github.com/dispatchd/dispatchd/internal/errorlog"
	"github.com/dispatchd/dispatchd/internal/goal"
	"github.com/dispatchd/dispatchd/internal/status"
)

// CommandSink accepts commands for durable queueing.
type CommandSink interface {
	Enqueue(ctx context.Context, req cmdqueue.Request) error
}

// RunLog is the run-lifecycle side the brain drives.
type RunLog interface {
	RecordStart(ctx context.Context, det detector.ID, state goal.State, linkage *goal.Linkage) (int64, error)
	RecordStop(ctx context.Context, number int64, det detector.ID, linkage *goal.Linkage, force bool) error
	RunStart(ctx context.Context, number int64) (time.Time, error)
	NextRunNumber(ctx context.Context) (int64, error)
}

// ErrorSink emits operator-visible errors.
type ErrorSink interface {
	LogError(ctx context.Context, message, priority, kind string)
}

// ModeHosts resolves arm/start targets from the run mode.
type ModeHosts interface {
	HostsForMode(ctx context.Context, mode string) (readers, cc []string, err error)
}

// Brain holds the per-detector cooldown state that persists across ticks.
type Brain struct {
	timeouts    map[cmdqueue.Kind]time.Duration
	stopRetries int
	timeBetween time.Duration
	topo        map[detector.ID]config.Nodes

	cmds   CommandSink
	runlog RunLog
	errors ErrorSink
	modes  ModeHosts
	log    *log.Logger
	now    func() time.Time

	lastCommand    map[cmdqueue.Kind]map[detector.ID]time.Time
	errorStopCount map[detector.ID]int
	canForceStop   map[detector.ID]bool
}

// New creates a Brain. Cooldown clocks start at construction time, so no
// command can fire before its timeout has elapsed once after startup.
func New(cmds config.Commands, topo map[detector.ID]config.Nodes, sink CommandSink, runlog RunLog, errors ErrorSink, modes ModeHosts, logger *log.Logger) *Brain {
	b := &Brain{
		timeouts: map[cmdqueue.Kind]time.Duration{
			cmdqueue.Arm:   cmds.ArmTimeoutD(),
			cmdqueue.Start: cmds.StartTimeoutD(),
			cmdqueue.Stop:  cmds.StopTimeoutD(),
		},
		stopRetries: cmds.RetryReset,
		timeBetween: cmds.TimeBetweenD(),
		topo:        topo,
		cmds:        sink,
		runlog:      runlog,
		errors:      errors,
		modes:       modes,
		log:         logger,
		now:         time.Now,

		lastCommand:    make(map[cmdqueue.Kind]map[detector.ID]time.Time),
		errorStopCount: make(map[detector.ID]int),
		canForceStop:   make(map[detector.ID]bool),
	}
	start := b.now()
	for _, kind := range cmdqueue.Kinds() {
		b.lastCommand[kind] = make(map[detector.ID]time.Time)
		for det := range topo {
			b.lastCommand[kind][det] = start
		}
	}
	for det := range topo {
		b.canForceStop[det] = true
	}
	return b
}

// tick carries the per-invocation state: the status snapshot, the goal, the
// resolved linkage, and the fleet-wide "one start per tick" flag.
type tick struct {
	b        *Brain
	statuses status.Snapshot
	goals    goal.State
	linkage  *goal.Linkage

	startedRun bool
}

// Tick evaluates the full fleet once. Collaborator faults are absorbed: the
// affected action becomes a no-op for this tick and the loop re-evaluates on
// the next one.
func (b *Brain) Tick(ctx context.Context, statuses status.Snapshot, goals goal.State) {
	// A detector observed idle has settled: forget its stop history.
	for det, agg := range statuses {
		if agg.Status == detector.Idle {
			b.canForceStop[det] = true
			b.errorStopCount[det] = 0
		}
	}

	t := &tick{
		b:        b,
		statuses: statuses,
		goals:    goals,
		linkage:  goal.ResolveLinkage(goals, b.topo),
	}
	t.deactivate(ctx)
	t.activate(ctx)
}

// deactivate handles detectors whose goal is inactive. Inactive means
// stopped: a detector still arming, armed, running, in error or unknown gets
// a (gentle) stop; one already idle or timed out is left alone apart from a
// timeout check.
func (t *tick) deactivate(ctx context.Context) {
	goals := t.goals

	if !goals[detector.TPC].Active {
		busy := t.statuses[detector.TPC].Status.Active()
		for _, veto := range detector.Vetos() {
			if goals.Linked(veto) && t.statuses[veto].Status.Active() {
				busy = true
			}
		}
		if busy {
			t.stopGently(ctx, detector.TPC)
		} else if t.statuses[detector.TPC].Status == detector.Timeout {
			t.checkTimeouts(ctx, detector.TPC, "")
		}
	}

	for _, veto := range detector.Vetos() {
		if goals.Linked(veto) || goals[veto].Active {
			continue
		}
		if t.statuses[veto].Status.Active() {
			t.stopGently(ctx, veto)
		} else if t.statuses[veto].Status == detector.Timeout {
			t.checkTimeouts(ctx, veto, "")
		}
	}
}

// activate walks the state ladder for detectors whose goal is active:
// running detectors get a turnover check, armed ones a start, idle ones an
// arm, arming ones a timeout watch, erroring ones a stop, and anything else
// falls through to the generic timeout check.
func (t *tick) activate(ctx context.Context) {
	goals := t.goals

	if goals[detector.TPC].Active {
		// A linked veto must match the TPC's state for the clause to fire;
		// an unlinked veto is compliant by definition.
		peers := func(st detector.Status) bool {
			for _, veto := range detector.Vetos() {
				if goals.Linked(veto) && t.statuses[veto].Status != st {
					return false
				}
			}
			return true
		}

		tpcStatus := t.statuses[detector.TPC].Status
		switch {
		case tpcStatus == detector.Running && peers(detector.Running):
			t.checkRunTurnover(ctx, detector.TPC)
		case tpcStatus == detector.Armed && peers(detector.Armed):
			t.b.log.Printf("Starting TPC")
			t.controlDetector(ctx, cmdqueue.Start, detector.TPC, false)
		case tpcStatus == detector.Idle && peers(detector.Idle):
			t.b.log.Printf("Arming TPC")
			t.controlDetector(ctx, cmdqueue.Arm, detector.TPC, false)
		case tpcStatus == detector.Arming && peers(detector.Arming):
			t.checkTimeouts(ctx, detector.TPC, cmdqueue.Arm)
		case tpcStatus == detector.Error && peers(detector.Error):
			t.b.log.Printf("TPC has error!")
			t.controlDetector(ctx, cmdqueue.Stop, detector.TPC, t.b.canForceStop[detector.TPC])
			t.b.canForceStop[detector.TPC] = false
		default:
			t.checkTimeouts(ctx, detector.TPC, "")
		}
	}

	for _, veto := range detector.Vetos() {
		if goals.Linked(veto) || !goals[veto].Active {
			continue
		}
		switch t.statuses[veto].Status {
		case detector.Running:
			t.checkRunTurnover(ctx, veto)
		case detector.Armed:
			t.controlDetector(ctx, cmdqueue.Start, veto, false)
		case detector.Idle:
			t.controlDetector(ctx, cmdqueue.Arm, veto, false)
		case detector.Error:
			t.controlDetector(ctx, cmdqueue.Stop, veto, t.b.canForceStop[veto])
			t.b.canForceStop[veto] = false
		default:
			t.checkTimeouts(ctx, veto, "")
		}
	}
}

// stopGently stops the detector, unless the operator asked to let the
// current run finish, in which case only the turnover clock decides.
func (t *tick) stopGently(ctx context.Context, det detector.ID) {
	if t.statuses[det].Status == detector.Running && t.goals[det].FinishRunOnStop {
		t.checkRunTurnover(ctx, det)
	} else {
		t.controlDetector(ctx, cmdqueue.Stop, det, false)
	}
}

// controlDetector issues cmd to det, gated by the per-command cooldown and
// the inter-command spacing. The cooldown clocks are not touched when the
// gate holds the command back or the enqueue fails; a start attempt claims
// the tick's single start slot either way.
func (t *tick) controlDetector(ctx context.Context, cmd cmdqueue.Kind, det detector.ID, force bool) {
	b := t.b
	now := b.now()

	dt, ok := b.sinceLast(cmd, det, now)
	if !ok {
		dt = 2 * b.timeouts[cmd]
	}

	var dtLast time.Duration
	switch cmd {
	case cmdqueue.Start:
		// At most one start fleet-wide per tick.
		if t.startedRun {
			return
		}
		t.startedRun = true
		dtLast, _ = b.sinceLast(cmdqueue.Arm, det, now)
	case cmdqueue.Arm:
		dtLast, _ = b.sinceLast(cmdqueue.Stop, det, now)
	default:
		dtLast = 2 * b.timeBetween
	}

	if !(dt > b.timeouts[cmd] && dtLast > b.timeBetween) && !force {
		b.log.Printf("Can't send %s to %s, timeout at %d/%d",
			cmd, det, int(dt.Seconds()), int(b.timeouts[cmd].Seconds()))
		return
	}

	mode := t.goals[det].Mode
	req := cmdqueue.Request{
		Command:  cmd,
		Detector: det,
		User:     t.goals[det].User,
		Mode:     mode,
	}
	switch cmd {
	case cmdqueue.Arm, cmdqueue.Start:
		readers, cc, err := b.modes.HostsForMode(ctx, mode)
		if err != nil {
			b.log.Printf("No hosts for mode %q: %v", mode, err)
			return
		}
		req.Readers, req.CC = readers, cc
		if cmd == cmdqueue.Arm {
			number, err := b.runlog.NextRunNumber(ctx)
			if err != nil {
				b.log.Printf("Can't allocate run number: %v", err)
				return
			}
			req.NumberOverride = &number
		}
	case cmdqueue.Stop:
		req.Readers, req.CC = t.linkage.Hosts(det)
		if !force {
			// Stagger the stop: readers drain before the CC cuts off.
			req.Delay = 5 * time.Second
		}
	}

	b.log.Printf("Sending %s to %s", cmd, det)
	if err := b.cmds.Enqueue(ctx, req); err != nil {
		b.log.Printf("Dropping command %s to %s: %v", cmd, det, err)
		return
	}
	b.lastCommand[cmd][det] = now

	if cmd == cmdqueue.Start {
		if _, err := b.runlog.RecordStart(ctx, det, t.goals, t.linkage); err != nil {
			b.log.Printf("Run doc for %s not recorded: %v", det, err)
		}
	}
	if cmd == cmdqueue.Stop {
		if number := t.statuses[det].Number; number >= 0 {
			if err := b.runlog.RecordStop(ctx, number, det, t.linkage, force); err != nil {
				b.log.Printf("Run %d not closed: %v", number, err)
			}
		}
	}
}

// checkTimeouts decides what to do about a detector that is not where it
// should be: inside the command's timeout nothing happens; past it, a stuck
// stop is retried with a linearly growing timeout until the retry budget is
// spent, and a stuck arm or start escalates to an error plus a stop.
func (t *tick) checkTimeouts(ctx context.Context, det detector.ID, cmd cmdqueue.Kind) {
	b := t.b
	now := b.now()

	if cmd == "" {
		// Not told which command to watch: take the most recent one.
		var latest time.Time
		for _, kind := range cmdqueue.Kinds() {
			if ts := b.lastCommand[kind][det]; !ts.Before(latest) {
				latest = ts
				cmd = kind
			}
		}
		b.log.Printf("Most recent command for %s is %s", det, cmd)
	}

	dt, _ := b.sinceLast(cmd, det, now)
	effective := b.timeouts[cmd]
	if cmd == cmdqueue.Stop {
		effective = b.timeouts[cmd] * time.Duration(b.errorStopCount[det]+1)
	}

	if dt < effective {
		b.log.Printf("%d is within the %d second timeout for a %s command",
			int(dt.Seconds()), int(effective.Seconds()), cmd)
		return
	}

	if cmd == cmdqueue.Stop {
		if b.errorStopCount[det] >= b.stopRetries {
			b.errors.LogError(ctx,
				"Dispatcher control loop detects a timeout that STOP can't solve",
				errorlog.Error, errorlog.KindStopTimeout)
			b.errorStopCount[det] = 0
		} else {
			t.controlDetector(ctx, cmdqueue.Stop, det, false)
			// Incremented after the retry so the next gate already sees
			// the back-off.
			b.errorStopCount[det]++
		}
		return
	}

	kind := errorlog.KindArmTimeout
	if cmd == cmdqueue.Start {
		kind = errorlog.KindStartTimeout
	}
	t.b.errors.LogError(ctx,
		fmt.Sprintf("%s took more than %d seconds to %s, indicating a possible timeout or error",
			det, int(b.timeouts[cmd].Seconds()), cmd),
		errorlog.Error, kind)
	t.controlDetector(ctx, cmdqueue.Stop, det, false)
}

// checkRunTurnover stops the detector once its run has exceeded the
// configured duration. Detectors without a configured duration run forever.
func (t *tick) checkRunTurnover(ctx context.Context, det detector.ID) {
	b := t.b
	g := t.goals[det]
	if g.StopAfter == 0 {
		b.log.Printf("No run duration specified for %s", det)
		return
	}

	number := t.statuses[det].Number
	if number < 0 {
		// The controller did not report a number; derive it without
		// touching the snapshot.
		next, err := b.runlog.NextRunNumber(ctx)
		if err != nil {
			b.log.Printf("Can't resolve run number for %s: %v", det, err)
			return
		}
		number = next - 1
		b.log.Printf("No run number in status for %s, assuming %d", det, number)
		if number < 0 {
			return
		}
	}

	start, err := b.runlog.RunStart(ctx, number)
	if err != nil || start.IsZero() {
		return
	}
	duration := b.now().Sub(start)
	b.log.Printf("Checking run turnover for %s: %d/%d",
		det, int(duration.Seconds()), int(g.StopAfter.Seconds()))
	if duration > g.StopAfter {
		b.log.Printf("Stopping run for %s", det)
		t.controlDetector(ctx, cmdqueue.Stop, det, false)
	}
}

// ThrowError emits the unreachable-goal escalation.
func (b *Brain) ThrowError(ctx context.Context) {
	b.errors.LogError(ctx,
		"Dispatcher control loop can't get DAQ out of stuck state",
		errorlog.Error, errorlog.KindGeneralError)
}

// sinceLast returns the time since cmd was last issued to det.
func (b *Brain) sinceLast(cmd cmdqueue.Kind, det detector.ID, now time.Time) (time.Duration, bool) {
	last, ok := b.lastCommand[cmd][det]
	if !ok {
		return 0, false
	}
	return now.Sub(last), true
}
