// Package cmdqueue provides the durable, delayed-visibility command queue
// between the reconciliation engine and the node agents.
//
// Enqueue persists command records with a visibility time; a single worker
// promotes due records into the outgoing collection where the node agents
// pick them up. Once Enqueue returns success the command is promoted exactly
// once, no earlier than its visibility time.
package cmdqueue

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dispatchd/dispatchd/internal/detector"
)

// Kind is one of the three commands the dispatcher can issue.
type Kind string

const (
	Arm   Kind = "arm"
	Start Kind = "start"
	Stop  Kind = "stop"
)

// Kinds returns all command kinds.
func Kinds() []Kind {
	return []Kind{Arm, Start, Stop}
}

// Command is one persisted command record. CID correlates the queue record
// with its outgoing twin so acknowledgement lookups can find it after
// promotion.
type Command struct {
	CID      string
	Command  Kind
	User     string
	Detector detector.ID
	Mode     string

	// NumberOverride carries the run number allocated at arm time.
	NumberOverride *int64

	// Hosts is the target host list; each host starts unacknowledged.
	Hosts []string

	// CreatedAt is the visibility time: the worker will not promote the
	// record before it.
	CreatedAt time.Time
}

// Store is the persistence the queue runs against.
type Store interface {
	// Push appends records to the queue.
	Push(ctx context.Context, cmds []Command) error

	// NextPending returns the earliest-visibility queued record, or nil.
	NextPending(ctx context.Context) (*Command, error)

	// Promote moves the record with the given CID from the queue into the
	// outgoing collection.
	Promote(ctx context.Context, cid string) error
}

// promotePollInterval bounds how long the worker sleeps with nothing due.
const promotePollInterval = 10 * time.Second

// dueSlack is how close to its visibility time a record may be promoted.
const dueSlack = 10 * time.Millisecond

// Queue is the durable command queue plus its promotion worker.
type Queue struct {
	store Store
	index *OutgoingIndex
	log   *log.Logger
	now   func() time.Time

	wake   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Queue. The index receives the CID of each promoted record so
// acknowledgement lookups can locate outgoing commands.
func New(store Store, index *OutgoingIndex, logger *log.Logger) *Queue {
	return &Queue{
		store: store,
		index: index,
		log:   logger,
		now:   time.Now,
		wake:  make(chan struct{}, 1),
	}
}

// Request describes a command to enqueue.
type Request struct {
	Command        Kind
	Detector       detector.ID
	User           string
	Mode           string
	NumberOverride *int64
	Readers        []string
	CC             []string
	Delay          time.Duration
}

// Enqueue persists the command. With no delay a single record targets the
// readers and crate controllers together. With a delay the readers' record
// becomes visible immediately and the controllers' record only after the
// delay, so readers drain before the CC cuts the run off.
func (q *Queue) Enqueue(ctx context.Context, req Request) error {
	now := q.now()
	base := Command{
		Command:        req.Command,
		User:           req.User,
		Detector:       req.Detector,
		Mode:           req.Mode,
		NumberOverride: req.NumberOverride,
		CreatedAt:      now,
	}

	var docs []Command
	if req.Delay <= 0 {
		rec := base
		rec.CID = uuid.NewString()
		rec.Hosts = append(append([]string(nil), req.Readers...), req.CC...)
		docs = []Command{rec}
	} else {
		readers := base
		readers.CID = uuid.NewString()
		readers.Hosts = append([]string(nil), req.Readers...)
		controllers := base
		controllers.CID = uuid.NewString()
		controllers.Hosts = append([]string(nil), req.CC...)
		controllers.CreatedAt = now.Add(req.Delay)
		docs = []Command{readers, controllers}
	}

	if err := q.store.Push(ctx, docs); err != nil {
		return fmt.Errorf("queueing %s for %s: %w", req.Command, req.Detector, err)
	}
	q.log.Printf("Queued %s for %s", req.Command, req.Detector)
	q.Wake()
	return nil
}

// Wake nudges the worker to re-check the queue immediately.
func (q *Queue) Wake() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Start launches the promotion worker. Call Stop to shut down.
func (q *Queue) Start(ctx context.Context) {
	ctx, q.cancel = context.WithCancel(ctx)
	q.wg.Add(1)
	go q.run(ctx)
}

// Stop cancels the worker and waits for it to drain any in-flight operation.
func (q *Queue) Stop() {
	if q.cancel != nil {
		q.cancel()
	}
	q.wg.Wait()
}

func (q *Queue) run(ctx context.Context) {
	defer q.wg.Done()

	timer := time.NewTimer(promotePollInterval)
	defer timer.Stop()

	for {
		wait := q.promoteDue(ctx)

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			return
		case <-q.wake:
		case <-timer.C:
		}
	}
}

// promoteDue promotes the next record if its visibility time has arrived and
// returns how long to wait before looking again.
func (q *Queue) promoteDue(ctx context.Context) time.Duration {
	next, err := q.store.NextPending(ctx)
	if err != nil {
		q.log.Printf("Queue read failed: %v", err)
		return promotePollInterval
	}
	if next == nil {
		return promotePollInterval
	}

	dt := next.CreatedAt.Sub(q.now())
	if dt > dueSlack {
		if dt > promotePollInterval {
			return promotePollInterval
		}
		return dt
	}

	if err := q.store.Promote(ctx, next.CID); err != nil {
		q.log.Printf("Promoting %s for %s failed: %v", next.Command, next.Detector, err)
		return promotePollInterval
	}
	q.index.Set(next.Detector, next.Command, next.CID)
	// Re-check immediately: another record may already be due.
	return time.Nanosecond
}
