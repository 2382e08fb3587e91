// Package errorlog emits rate-limited structured errors to the persisted log
// collection.
package errorlog

import (
	"context"
	"log"
	"sync"
	"time"
)

// Priorities recognised by the log collection.
const (
	Debug   = "DEBUG"
	Message = "MESSAGE"
	Warning = "WARNING"
	Error   = "ERROR"
	Fatal   = "FATAL"
)

var priorities = map[string]int{
	Debug:   0,
	Message: 1,
	Warning: 2,
	Error:   3,
	Fatal:   4,
}

// Error kinds the dispatcher emits.
const (
	KindArmTimeout   = "ARM_TIMEOUT"
	KindStartTimeout = "START_TIMEOUT"
	KindStopTimeout  = "STOP_TIMEOUT"
	KindGeneralError = "GENERAL_ERROR"
)

// defaultThrottle is the per-kind minimum gap between emissions. Kinds
// without an entry emit on every call.
var defaultThrottle = map[string]time.Duration{
	KindStopTimeout: 15 * time.Minute,
}

// Sink persists one log document.
type Sink interface {
	InsertLog(ctx context.Context, user, message string, priority int) error
}

// Reporter throttles error emission per kind.
type Reporter struct {
	sink Sink
	log  *log.Logger
	now  func() time.Time

	mu        sync.Mutex
	lastSent  map[string]time.Time
	throttles map[string]time.Duration
}

// New creates a Reporter with the default throttle table.
func New(sink Sink, logger *log.Logger) *Reporter {
	throttles := make(map[string]time.Duration, len(defaultThrottle))
	for kind, d := range defaultThrottle {
		throttles[kind] = d
	}
	return &Reporter{
		sink:      sink,
		log:       logger,
		now:       time.Now,
		lastSent:  make(map[string]time.Time),
		throttles: throttles,
	}
}

// LogError emits the message unless the kind is still inside its throttle
// window. Sink failures are logged and swallowed; the control loop must not
// die over a lost error message.
func (r *Reporter) LogError(ctx context.Context, message, priority, kind string) {
	now := r.now()

	r.mu.Lock()
	if last, sent := r.lastSent[kind]; sent {
		if gap, throttled := r.throttles[kind]; throttled && now.Sub(last) <= gap {
			r.mu.Unlock()
			r.log.Printf("Suppressing %s error, still in timeout", kind)
			return
		}
	}
	r.lastSent[kind] = now
	r.mu.Unlock()

	level, ok := priorities[priority]
	if !ok {
		level = priorities[Error]
	}
	if err := r.sink.InsertLog(ctx, "dispatcher", message, level); err != nil {
		r.log.Printf("Could not persist error message: %v", err)
	}
	r.log.Printf("Error message from dispatcher: %s", message)
}

// Reset clears the per-kind throttle state.
func (r *Reporter) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastSent = make(map[string]time.Time)
}
