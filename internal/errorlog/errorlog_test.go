package errorlog

import (
	"context"
	"fmt"
	"io"
	"log"
	"testing"
	"time"
)

type logEntry struct {
	user     string
	message  string
	priority int
}

type fakeSink struct {
	entries []logEntry
	err     error
}

func (f *fakeSink) InsertLog(ctx context.Context, user, message string, priority int) error {
	if f.err != nil {
		return f.err
	}
	f.entries = append(f.entries, logEntry{user, message, priority})
	return nil
}

func newTestReporter(sink *fakeSink) (*Reporter, *time.Time) {
	r := New(sink, log.New(io.Discard, "", 0))
	now := time.Date(2026, 5, 11, 8, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }
	return r, &now
}

func TestLogErrorEmitsWithDispatcherUser(t *testing.T) {
	sink := &fakeSink{}
	r, _ := newTestReporter(sink)

	r.LogError(context.Background(), "something broke", Error, KindGeneralError)

	if len(sink.entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(sink.entries))
	}
	entry := sink.entries[0]
	if entry.user != "dispatcher" {
		t.Errorf("user = %q, want dispatcher", entry.user)
	}
	if entry.priority != 3 {
		t.Errorf("priority = %d, want 3", entry.priority)
	}
}

func TestLogErrorThrottlesStopTimeout(t *testing.T) {
	sink := &fakeSink{}
	r, now := newTestReporter(sink)

	r.LogError(context.Background(), "stop stuck", Error, KindStopTimeout)
	*now = now.Add(10 * time.Minute)
	r.LogError(context.Background(), "stop stuck", Error, KindStopTimeout)

	if len(sink.entries) != 1 {
		t.Fatalf("expected the second emission suppressed, got %d entries", len(sink.entries))
	}

	*now = now.Add(6 * time.Minute) // 16 minutes since the first
	r.LogError(context.Background(), "stop stuck", Error, KindStopTimeout)
	if len(sink.entries) != 2 {
		t.Fatalf("expected emission after the window, got %d entries", len(sink.entries))
	}
}

func TestLogErrorUnknownKindAlwaysEmits(t *testing.T) {
	sink := &fakeSink{}
	r, _ := newTestReporter(sink)

	for i := 0; i < 3; i++ {
		r.LogError(context.Background(), fmt.Sprintf("oops %d", i), Warning, "SOMETHING_ELSE")
	}
	if len(sink.entries) != 3 {
		t.Fatalf("unknown kinds must not throttle, got %d entries", len(sink.entries))
	}
}

func TestLogErrorSinkFailureIsSwallowed(t *testing.T) {
	sink := &fakeSink{err: fmt.Errorf("db down")}
	r, _ := newTestReporter(sink)

	// Must not panic or propagate.
	r.LogError(context.Background(), "unpersistable", Fatal, KindGeneralError)
}

func TestLogErrorUnknownPriorityDefaultsToError(t *testing.T) {
	sink := &fakeSink{}
	r, _ := newTestReporter(sink)

	r.LogError(context.Background(), "odd level", "SHOUTING", KindGeneralError)
	if sink.entries[0].priority != 3 {
		t.Errorf("priority = %d, want 3", sink.entries[0].priority)
	}
}
