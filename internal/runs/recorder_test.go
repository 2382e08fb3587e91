package runs

import (
	"context"
	"io"
	"log"
	"testing"
	"time"

	"github.com/dispatchd/dispatchd/internal/cmdqueue"
	"github.com/dispatchd/dispatchd/internal/config"
	"github.com/dispatchd/dispatchd/internal/detector"
	"github.com/dispatchd/dispatchd/internal/goal"
)

type closeCall struct {
	number int64
	det    detector.ID
	end    time.Time
	messy  bool
}

type fakeStore struct {
	next     int64
	inserted []Doc
	starts   map[int64]time.Time
	closes   []closeCall
	closeOK  bool
	rates    map[string]RateStats
	setRates map[int64]map[string]RateStats
}

func (f *fakeStore) NextRunNumber(ctx context.Context) (int64, error) { return f.next, nil }

func (f *fakeStore) InsertRun(ctx context.Context, doc Doc) error {
	f.inserted = append(f.inserted, doc)
	return nil
}

func (f *fakeStore) RunStart(ctx context.Context, number int64) (time.Time, error) {
	return f.starts[number], nil
}

func (f *fakeStore) CloseRun(ctx context.Context, number int64, det detector.ID, end time.Time, messy bool) (bool, error) {
	f.closes = append(f.closes, closeCall{number, det, end, messy})
	return f.closeOK, nil
}

func (f *fakeStore) RunRates(ctx context.Context, number int64) (map[string]RateStats, error) {
	return f.rates, nil
}

func (f *fakeStore) SetRunRates(ctx context.Context, number int64, rates map[string]RateStats) error {
	if f.setRates == nil {
		f.setRates = make(map[int64]map[string]RateStats)
	}
	f.setRates[number] = rates
	return nil
}

type fakeAcks struct {
	times map[string]time.Time // cid -> ack time
}

func (f *fakeAcks) AckTime(ctx context.Context, cid, host string) (time.Time, bool, error) {
	ts, ok := f.times[cid]
	return ts, ok, nil
}

func recorderTopology() map[detector.ID]config.Nodes {
	return map[detector.ID]config.Nodes{
		detector.TPC:         {Readers: []string{"reader0"}, Controller: []string{"cc0"}},
		detector.MuonVeto:    {Readers: []string{"reader5"}, Controller: []string{"cc1"}},
		detector.NeutronVeto: {Readers: []string{"reader6"}, Controller: []string{"cc2"}},
	}
}

func newTestRecorder(store *fakeStore, acks *fakeAcks) (*Recorder, *cmdqueue.OutgoingIndex) {
	index := cmdqueue.NewOutgoingIndex()
	modes := NewModeResolver(&fakeOptions{modes: map[string]map[string]any{
		"background": {
			"name":              "background",
			"source":            "none",
			"strax_output_path": "/live_data",
		},
	}})
	r := NewRecorder(store, acks, index, modes, log.New(io.Discard, "", 0))
	r.sleep = func(ctx context.Context, d time.Duration) bool { return true }
	return r, index
}

func linkedState(mv, nv bool) goal.State {
	return goal.State{
		detector.TPC:         {Active: true, Mode: "background", User: "operator", Comment: "physics", LinkMV: mv, LinkNV: nv},
		detector.MuonVeto:    {},
		detector.NeutronVeto: {},
	}
}

func TestRecordStartAllocatesNumberAndUsesAckTime(t *testing.T) {
	store := &fakeStore{next: 7, starts: map[int64]time.Time{}}
	ackTime := time.Date(2026, 5, 11, 8, 0, 2, 0, time.UTC)
	acks := &fakeAcks{times: map[string]time.Time{"cid-1": ackTime}}
	r, index := newTestRecorder(store, acks)
	index.Set(detector.TPC, cmdqueue.Start, "cid-1")

	state := linkedState(false, false)
	linkage := goal.ResolveLinkage(state, recorderTopology())

	number, err := r.RecordStart(context.Background(), detector.TPC, state, linkage)
	if err != nil {
		t.Fatalf("RecordStart failed: %v", err)
	}
	if number != 7 {
		t.Errorf("number = %d, want 7", number)
	}
	if len(store.inserted) != 1 {
		t.Fatalf("expected 1 run doc, got %d", len(store.inserted))
	}
	doc := store.inserted[0]
	if doc.Messy {
		t.Error("acked start must not be messy")
	}
	if !doc.Start.Equal(ackTime) {
		t.Errorf("start = %v, want ack time %v", doc.Start, ackTime)
	}
	if len(doc.Detectors) != 1 || doc.Detectors[0] != "tpc" {
		t.Errorf("detectors = %v, want [tpc]", doc.Detectors)
	}
	if doc.SourceType != "none" || doc.OutputLocation != "/live_data" {
		t.Errorf("mode extras missing: %+v", doc)
	}
	if doc.Comment != "physics" {
		t.Errorf("comment = %q, want physics", doc.Comment)
	}
}

func TestRecordStartLinkedRunListsAllDetectors(t *testing.T) {
	store := &fakeStore{next: 8, starts: map[int64]time.Time{}}
	acks := &fakeAcks{times: map[string]time.Time{}}
	r, _ := newTestRecorder(store, acks)

	state := linkedState(true, true)
	linkage := goal.ResolveLinkage(state, recorderTopology())

	if _, err := r.RecordStart(context.Background(), detector.TPC, state, linkage); err != nil {
		t.Fatalf("RecordStart failed: %v", err)
	}
	doc := store.inserted[0]
	if len(doc.Detectors) != 3 {
		t.Errorf("detectors = %v, want all three", doc.Detectors)
	}
}

func TestRecordStartMissingAckTagsMessy(t *testing.T) {
	store := &fakeStore{next: 9, starts: map[int64]time.Time{}}
	acks := &fakeAcks{times: map[string]time.Time{}}
	r, _ := newTestRecorder(store, acks)

	state := linkedState(false, false)
	linkage := goal.ResolveLinkage(state, recorderTopology())

	if _, err := r.RecordStart(context.Background(), detector.TPC, state, linkage); err != nil {
		t.Fatalf("RecordStart failed: %v", err)
	}
	doc := store.inserted[0]
	if !doc.Messy {
		t.Error("unacked start should be tagged messy")
	}
	if doc.Start.IsZero() {
		t.Error("fallback start time missing")
	}
}

func TestRecordStopClosesRunAndPersistsRates(t *testing.T) {
	store := &fakeStore{
		closeOK: true,
		rates:   map[string]RateStats{"tpc": {Avg: 90.5, Max: 140.2}},
	}
	ackTime := time.Date(2026, 5, 11, 9, 0, 0, 0, time.UTC)
	acks := &fakeAcks{times: map[string]time.Time{"cid-2": ackTime}}
	r, index := newTestRecorder(store, acks)
	index.Set(detector.TPC, cmdqueue.Stop, "cid-2")

	state := linkedState(false, false)
	linkage := goal.ResolveLinkage(state, recorderTopology())

	if err := r.RecordStop(context.Background(), 7, detector.TPC, linkage, true); err != nil {
		t.Fatalf("RecordStop failed: %v", err)
	}
	if len(store.closes) != 1 {
		t.Fatalf("expected 1 close, got %d", len(store.closes))
	}
	call := store.closes[0]
	if !call.end.Equal(ackTime) {
		t.Errorf("end = %v, want ack time", call.end)
	}
	if !call.messy {
		t.Error("forced stop should push the messy tag")
	}
	if store.setRates[7] == nil {
		t.Error("rates not persisted on the closed run")
	}
}

func TestRecordStopNoModificationSkipsRates(t *testing.T) {
	store := &fakeStore{closeOK: false}
	acks := &fakeAcks{times: map[string]time.Time{}}
	r, _ := newTestRecorder(store, acks)

	state := linkedState(false, false)
	linkage := goal.ResolveLinkage(state, recorderTopology())

	if err := r.RecordStop(context.Background(), 7, detector.TPC, linkage, false); err != nil {
		t.Fatalf("RecordStop failed: %v", err)
	}
	if store.setRates != nil {
		t.Error("rates must not be persisted when nothing was closed")
	}
}
