package goal

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/dispatchd/dispatchd/internal/detector"
)

var controlKeys = []string{"active", "mode", "stop_after", "comment", "finish_run_on_stop", "link_mv", "link_nv"}

type fakeKeySource struct {
	docs map[string]*ControlDoc
	err  error
}

func (f *fakeKeySource) LatestControl(ctx context.Context, key string) (*ControlDoc, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.docs[key], nil
}

func fullKeySource() *fakeKeySource {
	base := time.Date(2026, 5, 11, 8, 0, 0, 0, time.UTC)
	docs := make(map[string]*ControlDoc)
	for _, det := range detector.All() {
		for i, key := range controlKeys {
			value := "false"
			switch key {
			case "mode":
				value = "background"
			case "stop_after":
				value = "60"
			case "comment":
				value = ""
			}
			docs[fmt.Sprintf("%s.%s", det, key)] = &ControlDoc{
				Field: key,
				Value: value,
				Time:  base.Add(time.Duration(i) * time.Second),
				User:  "operator",
			}
		}
	}
	return &fakeKeySource{docs: docs}
}

func TestReaderAssemblesGoal(t *testing.T) {
	source := fullKeySource()
	source.docs["tpc.active"].Value = "true"
	source.docs["tpc.link_mv"].Value = "true"

	state, err := NewReader(source, controlKeys).Read(context.Background())
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}

	tpc := state[detector.TPC]
	if !tpc.Active {
		t.Error("tpc should be active")
	}
	if !tpc.LinkMV || tpc.LinkNV {
		t.Errorf("links = mv:%v nv:%v, want mv only", tpc.LinkMV, tpc.LinkNV)
	}
	if tpc.Mode != "background" {
		t.Errorf("mode = %q, want background", tpc.Mode)
	}
	if tpc.StopAfter != 60*time.Minute {
		t.Errorf("stop_after = %v, want 60m", tpc.StopAfter)
	}
	if tpc.User != "operator" {
		t.Errorf("user = %q, want operator", tpc.User)
	}
}

func TestReaderMissingKeyMeansNoGoal(t *testing.T) {
	source := fullKeySource()
	delete(source.docs, "muon_veto.mode")

	if _, err := NewReader(source, controlKeys).Read(context.Background()); err == nil {
		t.Fatal("expected an error for a missing control key")
	}
}

func TestReaderNewestWriterStampsUser(t *testing.T) {
	source := fullKeySource()
	// A later write by someone else to one key takes over the goal's user.
	doc := source.docs["tpc.mode"]
	doc.Time = doc.Time.Add(time.Hour)
	doc.User = "shifter"

	state, err := NewReader(source, controlKeys).Read(context.Background())
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if got := state[detector.TPC].User; got != "shifter" {
		t.Errorf("user = %q, want shifter", got)
	}
}

func TestReaderRejectsMalformedActiveFlag(t *testing.T) {
	source := fullKeySource()
	source.docs["tpc.active"].Value = "yes"

	if _, err := NewReader(source, controlKeys).Read(context.Background()); err == nil {
		t.Fatal("expected an error for a malformed boolean")
	}
}

func TestReaderIgnoresMalformedStopAfter(t *testing.T) {
	source := fullKeySource()
	source.docs["tpc.stop_after"].Value = "soon"

	state, err := NewReader(source, controlKeys).Read(context.Background())
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if state[detector.TPC].StopAfter != 0 {
		t.Errorf("malformed stop_after should mean no rotation, got %v", state[detector.TPC].StopAfter)
	}
}
