package summary

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/janpfeifer/must"
)

func TestScalarsRoundTrip(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if !strings.HasPrefix(filepath.Base(w.Path()), "events.out.tfevents.") {
		t.Fatalf("unexpected file name %s", w.Path())
	}
	for step := int64(0); step < 3; step++ {
		must.M(w.Scalar("loss", float64(step)+0.5, step))
		must.M(w.Scalar("loss_mean", 0.25, step))
	}
	must.M(w.Close())

	events, err := ReadScalars(w.Path())
	if err != nil {
		t.Fatalf("ReadScalars: %v", err)
	}
	if len(events) != 6 {
		t.Fatalf("expected 6 scalars, got %d", len(events))
	}
	if events[2].Tag != "loss" || events[2].Step != 1 || events[2].Value != 1.5 {
		t.Fatalf("unexpected event %+v", events[2])
	}
	if events[5].Tag != "loss_mean" || events[5].Step != 2 || events[5].WallTime <= 0 {
		t.Fatalf("unexpected event %+v", events[5])
	}
}

func TestReadScalarsDetectsCorruption(t *testing.T) {
	w := must.M1(NewWriter(t.TempDir()))
	must.M(w.Scalar("loss", 1, 0))
	must.M(w.Close())

	raw := must.M1(os.ReadFile(w.Path()))
	raw[len(raw)-6] ^= 0xff
	must.M(os.WriteFile(w.Path(), raw, 0o644))
	if _, err := ReadScalars(w.Path()); err == nil {
		t.Fatal("expected checksum error")
	}
}

func TestWritersInSameSecondDoNotShareFile(t *testing.T) {
	dir := t.TempDir()
	frozen := time.Unix(1700000000, 0)
	clock := func() time.Time { return frozen }

	first := must.M1(newWriter(dir, clock))
	second := must.M1(newWriter(dir, clock))
	if first.Path() == second.Path() {
		t.Fatalf("both writers opened %s", first.Path())
	}
	must.M(first.Scalar("loss", 1, 0))
	must.M(second.Scalar("loss", 2, 0))
	must.M(first.Close())
	must.M(second.Close())

	for _, w := range []*Writer{first, second} {
		events := must.M1(ReadScalars(w.Path()))
		if len(events) != 1 {
			t.Fatalf("%s holds %d scalars, want 1", filepath.Base(w.Path()), len(events))
		}
	}
}
