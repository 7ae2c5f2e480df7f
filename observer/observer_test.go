package observer

import (
	"testing"
	"time"

	"github.com/rss/fuzzkit/coverage"
	"github.com/rss/fuzzkit/exec"
)

func TestSnapshotIsACopy(t *testing.T) {
	m := coverage.New(4)
	o := NewMapObserver("signals", m, false)
	o.PreExec()
	m.Writer().Set(2)
	obs := o.PostExec(exec.Crash, time.Millisecond)
	if obs.Kind != exec.Crash || obs.ExecTime != time.Millisecond {
		t.Fatalf("unexpected observation %+v", obs)
	}
	m.Writer().Set(3)
	if obs.Map[2] != 1 || obs.Map[3] != 0 {
		t.Fatalf("snapshot follows the live map: %v", obs.Map)
	}
	o.PreExec()
	if m.Count() != 0 {
		t.Fatalf("PreExec did not reset the map")
	}
}

func TestHitcounts(t *testing.T) {
	m := coverage.New(3)
	o := NewMapObserver("edges", m, true)
	o.PreExec()
	w := m.Writer()
	for i := 0; i < 5; i++ {
		w.Hit(1)
	}
	w.Hit(2)
	obs := o.PostExec(exec.Ok, 0)
	if obs.Map[0] != 0 || obs.Map[1] != 8 || obs.Map[2] != 1 {
		t.Fatalf("expected classified map [0 8 1], got %v", obs.Map)
	}
	if m.Bytes()[1] != 5 {
		t.Errorf("classification modified the live map")
	}
}
