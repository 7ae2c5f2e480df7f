// Package observer takes the per-execution view of the coverage map that
// feedbacks evaluate.
package observer

import (
	"time"

	"github.com/rss/fuzzkit/coverage"
	"github.com/rss/fuzzkit/exec"
)

// Observation is what one execution left behind. Map is only valid until
// the next PostExec of the observer that produced it.
type Observation struct {
	Map      []byte
	ExecTime time.Duration
	Kind     exec.ExitKind
}

type MapObserver struct {
	name      string
	cov       *coverage.Map
	hitcounts bool
	snap      []byte
	obs       Observation
}

// NewMapObserver observes cov. With hitcounts, raw counters are reduced to
// AFL count classes in the snapshot.
func NewMapObserver(name string, cov *coverage.Map, hitcounts bool) *MapObserver {
	return &MapObserver{
		name:      name,
		cov:       cov,
		hitcounts: hitcounts,
		snap:      make([]byte, cov.Len()),
	}
}

func (o *MapObserver) Name() string {
	return o.name
}

func (o *MapObserver) Len() int {
	return len(o.snap)
}

// PreExec clears the map so the next execution starts from zero.
func (o *MapObserver) PreExec() {
	o.cov.Reset()
}

func (o *MapObserver) PostExec(kind exec.ExitKind, elapsed time.Duration) *Observation {
	copy(o.snap, o.cov.Bytes())
	if o.hitcounts {
		coverage.Classify(o.snap)
	}
	o.obs = Observation{
		Map:      o.snap,
		ExecTime: elapsed,
		Kind:     kind,
	}
	return &o.obs
}
