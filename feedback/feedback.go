// Package feedback decides whether an execution is worth keeping. The set
// of feedbacks is closed: map maximisation, crash, timeout and time, joined
// by the Or and And combinators.
package feedback

import (
	"strings"

	"github.com/bits-and-blooms/bitset"

	"github.com/rss/fuzzkit/corpus"
	"github.com/rss/fuzzkit/exec"
	"github.com/rss/fuzzkit/observer"
)

type Feedback interface {
	Name() string
	IsInteresting(obs *observer.Observation) bool
	// Annotate attaches metadata to a testcase built from obs after it
	// was found interesting.
	Annotate(obs *observer.Observation, tc *corpus.Testcase)
}

// MaxMap keeps the highest value seen at every map index.
type MaxMap struct {
	name     string
	history  []byte
	tracking bool
}

func NewMaxMap(name string, size int, tracking bool) *MaxMap {
	return &MaxMap{
		name:     name,
		history:  make([]byte, size),
		tracking: tracking,
	}
}

func (f *MaxMap) Name() string {
	return f.name
}

// IsInteresting raises the history to obs.Map and reports whether any entry
// went up. Entries never go down.
func (f *MaxMap) IsInteresting(obs *observer.Observation) bool {
	interesting := false
	for i, v := range obs.Map {
		if v > f.history[i] {
			f.history[i] = v
			interesting = true
		}
	}
	return interesting
}

func (f *MaxMap) Annotate(obs *observer.Observation, tc *corpus.Testcase) {
	if !f.tracking {
		return
	}
	idx := bitset.New(uint(len(obs.Map)))
	for i, v := range obs.Map {
		if v != 0 {
			idx.Set(uint(i))
		}
	}
	tc.Indexes = idx
}

// History is the accumulated state. Callers must not modify it.
func (f *MaxMap) History() []byte {
	return f.history
}

// Coverage is the number of indices ever seen non-zero.
func (f *MaxMap) Coverage() int {
	n := 0
	for _, v := range f.history {
		if v != 0 {
			n++
		}
	}
	return n
}

type kindFeedback struct {
	name string
	kind exec.ExitKind
}

func Crash() Feedback {
	return &kindFeedback{name: "crash", kind: exec.Crash}
}

func Timeout() Feedback {
	return &kindFeedback{name: "timeout", kind: exec.Timeout}
}

func (f *kindFeedback) Name() string {
	return f.name
}

func (f *kindFeedback) IsInteresting(obs *observer.Observation) bool {
	return obs.Kind == f.kind
}

func (f *kindFeedback) Annotate(obs *observer.Observation, tc *corpus.Testcase) {
	tc.Kind = obs.Kind
}

type timeFeedback struct{}

// Time is never interesting on its own; it records the execution time on
// the testcases other feedbacks keep.
func Time() Feedback {
	return timeFeedback{}
}

func (timeFeedback) Name() string {
	return "time"
}

func (timeFeedback) IsInteresting(obs *observer.Observation) bool {
	return false
}

func (timeFeedback) Annotate(obs *observer.Observation, tc *corpus.Testcase) {
	tc.ExecTime = obs.ExecTime
}

type combinator struct {
	and bool
	fs  []Feedback
}

// Or is interesting if any child is. Every child is evaluated.
func Or(fs ...Feedback) Feedback {
	return &combinator{fs: fs}
}

// And is interesting if all children are. Every child is evaluated.
func And(fs ...Feedback) Feedback {
	return &combinator{and: true, fs: fs}
}

func (c *combinator) Name() string {
	names := make([]string, len(c.fs))
	for i, f := range c.fs {
		names[i] = f.Name()
	}
	op := " || "
	if c.and {
		op = " && "
	}
	return "(" + strings.Join(names, op) + ")"
}

func (c *combinator) IsInteresting(obs *observer.Observation) bool {
	res := c.and
	for _, f := range c.fs {
		v := f.IsInteresting(obs)
		if c.and {
			res = res && v
		} else {
			res = res || v
		}
	}
	return res
}

func (c *combinator) Annotate(obs *observer.Observation, tc *corpus.Testcase) {
	for _, f := range c.fs {
		f.Annotate(obs, tc)
	}
}
