package fuzzer

import (
	"bytes"
	"context"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"

	"github.com/rss/fuzzkit/corpus"
	"github.com/rss/fuzzkit/coverage"
	"github.com/rss/fuzzkit/exec"
	"github.com/rss/fuzzkit/feedback"
	"github.com/rss/fuzzkit/gen"
	"github.com/rss/fuzzkit/mutator"
	"github.com/rss/fuzzkit/observer"
	"github.com/rss/fuzzkit/rpctype"
	"github.com/rss/fuzzkit/scheduler"
	"github.com/rss/fuzzkit/util"
)

type recordingManager struct {
	events    []rpctype.Event
	relay     [][]byte
	processed int
	onProcess func(n int) error
}

func (m *recordingManager) Fire(ev rpctype.Event) error {
	m.events = append(m.events, ev)
	return nil
}

func (m *recordingManager) Process(eval func([]byte) error) error {
	m.processed++
	for _, in := range m.relay {
		if err := eval(in); err != nil {
			return err
		}
	}
	m.relay = nil
	if m.onProcess != nil {
		return m.onProcess(m.processed)
	}
	return nil
}

func (m *recordingManager) Close() error {
	return nil
}

func (m *recordingManager) count(kind rpctype.EventKind) int {
	n := 0
	for _, ev := range m.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

// prefixHarness covers one map entry per matched byte of "FUZZ" and
// crashes on the full match.
func prefixHarness(cov coverage.Writer, data []byte) {
	cov.Set(0)
	for i, c := range []byte("FUZZ") {
		if len(data) <= i || data[i] != c {
			return
		}
		cov.Set(i + 1)
	}
	panic("FUZZ")
}

type testRig struct {
	f         *Fuzzer
	events    *recordingManager
	corpus    *corpus.InMemory
	solutions *corpus.OnDisk
	sched     *scheduler.Queue
}

func newRig(t *testing.T, executor exec.Executor, m *coverage.Map) *testRig {
	t.Helper()
	solutions, err := corpus.OpenOnDisk(filepath.Join(t.TempDir(), "crashes"))
	if err != nil {
		t.Fatalf("cannot open solutions: %v", err)
	}
	rig := &testRig{
		events:    &recordingManager{},
		corpus:    corpus.NewInMemory(),
		solutions: solutions,
	}
	rig.sched = scheduler.NewQueue(rig.corpus)
	rig.f, err = New(Options{
		Name:      "test",
		Executor:  executor,
		Observer:  observer.NewMapObserver("signals", m, false),
		Feedback:  feedback.NewMaxMap("signals", m.Len(), false),
		Objective: feedback.Crash(),
		Corpus:    rig.corpus,
		Solutions: solutions,
		Scheduler: rig.sched,
		Mutator:   mutator.NewHavoc(64),
		Events:    rig.events,
		Rand:      rand.New(rand.NewSource(1)),
	})
	if err != nil {
		t.Fatalf("cannot create fuzzer: %v", err)
	}
	return rig
}

func newInProcessRig(t *testing.T, h exec.Harness) *testRig {
	m := coverage.New(16)
	return newRig(t, exec.NewInProcess(h, m), m)
}

func TestGenerateInitialInputs(t *testing.T) {
	rig := newInProcessRig(t, prefixHarness)
	if err := rig.f.GenerateInitial(&gen.RandPrintables{MaxSize: 10240}, 8); err != nil {
		t.Fatalf("GenerateInitial: %v", err)
	}
	if rig.corpus.Count() != 8 {
		t.Fatalf("expected 8 entries, got %v", rig.corpus.Count())
	}
	seen := map[corpus.ID]bool{}
	for i := 0; i < 8; i++ {
		id, err := rig.sched.Next()
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if seen[id] {
			t.Fatalf("entry %v returned twice before wraparound", id)
		}
		seen[id] = true
		tc, err := rig.corpus.Get(id)
		if err != nil || tc.Len() < 1 || tc.Len() > 10240 {
			t.Fatalf("bad entry %v: %v", id, err)
		}
	}
	if rig.events.count(rpctype.EventNewTestcase) != 8 {
		t.Errorf("expected 8 new testcase events, got %v", rig.events.count(rpctype.EventNewTestcase))
	}
	if rig.f.State() != Idle {
		t.Errorf("expected idle state, got %v", rig.f.State())
	}
}

func TestEvaluateKeepsOnlyNewCoverage(t *testing.T) {
	rig := newInProcessRig(t, prefixHarness)
	steps := []struct {
		input       string
		interesting bool
		objective   bool
	}{
		{"xyz", true, false},
		{"abc", false, false},
		{"Fxx", true, false},
		{"Fyy", false, false},
		{"FUZ", true, false},
		{"FUZZ", false, true},
		{"FUZZ!", false, true},
	}
	for _, s := range steps {
		out, err := rig.f.Evaluate([]byte(s.input), corpus.NoParent, true)
		if err != nil {
			t.Fatalf("%q: %v", s.input, err)
		}
		if out.Interesting != s.interesting || out.Objective != s.objective {
			t.Fatalf("%q: expected interesting=%v objective=%v, got %+v", s.input, s.interesting, s.objective, out)
		}
	}
	if rig.corpus.Count() != 3 {
		t.Errorf("expected 3 corpus entries, got %v", rig.corpus.Count())
	}
	if rig.solutions.Count() != 2 {
		t.Errorf("expected 2 solutions, got %v", rig.solutions.Count())
	}
	st := rig.f.Stats()
	if st.Executions != uint64(len(steps)) || st.Objectives != 2 || st.Corpus != 3 {
		t.Errorf("unexpected stats %+v", st)
	}
	if rig.events.count(rpctype.EventObjective) != 2 {
		t.Errorf("objective events not fired")
	}
}

func TestLoopStopsOnCancel(t *testing.T) {
	rig := newInProcessRig(t, prefixHarness)
	if _, err := rig.f.AddInput([]byte("F")); err != nil {
		t.Fatalf("AddInput: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	rig.events.onProcess = func(n int) error {
		if n == 20 {
			cancel()
		}
		return nil
	}
	err := rig.f.Loop(ctx)
	if !util.IsShuttingDown(err) {
		t.Fatalf("expected shutdown, got %v", err)
	}
	if rig.f.State() != Idle {
		t.Errorf("expected idle state after loop, got %v", rig.f.State())
	}
	if rig.f.Stats().Executions < 20 {
		t.Errorf("too few executions: %v", rig.f.Stats().Executions)
	}
	if rig.events.count(rpctype.EventStats) == 0 {
		t.Errorf("final stats not reported")
	}
}

func TestLoopSurvivesCrashes(t *testing.T) {
	rig := newInProcessRig(t, func(cov coverage.Writer, data []byte) {
		cov.Set(0)
		if len(data)%2 == 0 {
			panic("even")
		}
	})
	if _, err := rig.f.AddInput([]byte("a")); err != nil {
		t.Fatalf("AddInput: %v", err)
	}
	rig.events.onProcess = func(n int) error {
		if n == 3 {
			return util.ErrShuttingDown
		}
		return nil
	}
	if err := rig.f.Loop(context.Background()); !util.IsShuttingDown(err) {
		t.Fatalf("expected shutdown, got %v", err)
	}
	if rig.solutions.Count() == 0 {
		t.Fatalf("no crash stored after %v executions", rig.f.Stats().Executions)
	}
}

func TestRelayedInputsAreNotRefired(t *testing.T) {
	rig := newInProcessRig(t, prefixHarness)
	if _, err := rig.f.AddInput([]byte("a")); err != nil {
		t.Fatalf("AddInput: %v", err)
	}
	before := rig.events.count(rpctype.EventNewTestcase)
	rig.events.relay = [][]byte{[]byte("FU")}
	rig.events.onProcess = func(n int) error { return util.ErrShuttingDown }
	rig.f.Loop(context.Background())
	found := false
	for i := 0; i < rig.corpus.Count(); i++ {
		tc, _ := rig.corpus.Get(corpus.ID(i))
		if bytes.Equal(tc.Input, []byte("FU")) {
			found = true
		}
	}
	if !found {
		t.Fatalf("relayed input not added to the corpus")
	}
	if rig.events.count(rpctype.EventNewTestcase) != before {
		t.Errorf("relayed input was fired back")
	}
}

type brokenExecutor struct{}

func (brokenExecutor) Run([]byte) (exec.ExitKind, error) {
	return exec.Ok, errors.Wrap(exec.ErrProtocol, "status pipe closed")
}

func (brokenExecutor) Close() error {
	return nil
}

func TestExecutorErrorIsFatal(t *testing.T) {
	rig := newRig(t, brokenExecutor{}, coverage.New(4))
	_, err := rig.f.AddInput([]byte("x"))
	if !exec.IsFatal(err) {
		t.Fatalf("expected fatal executor error, got %v", err)
	}
}

func TestEmptyCorpus(t *testing.T) {
	rig := newInProcessRig(t, prefixHarness)
	err := rig.f.Loop(context.Background())
	if !errors.Is(err, scheduler.ErrEmpty) {
		t.Fatalf("expected ErrEmpty, got %v", err)
	}
}

func TestLoadInitial(t *testing.T) {
	rig := newInProcessRig(t, prefixHarness)
	if err := rig.f.LoadInitial([]string{filepath.Join(t.TempDir(), "missing")}); err == nil {
		t.Fatalf("missing directory accepted")
	}
}

func TestNewValidates(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Fatalf("empty options accepted")
	}
}
