// Package fuzzer implements the fuzzing loop of one client: select a corpus
// entry, mutate it, execute the variants and keep what the feedbacks like.
package fuzzer

import (
	"context"
	"math/rand"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/rss/fuzzkit/corpus"
	"github.com/rss/fuzzkit/exec"
	"github.com/rss/fuzzkit/feedback"
	"github.com/rss/fuzzkit/gen"
	"github.com/rss/fuzzkit/mutator"
	"github.com/rss/fuzzkit/observer"
	"github.com/rss/fuzzkit/rpctype"
	"github.com/rss/fuzzkit/scheduler"
	"github.com/rss/fuzzkit/util"
)

type State int

const (
	Idle State = iota
	Selecting
	Mutating
	Executing
	Evaluating
	Reporting
)

func (s State) String() string {
	return [...]string{"idle", "selecting", "mutating", "executing", "evaluating", "reporting"}[s]
}

// EventManager connects a fuzzer to the rest of the run.
type EventManager interface {
	Fire(ev rpctype.Event) error
	// Process hands inputs found elsewhere to eval and reports
	// util.ErrShuttingDown once the run is being stopped.
	Process(eval func(input []byte) error) error
	Close() error
}

const (
	DefaultStageIterations = 128
	DefaultStatsInterval   = 15 * time.Second
)

type Options struct {
	Name      string
	Executor  exec.Executor
	Observer  *observer.MapObserver
	Feedback  feedback.Feedback
	Objective feedback.Feedback
	Corpus    corpus.Corpus
	Solutions corpus.Corpus
	Scheduler scheduler.Scheduler
	Mutator   mutator.Mutator
	Events    EventManager
	Rand      *rand.Rand
	// Upper bound of variants produced from one selected entry.
	StageIterations int
	StatsInterval   time.Duration
}

type Stats struct {
	Executions uint64
	Corpus     uint64
	Objectives uint64
	Timeouts   uint64
	Start      time.Time
}

// Outcome of one evaluated input. ID is set if the input entered the corpus.
type Outcome struct {
	Kind        exec.ExitKind
	Interesting bool
	Objective   bool
	ID          corpus.ID
}

type Fuzzer struct {
	opts      Options
	state     State
	stats     Stats
	lastStats time.Time
}

func New(opts Options) (*Fuzzer, error) {
	switch {
	case opts.Executor == nil:
		return nil, errors.New("no executor")
	case opts.Observer == nil:
		return nil, errors.New("no observer")
	case opts.Feedback == nil || opts.Objective == nil:
		return nil, errors.New("feedback and objective are required")
	case opts.Corpus == nil || opts.Solutions == nil:
		return nil, errors.New("corpus and solutions are required")
	case opts.Scheduler == nil:
		return nil, errors.New("no scheduler")
	case opts.Mutator == nil:
		return nil, errors.New("no mutator")
	case opts.Events == nil:
		return nil, errors.New("no event manager")
	}
	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if opts.StageIterations <= 0 {
		opts.StageIterations = DefaultStageIterations
	}
	if opts.StatsInterval <= 0 {
		opts.StatsInterval = DefaultStatsInterval
	}
	now := time.Now()
	return &Fuzzer{
		opts:      opts,
		stats:     Stats{Start: now, Corpus: uint64(opts.Corpus.Count())},
		lastStats: now,
	}, nil
}

func (f *Fuzzer) State() State {
	return f.state
}

func (f *Fuzzer) Stats() Stats {
	return f.stats
}

func (f *Fuzzer) Corpus() corpus.Corpus {
	return f.opts.Corpus
}

func (f *Fuzzer) Solutions() corpus.Corpus {
	return f.opts.Solutions
}

func (f *Fuzzer) execute(input []byte) (*observer.Observation, error) {
	f.state = Executing
	f.opts.Observer.PreExec()
	start := time.Now()
	kind, err := f.opts.Executor.Run(input)
	elapsed := time.Since(start)
	if err != nil {
		return nil, errors.Wrap(err, "executor failed")
	}
	f.stats.Executions++
	if kind == exec.Timeout {
		f.stats.Timeouts++
	}
	return f.opts.Observer.PostExec(kind, elapsed), nil
}

func (f *Fuzzer) newTestcase(input []byte, parent corpus.ID, obs *observer.Observation) *corpus.Testcase {
	tc := corpus.NewTestcase(input)
	tc.Parent = parent
	tc.Kind = obs.Kind
	tc.ExecTime = obs.ExecTime
	tc.Client = f.opts.Name
	return tc
}

func (f *Fuzzer) event(kind rpctype.EventKind) rpctype.Event {
	return rpctype.Event{
		Kind:       kind,
		Time:       time.Now(),
		Corpus:     f.stats.Corpus,
		Objectives: f.stats.Objectives,
		Executions: f.stats.Executions,
		Timeouts:   f.stats.Timeouts,
	}
}

func (f *Fuzzer) addSolution(input []byte, parent corpus.ID, obs *observer.Observation, fire bool) error {
	tc := f.newTestcase(input, parent, obs)
	f.opts.Objective.Annotate(obs, tc)
	// Objectives counts what this process found. Solutions already on
	// disk belong to earlier runs or to other clients.
	known := f.opts.Solutions.Count()
	if _, err := f.opts.Solutions.Add(tc); err != nil {
		return errors.Wrap(err, "cannot store solution")
	}
	if f.opts.Solutions.Count() > known {
		f.stats.Objectives++
	}
	log.Infof("[%v] %v found, %v objectives", f.opts.Name, obs.Kind, f.stats.Objectives)
	if fire {
		ev := f.event(rpctype.EventObjective)
		ev.Input = tc.Input
		return f.opts.Events.Fire(ev)
	}
	return nil
}

func (f *Fuzzer) addToCorpus(input []byte, parent corpus.ID, obs *observer.Observation, fire bool) (corpus.ID, error) {
	tc := f.newTestcase(input, parent, obs)
	f.opts.Feedback.Annotate(obs, tc)
	id, err := f.opts.Corpus.Add(tc)
	if err != nil {
		return id, errors.Wrap(err, "cannot add testcase")
	}
	if err := f.opts.Scheduler.OnAdd(id); err != nil {
		return id, err
	}
	f.stats.Corpus = uint64(f.opts.Corpus.Count())
	if fire {
		ev := f.event(rpctype.EventNewTestcase)
		ev.Input = tc.Input
		ev.ExecTime = tc.ExecTime
		return id, f.opts.Events.Fire(ev)
	}
	return id, nil
}

// Evaluate runs input once. Both feedbacks see every execution; an input
// that is an objective goes to the solutions only, otherwise it enters the
// corpus if the feedback found it interesting. With fire, additions are
// announced to the event manager.
func (f *Fuzzer) Evaluate(input []byte, parent corpus.ID, fire bool) (Outcome, error) {
	obs, err := f.execute(input)
	if err != nil {
		return Outcome{}, err
	}
	f.state = Evaluating
	objective := f.opts.Objective.IsInteresting(obs)
	interesting := f.opts.Feedback.IsInteresting(obs)
	out := Outcome{
		Kind:        obs.Kind,
		Objective:   objective,
		Interesting: interesting && !objective,
		ID:          corpus.NoParent,
	}
	f.state = Reporting
	switch {
	case objective:
		err = f.addSolution(input, parent, obs, fire)
	case interesting:
		out.ID, err = f.addToCorpus(input, parent, obs, fire)
	}
	return out, err
}

// AddInput evaluates input and puts it into the corpus whatever the
// feedback says.
func (f *Fuzzer) AddInput(input []byte) (corpus.ID, error) {
	obs, err := f.execute(input)
	if err != nil {
		return corpus.NoParent, err
	}
	f.state = Evaluating
	objective := f.opts.Objective.IsInteresting(obs)
	f.opts.Feedback.IsInteresting(obs)
	f.state = Reporting
	if objective {
		if err := f.addSolution(input, corpus.NoParent, obs, true); err != nil {
			return corpus.NoParent, err
		}
	}
	return f.addToCorpus(input, corpus.NoParent, obs, true)
}

// GenerateInitial adds n generated inputs to the corpus.
func (f *Fuzzer) GenerateInitial(g gen.Generator, n int) error {
	defer func() { f.state = Idle }()
	added := 0
	for ; added < n; added++ {
		data, err := g.Generate(f.opts.Rand)
		if err != nil {
			return errors.Wrap(err, "cannot generate initial input")
		}
		if data == nil {
			break
		}
		if _, err := f.AddInput(data); err != nil {
			return err
		}
	}
	log.Infof("[%v] generated %v initial inputs", f.opts.Name, added)
	return nil
}

// LoadInitial evaluates every file in dirs and keeps the interesting ones.
func (f *Fuzzer) LoadInitial(dirs []string) error {
	defer func() { f.state = Idle }()
	g, err := gen.InitFileGenerator(dirs...)
	if err != nil {
		return errors.Wrap(err, "cannot load initial inputs")
	}
	total, kept := 0, 0
	for {
		data, err := g.Generate(f.opts.Rand)
		if err != nil {
			return err
		}
		if data == nil {
			break
		}
		total++
		out, err := f.Evaluate(data, corpus.NoParent, true)
		if err != nil {
			return err
		}
		if out.Interesting {
			kept++
		}
	}
	log.Infof("[%v] imported %v of %v inputs from %v", f.opts.Name, kept, total, dirs)
	return nil
}

// FuzzOne runs one stage on the entry picked by the scheduler.
func (f *Fuzzer) FuzzOne() error {
	f.state = Selecting
	id, err := f.opts.Scheduler.Next()
	if err != nil {
		return errors.Wrap(err, "cannot select testcase")
	}
	tc, err := f.opts.Corpus.Get(id)
	if err != nil {
		return errors.Wrap(err, "cannot select testcase")
	}
	tc.Executions++
	iters := 1 + f.opts.Rand.Intn(f.opts.StageIterations)
	for i := 0; i < iters; i++ {
		f.state = Mutating
		input := f.opts.Mutator.Mutate(f.opts.Rand, tc.Input)
		if _, err := f.Evaluate(input, id, true); err != nil {
			return err
		}
	}
	f.state = Idle
	return nil
}

func (f *Fuzzer) evaluateRelayed(input []byte) error {
	_, err := f.Evaluate(input, corpus.NoParent, false)
	return err
}

func (f *Fuzzer) ReportStats() error {
	f.lastStats = time.Now()
	return f.opts.Events.Fire(f.event(rpctype.EventStats))
}

// Loop fuzzes until ctx is done or the event manager reports shutdown, both
// of which return util.ErrShuttingDown, or until a fatal error.
func (f *Fuzzer) Loop(ctx context.Context) error {
	defer func() { f.state = Idle }()
	for {
		select {
		case <-ctx.Done():
			f.ReportStats()
			return util.ErrShuttingDown
		default:
		}
		if err := f.opts.Events.Process(f.evaluateRelayed); err != nil {
			if util.IsShuttingDown(err) {
				f.ReportStats()
			}
			return err
		}
		if err := f.FuzzOne(); err != nil {
			return err
		}
		if time.Since(f.lastStats) >= f.opts.StatsInterval {
			if err := f.ReportStats(); err != nil {
				return err
			}
		}
	}
}
