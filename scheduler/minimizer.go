package scheduler

import (
	"sort"

	"github.com/bits-and-blooms/bitset"
	"github.com/pkg/errors"

	"github.com/rss/fuzzkit/corpus"
)

const DefaultSkipPeriod = 20

// Minimizer prefers a small set of favored entries that together cover
// every map index seen so far. For each index the favored candidate is the
// entry with the lowest len(input)*exec time. Favored entries are returned
// on every pass of the queue, the others once every SkipPeriod passes, so
// any entry comes back within SkipPeriod*Count() calls.
type Minimizer struct {
	c          corpus.Corpus
	queue      *Queue
	skipPeriod int
	topRated   map[uint]corpus.ID
	skips      map[corpus.ID]int
}

func NewMinimizer(c corpus.Corpus) *Minimizer {
	return &Minimizer{
		c:          c,
		queue:      NewQueue(c),
		skipPeriod: DefaultSkipPeriod,
		topRated:   make(map[uint]corpus.ID),
		skips:      make(map[corpus.ID]int),
	}
}

func (m *Minimizer) SetSkipPeriod(n int) {
	if n < 1 {
		n = 1
	}
	m.skipPeriod = n
}

func score(tc *corpus.Testcase) uint64 {
	t := uint64(tc.ExecTime.Nanoseconds())
	if t == 0 {
		t = 1
	}
	return uint64(tc.Len()+1) * t
}

func (m *Minimizer) OnAdd(id corpus.ID) error {
	tc, err := m.c.Get(id)
	if err != nil {
		return errors.Wrap(err, "cannot rate new testcase")
	}
	if tc.Indexes == nil {
		return nil
	}
	changed := false
	s := score(tc)
	for i, ok := tc.Indexes.NextSet(0); ok; i, ok = tc.Indexes.NextSet(i + 1) {
		cur, exists := m.topRated[i]
		if exists {
			best, err := m.c.Get(cur)
			if err != nil {
				return errors.Wrap(err, "cannot rate testcase")
			}
			if score(best) <= s {
				continue
			}
		}
		m.topRated[i] = id
		changed = true
	}
	if changed {
		return m.cull()
	}
	return nil
}

// cull walks indices and favors the top rated entry of every index not yet
// covered by an already favored entry.
func (m *Minimizer) cull() error {
	indices := make([]uint, 0, len(m.topRated))
	for i := range m.topRated {
		indices = append(indices, i)
	}
	sort.Slice(indices, func(a, b int) bool { return indices[a] < indices[b] })
	favored := make(map[corpus.ID]bool)
	covered := bitset.New(0)
	for _, i := range indices {
		id := m.topRated[i]
		if covered.Test(i) || favored[id] {
			continue
		}
		tc, err := m.c.Get(id)
		if err != nil {
			return errors.Wrap(err, "cannot cull corpus")
		}
		favored[id] = true
		covered.InPlaceUnion(tc.Indexes)
	}
	for i := 0; i < m.c.Count(); i++ {
		tc, err := m.c.Get(corpus.ID(i))
		if err != nil {
			return errors.Wrap(err, "cannot cull corpus")
		}
		tc.Favored = favored[corpus.ID(i)]
	}
	return nil
}

func (m *Minimizer) Next() (corpus.ID, error) {
	n := m.c.Count()
	if n == 0 {
		return corpus.NoParent, ErrEmpty
	}
	// every skipped entry moves closer to its turn, so this ends
	for {
		id, err := m.queue.Next()
		if err != nil {
			return id, err
		}
		tc, err := m.c.Get(id)
		if err != nil {
			return id, errors.Wrap(err, "cannot schedule testcase")
		}
		if tc.Favored || len(m.topRated) == 0 {
			return id, nil
		}
		m.skips[id]++
		if m.skips[id] >= m.skipPeriod {
			m.skips[id] = 0
			return id, nil
		}
	}
}
