// Package scheduler picks the next corpus entry to fuzz.
package scheduler

import (
	"github.com/pkg/errors"

	"github.com/rss/fuzzkit/corpus"
)

var ErrEmpty = errors.New("corpus is empty")

type Scheduler interface {
	// OnAdd must be called for every id added to the corpus.
	OnAdd(id corpus.ID) error
	Next() (corpus.ID, error)
}

// Queue visits entries round-robin in insertion order.
type Queue struct {
	c      corpus.Corpus
	cursor int
}

func NewQueue(c corpus.Corpus) *Queue {
	return &Queue{c: c}
}

func (q *Queue) OnAdd(id corpus.ID) error {
	return nil
}

func (q *Queue) Next() (corpus.ID, error) {
	n := q.c.Count()
	if n == 0 {
		return corpus.NoParent, ErrEmpty
	}
	if q.cursor >= n {
		q.cursor = 0
	}
	id := corpus.ID(q.cursor)
	q.cursor++
	return id, nil
}
