// Package corpus holds retained inputs. The evolving corpus lives in memory;
// solutions go to an on-disk corpus that survives restarts.
package corpus

import (
	"fmt"
	"time"

	"github.com/bits-and-blooms/bitset"
	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"

	"github.com/rss/fuzzkit/exec"
)

type ID int

const NoParent ID = -1

var (
	ErrNotFound = errors.New("no such testcase")
	ErrIO       = errors.New("corpus I/O error")
)

type Corpus interface {
	Add(tc *Testcase) (ID, error)
	Get(id ID) (*Testcase, error)
	Count() int
}

type Testcase struct {
	// Input is never modified once the testcase is added.
	Input      []byte
	Favored    bool
	Executions uint64
	ExecTime   time.Duration
	Found      time.Time
	// Indexes are the map entries covered by the input, if tracked.
	Indexes *bitset.BitSet
	Parent  ID
	Kind    exec.ExitKind
	Client  string
}

func NewTestcase(input []byte) *Testcase {
	return &Testcase{
		Input:  append([]byte(nil), input...),
		Found:  time.Now(),
		Parent: NoParent,
	}
}

func (tc *Testcase) Len() int {
	return len(tc.Input)
}

// Name is the content hash used to identify the input on disk.
func Name(input []byte) string {
	return fmt.Sprintf("%016x", xxhash.Sum64(input))
}

type InMemory struct {
	entries []*Testcase
}

func NewInMemory() *InMemory {
	return &InMemory{}
}

func (c *InMemory) Add(tc *Testcase) (ID, error) {
	c.entries = append(c.entries, tc)
	return ID(len(c.entries) - 1), nil
}

func (c *InMemory) Get(id ID) (*Testcase, error) {
	if id < 0 || int(id) >= len(c.entries) {
		return nil, errors.Wrapf(ErrNotFound, "id %v", id)
	}
	return c.entries[id], nil
}

func (c *InMemory) Count() int {
	return len(c.entries)
}
