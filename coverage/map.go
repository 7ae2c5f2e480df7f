// Package coverage implements the fixed-size coverage map shared between a
// target execution (the writer) and the observer that reads it after the
// execution has completed.
package coverage

import "fmt"

// DefaultSize is the AFL edge map size.
const DefaultSize = 1 << 16

type Map struct {
	buf    []byte
	shmID  int
	shared bool
	owner  bool
}

// Writer is the handle a target uses to record coverage. It captures the
// backing array at the time it was taken: after Detach, old writers keep
// writing into an array nobody observes anymore.
type Writer struct {
	buf []byte
}

func New(size int) *Map {
	if size <= 0 {
		panic(fmt.Sprintf("invalid coverage map size %v", size))
	}
	return &Map{
		buf:   make([]byte, size),
		shmID: -1,
	}
}

func (m *Map) Len() int {
	return len(m.buf)
}

func (m *Map) Writer() Writer {
	return Writer{buf: m.buf}
}

// Bytes returns the live map. Callers must not keep it across executions.
func (m *Map) Bytes() []byte {
	return m.buf
}

func (m *Map) Reset() {
	clear(m.buf)
}

// Detach moves a heap map onto a fresh zeroed array. Shared maps cannot be
// moved since the child holds the segment id; they are only reset.
func (m *Map) Detach() {
	if m.shared {
		m.Reset()
		return
	}
	m.buf = make([]byte, len(m.buf))
}

func (m *Map) Shared() bool {
	return m.shared
}

func (m *Map) ShmID() int {
	return m.shmID
}

// Env returns the environment handles a child needs to attach the map.
func (m *Map) Env() []string {
	if !m.shared {
		return nil
	}
	return []string{
		fmt.Sprintf("%v=%v", EnvShmID, m.shmID),
		fmt.Sprintf("%v=%v", EnvMapSize, len(m.buf)),
	}
}

// Count returns the number of non-zero entries.
func (m *Map) Count() int {
	n := 0
	for _, b := range m.buf {
		if b != 0 {
			n++
		}
	}
	return n
}

func (w Writer) Len() int {
	return len(w.buf)
}

// Set marks index i as covered.
func (w Writer) Set(i int) {
	w.buf[i] = 1
}

// Hit increments the counter at i, saturating at 255.
func (w Writer) Hit(i int) {
	if w.buf[i] != 0xff {
		w.buf[i]++
	}
}
