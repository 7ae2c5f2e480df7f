package corpus

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bits-and-blooms/bitset"
	"github.com/pkg/errors"

	"github.com/rss/fuzzkit/exec"
	"github.com/rss/fuzzkit/result"
)

func TestInMemory(t *testing.T) {
	c := NewInMemory()
	input := []byte("abc")
	tc := NewTestcase(input)
	input[0] = 'x'
	id, err := c.Add(tc)
	if err != nil || id != 0 {
		t.Fatalf("unexpected add result %v, %v", id, err)
	}
	got, err := c.Get(id)
	if err != nil {
		t.Fatalf("cannot get testcase: %v", err)
	}
	if string(got.Input) != "abc" {
		t.Fatalf("testcase shares the caller's input: %q", got.Input)
	}
	if _, err := c.Get(1); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if c.Count() != 1 {
		t.Errorf("expected 1 entry, got %v", c.Count())
	}
}

func TestOnDiskSurvivesReopen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "crashes")
	c, err := OpenOnDisk(dir)
	if err != nil {
		t.Fatalf("cannot open corpus: %v", err)
	}
	tc := NewTestcase([]byte("crashing input"))
	tc.Kind = exec.Crash
	tc.ExecTime = 1500 * time.Microsecond
	tc.Client = "client-1"
	tc.Indexes = bitset.New(16).Set(1).Set(3)
	id, err := c.Add(tc)
	if err != nil {
		t.Fatalf("cannot add: %v", err)
	}
	if dup, err := c.Add(NewTestcase([]byte("crashing input"))); err != nil || dup != id {
		t.Fatalf("duplicate input not deduplicated: %v, %v", dup, err)
	}
	if _, err := c.Add(NewTestcase([]byte("another"))); err != nil {
		t.Fatalf("cannot add: %v", err)
	}
	data, err := os.ReadFile(c.Path(id))
	if err != nil || !bytes.Equal(data, tc.Input) {
		t.Fatalf("stored file mismatch: %q, %v", data, err)
	}
	recs, err := result.List(dir)
	if err != nil || len(recs) != 2 {
		t.Fatalf("expected 2 metadata records, got %v, %v", len(recs), err)
	}

	reopened, err := OpenOnDisk(dir)
	if err != nil {
		t.Fatalf("cannot reopen corpus: %v", err)
	}
	if reopened.Count() != 2 {
		t.Fatalf("expected 2 entries after reopen, got %v", reopened.Count())
	}
	found := false
	for i := 0; i < reopened.Count(); i++ {
		got, _ := reopened.Get(ID(i))
		if string(got.Input) == "crashing input" {
			found = true
			if got.ExecTime != tc.ExecTime || got.Client != "client-1" {
				t.Errorf("metadata not restored: %+v", got)
			}
		}
	}
	if !found {
		t.Fatalf("crashing input lost across reopen")
	}
}

func TestOnDiskUnwritable(t *testing.T) {
	dir := t.TempDir()
	c, err := OpenOnDisk(dir)
	if err != nil {
		t.Fatalf("cannot open corpus: %v", err)
	}
	if err := os.RemoveAll(dir); err != nil {
		t.Fatalf("cannot remove dir: %v", err)
	}
	_, err = c.Add(NewTestcase([]byte("x")))
	if !errors.Is(err, ErrIO) {
		t.Fatalf("expected ErrIO, got %v", err)
	}
}

func TestName(t *testing.T) {
	if Name([]byte("a")) == Name([]byte("b")) {
		t.Fatalf("different inputs share a name")
	}
	if len(Name(nil)) != 16 {
		t.Errorf("unexpected name %q", Name(nil))
	}
}
