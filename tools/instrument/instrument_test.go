package main

import (
	"go/parser"
	"go/token"
	"strings"
	"testing"
)

const src = `package target

import "bytes"

var table = map[string]int{"a": 1}

func Check(data []byte) int {
	if bytes.HasPrefix(data, []byte("F")) {
		return 1
	}
	switch len(data) {
	case 1:
		return 2
	default:
	}
	return 0
}

type T struct{}

func (t *T) Run() {}
`

func TestInstrument(t *testing.T) {
	out, blocks, err := instrument([]byte(src), "target.go", 1<<16)
	if err != nil {
		t.Fatal(err)
	}
	// Check body, if body, two clauses, Run body
	if len(blocks) != 5 {
		t.Fatalf("got %v blocks, want 5:\n%s", len(blocks), out)
	}
	if got := strings.Count(string(out), "forksrv.Hit("); got != len(blocks) {
		t.Fatalf("%v hits for %v blocks:\n%s", got, len(blocks), out)
	}
	if !strings.Contains(string(out), `"github.com/rss/fuzzkit/forksrv"`) {
		t.Fatalf("forksrv not imported:\n%s", out)
	}
	if _, err := parser.ParseFile(token.NewFileSet(), "out.go", out, 0); err != nil {
		t.Fatalf("output does not parse: %v\n%s", err, out)
	}
	seen := map[string]bool{}
	for _, b := range blocks {
		if b.ID < 0 || b.ID >= 1<<16 {
			t.Errorf("block id %v out of range", b.ID)
		}
		seen[b.Func] = true
	}
	if !seen["Check"] || !seen["T.Run"] {
		t.Fatalf("unexpected functions: %v", seen)
	}
}

func TestInstrumentStable(t *testing.T) {
	_, a, err := instrument([]byte(src), "target.go", 1<<16)
	if err != nil {
		t.Fatal(err)
	}
	_, b, err := instrument([]byte(src), "target.go", 1<<16)
	if err != nil {
		t.Fatal(err)
	}
	for i := range a {
		if a[i].ID != b[i].ID {
			t.Fatalf("block %v got ids %v and %v", i, a[i].ID, b[i].ID)
		}
	}
}

func TestInstrumentNoFunctions(t *testing.T) {
	out, blocks, err := instrument([]byte("package p\n\nconst x = 1\n"), "p.go", 64)
	if err != nil {
		t.Fatal(err)
	}
	if len(blocks) != 0 || strings.Contains(string(out), "forksrv") {
		t.Fatalf("instrumented a file without functions:\n%s", out)
	}
}
