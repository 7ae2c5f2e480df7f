package util

import (
	"os"
	"path/filepath"
	"testing"
)

func TestJsonFileRoundTrip(t *testing.T) {
	type stats struct {
		Name  string `json:"name"`
		Execs uint64 `json:"execs"`
	}
	p := filepath.Join(t.TempDir(), "stats.json")
	if err := ToJsonFile(&stats{Name: "a", Execs: 1}, p); err != nil {
		t.Fatalf("cannot write: %v", err)
	}
	if err := ToJsonFile(&stats{Name: "b", Execs: 42}, p); err != nil {
		t.Fatalf("cannot overwrite: %v", err)
	}
	var got stats
	if err := FromJsonFile(&got, p); err != nil {
		t.Fatalf("cannot read: %v", err)
	}
	if got.Name != "b" || got.Execs != 42 {
		t.Fatalf("unexpected content %+v", got)
	}
	entries, _ := os.ReadDir(filepath.Dir(p))
	if len(entries) != 1 {
		t.Errorf("temporary files left behind: %v", entries)
	}
}

func TestWriteFileAtomicMissingDir(t *testing.T) {
	err := WriteFileAtomic(filepath.Join(t.TempDir(), "missing", "f"), []byte("x"))
	if err == nil {
		t.Fatalf("expected an error for a missing directory")
	}
}

func TestIsShuttingDown(t *testing.T) {
	if IsShuttingDown(nil) || !IsShuttingDown(ErrShuttingDown) {
		t.Fatalf("IsShuttingDown misclassifies")
	}
}
