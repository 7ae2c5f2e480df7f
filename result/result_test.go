package result

import (
	"os"
	"path/filepath"
	"testing"
)

func TestListOrdersByTimeStamp(t *testing.T) {
	dir := t.TempDir()
	recs := []*Record{
		{TimeStamp: "2024/01/02 10:00:00", Name: "b", Kind: "crash", Size: 2},
		{TimeStamp: "2024/01/01 10:00:00", Name: "a", Kind: "ok", Size: 1},
	}
	for _, rec := range recs {
		if err := Save(dir, rec); err != nil {
			t.Fatal(err)
		}
	}
	// testcase data is not metadata
	if err := os.WriteFile(filepath.Join(dir, "a"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	got, err := List(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Name != "a" || got[1].Name != "b" {
		t.Fatalf("got %+v", got)
	}
	if got[1].Kind != "crash" || got[1].Size != 2 {
		t.Fatalf("record not restored: %+v", got[1])
	}
}

func TestIsMetadata(t *testing.T) {
	if !IsMetadata(MetadataPath("/tmp", "abc")) {
		t.Fatal("metadata path not recognized")
	}
	for _, name := range []string{"abc", ".abc", "abc.metadata", ".tmp-x"} {
		if IsMetadata(name) {
			t.Errorf("%q taken for metadata", name)
		}
	}
}
