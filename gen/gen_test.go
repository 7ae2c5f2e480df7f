package gen

import (
	"math/rand"
	"os"
	"path/filepath"
	"testing"
)

func TestRandPrintables(t *testing.T) {
	g := &RandPrintables{MaxSize: 10240}
	r := rand.New(rand.NewSource(1))
	for i := 0; i < 8; i++ {
		data, err := g.Generate(r)
		if err != nil {
			t.Fatalf("Generate: %v", err)
		}
		if len(data) < 1 || len(data) > 10240 {
			t.Fatalf("bad length %v", len(data))
		}
		for _, b := range data {
			if b < 0x20 || b > 0x7e {
				t.Fatalf("non printable byte 0x%x", b)
			}
		}
	}
	if _, err := (&RandPrintables{}).Generate(r); err == nil {
		t.Errorf("zero max size accepted")
	}
}

func TestFileGenerator(t *testing.T) {
	a, b := t.TempDir(), t.TempDir()
	os.WriteFile(filepath.Join(a, "1"), []byte("one"), 0644)
	os.WriteFile(filepath.Join(a, "2"), nil, 0644)
	os.Mkdir(filepath.Join(a, "sub"), 0755)
	os.WriteFile(filepath.Join(b, "3"), []byte("three"), 0644)
	g, err := InitFileGenerator(a, b)
	if err != nil {
		t.Fatalf("InitFileGenerator: %v", err)
	}
	var got []string
	for {
		data, err := g.Generate(nil)
		if err != nil {
			t.Fatalf("Generate: %v", err)
		}
		if data == nil {
			break
		}
		got = append(got, string(data))
	}
	if len(got) != 2 || got[0] != "one" || got[1] != "three" {
		t.Fatalf("unexpected inputs %q", got)
	}
	if _, err := InitFileGenerator(filepath.Join(a, "missing")); err == nil {
		t.Errorf("missing directory accepted")
	}
}
