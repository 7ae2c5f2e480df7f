// Package gen produces initial inputs.
package gen

import (
	"math/rand"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// Generator returns (nil, nil) once it has nothing left.
type Generator interface {
	Generate(r *rand.Rand) ([]byte, error)
}

// RandPrintables generates inputs of 1 to MaxSize printable ASCII bytes.
type RandPrintables struct {
	MaxSize int
}

func (g *RandPrintables) Generate(r *rand.Rand) ([]byte, error) {
	if g.MaxSize <= 0 {
		return nil, errors.New("max size must be positive")
	}
	data := make([]byte, 1+r.Intn(g.MaxSize))
	for i := range data {
		data[i] = byte(' ' + r.Intn('~'-' '+1))
	}
	return data, nil
}

// FileGenerator returns the content of every regular file in a list of
// directories, in directory order.
type FileGenerator struct {
	files []string
}

func InitFileGenerator(dirs ...string) (*FileGenerator, error) {
	g := &FileGenerator{}
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return nil, errors.Wrapf(err, "cannot list directory %v", dir)
		}
		for _, e := range entries {
			if e.Type().IsRegular() {
				g.files = append(g.files, filepath.Join(dir, e.Name()))
			}
		}
	}
	return g, nil
}

func (g *FileGenerator) Generate(r *rand.Rand) ([]byte, error) {
readFile:
	if len(g.files) == 0 {
		return nil, nil
	}
	p := g.files[0]
	g.files = g.files[1:]
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot read input file %v", p)
	}
	if len(data) == 0 {
		goto readFile
	}
	return data, nil
}
