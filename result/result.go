// Package result stores the metadata record kept next to every persisted
// testcase.
package result

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/rss/fuzzkit/util"
)

type Record struct {
	TimeStamp  string `json:"time_stamp"`
	Name       string `json:"name"`
	Kind       string `json:"kind"`
	Size       int    `json:"size"`
	ExecTimeUs int64  `json:"exec_time_us"`
	Executions uint64 `json:"executions"`
	Client     string `json:"client,omitempty"`
	Indexes    uint   `json:"indexes"`
}

const TimeStampFormat string = "2006/01/02 15:04:05"

const metadataSuffix = ".metadata"

func MetadataPath(dir, name string) string {
	return filepath.Join(dir, "."+name+metadataSuffix)
}

func IsMetadata(file string) bool {
	base := filepath.Base(file)
	return strings.HasPrefix(base, ".") && strings.HasSuffix(base, metadataSuffix)
}

func Save(dir string, rec *Record) error {
	if err := util.ToJsonFile(rec, MetadataPath(dir, rec.Name)); err != nil {
		return errors.Wrapf(err, "cannot save metadata of %v", rec.Name)
	}
	return nil
}

func Load(path string) (*Record, error) {
	rec := &Record{}
	if err := util.FromJsonFile(rec, path); err != nil {
		return nil, errors.Wrapf(err, "cannot load metadata %v", path)
	}
	return rec, nil
}

// List loads every record in dir ordered by time stamp.
func List(dir string) ([]*Record, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrap(err, "cannot list directory")
	}
	var recs []*Record
	for _, e := range entries {
		if e.IsDir() || !IsMetadata(e.Name()) {
			continue
		}
		rec, err := Load(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	sort.SliceStable(recs, func(i, j int) bool {
		return recs[i].TimeStamp < recs[j].TimeStamp
	})
	return recs, nil
}
