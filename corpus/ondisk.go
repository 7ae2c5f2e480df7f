package corpus

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/rss/fuzzkit/result"
	"github.com/rss/fuzzkit/util"
)

// OnDisk is an append-only corpus where each input is a file named by its
// content hash, with a metadata record next to it. Inputs already present
// in the directory are indexed when it is opened.
type OnDisk struct {
	dir     string
	entries []*Testcase
	names   []string
	byName  map[string]ID
}

func OpenOnDisk(dir string) (*OnDisk, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrapf(ErrIO, "cannot create corpus directory %v: %v", dir, err)
	}
	c := &OnDisk{
		dir:    dir,
		byName: make(map[string]ID),
	}
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(ErrIO, "cannot list corpus directory %v: %v", dir, err)
	}
	for _, f := range files {
		if f.IsDir() || strings.HasPrefix(f.Name(), ".") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, f.Name()))
		if err != nil {
			return nil, errors.Wrapf(ErrIO, "cannot read testcase %v: %v", f.Name(), err)
		}
		tc := NewTestcase(data)
		if rec, err := result.Load(result.MetadataPath(dir, f.Name())); err == nil {
			if ts, err := time.ParseInLocation(result.TimeStampFormat, rec.TimeStamp, time.Local); err == nil {
				tc.Found = ts
			}
			tc.ExecTime = time.Duration(rec.ExecTimeUs) * time.Microsecond
			tc.Executions = rec.Executions
			tc.Client = rec.Client
		}
		c.insert(f.Name(), tc)
	}
	if len(c.entries) != 0 {
		log.Infof("loaded %v testcases from %v", len(c.entries), dir)
	}
	return c, nil
}

func (c *OnDisk) insert(name string, tc *Testcase) ID {
	id := ID(len(c.entries))
	c.entries = append(c.entries, tc)
	c.names = append(c.names, name)
	c.byName[name] = id
	return id
}

// Add stores the input durably before returning. Adding an input that is
// already stored returns the existing id.
func (c *OnDisk) Add(tc *Testcase) (ID, error) {
	name := Name(tc.Input)
	if id, ok := c.byName[name]; ok {
		return id, nil
	}
	if err := util.WriteFileAtomic(filepath.Join(c.dir, name), tc.Input); err != nil {
		return NoParent, errors.Wrapf(ErrIO, "cannot store testcase %v: %v", name, err)
	}
	rec := &result.Record{
		TimeStamp:  tc.Found.Format(result.TimeStampFormat),
		Name:       name,
		Kind:       tc.Kind.String(),
		Size:       tc.Len(),
		ExecTimeUs: tc.ExecTime.Microseconds(),
		Executions: tc.Executions,
		Client:     tc.Client,
	}
	if tc.Indexes != nil {
		rec.Indexes = tc.Indexes.Count()
	}
	if err := result.Save(c.dir, rec); err != nil {
		return NoParent, errors.Wrapf(ErrIO, "%v", err)
	}
	return c.insert(name, tc), nil
}

func (c *OnDisk) Get(id ID) (*Testcase, error) {
	if id < 0 || int(id) >= len(c.entries) {
		return nil, errors.Wrapf(ErrNotFound, "id %v", id)
	}
	return c.entries[id], nil
}

func (c *OnDisk) Count() int {
	return len(c.entries)
}

func (c *OnDisk) Dir() string {
	return c.dir
}

// Path returns the file holding the input of id.
func (c *OnDisk) Path(id ID) string {
	if id < 0 || int(id) >= len(c.names) {
		return ""
	}
	return filepath.Join(c.dir, c.names[id])
}
