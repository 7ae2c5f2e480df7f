package util

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// WriteFileAtomic replaces p with data so that readers see either the old
// or the new content, and the new content is on disk once it returns.
func WriteFileAtomic(p string, data []byte) error {
	dir := filepath.Dir(p)
	f, err := os.CreateTemp(dir, ".tmp-"+filepath.Base(p)+"-*")
	if err != nil {
		return errors.Wrap(err, "cannot create temporary file")
	}
	tmp := f.Name()
	if _, err = f.Write(data); err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return errors.Wrap(err, "cannot write temporary file")
	}
	if err = os.Rename(tmp, p); err != nil {
		os.Remove(tmp)
		return errors.Wrap(err, "cannot rename temporary file")
	}
	if d, err := os.Open(dir); err == nil {
		d.Sync()
		d.Close()
	}
	return nil
}

func ToJsonFile(e interface{}, p string) error {
	data, err := json.MarshalIndent(e, "", "\t")
	if err != nil {
		return errors.Wrap(err, "cannot encode")
	}
	return WriteFileAtomic(p, append(data, '\n'))
}

func FromJsonFile(d interface{}, p string) error {
	f, err := os.Open(p)
	if err != nil {
		return errors.Wrap(err, "cannot open file")
	}
	defer f.Close()
	dec := json.NewDecoder(f)
	err = dec.Decode(d)
	if err != nil {
		return errors.Wrap(err, "cannot decode")
	}
	return nil
}
