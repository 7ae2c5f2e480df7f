package coverage

import (
	"fmt"
	"os"
	"strconv"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

const (
	EnvShmID   = "__AFL_SHM_ID"
	EnvMapSize = "AFL_MAP_SIZE"
)

// NewShared creates a private SysV segment of the given size. The segment is
// removed when the map is closed.
func NewShared(size int) (*Map, error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid coverage map size %v", size)
	}
	id, err := unix.SysvShmGet(unix.IPC_PRIVATE, size, unix.IPC_CREAT|unix.IPC_EXCL|0600)
	if err != nil {
		return nil, errors.Wrap(err, "cannot create shared memory segment")
	}
	buf, err := unix.SysvShmAttach(id, 0, 0)
	if err != nil {
		unix.SysvShmCtl(id, unix.IPC_RMID, nil)
		return nil, errors.Wrapf(err, "cannot attach shared memory segment %v", id)
	}
	m := &Map{
		buf:    buf[:size],
		shmID:  id,
		shared: true,
		owner:  true,
	}
	m.Reset()
	return m, nil
}

// Attach maps an existing segment created by another process.
func Attach(id, size int) (*Map, error) {
	buf, err := unix.SysvShmAttach(id, 0, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot attach shared memory segment %v", id)
	}
	if size <= 0 || size > len(buf) {
		unix.SysvShmDetach(buf)
		return nil, fmt.Errorf("map size %v does not fit segment %v of %v bytes", size, id, len(buf))
	}
	return &Map{
		buf:    buf[:size],
		shmID:  id,
		shared: true,
	}, nil
}

// FromEnv attaches the segment named by __AFL_SHM_ID. AFL_MAP_SIZE defaults
// to DefaultSize when absent.
func FromEnv() (*Map, error) {
	idStr := os.Getenv(EnvShmID)
	if idStr == "" {
		return nil, fmt.Errorf("%v is not set", EnvShmID)
	}
	id, err := strconv.Atoi(idStr)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot parse %v", EnvShmID)
	}
	size := DefaultSize
	if s := os.Getenv(EnvMapSize); s != "" {
		size, err = strconv.Atoi(s)
		if err != nil {
			return nil, errors.Wrapf(err, "cannot parse %v", EnvMapSize)
		}
	}
	return Attach(id, size)
}

func (m *Map) Close() error {
	if !m.shared || m.buf == nil {
		return nil
	}
	err := unix.SysvShmDetach(m.buf)
	m.buf = nil
	if m.owner {
		if _, rerr := unix.SysvShmCtl(m.shmID, unix.IPC_RMID, nil); rerr != nil && err == nil {
			err = rerr
		}
	}
	if err != nil {
		return errors.Wrapf(err, "cannot release shared memory segment %v", m.shmID)
	}
	return nil
}
