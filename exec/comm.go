package exec

import (
	"encoding/binary"
	"io"
	"os"
	"time"
)

// AFL forkserver file descriptors as seen by the target.
const (
	ForkserverCtlFD = 198
	ForkserverStFD  = ForkserverCtlFD + 1
)

// ForkserverHello is written by the server once it is ready.
const ForkserverHello uint32 = 0x46534b31

// Comm is the server side of the control and status channel.
type Comm interface {
	io.ReadWriteCloser
	SetRWDeadline(deadline time.Time) error
}

// PipeComm pairs the read end of one pipe with the write end of another.
type PipeComm struct {
	r *os.File
	w *os.File
}

func NewPipeComm(r, w *os.File) *PipeComm {
	return &PipeComm{r: r, w: w}
}

func (c *PipeComm) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

func (c *PipeComm) Write(p []byte) (int, error) {
	return c.w.Write(p)
}

func (c *PipeComm) SetRWDeadline(deadline time.Time) error {
	if err := c.r.SetReadDeadline(deadline); err != nil {
		return err
	}
	return c.w.SetWriteDeadline(deadline)
}

func (c *PipeComm) Close() error {
	err := c.r.Close()
	if werr := c.w.Close(); err == nil {
		err = werr
	}
	return err
}

func SendToken(c io.Writer, v uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	_, err := c.Write(buf[:])
	return err
}

func RecvToken(c io.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(c, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}
