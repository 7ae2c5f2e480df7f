package rpctype

import (
	"net"
	"net/rpc"
	"sync"
	"time"

	"github.com/golang/snappy"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const callTimeout = time.Minute

type RPCServer struct {
	ln net.Listener
	s  *rpc.Server
}

func NewRPCServer(addr, name string, receiver interface{}) (*RPCServer, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot listen on %v", addr)
	}
	s := rpc.NewServer()
	if err := s.RegisterName(name, receiver); err != nil {
		ln.Close()
		return nil, errors.Wrap(err, "cannot register rpc receiver")
	}
	return &RPCServer{ln: ln, s: s}, nil
}

// Serve accepts connections until the server is closed.
func (serv *RPCServer) Serve() {
	for {
		conn, err := serv.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Warnf("rpc accept failed: %v", err)
			continue
		}
		if tcp, ok := conn.(*net.TCPConn); ok {
			tcp.SetKeepAlive(true)
			tcp.SetKeepAlivePeriod(time.Minute)
		}
		go serv.s.ServeConn(newCompressedConn(conn))
	}
}

func (serv *RPCServer) Addr() net.Addr {
	return serv.ln.Addr()
}

func (serv *RPCServer) Close() error {
	return serv.ln.Close()
}

type RPCClient struct {
	mu        sync.Mutex
	conn      net.Conn
	c         *rpc.Client
	timeScale time.Duration
}

func NewRPCClient(addr string, timeScale time.Duration) (*RPCClient, error) {
	if timeScale <= 0 {
		timeScale = 1
	}
	conn, err := net.DialTimeout("tcp", addr, 30*time.Second*timeScale)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot connect to %v", addr)
	}
	return &RPCClient{
		conn:      conn,
		c:         rpc.NewClient(newCompressedConn(conn)),
		timeScale: timeScale,
	}, nil
}

func (cli *RPCClient) Call(method string, args, reply interface{}) error {
	cli.mu.Lock()
	defer cli.mu.Unlock()
	cli.conn.SetDeadline(time.Now().Add(callTimeout * cli.timeScale))
	defer cli.conn.SetDeadline(time.Time{})
	return cli.c.Call(method, args, reply)
}

func (cli *RPCClient) Close() error {
	return cli.c.Close()
}

// compressedConn runs a snappy stream in each direction. Every write is
// flushed since net/rpc buffers whole messages itself.
type compressedConn struct {
	net.Conn
	r *snappy.Reader
	w *snappy.Writer
}

func newCompressedConn(conn net.Conn) *compressedConn {
	return &compressedConn{
		Conn: conn,
		r:    snappy.NewReader(conn),
		w:    snappy.NewBufferedWriter(conn),
	}
}

func (c *compressedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

func (c *compressedConn) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	if err != nil {
		return n, err
	}
	return n, c.w.Flush()
}
