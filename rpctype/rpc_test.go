package rpctype

import (
	"bytes"
	"testing"
	"time"
)

type echoServer struct{}

func (echoServer) Sync(args *SyncArgs, res *SyncRes) error {
	for _, ev := range args.Events {
		res.Testcases = append(res.Testcases, ev.Input)
	}
	res.Shutdown = args.ID < 0
	return nil
}

func TestRPCRoundTrip(t *testing.T) {
	serv, err := NewRPCServer("127.0.0.1:0", "Echo", echoServer{})
	if err != nil {
		t.Fatalf("cannot start server: %v", err)
	}
	defer serv.Close()
	go serv.Serve()

	cli, err := NewRPCClient(serv.Addr().String(), 1)
	if err != nil {
		t.Fatalf("cannot connect: %v", err)
	}
	defer cli.Close()
	big := bytes.Repeat([]byte("compressible "), 10000)
	args := &SyncArgs{
		ID: -1,
		Events: []Event{
			{Kind: EventNewTestcase, Time: time.Now(), Input: []byte("a")},
			{Kind: EventNewTestcase, Input: big},
		},
	}
	for i := 0; i < 3; i++ {
		var res SyncRes
		if err := cli.Call("Echo.Sync", args, &res); err != nil {
			t.Fatalf("call %v failed: %v", i, err)
		}
		if len(res.Testcases) != 2 || !bytes.Equal(res.Testcases[1], big) || !res.Shutdown {
			t.Fatalf("call %v: unexpected reply", i)
		}
	}
}

func TestRPCServerBadAddr(t *testing.T) {
	serv, err := NewRPCServer("127.0.0.1:0", "Echo", echoServer{})
	if err != nil {
		t.Fatalf("cannot start server: %v", err)
	}
	defer serv.Close()
	if _, err := NewRPCServer(serv.Addr().String(), "Echo", echoServer{}); err == nil {
		t.Fatalf("second server bound the same port")
	}
}

func TestEventKindString(t *testing.T) {
	if EventClientStopped.String() != "client-stopped" || EventKind(42).String() != "unknown" {
		t.Fatalf("unexpected names")
	}
}
