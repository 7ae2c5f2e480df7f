package launcher

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/rss/fuzzkit/broker"
	"github.com/rss/fuzzkit/rpctype"
	"github.com/rss/fuzzkit/util"
)

func TestMain(m *testing.M) {
	if IsClient() {
		l := New(Config{}, func(ctx context.Context, events *broker.Client, info ClientInfo) error {
			events.Fire(rpctype.Event{
				Kind:       rpctype.EventNewTestcase,
				Input:      []byte(info.Name()),
				Executions: 5,
			})
			return events.Flush(func([]byte) error { return nil })
		})
		if err := l.Launch(context.Background()); err != nil {
			os.Exit(1)
		}
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func TestParseCores(t *testing.T) {
	tests := []struct {
		in   string
		want []int
		bad  bool
	}{
		{in: "none", want: []int{NoCore}},
		{in: "", want: []int{NoCore}},
		{in: "3", want: []int{3}},
		{in: "1,2-4,6", want: []int{1, 2, 3, 4, 6}},
		{in: " 0 , 2 ", want: []int{0, 2}},
		{in: "4-2", bad: true},
		{in: "1,1", bad: true},
		{in: "1-3,2", bad: true},
		{in: "x", bad: true},
		{in: "-1", bad: true},
	}
	for _, test := range tests {
		got, err := ParseCores(test.in)
		if test.bad {
			if err == nil {
				t.Errorf("ParseCores(%q) = %v, want error", test.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseCores(%q): %v", test.in, err)
			continue
		}
		if !reflect.DeepEqual(got, test.want) {
			t.Errorf("ParseCores(%q) = %v, want %v", test.in, got, test.want)
		}
	}
	all, err := ParseCores("all")
	if err != nil || len(all) == 0 || all[0] != 0 {
		t.Fatalf("ParseCores(all) = %v, %v", all, err)
	}
}

func shell(script string) func(ClientInfo) *exec.Cmd {
	return func(ClientInfo) *exec.Cmd {
		return exec.Command("sh", "-c", script)
	}
}

func TestSuperviseRestartsFailedClient(t *testing.T) {
	counter := filepath.Join(t.TempDir(), "runs")
	l := New(Config{RestartDelay: 10 * time.Millisecond}, nil)
	// fails twice, then exits cleanly
	l.newCmd = shell(`n=$(cat ` + counter + ` 2>/dev/null || echo 0); echo $((n+1)) > ` + counter + `; [ "$n" -ge 2 ]`)
	if err := l.supervise(context.Background(), func() {}, ClientInfo{}); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(counter)
	if err != nil {
		t.Fatal(err)
	}
	if runs := strings.TrimSpace(string(data)); runs != "3" {
		t.Fatalf("client ran %v times, want 3", runs)
	}
}

func TestSuperviseKillsOnShutdown(t *testing.T) {
	l := New(Config{ShutdownGrace: 50 * time.Millisecond}, nil)
	l.newCmd = shell("exec sleep 30")
	ctx, cancel := context.WithCancel(context.Background())
	shutdown := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- l.supervise(ctx, func() { close(shutdown) }, ClientInfo{})
	}()
	time.Sleep(100 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("client was not killed")
	}
	select {
	case <-shutdown:
	default:
		t.Fatal("broker was not told to shut down")
	}
}

func TestSuperviseStartFailure(t *testing.T) {
	l := New(Config{}, nil)
	l.newCmd = func(ClientInfo) *exec.Cmd {
		return exec.Command(filepath.Join(t.TempDir(), "missing"))
	}
	if err := l.supervise(context.Background(), func() {}, ClientInfo{}); err == nil {
		t.Fatal("missing client binary did not fail")
	}
}

func TestLaunch(t *testing.T) {
	stats := filepath.Join(t.TempDir(), "stats.json")
	bcfg := broker.DefaultConfig()
	bcfg.Addr = "127.0.0.1:0"
	bcfg.StatsFile = stats
	l := New(Config{
		Cores:      []int{NoCore, NoCore},
		Broker:     bcfg,
		StdoutFile: filepath.Join(t.TempDir(), "clients.log"),
	}, nil)
	if err := l.Launch(context.Background()); err != nil {
		t.Fatal(err)
	}
	s, err := broker.LoadStats(stats)
	if err != nil {
		t.Fatal(err)
	}
	if s.Clients != 2 || s.Running != 0 || s.Executions != 10 || s.Relayed != 2 {
		t.Fatalf("bad stats: %+v", s)
	}
}

func TestLaunchCancelled(t *testing.T) {
	bcfg := broker.DefaultConfig()
	bcfg.Addr = "127.0.0.1:0"
	l := New(Config{Broker: bcfg, ShutdownGrace: 50 * time.Millisecond}, nil)
	l.newCmd = shell("exec sleep 30")
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)
	if err := l.Launch(ctx); !util.IsShuttingDown(err) {
		t.Fatalf("got %v, want shutdown", err)
	}
}
