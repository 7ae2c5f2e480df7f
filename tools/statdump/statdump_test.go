package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rss/fuzzkit/broker"
)

func TestRender(t *testing.T) {
	s := &broker.StatsFile{
		RunID:      "run",
		Clients:    2,
		Running:    1,
		Executions: 30,
		PerClient: []broker.ClientStats{
			{Name: "client-0", Core: 0, Executions: 10},
			{Name: "client-1", Core: -1, Executions: 20, Stopped: true, Restarts: 2},
		},
	}
	var buf bytes.Buffer
	render(&buf, s)
	out := buf.String()
	for _, want := range []string{"run run", "client-0", "client-1", "stopped", "30"} {
		if !strings.Contains(out, want) {
			t.Errorf("output misses %q:\n%v", want, out)
		}
	}
}
