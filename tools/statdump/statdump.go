// statdump prints the stats file of a run as a table, once or every
// -watch interval.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	log "github.com/sirupsen/logrus"

	"github.com/rss/fuzzkit/broker"
)

var (
	flagStats = flag.String("stats", "./out/fuzzer_stats.json", "stats file")
	flagWatch = flag.Duration("watch", 0, "reprint interval, print once if 0")
)

func render(w io.Writer, s *broker.StatsFile) {
	fmt.Fprintf(w, "run %v at %v: run time=%v, clients=%v/%v, relayed=%v, throughput=%.2f(exec/s)\n",
		s.RunID, s.TimeStamp, s.RunTime, s.Running, s.Clients, s.Relayed, s.Throughput)
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"client", "core", "pid", "state", "restarts", "corpus", "objectives", "exec", "timeouts", "last seen"})
	for _, c := range s.PerClient {
		state := "running"
		if c.Stopped {
			state = "stopped"
		}
		core := "-"
		if c.Core >= 0 {
			core = fmt.Sprintf("%d", c.Core)
		}
		table.Append([]string{
			c.Name,
			core,
			fmt.Sprintf("%d", c.Pid),
			state,
			fmt.Sprintf("%d", c.Restarts),
			fmt.Sprintf("%d", c.Corpus),
			fmt.Sprintf("%d", c.Objectives),
			fmt.Sprintf("%d", c.Executions),
			fmt.Sprintf("%d", c.Timeouts),
			c.LastSeen,
		})
	}
	table.SetFooter([]string{
		"total", "", "", "", "",
		fmt.Sprintf("%d", s.Corpus),
		fmt.Sprintf("%d", s.Objectives),
		fmt.Sprintf("%d", s.Executions),
		fmt.Sprintf("%d", s.Timeouts),
		"",
	})
	table.Render()
}

func main() {
	flag.Parse()
	for {
		s, err := broker.LoadStats(*flagStats)
		if err != nil {
			log.Fatalf("cannot load stats file: %v", err)
		}
		render(os.Stdout, s)
		if *flagWatch <= 0 {
			return
		}
		<-time.After(*flagWatch)
	}
}
