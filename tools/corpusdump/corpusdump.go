// corpusdump lists the testcases of an on-disk corpus, such as the crashes
// directory of a run, or dumps one of them.
package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/olekukonko/tablewriter"
	log "github.com/sirupsen/logrus"

	"github.com/rss/fuzzkit/result"
)

var (
	flagDir  = flag.String("dir", "./out/crashes", "corpus directory")
	flagName = flag.String("name", "", "dump this testcase instead of listing")
	flagRaw  = flag.Bool("raw", false, "dump raw bytes instead of hex")
)

func list(w io.Writer, recs []*result.Record) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"time", "name", "kind", "size", "exec time", "client", "indexes"})
	for _, rec := range recs {
		table.Append([]string{
			rec.TimeStamp,
			rec.Name,
			rec.Kind,
			fmt.Sprintf("%d", rec.Size),
			fmt.Sprintf("%dus", rec.ExecTimeUs),
			rec.Client,
			fmt.Sprintf("%d", rec.Indexes),
		})
	}
	table.Render()
}

func main() {
	flag.Parse()
	if *flagName == "" {
		recs, err := result.List(*flagDir)
		if err != nil {
			log.Fatalf("cannot list corpus: %v", err)
		}
		list(os.Stdout, recs)
		return
	}
	data, err := os.ReadFile(filepath.Join(*flagDir, *flagName))
	if err != nil {
		log.Fatalf("cannot read testcase: %v", err)
	}
	if *flagRaw {
		os.Stdout.Write(data)
		return
	}
	fmt.Print(hex.Dump(data))
}
