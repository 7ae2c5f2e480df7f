// executord runs the marker harness behind the forkserver protocol, as an
// out-of-process target for the manager:
//
//	manager -target ./executord -- @@
//
// Run by hand with a file argument or input on stdin it executes the harness
// once, which reproduces a saved crash.
package main

import (
	"github.com/rss/fuzzkit/forksrv"
	"github.com/rss/fuzzkit/harness"
)

func main() {
	forksrv.Main(harness.Marker)
}
