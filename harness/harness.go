// Package harness holds the marker target the manager fuzzes when no
// external target is given.
package harness

import "github.com/rss/fuzzkit/coverage"

// MapSize is the coverage map size the marker harness writes to.
const MapSize = 16

type marker struct {
	off int
	val byte
}

var markers = []marker{
	{0, 'a'},
	{20, 'b'},
	{112, '4'},
	{120, '4'},
	{121, 'q'},
	{503, '9'},
	{1059, 'z'},
	{6433, 'o'},
	{10059, '#'},
	{10069, '_'},
}

// CrashLen is the length of the shortest crashing input.
const CrashLen = 10071

// Marker sets index 0 on every call and index i+1 once the first i+1
// markers match. Matching all of them panics.
func Marker(cov coverage.Writer, data []byte) {
	cov.Set(0)
	for i, m := range markers {
		if len(data) <= m.off || data[m.off] != m.val {
			return
		}
		if i == len(markers)-1 {
			panic("artificial bug triggered =)")
		}
		cov.Set(i + 1)
	}
}

// CrashInput returns an input that triggers the bug, with the first n
// markers in place. n >= len(markers) gives the full pattern.
func CrashInput(n int) []byte {
	buf := make([]byte, CrashLen)
	for i := range buf {
		buf[i] = '.'
	}
	for i, m := range markers {
		if i >= n {
			break
		}
		buf[m.off] = m.val
	}
	return buf
}

func Markers() int {
	return len(markers)
}
