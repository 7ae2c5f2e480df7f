package launcher

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/klauspost/cpuid/v2"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// NoCore is the core of an unpinned client.
const NoCore = -1

// ParseCores parses "1,2-4,6", "all" or "none". "none" yields a single
// unpinned client.
func ParseCores(s string) ([]int, error) {
	s = strings.TrimSpace(s)
	switch s {
	case "", "none":
		return []int{NoCore}, nil
	case "all":
		n := cpuid.CPU.LogicalCores
		if n <= 0 {
			n = runtime.NumCPU()
		}
		cores := make([]int, n)
		for i := range cores {
			cores[i] = i
		}
		return cores, nil
	}
	var cores []int
	seen := make(map[int]bool)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		lo, hi, isRange := strings.Cut(part, "-")
		first, err := strconv.Atoi(lo)
		if err != nil || first < 0 {
			return nil, fmt.Errorf("bad core %q in %q", lo, s)
		}
		last := first
		if isRange {
			last, err = strconv.Atoi(hi)
			if err != nil || last < first {
				return nil, fmt.Errorf("bad core range %q in %q", part, s)
			}
		}
		for c := first; c <= last; c++ {
			if seen[c] {
				return nil, fmt.Errorf("core %v listed twice in %q", c, s)
			}
			seen[c] = true
			cores = append(cores, c)
		}
	}
	return cores, nil
}

// PinToCore sets the affinity of every thread of the process.
func PinToCore(core int) error {
	var set unix.CPUSet
	set.Set(core)
	tasks, err := os.ReadDir("/proc/self/task")
	if err != nil {
		return unix.SchedSetaffinity(0, &set)
	}
	for _, task := range tasks {
		tid, err := strconv.Atoi(task.Name())
		if err != nil {
			continue
		}
		if err := unix.SchedSetaffinity(tid, &set); err != nil && err != unix.ESRCH {
			return errors.Wrapf(err, "cannot pin thread %v to core %v", tid, core)
		}
	}
	return nil
}
