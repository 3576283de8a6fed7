package governor

import (
	"bytes"
	"os"
	"runtime"
	"strconv"
)

// Sampler reports observed process memory in MiB. The governor polls it on
// every admission check and on a background interval.
type Sampler func() (int, error)

const mib = 1024 * 1024

// Cgroup accounting covers the automation subprocesses, which dominate the
// real footprint; the Go runtime view is the fallback outside containers.
var cgroupPaths = []string{
	"/sys/fs/cgroup/memory.current",
	"/sys/fs/cgroup/memory/memory.usage_in_bytes",
}

// DefaultSampler prefers cgroup memory accounting and falls back to the Go
// runtime's own view when no cgroup file is readable.
func DefaultSampler() Sampler {
	return func() (int, error) {
		for _, path := range cgroupPaths {
			raw, err := os.ReadFile(path)
			if err != nil {
				continue
			}
			n, err := strconv.ParseInt(string(bytes.TrimSpace(raw)), 10, 64)
			if err != nil {
				continue
			}
			return int(n / mib), nil
		}
		return RuntimeSampler()()
	}
}

// RuntimeSampler reports memory obtained from the OS by the Go runtime. It
// does not see automation subprocesses.
func RuntimeSampler() Sampler {
	return func() (int, error) {
		var m runtime.MemStats
		runtime.ReadMemStats(&m)
		return int(m.Sys / mib), nil
	}
}
