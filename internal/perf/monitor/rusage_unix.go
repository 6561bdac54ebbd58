//go:build unix

package monitor

import (
	"runtime"
	"time"

	"golang.org/x/sys/unix"
)

// sampleRusage reads cumulative process CPU time (user+system) and the max
// resident set size. Maxrss is reported in KiB on Linux and bytes on Darwin.
func sampleRusage() (cpuTime time.Duration, rssBytes int64) {
	var ru unix.Rusage
	if err := unix.Getrusage(unix.RUSAGE_SELF, &ru); err != nil {
		return 0, 0
	}

	cpuTime = time.Duration(ru.Utime.Sec+ru.Stime.Sec)*time.Second +
		time.Duration(ru.Utime.Usec+ru.Stime.Usec)*time.Microsecond

	rssBytes = int64(ru.Maxrss)
	if runtime.GOOS != "darwin" {
		rssBytes *= 1024
	}
	return cpuTime, rssBytes
}
