//go:build !unix

package monitor

import "time"

// sampleRusage has no portable implementation off unix; snapshots fall back
// to runtime memory stats only.
func sampleRusage() (cpuTime time.Duration, rssBytes int64) {
	return 0, 0
}
