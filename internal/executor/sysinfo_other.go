// ABOUTME: Fallback system figures for platforms without sysinfo.
// ABOUTME: Reports zero values so get_system_stats still answers.

//go:build !linux

package executor

type memory struct {
	total  uint64
	free   uint64
	uptime int64
	load   [3]float64
}

// readMemory has no portable source outside Linux.
func readMemory() (memory, bool) {
	return memory{}, false
}
