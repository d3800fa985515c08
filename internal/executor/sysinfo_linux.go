// ABOUTME: Memory, uptime and load figures for get_system_stats on Linux.
// ABOUTME: Reads them from the sysinfo syscall.

//go:build linux

package executor

import "golang.org/x/sys/unix"

type memory struct {
	total  uint64
	free   uint64
	uptime int64
	load   [3]float64
}

func readMemory() (memory, bool) {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return memory{}, false
	}
	unit := uint64(info.Unit)
	if unit == 0 {
		unit = 1
	}
	const loadScale = 1 << 16
	return memory{
		total:  uint64(info.Totalram) * unit,
		free:   uint64(info.Freeram) * unit,
		uptime: int64(info.Uptime),
		load: [3]float64{
			float64(info.Loads[0]) / loadScale,
			float64(info.Loads[1]) / loadScale,
			float64(info.Loads[2]) / loadScale,
		},
	}, true
}
