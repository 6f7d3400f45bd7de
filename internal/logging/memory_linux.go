//go:build linux

package logging

import "golang.org/x/sys/unix"

// SystemMemory returns the used system memory in GB and as a percentage
// of the total. Buffers and free pages do not count as used.
func SystemMemory() (usedGB, percent float64) {
	var si unix.Sysinfo_t
	if err := unix.Sysinfo(&si); err != nil {
		return 0, 0
	}
	unit := uint64(si.Unit)
	if unit == 0 {
		unit = 1
	}
	total := uint64(si.Totalram) * unit
	free := (uint64(si.Freeram) + uint64(si.Bufferram)) * unit
	if total == 0 || free > total {
		return 0, 0
	}
	used := total - free
	return float64(used) / 1e9, 100 * float64(used) / float64(total)
}
