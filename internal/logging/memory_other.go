//go:build !linux

package logging

// SystemMemory is not measured on this platform.
func SystemMemory() (usedGB, percent float64) {
	return 0, 0
}
