//go:build !linux

package monitor

// probeMemory has no accelerator or host probe off Linux. The zero
// value tells the pool that capacity is unknown; sizing then falls
// back to the configured minimum.
func probeMemory() (MemoryInfo, bool) {
	return MemoryInfo{}, false
}
