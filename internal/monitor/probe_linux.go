//go:build linux

package monitor

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/charmbracelet/log"
	"golang.org/x/sys/unix"
)

// probeMemory detects the accelerator the backend runs on and reports
// its memory. Detection order: amdgpu VRAM from sysfs, then host RAM
// from sysinfo(2). The proprietary nvidia driver exposes no VRAM
// counters without NVML, so an NVIDIA-only box degrades to the host
// estimate with a debug note.
func probeMemory() (MemoryInfo, bool) {
	return probeFrom("/proc", "/sys")
}

// probeFrom is the testable implementation of probeMemory. It accepts
// root paths for /proc and /sys so tests can point at synthetic trees.
func probeFrom(procRoot, sysRoot string) (MemoryInfo, bool) {
	if info, ok := probeAMDGPU(sysRoot); ok {
		return info, true
	}
	if hasNvidia(procRoot) {
		log.Debug("nvidia driver present but VRAM counters need NVML, using host memory")
	}
	return probeHost()
}

// probeAMDGPU reads VRAM capacity and usage for the first DRM card
// bound to the amdgpu driver. The counters live in the card's device
// directory as mem_info_vram_total and mem_info_vram_used.
func probeAMDGPU(sysRoot string) (MemoryInfo, bool) {
	drmBase := filepath.Join(sysRoot, "class/drm")
	entries, err := os.ReadDir(drmBase)
	if err != nil {
		return MemoryInfo{}, false
	}

	for _, entry := range entries {
		name := entry.Name()
		if !isCardDevice(name) {
			continue
		}
		devicePath := filepath.Join(drmBase, name, "device")
		if readDriverName(devicePath) != "amdgpu" {
			continue
		}

		total := readSysfsUint(filepath.Join(devicePath, "mem_info_vram_total"))
		if total == 0 {
			continue
		}
		used := readSysfsUint(filepath.Join(devicePath, "mem_info_vram_used"))
		if used > total {
			used = total
		}
		return MemoryInfo{
			TotalBytes:     total,
			UsedBytes:      used,
			AvailableBytes: total - used,
			Source:         "amdgpu",
		}, true
	}
	return MemoryInfo{}, false
}

// hasNvidia reports whether the proprietary nvidia driver has
// registered any GPUs under /proc/driver/nvidia/gpus.
func hasNvidia(procRoot string) bool {
	entries, err := os.ReadDir(filepath.Join(procRoot, "driver/nvidia/gpus"))
	return err == nil && len(entries) > 0
}

// probeHost reports host RAM from sysinfo(2). Available is free plus
// buffer memory, the same working estimate free(1) prints as usable.
func probeHost() (MemoryInfo, bool) {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return MemoryInfo{}, false
	}
	unitSize := uint64(info.Unit)
	total := uint64(info.Totalram) * unitSize
	free := (uint64(info.Freeram) + uint64(info.Bufferram)) * unitSize
	if free > total {
		free = total
	}
	return MemoryInfo{
		TotalBytes:     total,
		UsedBytes:      total - free,
		AvailableBytes: free,
		Source:         "host",
	}, true
}

// isCardDevice returns true for DRM card device names (card0, card1)
// but not connectors (card0-DP-1) or render nodes (renderD128).
func isCardDevice(name string) bool {
	if !strings.HasPrefix(name, "card") {
		return false
	}
	suffix := name[4:]
	if len(suffix) == 0 {
		return false
	}
	for _, character := range suffix {
		if character < '0' || character > '9' {
			return false
		}
	}
	return true
}

// readDriverName returns the kernel driver bound to a PCI device by
// reading the basename of the "driver" symlink in its sysfs directory.
func readDriverName(devicePath string) string {
	link, err := os.Readlink(filepath.Join(devicePath, "driver"))
	if err != nil {
		return ""
	}
	return filepath.Base(link)
}

// readSysfsUint reads an unsigned integer from a single-line sysfs
// file. Returns 0 on any error.
func readSysfsUint(path string) uint64 {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	value, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0
	}
	return value
}
