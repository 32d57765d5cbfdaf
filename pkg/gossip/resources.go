package gossip

import (
	"os"
	"runtime"
	"strconv"
	"strings"
)

// ReadResources samples spare CPU and memory from /proc. On platforms
// without procfs it returns a snapshot with zero values rather than nil,
// so announcements stay shaped the same everywhere.
func ReadResources() *ResourceSnapshot {
	snap := &ResourceSnapshot{}
	if cpus := runtime.NumCPU(); cpus > 0 {
		if load, ok := readLoadAvg(); ok {
			avail := 1 - load/float64(cpus)
			if avail < 0 {
				avail = 0
			}
			snap.CPUAvailable = avail
		}
	}
	if mb, ok := readAvailableMemoryMB(); ok {
		snap.MemoryAvailableMB = mb
	}
	if pct, ok := readBatteryPercent(); ok {
		snap.BatteryPercent = &pct
	}
	return snap
}

// readLoadAvg parses the 1-minute load from /proc/loadavg.
func readLoadAvg() (float64, bool) {
	data, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return 0, false
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return 0, false
	}
	load, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, false
	}
	return load, true
}

// readAvailableMemoryMB parses MemAvailable from /proc/meminfo.
func readAvailableMemoryMB() (float64, bool) {
	data, err := os.ReadFile("/proc/meminfo")
	if err != nil {
		return 0, false
	}
	for _, line := range strings.Split(string(data), "\n") {
		if !strings.HasPrefix(line, "MemAvailable:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return 0, false
		}
		kb, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return 0, false
		}
		return kb / 1024, true
	}
	return 0, false
}

// readBatteryPercent reads the first battery's charge, when one exists.
func readBatteryPercent() (float64, bool) {
	for _, name := range []string{"BAT0", "BAT1"} {
		data, err := os.ReadFile("/sys/class/power_supply/" + name + "/capacity")
		if err != nil {
			continue
		}
		pct, err := strconv.ParseFloat(strings.TrimSpace(string(data)), 64)
		if err != nil {
			continue
		}
		return pct, true
	}
	return 0, false
}
