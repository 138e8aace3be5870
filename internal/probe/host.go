package probe

import (
	"bufio"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
)

// Host reports process-wide RAM usage by reading /proc/meminfo on every
// call. It never returns an error: a read failure is absorbed and reported
// as zero usage, matching psutil's behavior in the original watchdog when
// the sensor library is unavailable.
type Host struct {
	// broken is set once /proc/meminfo proves unreadable so later calls
	// skip the syscall entirely instead of retrying forever.
	broken atomic.Bool
}

// NewHost constructs a Host prober. Construction never fails; a missing or
// unreadable /proc/meminfo is only discovered (and absorbed) on first use.
func NewHost() *Host {
	return &Host{}
}

func (h *Host) Usage() float64 {
	_, _, frac := h.Info()
	return frac
}

func (h *Host) Info() (usedMiB, totalMiB uint64, fraction float64) {
	if h.broken.Load() {
		return 0, 0, 0
	}

	totalKB, availKB, ok := readMemInfo()
	if !ok {
		h.broken.Store(true)
		return 0, 0, 0
	}
	if totalKB == 0 {
		return 0, 0, 0
	}

	usedKB := totalKB - availKB
	frac := float64(usedKB) / float64(totalKB)
	return usedKB / 1024, totalKB / 1024, frac
}

// readMemInfo extracts MemTotal and MemAvailable (both in KiB) from
// /proc/meminfo. When MemAvailable is absent (older kernels) it falls back
// to MemFree, which leaves out reclaimable cache and so can overstate
// pressure but never understates it.
func readMemInfo() (totalKB, availKB uint64, ok bool) {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0, 0, false
	}
	defer f.Close()

	var haveTotal, haveAvail, haveFree bool
	var freeKB uint64

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		key := strings.TrimSuffix(fields[0], ":")
		val, perr := strconv.ParseUint(fields[1], 10, 64)
		if perr != nil {
			continue
		}
		switch key {
		case "MemTotal":
			totalKB = val
			haveTotal = true
		case "MemAvailable":
			availKB = val
			haveAvail = true
		case "MemFree":
			freeKB = val
			haveFree = true
		}
	}
	if err := scanner.Err(); err != nil {
		return 0, 0, false
	}
	if !haveTotal {
		return 0, 0, false
	}
	if !haveAvail {
		if !haveFree {
			return 0, 0, false
		}
		availKB = freeKB
	}
	return totalKB, availKB, true
}
