package probe

import (
	"context"
	"os/exec"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// GPU reports VRAM usage for a single device index via nvidia-smi, the same
// tool the rest of the corpus shells out to for GPU telemetry. Like Host, it
// absorbs every failure (missing binary, no such device, driver hiccup) into
// zero usage rather than propagating an error.
type GPU struct {
	index   int
	broken  atomic.Bool
	timeout time.Duration
}

// NewGPU constructs a GPU prober for the given device index. Construction is
// sticky for the process lifetime: if nvidia-smi is never found the prober
// just keeps reporting zero, same as Host with an unreadable /proc/meminfo.
func NewGPU(index int) *GPU {
	return &GPU{index: index, timeout: 2 * time.Second}
}

func (g *GPU) Usage() float64 {
	_, _, frac := g.Info()
	return frac
}

func (g *GPU) Info() (usedMiB, totalMiB uint64, fraction float64) {
	if g.broken.Load() {
		return 0, 0, 0
	}

	ctx, cancel := context.WithTimeout(context.Background(), g.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "nvidia-smi",
		"--query-gpu=memory.used,memory.total",
		"--format=csv,noheader,nounits",
		"-i", strconv.Itoa(g.index),
	)
	out, err := cmd.Output()
	if err != nil {
		g.broken.Store(true)
		return 0, 0, 0
	}

	used, total, ok := parseNvidiaSMI(string(out))
	if !ok || total == 0 {
		return 0, 0, 0
	}
	return used, total, float64(used) / float64(total)
}

func parseNvidiaSMI(out string) (usedMiB, totalMiB uint64, ok bool) {
	line := strings.TrimSpace(out)
	if idx := strings.IndexByte(line, '\n'); idx >= 0 {
		line = line[:idx]
	}
	parts := strings.Split(line, ",")
	if len(parts) != 2 {
		return 0, 0, false
	}
	used, err1 := strconv.ParseUint(strings.TrimSpace(parts[0]), 10, 64)
	total, err2 := strconv.ParseUint(strings.TrimSpace(parts[1]), 10, 64)
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return used, total, true
}
