// Package probe abstracts host-RAM, GPU-VRAM and disabled memory sensing
// behind one small capability so the watchdog never has to know which
// variant it was built with.
package probe

// Prober reports memory pressure for whatever resource it was constructed
// to watch. Usage is the hot-path call and never returns an error — a
// failing sensor degrades to zero usage instead, so the watchdog simply
// never fires rather than crashing the batch. Host and Disabled answer
// without blocking; GPU runs nvidia-smi on every call and can block for up
// to its 2s command timeout.
type Prober interface {
	// Usage returns the current fraction of capacity in use, in [0,1].
	Usage() float64

	// Info returns used/total in MiB alongside the same fraction Usage
	// returns, for log lines.
	Info() (usedMiB, totalMiB uint64, fraction float64)
}

// New constructs the sticky Prober variant selected at process startup.
// gpuIndex nil means host RAM; disabled always wins regardless of gpuIndex.
func New(gpuIndex *int, disabled bool) Prober {
	if disabled {
		return Disabled{}
	}
	if gpuIndex != nil {
		return NewGPU(*gpuIndex)
	}
	return NewHost()
}
