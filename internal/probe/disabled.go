package probe

// Disabled is the no-op Prober used when the watchdog is turned off
// (--no-oom). An unavailable sensor does not select it: Host and GPU
// report zero usage themselves in that case.
type Disabled struct{}

func (Disabled) Usage() float64 { return 0 }

func (Disabled) Info() (usedMiB, totalMiB uint64, fraction float64) { return 0, 0, 0 }
