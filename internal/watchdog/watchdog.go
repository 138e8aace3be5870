package watchdog

import (
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/tig-pool-nk/batchexec/internal/probe"
	"github.com/tig-pool-nk/batchexec/internal/workerproc"
)

// Watchdog polls a memory Prober and kills the highest-scoring running
// task whenever usage crosses High, until usage falls back under Low. A
// killed task's nonce is queued so the supervisor can resubmit it once
// PollRestartable says memory has room.
type Watchdog struct {
	prober   probe.Prober
	high     float64
	low      float64
	interval time.Duration
	enabled  bool
	log      *zap.Logger

	mu     sync.Mutex
	tasks  map[uint64]*task
	killed map[uint64]struct{}

	stopOnce sync.Once
	stopCh   chan struct{}
	stopped  chan struct{}
}

// New builds a Watchdog. enabled gates Start: a disabled watchdog still
// accepts Register/Unregister/QueueForRetry calls (so callers don't need
// to branch on whether OOM protection is active) but never spawns its
// polling goroutine or kills anything, mirroring a no-op watchdog variant.
func New(prober probe.Prober, high, low float64, interval time.Duration, enabled bool, log *zap.Logger) *Watchdog {
	return &Watchdog{
		prober:   prober,
		high:     high,
		low:      low,
		interval: interval,
		enabled:  enabled,
		log:      log,
		tasks:    make(map[uint64]*task),
		killed:   make(map[uint64]struct{}),
	}
}

// Register records a task before its worker process necessarily exists.
// priority is added to the task's OOM score, so a higher priority makes a
// task a more likely kill target.
func (w *Watchdog) Register(nonce uint64, completion *workerproc.Completion, priority int) {
	if !w.enabled {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.tasks[nonce] = &task{
		nonce:      nonce,
		completion: completion,
		priority:   priority,
		startTime:  time.Now(),
	}
}

// AttachProcess supplies the process handle once the worker has actually
// started. If the task was already killed (or never registered) this is a
// no-op: the race is expected, not an error.
func (w *Watchdog) AttachProcess(nonce uint64, handle *workerproc.ProcessHandle) {
	if !w.enabled {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.tasks[nonce]; ok {
		t.handle = handle
	}
}

// Unregister drops a task once the supervisor has observed its natural
// completion. It does not affect the pending-restart set.
func (w *Watchdog) Unregister(nonce uint64) {
	if !w.enabled {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.tasks, nonce)
}

// QueueForRetry marks a nonce as eligible for restart without the
// watchdog itself having killed it — used when the supervisor classifies
// a worker's own exit as OOM-retryable.
func (w *Watchdog) QueueForRetry(nonce uint64) {
	if !w.enabled {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.killed[nonce] = struct{}{}
}

// victim returns the still-running task with the highest OOM score, or
// nil if none are running. Caller must hold w.mu.
func (w *Watchdog) victim() *task {
	var best *task
	for _, t := range w.tasks {
		if !t.running() {
			continue
		}
		if best == nil || t.oomScore() > best.oomScore() {
			best = t
		}
	}
	return best
}

// killVictim kills the current highest-scoring task, if any, and reports
// whether one was found.
func (w *Watchdog) killVictim() bool {
	w.mu.Lock()
	v := w.victim()
	w.mu.Unlock()
	if v == nil {
		return false
	}

	used, total, frac := w.prober.Info()
	const mib = 1024 * 1024
	w.log.Warn("oom: killing worker",
		zap.Uint64("nonce", v.nonce),
		zap.Float64("age_s", v.age().Seconds()),
		zap.String("used", humanize.Bytes(used*mib)),
		zap.String("total", humanize.Bytes(total*mib)),
		zap.Float64("usage", frac),
	)

	if v.handle != nil && v.handle.Running() {
		_ = v.handle.Terminate()
		select {
		case <-v.completion.Done():
		case <-time.After(500 * time.Millisecond):
			_ = v.handle.Kill()
		}
	}
	v.completion.Cancel()

	w.mu.Lock()
	delete(w.tasks, v.nonce)
	w.killed[v.nonce] = struct{}{}
	w.mu.Unlock()
	return true
}

// PollRestartable returns at most one nonce eligible for immediate
// resubmission: usage must have fallen below Low and a kill must be
// pending. It pops at most one entry per call so the supervisor naturally
// rate-limits restarts to the pace memory actually frees up.
func (w *Watchdog) PollRestartable() []uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.killed) == 0 || w.prober.Usage() >= w.low {
		return nil
	}
	for nonce := range w.killed {
		delete(w.killed, nonce)
		return []uint64{nonce}
	}
	return nil
}

// PendingRestartCount reports how many killed nonces are still awaiting
// resubmission.
func (w *Watchdog) PendingRestartCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.killed)
}

// Usage reports the prober's current fraction, or 0 when disabled — a
// disabled watchdog must never gate spawning decisions elsewhere.
func (w *Watchdog) Usage() float64 {
	if !w.enabled {
		return 0
	}
	return w.prober.Usage()
}

// Start launches the polling goroutine. A no-op on a disabled watchdog.
func (w *Watchdog) Start() {
	if !w.enabled {
		return
	}
	w.stopCh = make(chan struct{})
	w.stopped = make(chan struct{})

	used, total, frac := w.prober.Info()
	w.log.Info("watchdog started",
		zap.Uint64("used_mib", used),
		zap.Uint64("total_mib", total),
		zap.Float64("usage", frac),
		zap.Float64("high_watermark", w.high),
		zap.Float64("low_watermark", w.low),
		zap.Duration("interval", w.interval),
	)

	go w.loop()
}

func (w *Watchdog) loop() {
	defer close(w.stopped)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		if w.prober.Usage() > w.high {
			for w.prober.Usage() > w.low {
				if !w.killVictim() {
					break
				}
				time.Sleep(100 * time.Millisecond)
			}
		}
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
		}
	}
}

// Stop halts the polling goroutine and waits up to 2s for it to exit. Safe
// to call on a watchdog that was never started.
func (w *Watchdog) Stop() {
	if !w.enabled || w.stopCh == nil {
		return
	}
	w.stopOnce.Do(func() {
		close(w.stopCh)
	})
	select {
	case <-w.stopped:
	case <-time.After(2 * time.Second):
	}
}
