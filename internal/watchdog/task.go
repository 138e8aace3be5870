// Package watchdog monitors host or device memory pressure and kills the
// highest-OOM-score (youngest) worker process when usage crosses a high
// watermark, letting the supervisor resubmit it once usage falls back
// below a low watermark.
package watchdog

import (
	"time"

	"github.com/tig-pool-nk/batchexec/internal/workerproc"
)

// task is one watchdog-tracked nonce. The process handle starts nil:
// Register happens before the worker's OS process necessarily exists, and
// AttachProcess fills it in once Start succeeds. A kill that lands in that
// window still cancels the completion; it just has no process to signal.
type task struct {
	nonce      uint64
	completion *workerproc.Completion
	handle     *workerproc.ProcessHandle
	priority   int
	startTime  time.Time
}

func (t *task) age() time.Duration {
	return time.Since(t.startTime)
}

// oomScore favors killing young tasks over old ones: a task that has
// already run a long time represents more sunk work to discard. priority is
// added on top, so a higher priority raises the score.
func (t *task) oomScore() float64 {
	return 1000/(1+t.age().Seconds()) + float64(t.priority)
}

func (t *task) running() bool {
	select {
	case <-t.completion.Done():
		return false
	default:
		return true
	}
}
