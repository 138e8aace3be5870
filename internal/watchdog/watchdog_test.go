package watchdog

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/tig-pool-nk/batchexec/internal/workerproc"
)

type fakeProber struct {
	mu    sync.Mutex
	usage float64
}

func newFakeProber(usage float64) *fakeProber {
	return &fakeProber{usage: usage}
}

func (p *fakeProber) set(v float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.usage = v
}

func (p *fakeProber) Usage() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.usage
}

func (p *fakeProber) Info() (uint64, uint64, float64) {
	u := p.Usage()
	return uint64(u * 1000), 1000, u
}

func TestTaskOOMScore(t *testing.T) {
	tk := &task{startTime: time.Now().Add(-9 * time.Second), priority: 5}
	got := tk.oomScore()
	want := 1000.0/10.0 + 5.0
	if diff := got - want; diff > 0.5 || diff < -0.5 {
		t.Fatalf("oomScore = %f, want ~%f", got, want)
	}
}

func TestTaskOOMScore_YoungerScoresHigher(t *testing.T) {
	old := &task{startTime: time.Now().Add(-60 * time.Second)}
	young := &task{startTime: time.Now()}
	if young.oomScore() <= old.oomScore() {
		t.Fatalf("younger task should score higher: young=%f old=%f", young.oomScore(), old.oomScore())
	}
}

func mustSleeperHandle(t *testing.T, nonce uint64) (*workerproc.ProcessHandle, *workerproc.Completion) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	handle, completion, err := workerproc.Start(ctx, nonce, "sh", []string{"-c", "sleep 5"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	return handle, completion
}

func TestKillVictim_PicksHighestScore(t *testing.T) {
	w := New(newFakeProber(0.95), 0.90, 0.75, time.Hour, true, zap.NewNop())

	oldHandle, oldCompletion := mustSleeperHandle(t, 1)
	youngHandle, youngCompletion := mustSleeperHandle(t, 2)
	_ = oldHandle

	w.Register(1, oldCompletion, 0)
	w.mu.Lock()
	w.tasks[1].startTime = time.Now().Add(-120 * time.Second)
	w.mu.Unlock()
	w.AttachProcess(1, oldHandle)

	w.Register(2, youngCompletion, 0)
	w.AttachProcess(2, youngHandle)

	if !w.killVictim() {
		t.Fatalf("killVictim: expected a victim to be found")
	}

	select {
	case <-youngCompletion.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("younger task's completion never finished")
	}
	// The victim either exited on SIGTERM within the grace period (Finish
	// wins, exit -15) or was cancelled after the hard kill.
	if !youngCompletion.Cancelled() && youngCompletion.Result().ExitCode != -15 {
		t.Fatalf("expected younger (higher-score) task to be the victim")
	}

	w.mu.Lock()
	_, stillTracked := w.tasks[2]
	_, oldStillTracked := w.tasks[1]
	_, pendingRestart := w.killed[2]
	w.mu.Unlock()
	if stillTracked {
		t.Fatalf("killed task should be removed from active tasks")
	}
	if !oldStillTracked {
		t.Fatalf("non-victim task should remain tracked")
	}
	if !pendingRestart {
		t.Fatalf("killed nonce should be queued for restart")
	}
	_ = oldCompletion
}

func TestPollRestartable_RespectsLowWatermark(t *testing.T) {
	prober := newFakeProber(0.95)
	w := New(prober, 0.90, 0.75, time.Hour, true, zap.NewNop())

	w.mu.Lock()
	w.killed[5] = struct{}{}
	w.mu.Unlock()

	if got := w.PollRestartable(); got != nil {
		t.Fatalf("PollRestartable above low watermark = %v, want nil", got)
	}
	if w.PendingRestartCount() != 1 {
		t.Fatalf("PendingRestartCount = %d, want 1", w.PendingRestartCount())
	}

	prober.set(0.5)
	got := w.PollRestartable()
	if len(got) != 1 || got[0] != 5 {
		t.Fatalf("PollRestartable below low watermark = %v, want [5]", got)
	}
	if w.PendingRestartCount() != 0 {
		t.Fatalf("PendingRestartCount after pop = %d, want 0", w.PendingRestartCount())
	}
}

func TestDisabledWatchdogIsNoop(t *testing.T) {
	w := New(newFakeProber(0.99), 0.90, 0.75, time.Millisecond, false, zap.NewNop())
	completion := workerproc.NewCompletion()
	w.Register(1, completion, 0)
	w.AttachProcess(1, nil)
	w.QueueForRetry(1)
	w.Start()
	defer w.Stop()

	time.Sleep(20 * time.Millisecond)
	if w.PendingRestartCount() != 0 {
		t.Fatalf("disabled watchdog should never track pending restarts")
	}
	if completion.Cancelled() {
		t.Fatalf("disabled watchdog must never kill anything")
	}
}

func TestLoop_KillsUnderSustainedPressure(t *testing.T) {
	prober := newFakeProber(0.95)
	w := New(prober, 0.90, 0.75, 5*time.Millisecond, true, zap.NewNop())

	handle, completion := mustSleeperHandle(t, 11)
	w.Register(11, completion, 0)
	w.AttachProcess(11, handle)

	w.Start()
	defer w.Stop()

	select {
	case <-completion.Done():
	case <-time.After(3 * time.Second):
		t.Fatalf("watchdog loop never killed the only running task")
	}
	if !completion.Cancelled() && completion.Result().ExitCode != -15 {
		t.Fatalf("expected the task to have been terminated by the watchdog")
	}
	if w.PendingRestartCount() != 1 {
		t.Fatalf("PendingRestartCount = %d, want 1", w.PendingRestartCount())
	}
}
