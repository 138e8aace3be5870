// Package supervisor runs a bounded-concurrency batch of worker
// subprocesses, arbitrating between new work, watchdog-queued retries, and
// worker cancellations until the batch's scheduling policy is satisfied.
package supervisor

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tig-pool-nk/batchexec/internal/watchdog"
	"github.com/tig-pool-nk/batchexec/internal/workerproc"
)

// Options configures one Supervisor. ArgsFor builds the command line for a
// given nonce; PostSuccess, if set, runs after a nonce is classified ok
// and before it counts toward the success total — the verifier hook lives
// here. OnOutcome, if set, observes every state transition (submitted, ok,
// retryable, permanent_error, killed) for external bookkeeping — the audit
// ledger and the live progress feed both hang off it.
type Options struct {
	Mode          Mode
	StartNonce    uint64
	NumNonces     uint64 // ignored in Explore
	MaxWorkers    int
	BatchTimeout  time.Duration // 0 disables; required > 0 for Explore
	WorkerTimeout time.Duration // 0 disables per-worker timeout
	OutputDir     string
	WorkerBin     string
	ArgsFor       func(nonce uint64) workerproc.WorkerArgs
	Watchdog      *watchdog.Watchdog
	LowWatermark  float64
	CheckInterval time.Duration
	PostSuccess   func(nonce uint64) error
	OnOutcome     func(nonce uint64, state, detail string)
	Log           *log.Logger
}

// emitOutcome reports a state transition through OnOutcome, if configured.
func (s *Supervisor) emitOutcome(nonce uint64, state, detail string) {
	if s.opts.OnOutcome != nil {
		s.opts.OnOutcome(nonce, state, detail)
	}
}

// Supervisor drives one batch run to completion under the policy named by
// Options.Mode.
type Supervisor struct {
	opts Options
}

func New(opts Options) *Supervisor {
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = 50 * time.Millisecond
	}
	if opts.Log == nil {
		opts.Log = log.New(os.Stdout, "", log.LstdFlags)
	}
	return &Supervisor{opts: opts}
}

// inflight is the supervisor-side bookkeeping for one spawned worker.
type inflight struct {
	completion *workerproc.Completion
	cancel     context.CancelFunc
	outputFile string
	handle     *workerproc.ProcessHandle
}

func (s *Supervisor) outputFile(nonce uint64) string {
	return filepath.Join(s.opts.OutputDir, fmt.Sprintf("%d.json", nonce))
}

func (s *Supervisor) alreadyDone(nonce uint64) bool {
	_, err := os.Stat(s.outputFile(nonce))
	return err == nil
}

// spawn starts a worker for nonce, registering it with the watchdog before
// the process exists and attaching the process handle once it does, per
// the registration-then-attach contract the watchdog exposes.
func (s *Supervisor) spawn(ctx context.Context, nonce uint64) (*inflight, error) {
	taskCtx, cancel := context.WithCancel(ctx)
	if s.opts.WorkerTimeout > 0 {
		var timeoutCancel context.CancelFunc
		taskCtx, timeoutCancel = context.WithTimeout(taskCtx, s.opts.WorkerTimeout)
		prevCancel := cancel
		cancel = func() {
			timeoutCancel()
			prevCancel()
		}
	}

	completion := workerproc.NewCompletion()
	if s.opts.Watchdog != nil {
		s.opts.Watchdog.Register(nonce, completion, 0)
	}

	args := s.opts.ArgsFor(nonce)
	handle, err := workerproc.StartWithCompletion(taskCtx, completion, nonce, s.opts.WorkerBin, args.CommandArgs())
	if err != nil {
		cancel()
		if s.opts.Watchdog != nil {
			s.opts.Watchdog.Unregister(nonce)
		}
		return nil, err
	}
	if s.opts.Watchdog != nil {
		s.opts.Watchdog.AttachProcess(nonce, handle)
	}

	return &inflight{completion: completion, cancel: cancel, outputFile: s.outputFile(nonce), handle: handle}, nil
}

// terminateAndWait sends the graceful-then-hard signal sequence to one
// in-flight task's process — SIGTERM, wait up to 500ms, then SIGKILL — the
// same protocol the watchdog's own killVictim uses, instead of leaning on
// context cancellation's default Kill-only behavior. Some workers trap
// SIGTERM to release GPU memory cleanly, so this must never be shortcut to
// an immediate kill. task.cancel() runs last, after the process is already
// down, purely to release the task's context resources.
func terminateAndWait(task *inflight) {
	if task.handle != nil && task.handle.Running() {
		_ = task.handle.Terminate()
		select {
		case <-task.completion.Done():
		case <-time.After(500 * time.Millisecond):
			_ = task.handle.Kill()
		}
	}
	task.cancel()
}

// drainInFlight waits, bounded, for every still-in-flight task to report
// its completion on resultsCh after cancelRemaining has already terminated
// or killed its process, so no subprocess is left running past Run's
// return. The bound keeps a batch abort from hanging forever on a worker
// that refuses to die even after SIGKILL.
func drainInFlight(inFlight map[uint64]*inflight, resultsCh <-chan uint64) {
	timeout := time.After(5 * time.Second)
	for len(inFlight) > 0 {
		select {
		case nonce := <-resultsCh:
			delete(inFlight, nonce)
		case <-timeout:
			return
		}
	}
}

// canSpawnNew implements the hysteresis gate: no new worker (retried or
// fresh) is admitted while usage is above the low watermark and the
// watchdog still has nonces waiting to be readmitted.
func (s *Supervisor) canSpawnNew() bool {
	if s.opts.Watchdog == nil {
		return true
	}
	return !(s.opts.Watchdog.Usage() > s.opts.LowWatermark && s.opts.Watchdog.PendingRestartCount() > 0)
}

func (s *Supervisor) waitTimeout() time.Duration {
	t := 5 * s.opts.CheckInterval
	if t < 50*time.Millisecond {
		t = 50 * time.Millisecond
	}
	return t
}

// classify turns a finished worker's raw result into the outcome that
// drives scheduling decisions, applying the idempotent-output check
// against the filesystem.
func (s *Supervisor) classify(nonce uint64, result workerproc.Result, outputFile string) workerproc.Outcome {
	_, statErr := os.Stat(outputFile)
	return workerproc.Classify(result.ExitCode, result.Stderr, statErr == nil)
}

// runPostSuccess invokes the optional verifier hook. Its errors are the
// verifier's own concern (tracked into verifier_errors.json); they never
// affect the worker success count or strict-mode abort, which only react
// to the worker outcome itself.
func (s *Supervisor) runPostSuccess(nonce uint64) {
	if s.opts.PostSuccess == nil {
		return
	}
	if err := s.opts.PostSuccess(nonce); err != nil {
		s.opts.Log.Printf("supervisor: nonce %d: verifier: %v", nonce, err)
	}
}

// Run executes the batch according to Options.Mode and returns the
// success count. A non-nil error is returned for explore mode without a
// batch timeout, for a strict-mode abort, and as ctx.Err() when ctx is
// cancelled. An output directory that cannot be created is logged and
// yields (0, nil).
func (s *Supervisor) Run(ctx context.Context) (int, error) {
	if err := os.MkdirAll(s.opts.OutputDir, 0o755); err != nil {
		if _, statErr := os.Stat(s.opts.OutputDir); statErr != nil {
			s.opts.Log.Printf("supervisor: cannot create output directory: %v", err)
			return 0, nil
		}
	}

	if s.opts.Watchdog != nil {
		s.opts.Watchdog.Start()
		defer s.opts.Watchdog.Stop()
	}

	switch s.opts.Mode {
	case Explore:
		return s.runExplore(ctx)
	default:
		return s.runFixedBatch(ctx)
	}
}

func (s *Supervisor) runFixedBatch(ctx context.Context) (int, error) {
	stopOnError := s.opts.Mode == Strict

	runCtx, runCancel := context.WithCancel(ctx)
	defer runCancel()

	pending := make(map[uint64]struct{}, s.opts.NumNonces)
	for n := s.opts.StartNonce; n < s.opts.StartNonce+s.opts.NumNonces; n++ {
		pending[n] = struct{}{}
	}
	inFlight := make(map[uint64]*inflight)
	completed := make(map[uint64]struct{})
	errs := make(map[uint64]string)
	success := 0

	resultsCh := make(chan uint64, s.opts.MaxWorkers+1)

	var batchDeadline time.Time
	if s.opts.BatchTimeout > 0 {
		batchDeadline = time.Now().Add(s.opts.BatchTimeout)
	}

	cancelRemaining := func() {
		var wg sync.WaitGroup
		for _, task := range inFlight {
			wg.Add(1)
			go func(task *inflight) {
				defer wg.Done()
				terminateAndWait(task)
			}(task)
		}
		wg.Wait()
	}

	// finish is the single exit path for Run: it terminates (gracefully,
	// then by force) and drains every still-running task before returning,
	// so a strict-mode abort or batch-timeout break leaves no subprocess
	// running past this call, and always emits the section 7 "Completed"
	// line regardless of outcome.
	finish := func(success int, err error) (int, error) {
		cancelRemaining()
		drainInFlight(inFlight, resultsCh)
		if err == nil && len(errs) > 0 {
			if werr := writeErrorSummary(s.opts.OutputDir, errs); werr != nil {
				s.opts.Log.Printf("supervisor: failed writing result.json: %v", werr)
			}
		}
		s.opts.Log.Printf("Completed %d/%d nonces", success, s.opts.NumNonces)
		return success, err
	}

	for len(pending) > 0 || len(inFlight) > 0 || (s.opts.Watchdog != nil && s.opts.Watchdog.PendingRestartCount() > 0) {
		if !batchDeadline.IsZero() && time.Now().After(batchDeadline) {
			s.opts.Log.Printf("supervisor: batch timeout reached")
			break
		}

		if s.opts.Watchdog != nil {
			for _, nonce := range s.opts.Watchdog.PollRestartable() {
				if _, done := completed[nonce]; !done {
					pending[nonce] = struct{}{}
				}
			}
		}

		for len(inFlight) < s.opts.MaxWorkers && len(pending) > 0 && s.canSpawnNew() {
			nonce := popLowest(pending)
			if s.alreadyDone(nonce) {
				completed[nonce] = struct{}{}
				success++
				s.emitOutcome(nonce, "ok", "already done")
				continue
			}
			task, err := s.spawn(runCtx, nonce)
			if err != nil {
				errs[nonce] = fmt.Sprintf("spawn failed: %v", err)
				completed[nonce] = struct{}{}
				s.emitOutcome(nonce, "permanent_error", errs[nonce])
				if stopOnError {
					_ = writeSingleError(s.opts.OutputDir, fmt.Sprintf("nonce %d: spawn failed: %v", nonce, err))
					return finish(success, fmt.Errorf("supervisor: nonce %d: spawn failed: %w", nonce, err))
				}
				continue
			}
			s.emitOutcome(nonce, "submitted", "")
			inFlight[nonce] = task
			n := nonce
			completion := task.completion
			go func() {
				<-completion.Done()
				resultsCh <- n
			}()
		}

		if len(inFlight) == 0 {
			if s.opts.Watchdog != nil && s.opts.Watchdog.PendingRestartCount() > 0 {
				time.Sleep(2 * s.opts.CheckInterval)
				continue
			}
			break
		}

		wait := s.waitTimeout()
		if !batchDeadline.IsZero() {
			if remaining := time.Until(batchDeadline); remaining < wait {
				wait = remaining
			}
		}
		if wait < 0 {
			wait = 0
		}

		select {
		case nonce := <-resultsCh:
			abort, err := s.handleCompletion(nonce, inFlight, completed, errs, &success, stopOnError)
			delete(inFlight, nonce)
			if abort {
				return finish(success, err)
			}
		drain:
			for {
				select {
				case nonce := <-resultsCh:
					abort, err := s.handleCompletion(nonce, inFlight, completed, errs, &success, stopOnError)
					delete(inFlight, nonce)
					if abort {
						return finish(success, err)
					}
				default:
					break drain
				}
			}
		case <-time.After(wait):
		case <-ctx.Done():
			return finish(success, ctx.Err())
		}
	}

	return finish(success, nil)
}

// handleCompletion classifies one finished task and applies it to the
// batch's bookkeeping. It returns (true, err) when a strict-mode abort
// must unwind the run.
func (s *Supervisor) handleCompletion(nonce uint64, inFlight map[uint64]*inflight, completed map[uint64]struct{}, errs map[uint64]string, success *int, stopOnError bool) (bool, error) {
	task := inFlight[nonce]
	if s.opts.Watchdog != nil {
		s.opts.Watchdog.Unregister(nonce)
	}
	task.cancel()

	if task.completion.Cancelled() {
		// The watchdog already queued this nonce for retry when it
		// killed it.
		s.emitOutcome(nonce, "killed", "terminated by watchdog")
		return false, nil
	}

	outcome := s.classify(nonce, task.completion.Result(), task.outputFile)
	switch outcome.Kind {
	case workerproc.OutcomeOK:
		s.runPostSuccess(nonce)
		completed[nonce] = struct{}{}
		*success++
		s.emitOutcome(nonce, "ok", "")
	case workerproc.OutcomeRetryable:
		s.emitOutcome(nonce, "retryable", outcome.Message)
		if s.opts.Watchdog != nil {
			s.opts.Watchdog.QueueForRetry(nonce)
		}
	case workerproc.OutcomePermanentError:
		s.emitOutcome(nonce, "permanent_error", outcome.Message)
		if stopOnError {
			_ = writeSingleError(s.opts.OutputDir, fmt.Sprintf("nonce %d: %s", nonce, outcome.Message))
			return true, fmt.Errorf("supervisor: nonce %d: %s", nonce, outcome.Message)
		}
		errs[nonce] = outcome.Message
		completed[nonce] = struct{}{}
	}
	return false, nil
}

// runExplore spawns a continuous stream of nonces starting at StartNonce,
// bounded only by MaxWorkers in-flight and BatchTimeout elapsed, and never
// aborts on a permanent error: a failing nonce just frees its slot.
func (s *Supervisor) runExplore(ctx context.Context) (int, error) {
	if s.opts.BatchTimeout <= 0 {
		return 0, fmt.Errorf("supervisor: explore mode requires a positive batch timeout")
	}

	runCtx, runCancel := context.WithCancel(ctx)
	defer runCancel()

	inFlight := make(map[uint64]*inflight)
	resultsCh := make(chan uint64, s.opts.MaxWorkers+1)
	nextNonce := s.opts.StartNonce
	success := 0
	attempted := 0

	cancelRemaining := func() {
		var wg sync.WaitGroup
		for _, task := range inFlight {
			wg.Add(1)
			go func(task *inflight) {
				defer wg.Done()
				terminateAndWait(task)
			}(task)
		}
		wg.Wait()
	}

	spawnOne := func(nonce uint64) {
		if s.alreadyDone(nonce) {
			success++
			s.emitOutcome(nonce, "ok", "already done")
			return
		}
		task, err := s.spawn(runCtx, nonce)
		if err != nil {
			s.opts.Log.Printf("supervisor: nonce %d: spawn failed: %v", nonce, err)
			return
		}
		attempted++
		s.emitOutcome(nonce, "submitted", "")
		inFlight[nonce] = task
		n := nonce
		completion := task.completion
		go func() {
			<-completion.Done()
			resultsCh <- n
		}()
	}

	for len(inFlight) < s.opts.MaxWorkers {
		spawnOne(nextNonce)
		nextNonce++
	}

	deadline := time.Now().Add(s.opts.BatchTimeout)
	for time.Now().Before(deadline) {
		wait := s.waitTimeout()
		if remaining := time.Until(deadline); remaining < wait {
			wait = remaining
		}
		if wait < 0 {
			break
		}

		select {
		case nonce := <-resultsCh:
			s.handleExploreCompletion(nonce, inFlight, &success, &nextNonce, &deadline, spawnOne)
		drain:
			for {
				select {
				case nonce := <-resultsCh:
					s.handleExploreCompletion(nonce, inFlight, &success, &nextNonce, &deadline, spawnOne)
				default:
					break drain
				}
			}
		case <-time.After(wait):
		case <-ctx.Done():
			cancelRemaining()
			drainInFlight(inFlight, resultsCh)
			s.opts.Log.Printf("Completed %d nonces (%d attempted)", success, attempted)
			return success, ctx.Err()
		}
	}

	s.opts.Log.Printf("supervisor: explore timeout reached, draining %d in-flight workers", len(inFlight))
	cancelRemaining()
	drainInFlight(inFlight, resultsCh)

	s.opts.Log.Printf("Completed %d nonces (%d attempted)", success, attempted)
	return success, nil
}

// handleExploreCompletion classifies one finished explore-mode task and,
// if its slot is eligible, respawns it with either a watchdog-queued retry
// nonce or the next fresh one.
func (s *Supervisor) handleExploreCompletion(nonce uint64, inFlight map[uint64]*inflight, success *int, nextNonce *uint64, deadline *time.Time, spawnOne func(uint64)) {
	task := inFlight[nonce]
	delete(inFlight, nonce)
	if s.opts.Watchdog != nil {
		s.opts.Watchdog.Unregister(nonce)
	}
	task.cancel()

	freeSlot := true
	if task.completion.Cancelled() {
		freeSlot = false
		s.emitOutcome(nonce, "killed", "terminated by watchdog")
	} else {
		outcome := s.classify(nonce, task.completion.Result(), task.outputFile)
		switch outcome.Kind {
		case workerproc.OutcomeOK:
			s.runPostSuccess(nonce)
			*success++
			s.emitOutcome(nonce, "ok", "")
		case workerproc.OutcomeRetryable:
			s.emitOutcome(nonce, "retryable", outcome.Message)
			if s.opts.Watchdog != nil {
				s.opts.Watchdog.QueueForRetry(nonce)
			}
			freeSlot = false
		case workerproc.OutcomePermanentError:
			s.emitOutcome(nonce, "permanent_error", outcome.Message)
			s.opts.Log.Printf("supervisor: nonce %d: %s", nonce, outcome.Message)
		}
	}

	if !freeSlot || time.Now().After(*deadline) {
		return
	}

	if s.opts.Watchdog != nil {
		if retry := s.opts.Watchdog.PollRestartable(); len(retry) > 0 {
			spawnOne(retry[0])
			return
		}
	}
	if s.canSpawnNew() {
		spawnOne(*nextNonce)
		*nextNonce++
	}
}

// popLowest removes and returns the smallest key in pending, giving
// deterministic scheduling order in place of an arbitrary set pop.
func popLowest(pending map[uint64]struct{}) uint64 {
	var min uint64
	first := true
	for n := range pending {
		if first || n < min {
			min = n
			first = false
		}
	}
	delete(pending, min)
	return min
}
