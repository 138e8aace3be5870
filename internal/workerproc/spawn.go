package workerproc

import (
	"bytes"
	"context"
	"os/exec"
	"syscall"
)

// Start launches the worker binary described by args and returns
// immediately after the OS process exists, without waiting for it to
// finish. The returned ProcessHandle is valid the instant Start returns,
// before the caller makes the Completion visible to anything else — this
// closes the attach-before-register race the spec calls out as an accepted
// weakness when done in the other order.
//
// The returned Completion is driven to Finish by a background goroutine
// that waits on the process. The process is started with
// exec.CommandContext, so cancelling ctx kills it with SIGKILL, which the
// Completion then reports as exit code -9.
func Start(ctx context.Context, nonce uint64, bin string, args []string) (*ProcessHandle, *Completion, error) {
	completion := NewCompletion()
	handle, err := StartWithCompletion(ctx, completion, nonce, bin, args)
	if err != nil {
		return nil, nil, err
	}
	return handle, completion, nil
}

// StartWithCompletion is the lower-level form of Start for callers that
// must make a Completion visible to a watchdog before the OS process
// exists (so a kill request arriving in that narrow window is still
// observed as a cancellation instead of being silently lost). Most callers
// want Start.
func StartWithCompletion(ctx context.Context, completion *Completion, nonce uint64, bin string, args []string) (*ProcessHandle, error) {
	cmd := exec.CommandContext(ctx, bin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	handle := newProcessHandle(cmd)

	go func() {
		err := cmd.Wait()
		completion.Finish(Result{
			Nonce:    nonce,
			ExitCode: pythonExitCode(cmd, err),
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
			SpawnErr: nil,
		})
	}()

	return handle, nil
}

// pythonExitCode converts Go's process-exit reporting into the Python
// subprocess.Popen.returncode convention the classifier expects: a normal
// exit reports its exit code as-is; a signal-terminated process reports
// the negative signal number.
func pythonExitCode(cmd *exec.Cmd, waitErr error) int {
	state := cmd.ProcessState
	if state == nil {
		return -1
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return -int(ws.Signal())
	}
	return state.ExitCode()
}
