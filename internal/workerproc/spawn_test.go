package workerproc

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestStart_NormalExit(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, completion, err := Start(ctx, 42, "sh", []string{"-c", "exit 3"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	<-completion.Done()
	if completion.Cancelled() {
		t.Fatalf("completion cancelled, want finished")
	}
	res := completion.Result()
	if res.Nonce != 42 {
		t.Fatalf("nonce = %d, want 42", res.Nonce)
	}
	if res.ExitCode != 3 {
		t.Fatalf("exit code = %d, want 3", res.ExitCode)
	}
}

func TestStart_StderrCaptured(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, completion, err := Start(ctx, 1, "sh", []string{"-c", "echo boom 1>&2; exit 1"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	<-completion.Done()
	res := completion.Result()
	if !strings.Contains(res.Stderr, "boom") {
		t.Fatalf("stderr = %q, want it to contain %q", res.Stderr, "boom")
	}
}

func TestStart_KilledBySignalReportsNegativeCode(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	handle, completion, err := Start(ctx, 7, "sh", []string{"-c", "sleep 5"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	if !handle.Running() {
		t.Fatalf("expected process to be running right after Start")
	}
	if err := handle.Kill(); err != nil {
		t.Fatalf("Kill: %v", err)
	}

	select {
	case <-completion.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("completion never finished after Kill")
	}

	res := completion.Result()
	if res.ExitCode != -9 {
		t.Fatalf("exit code = %d, want -9", res.ExitCode)
	}
}

func TestStart_TerminateThenKill(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	handle, completion, err := Start(ctx, 9, "sh", []string{"-c", "trap '' TERM; sleep 5"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := handle.Terminate(); err != nil {
		t.Fatalf("Terminate: %v", err)
	}

	select {
	case <-completion.Done():
		t.Fatalf("completion finished before the grace period elapsed; process ignored SIGTERM")
	case <-time.After(200 * time.Millisecond):
	}

	if err := handle.Kill(); err != nil {
		t.Fatalf("Kill: %v", err)
	}

	select {
	case <-completion.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("completion never finished after Kill")
	}

	res := completion.Result()
	if res.ExitCode != -9 {
		t.Fatalf("exit code = %d, want -9", res.ExitCode)
	}
}

func TestStart_SpawnErrorForMissingBinary(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, _, err := Start(ctx, 1, "/no/such/binary-xyz", nil)
	if err == nil {
		t.Fatalf("expected an error starting a nonexistent binary")
	}
}
