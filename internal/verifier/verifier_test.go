package verifier

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tig-pool-nk/batchexec/internal/workerproc"
)

const fakeVerifierScript = "../../testdata/fakeverifier/verifier.sh"

func newTestVerifier(t *testing.T, outputDir, behaviorDir string) *Verifier {
	t.Helper()
	t.Setenv("BEHAVIOR_DIR", behaviorDir)
	return New(Options{
		Bin:       fakeVerifierScript,
		OutputDir: outputDir,
		Timeout:   5 * time.Second,
		ArgsFor: func(nonce uint64) workerproc.VerifierArgs {
			return workerproc.VerifierArgs{
				SettingsJSON: "settings.json",
				RandHash:     "deadbeef",
				Nonce:        nonce,
				OutputFile:   filepath.Join(outputDir, "900.json"),
			}
		},
	})
}

func writeOutputFile(t *testing.T, dir string, nonce uint64, doc map[string]any) {
	t.Helper()
	data, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	path := filepath.Join(dir, "900.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write output file: %v", err)
	}
}

func setBehavior(t *testing.T, behaviorDir string, nonce uint64, mode string) {
	t.Helper()
	if err := os.MkdirAll(behaviorDir, 0o755); err != nil {
		t.Fatalf("mkdir behavior dir: %v", err)
	}
	path := filepath.Join(behaviorDir, "900")
	if err := os.WriteFile(path, []byte(mode), 0o644); err != nil {
		t.Fatalf("write behavior file: %v", err)
	}
}

func TestVerify_MergesQualityIntoOutputFile(t *testing.T) {
	dir := t.TempDir()
	behaviorDir := filepath.Join(dir, "behavior")
	writeOutputFile(t, dir, 900, map[string]any{"hash": "abc"})
	setBehavior(t, behaviorDir, 900, "ok77")

	v := newTestVerifier(t, dir, behaviorDir)
	if err := v.Verify(context.Background(), 900); err != nil {
		t.Fatalf("Verify: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "900.json"))
	if err != nil {
		t.Fatalf("reading output file: %v", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if doc["hash"] != "abc" {
		t.Fatalf("merge clobbered existing fields: %v", doc)
	}
	quality, ok := doc["quality"].(float64)
	if !ok || quality != 77 {
		t.Fatalf("quality = %v, want 77", doc["quality"])
	}

	if err := v.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "verifier_errors.json")); err == nil {
		t.Fatalf("verifier_errors.json should not exist when nothing failed")
	}
}

func TestVerify_MissingOutputFileRecordsError(t *testing.T) {
	dir := t.TempDir()
	behaviorDir := filepath.Join(dir, "behavior")
	v := newTestVerifier(t, dir, behaviorDir)

	if err := v.Verify(context.Background(), 900); err == nil {
		t.Fatalf("expected an error for a missing output file")
	}
	if err := v.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "verifier_errors.json"))
	if err != nil {
		t.Fatalf("reading verifier_errors.json: %v", err)
	}
	var got struct {
		Errors map[string]string `json:"errors"`
	}
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := got.Errors["900"]; !ok {
		t.Fatalf("verifier_errors.json = %v, want an entry for nonce 900", got.Errors)
	}
}

func TestVerify_NonZeroExitRecordsError(t *testing.T) {
	dir := t.TempDir()
	behaviorDir := filepath.Join(dir, "behavior")
	writeOutputFile(t, dir, 900, map[string]any{})
	setBehavior(t, behaviorDir, 900, "err")

	v := newTestVerifier(t, dir, behaviorDir)
	if err := v.Verify(context.Background(), 900); err == nil {
		t.Fatalf("expected an error for a non-zero exit")
	}
}

func TestVerify_OOMMarkerRecordsError(t *testing.T) {
	dir := t.TempDir()
	behaviorDir := filepath.Join(dir, "behavior")
	writeOutputFile(t, dir, 900, map[string]any{})
	setBehavior(t, behaviorDir, 900, "oom")

	v := newTestVerifier(t, dir, behaviorDir)
	if err := v.Verify(context.Background(), 900); err == nil {
		t.Fatalf("expected an error for an OOM exit")
	}
}

func TestVerify_MalformedQualityRecordsError(t *testing.T) {
	dir := t.TempDir()
	behaviorDir := filepath.Join(dir, "behavior")
	writeOutputFile(t, dir, 900, map[string]any{})
	setBehavior(t, behaviorDir, 900, "noquality")

	v := newTestVerifier(t, dir, behaviorDir)
	if err := v.Verify(context.Background(), 900); err == nil {
		t.Fatalf("expected an error when stdout has no quality line")
	}
}

func TestVerify_SpawnFailureIsRetriedThenRecorded(t *testing.T) {
	dir := t.TempDir()
	behaviorDir := filepath.Join(dir, "behavior")
	writeOutputFile(t, dir, 900, map[string]any{})

	v := New(Options{
		Bin:         filepath.Join(dir, "does-not-exist.sh"),
		OutputDir:   dir,
		Timeout:     2 * time.Second,
		MaxAttempts: 2,
		ArgsFor: func(nonce uint64) workerproc.VerifierArgs {
			return workerproc.VerifierArgs{Nonce: nonce}
		},
	})

	if err := v.Verify(context.Background(), 900); err == nil {
		t.Fatalf("expected an error for a missing verifier binary")
	}
	_ = behaviorDir
}
