// Package verifier runs the optional downstream verifier binary against a
// worker's output file, merging the quality score it reports back into
// that file. Verifier failures are tracked independently of the batch's
// own success/error accounting and flushed to a separate summary file.
package verifier

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/tig-pool-nk/batchexec/internal/workerproc"
)

// Options configures a Verifier.
type Options struct {
	Bin         string
	OutputDir   string
	ArgsFor     func(nonce uint64) workerproc.VerifierArgs
	Timeout     time.Duration // per-invocation wall clock, default 60s
	MaxAttempts uint64        // total attempts, retried on spawn failure only, default 3
	Log         *zap.Logger
}

// Verifier invokes the verifier binary and merges its quality score into
// each nonce's output file.
type Verifier struct {
	opts Options

	mu     sync.Mutex
	errors map[uint64]string
}

func New(opts Options) *Verifier {
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.MaxAttempts == 0 {
		opts.MaxAttempts = 3
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	return &Verifier{opts: opts, errors: make(map[uint64]string)}
}

// Verify runs the verifier binary for one nonce and merges its reported
// quality score into <nonce>.json. A spawn failure (binary missing,
// permissions) is retried a bounded number of times with exponential
// backoff; any other failure — non-zero exit, OOM-style signal kill,
// malformed stdout — is recorded for later flushing and returned as an
// error for the caller to log.
func (v *Verifier) Verify(ctx context.Context, nonce uint64) error {
	outputFile := filepath.Join(v.opts.OutputDir, fmt.Sprintf("%d.json", nonce))
	if _, err := os.Stat(outputFile); err != nil {
		return v.record(nonce, "missing file")
	}

	args := v.opts.ArgsFor(nonce)
	base, err := retry.NewExponential(50 * time.Millisecond)
	if err != nil {
		return v.record(nonce, fmt.Sprintf("backoff config: %v", err))
	}
	backoff := retry.WithMaxRetries(v.opts.MaxAttempts-1, base)

	var result workerproc.Result
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		taskCtx, cancel := context.WithTimeout(ctx, v.opts.Timeout)
		defer cancel()

		completion := workerproc.NewCompletion()
		_, startErr := workerproc.StartWithCompletion(taskCtx, completion, nonce, v.opts.Bin, args.CommandArgs())
		if startErr != nil {
			return retry.RetryableError(startErr)
		}
		<-completion.Done()
		result = completion.Result()
		return nil
	})
	if err != nil {
		return v.record(nonce, fmt.Sprintf("spawn failed: %v", err))
	}

	if result.ExitCode == -9 || result.ExitCode == -15 {
		return v.record(nonce, "killed by signal")
	}
	if strings.Contains(result.Stderr, "OUT_OF_MEMORY") || strings.Contains(strings.ToLower(result.Stderr), "out of memory") {
		return v.record(nonce, "out of memory")
	}
	if result.ExitCode != 0 {
		return v.record(nonce, fmt.Sprintf("exit %d: %s", result.ExitCode, strings.TrimSpace(result.Stderr)))
	}

	quality, err := parseQuality(result.Stdout)
	if err != nil {
		return v.record(nonce, err.Error())
	}

	if err := mergeQuality(outputFile, quality); err != nil {
		return v.record(nonce, fmt.Sprintf("merge failed: %v", err))
	}
	return nil
}

// record stores a verifier-only failure and returns it as an error so the
// caller can log it immediately too.
func (v *Verifier) record(nonce uint64, message string) error {
	v.mu.Lock()
	v.errors[nonce] = message
	v.mu.Unlock()
	return fmt.Errorf("%s", message)
}

// Flush writes <output_dir>/verifier_errors.json if any verifier failures
// were recorded. A no-op otherwise.
func (v *Verifier) Flush() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.errors) == 0 {
		return nil
	}
	strErrs := make(map[string]string, len(v.errors))
	for nonce, msg := range v.errors {
		strErrs[strconv.FormatUint(nonce, 10)] = msg
	}
	data, err := json.Marshal(struct {
		Errors map[string]string `json:"errors"`
	}{Errors: strErrs})
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(v.opts.OutputDir, "verifier_errors.json"), data, 0o644)
}

// parseQuality extracts the integer from stdout's final "quality: N" line.
func parseQuality(stdout string) (int, error) {
	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	if len(lines) == 0 {
		return 0, fmt.Errorf("failed to find quality in output")
	}
	last := strings.TrimSpace(lines[len(lines)-1])
	const prefix = "quality: "
	if !strings.HasPrefix(last, prefix) {
		return 0, fmt.Errorf("failed to find quality in output")
	}
	n, err := strconv.Atoi(strings.TrimPrefix(last, prefix))
	if err != nil {
		return 0, fmt.Errorf("malformed quality value: %w", err)
	}
	return n, nil
}

// mergeQuality is idempotent: reading, injecting quality, and rewriting
// yields the same bytes on a second application.
func mergeQuality(outputFile string, quality int) error {
	data, err := os.ReadFile(outputFile)
	if err != nil {
		return err
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	doc["quality"] = quality
	out, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return os.WriteFile(outputFile, out, 0o644)
}
