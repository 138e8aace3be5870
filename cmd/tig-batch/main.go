// Command tig-batch drives a bounded-concurrency batch of compute-worker
// subprocesses against a contiguous range of nonces, reclaiming memory
// under pressure and retrying the work it kills.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tig-pool-nk/batchexec/internal/config"
	"github.com/tig-pool-nk/batchexec/internal/ledger"
	"github.com/tig-pool-nk/batchexec/internal/obs"
	"github.com/tig-pool-nk/batchexec/internal/probe"
	"github.com/tig-pool-nk/batchexec/internal/progress"
	"github.com/tig-pool-nk/batchexec/internal/supervisor"
	"github.com/tig-pool-nk/batchexec/internal/verifier"
	"github.com/tig-pool-nk/batchexec/internal/watchdog"
	"github.com/tig-pool-nk/batchexec/internal/workerproc"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "tig-batch",
		Short:         "Bounded-concurrency batch executor for compute-worker subprocesses",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cfg := config.RegisterFlags(cmd.Flags())
	cmd.PreRun = func(c *cobra.Command, args []string) {
		cfg.MarkGPUIDSet(c.Flags())
	}
	cmd.RunE = func(c *cobra.Command, args []string) error {
		return run(c.Context(), cfg)
	}
	return cmd
}

func run(ctx context.Context, cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	logger, runID := obs.New(obs.Options{Verbose: cfg.Verbose, LogFile: cfg.LogFile})
	defer func() { _ = logger.Sync() }()
	logger.Info("starting batch",
		zap.String("mode", cfg.Mode),
		zap.Uint64("start_nonce", cfg.StartNonce),
		zap.Uint64("num_nonces", cfg.NumNonces),
		zap.Int("max_workers", cfg.MaxWorkers),
	)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	prober := probe.New(cfg.GPUIDPtr(), cfg.NoOOM)
	wd := watchdog.New(prober, cfg.MemHigh/100, cfg.MemLow/100, cfg.MemInterval, !cfg.NoOOM, logger)

	var led *ledger.Ledger
	if cfg.AuditDB != "" {
		var err error
		led, err = ledger.Open(ctx, cfg.AuditDB)
		if err != nil {
			return fmt.Errorf("opening audit database: %w", err)
		}
		defer func() {
			if cerr := led.Close(); cerr != nil {
				logger.Warn("closing audit database", zap.Error(cerr))
			}
		}()
	}

	var hub *progress.Hub
	if cfg.ProgressAddr != "" {
		hub = progress.NewHub()
		hubCtx, hubCancel := context.WithCancel(ctx)
		defer hubCancel()
		go hub.Run(hubCtx)

		server := &http.Server{Addr: cfg.ProgressAddr, Handler: hub}
		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Warn("progress server stopped", zap.Error(err))
			}
		}()
		defer func() { _ = server.Close() }()
	}

	var ver *verifier.Verifier
	if cfg.VerifierBin != "" {
		ver = verifier.New(verifier.Options{
			Bin:       cfg.VerifierBin,
			OutputDir: cfg.OutputDir,
			ArgsFor: func(nonce uint64) workerproc.VerifierArgs {
				return workerproc.VerifierArgs{
					Bin:          cfg.VerifierBin,
					SettingsJSON: cfg.Settings,
					RandHash:     cfg.RandHash,
					Nonce:        nonce,
					OutputFile:   fmt.Sprintf("%s/%d.json", cfg.OutputDir, nonce),
					Data:         cfg.Data,
					PtxPath:      cfg.PtxPath,
					GPUID:        cfg.GPUIDPtr(),
				}
			},
			Log: logger,
		})
		defer func() {
			if ferr := ver.Flush(); ferr != nil {
				logger.Warn("flushing verifier errors", zap.Error(ferr))
			}
		}()
	}

	startTimes := newStartTimeTracker()

	opts := supervisor.Options{
		Mode:          cfg.SupervisorMode(),
		StartNonce:    cfg.StartNonce,
		NumNonces:     cfg.NumNonces,
		MaxWorkers:    cfg.MaxWorkers,
		BatchTimeout:  cfg.Timeout,
		WorkerTimeout: 0,
		OutputDir:     cfg.OutputDir,
		WorkerBin:     cfg.WorkerBin,
		ArgsFor: func(nonce uint64) workerproc.WorkerArgs {
			return workerproc.WorkerArgs{
				Bin:             cfg.WorkerBin,
				SettingsJSON:    cfg.Settings,
				RandHash:        cfg.RandHash,
				Nonce:           nonce,
				SoPath:          cfg.SoPath,
				MaxFuel:         cfg.MaxFuel,
				OutputDir:       cfg.OutputDir,
				Data:            cfg.Data,
				Hyperparameters: cfg.Hyperparameters,
				PtxPath:         cfg.PtxPath,
				GPUID:           cfg.GPUIDPtr(),
			}
		},
		Watchdog:      wd,
		LowWatermark:  cfg.MemLow / 100,
		CheckInterval: cfg.MemInterval,
		Log:           zap.NewStdLog(logger),
	}
	if ver != nil {
		opts.PostSuccess = func(nonce uint64) error {
			return ver.Verify(ctx, nonce)
		}
	}
	opts.OnOutcome = func(nonce uint64, state, detail string) {
		duration := startTimes.elapsed(nonce, state)
		if led != nil {
			if err := led.Record(ctx, runID, cfg.Mode, nonce, state, detail, duration); err != nil {
				logger.Warn("audit record failed", zap.Uint64("nonce", nonce), zap.Error(err))
			}
		}
		if hub != nil {
			hub.Broadcast(progress.Event{
				RunID:     runID,
				Nonce:     nonce,
				State:     state,
				Detail:    detail,
				Timestamp: time.Now(),
			})
		}
	}

	sup := supervisor.New(opts)
	success, err := sup.Run(ctx)
	if err != nil {
		logger.Error("batch failed", zap.Error(err), zap.Int("success", success))
	}

	fmt.Printf("Completed %d/%d nonces\n", success, cfg.NumNonces)

	if err != nil {
		return err
	}
	if !batchSucceeded(cfg, success) {
		os.Exit(1)
	}
	return nil
}

// batchSucceeded applies the per-mode exit-code rule: strict and lenient
// require every nonce in [start, start+num) to have succeeded; explore only
// requires at least one.
func batchSucceeded(cfg *config.Config, success int) bool {
	if cfg.SupervisorMode() == supervisor.Explore {
		return success > 0
	}
	return uint64(success) == cfg.NumNonces
}

// startTimeTracker records when each nonce first enters "submitted" so
// OnOutcome can report a duration alongside the ledger row. It is scoped to
// one batch run and never grows unbounded: a nonce's entry is cleared the
// first time it reaches a terminal state, even though the nonce may later
// be resubmitted and re-timed.
type startTimeTracker struct {
	mu    sync.Mutex
	start map[uint64]time.Time
}

func newStartTimeTracker() *startTimeTracker {
	return &startTimeTracker{start: make(map[uint64]time.Time)}
}

// elapsed records a fresh start time on "submitted" and, for any other
// state, returns how long the nonce has been running since its most recent
// submission (zero if none was recorded).
func (t *startTimeTracker) elapsed(nonce uint64, state string) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if state == "submitted" {
		t.start[nonce] = time.Now()
		return 0
	}
	started, ok := t.start[nonce]
	if !ok {
		return 0
	}
	delete(t.start, nonce)
	return time.Since(started)
}
