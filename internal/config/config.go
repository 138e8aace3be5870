// Package config defines the tig-batch command-line surface: flag
// registration and the validation that must pass before any worker is
// spawned.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"

	"github.com/tig-pool-nk/batchexec/internal/supervisor"
)

// Config holds every flag tig-batch accepts, already parsed into native
// types. Zero value is never valid; always build one through RegisterFlags
// followed by Validate.
type Config struct {
	StartNonce uint64
	NumNonces  uint64
	MaxWorkers int
	Mode       string

	Settings string
	RandHash string
	SoPath   string
	MaxFuel  int64

	OutputDir   string
	WorkerBin   string
	VerifierBin string

	PtxPath         string
	GPUID           int
	GPUIDSet        bool
	Data            string
	Hyperparameters string
	Timeout         time.Duration
	Verbose         bool

	MemHigh     float64
	MemLow      float64
	MemInterval time.Duration
	NoOOM       bool

	AuditDB      string
	ProgressAddr string
	LogFile      string
}

// RegisterFlags binds every tig-batch flag to fs and returns the Config
// that flag parsing will populate. Call Validate after fs.Parse.
func RegisterFlags(fs *pflag.FlagSet) *Config {
	cfg := &Config{}

	fs.Uint64Var(&cfg.StartNonce, "start-nonce", 0, "first nonce in the batch (required)")
	fs.Uint64Var(&cfg.NumNonces, "num-nonces", 0, "number of nonces to process; ignored in explore mode")
	fs.IntVar(&cfg.MaxWorkers, "max-workers", 0, "maximum concurrent worker processes (required)")
	fs.StringVar(&cfg.Mode, "mode", "", "scheduling mode: strict, lenient, or explore (required)")

	fs.StringVar(&cfg.Settings, "settings", "", "path to the worker settings JSON file (required)")
	fs.StringVar(&cfg.RandHash, "rand-hash", "", "randomness hash passed to every worker invocation (required)")
	fs.StringVar(&cfg.SoPath, "so-path", "", "path to the compiled algorithm shared object (required)")
	fs.Int64Var(&cfg.MaxFuel, "max-fuel", 0, "fuel budget per worker invocation (required)")
	fs.StringVar(&cfg.OutputDir, "output-dir", "", "directory worker output and result files are written to (required)")
	fs.StringVar(&cfg.WorkerBin, "worker-bin", "tig-pool-runtime", "path to the compute worker binary")
	fs.StringVar(&cfg.VerifierBin, "verifier-bin", "", "optional path to the downstream verifier binary; empty disables verification")

	fs.StringVar(&cfg.PtxPath, "ptx", "", "optional PTX path forwarded to workers")
	fs.IntVar(&cfg.GPUID, "gpu-id", 0, "optional GPU device id forwarded to workers")
	fs.StringVar(&cfg.Data, "data", "", "optional opaque data blob forwarded to workers")
	fs.StringVar(&cfg.Hyperparameters, "hyperparameters", "", "optional hyperparameters forwarded to workers")
	fs.DurationVar(&cfg.Timeout, "timeout", 0, "batch timeout (required in explore mode); 0 disables")
	fs.BoolVarP(&cfg.Verbose, "verbose", "v", false, "enable verbose logging")

	fs.Float64Var(&cfg.MemHigh, "mem-high", 90, "memory usage percent that triggers the watchdog")
	fs.Float64Var(&cfg.MemLow, "mem-low", 75, "memory usage percent the watchdog must fall back below before restarting killed work")
	fs.DurationVar(&cfg.MemInterval, "mem-interval", 50*time.Millisecond, "watchdog poll interval, floor 10ms")
	fs.BoolVar(&cfg.NoOOM, "no-oom", false, "disable the memory watchdog entirely")

	fs.StringVar(&cfg.AuditDB, "audit-db", "", "optional SQLite path recording every worker outcome")
	fs.StringVar(&cfg.ProgressAddr, "progress-addr", "", "optional address to serve a live websocket progress feed on")
	fs.StringVar(&cfg.LogFile, "log-file", "", "optional log file path; rotated with lumberjack")

	return cfg
}

// MarkGPUIDSet records whether --gpu-id was actually passed on the command
// line, since the zero value is a legitimate device id. Call after
// fs.Parse(args).
func (c *Config) MarkGPUIDSet(fs *pflag.FlagSet) {
	c.GPUIDSet = fs.Changed("gpu-id")
}

// Validate checks the required flags and the cross-flag invariants the
// spec calls out, returning the first violation found. It runs before any
// process is spawned or directory created.
func (c *Config) Validate() error {
	if c.MaxWorkers <= 0 {
		return fmt.Errorf("--max-workers is required and must be positive")
	}
	if c.Settings == "" {
		return fmt.Errorf("--settings is required")
	}
	if c.RandHash == "" {
		return fmt.Errorf("--rand-hash is required")
	}
	if c.SoPath == "" {
		return fmt.Errorf("--so-path is required")
	}
	if c.MaxFuel <= 0 {
		return fmt.Errorf("--max-fuel is required and must be positive")
	}
	if c.OutputDir == "" {
		return fmt.Errorf("--output-dir is required")
	}

	mode, err := supervisor.ParseMode(c.Mode)
	if err != nil {
		return err
	}

	if mode != supervisor.Explore && c.NumNonces == 0 {
		return fmt.Errorf("--num-nonces is required in %s mode", c.Mode)
	}
	if mode == supervisor.Explore && c.Timeout <= 0 {
		return fmt.Errorf("explore mode requires a positive --timeout")
	}
	if mode != supervisor.Explore {
		if end := c.StartNonce + c.NumNonces; end < c.StartNonce {
			return fmt.Errorf("--start-nonce + --num-nonces overflows a uint64")
		}
	}

	if !c.NoOOM {
		if c.MemHigh <= 0 || c.MemHigh > 100 {
			return fmt.Errorf("--mem-high must be in (0, 100]")
		}
		if c.MemLow <= 0 || c.MemLow > 100 {
			return fmt.Errorf("--mem-low must be in (0, 100]")
		}
		if c.MemLow >= c.MemHigh {
			return fmt.Errorf("--mem-low (%.1f) must be less than --mem-high (%.1f)", c.MemLow, c.MemHigh)
		}
		if c.MemInterval < 10*time.Millisecond {
			c.MemInterval = 10 * time.Millisecond
		}
	}

	return nil
}

// SupervisorMode parses Mode, which Validate has already confirmed is
// well-formed.
func (c *Config) SupervisorMode() supervisor.Mode {
	mode, _ := supervisor.ParseMode(c.Mode)
	return mode
}

// GPUIDPtr returns a pointer to GPUID when --gpu-id was explicitly passed,
// mirroring the `is not None` semantics workerproc.WorkerArgs expects.
func (c *Config) GPUIDPtr() *int {
	if !c.GPUIDSet {
		return nil
	}
	id := c.GPUID
	return &id
}
