// Package obs builds the zap logger tig-batch runs use: human-readable
// console output plus, when --log-file is set, a size-rotated file sink.
// Each run gets its own logger carrying a run id instead of a package
// global, so concurrent runs in the same process (as in tests) never
// interleave or race on shared state.
package obs

import (
	"os"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures logger construction.
type Options struct {
	Verbose bool
	// LogFile, when non-empty, adds a rotated file sink alongside stderr.
	LogFile string
}

// New builds a zap.Logger stamped with a fresh run id, plus the id itself
// so callers can thread it through output file names or audit records.
func New(opts Options) (*zap.Logger, string) {
	runID := uuid.NewString()

	level := zapcore.InfoLevel
	if opts.Verbose {
		level = zapcore.DebugLevel
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	consoleEncoder := zapcore.NewConsoleEncoder(encoderCfg)

	stderrCore := zapcore.NewCore(consoleEncoder, zapcore.Lock(os.Stderr), level)
	allCores := []zapcore.Core{stderrCore}

	if opts.LogFile != "" {
		rotator := &lumberjack.Logger{
			Filename:   opts.LogFile,
			MaxSize:    100, // megabytes
			MaxBackups: 5,
			MaxAge:     28, // days
			Compress:   true,
		}
		jsonEncoder := zapcore.NewJSONEncoder(encoderCfg)
		allCores = append(allCores, zapcore.NewCore(jsonEncoder, zapcore.AddSync(rotator), level))
	}

	logger := zap.New(zapcore.NewTee(allCores...)).With(zap.String("run_id", runID))
	return logger, runID
}
