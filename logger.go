package main

import (
	"os"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// logger is the process-wide structured logger. It starts as a no-op so
// library code and tests can log before InitLogger runs.
var logger = zap.NewNop().Sugar()

// InitLogger replaces the global logger. level is one of debug, info, warn,
// error. JSON output uses zap's production encoder; otherwise a compact
// console encoder writes to stderr so sample output on stdout stays clean.
func InitLogger(level string, jsonOutput bool) error {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return errors.Wrapf(ErrInvalidConfig, "log level %q", level)
	}

	var zl *zap.Logger
	if jsonOutput {
		cfg := zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(lvl)
		zl, err = cfg.Build()
		if err != nil {
			return errors.Wrap(err, "failed to build JSON logger")
		}
	} else {
		encCfg := zap.NewDevelopmentEncoderConfig()
		encCfg.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		zl = zap.New(zapcore.NewCore(
			zapcore.NewConsoleEncoder(encCfg),
			zapcore.AddSync(os.Stderr),
			lvl,
		))
	}

	logger = zl.Sugar()
	return nil
}

// syncLogger flushes buffered log entries. Errors from syncing a terminal
// are ignored.
func syncLogger() {
	_ = logger.Sync()
}
