package main

import (
	"os"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// newLogger builds the process logger: RFC3339 timestamps, caller
// information, error records on stderr and everything else on stdout.
// format is "json" or "console".
func newLogger(level, format string) (*zap.Logger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, errors.Wrapf(ErrInvalidConfig, "log level %q", level)
	}

	isErrorLevel := zap.LevelEnablerFunc(func(l zapcore.Level) bool {
		return l >= zapcore.ErrorLevel && l >= lvl
	})
	isInfoLevel := zap.LevelEnablerFunc(func(l zapcore.Level) bool {
		return l < zapcore.ErrorLevel && l >= lvl
	})
	stdoutWriter := zapcore.Lock(os.Stdout)
	stderrWriter := zapcore.Lock(os.Stderr)

	config := zap.NewProductionEncoderConfig()
	config.EncodeTime = zapcore.RFC3339TimeEncoder

	var encoder zapcore.Encoder
	switch format {
	case "", "json":
		encoder = zapcore.NewJSONEncoder(config)
	case "console":
		config.EncodeLevel = zapcore.CapitalLevelEncoder
		encoder = zapcore.NewConsoleEncoder(config)
	default:
		return nil, errors.Wrapf(ErrInvalidConfig, "log format %q", format)
	}

	core := zapcore.NewTee(
		zapcore.NewCore(encoder, stderrWriter, isErrorLevel),
		zapcore.NewCore(encoder, stdoutWriter, isInfoLevel),
	)
	return zap.New(core, zap.AddCaller()), nil
}
