// Package logging builds the shared zap logger used across the daemon.
package logging

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// Options controls logger construction.
type Options struct {
	// Level is one of "debug", "info", "warn", "error".
	Level string

	// Output is either "stderr" or a file path. Empty means "stderr".
	Output string

	// MaxSizeMB caps the rotating file sink's size before it rolls over.
	// Only meaningful when Output is a file path.
	MaxSizeMB int

	// MaxBackups is the number of rotated files to retain.
	MaxBackups int
}

// New builds a zap logger per Options. Callers must call Sync on shutdown.
func New(opts Options) (*zap.Logger, error) {
	level, err := parseLevel(opts.Level)
	if err != nil {
		return nil, err
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var sink zapcore.WriteSyncer
	if opts.Output == "" || opts.Output == "stderr" {
		sink = zapcore.AddSync(os.Stderr)
	} else {
		maxSize := opts.MaxSizeMB
		if maxSize <= 0 {
			maxSize = 50
		}
		maxBackups := opts.MaxBackups
		if maxBackups <= 0 {
			maxBackups = 5
		}
		sink = zapcore.AddSync(&lumberjack.Logger{
			Filename:   opts.Output,
			MaxSize:    maxSize,
			MaxBackups: maxBackups,
			Compress:   false,
		})
	}

	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), sink, level)
	return zap.New(core, zap.AddCaller()), nil
}

func parseLevel(s string) (zapcore.Level, error) {
	if s == "" {
		return zapcore.InfoLevel, nil
	}
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return level, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return level, nil
}

// WithBug returns a child logger scoped to one bug.
func WithBug(l *zap.Logger, bugID int) *zap.Logger {
	return l.With(zap.Int("bug_id", bugID))
}

// WithPatchset returns a child logger scoped to one patchset.
func WithPatchset(l *zap.Logger, patchsetID int64) *zap.Logger {
	return l.With(zap.Int64("patchset_id", patchsetID))
}
