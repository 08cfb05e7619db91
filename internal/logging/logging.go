// Package logging configures the process-wide zap logger.
//
// Components never construct loggers themselves; they receive a
// *zap.Logger from the caller. This keeps tests quiet (zap.NewNop)
// and keeps rotation policy in one place.
package logging

import (
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config controls log level and file output.
type Config struct {
	// Level is one of debug, info, warn, error.
	Level string
	// FilePath enables a rotating log file when non-empty.
	FilePath string
	// MaxSizeMB is the rotation threshold for the log file.
	MaxSizeMB int
	// MaxBackups is the number of rotated files to keep.
	MaxBackups int
}

// New builds a logger that writes JSON to stderr and, when configured,
// to a size-rotated file.
func New(cfg Config) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	}

	encCfg := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.RFC3339TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	enc := zapcore.NewJSONEncoder(encCfg)

	cores := []zapcore.Core{
		zapcore.NewCore(enc, zapcore.AddSync(os.Stderr), level),
	}

	if cfg.FilePath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0o755); err != nil {
			return nil, err
		}
		maxSize := cfg.MaxSizeMB
		if maxSize == 0 {
			maxSize = 10
		}
		maxBackups := cfg.MaxBackups
		if maxBackups == 0 {
			maxBackups = 3
		}
		fileWriter := zapcore.AddSync(&lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    maxSize,
			MaxBackups: maxBackups,
			Compress:   true,
		})
		cores = append(cores, zapcore.NewCore(enc, fileWriter, level))
	}

	return zap.New(
		zapcore.NewTee(cores...),
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
	), nil
}
