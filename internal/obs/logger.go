// Copyright 2025 James Ross
package obs

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// NewLogger builds the process logger. When logFile is non-empty, output is
// tee'd to stdout and to a size/age-rotated file via lumberjack rather than
// growing one file forever.
func NewLogger(level, logFile string) (*zap.Logger, error) {
	lvl := zapcore.InfoLevel
	switch strings.ToLower(level) {
	case "debug":
		lvl = zapcore.DebugLevel
	case "warn":
		lvl = zapcore.WarnLevel
	case "error":
		lvl = zapcore.ErrorLevel
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.Encoding = "json"

	if logFile == "" {
		return cfg.Build()
	}

	encoder := zapcore.NewJSONEncoder(cfg.EncoderConfig)
	stdoutSync := zapcore.Lock(zapcore.AddSync(os.Stdout))
	fileSync := zapcore.AddSync(&lumberjack.Logger{
		Filename:   logFile,
		MaxSize:    100, // megabytes
		MaxBackups: 5,
		MaxAge:     28, // days
		Compress:   true,
	})
	core := zapcore.NewTee(
		zapcore.NewCore(encoder, stdoutSync, lvl),
		zapcore.NewCore(encoder, fileSync, lvl),
	)
	return zap.New(core, zap.AddCaller()), nil
}

// Convenience typed fields
func String(k, v string) zap.Field { return zap.String(k, v) }
func Int(k string, v int) zap.Field { return zap.Int(k, v) }
func Bool(k string, v bool) zap.Field { return zap.Bool(k, v) }
func Err(err error) zap.Field { return zap.Error(err) }
