// Package logger is a thin, process-wide wrapper around zap.
//
// It keeps a single *zap.Logger behind an atomic level so the level can be
// changed at runtime without rebuilding call sites, and it supports
// redirecting output to a rotating file (via lumberjack) for long-running
// fleet processes where stdout is not durable.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	mu           sync.Mutex
	log          *zap.Logger
	logLevel     = zap.NewAtomicLevelAt(zap.InfoLevel)
	encoderCfg   = defaultEncoderConfig()
	stdoutWriter = zapcore.Lock(zapcore.AddSync(os.Stdout))
	stderrWriter = zapcore.Lock(zapcore.AddSync(os.Stderr))
)

func defaultEncoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalColorLevelEncoder,
		EncodeTime:     zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05"),
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
}

func rebuildLoggerLocked() {
	encoder := zapcore.NewConsoleEncoder(encoderCfg)
	core := zapcore.NewCore(encoder, stdoutWriter, logLevel)
	if log != nil {
		_ = log.Sync()
	}
	log = zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1), zap.ErrorOutput(stderrWriter))
}

func levelFromString(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zap.DebugLevel
	case "warn":
		return zap.WarnLevel
	case "error":
		return zap.ErrorLevel
	default:
		return zap.InfoLevel
	}
}

// Init (re)configures the global logger to write to stdout at the given level.
func Init(level string) {
	mu.Lock()
	defer mu.Unlock()

	logLevel.SetLevel(levelFromString(level))
	stdoutWriter = zapcore.Lock(zapcore.AddSync(os.Stdout))
	encoderCfg = defaultEncoderConfig()
	rebuildLoggerLocked()
}

// InitFile configures the global logger to write to a rotating file in
// addition to stdout. maxSizeMB/maxBackups/maxAgeDays follow lumberjack's
// semantics; zero values fall back to lumberjack's own defaults.
func InitFile(path string, maxSizeMB, maxBackups, maxAgeDays int, level string) {
	mu.Lock()
	defer mu.Unlock()

	logLevel.SetLevel(levelFromString(level))
	roller := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
		MaxAge:     maxAgeDays,
		Compress:   true,
	}
	stdoutWriter = zapcore.Lock(zapcore.NewMultiWriteSyncer(
		zapcore.AddSync(os.Stdout),
		zapcore.AddSync(roller),
	))
	encoderCfg = defaultEncoderConfig()
	rebuildLoggerLocked()
}

// SetWriters overrides the stdout/stderr sinks. Passing nil restores the
// default stream for that sink. Mainly useful in tests.
func SetWriters(stdout, stderr io.Writer) {
	mu.Lock()
	defer mu.Unlock()

	if stdout == nil {
		stdoutWriter = zapcore.Lock(zapcore.AddSync(os.Stdout))
	} else {
		stdoutWriter = zapcore.Lock(zapcore.AddSync(stdout))
	}
	if stderr == nil {
		stderrWriter = zapcore.Lock(zapcore.AddSync(os.Stderr))
	} else {
		stderrWriter = zapcore.Lock(zapcore.AddSync(stderr))
	}
	rebuildLoggerLocked()
}

// Logger returns the current *zap.Logger, building a default one on first use.
func Logger() *zap.Logger {
	mu.Lock()
	defer mu.Unlock()

	if log == nil {
		rebuildLoggerLocked()
	}
	return log
}

// IsDebugEnabled reports whether the current level would emit Debug records.
func IsDebugEnabled() bool {
	return Logger().Level() <= zap.DebugLevel
}

func Debug(msg string, fields ...zap.Field) { Logger().Debug(msg, fields...) }
func Info(msg string, fields ...zap.Field)  { Logger().Info(msg, fields...) }
func Warn(msg string, fields ...zap.Field)  { Logger().Warn(msg, fields...) }
func Error(msg string, fields ...zap.Field) { Logger().Error(msg, fields...) }

// Fatal logs at Fatal level, flushes and exits the process.
func Fatal(msg string, fields ...zap.Field) {
	Logger().Fatal(msg, fields...)
	_ = Logger().Sync()
	os.Exit(1)
}

func Debugf(msg string, a ...any) { Logger().Debug(fmt.Sprintf(msg, a...)) }
func Infof(msg string, a ...any)  { Logger().Info(fmt.Sprintf(msg, a...)) }
func Warnf(msg string, a ...any)  { Logger().Warn(fmt.Sprintf(msg, a...)) }
func Errorf(msg string, a ...any) { Logger().Error(fmt.Sprintf(msg, a...)) }
