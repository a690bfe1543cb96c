// Package logging provides structured logging for the daemon on top of
// go.uber.org/zap.
package logging

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config controls log verbosity, encoding and destination.
type Config struct {
	Level      string // debug, info, warn, error
	Format     string // console or json
	File       string // when set, write to this file with rotation
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// Logger wraps zap.Logger with the helpers the daemon needs. The level can
// be changed while the daemon runs.
type Logger struct {
	zap   *zap.Logger
	sugar *zap.SugaredLogger
	level zap.AtomicLevel
}

var (
	defaultMu     sync.RWMutex
	defaultLogger *Logger
)

// Default returns the shared logger, building one on first use: info level,
// console encoding, stderr. Safe to call concurrently with SetDefault.
func Default() *Logger {
	defaultMu.RLock()
	l := defaultLogger
	defaultMu.RUnlock()
	if l != nil {
		return l
	}

	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultLogger == nil {
		defaultLogger = New(Config{Level: "info", Format: "console"})
	}
	return defaultLogger
}

// SetDefault replaces the shared logger.
func SetDefault(l *Logger) {
	defaultMu.Lock()
	defaultLogger = l
	defaultMu.Unlock()
}

// New builds a Logger from cfg. Unknown levels fall back to info. Console
// and file output both go to stderr-side sinks; stdout stays free for the
// connection line the daemon prints at startup.
func New(cfg Config) *Logger {
	level := zap.NewAtomicLevelAt(parseLevel(cfg.Level))

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "timestamp"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeLevel = zapcore.LowercaseLevelEncoder

	var encoder zapcore.Encoder
	if cfg.Format == "console" || cfg.Format == "text" {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encCfg)
	} else {
		encoder = zapcore.NewJSONEncoder(encCfg)
	}

	var sink zapcore.WriteSyncer
	if cfg.File != "" {
		sink = zapcore.AddSync(&lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    intOr(cfg.MaxSizeMB, 50),
			MaxBackups: intOr(cfg.MaxBackups, 3),
			MaxAge:     intOr(cfg.MaxAgeDays, 14),
			Compress:   true,
		})
	} else {
		sink = zapcore.AddSync(os.Stderr)
	}

	zl := zap.New(
		zapcore.NewCore(encoder, sink, level),
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
	)
	return &Logger{zap: zl, sugar: zl.Sugar(), level: level}
}

func parseLevel(s string) zapcore.Level {
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return zapcore.InfoLevel
	}
	return l
}

func intOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// SetLevel changes the logger's level at runtime.
func (l *Logger) SetLevel(level string) {
	l.level.SetLevel(parseLevel(level))
}

// Sync flushes buffered entries.
func (l *Logger) Sync() error {
	return l.zap.Sync()
}

// WithFields returns a Logger with fields attached to every entry.
func (l *Logger) WithFields(fields ...zap.Field) *Logger {
	zl := l.zap.With(fields...)
	return &Logger{zap: zl, sugar: zl.Sugar(), level: l.level}
}

// WithError returns a Logger with the error field attached.
func (l *Logger) WithError(err error) *Logger {
	return l.WithFields(zap.Error(err))
}

func (l *Logger) Debug(msg string, fields ...zap.Field) { l.zap.Debug(msg, fields...) }
func (l *Logger) Info(msg string, fields ...zap.Field)  { l.zap.Info(msg, fields...) }
func (l *Logger) Warn(msg string, fields ...zap.Field)  { l.zap.Warn(msg, fields...) }
func (l *Logger) Error(msg string, fields ...zap.Field) { l.zap.Error(msg, fields...) }
func (l *Logger) Fatal(msg string, fields ...zap.Field) { l.zap.Fatal(msg, fields...) }

// Zap returns the underlying zap.Logger.
func (l *Logger) Zap() *zap.Logger { return l.zap }

// Sugar returns the underlying zap.SugaredLogger.
func (l *Logger) Sugar() *zap.SugaredLogger { return l.sugar }
