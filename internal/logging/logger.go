package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"cryptowipe/internal/config"
)

// EnterpriseLogger is the audit logger shared by every component. Fields are
// alternating key/value pairs, as in zap's sugared API.
type EnterpriseLogger struct {
	sugar   *zap.SugaredLogger
	file    *os.File
	verbose bool
}

func NewEnterpriseLogger(cfg *config.Config, verbose bool) (*EnterpriseLogger, error) {
	level, err := parseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, err
	}

	l := &EnterpriseLogger{verbose: verbose}

	consoleLevel := zapcore.ErrorLevel
	if verbose {
		consoleLevel = level
	}
	consoleEncoder := zapcore.NewConsoleEncoder(encoderConfig())
	cores := []zapcore.Core{
		zapcore.NewCore(consoleEncoder, zapcore.Lock(os.Stderr), consoleLevel),
	}

	if cfg.Logging.File != "" {
		f, err := openLogFile(cfg.Logging.File)
		if err != nil {
			// Console stays available; the run must not fail on a bad log path.
			fmt.Fprintf(os.Stderr, "[WARN] cannot open log file %s: %v, logging to stderr only\n", cfg.Logging.File, err)
		} else {
			l.file = f
			var enc zapcore.Encoder
			if cfg.Logging.Structured {
				enc = zapcore.NewJSONEncoder(encoderConfig())
			} else {
				enc = zapcore.NewConsoleEncoder(encoderConfig())
			}
			cores = append(cores, zapcore.NewCore(enc, zapcore.AddSync(f), level))
		}
	}

	l.sugar = zap.New(zapcore.NewTee(cores...)).Sugar()
	return l, nil
}

// NewNopLogger returns a logger that discards everything.
func NewNopLogger() *EnterpriseLogger {
	return &EnterpriseLogger{sugar: zap.NewNop().Sugar()}
}

// NewZapLogger wraps an existing zap logger, mainly for tests using zaptest/observer.
func NewZapLogger(z *zap.Logger) *EnterpriseLogger {
	return &EnterpriseLogger{sugar: z.Sugar()}
}

// Log writes message at level (DEBUG, INFO, WARN, ERROR, FATAL).
func (l *EnterpriseLogger) Log(level, message string, fields ...interface{}) {
	if l == nil || l.sugar == nil {
		return
	}

	switch strings.ToUpper(level) {
	case "DEBUG":
		l.sugar.Debugw(message, fields...)
	case "INFO":
		l.sugar.Infow(message, fields...)
	case "WARN":
		l.sugar.Warnw(message, fields...)
	case "ERROR", "FATAL":
		// FATAL is recorded as an error; the caller decides whether to exit.
		l.sugar.Errorw(message, fields...)
	default:
		l.sugar.Infow(message, fields...)
	}
}

// With returns a child logger that adds fields to every entry.
func (l *EnterpriseLogger) With(fields ...interface{}) *EnterpriseLogger {
	if l == nil || l.sugar == nil {
		return l
	}
	return &EnterpriseLogger{sugar: l.sugar.With(fields...), verbose: l.verbose}
}

// Zap exposes the underlying logger for libraries that take *zap.Logger.
func (l *EnterpriseLogger) Zap() *zap.Logger {
	if l == nil || l.sugar == nil {
		return zap.NewNop()
	}
	return l.sugar.Desugar()
}

func (l *EnterpriseLogger) Close() error {
	if l == nil || l.sugar == nil {
		return nil
	}
	_ = l.sugar.Sync() // stderr sync fails on some terminals
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

func parseLevel(level string) (zapcore.Level, error) {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return zapcore.DebugLevel, nil
	case "INFO", "":
		return zapcore.InfoLevel, nil
	case "WARN":
		return zapcore.WarnLevel, nil
	case "ERROR":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("unknown log level %q", level)
	}
}

func encoderConfig() zapcore.EncoderConfig {
	ec := zap.NewProductionEncoderConfig()
	ec.TimeKey = "timestamp"
	ec.EncodeTime = zapcore.ISO8601TimeEncoder
	ec.EncodeLevel = zapcore.CapitalLevelEncoder
	return ec
}

func openLogFile(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0640)
}
