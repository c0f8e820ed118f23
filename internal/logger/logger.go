package logger

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Log is the process-wide logger. Init must be called once from main before
// any component logs; the zero value falls back to a no-op logger so unit
// tests do not need explicit setup.
var Log = &Logger{base: zap.NewNop().Sugar()}

// Logger wraps a zap sugared logger behind the keyed-value call shape used
// throughout this repo: Info("msg", "key", value, ...).
type Logger struct {
	base *zap.SugaredLogger
}

// Init configures the global logger. level is one of debug, info, warn,
// error; format is "json" or "console".
func Init(level, format string) {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var enc zapcore.Encoder
	if format == "console" {
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	} else {
		enc = zapcore.NewJSONEncoder(encCfg)
	}

	core := zapcore.NewCore(enc, zapcore.Lock(os.Stderr), parseLevel(level))
	Log = &Logger{base: zap.New(core).Sugar()}
}

func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func (l *Logger) Debug(msg string, keysAndValues ...any) {
	l.base.Debugw(msg, keysAndValues...)
}

func (l *Logger) Info(msg string, keysAndValues ...any) {
	l.base.Infow(msg, keysAndValues...)
}

func (l *Logger) Warn(msg string, keysAndValues ...any) {
	l.base.Warnw(msg, keysAndValues...)
}

func (l *Logger) Error(err error, msg string, keysAndValues ...any) {
	if err != nil {
		keysAndValues = append(keysAndValues, "error", err.Error())
	}
	l.base.Errorw(msg, keysAndValues...)
}

// Sync flushes buffered log entries; safe to call on shutdown.
func (l *Logger) Sync() {
	_ = l.base.Sync()
}
