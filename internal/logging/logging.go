// Package logging wires every component to an injected zap logger, the
// way spec.md's data model describes LogRecord: "produced by every
// component through an injected log sink; no component owns the sink."
package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level mirrors spec.md's LogRecord.level taxonomy.
type Level int

const (
	Debug Level = iota
	Info
	Warning
	Error
)

func (l Level) zapLevel() zapcore.Level {
	switch l {
	case Debug:
		return zapcore.DebugLevel
	case Warning:
		return zapcore.WarnLevel
	case Error:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// New builds a console-encoded logger at the given minimum level. Passing
// an empty levelName defaults to Info.
func New(levelName string) *zap.Logger {
	level := parseLevel(levelName)

	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "ts"
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder

	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(cfg),
		zapcore.Lock(os.Stderr),
		level.zapLevel(),
	)
	return zap.New(core)
}

func parseLevel(name string) Level {
	switch name {
	case "debug":
		return Debug
	case "warn", "warning":
		return Warning
	case "error":
		return Error
	default:
		return Info
	}
}

// NoOp returns a logger that discards everything, for callers (tests,
// library embedders) that don't want engine diagnostics.
func NoOp() *zap.Logger {
	return zap.NewNop()
}
