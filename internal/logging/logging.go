// Package logging builds the zap.Logger every other package receives
// through its Config.Log field. It keeps the teacher daemon's
// `log.Printf("[component] message")` bracketed-tag convention, expressed
// as zap's logger name rather than a string prefix baked into the message.
package logging

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a production zap.Logger at the given level ("debug", "info",
// "warn", "error"; case-insensitive, empty defaults to info). Output goes
// to stdout in the bracketed console format; structured fields still
// attach normally.
func New(level string) (*zap.Logger, error) {
	lvl, err := parseLevel(level)
	if err != nil {
		return nil, err
	}

	encoderCfg := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "component",
		CallerKey:      "",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeName:     bracketNameEncoder,
	}

	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderCfg),
		zapcore.Lock(os.Stdout),
		lvl,
	)
	return zap.New(core), nil
}

// bracketNameEncoder renders a logger's name as "[name]", matching the
// teacher daemon's log.Printf("[component] ...") tagging convention.
func bracketNameEncoder(name string, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString("[" + name + "]")
}

// Tagged returns a child logger named tag, the zap equivalent of the
// teacher's per-call "[tag] message" prefix.
func Tagged(log *zap.Logger, tag string) *zap.Logger {
	return log.Named(tag)
}

func parseLevel(level string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "info":
		return zapcore.InfoLevel, nil
	case "debug":
		return zapcore.DebugLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return 0, fmt.Errorf("logging: unrecognized log level %q", level)
	}
}
