// Package observability builds the per-service structured logger and
// the metrics/health HTTP server every MASH service starts alongside
// its broker consumers.
//
// Logging wraps go.uber.org/zap with a custom encoder that produces
// the wire format "LEVEL : HH:MM:SS | message" and writes it to
// <log_dir>/<svc>_service.log, one file per service, in addition to
// stderr.
package observability

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/buffer"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds the structured logger for service svc. level is one
// of debug/info/warn/error (anything else defaults to info). logDir is
// created if it does not already exist; the service writes to
// <logDir>/<svc>_service.log as well as stderr.
func NewLogger(svc, logDir, level string) (*zap.Logger, error) {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("observability: create log dir: %w", err)
	}

	logPath := filepath.Join(logDir, svc+"_service.log")
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("observability: open log file: %w", err)
	}

	encoder := newLineEncoder()
	atomicLevel := zap.NewAtomicLevelAt(parseLevel(level))

	core := zapcore.NewTee(
		zapcore.NewCore(encoder, zapcore.AddSync(f), atomicLevel),
		zapcore.NewCore(encoder, zapcore.AddSync(os.Stderr), atomicLevel),
	)

	return zap.New(core), nil
}

// lineEncoder wraps a zapcore console encoder to produce
// "LEVEL : HH:MM:SS | message key=value ..." instead of JSON objects.
// zapcore's built-in console encoder fixes the field order as
// time-level-name-caller-message, which cannot be rearranged through
// EncoderConfig alone, so the prefix is built by hand here and the
// underlying encoder is left to render only the message and any
// structured fields.
type lineEncoder struct {
	zapcore.Encoder
}

func newLineEncoder() zapcore.Encoder {
	cfg := zapcore.EncoderConfig{
		MessageKey:       "msg",
		LineEnding:       zapcore.DefaultLineEnding,
		EncodeDuration:   zapcore.StringDurationEncoder,
		ConsoleSeparator: " ",
	}
	return &lineEncoder{Encoder: zapcore.NewConsoleEncoder(cfg)}
}

func (e *lineEncoder) Clone() zapcore.Encoder {
	return &lineEncoder{Encoder: e.Encoder.Clone()}
}

func (e *lineEncoder) EncodeEntry(ent zapcore.Entry, fields []zapcore.Field) (*buffer.Buffer, error) {
	prefix := strings.ToUpper(ent.Level.String()) + " : " + ent.Time.Format("15:04:05") + " | "
	ent.Message = prefix + ent.Message
	return e.Encoder.EncodeEntry(ent, fields)
}

func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
