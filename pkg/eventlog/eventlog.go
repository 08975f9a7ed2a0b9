// Package eventlog implements the append-only JSONL event log that the
// external analysis tooling tails to reconstruct experiment timelines.
// Every state change and request outcome on a node becomes exactly one
// physical line here.
package eventlog

import (
	"os"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger appends structured events as JSON lines. It also owns the
// process-lifetime operation sequence counter; the current counter value
// is stamped onto every line so external readers can order events.
type Logger struct {
	zl  *zap.Logger
	seq atomic.Int64
}

func encoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		MessageKey: "type",
		TimeKey:    "ts_iso",
		EncodeTime: zapcore.ISO8601TimeEncoder,
		LineEnding: zapcore.DefaultLineEnding,
		// level/caller/stacktrace keys omitted: this is a data log,
		// not a diagnostic log.
		LevelKey:       zapcore.OmitKey,
		NameKey:        zapcore.OmitKey,
		CallerKey:      zapcore.OmitKey,
		FunctionKey:    zapcore.OmitKey,
		StacktraceKey:  zapcore.OmitKey,
		EncodeDuration: zapcore.MillisDurationEncoder,
	}
}

// New builds a Logger writing to w. The WriteSyncer is wrapped in a lock
// so concurrent emitters never interleave partial lines.
func New(w zapcore.WriteSyncer, nodeID string) *Logger {
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig()), zapcore.Lock(w), zapcore.InfoLevel)
	return &Logger{zl: zap.New(core).With(zap.String("node_id", nodeID))}
}

// Open creates or appends to the JSONL file at path. The file is opened
// O_APPEND and written one full line at a time, so a tailing reader never
// observes a truncated event.
func Open(path, nodeID string) (*Logger, func() error, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, err
	}
	return New(f, nodeID), f.Close, nil
}

// NextSeq increments the operation sequence counter. Called exactly once
// per client-facing request, before that request's first event line.
func (l *Logger) NextSeq() int64 {
	return l.seq.Add(1)
}

func (l *Logger) Seq() int64 {
	return l.seq.Load()
}

// Emit appends one event line. The write reaches the file before Emit
// returns; there is no buffering layer between the encoder and the file.
func (l *Logger) Emit(event string, fields ...zap.Field) {
	base := make([]zap.Field, 0, len(fields)+2)
	base = append(base,
		zap.Int64("ts_ms", time.Now().UnixMilli()),
		zap.Int64("seq", l.seq.Load()),
	)
	l.zl.Info(event, append(base, fields...)...)
}
