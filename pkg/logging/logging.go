package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync/atomic"
)

type Fields struct {
	Service        string
	OrderID        string
	SessionID      string
	IdempotencyKey string
	Step           string
	Status         string
	DurationMS     int64
	Message        string
	Err            error
}

var logger atomic.Pointer[slog.Logger]

func init() {
	SetOutput(os.Stderr)
}

// SetOutput redirects every subsequent log line to w.
func SetOutput(w io.Writer) {
	logger.Store(slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug})))
}

func Log(fields Fields) {
	write(slog.LevelInfo, fields)
}

func Warn(fields Fields) {
	write(slog.LevelWarn, fields)
}

func Error(fields Fields) {
	write(slog.LevelError, fields)
}

func write(level slog.Level, fields Fields) {
	attrs := make([]slog.Attr, 0, 9)
	add := func(key, value string) {
		if value != "" {
			attrs = append(attrs, slog.String(key, value))
		}
	}
	add("service", fields.Service)
	add("order_id", fields.OrderID)
	add("session_id", fields.SessionID)
	add("idempotency_key", fields.IdempotencyKey)
	add("step", fields.Step)
	add("status", fields.Status)
	if fields.DurationMS > 0 {
		attrs = append(attrs, slog.Int64("duration_ms", fields.DurationMS))
	}
	if fields.Err != nil {
		attrs = append(attrs, slog.String("error", fields.Err.Error()))
	}
	msg := fields.Message
	if msg == "" {
		msg = fields.Step
	}
	logger.Load().LogAttrs(context.Background(), level, msg, attrs...)
}
