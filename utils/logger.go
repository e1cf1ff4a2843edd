package utils

import (
	"context"
	"log/slog"
	"os"
	"sync"

	"github.com/mdobak/go-xerrors"
)

var (
	loggerOnce sync.Once
	logger     *slog.Logger
)

type stackFrame struct {
	Func   string `json:"func"`
	Source string `json:"source"`
	Line   int    `json:"line"`
}

// GetLogger returns the shared structured logger. Errors logged through
// slog.Any("error", err) are expanded with their xerrors stack trace when one
// is attached.
func GetLogger() *slog.Logger {
	loggerOnce.Do(func() {
		level := slog.LevelInfo
		if GetEnv("LOG_LEVEL", "info") == "debug" {
			level = slog.LevelDebug
		}
		handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level:       level,
			ReplaceAttr: replaceAttr,
		})
		logger = slog.New(handler)
	})
	return logger
}

func replaceAttr(_ []string, attr slog.Attr) slog.Attr {
	switch attr.Value.Kind() {
	case slog.KindAny:
		if err, ok := attr.Value.Any().(error); ok {
			attr.Value = formatError(err)
		}
	}
	return attr
}

func formatError(err error) slog.Value {
	attrs := []slog.Attr{slog.String("msg", err.Error())}

	trace := xerrors.StackTrace(err)
	if len(trace) > 0 {
		frames := trace.Frames()
		formatted := make([]stackFrame, 0, len(frames))
		for _, frame := range frames {
			formatted = append(formatted, stackFrame{
				Func:   frame.Function,
				Source: frame.File,
				Line:   frame.Line,
			})
		}
		attrs = append(attrs, slog.Any("trace", formatted))
	}

	return slog.GroupValue(attrs...)
}

// LogError is a convenience wrapper for the common error-logging pattern.
func LogError(ctx context.Context, msg string, err error) {
	GetLogger().ErrorContext(ctx, msg, slog.Any("error", xerrors.New(err)))
}
