package log

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
)

type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

var (
	logger     atomic.Pointer[slog.Logger]
	loggerOnce sync.Once
	minLevel   = new(slog.LevelVar)
)

// initLogger initializes the global logger to write to stderr as key=value text.
func initLogger() {
	loggerOnce.Do(func() {
		minLevel.Set(slog.LevelInfo)
		logger.Store(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: minLevel})))
	})
}

// ParseLevel maps a config string ("debug", "info", ...) to a Level.
// Unknown values fall back to INFO.
func ParseLevel(s string) Level {
	switch Level(strings.ToUpper(strings.TrimSpace(s))) {
	case LevelDebug:
		return LevelDebug
	case LevelWarn, "WARNING":
		return LevelWarn
	case LevelError:
		return LevelError
	default:
		return LevelInfo
	}
}

func SetLevel(l Level) {
	initLogger()
	minLevel.Set(toSlog(l))
}

// SetOutput replaces the destination handler. Tests use it to capture lines.
// Safe to call while other goroutines are logging.
func SetOutput(h slog.Handler) {
	initLogger()
	logger.Store(slog.New(h))
}

func Debug(msg string, kv ...any) {
	logWithLevel(LevelDebug, msg, kv...)
}

func Info(msg string, kv ...any) {
	logWithLevel(LevelInfo, msg, kv...)
}

func Warn(msg string, kv ...any) {
	logWithLevel(LevelWarn, msg, kv...)
}

func Error(msg string, err error, kv ...any) {
	// Prepend error into key-value list.
	extended := append([]any{"err", err}, kv...)
	logWithLevel(LevelError, msg, extended...)
}

func logWithLevel(level Level, msg string, kv ...any) {
	initLogger()
	lvl := toSlog(level)
	l := logger.Load()
	if !l.Enabled(context.Background(), lvl) {
		return
	}
	l.Log(context.Background(), lvl, msg, pairs(kv)...)
}

func toSlog(l Level) slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// pairs drops non-string keys and a trailing odd value so a sloppy call site
// never produces a !BADKEY attribute.
func pairs(kv []any) []any {
	out := make([]any, 0, len(kv))
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		val := kv[i+1]
		if err, isErr := val.(error); isErr && err != nil {
			val = err.Error()
		}
		out = append(out, key, val)
	}
	return out
}
