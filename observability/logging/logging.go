package logging

import (
	"io"
	"log"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

type options struct {
	out   io.Writer
	level slog.Level
	file  *lumberjack.Logger
}

// Option customises Setup.
type Option func(*options)

// WithFile additionally writes logs to a size-rotated file.
func WithFile(path string, maxSizeMB, maxBackups int) Option {
	return func(o *options) {
		if strings.TrimSpace(path) == "" {
			return
		}
		o.file = &lumberjack.Logger{
			Filename:   path,
			MaxSize:    maxSizeMB,
			MaxBackups: maxBackups,
			Compress:   true,
		}
	}
}

// WithWriter replaces stdout as the primary destination.
func WithWriter(w io.Writer) Option {
	return func(o *options) { o.out = w }
}

// WithLevel sets the minimum level.
func WithLevel(level slog.Level) Option {
	return func(o *options) { o.level = level }
}

// ParseLevel maps debug/info/warn/error to a slog level, defaulting to info.
func ParseLevel(value string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Setup builds the JSON logger for a songcoin process and installs it as
// the slog default. Every line carries the service and, when set, the
// environment. The std log package is routed through the same handler. The
// returned closer flushes the rotated log file, if any.
func Setup(service, env string, opts ...Option) (*slog.Logger, io.Closer) {
	cfg := options{out: os.Stdout, level: slog.LevelInfo}
	for _, opt := range opts {
		opt(&cfg)
	}
	out := cfg.out
	var closer io.Closer = nopCloser{}
	if cfg.file != nil {
		out = io.MultiWriter(cfg.out, cfg.file)
		closer = cfg.file
	}

	attrs := []slog.Attr{slog.String("service", strings.TrimSpace(service))}
	if env = strings.TrimSpace(env); env != "" {
		attrs = append(attrs, slog.String("env", env))
	}
	handler := slog.NewJSONHandler(out, &slog.HandlerOptions{
		Level:       cfg.level,
		ReplaceAttr: renameAttr,
	}).WithAttrs(attrs)

	logger := slog.New(handler)
	slog.SetDefault(logger)

	bridge := slog.NewLogLogger(handler, slog.LevelInfo)
	log.SetOutput(bridge.Writer())
	log.SetFlags(0)
	log.SetPrefix("")

	return logger, closer
}

// renameAttr maps the slog built-ins onto the field names our log pipeline
// indexes and masks secrets.
func renameAttr(groups []string, attr slog.Attr) slog.Attr {
	if len(groups) > 0 {
		return maskSecret(attr)
	}
	switch attr.Key {
	case slog.TimeKey:
		attr.Key = "timestamp"
	case slog.LevelKey:
		return slog.String("severity", strings.ToUpper(attr.Value.String()))
	case slog.MessageKey:
		attr.Key = "message"
	default:
		return maskSecret(attr)
	}
	return attr
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
