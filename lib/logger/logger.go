// Package logger adapts sirupsen/logrus to a context-scoped handle, the
// way teleport-plugins/utils/logger.go does it: a logger is attached to a
// context with WithFields and retrieved with Get, falling back to the
// standard logger when the context carries none.
package logger

import (
	"context"
	"os"
	"strings"

	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"
)

// Config is the TOML-serializable logger configuration.
type Config struct {
	Output   string `toml:"output"`
	Severity string `toml:"severity"`
}

type loggerKey struct{}

// Init sets up the logger for early startup, before the config file has
// been parsed.
func Init() {
	log.SetFormatter(&trace.TextFormatter{
		DisableTimestamp: true,
		EnableColors:     trace.IsTerminal(os.Stderr),
		ComponentPadding: 1,
	})
	log.SetOutput(os.Stderr)
}

// Setup applies the parsed configuration to the standard logger.
func Setup(conf Config) error {
	switch conf.Output {
	case "", "stderr", "err", "2":
		log.SetOutput(os.Stderr)
	case "stdout", "out", "1":
		log.SetOutput(os.Stdout)
	default:
		f, err := os.OpenFile(conf.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return trace.Wrap(err, "failed to open log file")
		}
		log.SetOutput(f)
	}

	switch strings.ToLower(conf.Severity) {
	case "", "info":
		log.SetLevel(log.InfoLevel)
	case "err", "error":
		log.SetLevel(log.ErrorLevel)
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "warn", "warning":
		log.SetLevel(log.WarnLevel)
	default:
		return trace.BadParameter("unsupported logger severity: %q", conf.Severity)
	}
	return nil
}

// With attaches a logger to ctx.
func With(ctx context.Context, entry *log.Entry) context.Context {
	return context.WithValue(ctx, loggerKey{}, entry)
}

// WithField attaches a field-scoped child logger to ctx.
func WithField(ctx context.Context, key string, value interface{}) (context.Context, *log.Entry) {
	entry := Get(ctx).WithField(key, value)
	return With(ctx, entry), entry
}

// WithFields attaches a multi-field child logger to ctx.
func WithFields(ctx context.Context, fields log.Fields) (context.Context, *log.Entry) {
	entry := Get(ctx).WithFields(fields)
	return With(ctx, entry), entry
}

// Get returns the context's logger, or the standard logger if none was
// attached.
func Get(ctx context.Context) *log.Entry {
	if entry, ok := ctx.Value(loggerKey{}).(*log.Entry); ok && entry != nil {
		return entry
	}
	return log.NewEntry(log.StandardLogger())
}
