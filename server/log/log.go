package log

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/gammadia/cumulus/server/flags"
	"github.com/spf13/viper"
)

// Kept in its own package so that editors never confuse it with the standard log package

// Base carries the controller instance and nothing else
var Base *slog.Logger

// Level is shared by every logger derived from Base, it can be changed at runtime
var Level = new(slog.LevelVar)

// logger is the daemon logger, used for startup and shutdown
var logger *slog.Logger

func Init() error {
	if err := Level.UnmarshalText([]byte(viper.GetString(flags.LogLevel))); err != nil {
		return fmt.Errorf("failed to parse log level: %w", err)
	}

	handler, err := newHandler(viper.GetString(flags.LogFormat), os.Stdout, &slog.HandlerOptions{
		AddSource: viper.GetBool(flags.LogSource),
		Level:     Level,
	})
	if err != nil {
		return err
	}

	Base = slog.New(handler).With("instance", viper.GetString(flags.Instance))
	logger = For("daemon")
	return nil
}

func newHandler(format string, w io.Writer, options *slog.HandlerOptions) (slog.Handler, error) {
	switch format {
	case "json":
		return slog.NewJSONHandler(w, options), nil
	case "text":
		return slog.NewTextHandler(w, options), nil
	default:
		return nil, fmt.Errorf("unknown log format '%s'", format)
	}
}

// For returns the logger of a controller component.
func For(component string) *slog.Logger {
	return Base.With("component", component)
}

// Proxies for the daemon logger

func Debug(msg string, args ...any) {
	logger.Debug(msg, args...)
}

func Info(msg string, args ...any) {
	logger.Info(msg, args...)
}

func Warn(msg string, args ...any) {
	logger.Warn(msg, args...)
}

func Error(msg string, args ...any) {
	logger.Error(msg, args...)
}

// Fatal logs at error level and exits. Deferred calls do not run.
func Fatal(msg string, args ...any) {
	logger.Error(msg, args...)
	os.Exit(1)
}
