// Package logging builds the slog handler shared by the binaries.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

// ParseLevel converts a -log-level flag value.
func ParseLevel(s string) (slog.Level, error) {
	switch s {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level: %q", s)
	}
}

// New returns a tint logger writing to stderr at level ll.
func New(ll *slog.LevelVar) *slog.Logger {
	return NewWithWriter(colorable.NewColorable(os.Stderr), ll, !isatty.IsTerminal(os.Stderr.Fd()))
}

// NewWithWriter returns a tint logger writing to w.
func NewWithWriter(w io.Writer, ll *slog.LevelVar, noColor bool) *slog.Logger {
	// Skip timestamps when running under systemd (it adds its own).
	underSystemd := os.Getenv("JOURNAL_STREAM") != ""
	return slog.New(tint.NewHandler(w, &tint.Options{
		Level:      ll,
		TimeFormat: "15:04:05.000", // Like time.TimeOnly plus milliseconds.
		NoColor:    noColor,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey && len(groups) == 0 {
				if underSystemd {
					return slog.Attr{}
				}
				return a
			}
			if skipAttr(a.Value.Any()) {
				return slog.Attr{}
			}
			return a
		},
	}))
}

// skipAttr reports whether an attribute carries a zero value not worth
// logging.
func skipAttr(v any) bool {
	switch t := v.(type) {
	case string:
		return t == ""
	case bool:
		return !t
	case time.Time:
		return t.IsZero()
	case time.Duration:
		return t == 0
	case nil:
		return true
	}
	return false
}
