package daemon

import (
	"io"
	"log/slog"
	"os"
)

// NewLogger builds the process logger. json selects the JSON handler,
// otherwise lines are logfmt-style text. A nil w means stderr.
func NewLogger(w io.Writer, level string, json bool) (*slog.Logger, error) {
	lvl, err := parseLevel(level)
	if err != nil {
		return nil, err
	}
	if w == nil {
		w = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if json {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}
