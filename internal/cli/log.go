package cli

import (
	"fmt"
	"io"
	"log/slog"

	slogctx "github.com/veqryn/slog-context"

	"github.com/rjsadow/mortis/internal/config"
)

// newLogger builds the process logger. Attributes attached to a context
// with slogctx are added to every record logged with that context.
func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	lvl, err := config.ParseLogLevel(level)
	if err != nil {
		return nil, err
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	case "", "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		return nil, fmt.Errorf("invalid log format: %s", format)
	}

	return slog.New(slogctx.NewHandler(handler, nil)), nil
}
