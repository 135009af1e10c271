package scoutsync

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	slogmulti "github.com/samber/slog-multi"
)

// NewLogger builds the process logger from the logging section. When a log
// file is configured, records go to both stderr and the file; the returned
// closer releases the file.
func NewLogger(cfg Config) (*slog.Logger, io.Closer, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Logging.Level)); err != nil {
		return nil, nil, fmt.Errorf("logging.level: %w", err)
	}
	opts := &slog.HandlerOptions{Level: level}

	newHandler := func(w io.Writer) (slog.Handler, error) {
		switch strings.ToLower(cfg.Logging.Format) {
		case "", "text":
			return slog.NewTextHandler(w, opts), nil
		case "json":
			return slog.NewJSONHandler(w, opts), nil
		}
		return nil, fmt.Errorf("logging.format: unknown format %q", cfg.Logging.Format)
	}

	stderr, err := newHandler(os.Stderr)
	if err != nil {
		return nil, nil, err
	}
	if cfg.Logging.File == "" {
		return slog.New(stderr), nopCloser{}, nil
	}

	f, err := os.OpenFile(cfg.Logging.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("logging.file: %w", err)
	}
	file, err := newHandler(f)
	if err != nil {
		_ = f.Close()
		return nil, nil, err
	}
	return slog.New(slogmulti.Fanout(stderr, file)), f, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
