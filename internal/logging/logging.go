// Package logging sets up structured logging for both binaries
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// DefaultBufferSize is how many entries the log tail keeps
const DefaultBufferSize = 1000

// ParseLevel parses debug, info, warn or error. Empty means info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// NewHandler returns a text or JSON handler writing to w
func NewHandler(level, format string, w io.Writer) (slog.Handler, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: lvl}

	switch strings.ToLower(format) {
	case "", "text":
		return slog.NewTextHandler(w, opts), nil
	case "json":
		return slog.NewJSONHandler(w, opts), nil
	}
	return nil, fmt.Errorf("unknown log format %q", format)
}

// Setup builds a logger writing to w that also keeps the most recent
// entries in the returned buffer
func Setup(level, format string, w io.Writer) (*slog.Logger, *RingBuffer, error) {
	h, err := NewHandler(level, format, w)
	if err != nil {
		return nil, nil, err
	}
	buffer := NewRingBuffer(DefaultBufferSize)
	return slog.New(NewStreamHandler(buffer, h)), buffer, nil
}
