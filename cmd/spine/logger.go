package main

import (
	"log/slog"
	"os"

	"golang.org/x/term"

	"github.com/danielpatrickdp/spine-driver/internal/config"
)

// newLogger writes text records to a terminal and JSON records otherwise.
func newLogger(verbosity string) (*slog.Logger, error) {
	level, critical, err := config.ParseVerbosity(verbosity)
	if err != nil {
		return nil, err
	}
	var handler slog.Handler
	options := &slog.HandlerOptions{Level: level}
	if term.IsTerminal(int(os.Stderr.Fd())) {
		handler = slog.NewTextHandler(os.Stderr, options)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, options)
	}
	logger := slog.New(handler)
	if critical {
		logger = logger.With("critical", true)
	}
	return logger, nil
}
