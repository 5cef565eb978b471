// Package logging builds the process-wide root zerolog.Logger: a
// console-pretty writer for local development or a bare JSON writer for
// production, selected by the loaded FusionConfig's log.format. Every
// subsystem derives its own child logger from the root via
// .With().Str("component", ...).Logger(), never constructing a fresh
// zerolog.Logger of its own.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// New builds the root logger. format is "console" for a human-readable,
// colourised writer (development) or anything else (including "json" or
// empty) for newline-delimited JSON (production). level is parsed via
// zerolog.ParseLevel; an unrecognised or empty level defaults to Info.
func New(level, format string) zerolog.Logger {
	var w io.Writer = os.Stderr
	if strings.EqualFold(format, "console") {
		w = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}

	parsed, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || parsed == zerolog.NoLevel {
		parsed = zerolog.InfoLevel
	}

	return zerolog.New(w).Level(parsed).With().Timestamp().Logger()
}
