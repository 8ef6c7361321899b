package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

func New(w io.Writer, level zerolog.Level) zerolog.Logger {
	return zerolog.New(w).
		Level(level).
		With().
		Timestamp().
		Logger()
}

// NewConsole writes human readable lines to stderr; otherwise JSON lines.
func NewConsole(level zerolog.Level, console bool) zerolog.Logger {
	if console {
		return New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05.000"}, level)
	}
	return New(os.Stderr, level)
}

// ParseLevel accepts zerolog level names plus "warning". Unknown names map to
// info.
func ParseLevel(name string) zerolog.Level {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "warning" {
		name = "warn"
	}
	level, err := zerolog.ParseLevel(name)
	if err != nil || name == "" {
		return zerolog.InfoLevel
	}
	return level
}

func Component(log zerolog.Logger, name string) zerolog.Logger {
	return log.With().Str("component", name).Logger()
}
