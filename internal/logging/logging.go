package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Setup configures zerolog for the process. Dev environments get a
// human-readable console writer, everything else logs JSON to stdout.
func Setup(env, level string) zerolog.Logger {
	var w io.Writer = os.Stdout
	if env == "dev" || env == "development" {
		w = zerolog.ConsoleWriter{Out: os.Stdout}
	}
	return New(w, level)
}

// New builds a logger writing to w at the given level.
func New(w io.Writer, level string) zerolog.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}

	logger := zerolog.New(w).With().Timestamp().Logger().Level(lvl)
	log.Logger = logger
	return logger
}
