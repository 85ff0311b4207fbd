package logging

import (
	"os"

	"github.com/rs/zerolog"
)

// Config controls the process-wide logger output.
type Config struct {
	Level     zerolog.Level
	Timestamp bool
	NoColor   bool
}

// DefaultConfig returns runtime logger defaults before profile/env overrides.
func DefaultConfig() Config {
	return Config{
		Level:     zerolog.InfoLevel,
		Timestamp: true,
	}
}

var logger = zerolog.Nop()

func apply(cfg Config) {
	writer := zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: "15:04:05",
		NoColor:    cfg.NoColor,
	}
	ctx := zerolog.New(writer).Level(cfg.Level).With()
	if cfg.Timestamp {
		ctx = ctx.Timestamp()
	}
	logger = ctx.Logger()
}

func Tracef(format string, args ...any) {
	logger.Trace().Msgf(format, args...)
}

func Debugf(format string, args ...any) {
	logger.Debug().Msgf(format, args...)
}

func Infof(format string, args ...any) {
	logger.Info().Msgf(format, args...)
}

func Warnf(format string, args ...any) {
	logger.Warn().Msgf(format, args...)
}

func Errorf(format string, args ...any) {
	logger.Error().Msgf(format, args...)
}
