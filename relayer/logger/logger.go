package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New creates the process logger writing to stdout.
// Supports console/json format, level filtering, and optional sampling:
// format "json" writes structured lines, anything else a human console view.
func New(logLevel int, logFormat string, logSampler bool) zerolog.Logger {
	return NewWithWriter(os.Stdout, logLevel, logFormat, logSampler)
}

// NewWithWriter is New with an explicit output. Every line carries
// service=relayer and a timestamp.
func NewWithWriter(out io.Writer, logLevel int, logFormat string, logSampler bool) zerolog.Logger {
	writer := out
	if logFormat != "json" {
		writer = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.RFC3339,
		}
	}

	logger := zerolog.New(writer).
		Level(zerolog.Level(logLevel)).
		With().
		Timestamp().
		Str("service", "relayer").
		Logger()

	// keep one line in five when sampling is on
	if logSampler {
		logger = logger.Sample(&zerolog.BasicSampler{N: 5})
	}
	return logger
}

// ForChain returns a child logger tagged with the component and chain.
// Per-chain workers such as watchers and queues log through it.
func ForChain(base zerolog.Logger, component, chain string) zerolog.Logger {
	return base.With().Str("component", component).Str("chain", chain).Logger()
}
