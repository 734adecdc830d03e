// Package logging initializes the process-wide zerolog logger.
package logging

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/term"
)

// Config controls logger initialization.
type Config struct {
	Format    string // "json", "console", or "auto"
	Level     string // "debug", "info", "warn", "error"
	Component string // optional component name
}

var (
	mu         sync.Mutex
	baseWriter io.Writer = os.Stderr
)

// Init configures the global zerolog logger. Safe to call more than once;
// the last call wins.
func Init(cfg Config) {
	mu.Lock()
	defer mu.Unlock()

	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(parseLevel(cfg.Level))

	writer := baseWriter
	if useConsole(cfg.Format) {
		writer = zerolog.ConsoleWriter{Out: baseWriter, TimeFormat: "15:04:05"}
	}

	ctx := zerolog.New(writer).With().Timestamp()
	if cfg.Component != "" {
		ctx = ctx.Str("component", cfg.Component)
	}
	log.Logger = ctx.Logger()
}

// SetOutput overrides the log destination. Intended for tests.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	baseWriter = w
}

func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "info", "":
		return zerolog.InfoLevel
	default:
		return zerolog.InfoLevel
	}
}

func useConsole(format string) bool {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "console":
		return true
	case "json":
		return false
	default:
		// Auto: console when stderr is a terminal, JSON otherwise.
		return term.IsTerminal(int(os.Stderr.Fd()))
	}
}
