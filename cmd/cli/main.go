package cli

import (
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/netopshq/dnsfwd"
)

// Globals shared across commands; they persist for the process lifetime.
var (
	v          = viper.New()
	configPath string
	verbose    int
	silent     bool
	cfg        dnsfwd.Config

	mainLog atomic.Pointer[zerolog.Logger]
)

// logf adapts mainLog to the printf-style logger some dependencies want.
var logf = func(format string, args ...any) {
	mainLog.Load().Debug().Msgf(format, args...)
}

func init() {
	l := zerolog.New(io.Discard)
	mainLog.Store(&l)
}

// Main is the entry point for the CLI application.
func Main() {
	dnsfwd.InitConfig(v, "dnsfwd")
	rootCmd := initCLI()
	if err := rootCmd.Execute(); err != nil {
		mainLog.Load().Error().Msg(err.Error())
		os.Exit(1)
	}
}

// initConsoleLogging sets up human-readable logging output for interactive use.
func initConsoleLogging() {
	level := zerolog.InfoLevel
	switch {
	case silent:
		level = zerolog.Disabled
	case verbose == 1:
		level = zerolog.DebugLevel
	case verbose > 1:
		level = zerolog.TraceLevel
	}
	writer := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.TimeOnly}
	l := zerolog.New(writer).Level(level).With().Timestamp().Logger()
	mainLog.Store(&l)
	dnsfwd.Logger.Store(&l)
}

// initLogging extends console logging with the configured log file. Used by
// the supervisor daemon, whose output must survive the terminal.
func initLogging() {
	writers := []io.Writer{}
	if !silent {
		writers = append(writers, zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.TimeOnly})
	}
	if logPath := cfg.Service.LogPath; logPath != "" {
		if err := os.MkdirAll(filepath.Dir(logPath), 0750); err != nil {
			mainLog.Load().Warn().Err(err).Msg("could not create log directory")
		} else if f, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0640); err != nil {
			mainLog.Load().Warn().Err(err).Msg("could not open log file")
		} else {
			writers = append(writers, f)
		}
	}
	level := zerolog.InfoLevel
	if cfg.Service.LogLevel != "" {
		if lvl, err := zerolog.ParseLevel(cfg.Service.LogLevel); err == nil {
			level = lvl
		}
	}
	if verbose > 0 {
		level = zerolog.DebugLevel
	}
	l := zerolog.New(zerolog.MultiLevelWriter(toLevelWriters(writers)...)).Level(level).With().Timestamp().Logger()
	mainLog.Store(&l)
	dnsfwd.Logger.Store(&l)
}

func toLevelWriters(writers []io.Writer) []io.Writer {
	if len(writers) == 0 {
		return []io.Writer{io.Discard}
	}
	return writers
}
