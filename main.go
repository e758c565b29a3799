package main

import (
	"context"
	"io"
	"os"

	"github.com/charmbracelet/fang"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/raine/smc-predict/internal/cli"
	"github.com/raine/smc-predict/internal/config"
)

const (
	version     = "0.1.0"
	logFileName = "smc-predict.log"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	config.LoadEnvFile()

	closeLog := setupLogging()
	defer closeLog()

	err := fang.Execute(
		context.Background(),
		cli.NewRootCmd(),
		fang.WithVersion(version),
		fang.WithNotifySignal(os.Interrupt),
	)
	if err != nil {
		closeLog()
		os.Exit(1)
	}
}

// setupLogging logs to stderr and, outside systemd, also to a file in the
// config directory. JOURNAL_STREAM is set by systemd when running as a
// service, where journald already keeps the output.
func setupLogging() func() {
	consoleWriter := zerolog.ConsoleWriter{Out: os.Stderr}

	if _, underSystemd := os.LookupEnv("JOURNAL_STREAM"); underSystemd {
		log.Logger = log.Output(consoleWriter)
		return func() {}
	}

	if err := config.EnsureDir(); err != nil {
		log.Logger = log.Output(consoleWriter)
		log.Warn().Err(err).Msg("failed to create config dir, logging to stderr only")
		return func() {}
	}

	path := config.Path(logFileName)
	logFile, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		log.Logger = log.Output(consoleWriter)
		log.Warn().Err(err).Str("logFile", path).Msg("failed to open log file")
		return func() {}
	}

	fileWriter := zerolog.ConsoleWriter{Out: logFile, NoColor: true}
	log.Logger = log.Output(io.MultiWriter(consoleWriter, fileWriter))
	log.Debug().Str("logFile", path).Msg("logging to file")

	return func() { logFile.Close() }
}
