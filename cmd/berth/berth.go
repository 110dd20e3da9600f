package main

import (
	"errors"
	"log/slog"
	"os"

	"github.com/charmbracelet/log"
	"github.com/cruciblehq/berth/internal"
	"github.com/cruciblehq/berth/internal/cli"
)

// The entry point for berth.
//
// Initializes logging, displays startup information, and executes the root
// command. Exits with the code carried by the error when it has one, and 1
// for any other error.
func main() {
	slog.SetDefault(logger())

	slog.Debug("build", "version", internal.VersionString())

	slog.Debug("berth is running",
		"pid", os.Getpid(),
		"cwd", cwd(),
		"args", os.Args,
	)

	if err := cli.Execute(); err != nil {
		var exit *cli.ExitError
		if errors.As(err, &exit) {
			if exit.Err != nil {
				slog.Error(exit.Err.Error())
			}
			os.Exit(exit.Code)
		}
		slog.Error(err.Error())
		os.Exit(1)
	}
}

// Creates a logger on stderr seeded from build-time linker flags.
//
// The logger is reconfigured after flag parsing via cli.Execute.
func logger() *slog.Logger {
	handler := log.NewWithOptions(os.Stderr, log.Options{
		Prefix: internal.Name,
		Level:  log.Level(internal.Level()),
	})
	return slog.New(handler)
}

// Returns the current working directory or "(unknown)".
func cwd() string {
	cwd, err := os.Getwd()
	if err != nil {
		return "(unknown)"
	}
	return cwd
}
