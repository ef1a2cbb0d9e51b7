package main

import (
	"context"
	"log"
	"os"

	"github.com/ioustamora/datamesh/cmd"
	"github.com/mattn/go-colorable"
	"github.com/rs/zerolog"
	"golang.org/x/term"
)

func main() {
	os.Exit(realMain())
}

func realMain() int {
	// The root command rebuilds the logger from --log-level; this one
	// only covers flag parsing itself.
	var logger zerolog.Logger
	if term.IsTerminal(int(os.Stdout.Fd())) {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: colorable.NewColorableStdout()})
	} else {
		logger = zerolog.New(os.Stdout)
	}

	ctx := logger.WithContext(context.Background())

	if err := cmd.New().Run(ctx, os.Args); err != nil {
		log.Printf("error running the application: %s", err)

		return 1
	}

	return 0
}
