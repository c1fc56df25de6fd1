package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/habedi/tokenkeeper/cmd"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// main sets up logging from DEBUG_TOKENKEEPER, stops the CLI gracefully on interrupt and runs it.
func main() {
	configureLogLevelFromEnv()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stopChan := setupInterruptListener()
	go handleInterrupt(stopChan, cancel, func(msg string) { log.Warn().Msg(msg) }, os.Exit)

	cmd.Execute(ctx)
}

// configureLogLevelFromEnv enables debug logging when DEBUG_TOKENKEEPER is set to
// anything but an empty, "0" or "false" value. Otherwise logging is disabled.
func configureLogLevelFromEnv() {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("DEBUG_TOKENKEEPER"))) {
	case "", "0", "false":
		zerolog.SetGlobalLevel(zerolog.Disabled)
	default:
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

func setupInterruptListener() chan os.Signal {
	stopChan := make(chan os.Signal, 1)
	signal.Notify(stopChan, os.Interrupt, syscall.SIGTERM)
	return stopChan
}

// handleInterrupt cancels the command on the first signal so that refreshes in flight
// can be stored. A second signal exits immediately with status 1.
func handleInterrupt(stopChan chan os.Signal, cancel context.CancelFunc, logf func(string), exit func(int)) {
	<-stopChan
	logf("Interrupt signal received. Finishing in-flight refreshes...")
	cancel()
	<-stopChan
	logf("Second interrupt signal received. Exiting...")
	exit(1)
}
