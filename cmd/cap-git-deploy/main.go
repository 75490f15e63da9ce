package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/marc/cap-git-deploy/internal/deploy"
)

const (
	exitOK           = 0
	exitFailure      = 1
	exitNoCheckpoint = 3
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := newRootCmd().ExecuteContext(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cap-git-deploy: %v\n", err)
	}
	stop()
	os.Exit(exitCode(err))
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, deploy.ErrCheckpointNotFound):
		return exitNoCheckpoint
	default:
		return exitFailure
	}
}
