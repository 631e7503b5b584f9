package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ccheshirecat/wasmharness/internal/cli/standard"
	"github.com/ccheshirecat/wasmharness/internal/harness/errdefs"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)

	err := standard.Execute(ctx)
	cancel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "wasmharness: %v\n", err)
		os.Exit(errdefs.ExitCode(err))
	}
}
