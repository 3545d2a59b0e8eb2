package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/flowline/flowline/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := cli.RootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		// Exit with error code 1 if command execution fails or a run does not complete
		os.Exit(1)
	}
}
