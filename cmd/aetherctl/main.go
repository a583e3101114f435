// Command aetherctl is the terminal client for the Aetherra daemon.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"Aetherra-Core/cmd/aetherctl/cmd"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cmd.NewRootCmd().ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}
