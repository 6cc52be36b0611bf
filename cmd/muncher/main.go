package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/atgraph/muncher/cmd/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	os.Exit(cli.ExecuteContext(ctx))
}
