package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"telechat/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cli.Execute(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "telechat: %v\n", err)
		stop()
		os.Exit(1)
	}
}
