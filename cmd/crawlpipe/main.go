package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/krtong/bikenode.com-sub003/cmd/crawlpipe/commands"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := commands.ExecuteContext(ctx)
	cancel()
	os.Exit(code)
}
