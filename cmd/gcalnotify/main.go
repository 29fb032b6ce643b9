package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/mashiike/gcalnotify"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)
	defer cancel()
	var cli gcalnotify.CLI
	os.Exit(cli.Run(ctx))
}
