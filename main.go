package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/thepwagner/appcenter/pkg/server"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := server.Run(ctx); err != nil {
		panic(err)
	}
}
