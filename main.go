package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/ShoshinNikita/rpreview/cmd"
	"github.com/ShoshinNikita/rpreview/pkg/rlog"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)

	err := cmd.NewCLIApp().RunContext(ctx, os.Args)
	cancel()
	if err != nil {
		rlog.Error(err)
		os.Exit(1)
	}
}
