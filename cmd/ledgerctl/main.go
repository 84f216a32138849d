package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/JonMunkholm/partyledger/internal/cli"
	"github.com/JonMunkholm/partyledger/internal/ledger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	err := cli.NewRootCommand(os.Stdout, os.Stderr).ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if m := ledger.MapError(err); m.Code != "ERR000" && m.Action != "" {
			fmt.Fprintf(os.Stderr, "Hint: %s\n", m.Action)
		}
		os.Exit(1)
	}
}
