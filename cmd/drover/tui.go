package main

import (
	"context"
	"fmt"
	"os"

	"github.com/mattn/go-isatty"

	"github.com/basket/drover/internal/config"
	"github.com/basket/drover/internal/gateway"
	"github.com/basket/drover/internal/tui"
)

func runTuiCommand(ctx context.Context, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: drover tui")
		return 2
	}
	if !isatty.IsTerminal(os.Stdout.Fd()) && os.Getenv("DROVER_FORCE_TUI") == "" {
		fmt.Fprintln(os.Stderr, "tui needs a terminal (set DROVER_FORCE_TUI=1 to override)")
		return 1
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	token, err := gateway.LoadToken(cfg.HomeDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "auth token: %v\n", err)
		return 1
	}

	client := gateway.NewClient(cfg.BindAddr, token)
	if err := tui.Run(ctx, client); err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "tui: %v\n", err)
		return 1
	}
	return 0
}
