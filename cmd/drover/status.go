package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/basket/drover/internal/config"
	"github.com/basket/drover/internal/gateway"
)

func runStatusCommand(ctx context.Context, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: drover status")
		return 2
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

	reqCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	health, err := client.Health(reqCtx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "daemon unreachable at %s: %v\n", cfg.BindAddr, err)
		return 1
	}
	fmt.Printf("drover %s at %s\n", health.Version, cfg.BindAddr)
	fmt.Printf("healthy: %v  journal: %v  workers: %d\n", health.Healthy, health.JournalOK, health.Workers)

	snap, err := client.Status(reqCtx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		return 1
	}
	if len(snap.Workers) > 0 {
		fmt.Println("\nworkers:")
		for _, w := range snap.Workers {
			fmt.Printf("  %-16s [%s]  %s, %d actions\n", w.Account, w.Backend, w.State, w.Actions)
		}
	}
	if len(snap.Runs) > 0 {
		fmt.Println("\nrecent runs:")
		for _, r := range snap.Runs {
			line := fmt.Sprintf("  %-16s %s, %d actions", r.Account, r.State, r.Actions)
			if r.Error != "" {
				line += "  (" + r.Error + ")"
			}
			fmt.Println(line)
		}
	}

	if !health.Healthy {
		return 1
	}
	return 0
}
