package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/basket/drover/internal/account"
	"github.com/basket/drover/internal/config"
	"github.com/basket/drover/internal/importer"
)

func runImportCommand(_ context.Context, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: drover import <accounts.json>")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}

	// The report below is the output; component logs would just repeat it.
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := account.NewStore(cfg.AccountsDir(), cfg.EncryptionPassphrase, quiet)

	res, err := importer.New(store, quiet).Run(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "import: %v\n", err)
		return 1
	}

	fmt.Printf("imported %d account(s)\n", res.Imported)
	for _, s := range res.Skipped {
		fmt.Fprintf(os.Stderr, "skipped %s: %s\n", s.Name, s.Reason)
	}
	if res.Imported == 0 && len(res.Skipped) > 0 {
		return 1
	}
	return 0
}
