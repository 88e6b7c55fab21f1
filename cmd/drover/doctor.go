package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/basket/drover/internal/config"
	"github.com/basket/drover/internal/doctor"
	otelPkg "github.com/basket/drover/internal/otel"
)

func runDoctorCommand(ctx context.Context, args []string) int {
	jsonOutput := false
	for _, arg := range args {
		if arg == "-json" || arg == "--json" {
			jsonOutput = true
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		// Keep going; the checks report what they can.
	}

	diag := doctor.Run(ctx, &cfg, otelPkg.Version)

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(diag); err != nil {
			fmt.Fprintf(os.Stderr, "encode: %v\n", err)
			return 1
		}
		return 0
	}

	fmt.Printf("drover doctor (%s)\n", diag.Timestamp.Format(time.RFC3339))
	fmt.Printf("system: %s/%s %s, drover %s\n", diag.System.OS, diag.System.Arch, diag.System.Go, diag.System.Version)
	fmt.Println("---")

	failCount := 0
	for _, res := range diag.Results {
		if res.Status == "FAIL" {
			failCount++
		}
		fmt.Printf("%-4s  %-14s  %s\n", res.Status, res.Name, res.Message)
		if res.Detail != "" {
			fmt.Printf("      %s\n", res.Detail)
		}
	}

	if failCount > 0 {
		return 1
	}
	return 0
}
