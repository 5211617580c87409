package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/basket/turngate/internal/config"
	"github.com/basket/turngate/internal/doctor"
)

func runDoctorCommand(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("doctor", flag.ContinueOnError)
	fs.SetOutput(stderr)
	jsonOutput := fs.Bool("json", false, "emit JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		// Keep going; the checks explain what is wrong.
		fmt.Fprintf(stderr, "config load: %v\n", err)
	}

	diag := doctor.Run(ctx, &cfg, Version)

	if *jsonOutput {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(diag); err != nil {
			fmt.Fprintf(stderr, "encode json: %v\n", err)
			return 1
		}
	} else {
		fmt.Fprintf(stdout, "turngate doctor (%s)\n", diag.Timestamp.Format(time.RFC3339))
		fmt.Fprintf(stdout, "System: %s/%s (%s) %s\n", diag.System.OS, diag.System.Arch, diag.System.Go, diag.System.Version)
		fmt.Fprintln(stdout, "---")
		for _, res := range diag.Results {
			fmt.Fprintf(stdout, "[%-4s] %-14s %s\n", res.Status, res.Name, res.Message)
			if res.Detail != "" {
				fmt.Fprintf(stdout, "       %s\n", res.Detail)
			}
		}
	}

	if diag.Failed() {
		return 1
	}
	return 0
}
