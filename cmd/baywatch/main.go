// Copyright (c) 2023 Mikołaj Kuranowski
// SPDX-License-Identifier: MIT

// Command baywatch tracks which bus stands in which bay of a bus station,
// and pushes a notification whenever a bus arrives or moves.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd := &cobra.Command{
		Use:   "baywatch",
		Short: "Bus bay tracker",
		Long: `baywatch polls the live departures page of a bus station, remembers
which bus stands in which bay, and sends push notifications about arrivals
and bay changes.

All settings come from environment variables, optionally backed by a YAML
file pointed to by CONFIG_PATH.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(pollCmd())
	rootCmd.AddCommand(resetCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}
