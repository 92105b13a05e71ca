// Syncward - Offline-First Operation Sync Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/syncward

// Command syncctl inspects and repairs the queue store of a stopped syncd.
package main

import (
	"os"

	"github.com/tomtom215/syncward/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.Execute(); err != nil {
		format, _ := cmd.PersistentFlags().GetString("format")
		cli.PrintError(os.Stderr, format, err)
		os.Exit(cli.GetExitCode(err))
	}
}
