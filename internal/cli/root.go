// Syncward - Offline-First Operation Sync Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/syncward

// Package cli implements syncctl, the operator tool for a stopped daemon's
// queue store.
package cli

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"github.com/tomtom215/syncward/internal/config"
	"github.com/tomtom215/syncward/internal/logging"
	"github.com/tomtom215/syncward/internal/queue"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath   string
	StorePath    string
	Format       string // "json" | "text"
	ShowPayloads bool
	Verbose      bool
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for syncctl.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "syncctl",
		Short: "Inspect and repair a syncward queue store",
		Long: `syncctl operates directly on the queue store of a stopped syncd.

The store path comes from --store, or from store.path in the syncd
configuration. The store is locked while syncd runs, so commands fail
fast instead of racing the engine.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return NewExitError(ExitCommandError,
					fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			level := "warn"
			if opts.Verbose {
				level = "debug"
			}
			logging.Init(logging.Config{
				Level:          level,
				Format:         "console",
				Output:         cmd.ErrOrStderr(),
				RedactPayloads: !opts.ShowPayloads,
			})
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "syncd config file (default $"+config.ConfigPathEnvVar+" or the standard paths)")
	cmd.PersistentFlags().StringVar(&opts.StorePath, "store", "", "queue store directory (overrides store.path)")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().BoolVar(&opts.ShowPayloads, "show-payloads", false, "print payload values instead of redacting them")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")

	cmd.AddCommand(NewPendingCommand(opts))
	cmd.AddCommand(NewFailedCommand(opts))
	cmd.AddCommand(NewRequeueCommand(opts))
	cmd.AddCommand(NewPurgeCommand(opts))
	cmd.AddCommand(NewRebuildIndexCommand(opts))
	cmd.AddCommand(NewLockCommand(opts))
	cmd.AddCommand(NewDrainCommand(opts))

	return cmd
}

// storePath resolves the store directory. An explicit --store wins and
// skips configuration loading entirely.
func (o *RootOptions) storePath() (string, error) {
	if o.StorePath != "" {
		return o.StorePath, nil
	}
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return "", WrapExitError(ExitCommandError, "failed to load configuration", err)
	}
	return cfg.Store.Path, nil
}

// openStore opens the queue store for a single command.
func (o *RootOptions) openStore() (*queue.BadgerStore, error) {
	path, err := o.storePath()
	if err != nil {
		return nil, err
	}
	st, err := queue.Open(queue.DefaultOptions(path))
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open queue store (is syncd still running?)", err)
	}
	return st, nil
}

func (o *RootOptions) printer(cmd *cobra.Command) *Printer {
	return &Printer{Format: o.Format, Writer: cmd.OutOrStdout()}
}
