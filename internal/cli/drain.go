// Syncward - Offline-First Operation Sync Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/syncward

package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tomtom215/syncward/internal/app"
	"github.com/tomtom215/syncward/internal/config"
	"github.com/tomtom215/syncward/internal/logging"
)

// DrainResult reports a one-shot drain.
type DrainResult struct {
	Processed    int    `json:"processed"`
	Remaining    int    `json:"remaining"`
	BreakerState string `json:"breaker_state"`
	LockHolder   string `json:"lock_holder,omitempty"`
	LastOutcome  string `json:"last_outcome,omitempty"`
	LastError    string `json:"last_error,omitempty"`
}

// NewDrainCommand creates the drain command.
func NewDrainCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "drain",
		Short: "Dispatch every ready operation once, then exit",
		Long: `Run the sync engine in the foreground until no operation is ready,
the circuit breaker opens, or the processing lock is lost. Operations
waiting out a retry delay stay queued.

drain needs the full syncd configuration, including transport.base_url.
It exits with status 1 when operations remain pending.

Examples:
  syncctl drain --config /etc/syncward/syncward.yaml`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDrain(rootOpts, cmd)
		},
	}
}

func runDrain(opts *RootOptions, cmd *cobra.Command) (err error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load configuration", err)
	}
	if opts.StorePath != "" {
		cfg.Store.Path = opts.StorePath
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, app.Options{})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to initialize sync engine", err)
	}
	defer func() {
		if cerr := a.Close(); cerr != nil && err == nil {
			err = WrapExitError(ExitFailure, "release resources", cerr)
		}
	}()

	var res DrainResult
	res.Processed, err = a.Engine.Drain(ctx)
	// the outcome of the last dispatch is durable by now
	if rerr := a.Lock.Release(context.WithoutCancel(ctx)); rerr != nil {
		logging.Warn().Err(rerr).Msg("failed to release processing lock")
	}
	if err != nil && ctx.Err() == nil {
		return WrapExitError(ExitFailure, "drain", err)
	}

	status, serr := a.Engine.Status(context.WithoutCancel(ctx))
	if serr != nil {
		return WrapExitError(ExitFailure, "read engine status", serr)
	}
	res.Remaining = status.PendingDepth
	res.BreakerState = status.BreakerState
	res.LastOutcome = status.LastOutcome
	res.LastError = status.LastError
	if !status.IsLockOwner && status.LockHolder != "" && status.LockHolder != cfg.Lock.OwnerID {
		res.LockHolder = status.LockHolder
	}

	if perr := opts.printer(cmd).Print(res, func(w io.Writer) {
		fmt.Fprintf(w, "processed %d, %d remaining (breaker %s)\n", res.Processed, res.Remaining, res.BreakerState)
		if res.LockHolder != "" {
			fmt.Fprintf(w, "processing lock is held by %s; see syncctl lock\n", res.LockHolder)
		}
		if res.LastError != "" {
			fmt.Fprintf(w, "last error: %s\n", res.LastError)
		}
	}); perr != nil {
		return perr
	}

	if res.Remaining > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d operations remain pending", res.Remaining))
	}
	return nil
}
