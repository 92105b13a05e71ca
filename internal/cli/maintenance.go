// Syncward - Offline-First Operation Sync Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/syncward

package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/tomtom215/syncward/internal/queue"
)

// IndexResult reports the state of the pending index.
type IndexResult struct {
	Consistent bool `json:"consistent"`
	Rebuilt    bool `json:"rebuilt"`
	Pending    int  `json:"pending"`
}

// RebuildIndexOptions holds flags for the rebuild-index command.
type RebuildIndexOptions struct {
	*RootOptions
	Force bool
}

// NewRebuildIndexCommand creates the rebuild-index command.
func NewRebuildIndexCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RebuildIndexOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "rebuild-index",
		Short: "Verify the creation-order index and rebuild it if needed",
		Long: `Compare the creation-order index against the pending set and
regenerate it from the pending set when they disagree. syncd does the same
on startup; this command lets an operator repair a store offline.

Examples:
  syncctl rebuild-index
  syncctl rebuild-index --force`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runRebuildIndex(opts, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Force, "force", false, "rebuild even when the index is consistent")

	return cmd
}

func runRebuildIndex(opts *RebuildIndexOptions, cmd *cobra.Command) error {
	st, err := opts.openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := cmd.Context()
	var res IndexResult
	if res.Consistent, err = st.VerifyIndex(ctx); err != nil {
		return WrapExitError(ExitFailure, "verify index", err)
	}
	if !res.Consistent || opts.Force {
		if err := st.RebuildIndex(ctx); err != nil {
			return WrapExitError(ExitFailure, "rebuild index", err)
		}
		res.Rebuilt = true
	}
	if res.Pending, err = st.PendingCount(ctx); err != nil {
		return WrapExitError(ExitFailure, "count pending operations", err)
	}

	return opts.printer(cmd).Print(res, func(w io.Writer) {
		switch {
		case res.Rebuilt && res.Consistent:
			fmt.Fprintf(w, "index rebuilt (%d pending)\n", res.Pending)
		case res.Rebuilt:
			fmt.Fprintf(w, "index was inconsistent, rebuilt (%d pending)\n", res.Pending)
		default:
			fmt.Fprintf(w, "index consistent (%d pending)\n", res.Pending)
		}
	})
}

// LockResult describes the stored processing lock.
type LockResult struct {
	Held         bool              `json:"held"`
	Record       *queue.LockRecord `json:"record,omitempty"`
	HeartbeatAge string            `json:"heartbeat_age,omitempty"`
	Cleared      bool              `json:"cleared"`
}

// LockOptions holds flags for the lock command.
type LockOptions struct {
	*RootOptions
	Clear bool
}

// NewLockCommand creates the lock command.
func NewLockCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &LockOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "lock",
		Short: "Show or clear the processing lock",
		Long: `Show which runner holds the processing lock and when it last
heartbeated. A runner that crashed leaves its record behind until another
runner takes it over as stale; --clear removes it immediately.

Examples:
  syncctl lock
  syncctl lock --clear`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runLock(opts, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Clear, "clear", false, "remove the lock record")

	return cmd
}

func runLock(opts *LockOptions, cmd *cobra.Command) error {
	st, err := opts.openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := cmd.Context()
	rec, err := st.LoadLock(ctx)
	if err != nil {
		return WrapExitError(ExitFailure, "load lock record", err)
	}

	res := LockResult{Held: rec != nil, Record: rec}
	if rec != nil {
		res.HeartbeatAge = time.Since(rec.LastHeartbeat).Round(time.Second).String()
	}
	if opts.Clear && rec != nil {
		if _, err := st.SwapLock(ctx, func(*queue.LockRecord) (*queue.LockRecord, error) { return nil, nil }); err != nil {
			return WrapExitError(ExitFailure, "clear lock record", err)
		}
		res.Cleared = true
	}

	return opts.printer(cmd).Print(res, func(w io.Writer) {
		if rec == nil {
			fmt.Fprintln(w, "lock not held")
			return
		}
		fmt.Fprintf(w, "owner:          %s\n", rec.OwnerID)
		fmt.Fprintf(w, "acquired:       %s\n", rec.AcquiredAt.Format(time.RFC3339))
		fmt.Fprintf(w, "last heartbeat: %s (%s ago)\n", rec.LastHeartbeat.Format(time.RFC3339), res.HeartbeatAge)
		if res.Cleared {
			fmt.Fprintln(w, "lock cleared")
		}
	})
}
