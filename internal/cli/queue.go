// Syncward - Offline-First Operation Sync Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/syncward

package cli

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/tomtom215/syncward/internal/logging"
	"github.com/tomtom215/syncward/internal/operation"
	"github.com/tomtom215/syncward/internal/queue"
)

// PendingResult is the output of the pending command.
type PendingResult struct {
	Total      int                    `json:"total"`
	Operations []*operation.Operation `json:"operations"`
}

// FailedResult is the output of the failed command.
type FailedResult struct {
	Total  int           `json:"total"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
	Failed []FailedEntry `json:"failed"`
}

// FailedEntry is an archived operation. Corrupt entries report only the
// size of their raw bytes.
type FailedEntry struct {
	Operation *operation.Operation `json:"operation"`
	Error     operation.ErrorInfo  `json:"error"`
	FailedAt  time.Time            `json:"failed_at"`
	RawSize   int                  `json:"raw_size,omitempty"`
}

// redact copies op with payload values hidden unless --show-payloads.
func redact(op operation.Operation) *operation.Operation {
	op.Payload = logging.RedactPayload(op.Payload)
	op.Base = logging.RedactPayload(op.Base)
	return &op
}

// NewPendingCommand creates the pending command.
func NewPendingCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "List queued operations in dispatch order",
		Long: `List every pending operation in creation order, which is the order
the engine dispatches them in.

Examples:
  syncctl pending --store /var/lib/syncward
  syncctl pending --format json --show-payloads`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runPending(rootOpts, cmd)
		},
	}
}

func runPending(opts *RootOptions, cmd *cobra.Command) error {
	st, err := opts.openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	ops, err := st.ScanPendingOrderedByCreation(cmd.Context())
	if err != nil {
		return WrapExitError(ExitFailure, "failed to scan pending operations", err)
	}

	res := PendingResult{Total: len(ops), Operations: make([]*operation.Operation, 0, len(ops))}
	for _, op := range ops {
		res.Operations = append(res.Operations, redact(*op))
	}

	now := time.Now()
	return opts.printer(cmd).Print(res, func(w io.Writer) {
		if res.Total == 0 {
			fmt.Fprintln(w, "No pending operations")
			return
		}
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tTYPE\tENTITY\tCREATED\tATTEMPTS\tSTATE\tLAST ERROR")
		for _, op := range res.Operations {
			fmt.Fprintf(tw, "%s\t%s\t%s/%s\t%s\t%d\t%s\t%s\n",
				op.ID, op.OpType, op.EntityType, op.EntityID,
				op.CreatedAt.Format(time.RFC3339), op.AttemptCount, pendingState(op, now), op.LastError)
		}
		_ = tw.Flush()
		fmt.Fprintf(w, "%d pending\n", res.Total)
	})
}

func pendingState(op *operation.Operation, now time.Time) string {
	switch {
	case op.Dispatched():
		return "dispatched"
	case op.Ready(now):
		return "ready"
	default:
		return "retry " + op.NextAttemptAt.Format(time.RFC3339)
	}
}

// FailedOptions holds flags for the failed command.
type FailedOptions struct {
	*RootOptions
	Limit  int
	Offset int
}

// NewFailedCommand creates the failed command.
func NewFailedCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &FailedOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "failed",
		Short: "List archived operations, newest first",
		Long: `List operations the engine gave up on, with their failure class and
the HTTP status that ended them.

Examples:
  syncctl failed
  syncctl failed --limit 20 --offset 40 --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runFailed(opts, cmd)
		},
	}

	cmd.Flags().IntVar(&opts.Limit, "limit", 100, "maximum entries to list (0 for all)")
	cmd.Flags().IntVar(&opts.Offset, "offset", 0, "entries to skip")

	return cmd
}

func runFailed(opts *FailedOptions, cmd *cobra.Command) error {
	if opts.Limit < 0 || opts.Offset < 0 {
		return NewExitError(ExitCommandError, "--limit and --offset must not be negative")
	}

	st, err := opts.openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	list, total, err := st.ListFailed(cmd.Context(), opts.Limit, opts.Offset)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to list archived operations", err)
	}

	res := FailedResult{Total: total, Limit: opts.Limit, Offset: opts.Offset, Failed: make([]FailedEntry, 0, len(list))}
	for _, f := range list {
		res.Failed = append(res.Failed, FailedEntry{
			Operation: redact(f.Operation),
			Error:     f.Error,
			FailedAt:  f.FailedAt,
			RawSize:   len(f.Raw),
		})
	}

	return opts.printer(cmd).Print(res, func(w io.Writer) {
		if total == 0 {
			fmt.Fprintln(w, "No failed operations")
			return
		}
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tTYPE\tENTITY\tCLASS\tSTATUS\tFAILED\tMESSAGE")
		for _, f := range res.Failed {
			op := f.Operation
			if f.RawSize > 0 {
				fmt.Fprintf(tw, "%s\t-\t-\t%s\t-\t%s\tcorrupt entry (%d bytes)\n",
					op.ID, f.Error.Class, f.FailedAt.Format(time.RFC3339), f.RawSize)
				continue
			}
			status := "-"
			if f.Error.StatusCode != 0 {
				status = fmt.Sprint(f.Error.StatusCode)
			}
			fmt.Fprintf(tw, "%s\t%s\t%s/%s\t%s\t%s\t%s\t%s\n",
				op.ID, op.OpType, op.EntityType, op.EntityID,
				f.Error.Class, status, f.FailedAt.Format(time.RFC3339), f.Error.Message)
		}
		_ = tw.Flush()
		fmt.Fprintf(w, "showing %d of %d failed\n", len(res.Failed), total)
	})
}

// NewRequeueCommand creates the requeue command.
func NewRequeueCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "requeue <id>...",
		Short: "Move archived operations back to the pending queue",
		Long: `Move archived operations back to the pending queue with their retry
state reset. Each keeps its ID, creation time and idempotency key, so a
replay the remote already applied is collapsed there.

Examples:
  syncctl requeue 0b6d2f0e-4c1a-4f7e-9d55-2a8f1c0d9e11`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRequeue(rootOpts, cmd, args)
		},
	}
}

// RequeueResult lists the operations moved back to the queue.
type RequeueResult struct {
	Requeued []string `json:"requeued"`
}

func runRequeue(opts *RootOptions, cmd *cobra.Command, ids []string) error {
	st, err := opts.openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	res := RequeueResult{Requeued: make([]string, 0, len(ids))}
	for _, id := range ids {
		if _, err := st.Requeue(cmd.Context(), id); err != nil {
			switch {
			case errors.Is(err, queue.ErrNotFound):
				return WrapExitError(ExitFailure, "no failed operation "+id, err)
			case errors.Is(err, queue.ErrCorruptEntry):
				return WrapExitError(ExitFailure, "cannot requeue "+id, err)
			default:
				return WrapExitError(ExitCommandError, "requeue "+id, err)
			}
		}
		res.Requeued = append(res.Requeued, id)
	}

	return opts.printer(cmd).Print(res, func(w io.Writer) {
		for _, id := range res.Requeued {
			fmt.Fprintf(w, "requeued %s\n", id)
		}
	})
}

// PurgeOptions holds flags for the purge command.
type PurgeOptions struct {
	*RootOptions
	OlderThan time.Duration
}

// PurgeResult reports how many archived operations were deleted.
type PurgeResult struct {
	Purged int       `json:"purged"`
	Cutoff time.Time `json:"cutoff"`
}

// NewPurgeCommand creates the purge command.
func NewPurgeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PurgeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete archived operations older than a duration",
		Long: `Delete archived operations that failed before now minus --older-than.
Undecodable archive entries are deleted regardless of age.

Examples:
  syncctl purge --older-than 720h`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runPurge(opts, cmd)
		},
	}

	cmd.Flags().DurationVar(&opts.OlderThan, "older-than", 0, "age of the oldest entry to keep (required)")
	_ = cmd.MarkFlagRequired("older-than")

	return cmd
}

func runPurge(opts *PurgeOptions, cmd *cobra.Command) error {
	if opts.OlderThan <= 0 {
		return NewExitError(ExitCommandError, "--older-than must be positive")
	}

	st, err := opts.openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	res := PurgeResult{Cutoff: time.Now().Add(-opts.OlderThan).UTC()}
	if res.Purged, err = st.PurgeFailedBefore(cmd.Context(), res.Cutoff); err != nil {
		return WrapExitError(ExitFailure, "purge failed operations", err)
	}

	return opts.printer(cmd).Print(res, func(w io.Writer) {
		fmt.Fprintf(w, "purged %d failed operations older than %s\n", res.Purged, res.Cutoff.Format(time.RFC3339))
	})
}
