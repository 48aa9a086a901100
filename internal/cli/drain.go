package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	syncpkg "github.com/kimhsiao/studysync/backend/internal/sync"
)

// QueueOptions holds flags shared by drain and retry.
type QueueOptions struct {
	*RootOptions
	UserID string
}

// NewDrainCommand creates the drain command.
func NewDrainCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &QueueOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "drain",
		Short: "Replay pending operations to the remote store",
		Long: `Replay pending operations in the order they were queued.

Without --user every user with pending operations is drained. Operations
that fail remotely are marked failed and left for "studysync retry".
Exits 1 when any operation failed.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDrain(opts, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.UserID, "user", "u", "", "drain one user")

	return cmd
}

func runDrain(opts *QueueOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	a, err := openApp(opts.RootOptions)
	if err != nil {
		return formatter.Error(err)
	}
	defer a.Close()

	result, err := a.Scheduler.SyncNow(cmd.Context(), opts.UserID)
	if err != nil {
		return formatter.Error(engineError("drain failed", err))
	}

	if err := formatter.Success(result, drainText(result)); err != nil {
		return err
	}
	if result.Failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d operation(s) failed", result.Failed))
	}
	return nil
}

// NewRetryCommand creates the retry command.
func NewRetryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &QueueOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "retry",
		Short: "Requeue failed operations and drain them",
		Long: `Move failed operations back to pending and drain them when online.

Without --user the failed operations of every user are requeued.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRetry(opts, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.UserID, "user", "u", "", "retry one user")

	return cmd
}

// RetryOutput is the retry command's result.
type RetryOutput struct {
	Requeued int64               `json:"requeued"`
	Drain    syncpkg.DrainResult `json:"drain"`
}

func runRetry(opts *QueueOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	a, err := openApp(opts.RootOptions)
	if err != nil {
		return formatter.Error(err)
	}
	defer a.Close()

	requeued, result, err := a.Engine.RetryFailed(cmd.Context(), opts.UserID)
	if err != nil {
		return formatter.Error(engineError("retry failed", err))
	}

	out := RetryOutput{Requeued: requeued, Drain: result}
	return formatter.Success(out, func(w io.Writer) {
		fmt.Fprintf(w, "Requeued %d operation(s)\n", requeued)
		if !a.Engine.Online() {
			fmt.Fprintln(w, "Offline: requeued operations will sync on reconnect")
			return
		}
		drainText(result)(w)
	})
}

func drainText(result syncpkg.DrainResult) func(w io.Writer) {
	return func(w io.Writer) {
		fmt.Fprintf(w, "Synced %d, failed %d, skipped %d, swept %d\n",
			result.Processed, result.Failed, result.Skipped, result.Swept)
	}
}

// ResetOptions holds flags for the reset command.
type ResetOptions struct {
	*RootOptions
	Yes bool
}

// NewResetCommand creates the reset command.
func NewResetCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ResetOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Delete the local cache and sync queue",
		Long: `Delete every cached record and queued operation on this device.

Pending changes that were never synced are lost. Requires --yes.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReset(opts, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Yes, "yes", false, "confirm deleting local data")

	return cmd
}

func runReset(opts *ResetOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)
	if !opts.Yes {
		return formatter.Error(NewExitError(ExitCommandError, "reset deletes unsynced changes; pass --yes to confirm"))
	}

	a, err := openApp(opts.RootOptions)
	if err != nil {
		return formatter.Error(err)
	}
	defer a.Close()

	if err := a.Engine.Reset(cmd.Context()); err != nil {
		return formatter.Error(engineError("reset failed", err))
	}
	return formatter.Success(map[string]bool{"reset": true}, func(w io.Writer) {
		fmt.Fprintln(w, "Local cache and sync queue cleared")
	})
}
