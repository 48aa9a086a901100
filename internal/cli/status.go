package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/studysync/backend/internal/models"
)

// StatusOptions holds flags for the status command.
type StatusOptions struct {
	*RootOptions
	UserID     string
	ShowFailed bool
}

// StatusOutput is the status command's result.
type StatusOutput struct {
	models.SyncStatusSnapshot
	UserID string                   `json:"user_id,omitempty"`
	Failed []*models.QueueOperation `json:"failed,omitempty"`
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StatusOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show sync queue status",
		Long: `Show how many changes are waiting to sync.

Prints the same message the dashboard shows, e.g. "2 change(s) pending sync".
Use --failed to list operations that need a manual retry.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(opts, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.UserID, "user", "u", "", "limit to one user")
	cmd.Flags().BoolVar(&opts.ShowFailed, "failed", false, "list failed operations")

	return cmd
}

func runStatus(opts *StatusOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	a, err := openApp(opts.RootOptions)
	if err != nil {
		return formatter.Error(err)
	}
	defer a.Close()

	ctx := cmd.Context()
	snapshot, err := a.Reporter.StatusForUser(ctx, opts.UserID)
	if err != nil {
		return formatter.Error(engineError("failed to read queue", err))
	}

	out := StatusOutput{SyncStatusSnapshot: snapshot, UserID: opts.UserID}
	if opts.ShowFailed {
		out.Failed, err = a.Queue.ListByStatus(ctx, opts.UserID, models.QueueStatusFailed)
		if err != nil {
			return formatter.Error(engineError("failed to list failed operations", err))
		}
	}

	return formatter.Success(out, func(w io.Writer) {
		fmt.Fprintln(w, out.Message)
		if out.FailedCount > 0 {
			fmt.Fprintf(w, "%d failed operation(s) need a retry\n", out.FailedCount)
		}
		for _, op := range out.Failed {
			fmt.Fprintf(w, "  #%d %s/%s retries=%d: %s\n", op.ID, op.UserID, op.EntityType, op.RetryCount, op.LastError)
		}
	})
}
