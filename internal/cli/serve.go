package cli

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kimhsiao/studysync/backend/internal/logging"
	"github.com/kimhsiao/studysync/backend/internal/remote"
)

// ServeOptions holds flags for the serve-docstore command.
type ServeOptions struct {
	*RootOptions
	Addr string

	// ready, when set, receives the bound address once listening.
	ready func(addr string)
}

// NewServeDocstoreCommand creates the serve-docstore command.
func NewServeDocstoreCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}
	return newServeDocstoreCommand(opts)
}

func newServeDocstoreCommand(opts *ServeOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve-docstore",
		Short: "Run an in-memory remote document store",
		Long: `Run an in-memory document store speaking the remote sync protocol.

Useful for local development and offline demos: point remote.base_url at it
and stop it to simulate losing connectivity. Data is lost on exit.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServeDocstore(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "127.0.0.1:8091", "listen address")

	return cmd
}

func runServeDocstore(opts *ServeOptions, cmd *cobra.Command) error {
	ln, err := net.Listen("tcp", opts.Addr)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to listen", err)
	}

	srv := &http.Server{
		Handler:           remote.NewHandler(remote.NewMemoryStore()),
		ReadHeaderTimeout: 10 * time.Second,
	}

	addr := ln.Addr().String()
	fmt.Fprintf(cmd.OutOrStdout(), "Document store listening on http://%s\n", addr)
	logging.Info("Document store starting", map[string]interface{}{"addr": addr})
	if opts.ready != nil {
		opts.ready(addr)
	}

	g, ctx := errgroup.WithContext(cmd.Context())
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
