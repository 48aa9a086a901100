// Package cli implements the studysync command line tool. It operates on
// the same local database as the desktop server and is meant for support
// and debugging: inspecting the queue, forcing drains, retrying failures.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/studysync/backend/internal/app"
	"github.com/kimhsiao/studysync/backend/internal/config"
	"github.com/kimhsiao/studysync/backend/internal/logging"
)

// Version is reported by the version command.
var Version = "0.1.0"

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	EnvFile    string
	DataDir    string
	RemoteURL  string
	Offline    bool
	Verbose    bool
	Format     string // "json" | "text"
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the studysync CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "studysync",
		Short: "StudySync offline sync tool",
		Long: `Inspect and operate the StudySync local cache and sync queue.

Every command opens the local database directly. Stop the desktop server
before running commands that modify the queue.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			level := logging.LevelWarn
			if opts.Verbose {
				level = logging.LevelDebug
			}
			logging.Init(cmd.ErrOrStderr(), level)
			if err := config.LoadDotEnv(opts.EnvFile); err != nil {
				return WrapExitError(ExitCommandError, "failed to load env file", err)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to a YAML config file")
	cmd.PersistentFlags().StringVar(&opts.EnvFile, "env-file", ".env", "dotenv file loaded before the config")
	cmd.PersistentFlags().StringVar(&opts.DataDir, "data-dir", "", "local data directory (overrides config)")
	cmd.PersistentFlags().StringVar(&opts.RemoteURL, "remote", "", "remote document store URL (overrides config)")
	cmd.PersistentFlags().BoolVar(&opts.Offline, "offline", false, "treat the remote store as unreachable")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewSaveCommand(opts))
	cmd.AddCommand(NewLoadCommand(opts))
	cmd.AddCommand(NewDrainCommand(opts))
	cmd.AddCommand(NewRetryCommand(opts))
	cmd.AddCommand(NewResetCommand(opts))
	cmd.AddCommand(NewServeDocstoreCommand(opts))
	cmd.AddCommand(NewVersionCommand(opts))

	return cmd
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

// openApp loads configuration, applies flag overrides and wires the app.
// The CLI never probes: connectivity follows --offline.
func openApp(opts *RootOptions) (*app.App, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if opts.DataDir != "" {
		cfg.DataDir = opts.DataDir
	}
	if opts.RemoteURL != "" {
		cfg.Remote.BaseURL = opts.RemoteURL
	}
	cfg.Connectivity.ProbeURL = ""

	a, err := app.New(cfg, app.Options{InitialOnline: !opts.Offline})
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open local store", err)
	}
	return a, nil
}

func newFormatter(opts *RootOptions, cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
}
