// Package cli is the kinosync command line: it runs the background service
// and drives it as a page over the local websocket.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"slices"

	"github.com/spf13/cobra"

	"github.com/mmcdole/kinosync/internal/adapter"
)

// Version is set at build time via -ldflags
var Version = "dev"

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigFile string
	Addr       string // Background service address, overrides listen.addr
	Format     string // "json" | "text"

	Config *adapter.Config
	Logger *slog.Logger
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the kinosync CLI.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{})
}

// Execute runs the CLI and returns the process exit code. Errors are
// reported once, in the requested output format.
func Execute(ctx context.Context) int {
	opts := &RootOptions{}
	cmd := newRootCommand(opts)
	cmd.SilenceErrors = true

	err := cmd.ExecuteContext(ctx)
	if err == nil {
		return ExitSuccess
	}
	format := opts.Format
	if !slices.Contains(ValidFormats, format) {
		format = "text"
	}
	out := &OutputFormatter{Format: format, Writer: os.Stdout, ErrWriter: os.Stderr}
	_ = out.Error(err)
	return GetExitCode(err)
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "kinosync",
		Short: "kinosync - offline uploads, mutations and video cache",
		Long: `kinosync keeps a video client's work alive in the background.

Uploads resume where the server last acknowledged, likes and comments made
offline are replayed when the network returns, and videos can be cached for
offline playback. Run "kinosync serve" once, then drive it from any page:
the dashboard ("kinosync watch") or the commands below.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return opts.load()
		},
	}

	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return WrapExitError(ExitCommandError, "invalid flags", err)
	})

	// Global flags
	cmd.PersistentFlags().StringVarP(&opts.ConfigFile, "config", "c", "", "config file (default: user config dir)")
	cmd.PersistentFlags().StringVar(&opts.Addr, "addr", "", "background service address (default: listen.addr)")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	// Add subcommands
	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewWatchCommand(opts))
	cmd.AddCommand(NewUploadCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewCancelCommand(opts))
	cmd.AddCommand(NewCacheCommand(opts))
	cmd.AddCommand(NewRemoveCommand(opts))
	cmd.AddCommand(NewListCommand(opts))
	cmd.AddCommand(NewPlayCommand(opts))
	cmd.AddCommand(NewLikeCommand(opts))
	cmd.AddCommand(NewCommentCommand(opts))
	cmd.AddCommand(NewPendingCommand(opts))
	cmd.AddCommand(NewReplayCommand(opts))
	cmd.AddCommand(NewLoginCommand(opts))
	cmd.AddCommand(NewVersionCommand())

	return cmd
}

// load reads configuration and sets up logging. Logging falls back to a
// null logger so a bad log path never blocks a command.
func (o *RootOptions) load() error {
	cfg, err := adapter.LoadConfig(o.ConfigFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	o.Config = cfg
	if o.Addr == "" {
		o.Addr = cfg.Listen.Addr
	}

	logger, err := adapter.SetupLogger(&cfg.Logging)
	if err != nil {
		logger = adapter.NullLogger()
	}
	slog.SetDefault(logger)
	o.Logger = logger
	return nil
}

// output returns a formatter bound to cmd's writers.
func (o *RootOptions) output(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
	}
}

// NewVersionCommand prints the build version.
func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		// No config needed
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "kinosync %s\n", Version)
		},
	}
}
