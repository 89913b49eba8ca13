package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mmcdole/kinosync/internal/host"
	"github.com/mmcdole/kinosync/internal/tui"
)

// NewServeCommand creates the serve command.
func NewServeCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the background service",
		Long: `Run the background service in the foreground.

It owns the local store, performs uploads and replays, fetches videos for
offline use, and accepts pages on the listen address until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
}

func runServe(ctx context.Context, opts *RootOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := opts.Config
	cfg.Listen.Addr = opts.Addr
	if !cfg.IsConfigured() {
		opts.Logger.Warn("no server configured, mutations and uploads will fail until one is set")
	}

	h, err := host.New(cfg, opts.Logger)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to start", err)
	}
	defer h.Close()
	watchToken(h, opts)

	opts.Logger.Info("starting kinosync", "version", Version, "addr", cfg.Listen.Addr)
	return h.Run(ctx)
}

// watchToken follows config file edits so a login reaches the running
// service. Only the token is reloaded; other settings need a restart.
func watchToken(h *host.Host, opts *RootOptions) {
	if viper.ConfigFileUsed() == "" {
		return
	}
	viper.OnConfigChange(func(e fsnotify.Event) {
		token := viper.GetString("server.token")
		if token == "" {
			return
		}
		h.Credentials().Set(token)
		opts.Logger.Info("token reloaded", "file", e.Name)
	})
	viper.WatchConfig()
}

// NewWatchCommand creates the watch command.
func NewWatchCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "watch [upload-id...]",
		Short: "Open the dashboard",
		Long: `Open the terminal dashboard.

Shows uploads as they progress, cached videos with a fuzzy filter, and the
actions still waiting for the server. Upload ids given as arguments are
queried on start so their state shows even before new progress arrives.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer client.Close()

			assets, err := opts.assets(client)
			if err != nil {
				return err
			}
			defer assets.Close()

			model := tui.NewModel(tui.NewPageBackend(client, assets), args...)
			p := tea.NewProgram(model, tea.WithAltScreen())

			opts.Logger.Info("starting TUI")
			if _, err := p.Run(); err != nil {
				opts.Logger.Error("TUI error", "error", err)
				return WrapExitError(ExitFailure, "TUI error", err)
			}
			return nil
		},
	}
}
