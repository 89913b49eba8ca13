// Package host assembles the background service and its collaborators from
// configuration and runs them as one process.
package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mmcdole/kinosync/internal/adapter"
	"github.com/mmcdole/kinosync/internal/assetcache"
	"github.com/mmcdole/kinosync/internal/background"
	"github.com/mmcdole/kinosync/internal/blobcache"
	"github.com/mmcdole/kinosync/internal/bus"
	"github.com/mmcdole/kinosync/internal/connectivity"
	"github.com/mmcdole/kinosync/internal/credential"
	"github.com/mmcdole/kinosync/internal/mutation"
	"github.com/mmcdole/kinosync/internal/store"
	"github.com/mmcdole/kinosync/internal/transport/ws"
	"github.com/mmcdole/kinosync/internal/upload"
)

const shutdownTimeout = 5 * time.Second

// Host owns every long-lived component.
type Host struct {
	cfg    *adapter.Config
	logger *slog.Logger

	store     *store.BoltStore
	hub       *bus.Hub
	service   *background.Service
	monitor   *connectivity.Monitor
	scheduler *connectivity.Scheduler
	prober    *connectivity.Prober
	creds     *credential.Static
	server    *ws.Server
}

// New wires a host from cfg. The store is opened here; call Close when done.
func New(cfg *adapter.Config, logger *slog.Logger) (*Host, error) {
	if logger == nil {
		logger = slog.Default()
	}

	st, err := store.Open(cfg.Storage.DBDir, cfg.Server.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	blobs, err := blobcache.NewOnDisk(cfg.Storage.BlobDir)
	if err != nil {
		st.Close()
		return nil, err
	}

	// Assume reachable until a probe says otherwise; request failures are
	// classified on their own.
	monitor := connectivity.NewMonitor(true, logger.With("component", "connectivity"))
	scheduler := connectivity.NewScheduler(monitor, logger.With("component", "scheduler"), connectivity.SchedulerOptions{
		RetryBase:  cfg.Connectivity.RetryBase,
		MaxRetries: cfg.Connectivity.MaxRetries,
	})

	var prober *connectivity.Prober
	if cfg.Connectivity.ProbeURL != "" {
		prober = connectivity.NewProber(cfg.Connectivity.ProbeURL, cfg.Connectivity.ProbeInterval, monitor, nil, logger.With("component", "probe"))
	}

	creds := credential.NewStatic(cfg.Server.Token)
	hub := bus.NewHub(logger.With("component", "bus"))

	uploads := upload.NewManager(st,
		upload.NewTusClient(nil, logger.With("component", "tus")),
		logger.With("component", "uploads"),
		upload.Options{
			KeepaliveThreshold: cfg.Upload.KeepaliveThreshold,
			RequestTimeout:     cfg.Upload.RequestTimeout,
		})

	actions := mutation.NewQueue(st,
		mutation.NewHTTPPerformer(cfg.Server.URL, nil, logger.With("component", "api")),
		monitor, scheduler, creds,
		logger.With("component", "mutations"))

	assets := assetcache.NewCache(st, blobs,
		assetcache.NewHTTPFetcher(nil),
		cfg.Cache.FetchTimeout,
		logger.With("component", "assets"))
	if _, err := assets.Reconcile(context.Background()); err != nil {
		logger.Warn("asset cache not reconciled", "error", err)
	}

	service := background.New(uploads, actions, assets, hub, logger.With("component", "background"))
	scheduler.Handle(mutation.ReplayTag, func(ctx context.Context) error {
		return service.Wake(ctx, mutation.ReplayTag)
	})

	h := &Host{
		cfg:       cfg,
		logger:    logger,
		store:     st,
		hub:       hub,
		service:   service,
		monitor:   monitor,
		scheduler: scheduler,
		prober:    prober,
		creds:     creds,
	}
	h.server = ws.NewServer(hub, service, monitor, cfg.Listen.AllowedOrigins, logger.With("component", "ws"))
	return h, nil
}

// Monitor returns the connectivity monitor.
func (h *Host) Monitor() *connectivity.Monitor { return h.monitor }

// Credentials returns the credential provider. Set replaces the token at runtime.
func (h *Host) Credentials() *credential.Static { return h.creds }

// Handler returns the page transport's HTTP handler.
func (h *Host) Handler() http.Handler { return h.server.Routes() }

// Run listens on the configured address and serves until ctx is done.
func (h *Host) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", h.cfg.Listen.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", h.cfg.Listen.Addr, err)
	}
	return h.Serve(ctx, ln)
}

// Serve runs every component and serves pages on ln until ctx is done or a
// component fails. Pending replays stay queued for the next start.
func (h *Host) Serve(ctx context.Context, ln net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return h.service.Run(gctx) })
	g.Go(func() error { return h.scheduler.Run(gctx) })
	if h.prober != nil {
		g.Go(func() error { return h.prober.Run(gctx) })
	}

	srv := &http.Server{
		Handler:           h.server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		h.logger.Info("listening for pages", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("page listener: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		h.hub.DisconnectAll()

		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	// Pick up actions left by a previous run.
	h.scheduler.RegisterSync(mutation.ReplayTag)

	return g.Wait()
}

// Close releases the store.
func (h *Host) Close() error {
	return h.store.Close()
}
