package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	httpapi "github.com/immxrtalbeast/guest_signaling/internal/api/http"
	"github.com/immxrtalbeast/guest_signaling/internal/config"
	"github.com/immxrtalbeast/guest_signaling/internal/domain"
	"github.com/immxrtalbeast/guest_signaling/internal/metrics"
	"github.com/immxrtalbeast/guest_signaling/internal/peers"
	"github.com/immxrtalbeast/guest_signaling/internal/repository"
	"github.com/immxrtalbeast/guest_signaling/internal/service"
	"github.com/immxrtalbeast/guest_signaling/lib/logger/sl"
)

// App wires the coordinator together and owns its lifecycle.
type App struct {
	cfg *config.Config
	log *slog.Logger

	store      repository.MirrorStore
	metrics    *metrics.Metrics
	registry   *service.Registry
	heartbeat  *service.HeartbeatEngine
	reconciler *service.Reconciler
	server     *http.Server
}

func New(cfg *config.Config, log *slog.Logger) (*App, error) {
	const op = "app.new"

	if log == nil {
		log = slog.Default()
	}

	store := newStore(cfg)
	m := metrics.New()

	clients, err := peers.NewHTTPCleanupClients(cfg.Peers.URLs, cfg.Peers.Timeout)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	peerClients := make([]service.PeerCleanupClient, 0, len(clients))
	for _, c := range clients {
		peerClients = append(peerClients, c)
	}

	registry := service.NewRegistry(store, service.RegistryOptions{
		InstanceID: cfg.InstanceID,
		MirrorTTL:  cfg.MirrorTTL(),
		OpTimeout:  cfg.Redis.OpTimeout,
		Metrics:    m,
	}, log)
	heartbeat := service.NewHeartbeatEngine(registry, service.HeartbeatOptions{
		PingInterval:    cfg.Heartbeat.PingInterval,
		CheckInterval:   cfg.Heartbeat.CheckInterval,
		Timeout:         cfg.Heartbeat.Timeout,
		MaxMissedPings:  cfg.Heartbeat.MaxMissedPings,
		ResponsiveBelow: cfg.Heartbeat.ResponsiveBelow,
	}, log)
	reconciler := service.NewReconciler(registry, store, peerClients, service.ReconcilerOptions{
		Interval:       cfg.Reconciler.Interval,
		GuestRetention: cfg.Reconciler.GuestRetention,
		PeerTimeout:    cfg.Peers.Timeout,
		OpTimeout:      cfg.Redis.OpTimeout,
		Metrics:        m,
	}, log)

	relay := service.NewRelay(registry, m, log)
	mailbox := service.NewMailbox(cfg.Mailbox.MaxInvites, m, log)
	directory := service.NewDirectory(store, registry, cfg.Redis.OpTimeout, log)
	signaling := service.NewSignalingService(registry, heartbeat, relay, mailbox, log)

	signalingController := httpapi.NewSignalingController(signaling, httpapi.SignalingControllerOptions{
		AllowedOrigins:  cfg.HTTP.AllowedOrigins,
		SendBuffer:      cfg.WebSocket.SendBuffer,
		MaxMessageBytes: cfg.WebSocket.MaxMessageBytes,
	}, log)
	guestController := httpapi.NewGuestController(directory, mailbox, cfg.WebRTC.STUNServers)

	router := httpapi.SetupRouter(httpapi.RouterDeps{
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
		Signaling:      signalingController,
		Guests:         guestController,
		Metrics:        m.Handler(),
		Connections:    registry.Count,
	})

	return &App{
		cfg:        cfg,
		log:        log,
		store:      store,
		metrics:    m,
		registry:   registry,
		heartbeat:  heartbeat,
		reconciler: reconciler,
		server: &http.Server{
			Addr:              cfg.HTTP.Address,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

func newStore(cfg *config.Config) repository.MirrorStore {
	if cfg.Redis.Address == "" {
		return repository.NewInMemoryMirrorStore()
	}
	return repository.NewRedisMirrorStore(repository.RedisOptions{
		Address:  cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
}

// Run purges stale guest state, starts the schedulers and serves HTTP until
// ctx is cancelled, then shuts everything down.
func (a *App) Run(ctx context.Context) error {
	const op = "app.run"
	log := a.log.With(slog.String("op", op), slog.String("instance_id", a.registry.InstanceID()))

	if err := a.checkStore(ctx); err != nil {
		_ = a.store.Close()
		return fmt.Errorf("%s: %w", op, err)
	}

	if _, err := a.Purge(ctx); err != nil {
		if a.cfg.Redis.Mandatory {
			_ = a.store.Close()
			return fmt.Errorf("%s: %w", op, err)
		}
		log.Warn("startup purge skipped", sl.Err(err))
	}

	a.heartbeat.Start(ctx)
	a.reconciler.Start(ctx)

	serveErr := make(chan error, 1)
	go func() {
		log.Info("starting http server", slog.String("addr", a.server.Addr))
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-serveErr:
		if err != nil {
			runErr = fmt.Errorf("%s: %w", op, err)
		}
	}

	a.shutdown(log)
	return runErr
}

// Purge runs the startup cleanup sweep once.
func (a *App) Purge(ctx context.Context) (service.PurgeResult, error) {
	return a.reconciler.PurgeOnStartup(ctx)
}

// Close releases the mirror store. Run closes it itself.
func (a *App) Close() error {
	return a.store.Close()
}

func (a *App) checkStore(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, a.cfg.Redis.OpTimeout)
	defer cancel()

	err := a.store.Ping(pingCtx)
	if err == nil {
		return nil
	}
	if a.cfg.Redis.Mandatory {
		return err
	}
	a.log.Warn("mirror store unreachable, continuing in degraded mode",
		slog.String("op", "app.check_store"),
		sl.Err(err),
	)
	return nil
}

func (a *App) shutdown(log *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.HTTP.ShutdownTimeout)
	defer cancel()

	if err := a.server.Shutdown(ctx); err != nil {
		log.Warn("http server shutdown", sl.Err(err))
	}

	a.heartbeat.Stop()
	a.reconciler.Stop()

	// Hijacked websocket connections survive server.Shutdown.
	for _, conn := range a.registry.ListAll() {
		a.registry.Teardown(ctx, conn.ConnectionID, domain.ReasonShutdown)
	}

	if err := a.store.Close(); err != nil {
		log.Warn("mirror store close", sl.Err(err))
	}
	log.Info("stopped")
}
