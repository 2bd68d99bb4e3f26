// Package hub is the main orchestrator that ties all hub components together.
package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/forumhub/forum/hub/api"
	"github.com/forumhub/forum/hub/auth"
	"github.com/forumhub/forum/hub/bridge"
	"github.com/forumhub/forum/hub/config"
	"github.com/forumhub/forum/hub/lifecycle"
	"github.com/forumhub/forum/hub/presence"
	"github.com/forumhub/forum/hub/registry"
	"github.com/forumhub/forum/hub/router"
	"github.com/forumhub/forum/hub/store"
	"github.com/forumhub/forum/pkg/protocol"
)

// Options holds optional overrides used when embedding the hub.
type Options struct {
	// BrokerClient replaces the MQTT client, e.g. with an in-process fake.
	BrokerClient bridge.ClientFactory
}

// Hub is the main hub process.
type Hub struct {
	cfg      *config.Config
	store    store.Store
	registry *registry.Registry
	bridge   *bridge.Bridge
	api      *api.Server
	logger   *slog.Logger
}

// New creates a new hub from configuration.
func New(cfg *config.Config, opts Options, logger *slog.Logger) (*Hub, error) {
	db, err := store.New(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	authProvider, err := auth.NewProvider(cfg.Auth, db)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init auth provider: %w", err)
	}

	// Bootstrap (creates admin user for builtin provider).
	if err := authProvider.Bootstrap(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bootstrap auth: %w", err)
	}

	var loginProvider auth.LoginProvider
	if lp, ok := authProvider.(auth.LoginProvider); ok {
		loginProvider = lp
	}

	reg := registry.New(logger)

	var bridgeOpts []bridge.Option
	if opts.BrokerClient != nil {
		bridgeOpts = append(bridgeOpts, bridge.WithClientFactory(opts.BrokerClient))
	}
	br := bridge.New(cfg.Broker, reg, logger, bridgeOpts...)

	tracker := presence.New(db, reg, logger)
	rooms := lifecycle.New(db, reg, tracker, br, logger)

	rt := router.New(db, reg, tracker, rooms, br, logger, router.Options{
		AllowedOrigins:  cfg.Server.AllowedOrigins,
		Auth:            authProvider,
		MaxMessageBytes: cfg.Session.MaxMessageBytes,
		HistoryLimit:    cfg.Session.HistoryLimit,
		SendBuffer:      cfg.Session.SendBuffer,
		CloseGrace:      cfg.Session.CloseGrace.Duration,
		PingInterval:    cfg.Session.PingInterval.Duration,
		PongWait:        cfg.Session.PongWait.Duration,
	})

	apiSrv := api.NewServer(db, authProvider, loginProvider, rt, reg, rooms, cfg, api.ServerOptions{Bridge: br}, logger)

	h := &Hub{
		cfg:      cfg,
		store:    db,
		registry: reg,
		bridge:   br,
		api:      apiSrv,
		logger:   logger.With("component", "hub"),
	}

	// Startup validation warnings (only for builtin provider).
	if authProvider.Name() == "builtin" {
		if len(cfg.Auth.JWTSecret) < 32 {
			logger.Warn("JWT secret is shorter than 32 characters, use a stronger secret in production")
		}
		if cfg.Auth.InitialAdmin != nil &&
			cfg.Auth.InitialAdmin.Username == "admin" && cfg.Auth.InitialAdmin.Password == "admin" {
			logger.Warn("default admin credentials detected (admin/admin), change immediately in production")
		}
	}
	for _, origin := range cfg.Server.AllowedOrigins {
		if origin == "*" {
			logger.Warn("CORS allowed_origins contains wildcard '*', restrict to specific origins in production")
			break
		}
	}

	if cfg.Server.UIStaticDir != "" {
		if _, err := os.Stat(cfg.Server.UIStaticDir); os.IsNotExist(err) {
			logger.Warn("UI static directory does not exist", "path", cfg.Server.UIStaticDir)
		}
	}

	return h, nil
}

// Handler returns the hub's HTTP handler.
func (h *Hub) Handler() http.Handler {
	return h.api.Handler()
}

// Run starts the bridge and the HTTP server and blocks until the context is
// canceled.
func (h *Hub) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              h.cfg.Server.Addr,
		Handler:           h.api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go h.watchBridge(ctx)
	h.bridge.Connect(ctx)

	// Start rate limiter cleanup tasks.
	h.api.StartBackgroundTasks(ctx)

	if h.cfg.Storage.Retention.Duration > 0 {
		go h.runRetentionPurger(ctx, h.cfg.Storage.Retention.Duration)
	}

	errCh := make(chan error, 1)
	go func() {
		h.logger.Info("hub listening", "addr", h.cfg.Server.Addr)
		if h.cfg.Server.TLSCert != "" && h.cfg.Server.TLSKey != "" {
			errCh <- srv.ListenAndServeTLS(h.cfg.Server.TLSCert, h.cfg.Server.TLSKey)
		} else {
			h.logger.Warn("TLS not configured, running without encryption (development only)")
			errCh <- srv.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
		h.logger.Info("shutting down hub gracefully")
		h.shutdown(srv)
		return ctx.Err()

	case err := <-errCh:
		h.bridge.Disconnect()
		_ = h.store.Close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// shutdown closes every client socket first so no handler is left writing,
// then tells the other instances and stops the bridge, the HTTP server and
// the store in that order.
func (h *Hub) shutdown(srv *http.Server) {
	n := h.registry.CloseAll(protocol.SystemEvent{
		Event:     "server_shutdown",
		Timestamp: time.Now().UTC(),
	})
	h.logger.Info("closed client sessions", "count", n)

	h.bridge.PublishSystemEvent(protocol.BrokerInstanceShutdown, map[string]string{"instance": h.bridge.Origin()})
	h.bridge.Disconnect()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		h.logger.Warn("graceful shutdown failed, forcing close", "error", err)
		_ = srv.Close()
	} else {
		h.logger.Info("http server stopped gracefully")
	}

	h.logger.Info("closing store")
	_ = h.store.Close()
	h.logger.Info("shutdown complete")
}

// watchBridge logs broker transitions. Delivery stays local whenever the
// broker is not connected, so nothing else needs to react here.
func (h *Hub) watchBridge(ctx context.Context) {
	events := h.bridge.Subscribe()
	defer h.bridge.Unsubscribe(events)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Type {
			case bridge.EventFallback:
				if ev.Permanent {
					h.logger.Warn("broker disabled, delivering locally only")
				} else {
					h.logger.Warn("broker not connected yet, delivering locally")
				}
			case bridge.EventConnected:
				h.logger.Info("broker mirroring active")
			}
		}
	}
}

func (h *Hub) runRetentionPurger(ctx context.Context, retention time.Duration) {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-retention)
			if n, err := h.store.PurgeOldMessages(ctx, cutoff); err != nil {
				h.logger.Warn("retention purge: messages failed", "error", err)
			} else if n > 0 {
				h.logger.Info("retention purge: deleted old messages", "count", n)
			}
		}
	}
}
