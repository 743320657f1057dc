// Package app assembles the platform: configuration, persistence, the
// quote pipeline, the push fan-out and the HTTP surface.
package app

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"trade_go/internal/api"
	"trade_go/internal/dispatch"
	"trade_go/internal/infra"
	"trade_go/internal/infra/broker"
	"trade_go/internal/infra/storage"
	"trade_go/internal/notify"
	"trade_go/internal/push"
	"trade_go/internal/quote"
	"trade_go/internal/service"
)

const shutdownGrace = 10 * time.Second

// Bootstrap orchestrates the application startup sequence
type Bootstrap struct {
	Config      *infra.Config
	Storage     *storage.Storage
	Broker      *broker.Client
	Coalescer   *quote.Coalescer
	Quotes      *service.QuoteService
	Broadcaster *push.Broadcaster
	Stream      *broker.StreamWorker

	httpServer *http.Server
}

// NewBootstrap creates a new Bootstrap instance
func NewBootstrap() *Bootstrap {
	return &Bootstrap{}
}

// Initialize performs core system initialization and wires every
// component together.
func (b *Bootstrap) Initialize() error {
	slog.Info("🚀 Bootstrapping Trade Go...")

	// 1. Load Config
	cfg, err := infra.LoadConfig("configs/config.yaml")
	if err != nil {
		return err // Let main handle the error
	}
	b.Config = cfg

	// 2. Setup Logger
	logger := infra.NewLogger(cfg)
	slog.SetDefault(logger)

	// 3. Initialize Storage (DB)
	store, err := storage.NewStorage(cfg.Storage.Path)
	if err != nil {
		return err
	}
	b.Storage = store
	slog.Info("✅ Database initialized")

	// 4. Quote pipeline: broker client behind the rate-limited queue,
	// coalesced and breaker-guarded.
	tuning := cfg.Tuning()
	metrics := infra.GlobalMetrics

	b.Broker = broker.NewClient(
		cfg.API.Broker.RestURL,
		cfg.API.Broker.AccessKey,
		cfg.API.Broker.SecretKey,
	)

	queue := dispatch.New(tuning, metrics)
	breaker := infra.NewCircuitBreaker("broker", tuning)
	b.Coalescer = quote.New(b.Broker, queue, breaker, tuning, metrics)
	b.Quotes = service.NewQuoteService(b.Coalescer)
	slog.Info("✅ Quote pipeline ready")

	// 5. Push fan-out plus the storage observer that feeds it
	b.Broadcaster = push.New(tuning, metrics)
	store.AddObserver(notify.New(store, b.Broadcaster))
	slog.Info("✅ Event broadcaster ready")

	// 6. Upstream tick stream feeding the last-known snapshot
	if cfg.API.Broker.WSURL != "" && len(cfg.API.Broker.StreamInstruments) > 0 {
		b.Stream = broker.NewStreamWorker(
			cfg.API.Broker.WSURL,
			cfg.API.Broker.StreamInstruments,
			b.Quotes.ProcessTick,
		)
	}

	// 7. HTTP surface
	server := api.NewServer(b.Quotes, b.Broadcaster, store, b.Broker, metrics, nil)
	b.httpServer = &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	return nil
}

// Run starts the background workers and the HTTP server, then blocks
// until the context is cancelled.
func (b *Bootstrap) Run(ctx context.Context) error {
	if b.Stream != nil {
		if err := b.Stream.Connect(ctx); err != nil {
			slog.Error("Failed to connect tick stream", slog.Any("error", err))
		} else {
			slog.Info("✅ Tick stream started", slog.Int("instruments", len(b.Config.API.Broker.StreamInstruments)))
		}
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("✅ HTTP server listening", slog.String("addr", b.Config.Server.Addr))
		if err := b.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	return b.shutdown()
}

// shutdown stops components in reverse dependency order
func (b *Bootstrap) shutdown() error {
	slog.Info("👋 Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	err := b.httpServer.Shutdown(shutdownCtx)

	if b.Stream != nil {
		b.Stream.Disconnect()
	}
	b.Broadcaster.Stop()

	slog.Info("✨ Shutdown complete")
	return err
}
