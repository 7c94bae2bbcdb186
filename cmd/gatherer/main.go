package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/rickgao/marketstream/internal/config"
	"github.com/rickgao/marketstream/internal/connection"
	"github.com/rickgao/marketstream/internal/database"
	"github.com/rickgao/marketstream/internal/interest"
	"github.com/rickgao/marketstream/internal/metrics"
	"github.com/rickgao/marketstream/internal/recorder"
	"github.com/rickgao/marketstream/internal/router"
	"github.com/rickgao/marketstream/internal/subscription"
	"github.com/rickgao/marketstream/internal/transport"
	"github.com/rickgao/marketstream/internal/version"
)

func main() {
	configPath := flag.String("config", "configs/gatherer.example.yaml", "path to config file")
	flag.Parse()

	// Set up structured logging
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
	slog.SetDefault(logger)

	logger.Info("starting gatherer",
		"version", version.Version,
		"build", version.String(),
		"config", *configPath,
	)

	// Load configuration
	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		"instance_id", cfg.Instance.ID,
		"stream_url", cfg.Stream.URL,
	)

	if err := run(cfg, logger); err != nil {
		logger.Error("gatherer failed", "error", err)
		os.Exit(1)
	}

	logger.Info("gatherer stopped")
}

func run(cfg *config.GathererConfig, logger *slog.Logger) error {
	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("received shutdown signal", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	capab, err := cfg.Auth.Capability()
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	keys, err := cfg.Subscriptions.Keys(capab)
	if err != nil {
		return fmt.Errorf("subscriptions: %w", err)
	}

	// Optional database for the recorder
	var pool *pgxpool.Pool
	if cfg.Database.Enabled() {
		pool, err = database.Connect(ctx, cfg.Database.Timescale, cfg.Instance.ID)
		if err != nil {
			return err
		}
		defer pool.Close()

		if err := database.EnsureSchema(ctx, pool); err != nil {
			return err
		}
		logger.Info("connected to database", "host", cfg.Database.Timescale.Host)
	}

	// Streaming pipeline
	dialer := transport.NewDialer(cfg.Stream.TransportConfig(), logger)
	logger.Info("transport configured", "mode", dialer.Mode())

	tracker := interest.NewTracker()
	conn := connection.NewManager(cfg.Stream.ConnectionConfig(), dialer, logger, m)
	rtr := router.NewRouter(cfg.Stream.RouterConfig(), conn.SubscribeMessages(0).C(), tracker, logger, m)
	subs := subscription.NewManager(cfg.Stream.SubscriptionConfig(), conn, rtr, tracker, logger, m)

	if err := subs.Start(ctx); err != nil {
		return err
	}
	if err := rtr.Start(ctx); err != nil {
		return err
	}
	if err := conn.Start(ctx); err != nil {
		return err
	}

	streams := make([]*subscription.Stream, 0, len(keys))
	for _, key := range keys {
		s, err := subs.Subscribe(ctx, key)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", key.ID(), err)
		}
		streams = append(streams, s)
	}
	logger.Info("subscriptions registered", "count", len(streams))

	var recorders []*recorder.Recorder
	if pool != nil {
		for _, s := range streams {
			rec := recorder.New(cfg.Recorder.WriterConfig(), s.Messages(), pool, logger.With("key", s.ID()), m)
			if err := rec.Start(ctx); err != nil {
				return err
			}
			recorders = append(recorders, rec)
		}
	}

	// Health and metrics server
	var db database.Pinger
	if pool != nil {
		db = pool
	}
	mux := createHealthHandler(conn, subs, db, logger)
	mux.Handle(cfg.Metrics.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Metrics.Port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("starting health server", "port", cfg.Metrics.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("health server: %w", err)
		}
		return nil
	})

	// Connection errors end when the manager shuts down. A shutdown we did
	// not ask for is terminal.
	g.Go(func() error {
		for err := range conn.Errors() {
			logger.Warn("connection error", "error", err)
		}
		if ctx.Err() == nil {
			return fmt.Errorf("connection manager terminated: %v", conn.State().Err)
		}
		return nil
	})

	g.Go(func() error {
		logStats(gctx, conn, rtr, subs, streams, logger)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdown(server, conn, rtr, subs, recorders, logger)
		return nil
	})

	logger.Info("gatherer running",
		"health_url", fmt.Sprintf("http://localhost:%d/health", cfg.Metrics.Port),
	)

	return g.Wait()
}

// shutdown stops components in reverse dependency order. Recorders go last
// so their final flush sees every message already routed.
func shutdown(server *http.Server, conn *connection.Manager, rtr *router.Router, subs *subscription.Manager, recorders []*recorder.Recorder, logger *slog.Logger) {
	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("health server shutdown", "error", err)
	}
	subs.Stop(shutdownCtx)
	conn.Stop(shutdownCtx)
	rtr.Stop(shutdownCtx)
	for _, rec := range recorders {
		rec.Stop(shutdownCtx)
	}
}

func logStats(ctx context.Context, conn *connection.Manager, rtr *router.Router, subs *subscription.Manager, streams []*subscription.Stream, logger *slog.Logger) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			connStats := conn.Stats()
			routerStats := rtr.Stats()

			var dropped int64
			for _, s := range streams {
				dropped += s.Dropped()
			}

			logger.Info("stats",
				"state", connStats.State,
				"reconnects", connStats.Reconnects,
				"frames_received", connStats.FramesReceived,
				"outbound_queued", connStats.OutboundQueued,
				"outbound_capacity", connStats.OutboundCapacity,
				"routed", routerStats.MessagesRouted,
				"uninterested", routerStats.Uninterested,
				"parse_errors", routerStats.ParseErrors,
				"subscriptions", subs.SubscriptionCount(),
				"stream_drops", dropped,
			)
		}
	}
}
