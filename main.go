package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"relay/config"
	"relay/control"
	"relay/db"
	"relay/metrics"
	"relay/presence"
	"relay/server"
	"relay/store"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := config.InitLogging(cfg.LogLevel)
	defer logger.Sync()

	if len(args) > 0 && args[0] == "seed" {
		return seed(cfg)
	}

	registry := presence.NewRegistry()
	st := openStore(cfg, registry)

	var m *metrics.Metrics
	if cfg.Metrics {
		m = metrics.New()
	}

	srv := server.New(st, registry, &server.ServerConfig{
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PingInterval: cfg.PingInterval,
		SendBuffer:   cfg.SendBuffer,
		MaxFrameSize: cfg.MaxFrameSize,
		Metrics:      cfg.Metrics,
	}, m)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	listener, err := net.Listen("tcp", cfg.Addr())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Addr(), err)
	}

	httpServer := &http.Server{
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		zap.S().Infow("relay listening",
			"address", listener.Addr().String(),
			"store", st.Mode(),
		)
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server error: %w", err)
		}
		return nil
	})

	if cfg.ControlSocket != "" {
		ctl := control.New(cfg.ControlSocket, srv, stop)
		g.Go(func() error {
			return ctl.Serve(gCtx)
		})
	}

	g.Go(func() error {
		<-gCtx.Done()
		zap.S().Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		return multierr.Combine(
			srv.Shutdown(shutdownCtx),
			httpServer.Shutdown(shutdownCtx),
			st.Close(),
		)
	})

	return g.Wait()
}

// openStore selects the store once. A durable store that cannot be opened is
// not fatal: the relay runs in demo mode on the ephemeral store. An opened
// durable store is backed by the in-memory log for reads it cannot serve.
func openStore(cfg *config.Config, registry *presence.Registry) store.Store {
	if cfg.Store == config.StoreEphemeral {
		zap.S().Infow("running in demo mode without database")
		return store.NewMemory(registry)
	}

	database, err := db.New(cfg.DBPath, cfg.StoreTimeout)
	if err != nil {
		zap.S().Errorw("database connection failed, running in demo mode without database",
			"path", cfg.DBPath,
			"error", err,
		)
		return store.NewMemory(registry)
	}
	zap.S().Infow("connected to database", "path", cfg.DBPath)
	return store.NewFallback(database, registry)
}

func seed(cfg *config.Config) error {
	database, err := db.New(cfg.DBPath, cfg.StoreTimeout)
	if err != nil {
		return err
	}
	defer database.Close()

	res, err := database.Seed(context.Background())
	if err != nil {
		return err
	}

	fmt.Printf("Seeding completed: %d users, %d messages in %s\n", res.Users, res.Messages, cfg.DBPath)
	for _, u := range db.DemoUsers {
		fmt.Printf("  %d %s %s (%s)\n", u.ID, u.Avatar, u.Username, u.Status)
	}
	return nil
}
