package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/manpreetbhatti/lattice-board/internal/api"
	"github.com/manpreetbhatti/lattice-board/internal/auth"
	"github.com/manpreetbhatti/lattice-board/internal/clock"
	"github.com/manpreetbhatti/lattice-board/internal/config"
	"github.com/manpreetbhatti/lattice-board/internal/db"
	"github.com/manpreetbhatti/lattice-board/internal/manager"
	"github.com/manpreetbhatti/lattice-board/internal/ratelimit"
	"github.com/manpreetbhatti/lattice-board/internal/room"
	"github.com/manpreetbhatti/lattice-board/internal/sweeper"
	"github.com/manpreetbhatti/lattice-board/internal/ws"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := pflag.String("config", "", "path to a YAML config file")
	port := pflag.Int("port", 0, "listen port (overrides config)")
	logLevel := pflag.String("log-level", "", "log level (overrides config)")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}

	log := config.NewLogger(cfg.Log.Level, cfg.Log.Format)
	if err := run(cfg, log); err != nil {
		log.WithError(err).Fatal("server exited")
	}
}

func openBackend(ctx context.Context, cfg *config.Config, log logrus.FieldLogger) (db.Backend, error) {
	switch cfg.Storage.Driver {
	case "sqlite":
		return db.New(cfg.Storage.SQLitePath, log)
	case "redis":
		return db.NewRedis(ctx, db.RedisOptions{
			Addr:      cfg.Storage.Redis.Addr,
			Password:  cfg.Storage.Redis.Password,
			DB:        cfg.Storage.Redis.DB,
			KeyPrefix: cfg.Storage.Redis.KeyPrefix,
		}, log)
	case "memory":
		log.Warn("using in-memory storage, nothing survives a restart")
		return db.NewMemoryBackend(), nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}

func run(cfg *config.Config, log *logrus.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backend, err := openBackend(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer backend.Close()

	clk := clock.Real()
	mgr := manager.New(manager.Options{
		Store:    backend.Namespace("manager"),
		Clock:    clk,
		Log:      log,
		Defaults: cfg.Lifecycle.Tunables,
	})
	defer mgr.Stop()

	var limiters *ratelimit.Registry
	if cfg.RateLimit.Enabled {
		limiters = ratelimit.NewRegistry(clk, ratelimit.Options{
			Increment: cfg.RateLimit.Increment,
			Grace:     cfg.RateLimit.Grace,
		}, log)
		defer limiters.Stop()
	}

	hub := ws.NewHub(ws.HubOptions{
		Backend:  backend,
		Clock:    clk,
		Log:      log,
		Limiters: limiters,
		Defaults: func(ctx context.Context) room.Config {
			t, err := mgr.Config(ctx)
			if err != nil {
				t = cfg.Lifecycle.Tunables
			}
			return room.Config{HotDuration: t.HotDuration, MaxActiveUsers: t.MaxActiveUsers}
		},
	})

	sweepCfg := sweeper.DefaultConfig()
	sweepCfg.Interval = cfg.Lifecycle.SweepInterval
	sweep := sweeper.New(mgr, hub, limiters, sweepCfg, log)

	handler := api.New(api.Options{
		Manager:        mgr,
		Hub:            hub,
		Backend:        backend,
		Issuer:         auth.NewIssuer(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL, clk),
		Upgrader:       ws.NewUpgrader(cfg.Server.AllowedOrigins, log),
		Sweeper:        sweep,
		AdminToken:     cfg.Auth.AdminToken,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Log:            log,
	}).Routes()

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	log.WithFields(logrus.Fields{
		"addr":    server.Addr,
		"storage": cfg.Storage.Driver,
		"admin":   cfg.Auth.AdminToken != "",
	}).Info("lattice board server starting")

	sweep.Start()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		sweep.Stop()
		// Hijacked websocket connections are not tracked by Shutdown, so
		// the hub closes them itself.
		hub.Shutdown(shutdownCtx)
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
