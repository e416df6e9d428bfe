// Package main runs the FIFA tracker data layer as a standalone process with
// a diagnostics HTTP server.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fifatracker/datalayer/internal/config"
	"github.com/fifatracker/datalayer/internal/datalayer"
	"github.com/fifatracker/datalayer/internal/httpapi"
	"github.com/fifatracker/datalayer/internal/livesync"
	"github.com/fifatracker/datalayer/internal/metrics"
	"github.com/fifatracker/datalayer/internal/session"
	"github.com/fifatracker/datalayer/internal/storage/postgres"
	"github.com/fifatracker/datalayer/pkg/logger"
	"github.com/fifatracker/datalayer/supabase/client"
)

func main() {
	var (
		configPath = flag.String("config", "", "Path to a YAML configuration file")
		envFile    = flag.String("env", ".env", "Path to a .env file (ignored when missing)")
	)
	flag.Parse()

	if err := run(*configPath, *envFile); err != nil {
		fmt.Fprintf(os.Stderr, "datalayer: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, envFile string) error {
	cfg, err := config.Load(configPath, envFile)
	if err != nil {
		return err
	}
	log := logger.New(cfg.LoggerConfig("datalayer"))
	collector := metrics.NewCollector("fifa")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	deps := datalayer.Deps{
		Metrics: collector,
		Logger:  log,
		OnChange: func(c livesync.Change) {
			log.WithField("topic", c.Topic).WithField("event", c.Event).Debug("change received")
		},
	}

	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	switch cfg.Backend {
	case config.BackendPostgres:
		store, err := postgres.Open(ctx, cfg.Database.URL, postgres.Options{
			MaxOpenConns: cfg.Database.MaxOpenConns,
			Logger:       log,
		})
		if err != nil {
			return fmt.Errorf("open postgres: %w", err)
		}
		cleanup = append(cleanup, func() { _ = store.Close() })
		deps.Source = store
	default:
		sessions, err := wireSupabase(ctx, cfg, log, &deps)
		if err != nil {
			return err
		}
		cleanup = append(cleanup, sessions.Close)
	}

	layer, err := datalayer.New(deps, cfg.DataLayerConfig())
	if err != nil {
		return fmt.Errorf("build data layer: %w", err)
	}
	cleanup = append(cleanup, func() { _ = layer.Close() })

	if err := layer.Start(ctx); err != nil {
		return fmt.Errorf("start data layer: %w", err)
	}

	server := httpapi.New(cfg.HTTP.Addr, layer, collector.Handler(), log,
		httpapi.WithRateLimit(cfg.HTTP.ActionRate, cfg.HTTP.ActionBurst))
	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.WithField("signal", sig.String()).Info("shutting down")
	case err := <-errCh:
		log.WithError(err).Error("diagnostics server failed")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("diagnostics server shutdown")
	}
	return nil
}

// wireSupabase fills deps with the PostgREST source, the auth session and the
// realtime subscriber, signing in when credentials are configured.
func wireSupabase(ctx context.Context, cfg *config.Config, log *logger.Logger, deps *datalayer.Deps) (*client.SessionManager, error) {
	sb, err := client.New(client.Config{
		URL:        cfg.Supabase.URL,
		APIKey:     cfg.Supabase.AnonKey,
		ClientInfo: cfg.Supabase.ClientInfo,
		Timeout:    cfg.Supabase.Timeout,
		Logger:     log,
	})
	if err != nil {
		return nil, fmt.Errorf("supabase client: %w", err)
	}

	sessions := client.NewSessionManager(sb.Auth(), session.NewStore(log),
		client.WithAutoRefresh(cfg.Supabase.AutoRefresh),
		client.WithRefreshMargin(cfg.Supabase.RefreshMargin),
		client.WithRefreshRetry(cfg.RefreshRetryPolicy()),
		client.WithSessionLogger(log),
	)
	sb.SetTokenSource(sessions)

	rt, err := sb.Realtime(cfg.LiveSync.Channel)
	if err != nil {
		sessions.Close()
		return nil, fmt.Errorf("supabase realtime: %w", err)
	}

	if cfg.Supabase.Email != "" {
		if _, err := sessions.SignIn(ctx, cfg.Supabase.Email, cfg.Supabase.Password); err != nil {
			log.WithError(err).Warn("sign-in failed, continuing with the anon key")
		}
	}

	deps.Source = sb
	deps.Subscriber = rt
	deps.Sessions = sessions
	return sessions, nil
}
