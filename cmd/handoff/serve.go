package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/italolelis/handoff/internal/bridge"
	"github.com/italolelis/handoff/internal/bus"
	"github.com/italolelis/handoff/internal/cleanup"
	"github.com/italolelis/handoff/internal/config"
	"github.com/italolelis/handoff/internal/heartbeat"
	"github.com/italolelis/handoff/internal/http/rest"
	"github.com/italolelis/handoff/internal/instance"
	"github.com/italolelis/handoff/internal/intercept"
	"github.com/italolelis/handoff/internal/logctx"
	"github.com/italolelis/handoff/internal/notifier"
	"github.com/italolelis/handoff/internal/relay"
	"github.com/italolelis/handoff/internal/storage/sqlite"
	"github.com/italolelis/handoff/internal/telemetry"
)

const pingInterval = 20 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the interception daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadConfig()
			if err != nil {
				return err
			}

			handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()})
			logger := slog.New(logctx.NewTraceHandler(handler))
			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger.Info("handoff starting...", "log_level", cfg.LogLevel, "version", version)

			if err := run(logctx.WithLogger(ctx, logger), cfg); err != nil {
				logger.Error("fatal error", "err", err)
				return err
			}

			return nil
		},
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Single instance
	lock, err := instance.Acquire(cfg.LockPath)
	if err != nil {
		return err
	}
	defer lock.Release()

	logger.Debug("instance lock acquired", "path", lock.Path())

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
	})
	if err != nil {
		return fmt.Errorf("failed to start telemetry: %w", err)
	}

	defer func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()

		if err := tel.Shutdown(ctx); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}
	}()

	// =========================================================================
	// Start Database
	database, err := sqlite.InitDB(cfg.DBPath)
	if err != nil {
		logger.Error("DB error", "err", err)

		return err
	}
	defer database.Close()

	decisions := sqlite.NewInstrumentedDecisionRepository(database, tel, sqlite.WithDedupWindow(cfg.Intercept.TombstoneTTL))

	// =========================================================================
	// Start Classifier
	rules, err := intercept.LoadRules(cfg.RulesFile)
	if err != nil {
		return err
	}

	classifier, err := intercept.NewClassifier(rules)
	if err != nil {
		return fmt.Errorf("failed to build classifier: %w", err)
	}

	// =========================================================================
	// Start Relay Client and Extension Bridge
	rl := relay.NewInstrumentedClient(relay.NewClient(cfg.Relay.URL, cfg.Relay.Timeout), tel)

	router := bus.NewRouter()
	br := bridge.New(router, bridge.Options{
		CommandTimeout: cfg.Extension.CommandTimeout,
		PingInterval:   pingInterval,
		Version:        cfg.Extension.Version,
	}, tel)

	// =========================================================================
	// Start Coordinator
	coordinator := intercept.NewCoordinator(classifier, br, rl, interceptOptions(cfg),
		intercept.WithNotifier(buildNotifier(br, cfg)),
		intercept.WithConfirmGate(intercept.NewConfirmGate(classifier, br, br)),
		intercept.WithRecorder(decisions),
		intercept.WithMetrics(tel),
	)
	coordinator.Register(router, rl)

	logger.Info("bus ready", "actions", router.Actions())

	// =========================================================================
	// Start API Service
	server := setupServer(ctx, cfg, coordinator, decisions, br, tel)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("initializing API support", "host", cfg.Web.BindAddress)

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

		return nil
	})

	g.Go(func() error {
		coordinator.Run(gctx)
		return nil
	})

	g.Go(func() error {
		heartbeat.New(rl, br, cfg.Extension.HeartbeatInterval).Run(gctx)
		return nil
	})

	g.Go(func() error {
		cleanup.Run(gctx, decisions, cfg.DecisionRetention, cfg.CleanupInterval)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("start shutdown")

		// Give outstanding requests a deadline for completion.
		ctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := br.Close(); err != nil {
			logger.Debug("extension connection close", "err", err)
		}

		if err := server.Shutdown(ctx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err = server.Close(); err != nil {
				return fmt.Errorf("could not stop server gracefully: %w", err)
			}
		}

		return nil
	})

	return g.Wait()
}

func interceptOptions(cfg *config.Config) intercept.Options {
	opts := intercept.DefaultOptions()
	opts.RelayTimeout = cfg.Relay.Timeout
	opts.SecondaryDelay = cfg.Intercept.SecondaryDelay
	opts.StaleAfter = cfg.Intercept.StaleAfter
	opts.TombstoneTTL = cfg.Intercept.TombstoneTTL
	opts.SweepInterval = cfg.Intercept.SweepInterval
	opts.ConfirmPageClicks = cfg.Intercept.ConfirmPageClicks
	opts.UserAgent = cfg.Relay.UserAgent

	return opts
}

func buildNotifier(br *bridge.Bridge, cfg *config.Config) notifier.Notifier {
	sinks := notifier.Multi{br}

	if cfg.DiscordWebhookURL != "" {
		sinks = append(sinks, notifier.NewDiscordNotifier(cfg.DiscordWebhookURL))
	}

	return sinks
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(
	ctx context.Context,
	cfg *config.Config,
	coordinator *intercept.Coordinator,
	decisions *sqlite.InstrumentedDecisionRepository,
	br *bridge.Bridge,
	tel *telemetry.Telemetry,
) *http.Server {
	r := chi.NewRouter()
	r.Use(telemetry.RequestID)
	r.Use(telemetry.HTTPLogging)
	r.Use(telemetry.NewHTTPMiddleware(tel).Middleware)

	r.Handle("/extension", br)
	r.Handle("/metrics", tel.Handler())
	r.Mount("/", rest.NewHandoffHandler(coordinator, decisions, br).Routes())

	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      r,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}
