package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/corehr/portal-sync/internal/bus"
	"github.com/corehr/portal-sync/internal/config"
	"github.com/corehr/portal-sync/internal/convo"
	"github.com/corehr/portal-sync/internal/counter"
	"github.com/corehr/portal-sync/internal/logging"
	"github.com/corehr/portal-sync/internal/models"
	"github.com/corehr/portal-sync/internal/notify"
	"github.com/corehr/portal-sync/internal/portal"
	"github.com/corehr/portal-sync/internal/push"
	"github.com/corehr/portal-sync/internal/session"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

var Version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment)
	logger.Info("portal-sync starting",
		slog.String("version", Version),
		slog.String("device", cfg.DeviceName),
		slog.String("user", cfg.UserID),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sess := session.NewContext()
	sess.SetAuthenticated(cfg.UserID, cfg.AuthToken)

	b := bus.New(logging.ForComponent(logger, "bus"))
	dispatcher := bus.NewDispatcher(b, logging.ForComponent(logger, "dispatch"))

	client := portal.NewClient(nil, cfg.APIBaseURL, sess.Token)

	store, err := notify.Open(cfg.NotifyDBPath, "notifications", notify.Bell{}, logging.ForComponent(logger, "notify"))
	if err != nil {
		return fmt.Errorf("opening notification store: %w", err)
	}
	defer store.Close()

	syncer := convo.NewSynchronizer(client, b, cfg.UserID, logging.ForComponent(logger, "convo"))
	agg := counter.New(client, b, cfg.RefreshInterval, logging.ForComponent(logger, "counter"))

	unbind := agg.Bind()
	defer unbind()

	allKinds := []models.EventKind{
		models.EventNewMessage,
		models.EventNewNotice,
		models.EventNewTask,
		models.EventNewMeeting,
	}

	dispatcher.Register(models.EventNewMessage, "convo", syncer.HandleEvent)
	for _, kind := range allKinds {
		dispatcher.Register(kind, "counter", agg.HandleEvent)
	}
	dispatcher.Register(models.EventNewNotice, "notify", store.HandleEvent)
	dispatcher.Register(models.EventNewTask, "notify", store.HandleEvent)
	dispatcher.Register(models.EventNewMeeting, "notify", store.HandleEvent)

	manager := push.NewManager(push.Config{
		Host:         cfg.PushHost,
		Device:       cfg.DeviceName,
		ReconnectMin: cfg.ReconnectMin,
		ReconnectMax: cfg.ReconnectMax,
		MaxAttempts:  cfg.ReconnectAttempts,
		PollInterval: cfg.PollInterval,
	}, sess, dispatcher, b, logging.ForComponent(logger, "push"), nil)
	defer manager.Close()

	// Tear down the socket when the session is cleared so no further
	// events flow for a signed-out user.
	sess.OnChange(func(s models.Session) {
		if !s.Authenticated() {
			logger.Info("session cleared, closing push connection")
			manager.Close()
		}
	})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return agg.Run(gctx)
	})

	g.Go(func() error {
		if err := manager.Open(gctx); err != nil {
			logger.Warn("initial push connect failed, entering polling mode",
				slog.String("error", err.Error()))
			b.Publish(bus.TopicDegraded, nil)

			return push.NewPoller(b, cfg.PollInterval, logging.ForComponent(logger, "poll")).Run(gctx)
		}

		return manager.Run(gctx)
	})

	if cfg.MetricsListenAddr != "" {
		g.Go(func() error {
			return runMetrics(gctx, cfg.MetricsListenAddr, logger)
		})
	}

	// Prime the unread counts so the badge state is correct before the
	// first push event arrives.
	agg.MarkAllDirty()

	return g.Wait()
}

// runMetrics serves the Prometheus endpoint until the context ends.
func runMetrics(ctx context.Context, addr string, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	logger.Info("starting metrics server", slog.String("listen", addr))

	// Shutdown when context is cancelled.
	go func() {
		<-ctx.Done()
		logger.Info("shutting down metrics server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server error: %w", err)
	}

	return nil
}
