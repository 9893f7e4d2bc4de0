package cli

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	httpx "github.com/splax/shipyard/internal/http"
	"github.com/splax/shipyard/internal/service/deploy"
	"github.com/splax/shipyard/internal/service/webhook"
	"github.com/splax/shipyard/internal/ws"
	"github.com/splax/shipyard/pkg/logger"
)

const serverShutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook, trigger and status HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx)
		},
	}
}

func runServe(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := logger.New("shipyard", logger.ParseLevel(cfg.LogLevel))

	hub := ws.NewHub()
	defer hub.Close()

	a, err := newApp(ctx, cfg, log, deploy.WithObserver(hub))
	if err != nil {
		return err
	}
	defer a.Close()

	limiter := httpx.NewMemoryRateLimiter()
	if a.redis != nil {
		limiter.Close()
		limiter = httpx.NewRedisRateLimiter(a.redis, log)
	}
	proxies, err := cfg.ProxyPrefixes()
	if err != nil {
		return err
	}
	router := httpx.NewRouter(log, webhook.New(cfg.WebhookConfig(), log), a.dispatcher, a.events, hub, limiter, cfg.Auth.OperatorTokenSecret,
		httpx.WithTrustedProxies(proxies))
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	// Open event streams end with the hub, so Shutdown does not wait on them.
	srv.RegisterOnShutdown(hub.Close)

	errorCh := make(chan error, 1)
	go func() {
		log.Info("server starting", "addr", cfg.Addr, "env", cfg.EnvName)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		// An in-flight run may still be inside its remote command.
		drainCtx, cancelDrain := context.WithTimeout(context.Background(), cfg.Remote.Timeout+time.Minute)
		defer cancelDrain()
		if err := a.dispatcher.Shutdown(drainCtx); err != nil {
			log.Error("deploy drain interrupted", "error", err)
		}
		log.Info("server stopped")
		return nil
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			_ = a.dispatcher.Shutdown(context.Background())
			return err
		}
		return nil
	}
}
