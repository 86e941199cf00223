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

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/luvhive/mysterymatch/internal/api"
	"github.com/luvhive/mysterymatch/internal/config"
	"github.com/luvhive/mysterymatch/internal/httpapi"
	"github.com/luvhive/mysterymatch/internal/hub"
	"github.com/luvhive/mysterymatch/internal/logging"
	"github.com/luvhive/mysterymatch/internal/session"
	"github.com/luvhive/mysterymatch/internal/storage"
	"github.com/luvhive/mysterymatch/internal/ws"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() (err error) {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.LogLevel, cfg.Debug)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	store, err := storage.Open(cfg.Database.Driver, cfg.Database.DSN, cfg.Debug)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, store.Close()) }()
	creds := storage.NewCredentials(store, cfg.TelegramUserID)

	client := api.New(cfg.API.BaseURL, creds, logger,
		api.WithTimeout(cfg.API.RequestTimeout),
		api.OnUnauthorized(creds.Clear),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dial := session.SocketTransport(ws.Config{
		BaseURL:           cfg.API.WSBaseURL,
		HeartbeatInterval: cfg.Chat.HeartbeatInterval,
	}, ws.NamedPolicy(cfg.Chat.ReconnectPolicy, cfg.Chat.ReconnectDelay, cfg.Chat.ReconnectMaxDelay, cfg.Chat.ReconnectMaxAttempts), logger)

	h := hub.NewHub(context.Background(), func(ctx context.Context, k hub.Key) (*session.Session, error) {
		return session.New(ctx, session.Config{
			MatchID:       k.MatchID,
			UserID:        k.UserID,
			ToastDuration: cfg.Chat.ToastDuration,
		}, client, dial, logger)
	}, logger)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           httpapi.SetupRoutes(httpapi.Deps{Hub: h, API: client, Credentials: creds, Logger: logger}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", zap.String("addr", cfg.ListenAddr), zap.String("api", cfg.API.BaseURL))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return multierr.Combine(
			srv.Shutdown(shutdownCtx),
			h.Shutdown(shutdownCtx),
		)
	})
	return g.Wait()
}
