package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/emberchat/ember/internal/config"
	"github.com/emberchat/ember/internal/httpapi"
	"github.com/emberchat/ember/internal/relay"
	"github.com/emberchat/ember/internal/store"
)

func main() {
	config.Load()

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var st store.Store
	if dsn := config.String("EMBER_DATABASE_DSN", ""); dsn != "" {
		gs, err := store.Open(dsn)
		if err != nil {
			sugar.Fatalw("open store", "err", err)
		}
		st = gs
	} else {
		sugar.Info("no EMBER_DATABASE_DSN set, using in-memory store")
		st = store.NewMemory()
	}

	hub := relay.NewHub(ctx, sugar)
	handler := httpapi.SetupRoutes(hub, st, config.String("EMBER_API_TOKEN", ""), sugar)

	addr := config.String("EMBER_LISTEN_ADDR", ":8080")
	server := &http.Server{Addr: addr, Handler: handler}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		sugar.Infow("listening", "addr", addr)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		hub.Inbox() <- relay.ShutdownHub{}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("relay exited", "err", err)
	}
}
