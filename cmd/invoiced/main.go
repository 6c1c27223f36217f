package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/SalmaAmgarou/invoice/internal/common"
	"github.com/SalmaAmgarou/invoice/internal/queue"
	"github.com/SalmaAmgarou/invoice/internal/server"
)

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(log)

	cfg := common.LoadConfig()
	if err := cfg.Validate(); err != nil {
		log.Error("config.invalid", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closer, err := queue.Open(ctx, cfg, log)
	if err != nil {
		log.Error("queue.open.failed", "error", err)
		os.Exit(1)
	}
	defer func() { _ = closer.Close() }()

	svc := server.NewService(store, store, cfg, log)
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           svc.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("server.listening", "addr", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server.failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("server.shutdown.begin")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server.shutdown.failed", "error", err)
	}
	log.Info("server.shutdown.done")
}
