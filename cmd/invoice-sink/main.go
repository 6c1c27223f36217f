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
	"github.com/SalmaAmgarou/invoice/internal/ledger"
	"github.com/SalmaAmgarou/invoice/internal/queue"
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

	db, err := queue.OpenDB(cfg.Database)
	if err != nil {
		log.Error("db.open.failed", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()
	if err := queue.HealthCheck(db, cfg.Database.DialTimeout); err != nil {
		log.Error("db.health.failed", "error", err)
		os.Exit(1)
	}

	store := ledger.NewStore(db, log)
	if err := store.Init(ctx); err != nil {
		log.Error("ledger.init.failed", "error", err)
		os.Exit(1)
	}

	receiver := ledger.NewServer(store, ledger.ServerConfig{
		Token:  cfg.Webhook.Token,
		Secret: cfg.Webhook.Secret,
	}, log)

	srv := &http.Server{
		Addr:              cfg.Server.SinkAddr,
		Handler:           receiver.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("sink.listening", "addr", cfg.Server.SinkAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("sink.failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("sink.shutdown.begin")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("sink.shutdown.failed", "error", err)
	}
	log.Info("sink.shutdown.done")
}
