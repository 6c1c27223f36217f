package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/SalmaAmgarou/invoice/internal/archive"
	"github.com/SalmaAmgarou/invoice/internal/common"
	"github.com/SalmaAmgarou/invoice/internal/queue"
	"github.com/SalmaAmgarou/invoice/internal/report"
	"github.com/SalmaAmgarou/invoice/internal/webhook"
	"github.com/SalmaAmgarou/invoice/internal/worker"
)

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(log)

	cfg := common.LoadConfig()
	if err := cfg.Validate(); err != nil {
		log.Error("config.invalid", "error", err)
		os.Exit(1)
	}
	if cfg.Engine.URL == "" {
		log.Error("config.invalid", "error", "ENGINE_URL is required")
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

	engine := report.NewHTTPEngine(cfg.Engine, log)
	registry := worker.NewRegistry(
		worker.PDFHandler{Engine: engine},
		worker.ImagesHandler{Engine: engine},
	)
	dispatcher := webhook.NewDispatcher(cfg.Webhook, store, log)

	var sinks []worker.EnvelopeSink
	if cfg.Storage.ArchiveDir != "" {
		sinks = append(sinks, archive.NewSink(cfg.Storage.ArchiveDir, log))
	}

	exec := worker.NewExecutor(store, registry, dispatcher, cfg.Worker, log, sinks...)
	exec.Start(ctx)
	log.Info("worker.started", "count", cfg.Worker.Count)

	<-ctx.Done()
	log.Info("worker.shutdown.begin")
	exec.Wait()
	log.Info("worker.shutdown.done")
}
