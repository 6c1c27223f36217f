package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/SalmaAmgarou/invoice/internal/cli"
	"github.com/SalmaAmgarou/invoice/internal/common"
	"github.com/SalmaAmgarou/invoice/internal/queue"
)

func main() {
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	slog.SetDefault(log)

	cfg := common.LoadConfig()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "invalid configuration:", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closer, err := queue.Open(ctx, cfg, log)
	if err != nil {
		fmt.Fprintln(os.Stderr, "opening queue:", err)
		os.Exit(1)
	}
	defer func() { _ = closer.Close() }()

	if err := cli.Execute(store, log); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
