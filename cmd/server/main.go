package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/nicktill/ridewatch/pkg/config"
	"github.com/nicktill/ridewatch/pkg/logging"
	"github.com/nicktill/ridewatch/pkg/server"
)

func main() {
	configPath := flag.String("config", os.Getenv("RIDEWATCH_CONFIG"), "path to YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "ridewatch: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log, err := logging.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	if err != nil {
		return err
	}
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("starting ridewatch",
		slog.String("version", server.Version),
		slog.String("backend", cfg.Storage.Backend),
		slog.String("addr", cfg.Server.Addr),
	)

	store, err := server.OpenStore(ctx, cfg.Storage, log)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Error("failed to close storage", slog.Any("error", err))
		}
	}()

	srv, err := server.New(cfg, store, log)
	if err != nil {
		return err
	}
	if err := srv.Run(ctx); err != nil {
		return err
	}
	log.Info("ridewatch stopped")
	return nil
}
