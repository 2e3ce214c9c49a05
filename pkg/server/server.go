package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/sync/errgroup"

	"github.com/nicktill/ridewatch/pkg/config"
	"github.com/nicktill/ridewatch/pkg/export"
	"github.com/nicktill/ridewatch/pkg/ingest"
	"github.com/nicktill/ridewatch/pkg/server/monitor"
	"github.com/nicktill/ridewatch/pkg/storage"
)

// HTTP server timeouts
const (
	serverReadTimeout  = 10 * time.Second
	serverWriteTimeout = 30 * time.Second
)

// Server runs the HTTP API and every background loop over one store
type Server struct {
	*Components

	cfg       *config.Config
	log       *slog.Logger
	hub       *LiveHub
	scheduler *Scheduler
	consumer  *ingest.Consumer
	handler   http.Handler
}

// New wires the server. The store stays owned by the caller.
func New(cfg *config.Config, store storage.Store, log *slog.Logger) (*Server, error) {
	c := NewComponents(cfg, store, log)

	var storageMon *monitor.StorageMonitor
	if cfg.Storage.Backend == "badger" || (cfg.Storage.Backend == "sqlite" && cfg.Storage.DSN == "") {
		storageMon = monitor.NewStorageMonitor(cfg.Storage.Dir, cfg.MaxStorageBytes())
		c.Ingester.SetStorageChecker(storageMon)
	}

	scheduler, err := NewScheduler(c, log.With(slog.String("component", "scheduler")))
	if err != nil {
		return nil, fmt.Errorf("failed to register schedules: %w", err)
	}

	hub := NewLiveHub(log)
	c.Refresher.OnSwap(hub.PublishGeneration)

	s := &Server{
		Components: c,
		cfg:        cfg,
		log:        log,
		hub:        hub,
		scheduler:  scheduler,
	}

	if len(cfg.Ingest.KafkaBrokers) > 0 {
		s.consumer, err = ingest.NewConsumer(ingest.KafkaConfig{
			Brokers: cfg.Ingest.KafkaBrokers,
			Topic:   cfg.Ingest.KafkaTopic,
			GroupID: cfg.Ingest.KafkaGroupID,
		}, c.Ingester, log.With(slog.String("component", "kafka")))
		if err != nil {
			return nil, fmt.Errorf("failed to create kafka consumer: %w", err)
		}
	}

	router := mux.NewRouter()
	SetupRoutes(router,
		NewAPI(c, storageMon),
		ingest.NewHandler(c.Ingester),
		export.NewHandler(store, log.With(slog.String("component", "export"))),
		hub,
		c.Cache,
	)
	s.handler = Middleware(router, cfg.Server.Addr, log.With(slog.String("component", "http")))
	return s, nil
}

// Handler returns the routed HTTP handler
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Run serves HTTP and runs the scheduler, the live refresher, the websocket
// hub, badger GC and the Kafka consumer until ctx is done or one of them
// fails
func (s *Server) Run(ctx context.Context) error {
	if err := s.Cache.Load(ctx, s.Store); err != nil {
		s.log.Warn("failed to restore live generation", slog.Any("error", err))
	}

	srv := &http.Server{
		Addr:         s.cfg.Server.Addr,
		Handler:      s.handler,
		ReadTimeout:  serverReadTimeout,
		WriteTimeout: serverWriteTimeout,
	}

	eg, ctx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		s.log.Info("listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	eg.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	})
	eg.Go(func() error {
		s.hub.Run(ctx)
		return nil
	})
	eg.Go(func() error {
		s.Refresher.Run(ctx)
		return nil
	})
	eg.Go(func() error {
		s.scheduler.Run(ctx)
		return nil
	})
	eg.Go(func() error {
		RunBadgerGC(ctx, s.Store, s.log.With(slog.String("component", "badger")))
		return nil
	})
	if s.consumer != nil {
		eg.Go(func() error {
			return s.consumer.Run(ctx)
		})
	}

	return eg.Wait()
}
