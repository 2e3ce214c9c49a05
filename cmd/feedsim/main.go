// Command feedsim pushes synthetic ride status readings into a ridewatch
// server, over HTTP or through the Kafka ingest topic.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nicktill/ridewatch/pkg/feed"
	"github.com/nicktill/ridewatch/pkg/logging"
	"github.com/nicktill/ridewatch/pkg/reliability"
)

type options struct {
	server    string
	apiKey    string
	brokers   string
	topic     string
	group     string
	entities  int
	openHour  int
	closeHour int
	downRate  float64
	fixRate   float64
	interval  time.Duration
	flush     time.Duration
	seed      uint64
	logLevel  string
}

func main() {
	var o options
	flag.StringVar(&o.server, "server", "http://localhost:8080", "ridewatch server url")
	flag.StringVar(&o.apiKey, "api-key", "", "bearer token sent with each request")
	flag.StringVar(&o.brokers, "kafka-brokers", "", "comma-separated brokers; publishes to Kafka instead of HTTP")
	flag.StringVar(&o.topic, "kafka-topic", "ridewatch-readings", "Kafka topic")
	flag.StringVar(&o.group, "group", "demo-park", "group id of the simulated entities")
	flag.IntVar(&o.entities, "entities", 12, "number of simulated entities")
	flag.IntVar(&o.openHour, "open", 9, "UTC hour the group opens")
	flag.IntVar(&o.closeHour, "close", 21, "UTC hour the group closes")
	flag.Float64Var(&o.downRate, "down-rate", 0.01, "chance per sample that an entity breaks down")
	flag.Float64Var(&o.fixRate, "fix-rate", 0.25, "chance per sample that a down entity recovers")
	flag.DurationVar(&o.interval, "interval", reliability.SampleInterval, "time between samples")
	flag.DurationVar(&o.flush, "flush", 5*time.Second, "batch flush interval")
	flag.Uint64Var(&o.seed, "seed", uint64(time.Now().UnixNano()), "random seed")
	flag.StringVar(&o.logLevel, "log-level", "info", "log level")
	flag.Parse()

	if err := run(o); err != nil {
		fmt.Fprintf(os.Stderr, "feedsim: %v\n", err)
		os.Exit(1)
	}
}

func run(o options) error {
	log, err := logging.New(o.logLevel, "text", os.Stderr)
	if err != nil {
		return err
	}

	sim, err := feed.NewSimulator(feed.SimConfig{
		GroupID:   o.group,
		Entities:  o.entities,
		OpenHour:  o.openHour,
		CloseHour: o.closeHour,
		DownRate:  o.downRate,
		FixRate:   o.fixRate,
		Seed:      o.seed,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var tr feed.Transport
	if o.brokers != "" {
		if tr, err = feed.NewKafka(strings.Split(o.brokers, ","), o.topic); err != nil {
			return err
		}
		log.Warn("publishing to kafka; register the catalog over HTTP separately", slog.String("topic", o.topic))
	} else {
		h, err := feed.NewHTTP(o.server, o.apiKey)
		if err != nil {
			return err
		}
		if err := h.PutEntities(ctx, sim.Entities()); err != nil {
			return fmt.Errorf("failed to register entities: %w", err)
		}
		tr = h
	}
	defer tr.Close()

	b := feed.New(tr, feed.Config{FlushEvery: o.flush}, log)
	b.Start(ctx)
	sim.Run(ctx, b, o.interval, log)
	return b.Stop()
}
