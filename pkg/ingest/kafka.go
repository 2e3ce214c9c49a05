package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/nicktill/ridewatch/pkg/reliability"
)

// KafkaConfig selects the topic carrying reading batches
type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

// messageReader is the part of *kafka.Reader the consumer uses
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer feeds reading batches from Kafka into the ingester. Each
// message value is an IngestRequest or a bare JSON array of readings.
type Consumer struct {
	reader   messageReader
	ingester *Ingester
	log      *slog.Logger
}

// NewConsumer creates a consumer group reader for cfg
func NewConsumer(cfg KafkaConfig, ingester *Ingester, log *slog.Logger) (*Consumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("no kafka brokers configured")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka topic must not be empty")
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		GroupID:     cfg.GroupID,
		GroupTopics: []string{cfg.Topic},
		StartOffset: kafka.FirstOffset,
		MinBytes:    1,
		MaxBytes:    10e6,
	})
	return newConsumer(reader, ingester, log.With(slog.String("topic", cfg.Topic))), nil
}

func newConsumer(reader messageReader, ingester *Ingester, log *slog.Logger) *Consumer {
	return &Consumer{reader: reader, ingester: ingester, log: log}
}

// Run consumes until ctx is done. A message is committed once its batch
// is stored or found undecodable; storage failures leave it uncommitted so
// it is redelivered.
func (c *Consumer) Run(ctx context.Context) error {
	defer func() {
		if err := c.reader.Close(); err != nil {
			c.log.Error("failed to close kafka reader", slog.Any("error", err))
		}
	}()
	c.log.Info("kafka consumer started")

	backoff := time.Second
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				c.log.Info("kafka consumer stopped")
				return nil
			}
			c.log.Error("kafka fetch failed", slog.Any("error", err), slog.Duration("backoff", backoff))
			select {
			case <-time.After(backoff):
				if backoff < 10*time.Second {
					backoff *= 2
				}
				continue
			case <-ctx.Done():
				return nil
			}
		}
		backoff = time.Second

		if err := c.handleMessage(ctx, msg); err != nil {
			c.log.Error("kafka message not stored",
				slog.Any("error", err), slog.Int64("offset", msg.Offset), slog.Int("partition", msg.Partition))
			continue
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			c.log.Error("kafka commit failed", slog.Any("error", err))
		}
	}
}

// handleMessage stores one batch. Poison messages return nil so they are
// committed and skipped.
func (c *Consumer) handleMessage(ctx context.Context, msg kafka.Message) error {
	readings, err := decodeBatch(msg.Value)
	if err != nil {
		c.log.Warn("dropping undecodable kafka message", slog.Any("error", err), slog.Int64("offset", msg.Offset))
		return nil
	}

	res, err := c.ingester.Ingest(ctx, readings)
	if errors.Is(err, ErrTooManyReadings) {
		c.log.Warn("dropping oversized kafka batch", slog.Int("readings", len(readings)), slog.Int64("offset", msg.Offset))
		return nil
	}
	if err != nil {
		return err
	}
	c.log.Debug("kafka batch ingested",
		slog.Int("accepted", res.Accepted), slog.Int("rejected", res.Rejected), slog.Int("late", res.Late))
	return nil
}

func decodeBatch(value []byte) ([]reliability.Reading, error) {
	var req IngestRequest
	if err := json.Unmarshal(value, &req); err == nil && req.Readings != nil {
		return req.Readings, nil
	}
	var readings []reliability.Reading
	if err := json.Unmarshal(value, &readings); err != nil {
		return nil, fmt.Errorf("decode readings: %w", err)
	}
	return readings, nil
}
