package feed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/nicktill/ridewatch/pkg/ingest"
	"github.com/nicktill/ridewatch/pkg/reliability"
)

// ErrRejected marks a batch the server refused as a whole. Resending it
// unchanged will not help.
var ErrRejected = errors.New("batch rejected")

// Transport delivers one batch of readings
type Transport interface {
	Send(ctx context.Context, readings []reliability.Reading) error
	Close() error
}

// HTTPTransport posts batches to the ingest endpoint
type HTTPTransport struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTP creates a transport for the server at baseURL, such as
// http://localhost:8080. apiKey is sent as a bearer token when set.
func NewHTTP(baseURL, apiKey string) (*HTTPTransport, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid server url %q", baseURL)
	}
	return &HTTPTransport{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}, nil
}

// Send posts readings as one IngestRequest. A 400 or 422 is reported as
// ErrRejected: the batch was malformed or every reading was late or invalid.
func (t *HTTPTransport) Send(ctx context.Context, readings []reliability.Reading) error {
	if len(readings) == 0 {
		return nil
	}

	return t.do(ctx, http.MethodPost, "/v1/ingest", ingest.IngestRequest{Readings: readings})
}

// PutEntities upserts catalog entries. Entities missing from the catalog
// are scored as unclassified.
func (t *HTTPTransport) PutEntities(ctx context.Context, entities []reliability.Entity) error {
	return t.do(ctx, http.MethodPut, "/v1/entities", ingest.EntitiesRequest{Entities: entities})
}

func (t *HTTPTransport) do(ctx context.Context, method, path string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, t.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if t.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+t.apiKey)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, bytes.TrimSpace(msg))
	default:
		return fmt.Errorf("request failed with status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
}

// Close releases idle connections
func (t *HTTPTransport) Close() error {
	t.client.CloseIdleConnections()
	return nil
}

// messageWriter is the part of *kafka.Writer the transport uses
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaTransport publishes batches to the topic the server's consumer reads
type KafkaTransport struct {
	writer messageWriter
}

// NewKafka creates a transport writing to topic on brokers
func NewKafka(brokers []string, topic string) (*KafkaTransport, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("no kafka brokers configured")
	}
	if topic == "" {
		return nil, fmt.Errorf("kafka topic must not be empty")
	}
	return &KafkaTransport{writer: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 50 * time.Millisecond,
	}}, nil
}

// Send writes one message per group so a park's readings stay ordered on
// a single partition
func (t *KafkaTransport) Send(ctx context.Context, readings []reliability.Reading) error {
	if len(readings) == 0 {
		return nil
	}

	var order []string
	byGroup := make(map[string][]reliability.Reading)
	for _, r := range readings {
		if _, ok := byGroup[r.GroupID]; !ok {
			order = append(order, r.GroupID)
		}
		byGroup[r.GroupID] = append(byGroup[r.GroupID], r)
	}

	msgs := make([]kafka.Message, 0, len(order))
	for _, group := range order {
		value, err := json.Marshal(ingest.IngestRequest{Readings: byGroup[group]})
		if err != nil {
			return fmt.Errorf("failed to marshal readings: %w", err)
		}
		msgs = append(msgs, kafka.Message{Key: []byte(group), Value: value})
	}

	if err := t.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("failed to write kafka messages: %w", err)
	}
	return nil
}

// Close flushes and closes the writer
func (t *KafkaTransport) Close() error {
	return t.writer.Close()
}
