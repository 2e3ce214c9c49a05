package feed

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nicktill/ridewatch/pkg/ingest"
	"github.com/nicktill/ridewatch/pkg/reliability"
)

const (
	defaultFlushEvery = 5 * time.Second
	sendTimeout       = 5 * time.Second
)

// Config holds configuration for the batcher
type Config struct {
	// MaxBatchSize triggers an early flush. Clamped to the server's batch limit.
	MaxBatchSize int
	FlushEvery   time.Duration
}

// Stats counts readings by outcome
type Stats struct {
	Sent     int64 `json:"sent"`
	Failed   int64 `json:"failed"`
	Rejected int64 `json:"rejected"`
}

// Batcher buffers readings and sends them periodically or when the buffer
// reaches MaxBatchSize
type Batcher struct {
	config    Config
	transport Transport
	log       *slog.Logger

	readings []reliability.Reading
	mu       sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	sends  sync.WaitGroup

	flushing atomic.Bool // at most one background flush at a time

	sent, failed, rejected atomic.Int64
}

// New creates a new batcher
func New(transport Transport, config Config, log *slog.Logger) *Batcher {
	if config.MaxBatchSize <= 0 || config.MaxBatchSize > ingest.MaxReadingsPerBatch {
		config.MaxBatchSize = ingest.MaxReadingsPerBatch
	}
	if config.FlushEvery <= 0 {
		config.FlushEvery = defaultFlushEvery
	}
	return &Batcher{
		config:    config,
		transport: transport,
		log:       log,
		readings:  make([]reliability.Reading, 0, config.MaxBatchSize),
		ctx:       context.Background(),
		done:      make(chan struct{}),
	}
}

// Start starts the flush loop
func (b *Batcher) Start(ctx context.Context) {
	b.ctx, b.cancel = context.WithCancel(ctx)
	go b.flushLoop()
}

// Add buffers a reading
func (b *Batcher) Add(r reliability.Reading) {
	b.mu.Lock()
	b.readings = append(b.readings, r)
	full := len(b.readings) >= b.config.MaxBatchSize
	b.mu.Unlock()

	if full && b.flushing.CompareAndSwap(false, true) {
		b.sends.Add(1)
		go func() {
			defer b.sends.Done()
			b.flush(b.ctx)
			b.flushing.Store(false)
		}()
	}
}

// Flush sends everything buffered and returns the first send error
func (b *Batcher) Flush(ctx context.Context) error {
	return b.send(ctx, b.take())
}

// Stop stops the flush loop, waits for in-flight sends and flushes the rest.
// The final flush is not bound to the Start context, which is usually
// already cancelled by then.
func (b *Batcher) Stop() error {
	if b.cancel != nil {
		b.cancel()
		<-b.done
	}
	b.sends.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	return b.Flush(ctx)
}

// Stats returns the counters so far
func (b *Batcher) Stats() Stats {
	return Stats{Sent: b.sent.Load(), Failed: b.failed.Load(), Rejected: b.rejected.Load()}
}

// Pending returns the number of buffered readings
func (b *Batcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.readings)
}

func (b *Batcher) flushLoop() {
	defer close(b.done)

	ticker := time.NewTicker(b.config.FlushEvery)
	defer ticker.Stop()

	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			if b.flushing.CompareAndSwap(false, true) {
				b.flush(b.ctx)
				b.flushing.Store(false)
			}
		}
	}
}

// flush sends the buffer, logging instead of returning errors
func (b *Batcher) flush(ctx context.Context) {
	if err := b.send(ctx, b.take()); err != nil {
		b.log.Warn("feed flush failed", slog.Any("error", err))
	}
}

func (b *Batcher) take() []reliability.Reading {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.readings) == 0 {
		return nil
	}
	out := make([]reliability.Reading, len(b.readings))
	copy(out, b.readings)
	b.readings = b.readings[:0]
	return out
}

// send delivers readings in chunks of MaxBatchSize. Failed chunks are
// counted and dropped; the feed resends the current state every sample
// interval anyway.
func (b *Batcher) send(ctx context.Context, readings []reliability.Reading) error {
	var first error
	for len(readings) > 0 {
		n := min(len(readings), b.config.MaxBatchSize)
		chunk := readings[:n]
		readings = readings[n:]

		sctx, cancel := context.WithTimeout(ctx, sendTimeout)
		err := b.transport.Send(sctx, chunk)
		cancel()

		switch {
		case err == nil:
			b.sent.Add(int64(n))
		case errors.Is(err, ErrRejected):
			b.rejected.Add(int64(n))
		default:
			b.failed.Add(int64(n))
		}
		if err != nil && first == nil {
			first = err
		}
	}
	return first
}
