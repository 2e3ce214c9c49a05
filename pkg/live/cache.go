package live

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nicktill/ridewatch/pkg/reliability"
	"github.com/nicktill/ridewatch/pkg/storage"
)

// Row is one entity or group of the open hour
type Row = storage.LiveRow

// Generation is a complete live snapshot
type Generation = storage.LiveGeneration

type rowKey struct {
	kind reliability.Kind
	id   string
}

// snapshot pairs a generation with its lookup index. It is never mutated
// after being published.
type snapshot struct {
	gen   *Generation
	index map[rowKey]int
}

// Cache serves the current live generation without locks. A refresh
// publishes a whole new snapshot; readers see either the old one or the
// new one, never a mix.
type Cache struct {
	current atomic.Pointer[snapshot]
}

// NewCache creates an empty cache
func NewCache() *Cache {
	return &Cache{}
}

// Swap publishes gen as the current generation
func (c *Cache) Swap(gen *Generation) {
	s := &snapshot{gen: gen, index: make(map[rowKey]int, len(gen.Rows))}
	for i, r := range gen.Rows {
		s.index[rowKey{r.Kind, r.ID}] = i
	}
	c.current.Store(s)
}

// Current returns the current generation, or nil before the first swap
func (c *Cache) Current() *Generation {
	s := c.current.Load()
	if s == nil {
		return nil
	}
	return s.gen
}

// Get returns the row for (kind, id) together with the generation it
// belongs to. Both come from the same snapshot.
func (c *Cache) Get(kind reliability.Kind, id string) (Row, *Generation, bool) {
	s := c.current.Load()
	if s == nil {
		return Row{}, nil, false
	}
	i, ok := s.index[rowKey{kind, id}]
	if !ok {
		return Row{}, s.gen, false
	}
	return s.gen.Rows[i], s.gen, true
}

// Age returns how long ago the current generation was built
func (c *Cache) Age(now time.Time) (time.Duration, bool) {
	gen := c.Current()
	if gen == nil {
		return 0, false
	}
	return now.Sub(gen.BuiltAt), true
}

// Load publishes the generation persisted in store. A store without a
// generation leaves the cache empty.
func (c *Cache) Load(ctx context.Context, store storage.Store) error {
	gen, err := store.LoadLive(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load live generation: %w", err)
	}
	c.Swap(gen)
	return nil
}
