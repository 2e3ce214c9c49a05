package feed

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/nicktill/ridewatch/pkg/reliability"
)

// SimConfig shapes the synthetic feed
type SimConfig struct {
	GroupID   string
	Entities  int
	OpenHour  int     // UTC hour the group opens
	CloseHour int     // UTC hour the group closes
	DownRate  float64 // chance an operating entity breaks down per sample
	FixRate   float64 // chance a down entity recovers per sample
	Seed      uint64
}

// Simulator generates readings with sticky breakdowns so downtime comes in
// runs the way real outages do
type Simulator struct {
	cfg  SimConfig
	rng  *rand.Rand
	down map[string]bool
}

// NewSimulator creates a simulator
func NewSimulator(cfg SimConfig) (*Simulator, error) {
	if cfg.GroupID == "" {
		return nil, fmt.Errorf("group id must not be empty")
	}
	if cfg.Entities <= 0 {
		return nil, fmt.Errorf("entities must be positive, got %d", cfg.Entities)
	}
	if cfg.OpenHour < 0 || cfg.CloseHour > 24 || cfg.OpenHour >= cfg.CloseHour {
		return nil, fmt.Errorf("invalid opening hours %d-%d", cfg.OpenHour, cfg.CloseHour)
	}
	return &Simulator{
		cfg:  cfg,
		rng:  rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
		down: make(map[string]bool),
	}, nil
}

// Entities returns the catalog the simulator reports on. Tiers cycle 1, 2, 3.
func (s *Simulator) Entities() []reliability.Entity {
	out := make([]reliability.Entity, s.cfg.Entities)
	for i := range out {
		out[i] = reliability.Entity{
			ID:      s.entityID(i),
			GroupID: s.cfg.GroupID,
			Name:    fmt.Sprintf("Ride %d", i+1),
			Tier:    reliability.Tier(i%3 + 1),
		}
	}
	return out
}

// Sample returns one reading per entity at ts
func (s *Simulator) Sample(ts time.Time) []reliability.Reading {
	ts = ts.UTC()
	open := ts.Hour() >= s.cfg.OpenHour && ts.Hour() < s.cfg.CloseHour

	readings := make([]reliability.Reading, s.cfg.Entities)
	for i := range readings {
		id := s.entityID(i)
		status := reliability.StatusClosed
		if open {
			if s.down[id] {
				s.down[id] = s.rng.Float64() >= s.cfg.FixRate
			} else {
				s.down[id] = s.rng.Float64() < s.cfg.DownRate
			}
			status = reliability.StatusOperating
			if s.down[id] {
				status = reliability.StatusDown
			}
		} else {
			delete(s.down, id)
		}

		r := reliability.Reading{
			EntityID:  id,
			GroupID:   s.cfg.GroupID,
			Timestamp: ts,
			Status:    status,
			GroupOpen: open,
		}
		if status == reliability.StatusOperating {
			wait := float64(5 * s.rng.IntN(19))
			r.WaitMinutes = &wait
		}
		readings[i] = r
	}
	return readings
}

// Run adds a sample to b every interval until ctx is done. Timestamps are
// truncated to the interval so the readings line up on sample boundaries.
func (s *Simulator) Run(ctx context.Context, b *Batcher, interval time.Duration, log *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Info("simulator started",
		slog.String("group", s.cfg.GroupID), slog.Int("entities", s.cfg.Entities), slog.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			log.Info("simulator stopped", slog.Any("stats", b.Stats()))
			return
		case now := <-ticker.C:
			for _, r := range s.Sample(now.Truncate(interval)) {
				b.Add(r)
			}
		}
	}
}

func (s *Simulator) entityID(i int) string {
	return fmt.Sprintf("%s-ride-%02d", s.cfg.GroupID, i+1)
}
