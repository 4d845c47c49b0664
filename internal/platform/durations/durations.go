// Package durations keeps an exponentially weighted moving average of
// observed treatment durations, keyed by treatment category.
package durations

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// AllCategories is the key of the clinic-wide average. Every observation is
// folded into it in addition to its own category.
const AllCategories = "all"

const (
	DefaultAlpha   = 0.2
	DefaultMinutes = 30.0
)

// Store reads and updates duration averages.
type Store interface {
	// AverageMinutes returns the current average for category, or the
	// configured default when nothing has been observed yet.
	AverageMinutes(ctx context.Context, category string) (float64, error)
	// Observe folds one observed duration into the category average and
	// returns the new average.
	Observe(ctx context.Context, category string, minutes float64) (float64, error)
}

// Config controls the smoothing of every Store implementation.
type Config struct {
	Alpha          float64
	DefaultMinutes float64
}

func (c Config) withDefaults() Config {
	if c.Alpha <= 0 || c.Alpha > 1 {
		c.Alpha = DefaultAlpha
	}
	if c.DefaultMinutes <= 0 {
		c.DefaultMinutes = DefaultMinutes
	}
	return c
}

// Next applies one EWMA step.
func Next(alpha, current, observed float64) float64 {
	return alpha*observed + (1-alpha)*current
}

func normalize(category string) string {
	category = strings.ToLower(strings.TrimSpace(category))
	if category == "" {
		return AllCategories
	}
	return category
}

func validate(minutes float64) error {
	if minutes < 0 {
		return fmt.Errorf("observed duration must not be negative: %v", minutes)
	}
	return nil
}

// MemoryStore is a process-local Store.
type MemoryStore struct {
	cfg  Config
	mu   sync.RWMutex
	avgs map[string]float64
}

func NewMemoryStore(cfg Config) *MemoryStore {
	return &MemoryStore{cfg: cfg.withDefaults(), avgs: make(map[string]float64)}
}

func (s *MemoryStore) AverageMinutes(_ context.Context, category string) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if v, ok := s.avgs[normalize(category)]; ok {
		return v, nil
	}
	return s.cfg.DefaultMinutes, nil
}

func (s *MemoryStore) Observe(_ context.Context, category string, minutes float64) (float64, error) {
	if err := validate(minutes); err != nil {
		return 0, err
	}
	key := normalize(category)
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.avgs[key]
	if !ok {
		cur = s.cfg.DefaultMinutes
	}
	next := Next(s.cfg.Alpha, cur, minutes)
	s.avgs[key] = next
	return next, nil
}

// SetDefault changes the fallback used for categories with no observations.
func (s *MemoryStore) SetDefault(minutes float64) {
	if minutes <= 0 {
		return
	}
	s.mu.Lock()
	s.cfg.DefaultMinutes = minutes
	s.mu.Unlock()
}
