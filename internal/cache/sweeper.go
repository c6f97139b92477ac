package cache

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultSweepInterval is used when no clear interval is configured.
const DefaultSweepInterval = time.Hour

// SweepFunc is called after each sweep with the number of evicted entries.
type SweepFunc func(store string, evicted int)

// Sweeper periodically evicts expired entries from registered memory
// stores.
type Sweeper struct {
	cron     *cron.Cron
	interval time.Duration
	logger   *slog.Logger
	onSweep  SweepFunc

	mu      sync.Mutex
	stores  map[string]*MemoryStore
	running bool
}

// NewSweeper creates a sweeper that fires every interval.
func NewSweeper(interval time.Duration, onSweep SweepFunc) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{
		cron:     cron.New(),
		interval: interval,
		logger:   slog.Default().With("component", "cache.sweeper"),
		onSweep:  onSweep,
		stores:   make(map[string]*MemoryStore),
	}
}

// Register adds a store under name.
func (s *Sweeper) Register(name string, m *MemoryStore) {
	s.mu.Lock()
	s.stores[name] = m
	s.mu.Unlock()
}

// Start schedules the sweep.
func (s *Sweeper) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	spec := fmt.Sprintf("@every %s", s.interval)
	if _, err := s.cron.AddFunc(spec, s.RunOnce); err != nil {
		return fmt.Errorf("schedule cache sweep %q: %w", spec, err)
	}
	s.cron.Start()
	s.running = true
	s.logger.Info("cache sweeper started", "interval", s.interval.String(), "stores", len(s.stores))
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()
	<-s.cron.Stop().Done()
}

// RunOnce sweeps every registered store.
func (s *Sweeper) RunOnce() {
	s.mu.Lock()
	stores := make(map[string]*MemoryStore, len(s.stores))
	for k, v := range s.stores {
		stores[k] = v
	}
	s.mu.Unlock()

	for name, m := range stores {
		n := m.Sweep()
		if n > 0 {
			s.logger.Debug("cache sweep", "store", name, "evicted", n)
		}
		if s.onSweep != nil {
			s.onSweep(name, n)
		}
	}
}
