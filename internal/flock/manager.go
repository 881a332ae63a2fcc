package flock

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/wesleyorama2/mobu/internal/config"
	"github.com/wesleyorama2/mobu/internal/failure"
	"github.com/wesleyorama2/mobu/internal/log"
)

var errManagerClosed = errors.New("manager is closed")

// Manager is the registry of running flocks for the process.
type Manager struct {
	opts   Options
	logger zerolog.Logger

	mu     sync.Mutex
	flocks map[string]*Flock
	names  map[string]*sync.Mutex
	closed bool
}

// NewManager creates a manager. If opts has no semaphore, one is created
// from concurrencyLimit; a limit of zero or less means unlimited.
func NewManager(opts Options, concurrencyLimit int) *Manager {
	if opts.Semaphore == nil && concurrencyLimit > 0 {
		opts.Semaphore = semaphore.NewWeighted(int64(concurrencyLimit))
	}
	return &Manager{
		opts:   opts,
		logger: log.WithComponent("manager"),
		flocks: make(map[string]*Flock),
		names:  make(map[string]*sync.Mutex),
	}
}

// lockName serializes starting, replacing and stopping the flock called name.
func (m *Manager) lockName(name string) func() {
	m.mu.Lock()
	l, ok := m.names[name]
	if !ok {
		l = &sync.Mutex{}
		m.names[name] = l
	}
	m.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// Options returns the shared monkey options.
func (m *Manager) Options() Options { return m.opts }

// StartFlock starts a flock. A running flock with the same name is stopped
// and replaced.
func (m *Manager) StartFlock(ctx context.Context, cfg config.FlockConfig) (*Flock, error) {
	unlock := m.lockName(cfg.Name)
	defer unlock()

	m.mu.Lock()
	old := m.flocks[cfg.Name]
	delete(m.flocks, cfg.Name)
	m.mu.Unlock()

	if old != nil {
		m.logger.Info().Str(log.FieldFlock, cfg.Name).Msg("replacing running flock")
		if err := old.Stop(ctx); err != nil {
			return nil, fmt.Errorf("stop flock %s: %w", cfg.Name, err)
		}
	}

	f := New(cfg, m.opts)
	if err := f.Start(ctx); err != nil {
		return nil, fmt.Errorf("start flock %s: %w", cfg.Name, err)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = f.Stop(context.WithoutCancel(ctx))
		return nil, fmt.Errorf("start flock %s: %w", cfg.Name, errManagerClosed)
	}
	m.flocks[cfg.Name] = f
	m.mu.Unlock()
	return f, nil
}

// GetFlock returns the flock named name.
func (m *Manager) GetFlock(name string) (*Flock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.flocks[name]
	if !ok {
		return nil, &failure.NotFoundError{Kind: "Flock", Name: name}
	}
	return f, nil
}

// ListFlocks returns the names of the running flocks, sorted.
func (m *Manager) ListFlocks() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.flocks))
	for name := range m.flocks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SummarizeFlocks returns the summary of every flock, sorted by name.
func (m *Manager) SummarizeFlocks() []Summary {
	var summaries []Summary
	for _, name := range m.ListFlocks() {
		if f, err := m.GetFlock(name); err == nil {
			summaries = append(summaries, f.Summary())
		}
	}
	return summaries
}

// StopFlock stops and removes the flock named name.
func (m *Manager) StopFlock(ctx context.Context, name string) error {
	unlock := m.lockName(name)
	defer unlock()

	m.mu.Lock()
	f, ok := m.flocks[name]
	delete(m.flocks, name)
	m.mu.Unlock()
	if !ok {
		return &failure.NotFoundError{Kind: "Flock", Name: name}
	}
	return f.Stop(ctx)
}

// Autostart starts every flock listed in the file at path.
func (m *Manager) Autostart(ctx context.Context, path string) error {
	flocks, err := config.LoadFlocks(path)
	if err != nil {
		return fmt.Errorf("autostart: %w", err)
	}
	for _, cfg := range flocks {
		if _, err := m.StartFlock(ctx, cfg); err != nil {
			return fmt.Errorf("autostart: %w", err)
		}
	}
	m.logger.Info().Int("flocks", len(flocks)).Str("path", path).Msg("autostarted flocks")
	return nil
}

// Close stops every flock concurrently.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	flocks := make([]*Flock, 0, len(m.flocks))
	for _, f := range m.flocks {
		flocks = append(flocks, f)
	}
	m.flocks = make(map[string]*Flock)
	m.closed = true
	m.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, f := range flocks {
		g.Go(func() error {
			return f.Stop(gctx)
		})
	}
	return g.Wait()
}
