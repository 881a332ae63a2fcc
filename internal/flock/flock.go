// Package flock manages named populations of monkeys.
package flock

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/wesleyorama2/mobu/internal/alert"
	"github.com/wesleyorama2/mobu/internal/config"
	"github.com/wesleyorama2/mobu/internal/failure"
	"github.com/wesleyorama2/mobu/internal/jupyter"
	"github.com/wesleyorama2/mobu/internal/log"
	"github.com/wesleyorama2/mobu/internal/metrics"
	"github.com/wesleyorama2/mobu/internal/monkey"
	"github.com/wesleyorama2/mobu/internal/users"
)

// issueConcurrency bounds concurrent token requests when a flock starts.
const issueConcurrency = 10

// Options are the process-wide dependencies shared by every monkey.
type Options struct {
	EnvironmentURL string
	Issuer         users.Issuer
	Alerts         alert.Reporter
	Semaphore      *semaphore.Weighted
	ErrorPause     time.Duration
	StopTimeout    time.Duration
	ClientOptions  []jupyter.Option
	// Output replaces the process log output of monkeys, mainly for tests.
	Output io.Writer
}

func (o Options) monkeyConfig(flock string, user users.AuthenticatedUser, business config.BusinessConfig, restart bool, engine *metrics.Engine) monkey.Config {
	return monkey.Config{
		Flock:          flock,
		User:           user,
		Business:       business,
		EnvironmentURL: o.EnvironmentURL,
		Restart:        restart,
		Alerts:         o.Alerts,
		ErrorPause:     o.ErrorPause,
		StopTimeout:    o.StopTimeout,
		Semaphore:      o.Semaphore,
		Engine:         engine,
		Output:         o.Output,
		ClientOptions:  o.ClientOptions,
	}
}

// Summary is the aggregate state of a flock.
type Summary struct {
	Name         string     `json:"name" yaml:"name"`
	Business     string     `json:"business" yaml:"business"`
	StartTime    *time.Time `json:"start_time" yaml:"start_time"`
	MonkeyCount  int        `json:"monkey_count" yaml:"monkey_count"`
	SuccessCount int64      `json:"success_count" yaml:"success_count"`
	FailureCount int64      `json:"failure_count" yaml:"failure_count"`
}

// Data is the full state of a flock.
type Data struct {
	Name    string             `json:"name"`
	Config  config.FlockConfig `json:"config"`
	Monkeys []monkey.Data      `json:"monkeys"`
}

// Flock owns a population of monkeys running the same business.
type Flock struct {
	name   string
	config config.FlockConfig
	opts   Options
	engine *metrics.Engine
	logger zerolog.Logger

	mu        sync.RWMutex
	monkeys   map[string]*monkey.Monkey
	startTime *time.Time
	cancel    context.CancelFunc
}

// New creates a flock. Nothing runs until Start.
func New(cfg config.FlockConfig, opts Options) *Flock {
	return &Flock{
		name:    cfg.Name,
		config:  cfg,
		opts:    opts,
		engine:  metrics.NewEngine(),
		logger:  log.WithComponent("flock").With().Str(log.FieldFlock, cfg.Name).Logger(),
		monkeys: make(map[string]*monkey.Monkey),
	}
}

// Name returns the flock name.
func (f *Flock) Name() string { return f.name }

// Config returns the configuration of the flock.
func (f *Flock) Config() config.FlockConfig { return f.config }

// Start authenticates every user of the population, creates their monkeys
// and starts them. The monkeys outlive ctx; use Stop to end them.
func (f *Flock) Start(ctx context.Context) error {
	population := f.config.Population()
	authenticated, err := f.issueTokens(ctx, population)
	if err != nil {
		return err
	}

	monkeys := make(map[string]*monkey.Monkey, len(authenticated))
	for _, user := range authenticated {
		cfg := f.opts.monkeyConfig(f.name, user, f.config.Business, f.config.Restart, f.engine)
		m, err := monkey.New(cfg)
		if err != nil {
			for _, created := range monkeys {
				_ = created.Close()
			}
			return fmt.Errorf("create monkey %s: %w", user.Username, err)
		}
		monkeys[user.Username] = m
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	now := time.Now().UTC()

	f.mu.Lock()
	f.monkeys = monkeys
	f.cancel = cancel
	f.startTime = &now
	f.mu.Unlock()

	for _, m := range monkeys {
		m.Start(runCtx)
	}
	f.logger.Info().
		Int("monkeys", len(monkeys)).
		Str(log.FieldBusiness, f.config.Business.Type).
		Msg("flock started")
	return nil
}

func (f *Flock) issueTokens(ctx context.Context, population []users.User) ([]users.AuthenticatedUser, error) {
	result := make([]users.AuthenticatedUser, len(population))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(issueConcurrency)
	for i, user := range population {
		g.Go(func() error {
			authenticated, err := f.opts.Issuer.Issue(gctx, user, f.config.Scopes)
			if err != nil {
				return fmt.Errorf("create token for %s: %w", user.Username, err)
			}
			result[i] = authenticated
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return result, nil
}

// Stop stops every monkey concurrently and releases them. It returns once
// the slowest monkey has stopped or hit its stop timeout.
func (f *Flock) Stop(ctx context.Context) error {
	f.mu.RLock()
	monkeys := make([]*monkey.Monkey, 0, len(f.monkeys))
	for _, m := range f.monkeys {
		monkeys = append(monkeys, m)
	}
	cancel := f.cancel
	f.mu.RUnlock()

	f.logger.Info().Int("monkeys", len(monkeys)).Msg("stopping flock")
	var g errgroup.Group
	for _, m := range monkeys {
		g.Go(func() error {
			m.Stop()
			return nil
		})
	}
	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	if cancel != nil {
		cancel()
	}
	for _, m := range monkeys {
		if err := m.Close(); err != nil {
			f.logger.Warn().Err(err).Str(log.FieldUser, m.Name()).Msg("cannot release monkey")
		}
	}
	return nil
}

// Monkey returns the monkey named name.
func (f *Flock) Monkey(name string) (*monkey.Monkey, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	m, ok := f.monkeys[name]
	if !ok {
		return nil, &failure.NotFoundError{Kind: "Monkey", Name: name}
	}
	return m, nil
}

// ListMonkeys returns the monkey names, sorted.
func (f *Flock) ListMonkeys() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	names := make([]string, 0, len(f.monkeys))
	for name := range f.monkeys {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Summary aggregates the counters of every monkey. The counters are read
// without stopping the monkeys, so the result is a best-effort snapshot.
func (f *Flock) Summary() Summary {
	f.mu.RLock()
	defer f.mu.RUnlock()
	s := Summary{
		Name:        f.name,
		Business:    f.config.Business.Type,
		StartTime:   f.startTime,
		MonkeyCount: len(f.monkeys),
	}
	for _, m := range f.monkeys {
		core := m.Business().Core()
		s.SuccessCount += core.Successes()
		s.FailureCount += core.Failures()
	}
	return s
}

// Dump returns the configuration and monkeys of the flock.
func (f *Flock) Dump() Data {
	data := Data{Name: f.name, Config: f.config}
	for _, name := range f.ListMonkeys() {
		if m, err := f.Monkey(name); err == nil {
			data.Monkeys = append(data.Monkeys, m.Dump())
		}
	}
	return data
}

// EventStats returns latency percentiles per timed event across all
// monkeys of the flock.
func (f *Flock) EventStats() *metrics.Snapshot {
	return f.engine.GetSnapshot()
}
