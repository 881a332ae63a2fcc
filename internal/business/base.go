package business

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/wesleyorama2/mobu/internal/failure"
	"github.com/wesleyorama2/mobu/internal/timing"
)

// Base holds the state every business shares: counters, the timing chain,
// the stop flag and the logger. Concrete businesses embed it.
type Base struct {
	Logger  zerolog.Logger
	Timings *timing.Timings

	// OnIteration, if set, is called after every finished iteration.
	OnIteration func(success bool)

	name     string
	user     string
	idleTime time.Duration

	successes atomic.Int64
	failures  atomic.Int64

	stopping atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewBase creates the shared state for a business of the given type name
// running as user.
func NewBase(name, user string, idleTime time.Duration, logger zerolog.Logger, opts ...timing.Option) *Base {
	return &Base{
		Logger:   logger,
		Timings:  timing.New(opts...),
		name:     name,
		user:     user,
		idleTime: idleTime,
		stopCh:   make(chan struct{}),
	}
}

// Core implements Business.
func (b *Base) Core() *Base { return b }

// Name returns the business type name.
func (b *Base) Name() string { return b.name }

// User returns the username the business runs as.
func (b *Base) User() string { return b.user }

// Successes returns the number of successful iterations.
func (b *Base) Successes() int64 { return b.successes.Load() }

// Failures returns the number of failed iterations.
func (b *Base) Failures() int64 { return b.failures.Load() }

func (b *Base) recordSuccess() {
	b.successes.Add(1)
	if b.OnIteration != nil {
		b.OnIteration(true)
	}
}

func (b *Base) recordFailure() {
	b.failures.Add(1)
	if b.OnIteration != nil {
		b.OnIteration(false)
	}
}

// Stop implements Business. It wakes any pending Pause.
func (b *Base) Stop() {
	b.stopOnce.Do(func() {
		b.stopping.Store(true)
		close(b.stopCh)
	})
}

// Stopping implements Business.
func (b *Base) Stopping() bool { return b.stopping.Load() }

// Pause sleeps for d. It returns false if the business was stopped or ctx
// was cancelled first; callers must then abandon the current step.
func (b *Base) Pause(ctx context.Context, d time.Duration) bool {
	if b.Stopping() || ctx.Err() != nil {
		return false
	}
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return !b.Stopping()
	case <-b.stopCh:
		return false
	case <-ctx.Done():
		return false
	}
}

// stopContext returns a context that is also cancelled when the business
// is stopped.
func (b *Base) stopContext(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-b.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// Startup implements Business.
func (b *Base) Startup(context.Context) error { return nil }

// Idle implements Business by pausing for the configured idle time.
func (b *Base) Idle(ctx context.Context) error {
	b.Logger.Info().Dur("idle", b.idleTime).Msg("idling")
	sw := b.Timings.Start("idle", nil)
	b.Pause(ctx, b.idleTime)
	return sw.Stop()
}

// Shutdown implements Business.
func (b *Base) Shutdown(context.Context) error { return nil }

// Close implements Business.
func (b *Base) Close() error { return nil }

// Time runs fn inside a stopwatch for event. If fn fails the stopwatch is
// marked failed and the error is enriched with the user and the event.
func (b *Base) Time(event string, annotations map[string]string, fn func(sw *timing.Stopwatch) error) error {
	sw := b.Timings.Start(event, annotations)
	err := fn(sw)
	if err != nil {
		sw.Fail()
		failure.Enrich(err, b.user, sw)
	}
	_ = sw.Stop()
	return err
}

// Dump implements Business.
func (b *Base) Dump() Data {
	return Data{
		Name:         b.name,
		SuccessCount: b.Successes(),
		FailureCount: b.Failures(),
		Timings:      b.Timings.Dump(),
	}
}
