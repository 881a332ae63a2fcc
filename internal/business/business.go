// Package business implements the workflows a monkey runs.
//
// A Business is a small state machine: Startup once, then Execute and Idle
// in a loop until stopped, then Shutdown. Run drives that loop; the concrete
// workflows only supply the steps.
package business

import (
	"context"
	"time"

	"github.com/wesleyorama2/mobu/internal/timing"
)

// ShutdownTimeout bounds Shutdown when Run exits.
const ShutdownTimeout = 2 * time.Minute

// Business is one load pattern.
type Business interface {
	// Startup prepares the business before the first Execute.
	Startup(ctx context.Context) error
	// Execute runs one iteration.
	Execute(ctx context.Context) error
	// Idle waits between iterations.
	Idle(ctx context.Context) error
	// Shutdown cleans up. It runs once when Run exits, on a context that
	// is not cancelled with the Run context.
	Shutdown(ctx context.Context) error
	// Close releases resources when the business is discarded.
	Close() error

	// Stop asks the business to stop at its next suspension point.
	Stop()
	// Stopping reports whether Stop was called.
	Stopping() bool
	// Core returns the shared state of the business.
	Core() *Base
	// Dump returns a snapshot of the business state.
	Dump() Data
}

// Data is the serialized state of a business.
type Data struct {
	Name         string        `json:"name"`
	SuccessCount int64         `json:"success_count"`
	FailureCount int64         `json:"failure_count"`
	Timings      []timing.Data `json:"timings"`
	Image        *RunningImage `json:"image,omitempty"`
	RunningCode  string        `json:"running_code,omitempty"`
	Notebook     string        `json:"notebook,omitempty"`
}

// RunningImage identifies the image a lab is running.
type RunningImage struct {
	Reference   string `json:"reference"`
	Description string `json:"description"`
}

// Run executes the business until it is stopped, ctx is cancelled, or an
// iteration fails. Failures increment the failure count and are returned.
// Cancellation returns ctx.Err(). Shutdown always runs; its error is logged.
func Run(ctx context.Context, b Business) error {
	base := b.Core()
	defer shutdown(ctx, b)

	base.Logger.Info().Msg("starting up")
	if err := b.Startup(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		base.recordFailure()
		return err
	}

	for !b.Stopping() && ctx.Err() == nil {
		base.Logger.Info().Msg("starting next iteration")
		err := b.Execute(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			base.recordFailure()
			return err
		}
		if b.Stopping() {
			break
		}
		base.recordSuccess()

		if err := b.Idle(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
	}
	return ctx.Err()
}

// RunOnce performs a single Startup, Execute and Shutdown.
func RunOnce(ctx context.Context, b Business) error {
	base := b.Core()
	defer shutdown(ctx, b)

	if err := b.Startup(ctx); err != nil {
		base.recordFailure()
		return err
	}
	if err := b.Execute(ctx); err != nil {
		base.recordFailure()
		return err
	}
	base.recordSuccess()
	return nil
}

func shutdown(ctx context.Context, b Business) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ShutdownTimeout)
	defer cancel()

	logger := b.Core().Logger
	logger.Info().Msg("shutting down")
	if err := b.Shutdown(ctx); err != nil {
		logger.Warn().Err(err).Msg("error during shutdown")
	}
}
