package flock

import (
	"context"
	"fmt"

	"github.com/wesleyorama2/mobu/internal/config"
	"github.com/wesleyorama2/mobu/internal/monkey"
)

// SolitaryFlock is the flock label used for one-shot runs.
const SolitaryFlock = "solitary"

// SolitaryResult is the outcome of a one-shot run.
type SolitaryResult struct {
	Success bool   `json:"success" yaml:"success"`
	Error   string `json:"error,omitempty" yaml:"error,omitempty"`
	Log     string `json:"log" yaml:"log"`
}

// RunSolitary runs one monkey through a single business pass and returns
// its result and log. Only setup problems are returned as errors; a
// failed run is reported in the result.
func RunSolitary(ctx context.Context, cfg config.SolitaryConfig, opts Options) (*SolitaryResult, error) {
	user, err := opts.Issuer.Issue(ctx, cfg.User, cfg.Scopes)
	if err != nil {
		return nil, fmt.Errorf("create token for %s: %w", cfg.User.Username, err)
	}

	mcfg := opts.monkeyConfig(SolitaryFlock, user, cfg.Business, false, nil)
	mcfg.Semaphore = nil
	m, err := monkey.New(mcfg)
	if err != nil {
		return nil, err
	}
	defer m.Close()

	result := &SolitaryResult{Success: true}
	if runErr := m.RunOnce(ctx); runErr != nil {
		result.Success = false
		result.Error = runErr.Error()
	}
	logText, err := m.Log()
	if err != nil {
		return nil, err
	}
	result.Log = logText
	return result, nil
}
