package business

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/wesleyorama2/mobu/internal/config"
	"github.com/wesleyorama2/mobu/internal/failure"
	"github.com/wesleyorama2/mobu/internal/jupyter"
	"github.com/wesleyorama2/mobu/internal/timing"
)

const (
	chdirTemplate = `import os; os.chdir(%q)`

	imageProbe = `
import os
print(
    os.getenv("JUPYTER_IMAGE_SPEC"),
    os.getenv("IMAGE_DESCRIPTION"),
    sep="\n",
)
`

	nodeProbe = `
from lsst.rsp import get_node
print(get_node(), end="")
`

	deletePollInterval = 2 * time.Second
)

// CodeExecutor is the part of a Nublado business that differs between
// workflows: which notebook a session is opened for and what runs in it.
type CodeExecutor interface {
	// SessionNotebook names the notebook the next session belongs to, or
	// returns "" for a console session.
	SessionNotebook() string
	// ExecuteCode runs the workflow's code in an open session.
	ExecuteCode(ctx context.Context, session *jupyter.Session) error
}

// Nublado drives a lab through its whole lifecycle: spawn, session,
// code execution and deletion. The code that runs inside the session is
// supplied by a CodeExecutor.
type Nublado struct {
	*Base

	opts   config.BusinessOptions
	client *jupyter.Client
	code   CodeExecutor

	pollInterval time.Duration
	jitter       func(time.Duration) time.Duration

	mu    sync.Mutex
	image *RunningImage
	node  string
}

func newNublado(deps Deps, name string, code CodeExecutor) (*Nublado, error) {
	opts := deps.Options
	logger := deps.logger(name)

	clientOpts := []jupyter.Option{
		jupyter.WithTimeout(opts.JupyterTimeout.D()),
		jupyter.WithMaxMessageSize(opts.MaxWebSocketMessageSize),
		jupyter.WithLogger(logger),
	}
	clientOpts = append(clientOpts, deps.ClientOptions...)
	client, err := jupyter.New(deps.EnvironmentURL, opts.URLPrefix, deps.User, clientOpts...)
	if err != nil {
		return nil, err
	}

	return &Nublado{
		Base:         NewBase(name, deps.User.Username, opts.IdleTime.D(), logger, deps.Timing...),
		opts:         opts,
		client:       client,
		code:         code,
		pollInterval: deletePollInterval,
		jitter:       randomDuration,
	}, nil
}

func randomDuration(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(limit)))
}

// Startup waits a random part of the jitter, logs in and deletes any lab
// left over from a previous run.
func (n *Nublado) Startup(ctx context.Context) error {
	if n.opts.Jitter > 0 {
		delay := n.jitter(n.opts.Jitter.D())
		n.Logger.Info().Dur("delay", delay).Msg("delaying start")
		_ = n.Time("pre_login_delay", nil, func(*timing.Stopwatch) error {
			n.Pause(ctx, delay)
			return nil
		})
		if n.Stopping() || ctx.Err() != nil {
			return ctx.Err()
		}
	}

	if err := n.hubLogin(ctx); err != nil {
		return err
	}
	stopped, err := n.client.IsEnvironmentStopped(ctx)
	if err != nil {
		return err
	}
	if !stopped {
		n.Logger.Info().Msg("lab is running, deleting it before starting")
		err := n.deleteLab(ctx)
		var timeoutErr *failure.DeprovisionTimeoutError
		if errors.As(err, &timeoutErr) {
			n.Logger.Warn().Err(err).Msg("lab not deleted, continuing anyway")
		} else if err != nil {
			return err
		}
	}
	return nil
}

// Execute runs one full lab cycle.
func (n *Nublado) Execute(ctx context.Context) error {
	if err := n.hubLogin(ctx); err != nil {
		return err
	}

	spawn := n.opts.DeleteLab
	if !spawn {
		stopped, err := n.client.IsEnvironmentStopped(ctx)
		if err != nil {
			return err
		}
		spawn = stopped
	}
	if spawn {
		n.setImage(nil)
		ready, err := n.spawnLab(ctx)
		if err != nil || !ready {
			return err
		}
	}

	if err := n.labLogin(ctx); err != nil {
		return err
	}
	if err := n.withSession(ctx, n.code.SessionNotebook(), func(s *jupyter.Session) error {
		return n.code.ExecuteCode(ctx, s)
	}); err != nil {
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	if n.opts.DeleteLab {
		if err := n.hubLogin(ctx); err != nil {
			return err
		}
		return n.deleteLab(ctx)
	}
	return nil
}

// Idle pauses for idle_time plus a random part of the jitter.
func (n *Nublado) Idle(ctx context.Context) error {
	delay := n.opts.IdleTime.D() + n.jitter(n.opts.Jitter.D())
	n.Logger.Info().Dur("idle", delay).Msg("idling")
	return n.Time("idle", nil, func(*timing.Stopwatch) error {
		n.Pause(ctx, delay)
		return nil
	})
}

// Shutdown deletes the lab.
func (n *Nublado) Shutdown(ctx context.Context) error {
	if err := n.hubLogin(ctx); err != nil {
		return err
	}
	return n.deleteLab(ctx)
}

// Close releases the client's connections.
func (n *Nublado) Close() error {
	n.client.Close()
	return nil
}

// Dump adds the running image to the base state.
func (n *Nublado) Dump() Data {
	data := n.Base.Dump()
	n.mu.Lock()
	if n.image != nil {
		image := *n.image
		data.Image = &image
	}
	n.mu.Unlock()
	return data
}

// Client returns the protocol client of the business.
func (n *Nublado) Client() *jupyter.Client {
	return n.client
}

func (n *Nublado) hubLogin(ctx context.Context) error {
	n.Logger.Info().Msg("logging in to hub")
	return n.Time("hub_login", n.annotations(nil), func(*timing.Stopwatch) error {
		return n.client.AuthenticateToHub(ctx)
	})
}

func (n *Nublado) labLogin(ctx context.Context) error {
	n.Logger.Info().Msg("logging in to lab")
	return n.Time("lab_login", n.annotations(nil), func(*timing.Stopwatch) error {
		return n.client.LabLogin(ctx)
	})
}

// spawnLab requests a lab and waits for it. It returns false without error
// if the business was stopped while waiting.
func (n *Nublado) spawnLab(ctx context.Context) (bool, error) {
	var ready bool
	err := n.Time("spawn_lab", n.annotations(nil), func(sw *timing.Stopwatch) error {
		var err error
		ready, err = n.waitForSpawn(ctx, sw)
		return err
	})
	return ready, err
}

func (n *Nublado) waitForSpawn(ctx context.Context, sw *timing.Stopwatch) (bool, error) {
	n.Logger.Info().Msg("spawning lab")
	if err := n.client.Provision(ctx, n.opts.Image); err != nil {
		return false, err
	}

	settle := n.opts.SpawnSettleTime.D()
	if !n.Pause(ctx, settle) {
		return false, nil
	}

	budget := n.opts.SpawnTimeout.D() - settle
	wctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()
	wctx, stop := n.stopContext(wctx)
	defer stop()

	var lines []string
	var streamErr error
	for msg, err := range n.client.WatchProgress(wctx) {
		if err != nil {
			streamErr = err
			break
		}
		lines = append(lines, msg.String())
		if msg.Ready {
			n.Logger.Info().Dur("elapsed", sw.Elapsed()).Msg("lab spawned")
			return true, nil
		}
	}

	if n.Stopping() || ctx.Err() != nil {
		return false, nil
	}
	progressLog := strings.Join(lines, "\n")
	if errors.Is(wctx.Err(), context.DeadlineExceeded) || sw.Elapsed() > budget {
		return false, failure.NewProvisioningTimeoutError(sw.Elapsed(), progressLog)
	}
	return false, failure.NewProvisioningFailureError(progressLog, streamErr)
}

// deleteLab deletes the lab and waits for it to go away, unless the
// business is stopping.
func (n *Nublado) deleteLab(ctx context.Context) error {
	n.Logger.Info().Msg("deleting lab")
	err := n.Time("delete_lab", n.annotations(nil), func(sw *timing.Stopwatch) error {
		if err := n.client.Deprovision(ctx); err != nil {
			return err
		}
		if n.Stopping() {
			return nil
		}

		timeout := n.opts.DeleteTimeout.D()
		for {
			stopped, err := n.client.IsEnvironmentStopped(ctx)
			if err != nil {
				return err
			}
			if stopped {
				return nil
			}
			elapsed := sw.Elapsed()
			if elapsed > timeout {
				return failure.NewDeprovisionTimeoutError(elapsed)
			}
			n.Logger.Info().Msgf("waiting for lab deletion (%ds elapsed)", int(elapsed.Seconds()))
			if !n.Pause(ctx, n.pollInterval) {
				return nil
			}
		}
	})
	if err == nil && !n.Stopping() {
		n.Logger.Info().Msg("lab successfully deleted")
		n.setImage(nil)
	}
	return err
}

func (n *Nublado) withSession(ctx context.Context, notebook string, fn func(*jupyter.Session) error) error {
	n.Logger.Info().Msg("creating lab session")
	var session *jupyter.Session
	err := n.Time("create_session", n.annotations(nil), func(*timing.Stopwatch) error {
		var err error
		session, err = n.client.OpenSession(ctx, n.opts.KernelName, notebook)
		return err
	})
	if err != nil {
		return err
	}

	err = n.Time("execute_setup", n.annotations(nil), func(*timing.Stopwatch) error {
		return n.setupSession(ctx, session)
	})
	if err == nil {
		err = fn(session)
	}

	n.Logger.Info().Msg("deleting lab session")
	_ = n.Time("delete_session", n.annotations(nil), func(*timing.Stopwatch) error {
		session.Close(ctx)
		return nil
	})
	n.mu.Lock()
	n.node = ""
	n.mu.Unlock()
	return err
}

func (n *Nublado) setupSession(ctx context.Context, s *jupyter.Session) error {
	reply, err := n.runCode(ctx, s, imageProbe)
	if err != nil {
		return err
	}
	if reference, description, ok := strings.Cut(reply, "\n"); ok {
		image := &RunningImage{
			Reference:   strings.TrimSpace(reference),
			Description: strings.TrimSpace(description),
		}
		n.Logger.Info().Msgf("running on image %s (%s)", image.Reference, image.Description)
		n.setImage(image)
	} else {
		n.Logger.Warn().Str("image_data", reply).Msg("unable to get running image from reply")
		n.setImage(&RunningImage{})
	}

	if n.opts.GetNode {
		node, err := n.runCode(ctx, s, nodeProbe)
		if err != nil {
			return err
		}
		n.mu.Lock()
		n.node = node
		n.mu.Unlock()
		n.Logger.Info().Msgf("running on node %s", node)
	}

	if wd := n.opts.WorkingDirectory; wd != "" {
		n.Logger.Info().Msgf("changing directories to %s", wd)
		if _, err := n.runCode(ctx, s, fmt.Sprintf(chdirTemplate, wd)); err != nil {
			return err
		}
	}
	return nil
}

// runCode runs code bounded by execution_timeout. A timeout is reported as
// an execution failure with status "timeout".
func (n *Nublado) runCode(ctx context.Context, s *jupyter.Session, code string) (string, error) {
	limit := n.opts.ExecutionTimeout.D()
	if limit <= 0 {
		return s.RunCode(ctx, code)
	}
	rctx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	out, err := s.RunCode(rctx, code)
	if err != nil && ctx.Err() == nil && errors.Is(rctx.Err(), context.DeadlineExceeded) {
		timeoutErr := failure.NewExecutionError(code, fmt.Sprintf("no reply after %s", limit), "timeout")
		timeoutErr.SetUser(n.User())
		timeoutErr.Notebook = s.Notebook
		return "", timeoutErr
	}
	return out, err
}

// annotations returns the image and node annotations for timed events,
// merged with extra.
func (n *Nublado) annotations(extra map[string]string) map[string]string {
	result := make(map[string]string, len(extra)+2)
	n.mu.Lock()
	if n.image != nil {
		if n.image.Description != "" {
			result["image"] = n.image.Description
		} else if n.image.Reference != "" {
			result["image"] = n.image.Reference
		}
	}
	if n.node != "" {
		result["node"] = n.node
	}
	n.mu.Unlock()
	for k, v := range extra {
		result[k] = v
	}
	return result
}

func (n *Nublado) setImage(image *RunningImage) {
	n.mu.Lock()
	n.image = image
	n.mu.Unlock()
}
