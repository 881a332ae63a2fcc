// Package monkey supervises one business for one simulated user.
package monkey

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/wesleyorama2/mobu/internal/alert"
	"github.com/wesleyorama2/mobu/internal/business"
	"github.com/wesleyorama2/mobu/internal/config"
	"github.com/wesleyorama2/mobu/internal/failure"
	"github.com/wesleyorama2/mobu/internal/jupyter"
	"github.com/wesleyorama2/mobu/internal/log"
	"github.com/wesleyorama2/mobu/internal/metrics"
	"github.com/wesleyorama2/mobu/internal/timing"
	"github.com/wesleyorama2/mobu/internal/users"
)

// State is the supervision state of a monkey.
type State string

// Monkey states.
const (
	StateIdle     State = "IDLE"
	StateRunning  State = "RUNNING"
	StateFinished State = "FINISHED"
	StateError    State = "ERROR"
	StateStopping State = "STOPPING"
	StateStopped  State = "STOPPED"
)

// Defaults for Config.
const (
	DefaultErrorPause  = 60 * time.Second
	DefaultStopTimeout = 30 * time.Second
)

const logTimeFormat = "2006-01-02 15:04:05"

// Config describes one monkey.
type Config struct {
	Flock          string
	User           users.AuthenticatedUser
	Business       config.BusinessConfig
	EnvironmentURL string
	Restart        bool

	// Alerts receives failures. Defaults to alert.Discard.
	Alerts alert.Reporter
	// ErrorPause is waited after a failure before restarting.
	ErrorPause time.Duration
	// StopTimeout bounds how long Stop waits for the monkey to exit.
	StopTimeout time.Duration
	// Semaphore, if set, limits how many monkeys run at once.
	Semaphore *semaphore.Weighted
	// Engine, if set, receives every timed event.
	Engine *metrics.Engine
	// Output replaces the process log output, mainly for tests.
	Output        io.Writer
	ClientOptions []jupyter.Option
}

// Monkey runs one business for one user and restarts it on failure.
type Monkey struct {
	name        string
	flock       string
	user        users.AuthenticatedUser
	business    business.Business
	restart     bool
	alerts      alert.Reporter
	errorPause  time.Duration
	stopTimeout time.Duration
	sem         *semaphore.Weighted

	logger  zerolog.Logger
	logFile *os.File

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
	done   chan struct{}
}

// Data is the serialized state of a monkey.
type Data struct {
	Name     string                  `json:"name"`
	User     users.AuthenticatedUser `json:"user"`
	Business business.Data           `json:"business"`
	State    State                   `json:"state"`
	Restart  bool                    `json:"restart"`
}

// New creates a monkey and its business. Close must be called to remove
// the monkey's log file.
func New(cfg Config) (*Monkey, error) {
	logFile, err := os.CreateTemp("", "mobu-"+cfg.User.Username+"-*.log")
	if err != nil {
		return nil, fmt.Errorf("create monkey log: %w", err)
	}

	m := &Monkey{
		name:        cfg.User.Username,
		flock:       cfg.Flock,
		user:        cfg.User,
		restart:     cfg.Restart,
		alerts:      cfg.Alerts,
		errorPause:  cfg.ErrorPause,
		stopTimeout: cfg.StopTimeout,
		sem:         cfg.Semaphore,
		logFile:     logFile,
		state:       StateIdle,
	}
	if m.alerts == nil {
		m.alerts = alert.Discard{}
	}
	if m.errorPause == 0 {
		m.errorPause = DefaultErrorPause
	}
	if m.stopTimeout == 0 {
		m.stopTimeout = DefaultStopTimeout
	}
	m.logger = newLogger(cfg, logFile)
	m.logger.Info().Msgf("starting new file logger %s", logFile.Name())

	businessType := cfg.Business.Type
	b, err := business.New(businessType, business.Deps{
		User:           cfg.User,
		Options:        cfg.Business.Options,
		EnvironmentURL: cfg.EnvironmentURL,
		Logger:         m.logger,
		Timing:         []timing.Option{timing.WithObserver(metrics.Observer(cfg.Flock, businessType, cfg.Engine))},
		ClientOptions:  cfg.ClientOptions,
		OnIteration: func(success bool) {
			metrics.RecordIteration(cfg.Flock, businessType, success)
		},
	})
	if err != nil {
		_ = logFile.Close()
		_ = os.Remove(logFile.Name())
		return nil, err
	}
	m.business = b
	metrics.MonkeyStateChanged(m.flock, "", string(StateIdle))
	return m, nil
}

// newLogger builds the per-user logger: JSON to the process output, and
// plain lines to the monkey's own log file.
func newLogger(cfg Config, file *os.File) zerolog.Logger {
	fileWriter := zerolog.ConsoleWriter{
		Out:           zerolog.SyncWriter(file),
		NoColor:       true,
		TimeFormat:    logTimeFormat,
		FieldsExclude: []string{"service", log.FieldComponent, log.FieldFlock, log.FieldUser},
	}

	var base zerolog.Logger
	if cfg.Output != nil {
		base = zerolog.New(zerolog.MultiLevelWriter(cfg.Output, fileWriter)).With().Timestamp().Logger()
	} else {
		base = log.Tee(fileWriter)
	}
	return base.With().
		Str(log.FieldComponent, "monkey").
		Str(log.FieldFlock, cfg.Flock).
		Str(log.FieldUser, cfg.User.Username).
		Logger()
}

// Name returns the monkey's name, which is its username.
func (m *Monkey) Name() string { return m.name }

// Business returns the business the monkey runs.
func (m *Monkey) Business() business.Business { return m.business }

// State returns the current supervision state.
func (m *Monkey) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Monkey) setState(state State) {
	m.mu.Lock()
	old := m.state
	m.state = state
	m.mu.Unlock()
	if old == state {
		return
	}
	metrics.MonkeyStateChanged(m.flock, string(old), string(state))
	m.logger.Debug().Str(log.FieldOldState, string(old)).Str(log.FieldNewState, string(state)).Msg("state changed")
}

// Start runs the supervision loop in its own goroutine. The loop ends when
// ctx is cancelled, Stop is called, or the business fails with restart
// disabled.
func (m *Monkey) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.mu.Lock()
	m.cancel = cancel
	m.done = done
	m.mu.Unlock()

	go func() {
		defer close(done)
		defer cancel()
		m.supervise(ctx)
	}()
}

func (m *Monkey) supervise(ctx context.Context) {
	if m.sem != nil {
		if err := m.sem.Acquire(ctx, 1); err != nil {
			m.setState(StateStopped)
			return
		}
		defer m.sem.Release(1)
	}

	for {
		m.setState(StateRunning)
		err := business.Run(ctx, m.business)

		if ctx.Err() != nil || m.business.Stopping() || errors.Is(err, context.Canceled) {
			m.logger.Info().Msg("shutting down")
			m.setState(StateStopped)
			return
		}

		if err == nil {
			m.setState(StateFinished)
			if !m.restart {
				return
			}
			continue
		}

		m.setState(StateError)
		m.logger.Error().Err(err).Msg("error while doing monkey business")
		m.alert(ctx, err)

		timer := time.NewTimer(m.errorPause)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			m.setState(StateStopped)
			return
		}

		if !m.restart {
			return
		}
		m.logger.Info().Msg("restarting after failure")
		metrics.RecordRestart(m.flock)
	}
}

func (m *Monkey) alert(ctx context.Context, err error) {
	if !failure.ShouldAlert(err) {
		return
	}
	msg := failure.ToAlert(err, m.name)
	m.logger.Info().Str("alert", msg.Text).Msg("sending alert")
	m.alerts.Report(ctx, msg)
	metrics.RecordAlert(m.flock)
}

// RunOnce runs a single startup, execute and shutdown pass in the calling
// goroutine and returns its error.
func (m *Monkey) RunOnce(ctx context.Context) error {
	m.setState(StateRunning)
	err := business.RunOnce(ctx, m.business)
	if err != nil {
		m.setState(StateError)
		m.logger.Error().Err(err).Msg("error while doing monkey business")
		return err
	}
	m.setState(StateFinished)
	return nil
}

// Stop asks the monkey to stop and waits up to the stop timeout for it to
// exit. A monkey that does not exit in time is abandoned.
func (m *Monkey) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	running := m.state == StateRunning || m.state == StateError || m.state == StateFinished
	m.mu.Unlock()

	m.business.Stop()
	if cancel == nil {
		m.setState(StateStopped)
		return
	}
	if running {
		m.setState(StateStopping)
	}
	cancel()

	timer := time.NewTimer(m.stopTimeout)
	defer timer.Stop()
	select {
	case <-done:
		m.setState(StateStopped)
	case <-timer.C:
		m.logger.Warn().Dur("timeout", m.stopTimeout).Msg("monkey did not stop in time")
	}
}

// Done is closed when the supervision loop has exited. It is nil before
// Start.
func (m *Monkey) Done() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.done
}

// Log returns the content of the monkey's log file.
func (m *Monkey) Log() (string, error) {
	data, err := os.ReadFile(m.logFile.Name())
	if err != nil {
		return "", fmt.Errorf("read monkey log: %w", err)
	}
	return string(data), nil
}

// LogPath returns the path of the monkey's log file.
func (m *Monkey) LogPath() string {
	return m.logFile.Name()
}

// Close releases the business and removes the log file. If the supervision
// loop is still running, for example after Stop gave up waiting, the release
// happens once the loop exits and Close returns nil.
func (m *Monkey) Close() error {
	done := m.Done()
	if done != nil {
		select {
		case <-done:
		default:
			go func() {
				<-done
				if err := m.release(); err != nil {
					logger := log.WithComponent("monkey")
					logger.Warn().Err(err).Str(log.FieldUser, m.name).Msg("cannot release monkey")
				}
			}()
			return nil
		}
	}
	return m.release()
}

func (m *Monkey) release() error {
	err := m.business.Close()
	metrics.MonkeyStateChanged(m.flock, string(m.State()), "")
	if cerr := m.logFile.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if rerr := os.Remove(m.logFile.Name()); rerr != nil && !errors.Is(rerr, os.ErrNotExist) && err == nil {
		err = rerr
	}
	return err
}

// Dump returns a snapshot of the monkey with the user's token redacted.
func (m *Monkey) Dump() Data {
	return Data{
		Name:     m.name,
		User:     m.user.Redacted(),
		Business: m.business.Dump(),
		State:    m.State(),
		Restart:  m.restart,
	}
}
