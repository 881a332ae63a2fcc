package business

import (
	"context"

	"github.com/wesleyorama2/mobu/internal/config"
	"github.com/wesleyorama2/mobu/internal/jupyter"
	"github.com/wesleyorama2/mobu/internal/timing"
)

// JupyterPythonLoop runs the same code over and over in a console session.
type JupyterPythonLoop struct {
	*Nublado
}

// NewJupyterPythonLoop creates a JupyterPythonLoop business.
func NewJupyterPythonLoop(deps Deps) (*JupyterPythonLoop, error) {
	loop := &JupyterPythonLoop{}
	n, err := newNublado(deps, config.BusinessJupyterPythonLoop, loop)
	if err != nil {
		return nil, err
	}
	loop.Nublado = n
	return loop, nil
}

// SessionNotebook implements CodeExecutor.
func (l *JupyterPythonLoop) SessionNotebook() string { return "" }

// ExecuteCode runs the configured code max_executions times, pausing
// execution_idle_time between runs.
func (l *JupyterPythonLoop) ExecuteCode(ctx context.Context, s *jupyter.Session) error {
	code := l.opts.Code
	for range l.opts.MaxExecutions {
		err := l.Time("execute_code", l.annotations(map[string]string{"code": code}), func(sw *timing.Stopwatch) error {
			reply, err := l.runCode(ctx, s, code)
			if err != nil {
				return err
			}
			sw.Annotate("result", reply)
			l.Logger.Info().Str("code", code).Str("result", reply).Msg("executed code")
			return nil
		})
		if err != nil {
			return err
		}
		if !l.Pause(ctx, l.opts.ExecutionIdleTime.D()) {
			return nil
		}
	}
	return nil
}
