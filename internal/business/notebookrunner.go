package business

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/tidwall/gjson"

	"github.com/wesleyorama2/mobu/internal/config"
	"github.com/wesleyorama2/mobu/internal/jupyter"
	"github.com/wesleyorama2/mobu/internal/log"
	"github.com/wesleyorama2/mobu/internal/timing"
)

// NotebookRunner runs every notebook of a repository in turn, one notebook
// per iteration, starting over after the last one.
type NotebookRunner struct {
	*Nublado

	notebooks []string
	next      int

	stateMu     sync.Mutex
	notebook    string
	runningCode string
}

type notebookCell struct {
	id   string
	code string
}

// NewNotebookRunner creates a NotebookRunner business.
func NewNotebookRunner(deps Deps) (*NotebookRunner, error) {
	runner := &NotebookRunner{}
	n, err := newNublado(deps, config.BusinessNotebookRunner, runner)
	if err != nil {
		return nil, err
	}
	runner.Nublado = n
	return runner, nil
}

// Startup finds the notebooks of the repository and then performs the
// usual lab startup.
func (r *NotebookRunner) Startup(ctx context.Context) error {
	if err := r.scanRepository(); err != nil {
		return err
	}
	return r.Nublado.Startup(ctx)
}

// Execute selects the next notebook and runs one lab cycle for it.
func (r *NotebookRunner) Execute(ctx context.Context) error {
	if err := r.nextNotebook(); err != nil {
		return err
	}
	return r.Nublado.Execute(ctx)
}

// SessionNotebook implements CodeExecutor.
func (r *NotebookRunner) SessionNotebook() string {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	return r.notebook
}

// ExecuteCode runs the code cells of the current notebook
// notebook_iterations times.
func (r *NotebookRunner) ExecuteCode(ctx context.Context, s *jupyter.Session) error {
	name := r.SessionNotebook()
	cells, err := r.readNotebook(name)
	if err != nil {
		return err
	}

	r.Logger.Info().Str(log.FieldNotebook, name).Msg("starting notebook")
	iterations := r.opts.NotebookIterations
	for i := range iterations {
		r.Logger.Info().Msgf("notebook %s iteration %d/%d", name, i+1, iterations)
		if err := r.labLogin(ctx); err != nil {
			return err
		}

		for _, cell := range cells {
			r.setRunningCode(cell.code)
			annotations := r.annotations(map[string]string{"notebook": name, "cell": cell.id})
			err := r.Time("execute_cell", annotations, func(sw *timing.Stopwatch) error {
				r.Logger.Info().Str("cell", cell.id).Msgf("executing:\n%s", cell.code)
				reply, err := r.runCode(ctx, s, cell.code)
				if err != nil {
					return err
				}
				r.Logger.Info().Msgf("result:\n%s", reply)
				return nil
			})
			if err != nil {
				r.Logger.Error().Err(err).Str(log.FieldNotebook, name).Msg("error running notebook")
				return err
			}
			if !r.Pause(ctx, r.opts.ExecutionIdleTime.D()) {
				return nil
			}
		}
	}

	r.setRunningCode("")
	r.Logger.Info().Str(log.FieldNotebook, name).Msg("success running notebook")
	return nil
}

// Dump adds the current notebook and code to the lab state.
func (r *NotebookRunner) Dump() Data {
	data := r.Nublado.Dump()
	r.stateMu.Lock()
	data.Notebook = r.notebook
	data.RunningCode = r.runningCode
	r.stateMu.Unlock()
	return data
}

func (r *NotebookRunner) scanRepository() error {
	entries, err := os.ReadDir(r.opts.RepoPath)
	if err != nil {
		return fmt.Errorf("read notebook repository: %w", err)
	}
	var notebooks []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".ipynb") {
			continue
		}
		notebooks = append(notebooks, entry.Name())
	}
	if len(notebooks) == 0 {
		return fmt.Errorf("no notebooks found in %s", r.opts.RepoPath)
	}
	r.notebooks = notebooks
	r.next = 0
	r.Logger.Info().Int("notebooks", len(notebooks)).Msg("notebook repository ready")
	return nil
}

func (r *NotebookRunner) nextNotebook() error {
	if r.next >= len(r.notebooks) {
		r.Logger.Info().Msg("done with this cycle of notebooks")
		if err := r.scanRepository(); err != nil {
			return err
		}
	}
	name := r.notebooks[r.next]
	r.next++

	r.stateMu.Lock()
	r.notebook = name
	r.stateMu.Unlock()
	return nil
}

func (r *NotebookRunner) readNotebook(name string) ([]notebookCell, error) {
	var cells []notebookCell
	err := r.Time("read_notebook", map[string]string{"notebook": name}, func(*timing.Stopwatch) error {
		data, err := os.ReadFile(filepath.Join(r.opts.RepoPath, name))
		if err != nil {
			return fmt.Errorf("read notebook: %w", err)
		}
		if !gjson.ValidBytes(data) {
			return fmt.Errorf("notebook %s is not valid JSON", name)
		}
		for i, cell := range gjson.GetBytes(data, "cells").Array() {
			if cell.Get("cell_type").String() != "code" {
				continue
			}
			cells = append(cells, notebookCell{id: cellID(cell, i), code: cellSource(cell)})
		}
		return nil
	})
	return cells, err
}

func cellID(cell gjson.Result, index int) string {
	if id := cell.Get("id").String(); id != "" {
		return id
	}
	return fmt.Sprintf("#%d", index+1)
}

func cellSource(cell gjson.Result) string {
	source := cell.Get("source")
	if !source.IsArray() {
		return source.String()
	}
	var b strings.Builder
	for _, line := range source.Array() {
		b.WriteString(line.String())
	}
	return b.String()
}

func (r *NotebookRunner) setRunningCode(code string) {
	r.stateMu.Lock()
	r.runningCode = code
	r.stateMu.Unlock()
}
