package business

import (
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"github.com/wesleyorama2/mobu/internal/config"
	"github.com/wesleyorama2/mobu/internal/jupyter"
	"github.com/wesleyorama2/mobu/internal/log"
	"github.com/wesleyorama2/mobu/internal/timing"
	"github.com/wesleyorama2/mobu/internal/users"
)

// Deps is everything a business needs to be built.
type Deps struct {
	User           users.AuthenticatedUser
	Options        config.BusinessOptions
	EnvironmentURL string
	Logger         zerolog.Logger

	// Timing configures the timing chain, for example to observe events.
	Timing []timing.Option
	// ClientOptions are appended to the protocol client options.
	ClientOptions []jupyter.Option
	// OnIteration is called after every finished iteration.
	OnIteration func(success bool)
}

func (d Deps) logger(name string) zerolog.Logger {
	return d.Logger.With().Str(log.FieldBusiness, name).Logger()
}

// Factory builds a business.
type Factory func(Deps) (Business, error)

var registry = map[string]Factory{
	config.BusinessEmpty: func(d Deps) (Business, error) {
		return NewEmpty(d), nil
	},
	config.BusinessJupyterPythonLoop: func(d Deps) (Business, error) {
		return NewJupyterPythonLoop(d)
	},
	config.BusinessNotebookRunner: func(d Deps) (Business, error) {
		return NewNotebookRunner(d)
	},
}

// New builds the business registered under name.
func New(name string, deps Deps) (Business, error) {
	factory, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unknown business type %q", name)
	}
	b, err := factory(deps)
	if err != nil {
		return nil, err
	}
	b.Core().OnIteration = deps.OnIteration
	return b, nil
}

// Types returns the registered business names, sorted.
func Types() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
