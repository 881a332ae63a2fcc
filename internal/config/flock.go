package config

import (
	"github.com/wesleyorama2/mobu/internal/users"
)

// FlockConfig describes a named population of monkeys.
//
// Example YAML:
//
//	name: "basic"
//	count: 10
//	user_spec:
//	  username_prefix: "bot-mobu-user"
//	  uid_start: 60000
//	scopes: ["exec:notebook"]
//	restart: true
//	business:
//	  type: JupyterPythonLoop
//	  options:
//	    max_executions: 1
type FlockConfig struct {
	Name     string         `json:"name" yaml:"name"`
	Count    int            `json:"count" yaml:"count"`
	Users    []users.User   `json:"users,omitempty" yaml:"users,omitempty"`
	UserSpec *users.Spec    `json:"user_spec,omitempty" yaml:"user_spec,omitempty"`
	Scopes   []string       `json:"scopes" yaml:"scopes"`
	Restart  bool           `json:"restart" yaml:"restart"`
	Business BusinessConfig `json:"business" yaml:"business"`
}

// Population returns the users of the flock, generating them from the spec
// if no explicit list was given.
func (c *FlockConfig) Population() []users.User {
	if len(c.Users) > 0 {
		return append([]users.User(nil), c.Users...)
	}
	if c.UserSpec != nil {
		return users.Generate(c.Count, *c.UserSpec)
	}
	return nil
}

// SolitaryConfig describes a single one-shot run.
type SolitaryConfig struct {
	User     users.User     `json:"user" yaml:"user"`
	Scopes   []string       `json:"scopes" yaml:"scopes"`
	Business BusinessConfig `json:"business" yaml:"business"`
}
