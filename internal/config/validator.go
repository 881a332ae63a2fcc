package config

import (
	"fmt"
	"net/url"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation error: %s", e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors struct {
	Errors []*ValidationError
}

func (e *ValidationErrors) Error() string {
	if len(e.Errors) == 0 {
		return "no validation errors"
	}
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e.Errors)))
	for i, err := range e.Errors {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// Add adds an error to the collection.
func (e *ValidationErrors) Add(field, message string) {
	e.Errors = append(e.Errors, &ValidationError{Field: field, Message: message})
}

// HasErrors returns true if there are any errors.
func (e *ValidationErrors) HasErrors() bool {
	return len(e.Errors) > 0
}

func (e *ValidationErrors) errOrNil() error {
	if e.HasErrors() {
		return e
	}
	return nil
}

// Validate checks a flock document.
//
// Returns nil if valid, or a ValidationErrors containing all validation errors.
func (c *FlockConfig) Validate() error {
	errs := &ValidationErrors{}

	if c.Name == "" {
		errs.Add("name", "name is required")
	} else if strings.ContainsAny(c.Name, "/ ") {
		errs.Add("name", "name cannot contain slashes or spaces")
	}

	if c.Count < 1 {
		errs.Add("count", "count must be at least 1")
	}

	switch {
	case len(c.Users) > 0 && c.UserSpec != nil:
		errs.Add("users", "users and user_spec are mutually exclusive")
	case len(c.Users) > 0:
		if len(c.Users) != c.Count {
			errs.Add("users", fmt.Sprintf("%d users given but count is %d", len(c.Users), c.Count))
		}
		seen := make(map[string]bool, len(c.Users))
		for i, u := range c.Users {
			if u.Username == "" {
				errs.Add(fmt.Sprintf("users[%d].username", i), "username is required")
			} else if seen[u.Username] {
				errs.Add(fmt.Sprintf("users[%d].username", i), "duplicate username "+u.Username)
			}
			seen[u.Username] = true
		}
	case c.UserSpec != nil:
		if c.UserSpec.UsernamePrefix == "" {
			errs.Add("user_spec.username_prefix", "username_prefix is required")
		}
	default:
		errs.Add("users", "one of users or user_spec is required")
	}

	if len(c.Scopes) == 0 {
		errs.Add("scopes", "at least one scope is required")
	}

	validateBusiness("business", &c.Business, errs)
	return errs.errOrNil()
}

// Validate checks a solitary document.
func (c *SolitaryConfig) Validate() error {
	errs := &ValidationErrors{}
	if c.User.Username == "" {
		errs.Add("user.username", "username is required")
	}
	if len(c.Scopes) == 0 {
		errs.Add("scopes", "at least one scope is required")
	}
	validateBusiness("business", &c.Business, errs)
	return errs.errOrNil()
}

// Validate checks the process settings.
func (s *Settings) Validate() error {
	errs := &ValidationErrors{}
	if s.EnvironmentURL == "" {
		errs.Add("environment_url", "environment_url is required")
	} else if u, err := url.Parse(s.EnvironmentURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs.Add("environment_url", "environment_url must be an absolute URL")
	}
	if s.AdminToken == "" && s.StaticToken == "" {
		errs.Add("admin_token", "one of admin_token or static_token is required")
	}
	if s.ConcurrencyLimit < 1 {
		errs.Add("concurrency_limit", "concurrency_limit must be at least 1")
	}
	if s.AlertHook != "" {
		if u, err := url.Parse(s.AlertHook); err != nil || u.Scheme == "" {
			errs.Add("alert_hook", "alert_hook must be an absolute URL")
		}
	}
	return errs.errOrNil()
}

func validateBusiness(field string, b *BusinessConfig, errs *ValidationErrors) {
	switch b.Type {
	case BusinessEmpty, BusinessJupyterPythonLoop, BusinessNotebookRunner:
	case "":
		errs.Add(field+".type", "business type is required")
		return
	default:
		errs.Add(field+".type", fmt.Sprintf("unknown business type: %s", b.Type))
		return
	}

	o := &b.Options
	prefix := field + ".options."
	if o.IdleTime < 0 {
		errs.Add(prefix+"idle_time", "idle_time cannot be negative")
	}
	if b.Type == BusinessEmpty {
		return
	}

	if o.SpawnTimeout <= 0 {
		errs.Add(prefix+"spawn_timeout", "spawn_timeout must be positive")
	}
	if o.SpawnSettleTime < 0 {
		errs.Add(prefix+"spawn_settle_time", "spawn_settle_time cannot be negative")
	}
	if o.SpawnSettleTime >= o.SpawnTimeout && o.SpawnTimeout > 0 {
		errs.Add(prefix+"spawn_settle_time", "spawn_settle_time must be less than spawn_timeout")
	}
	if o.DeleteTimeout <= 0 {
		errs.Add(prefix+"delete_timeout", "delete_timeout must be positive")
	}
	if o.Jitter < 0 {
		errs.Add(prefix+"jitter", "jitter cannot be negative")
	}
	if o.ExecutionTimeout < 0 {
		errs.Add(prefix+"execution_timeout", "execution_timeout cannot be negative")
	}
	if !strings.HasPrefix(o.URLPrefix, "/") || !strings.HasSuffix(o.URLPrefix, "/") {
		errs.Add(prefix+"url_prefix", "url_prefix must start and end with a slash")
	}
	if o.KernelName == "" {
		errs.Add(prefix+"kernel_name", "kernel_name is required")
	}
	if o.MaxWebSocketMessageSize < 0 {
		errs.Add(prefix+"max_websocket_message_size", "max_websocket_message_size cannot be negative")
	}
	if o.Image.Reference == "" {
		switch o.Image.Class {
		case "", ImageClassRecommended, ImageClassLatestWeekly, ImageClassLatestDaily, ImageClassLatestRelease:
		default:
			errs.Add(prefix+"image.class", fmt.Sprintf("unknown image class: %s", o.Image.Class))
		}
	}

	switch b.Type {
	case BusinessJupyterPythonLoop:
		if o.Code == "" {
			errs.Add(prefix+"code", "code is required")
		}
		if o.MaxExecutions < 1 {
			errs.Add(prefix+"max_executions", "max_executions must be at least 1")
		}
	case BusinessNotebookRunner:
		if o.RepoPath == "" {
			errs.Add(prefix+"repo_path", "repo_path is required")
		}
		if o.NotebookIterations < 1 {
			errs.Add(prefix+"notebook_iterations", "notebook_iterations must be at least 1")
		}
	}
}
