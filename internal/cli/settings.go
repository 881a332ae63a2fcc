package cli

import (
	"github.com/wesleyorama2/mobu/internal/alert"
	"github.com/wesleyorama2/mobu/internal/config"
	"github.com/wesleyorama2/mobu/internal/flock"
	"github.com/wesleyorama2/mobu/internal/users"
)

// loadSettings reads the settings file if one is given, then applies
// environment overrides and defaults.
func loadSettings(path string) (*config.Settings, error) {
	settings := &config.Settings{}
	if path != "" {
		loaded, err := config.LoadSettings(path)
		if err != nil {
			return nil, err
		}
		settings = loaded
	}
	settings.ApplyEnv()
	settings.ApplyDefaults()
	return settings, nil
}

// flockOptions builds the shared monkey options from settings.
func flockOptions(s *config.Settings) flock.Options {
	var issuer users.Issuer
	if s.StaticToken != "" {
		issuer = users.StaticIssuer{Token: s.StaticToken}
	} else {
		issuer = users.NewTokenIssuer(s.EnvironmentURL, s.AdminToken,
			users.WithRate(s.TokenRate),
			users.WithTokenLifetime(s.TokenLifetime.D()),
		)
	}

	var reporter alert.Reporter = alert.Discard{}
	if s.AlertHook != "" {
		reporter = alert.NewSlack(s.AlertHook)
	}

	return flock.Options{
		EnvironmentURL: s.EnvironmentURL,
		Issuer:         issuer,
		Alerts:         reporter,
		ErrorPause:     s.ErrorPause.D(),
		StopTimeout:    s.StopTimeout.D(),
	}
}
