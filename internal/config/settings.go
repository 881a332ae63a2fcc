package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/wesleyorama2/mobu/internal/log"
)

// Settings are the process-wide settings of the monitor.
type Settings struct {
	// EnvironmentURL is the base URL of the service under test.
	EnvironmentURL string `json:"environment_url" yaml:"environment_url"`
	// AdminToken is used to issue user tokens.
	AdminToken string `json:"admin_token,omitempty" yaml:"admin_token,omitempty"`
	// StaticToken, if set, is handed to every user instead of issuing one.
	StaticToken string `json:"static_token,omitempty" yaml:"static_token,omitempty"`
	// AlertHook is a Slack incoming webhook URL. Alerts are dropped if empty.
	AlertHook string `json:"alert_hook,omitempty" yaml:"alert_hook,omitempty"`
	// Autostart is a file of flocks started when the server starts.
	Autostart string `json:"autostart,omitempty" yaml:"autostart,omitempty"`

	ListenAddress    string   `json:"listen_address" yaml:"listen_address"`
	LogLevel         string   `json:"log_level" yaml:"log_level"`
	ConcurrencyLimit int      `json:"concurrency_limit" yaml:"concurrency_limit"`
	StopTimeout      Duration `json:"stop_timeout" yaml:"stop_timeout"`
	ErrorPause       Duration `json:"error_pause" yaml:"error_pause"`
	TokenRate        float64  `json:"token_rate" yaml:"token_rate"`
	TokenLifetime    Duration `json:"token_lifetime,omitempty" yaml:"token_lifetime,omitempty"`
}

// Setting defaults.
const (
	DefaultListenAddress    = ":8080"
	DefaultLogLevel         = "info"
	DefaultConcurrencyLimit = 1000
	DefaultStopTimeout      = 30 * time.Second
	DefaultErrorPause       = 60 * time.Second
	DefaultTokenRate        = 10
)

// ApplyDefaults fills in unset settings.
func (s *Settings) ApplyDefaults() {
	if s.ListenAddress == "" {
		s.ListenAddress = DefaultListenAddress
	}
	if s.LogLevel == "" {
		s.LogLevel = DefaultLogLevel
	}
	if s.ConcurrencyLimit <= 0 {
		s.ConcurrencyLimit = DefaultConcurrencyLimit
	}
	if s.StopTimeout <= 0 {
		s.StopTimeout = Duration(DefaultStopTimeout)
	}
	if s.ErrorPause <= 0 {
		s.ErrorPause = Duration(DefaultErrorPause)
	}
	if s.TokenRate <= 0 {
		s.TokenRate = DefaultTokenRate
	}
}

// ApplyEnv overrides settings from MOBU_* environment variables.
func (s *Settings) ApplyEnv() {
	logger := log.WithComponent("config")
	s.EnvironmentURL = parseString(logger, "MOBU_ENVIRONMENT_URL", s.EnvironmentURL)
	s.AdminToken = parseString(logger, "MOBU_ADMIN_TOKEN", s.AdminToken)
	s.StaticToken = parseString(logger, "MOBU_STATIC_TOKEN", s.StaticToken)
	s.AlertHook = parseString(logger, "MOBU_ALERT_HOOK", s.AlertHook)
	s.Autostart = parseString(logger, "MOBU_AUTOSTART_PATH", s.Autostart)
	s.ListenAddress = parseString(logger, "MOBU_LISTEN_ADDRESS", s.ListenAddress)
	s.LogLevel = parseString(logger, "MOBU_LOG_LEVEL", s.LogLevel)
	s.ConcurrencyLimit = parseInt(logger, "MOBU_CONCURRENCY_LIMIT", s.ConcurrencyLimit)
	s.StopTimeout = Duration(parseDuration(logger, "MOBU_STOP_TIMEOUT", s.StopTimeout.D()))
	s.ErrorPause = Duration(parseDuration(logger, "MOBU_ERROR_PAUSE", s.ErrorPause.D()))
	s.TokenRate = parseFloat(logger, "MOBU_TOKEN_RATE", s.TokenRate)
}

func sensitive(key string) bool {
	lower := strings.ToLower(key)
	return strings.Contains(lower, "token") || strings.Contains(lower, "hook")
}

func parseString(logger zerolog.Logger, key, current string) string {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return current
	}
	event := logger.Debug().Str("key", key).Str("source", "environment")
	if sensitive(key) {
		event.Bool("sensitive", true)
	} else {
		event.Str("value", value)
	}
	event.Msg("using environment variable")
	return value
}

func parseInt(logger zerolog.Logger, key string, current int) int {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return current
	}
	i, err := strconv.Atoi(value)
	if err != nil {
		logger.Warn().Str("key", key).Str("value", value).Err(err).Msg("invalid integer in environment, ignoring")
		return current
	}
	logger.Debug().Str("key", key).Int("value", i).Str("source", "environment").Msg("using environment variable")
	return i
}

func parseFloat(logger zerolog.Logger, key string, current float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return current
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		logger.Warn().Str("key", key).Str("value", value).Err(err).Msg("invalid number in environment, ignoring")
		return current
	}
	logger.Debug().Str("key", key).Float64("value", f).Str("source", "environment").Msg("using environment variable")
	return f
}

func parseDuration(logger zerolog.Logger, key string, current time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return current
	}
	d, err := ParseDurationString(value)
	if err != nil {
		logger.Warn().Str("key", key).Str("value", value).Err(err).Msg("invalid duration in environment, ignoring")
		return current
	}
	logger.Debug().Str("key", key).Dur("value", d).Str("source", "environment").Msg("using environment variable")
	return d
}
