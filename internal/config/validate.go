package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"path/filepath"
	"time"
)

// Validation range constants.
const (
	minBatchSize       = 1
	maxBatchSize       = 500
	minMaxRetries      = 1
	maxMaxRetries      = 100
	minPullPageSize    = 1
	maxPullPageSize    = 1000
	minMaxPullPages    = 1
	maxBackoffJitter   = 1.0
	minBackoffBase     = 100 * time.Millisecond
	minPollInterval    = 30 * time.Second
	minConnectTimeout  = 1 * time.Second
	minRequestTimeout  = 5 * time.Second
	minSyncedRetention = time.Hour
)

// Validate checks all configuration values and returns all errors found.
// It accumulates every error rather than stopping at the first, so users
// see a complete report and can fix all issues in one pass.
func Validate(cfg *Config) error {
	var errs []error

	errs = append(errs, validateServer(&cfg.ServerConfig)...)
	errs = append(errs, validateSync(&cfg.SyncConfig)...)
	errs = append(errs, validateLogging(&cfg.LoggingConfig)...)
	errs = append(errs, validateNetwork(&cfg.NetworkConfig)...)
	errs = append(errs, validateDaemon(&cfg.DaemonConfig)...)
	errs = append(errs, validatePolicies(cfg.Policies)...)

	return errors.Join(errs...)
}

// ValidateResolved checks constraints on the final configuration after
// environment and CLI overrides have been applied.
func ValidateResolved(cfg *Config) error {
	var errs []error

	if cfg.ServerURL != "" {
		errs = append(errs, validateServerURL(cfg.ServerURL)...)
	}

	if cfg.StateDir == "" || !filepath.IsAbs(cfg.StateDir) {
		errs = append(errs, fmt.Errorf("state_dir: must be absolute after expansion, got %q", cfg.StateDir))
	}

	return errors.Join(errs...)
}

func validateServer(s *ServerConfig) []error {
	var errs []error

	if s.ServerURL != "" {
		errs = append(errs, validateServerURL(s.ServerURL)...)
	}

	if s.Token != "" && s.ClientID != "" {
		errs = append(errs, errors.New("token and client_id: set one authentication method, not both"))
	}

	if s.ClientID != "" && (s.ClientSecret == "" || s.TokenURL == "") {
		errs = append(errs, errors.New("client_id: requires client_secret and token_url"))
	}

	if s.TokenURL != "" {
		if u, err := url.Parse(s.TokenURL); err != nil || u.Scheme != "https" && u.Scheme != "http" {
			errs = append(errs, fmt.Errorf("token_url: must be an http(s) URL, got %q", s.TokenURL))
		}
	}

	return errs
}

func validateServerURL(raw string) []error {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return []error{fmt.Errorf("server_url: must be an http(s) URL with a host, got %q", raw)}
	}

	return nil
}

func validateSync(s *SyncConfig) []error {
	var errs []error

	errs = append(errs, validateIntRange("batch_size", s.BatchSize, minBatchSize, maxBatchSize)...)
	errs = append(errs, validateIntRange("max_retries", s.MaxRetries, minMaxRetries, maxMaxRetries)...)
	errs = append(errs, validateIntRange("pull_page_size", s.PullPageSize, minPullPageSize, maxPullPageSize)...)

	if s.MaxPullPages < minMaxPullPages {
		errs = append(errs, fmt.Errorf("max_pull_pages: must be >= %d, got %d", minMaxPullPages, s.MaxPullPages))
	}

	if s.BackoffJitter < 0 || s.BackoffJitter >= maxBackoffJitter {
		errs = append(errs, fmt.Errorf("backoff_jitter: must be in [0, 1), got %g", s.BackoffJitter))
	}

	errs = append(errs, validateDurationMin("backoff_base", s.BackoffBase, minBackoffBase)...)
	errs = append(errs, validateDurationMin("poll_interval", s.PollInterval, minPollInterval)...)
	errs = append(errs, validateDurationMin("synced_retention", s.SyncedRetention, minSyncedRetention)...)

	if base, maxD := parseDurationOr(s.BackoffBase, 0), parseDurationOr(s.BackoffMax, -1); maxD >= 0 && maxD < base {
		errs = append(errs, fmt.Errorf("backoff_max: must be >= backoff_base (%s), got %s", base, maxD))
	} else if maxD < 0 {
		errs = append(errs, fmt.Errorf("backoff_max: invalid duration %q", s.BackoffMax))
	}

	for i, t := range s.EntityTypes {
		if t == "" {
			errs = append(errs, fmt.Errorf("entity_types[%d]: must not be empty", i))
		}
	}

	return errs
}

func validateIntRange(field string, v, lo, hi int) []error {
	if v < lo || v > hi {
		return []error{fmt.Errorf("%s: must be between %d and %d, got %d", field, lo, hi, v)}
	}

	return nil
}

// validateDuration checks that a duration string is valid and meets a minimum.
func validateDuration(field, value string, minimum time.Duration) error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("%s: invalid duration %q: %w", field, value, err)
	}

	if d < minimum {
		return fmt.Errorf("%s: must be >= %s, got %s", field, minimum, d)
	}

	return nil
}

func validateDurationMin(field, value string, minimum time.Duration) []error {
	if err := validateDuration(field, value, minimum); err != nil {
		return []error{err}
	}

	return nil
}

func validateLogging(l *LoggingConfig) []error {
	var errs []error

	errs = append(errs, validateLogLevel(l.LogLevel)...)
	errs = append(errs, validateLogFormat(l.LogFormat)...)

	return errs
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

func validateLogLevel(level string) []error {
	if !validLogLevels[level] {
		return []error{fmt.Errorf("log_level: must be one of debug, info, warn, error; got %q", level)}
	}

	return nil
}

var validLogFormats = map[string]bool{
	"auto": true,
	"text": true,
	"json": true,
}

func validateLogFormat(format string) []error {
	if !validLogFormats[format] {
		return []error{fmt.Errorf("log_format: must be one of auto, text, json; got %q", format)}
	}

	return nil
}

func validateNetwork(n *NetworkConfig) []error {
	var errs []error

	errs = append(errs, validateDurationMin("connect_timeout", n.ConnectTimeout, minConnectTimeout)...)
	errs = append(errs, validateDurationMin("request_timeout", n.RequestTimeout, minRequestTimeout)...)

	return errs
}

func validateDaemon(d *DaemonConfig) []error {
	if d.MetricsAddr == "" {
		return nil
	}

	if _, _, err := net.SplitHostPort(d.MetricsAddr); err != nil {
		return []error{fmt.Errorf("metrics_addr: must be host:port, got %q", d.MetricsAddr)}
	}

	return nil
}

var validStrategies = map[string]bool{
	"manual":           true,
	"last_writer_wins": true,
}

func validatePolicies(policies map[string]PolicyConfig) []error {
	var errs []error

	for entityType, p := range policies {
		if !validStrategies[p.Strategy] {
			errs = append(errs, fmt.Errorf("policy.%s.strategy: must be one of manual, last_writer_wins; got %q",
				entityType, p.Strategy))
		}

		if p.Strategy == "manual" && (len(p.Fields) > 0 || p.TimestampField != "") {
			errs = append(errs, fmt.Errorf("policy.%s: fields and timestamp_field only apply to last_writer_wins", entityType))
		}
	}

	return errs
}
