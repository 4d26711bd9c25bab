package config

import (
	"fmt"
	"io"
	"sort"
	"strings"
)

// RenderEffective writes the resolved configuration as a human-readable
// annotated summary to w. This powers the "config show" command. Secrets
// are masked.
func RenderEffective(cfg *Config, path string, w io.Writer) error {
	ew := &errWriter{w: w}

	ew.printf("# Effective configuration (file: %s)\n\n", path)

	renderServerSection(ew, &cfg.ServerConfig)
	renderSyncSection(ew, &cfg.SyncConfig)
	renderLoggingSection(ew, &cfg.LoggingConfig)
	renderNetworkSection(ew, &cfg.NetworkConfig)
	renderDaemonSection(ew, cfg)
	renderPolicies(ew, cfg.Policies)

	return ew.err
}

// errWriter wraps an io.Writer and captures the first write error.
// Subsequent writes after an error are no-ops, so callers can chain
// printf calls without checking each one individually.
type errWriter struct {
	w   io.Writer
	err error
}

func (ew *errWriter) printf(format string, args ...any) {
	if ew.err != nil {
		return
	}

	_, ew.err = fmt.Fprintf(ew.w, format, args...)
}

func mask(secret string) string {
	if secret == "" {
		return ""
	}

	return "********"
}

func renderServerSection(ew *errWriter, s *ServerConfig) {
	ew.printf("# server\n")
	ew.printf("server_url    = %q\n", s.ServerURL)
	ew.printf("facility_id   = %q\n", s.FacilityID)
	ew.printf("device_name   = %q\n", s.DeviceName)
	ew.printf("device_type   = %q\n", s.DeviceType)

	if s.Token != "" {
		ew.printf("token         = %q\n", mask(s.Token))
	}

	if s.ClientID != "" {
		ew.printf("client_id     = %q\n", s.ClientID)
		ew.printf("client_secret = %q\n", mask(s.ClientSecret))
		ew.printf("token_url     = %q\n", s.TokenURL)
		ew.printf("scopes        = [%s]\n", joinQuoted(s.Scopes))
	}

	ew.printf("\n")
}

func renderSyncSection(ew *errWriter, s *SyncConfig) {
	ew.printf("# sync\n")
	ew.printf("batch_size       = %d\n", s.BatchSize)
	ew.printf("max_retries      = %d\n", s.MaxRetries)
	ew.printf("backoff_base     = %q\n", s.BackoffBase)
	ew.printf("backoff_max      = %q\n", s.BackoffMax)
	ew.printf("backoff_jitter   = %g\n", s.BackoffJitter)
	ew.printf("poll_interval    = %q\n", s.PollInterval)
	ew.printf("pull_page_size   = %d\n", s.PullPageSize)
	ew.printf("max_pull_pages   = %d\n", s.MaxPullPages)
	ew.printf("synced_retention = %q\n", s.SyncedRetention)
	ew.printf("websocket_notify = %t\n", s.WebsocketNotify)
	ew.printf("watch_local      = %t\n", s.WatchLocal)

	if len(s.EntityTypes) > 0 {
		ew.printf("entity_types     = [%s]\n", joinQuoted(s.EntityTypes))
	}

	if len(s.IgnoreFields) > 0 {
		ew.printf("ignore_fields    = [%s]\n", joinQuoted(s.IgnoreFields))
	}

	ew.printf("\n")
}

func renderLoggingSection(ew *errWriter, l *LoggingConfig) {
	ew.printf("# logging\n")
	ew.printf("log_level  = %q\n", l.LogLevel)
	ew.printf("log_format = %q\n", l.LogFormat)

	if l.LogFile != "" {
		ew.printf("log_file   = %q\n", l.LogFile)
	}

	ew.printf("\n")
}

func renderNetworkSection(ew *errWriter, n *NetworkConfig) {
	ew.printf("# network\n")
	ew.printf("connect_timeout = %q\n", n.ConnectTimeout)
	ew.printf("request_timeout = %q\n", n.RequestTimeout)

	if n.UserAgent != "" {
		ew.printf("user_agent      = %q\n", n.UserAgent)
	}

	ew.printf("\n")
}

func renderDaemonSection(ew *errWriter, cfg *Config) {
	ew.printf("# daemon\n")
	ew.printf("state_dir    = %q  # database: %s\n", cfg.StateDir, cfg.DeviceDBPath())

	if cfg.MetricsAddr != "" {
		ew.printf("metrics_addr = %q\n", cfg.MetricsAddr)
	}
}

func renderPolicies(ew *errWriter, policies map[string]PolicyConfig) {
	names := make([]string, 0, len(policies))
	for name := range policies {
		names = append(names, name)
	}

	sort.Strings(names)

	for _, name := range names {
		p := policies[name]

		ew.printf("\n[policy.%s]\n", name)
		ew.printf("strategy = %q\n", p.Strategy)

		if len(p.Fields) > 0 {
			ew.printf("fields = [%s]\n", joinQuoted(p.Fields))
		}

		if p.TimestampField != "" {
			ew.printf("timestamp_field = %q\n", p.TimestampField)
		}
	}
}

// joinQuoted formats a string slice as comma-separated quoted values.
func joinQuoted(items []string) string {
	quoted := make([]string, len(items))
	for i, item := range items {
		quoted[i] = fmt.Sprintf("%q", item)
	}

	return strings.Join(quoted, ", ")
}
