// Package config implements TOML configuration loading, validation, and
// platform-specific path resolution for wardsync. Values are layered:
// defaults, then the config file, then environment variables, then CLI
// flags.
package config

// Config is the top-level configuration structure parsed from a TOML file.
// Settings are flat top-level keys; per entity type conflict policies live
// in [policy.<entity_type>] tables.
type Config struct {
	ServerConfig
	SyncConfig
	LoggingConfig
	NetworkConfig
	DaemonConfig

	Policies map[string]PolicyConfig `toml:"policy"`
}

// ServerConfig identifies the sync server and how this device
// authenticates. Either token or the client-credentials triple is used.
type ServerConfig struct {
	ServerURL    string   `toml:"server_url"`
	FacilityID   string   `toml:"facility_id"`
	DeviceName   string   `toml:"device_name"`
	DeviceType   string   `toml:"device_type"`
	Token        string   `toml:"token"`
	ClientID     string   `toml:"client_id"`
	ClientSecret string   `toml:"client_secret"`
	TokenURL     string   `toml:"token_url"`
	Scopes       []string `toml:"scopes"`
}

// SyncConfig controls the sync engine: batching, retry and backoff, pull
// paging, retention and watch mode triggers.
type SyncConfig struct {
	BatchSize       int      `toml:"batch_size"`
	MaxRetries      int      `toml:"max_retries"`
	BackoffBase     string   `toml:"backoff_base"`
	BackoffMax      string   `toml:"backoff_max"`
	BackoffJitter   float64  `toml:"backoff_jitter"`
	PollInterval    string   `toml:"poll_interval"`
	PullPageSize    int      `toml:"pull_page_size"`
	MaxPullPages    int      `toml:"max_pull_pages"`
	SyncedRetention string   `toml:"synced_retention"`
	WebsocketNotify bool     `toml:"websocket_notify"`
	WatchLocal      bool     `toml:"watch_local"`
	EntityTypes     []string `toml:"entity_types"`
	IgnoreFields    []string `toml:"ignore_fields"`
}

// LoggingConfig controls log output behavior: level, format and file.
type LoggingConfig struct {
	LogLevel  string `toml:"log_level"`
	LogFile   string `toml:"log_file"`
	LogFormat string `toml:"log_format"`
}

// NetworkConfig controls HTTP client behavior.
type NetworkConfig struct {
	ConnectTimeout string `toml:"connect_timeout"`
	RequestTimeout string `toml:"request_timeout"`
	UserAgent      string `toml:"user_agent"`
}

// DaemonConfig controls where state lives and what the watch daemon exposes.
type DaemonConfig struct {
	StateDir    string `toml:"state_dir"`
	MetricsAddr string `toml:"metrics_addr"`
}

// PolicyConfig selects the automatic conflict policy for one entity type.
type PolicyConfig struct {
	Strategy       string   `toml:"strategy"`
	Fields         []string `toml:"fields"`
	TimestampField string   `toml:"timestamp_field"`
}

// CLIOverrides holds values from CLI flags that override config file and
// environment settings. Pointer fields distinguish "not specified" (nil)
// from "explicitly set to the zero value".
type CLIOverrides struct {
	ConfigPath string  // --config flag (empty = use default)
	ServerURL  *string // --server flag
	StateDir   *string // --state-dir flag
}
