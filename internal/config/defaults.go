package config

// Default values for configuration options. They work without any config
// file; only server_url is needed before a device can sync.
const (
	defaultBatchSize       = 50
	defaultMaxRetries      = 10
	defaultBackoffBase     = "2s"
	defaultBackoffMax      = "5m"
	defaultBackoffJitter   = 0.2
	defaultPollInterval    = "5m"
	defaultPullPageSize    = 100
	defaultMaxPullPages    = 20
	defaultSyncedRetention = "168h"
	defaultLogLevel        = "info"
	defaultLogFormat       = "auto"
	defaultConnectTimeout  = "10s"
	defaultRequestTimeout  = "60s"
	defaultDeviceType      = "tablet"
)

// DefaultConfig returns a Config populated with all default values.
// This is used both as the starting point for TOML decoding (so unset
// fields retain defaults) and as the fallback when no config file exists.
func DefaultConfig() *Config {
	return &Config{
		ServerConfig:  ServerConfig{DeviceType: defaultDeviceType},
		SyncConfig:    defaultSyncConfig(),
		LoggingConfig: defaultLoggingConfig(),
		NetworkConfig: defaultNetworkConfig(),
		Policies:      make(map[string]PolicyConfig),
	}
}

func defaultSyncConfig() SyncConfig {
	return SyncConfig{
		BatchSize:       defaultBatchSize,
		MaxRetries:      defaultMaxRetries,
		BackoffBase:     defaultBackoffBase,
		BackoffMax:      defaultBackoffMax,
		BackoffJitter:   defaultBackoffJitter,
		PollInterval:    defaultPollInterval,
		PullPageSize:    defaultPullPageSize,
		MaxPullPages:    defaultMaxPullPages,
		SyncedRetention: defaultSyncedRetention,
		WebsocketNotify: true,
		WatchLocal:      true,
	}
}

func defaultLoggingConfig() LoggingConfig {
	return LoggingConfig{
		LogLevel:  defaultLogLevel,
		LogFormat: defaultLogFormat,
	}
}

func defaultNetworkConfig() NetworkConfig {
	return NetworkConfig{
		ConnectTimeout: defaultConnectTimeout,
		RequestTimeout: defaultRequestTimeout,
	}
}
