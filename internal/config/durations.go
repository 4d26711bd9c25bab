package config

import "time"

// parseDurationOr parses value, returning def when it is not a valid duration.
// Validate has already rejected bad values for loaded configs.
func parseDurationOr(value string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil {
		return def
	}

	return d
}

// BackoffBaseDuration is backoff_base as a duration.
func (s *SyncConfig) BackoffBaseDuration() time.Duration {
	return parseDurationOr(s.BackoffBase, 2*time.Second)
}

// BackoffMaxDuration is backoff_max as a duration.
func (s *SyncConfig) BackoffMaxDuration() time.Duration {
	return parseDurationOr(s.BackoffMax, 5*time.Minute)
}

// PollIntervalDuration is poll_interval as a duration.
func (s *SyncConfig) PollIntervalDuration() time.Duration {
	return parseDurationOr(s.PollInterval, 5*time.Minute)
}

// SyncedRetentionDuration is synced_retention as a duration.
func (s *SyncConfig) SyncedRetentionDuration() time.Duration {
	return parseDurationOr(s.SyncedRetention, 7*24*time.Hour)
}

// ConnectTimeoutDuration is connect_timeout as a duration.
func (n *NetworkConfig) ConnectTimeoutDuration() time.Duration {
	return parseDurationOr(n.ConnectTimeout, 10*time.Second)
}

// RequestTimeoutDuration is request_timeout as a duration.
func (n *NetworkConfig) RequestTimeoutDuration() time.Duration {
	return parseDurationOr(n.RequestTimeout, time.Minute)
}
