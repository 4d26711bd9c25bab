package config

import "os"

// Environment variable names for overrides.
const (
	EnvConfig     = "WARDSYNC_CONFIG"
	EnvServerURL  = "WARDSYNC_SERVER_URL"
	EnvFacilityID = "WARDSYNC_FACILITY_ID"
	EnvToken      = "WARDSYNC_TOKEN"
	EnvStateDir   = "WARDSYNC_STATE_DIR"
)

// EnvOverrides holds values derived from environment variables.
type EnvOverrides struct {
	ConfigPath string // WARDSYNC_CONFIG: override config file path
	ServerURL  string // WARDSYNC_SERVER_URL
	FacilityID string // WARDSYNC_FACILITY_ID
	Token      string // WARDSYNC_TOKEN: keeps device tokens out of config files
	StateDir   string // WARDSYNC_STATE_DIR
}

// ReadEnvOverrides reads environment variables and returns any overrides found.
// This does not modify the Config; Resolve applies them.
func ReadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		ConfigPath: os.Getenv(EnvConfig),
		ServerURL:  os.Getenv(EnvServerURL),
		FacilityID: os.Getenv(EnvFacilityID),
		Token:      os.Getenv(EnvToken),
		StateDir:   os.Getenv(EnvStateDir),
	}
}
