package config

import (
	"os"
	"strconv"
)

// Environment variables overriding file settings. Environment always wins so
// deployments can reconfigure a shared config file per instance.
const (
	EnvAddr           = "MANIFOLD_ADDR"
	EnvBaseURL        = "MANIFOLD_BASE_URL"
	EnvPoolIdle       = "MANIFOLD_POOL_IDLE"
	EnvTimeoutList    = "MANIFOLD_TIMEOUT_LIST"
	EnvTimeoutCall    = "MANIFOLD_TIMEOUT_CALL"
	EnvTimeoutDefault = "MANIFOLD_TIMEOUT_DEFAULT"
	EnvSessionIdle    = "MANIFOLD_SESSION_IDLE"
	EnvLegacyKeyPaths = "MANIFOLD_LEGACY_KEY_PATHS"
)

// Settings holds gateway-level tunables. All durations are in seconds so the
// JSON file stays free of unit suffixes.
type Settings struct {
	Addr    string `json:"addr,omitempty"`    // HTTP listen address (default ":8080")
	BaseURL string `json:"baseUrl,omitempty"` // Public base URL for generated documents

	// PoolIdleTarget is the number of idle downstream sessions kept warm per
	// server fingerprint (default 1).
	PoolIdleTarget int `json:"poolIdleTarget,omitempty"`

	ListTimeout    int `json:"listTimeoutSeconds,omitempty"`    // tools/prompts/resources list calls (default 30)
	CallTimeout    int `json:"callTimeoutSeconds,omitempty"`    // tools/call (default 120)
	DefaultTimeout int `json:"defaultTimeoutSeconds,omitempty"` // all other proxied requests (default 120)

	// SessionIdleTimeout closes client sessions after this many seconds
	// without activity. Zero disables the idle check (default).
	SessionIdleTimeout int `json:"sessionIdleTimeoutSeconds,omitempty"`

	// DisableLegacyKeyPaths turns off the deprecated /api-key/<key>/...
	// routes that embed the credential in the URL. They are served by
	// default for compatibility with older clients.
	DisableLegacyKeyPaths bool `json:"disableLegacyKeyPaths,omitempty"`

	LogLevel string `json:"logLevel,omitempty"` // debug, info, warn, error
}

// DefaultSettings returns settings with all defaults applied.
func DefaultSettings() Settings {
	s := Settings{}
	s.applyDefaults()
	return s
}

func (s *Settings) applyDefaults() {
	if s.Addr == "" {
		s.Addr = ":8080"
	}
	if s.PoolIdleTarget <= 0 {
		s.PoolIdleTarget = 1
	}
	if s.ListTimeout <= 0 {
		s.ListTimeout = 30
	}
	if s.CallTimeout <= 0 {
		s.CallTimeout = 120
	}
	if s.DefaultTimeout <= 0 {
		s.DefaultTimeout = 120
	}
	if s.LogLevel == "" {
		s.LogLevel = "info"
	}
}

// ApplyEnv overlays environment variable overrides onto the settings.
// Unparseable numeric values are ignored rather than failing startup.
func (s *Settings) ApplyEnv() {
	if v := os.Getenv(EnvAddr); v != "" {
		s.Addr = v
	}
	if v := os.Getenv(EnvBaseURL); v != "" {
		s.BaseURL = v
	}
	if v, ok := envInt(EnvPoolIdle); ok {
		s.PoolIdleTarget = v
	}
	if v, ok := envInt(EnvTimeoutList); ok {
		s.ListTimeout = v
	}
	if v, ok := envInt(EnvTimeoutCall); ok {
		s.CallTimeout = v
	}
	if v, ok := envInt(EnvTimeoutDefault); ok {
		s.DefaultTimeout = v
	}
	if v, ok := envInt(EnvSessionIdle); ok {
		s.SessionIdleTimeout = v
	}
	if v := os.Getenv(EnvLegacyKeyPaths); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			s.DisableLegacyKeyPaths = !parsed
		}
	}
	s.applyDefaults()
}

func envInt(name string) (int, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return parsed, true
}
