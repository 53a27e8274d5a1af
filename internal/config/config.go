// Package config resolves environment-variable overrides for the engine,
// the way the teacher (xyproto/c67) uses github.com/xyproto/env/v2 for its
// own build/runtime knobs. INI-style user settings remain an external
// tool concern per spec.md §6 and are not read here.
package config

import (
	"os"
	"path/filepath"
	"time"

	env "github.com/xyproto/env/v2"
)

const (
	defaultPollInterval = 1000 * time.Millisecond
	defaultLogLevel     = "info"
)

// Config holds the few environment-tunable knobs the engine honors.
type Config struct {
	// ProfileDir is the directory InjectionProfiles are persisted under.
	ProfileDir string
	// PollInterval is the default process-monitor polling interval.
	PollInterval time.Duration
	// LogLevel is the default zap level name ("debug", "info", "warn", "error").
	LogLevel string
	// EnableDebugPrivilege controls whether the process directory attempts
	// to raise SeDebugPrivilege on startup.
	EnableDebugPrivilege bool
}

// Load resolves configuration from the environment, falling back to the
// documented defaults.
func Load() Config {
	return Config{
		ProfileDir:           env.StrOrDefault("XORDLL_PROFILE_DIR", defaultProfileDir()),
		PollInterval:         time.Duration(env.IntOrDefault("XORDLL_POLL_MS", int(defaultPollInterval.Milliseconds()))) * time.Millisecond,
		LogLevel:             env.StrOrDefault("XORDLL_LOG_LEVEL", defaultLogLevel),
		EnableDebugPrivilege: !env.Bool("XORDLL_NO_DEBUG_PRIV"),
	}
}

// defaultProfileDir mirrors spec.md §6: "under the per-user
// application-data folder, in a xorDLL/profiles.json path."
func defaultProfileDir() string {
	appData := os.Getenv("APPDATA")
	if appData == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			appData = home
		}
	}
	return filepath.Join(appData, "xorDLL")
}

// ProfilePath is the default profiles.json location under ProfileDir.
func (c Config) ProfilePath() string {
	return filepath.Join(c.ProfileDir, "profiles.json")
}
