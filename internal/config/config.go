// Package config holds the viper-backed configuration singleton for pgmove.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/untoldecay/pgmove/internal/debug"
)

var v *viper.Viper

// Initialize sets up the viper configuration singleton.
// Should be called once at application startup, before any accessor.
//
// Precedence: flags (bound by the CLI) > environment > config file > defaults.
// A .env file in the working directory is loaded first so that DATABASE_URL
// can live there, matching common deployment practice.
func Initialize() error {
	// Best effort: absence of .env is not an error.
	_ = godotenv.Load()

	v = viper.New()
	v.SetConfigType("yaml")

	// Explicitly locate pgmove.yaml to avoid picking up unrelated config files.
	// Precedence: ./pgmove.yaml > ~/.config/pgmove/config.yaml
	configFileSet := false
	if cwd, err := os.Getwd(); err == nil {
		configPath := filepath.Join(cwd, "pgmove.yaml")
		if _, err := os.Stat(configPath); err == nil {
			v.SetConfigFile(configPath)
			configFileSet = true
		}
	}
	if !configFileSet {
		if configDir, err := os.UserConfigDir(); err == nil {
			configPath := filepath.Join(configDir, "pgmove", "config.yaml")
			if _, err := os.Stat(configPath); err == nil {
				v.SetConfigFile(configPath)
				configFileSet = true
			}
		}
	}

	// Automatic environment variable binding.
	// E.g. PGMOVE_SOURCE, PGMOVE_RELATIONSHIPS, PGMOVE_MAPPING, PGMOVE_JSON
	v.SetEnvPrefix("PGMOVE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// The target connection string keeps its conventional unprefixed name.
	_ = v.BindEnv("database-url", "DATABASE_URL")

	v.SetDefault("source", "db.sqlite")
	v.SetDefault("database-url", "")
	v.SetDefault("relationships", "")
	v.SetDefault("mapping", "")
	v.SetDefault("json", false)
	v.SetDefault("lock-timeout", "30s")

	if configFileSet {
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("reading config file: %w", err)
		}
		debug.Logf("loaded config from %s", v.ConfigFileUsed())
	} else {
		debug.Logf("no pgmove.yaml found; using defaults and environment variables")
	}

	return nil
}

// ensure panics if Initialize was never called. Configuration bugs of this
// kind are programmer errors, not operator errors.
func ensure() {
	if v == nil {
		panic("config.Initialize must be called before accessing configuration")
	}
}

// SourcePath returns the default path of the source SQLite database.
// A positional CLI argument overrides this.
func SourcePath() string {
	ensure()
	return v.GetString("source")
}

// DatabaseURL returns the PostgreSQL connection string for the load phase.
// Empty means unresolved, which is a configuration error when loading.
func DatabaseURL() string {
	ensure()
	return v.GetString("database-url")
}

// RelationshipsPath returns the relationship descriptor file path, or empty
// to use the built-in default set.
func RelationshipsPath() string {
	ensure()
	return v.GetString("relationships")
}

// MappingPath returns the loader mapping file path, or empty to use the
// built-in default mapping.
func MappingPath() string {
	ensure()
	return v.GetString("mapping")
}

// JSONOutput reports whether machine-readable output was requested via
// config or PGMOVE_JSON (the --json flag is handled by the CLI layer).
func JSONOutput() bool {
	ensure()
	return v.GetBool("json")
}

// LockTimeout returns how long to wait for the exclusive source lock.
func LockTimeout() time.Duration {
	ensure()
	d, err := time.ParseDuration(v.GetString("lock-timeout"))
	if err != nil || d <= 0 {
		return 30 * time.Second
	}
	return d
}

// Set overrides a configuration value. Used by the CLI to push flag values
// down and by tests.
func Set(key string, value interface{}) {
	ensure()
	v.Set(key, value)
}
