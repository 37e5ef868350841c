// Package config provides configuration loading and management for wave.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Config is the root configuration.
type Config struct {
	Debug bool       `json:"debug,omitempty" mapstructure:"debug"`
	Lock  LockConfig `json:"lock,omitempty"  mapstructure:"lock"`
	Sync  SyncConfig `json:"sync,omitempty"  mapstructure:"sync"`
	EVR   EVRConfig  `json:"evr,omitempty"   mapstructure:"evr"`
}

// LockConfig tunes filesystem lock acquisition.
type LockConfig struct {
	TimeoutSeconds int `json:"timeout_seconds,omitempty" mapstructure:"timeout_seconds"`
	RetryMS        int `json:"retry_ms,omitempty"        mapstructure:"retry_ms"`
}

// SyncConfig tunes panel reconciliation.
type SyncConfig struct {
	Strategy        string `json:"strategy,omitempty"          mapstructure:"strategy"`
	SkewMS          int    `json:"skew_ms,omitempty"           mapstructure:"skew_ms"`
	CacheTTLSeconds int    `json:"cache_ttl_seconds,omitempty" mapstructure:"cache_ttl_seconds"`
	MaxFixes        int    `json:"max_fixes,omitempty"         mapstructure:"max_fixes"`
	MaxDepth        int    `json:"max_depth,omitempty"         mapstructure:"max_depth"`
}

// EVRConfig tunes the completion gates.
type EVRConfig struct {
	StalenessMinutes int `json:"staleness_minutes,omitempty" mapstructure:"staleness_minutes"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Lock: LockConfig{TimeoutSeconds: 30, RetryMS: 100},
		Sync: SyncConfig{
			Strategy:        "ts_only",
			SkewMS:          0,
			CacheTTLSeconds: 300,
			MaxFixes:        50,
			MaxDepth:        2,
		},
		EVR: EVRConfig{StalenessMinutes: 30},
	}
}

// Load reads .wave/config.json under the project root, layered over the
// defaults and WAVE_* environment variables. A missing file is not an error.
func Load(root string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(filepath.Join(root, ".wave", "config.json"))
	v.SetConfigType("json")
	v.SetEnvPrefix("WAVE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := Default()
	v.SetDefault("lock.timeout_seconds", def.Lock.TimeoutSeconds)
	v.SetDefault("lock.retry_ms", def.Lock.RetryMS)
	v.SetDefault("sync.strategy", def.Sync.Strategy)
	v.SetDefault("sync.skew_ms", def.Sync.SkewMS)
	v.SetDefault("sync.cache_ttl_seconds", def.Sync.CacheTTLSeconds)
	v.SetDefault("sync.max_fixes", def.Sync.MaxFixes)
	v.SetDefault("sync.max_depth", def.Sync.MaxDepth)
	v.SetDefault("evr.staleness_minutes", def.EVR.StalenessMinutes)

	if err := v.ReadInConfig(); err != nil && !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	if err := ValidateSettings(v.AllSettings()); err != nil {
		return Config{}, err
	}

	var cfg Config
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:  &cfg,
		TagName: "mapstructure",
	})
	if err != nil {
		return Config{}, fmt.Errorf("build config decoder: %w", err)
	}
	if err := dec.Decode(v.AllSettings()); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

// LockTimeout returns the lock acquisition deadline.
func (c Config) LockTimeout() time.Duration {
	return time.Duration(c.Lock.TimeoutSeconds) * time.Second
}

// LockRetry returns the lock retry interval.
func (c Config) LockRetry() time.Duration {
	return time.Duration(c.Lock.RetryMS) * time.Millisecond
}

// SyncSkew returns the clock skew tolerance for timestamp conflicts.
func (c Config) SyncSkew() time.Duration {
	return time.Duration(c.Sync.SkewMS) * time.Millisecond
}

// CacheTTL returns the sync preview cache lifetime.
func (c Config) CacheTTL() time.Duration {
	return time.Duration(c.Sync.CacheTTLSeconds) * time.Second
}

// EVRStaleness returns the runtime EVR freshness window.
func (c Config) EVRStaleness() time.Duration {
	return time.Duration(c.EVR.StalenessMinutes) * time.Minute
}
