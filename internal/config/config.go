// Package config handles configuration loading for the slide annotation
// server.
package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the server configuration.
type Config struct {
	Server Server `yaml:"server"`
	Viewer Viewer `yaml:"viewer"`
	Store  Store  `yaml:"store"`
	Cache  Cache  `yaml:"cache"`
	Audit  Audit  `yaml:"audit"`
}

// Server contains HTTP server settings.
type Server struct {
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// Viewer contains coordinate conversion settings.
type Viewer struct {
	// ScaleFactor multiplies storage-level coordinates into viewer
	// coordinates. Fixed per deployment.
	ScaleFactor float64 `yaml:"scale_factor"`
	// QueryMargin is the buffer added to the bbox half-diagonal when
	// querying the point index, in viewer units.
	QueryMargin float64 `yaml:"query_margin"`
}

// Store contains annotation store cache settings.
type Store struct {
	SkipDatasets      []string      `yaml:"skip_datasets"`
	LockWaitSeconds   int           `yaml:"lock_wait_seconds"`
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
	// DebounceMillis guards Handler.Load against request storms.
	DebounceMillis int `yaml:"debounce_millis"`
}

// Cache contains query cache settings.
type Cache struct {
	QuerySizeMB     int `yaml:"query_size_mb"`
	QueryTTLMinutes int `yaml:"query_ttl_minutes"`
	RegionCacheSize int `yaml:"region_cache_size"`
}

// Audit contains edit journal settings.
type Audit struct {
	SQLitePath    string `yaml:"sqlite_path"`
	RetentionDays int    `yaml:"retention_days"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		// Return default config if file doesn't exist
		return DefaultConfig(), nil
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	applyDefaults(&cfg)

	return &cfg, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: Server{
			Port:        8090,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
		},
		Viewer: Viewer{
			ScaleFactor: 2.0,
			QueryMargin: 64.0,
		},
		Store: Store{
			SkipDatasets:      []string{"embeddings/features"},
			LockWaitSeconds:   3,
			ReconcileInterval: 2 * time.Second,
			DebounceMillis:    300,
		},
		Cache: Cache{
			QuerySizeMB:     128,
			QueryTTLMinutes: 10,
			RegionCacheSize: 64,
		},
		Audit: Audit{
			SQLitePath:    "./data/audit.sqlite",
			RetentionDays: 30,
		},
	}
}

func applyDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaults.Server.Port
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = defaults.Server.CORSOrigins
	}
	if cfg.Viewer.ScaleFactor == 0 {
		cfg.Viewer.ScaleFactor = defaults.Viewer.ScaleFactor
	}
	if cfg.Viewer.QueryMargin == 0 {
		cfg.Viewer.QueryMargin = defaults.Viewer.QueryMargin
	}
	if cfg.Store.SkipDatasets == nil {
		cfg.Store.SkipDatasets = defaults.Store.SkipDatasets
	}
	if cfg.Store.LockWaitSeconds == 0 {
		cfg.Store.LockWaitSeconds = defaults.Store.LockWaitSeconds
	}
	if cfg.Store.ReconcileInterval == 0 {
		cfg.Store.ReconcileInterval = defaults.Store.ReconcileInterval
	}
	if cfg.Store.DebounceMillis == 0 {
		cfg.Store.DebounceMillis = defaults.Store.DebounceMillis
	}
	if cfg.Cache.QuerySizeMB == 0 {
		cfg.Cache.QuerySizeMB = defaults.Cache.QuerySizeMB
	}
	if cfg.Cache.QueryTTLMinutes == 0 {
		cfg.Cache.QueryTTLMinutes = defaults.Cache.QueryTTLMinutes
	}
	if cfg.Cache.RegionCacheSize == 0 {
		cfg.Cache.RegionCacheSize = defaults.Cache.RegionCacheSize
	}
	if cfg.Audit.SQLitePath == "" {
		cfg.Audit.SQLitePath = defaults.Audit.SQLitePath
	}
	if cfg.Audit.RetentionDays == 0 {
		cfg.Audit.RetentionDays = defaults.Audit.RetentionDays
	}
}
