// Package config loads the process configuration once at startup from
// built-in defaults, an optional YAML file, a .env file and the environment.
package config

import (
	"time"
)

// Config is the complete runtime configuration.
type Config struct {
	CW      CWConfig      `koanf:"cw"`
	Sync    SyncConfig    `koanf:"sync"`
	Cache   CacheConfig   `koanf:"cache"`
	Logging LoggingConfig `koanf:"logging"`
}

// CWConfig holds the remote API connection settings.
type CWConfig struct {
	BaseURL           string        `koanf:"base_url" validate:"required,url"`
	CompanyID         string        `koanf:"company_id" validate:"required"`
	ClientID          string        `koanf:"client_id" validate:"required"`
	PublicKey         string        `koanf:"public_key" validate:"required"`
	PrivateKey        string        `koanf:"private_key" validate:"required"`
	Codebase          string        `koanf:"codebase"`
	PageSize          int           `koanf:"page_size" validate:"gte=1,lte=1000"`
	RequestsPerSecond float64       `koanf:"requests_per_second" validate:"gte=0"`
	Timeout           time.Duration `koanf:"timeout" validate:"gt=0"`
	MaxRetries        int           `koanf:"max_retries" validate:"gte=0"`
}

// SyncConfig holds the sync scope and the staleness policy.
type SyncConfig struct {
	Engineers          []string      `koanf:"engineers" validate:"required,min=1,dive,required"`
	ServiceBoards      []string      `koanf:"service_boards" validate:"required,min=1,dive,required"`
	MinInterval        time.Duration `koanf:"min_interval" validate:"gte=0"`
	StalenessThreshold time.Duration `koanf:"staleness_threshold" validate:"gtfield=MinInterval"`
	AllowFullFallback  bool          `koanf:"allow_full_fallback"`
	Lookback           time.Duration `koanf:"lookback" validate:"gt=0"`
	ChunkSize          int           `koanf:"chunk_size" validate:"gte=1,lte=200"`
	BatchSize          int           `koanf:"batch_size" validate:"gte=1"`
}

// CacheConfig locates the local store.
type CacheConfig struct {
	Path string `koanf:"path" validate:"required"`
}

// LoggingConfig configures the logger.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=debug info warn error"`
	Format string `koanf:"format" validate:"oneof=console json"`
	File   string `koanf:"file"`
}

// defaultConfig returns the built-in defaults. Values without a sensible
// default (credentials, engineers, boards) are left empty and must come from
// the file or the environment.
func defaultConfig() *Config {
	return &Config{
		CW: CWConfig{
			PageSize:          1000,
			RequestsPerSecond: 8,
			Timeout:           30 * time.Second,
			MaxRetries:        3,
		},
		Sync: SyncConfig{
			MinInterval:        6 * time.Hour,
			StalenessThreshold: 7 * 24 * time.Hour,
			AllowFullFallback:  false,
			Lookback:           3 * 365 * 24 * time.Hour,
			ChunkSize:          50,
			BatchSize:          50,
		},
		Cache: CacheConfig{
			Path: "~/.cache/mspsync/mspsync.db",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// envKeys maps each recognised environment variable to its config path.
// Variables not listed here are ignored.
var envKeys = map[string]string{
	"CW_BASE_URL":    "cw.base_url",
	"CW_COMPANY_ID":  "cw.company_id",
	"CW_CLIENT_ID":   "cw.client_id",
	"CW_PUBLIC_KEY":  "cw.public_key",
	"CW_PRIVATE_KEY": "cw.private_key",
	"CW_CODEBASE":    "cw.codebase",

	"MSPSYNC_PAGE_SIZE":           "cw.page_size",
	"MSPSYNC_REQUESTS_PER_SECOND": "cw.requests_per_second",
	"MSPSYNC_HTTP_TIMEOUT":        "cw.timeout",
	"MSPSYNC_MAX_RETRIES":         "cw.max_retries",

	"MSPSYNC_ENGINEERS":           "sync.engineers",
	"MSPSYNC_SERVICE_BOARDS":      "sync.service_boards",
	"MSPSYNC_MIN_INTERVAL":        "sync.min_interval",
	"MSPSYNC_STALENESS_THRESHOLD": "sync.staleness_threshold",
	"MSPSYNC_ALLOW_FULL_FALLBACK": "sync.allow_full_fallback",
	"MSPSYNC_LOOKBACK":            "sync.lookback",
	"MSPSYNC_CHUNK_SIZE":          "sync.chunk_size",
	"MSPSYNC_BATCH_SIZE":          "sync.batch_size",

	"MSPSYNC_DB_PATH": "cache.path",

	"LOG_LEVEL":  "logging.level",
	"LOG_FORMAT": "logging.format",
	"LOG_FILE":   "logging.file",
}

// sliceKeys are parsed as comma-separated lists when they arrive as strings.
var sliceKeys = []string{
	"sync.engineers",
	"sync.service_boards",
}

// envVarFor returns the environment variable that sets path, if any.
func envVarFor(path string) string {
	for name, p := range envKeys {
		if p == path {
			return name
		}
	}
	return ""
}
