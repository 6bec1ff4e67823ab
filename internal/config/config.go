package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database"`
	BlobStore BlobStoreConfig `mapstructure:"blobstore"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Ingest    IngestConfig    `mapstructure:"ingest"`
	Sources   SourcesConfig   `mapstructure:"sources"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Health    HealthConfig    `mapstructure:"health"`
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Driver string `mapstructure:"driver"` // sqlite
	DSN    string `mapstructure:"dsn"`    // Connection string
}

// BlobStoreConfig selects and configures the object store backend
type BlobStoreConfig struct {
	Backend string          `mapstructure:"backend"` // local or s3
	Local   LocalBlobConfig `mapstructure:"local"`
	S3      S3BlobConfig    `mapstructure:"s3"`
}

// LocalBlobConfig holds filesystem blob store settings
type LocalBlobConfig struct {
	Dir string `mapstructure:"dir"`
}

// S3BlobConfig holds S3 blob store settings
type S3BlobConfig struct {
	Region          string `mapstructure:"region"`
	Bucket          string `mapstructure:"bucket"`
	Endpoint        string `mapstructure:"endpoint"`
	UsePathStyle    bool   `mapstructure:"use_path_style"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
}

// CacheConfig selects and configures the location-upsert cache
type CacheConfig struct {
	Backend  string           `mapstructure:"backend"`  // memory or redis
	Capacity int              `mapstructure:"capacity"` // memory backend only
	Redis    RedisCacheConfig `mapstructure:"redis"`
}

// RedisCacheConfig holds Redis cache settings
type RedisCacheConfig struct {
	Address  string        `mapstructure:"address"`
	Password string        `mapstructure:"password"`
	Database int           `mapstructure:"database"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// IngestConfig holds ingestion storage settings
type IngestConfig struct {
	ChunkSize int `mapstructure:"chunk_size"` // rows per batch transaction
}

// SourcesConfig holds all collection source configurations
type SourcesConfig struct {
	OpenMeteo  OpenMeteoConfig  `mapstructure:"openmeteo"`
	AirQuality AirQualityConfig `mapstructure:"airquality"`
	Feeds      FeedsConfig      `mapstructure:"feeds"`
	Notices    NoticesConfig    `mapstructure:"notices"`
	OpenData   OpenDataConfig   `mapstructure:"opendata"`
}

// LocationConfig declares a collection location for API-backed sources
type LocationConfig struct {
	ID        string  `mapstructure:"id"`
	Name      string  `mapstructure:"name"`
	Latitude  float64 `mapstructure:"latitude"`
	Longitude float64 `mapstructure:"longitude"`
	Region    string  `mapstructure:"region"`
}

// OpenMeteoConfig holds weather forecast source settings
type OpenMeteoConfig struct {
	Enabled   bool             `mapstructure:"enabled"`
	BaseURL   string           `mapstructure:"base_url"`
	Locations []LocationConfig `mapstructure:"locations"`
}

// AirQualityConfig holds air quality source settings
type AirQualityConfig struct {
	Enabled   bool             `mapstructure:"enabled"`
	BaseURL   string           `mapstructure:"base_url"`
	Locations []LocationConfig `mapstructure:"locations"`
}

// FeedsConfig holds news/alert feed source settings
type FeedsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Feeds   []Feed `mapstructure:"feeds"`
}

// Feed represents a single syndication feed
type Feed struct {
	Name string `mapstructure:"name"`
	URL  string `mapstructure:"url"`
}

// NoticesConfig holds municipal notices scraper settings
type NoticesConfig struct {
	Enabled             bool   `mapstructure:"enabled"`
	ListURL             string `mapstructure:"list_url"`
	DownloadAttachments bool   `mapstructure:"download_attachments"`
	MaxAttachments      int    `mapstructure:"max_attachments"` // per run, 0 = unlimited
}

// OpenDataConfig holds open-data CSV dataset settings
type OpenDataConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	DatasetURL  string `mapstructure:"dataset_url"`
	DatasetName string `mapstructure:"dataset_name"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json or console
	Output string `mapstructure:"output"` // stdout or file path
}

// HealthConfig holds the daemon's health endpoint settings
type HealthConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	// Load .env file if present (ignore errors if not found)
	_ = godotenv.Load()
	_ = godotenv.Load(".env.local")

	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// Look for config in current directory and configs folder
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")

		// Also check user's home directory
		home, err := os.UserHomeDir()
		if err == nil {
			v.AddConfigPath(filepath.Join(home, ".opencollect"))
		}
	}

	// Environment variables
	v.SetEnvPrefix("OPENCOLLECT")
	v.AutomaticEnv()

	// Explicit bindings for nested keys (Viper doesn't auto-bind underscored nested keys)
	v.BindEnv("database.driver", "OPENCOLLECT_DATABASE_DRIVER")
	v.BindEnv("database.dsn", "OPENCOLLECT_DATABASE_DSN")
	v.BindEnv("blobstore.backend", "OPENCOLLECT_BLOBSTORE_BACKEND")
	v.BindEnv("blobstore.local.dir", "OPENCOLLECT_BLOBSTORE_LOCAL_DIR")
	v.BindEnv("blobstore.s3.region", "OPENCOLLECT_BLOBSTORE_S3_REGION")
	v.BindEnv("blobstore.s3.bucket", "OPENCOLLECT_BLOBSTORE_S3_BUCKET")
	v.BindEnv("blobstore.s3.endpoint", "OPENCOLLECT_BLOBSTORE_S3_ENDPOINT")
	v.BindEnv("blobstore.s3.access_key_id", "OPENCOLLECT_BLOBSTORE_S3_ACCESS_KEY_ID")
	v.BindEnv("blobstore.s3.secret_access_key", "OPENCOLLECT_BLOBSTORE_S3_SECRET_ACCESS_KEY")
	v.BindEnv("cache.backend", "OPENCOLLECT_CACHE_BACKEND")
	v.BindEnv("cache.redis.address", "OPENCOLLECT_CACHE_REDIS_ADDRESS")
	v.BindEnv("cache.redis.password", "OPENCOLLECT_CACHE_REDIS_PASSWORD")
	v.BindEnv("sources.notices.list_url", "OPENCOLLECT_SOURCES_NOTICES_LIST_URL")
	v.BindEnv("sources.opendata.dataset_url", "OPENCOLLECT_SOURCES_OPENDATA_DATASET_URL")
	v.BindEnv("logging.level", "OPENCOLLECT_LOGGING_LEVEL")
	v.BindEnv("health.port", "OPENCOLLECT_HEALTH_PORT")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "./data/opencollect.db")

	// Blob store defaults
	v.SetDefault("blobstore.backend", "local")
	v.SetDefault("blobstore.local.dir", "./data/blobs")
	v.SetDefault("blobstore.s3.region", "eu-central-1")

	// Cache defaults
	v.SetDefault("cache.backend", "memory")
	v.SetDefault("cache.capacity", 10000)
	v.SetDefault("cache.redis.address", "localhost:6379")
	v.SetDefault("cache.redis.database", 0)
	v.SetDefault("cache.redis.ttl", "24h")

	// Ingest defaults
	v.SetDefault("ingest.chunk_size", 50)

	// Sources defaults
	v.SetDefault("sources.openmeteo.enabled", true)
	v.SetDefault("sources.openmeteo.base_url", "https://api.open-meteo.com/v1/forecast")
	v.SetDefault("sources.openmeteo.locations", defaultLocations())

	v.SetDefault("sources.airquality.enabled", true)
	v.SetDefault("sources.airquality.base_url", "https://air-quality-api.open-meteo.com/v1/air-quality")
	v.SetDefault("sources.airquality.locations", defaultLocations())

	v.SetDefault("sources.feeds.enabled", true)
	v.SetDefault("sources.feeds.feeds", []map[string]interface{}{
		{"name": "usgs-quakes", "url": "https://earthquake.usgs.gov/earthquakes/feed/v1.0/summary/2.5_day.atom"},
		{"name": "gdacs-alerts", "url": "https://www.gdacs.org/xml/rss.xml"},
	})

	// No sane default URLs for site-specific sources
	v.SetDefault("sources.notices.enabled", false)
	v.SetDefault("sources.notices.download_attachments", true)
	v.SetDefault("sources.notices.max_attachments", 10)

	v.SetDefault("sources.opendata.enabled", false)
	v.SetDefault("sources.opendata.dataset_name", "station-registry")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.output", "stdout")

	// Health defaults
	v.SetDefault("health.enabled", true)
	v.SetDefault("health.port", 8090)
}

// defaultLocations returns the out-of-the-box city list for the weather and
// air quality sources.
func defaultLocations() []map[string]interface{} {
	return []map[string]interface{}{
		{"id": "berlin", "name": "Berlin", "latitude": 52.52, "longitude": 13.405, "region": "Berlin"},
		{"id": "hamburg", "name": "Hamburg", "latitude": 53.5511, "longitude": 9.9937, "region": "Hamburg"},
		{"id": "munich", "name": "Munich", "latitude": 48.1374, "longitude": 11.5755, "region": "Bavaria"},
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}

	switch c.BlobStore.Backend {
	case "local":
		if c.BlobStore.Local.Dir == "" {
			return fmt.Errorf("blobstore.local.dir is required")
		}
	case "s3":
		if c.BlobStore.S3.Bucket == "" {
			return fmt.Errorf("blobstore.s3.bucket is required")
		}
	default:
		return fmt.Errorf("blobstore.backend must be local or s3, got %q", c.BlobStore.Backend)
	}

	switch c.Cache.Backend {
	case "memory":
	case "redis":
		if c.Cache.Redis.Address == "" {
			return fmt.Errorf("cache.redis.address is required")
		}
	default:
		return fmt.Errorf("cache.backend must be memory or redis, got %q", c.Cache.Backend)
	}

	if c.Sources.OpenMeteo.Enabled && len(c.Sources.OpenMeteo.Locations) == 0 {
		return fmt.Errorf("sources.openmeteo.locations is empty")
	}
	if c.Sources.AirQuality.Enabled && len(c.Sources.AirQuality.Locations) == 0 {
		return fmt.Errorf("sources.airquality.locations is empty")
	}
	if c.Sources.Feeds.Enabled && len(c.Sources.Feeds.Feeds) == 0 {
		return fmt.Errorf("sources.feeds.feeds is empty")
	}
	if c.Sources.Notices.Enabled && c.Sources.Notices.ListURL == "" {
		return fmt.Errorf("sources.notices.list_url is required")
	}
	if c.Sources.OpenData.Enabled && c.Sources.OpenData.DatasetURL == "" {
		return fmt.Errorf("sources.opendata.dataset_url is required")
	}
	return nil
}
