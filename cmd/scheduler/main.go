package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/opencollect/opencollect/internal/blobstore"
	"github.com/opencollect/opencollect/internal/cache"
	"github.com/opencollect/opencollect/internal/config"
	"github.com/opencollect/opencollect/internal/ingest"
	"github.com/opencollect/opencollect/internal/registry"
	"github.com/opencollect/opencollect/internal/scheduler"
	"github.com/opencollect/opencollect/internal/source"
	"github.com/opencollect/opencollect/internal/source/airquality"
	"github.com/opencollect/opencollect/internal/source/feeds"
	"github.com/opencollect/opencollect/internal/source/notices"
	"github.com/opencollect/opencollect/internal/source/opendata"
	"github.com/opencollect/opencollect/internal/source/openmeteo"
	"github.com/opencollect/opencollect/internal/storage"
	"github.com/opencollect/opencollect/internal/storage/sqlite"
	"github.com/opencollect/opencollect/pkg/logger"
	"github.com/opencollect/opencollect/pkg/ratelimit"
)

var (
	cfgFile string
	cfg     *config.Config
	log     *logger.Logger
	repo    storage.Repository
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "opencollect-scheduler",
		Short: "Background collection daemon for opencollect",
		Long: `Runs scheduled public-data collection jobs in the background.
This daemon should be run as a service for autonomous operation.`,
		RunE: runScheduler,
	}

	rootCmd.Flags().StringVar(&cfgFile, "config", "", "config file path")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runScheduler(cmd *cobra.Command, args []string) error {
	var err error

	// Load config
	cfg, err = config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	log = logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})

	log.Info().Msg("Starting opencollect scheduler")
	ctx := context.Background()

	// Initialize storage
	log.Info().Str("dsn", cfg.Database.DSN).Msg("Using SQLite storage")
	repo, err = sqlite.New(cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer repo.Close()

	if err := repo.Migrate(); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	// Initialize blob store
	blobs, err := newBlobStore(ctx)
	if err != nil {
		return err
	}

	// Initialize location cache
	locations, err := newLocationCache()
	if err != nil {
		return err
	}
	defer locations.Close()

	// Start health check server
	if cfg.Health.Enabled {
		go startHealthServer()
	}

	// Initialize rate limiter
	limiter := ratelimit.NewDefaultLimiter()

	// Initialize ingestion and sources
	svc := ingest.New(repo, blobs, locations, log, ingest.Config{
		ChunkSize: cfg.Ingest.ChunkSize,
	})

	reg := registry.New()
	if err := registerSources(reg, limiter); err != nil {
		return err
	}
	if reg.Len() == 0 {
		log.Warn().Msg("No sources enabled, the daemon will idle")
	}

	// Seed source rows so the audit trail and watermarks have a home
	for _, def := range reg.All() {
		if err := repo.EnsureSource(ctx, def.Model()); err != nil {
			return fmt.Errorf("failed to seed source %s: %w", def.ID, err)
		}
	}
	log.Info().Int("sources", reg.Len()).Msg("Sources registered")

	sched := scheduler.New(reg, svc, log)

	// Create cron scheduler. Exactly three entries, one per cadence the
	// platform supports; logical frequencies multiplex onto them.
	c := cron.New(cron.WithLogger(cronLogger{log}), cron.WithLocation(time.UTC))

	entries := []struct {
		spec    string
		cadence source.Cadence
	}{
		{"* * * * *", source.CadenceMinute},
		{"0 * * * *", source.CadenceHour},
		{"0 0 * * *", source.CadenceDay},
	}
	for _, e := range entries {
		cadence := e.cadence
		_, err = c.AddFunc(e.spec, func() {
			result := sched.Run(ctx, scheduler.Trigger{
				Cadence: cadence,
				At:      time.Now().UTC(),
			})
			if result.Failed > 0 {
				log.Warn().
					Str("cadence", string(cadence)).
					Int("failed", result.Failed).
					Msg("Trigger had failing jobs")
			}
		})
		if err != nil {
			return fmt.Errorf("failed to schedule %s trigger: %w", e.cadence, err)
		}
		log.Info().Str("cron", e.spec).Str("cadence", string(e.cadence)).Msg("Trigger scheduled")
	}

	// Start scheduler
	c.Start()
	log.Info().Msg("Scheduler started")

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info().Msg("Shutting down scheduler, draining jobs")
	<-c.Stop().Done()
	log.Info().Msg("Scheduler stopped")

	return nil
}

// newBlobStore builds the configured object store backend.
func newBlobStore(ctx context.Context) (blobstore.Store, error) {
	switch cfg.BlobStore.Backend {
	case "s3":
		log.Info().Str("bucket", cfg.BlobStore.S3.Bucket).Msg("Using S3 blob store")
		store, err := blobstore.NewS3(ctx, blobstore.S3Config{
			Region:          cfg.BlobStore.S3.Region,
			Bucket:          cfg.BlobStore.S3.Bucket,
			Endpoint:        cfg.BlobStore.S3.Endpoint,
			UsePathStyle:    cfg.BlobStore.S3.UsePathStyle,
			AccessKeyID:     cfg.BlobStore.S3.AccessKeyID,
			SecretAccessKey: cfg.BlobStore.S3.SecretAccessKey,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create S3 blob store: %w", err)
		}
		return store, nil
	default:
		log.Info().Str("dir", cfg.BlobStore.Local.Dir).Msg("Using local blob store")
		store, err := blobstore.NewLocal(cfg.BlobStore.Local.Dir)
		if err != nil {
			return nil, fmt.Errorf("failed to create local blob store: %w", err)
		}
		return store, nil
	}
}

// newLocationCache builds the configured location-upsert cache.
func newLocationCache() (cache.Cache, error) {
	switch cfg.Cache.Backend {
	case "redis":
		log.Info().Str("address", cfg.Cache.Redis.Address).Msg("Using Redis location cache")
		redisCfg := cache.DefaultRedisConfig(cfg.Cache.Redis.Address)
		redisCfg.Password = cfg.Cache.Redis.Password
		redisCfg.Database = cfg.Cache.Redis.Database
		if cfg.Cache.Redis.TTL > 0 {
			redisCfg.TTL = cfg.Cache.Redis.TTL
		}
		c, err := cache.NewRedis(redisCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create Redis cache: %w", err)
		}
		return c, nil
	default:
		return cache.NewMemory(cfg.Cache.Capacity), nil
	}
}

// registerSources adds every enabled source to the registry.
func registerSources(reg *registry.Registry, limiter *ratelimit.MultiLimiter) error {
	defs := make([]*source.Definition, 0, 5)
	if cfg.Sources.OpenMeteo.Enabled {
		defs = append(defs, openmeteo.New(cfg.Sources.OpenMeteo, limiter, log))
	}
	if cfg.Sources.AirQuality.Enabled {
		defs = append(defs, airquality.New(cfg.Sources.AirQuality, limiter, log))
	}
	if cfg.Sources.Feeds.Enabled {
		defs = append(defs, feeds.New(cfg.Sources.Feeds, limiter, log))
	}
	if cfg.Sources.Notices.Enabled {
		defs = append(defs, notices.New(cfg.Sources.Notices, limiter, log))
	}
	if cfg.Sources.OpenData.Enabled {
		defs = append(defs, opendata.New(cfg.Sources.OpenData, limiter, log))
	}

	for _, def := range defs {
		if err := reg.Register(def); err != nil {
			return fmt.Errorf("failed to register source: %w", err)
		}
	}
	return nil
}

// cronLogger adapts our logger for cron
type cronLogger struct {
	log *logger.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Info().Msgf(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Msgf(msg, keysAndValues...)
}

// startHealthServer starts a simple HTTP server for health checks
func startHealthServer() {
	port := os.Getenv("PORT")
	if port == "" {
		port = strconv.Itoa(cfg.Health.Port)
	}

	http.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	http.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("opencollect scheduler"))
	})

	log.Info().Str("port", port).Msg("Health check server starting")
	if err := http.ListenAndServe(":"+port, nil); err != nil {
		log.Error().Err(err).Msg("Health server failed")
	}
}
