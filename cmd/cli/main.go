package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/opencollect/opencollect/internal/blobstore"
	"github.com/opencollect/opencollect/internal/cache"
	"github.com/opencollect/opencollect/internal/config"
	"github.com/opencollect/opencollect/internal/ingest"
	"github.com/opencollect/opencollect/internal/models"
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
		Use:   "opencollect",
		Short: "Public-data collection toolbox",
		Long: `Inspect collected data, audit collection runs and trigger
one-off collections outside the scheduled cadence.`,
		PersistentPreRunE: initializeApp,
	}

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./configs/config.yaml)")

	// Add subcommands
	rootCmd.AddCommand(sourcesCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(recordsCmd())
	rootCmd.AddCommand(logsCmd())
	rootCmd.AddCommand(locationsCmd())
	rootCmd.AddCommand(docsCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func initializeApp(cmd *cobra.Command, args []string) error {
	var err error

	// Load config
	cfg, err = config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Initialize logger
	log = logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})

	// Initialize storage
	repo, err = sqlite.New(cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	// Run migrations
	if err := repo.Migrate(); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// ============ SOURCES COMMANDS ============

func sourcesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sources",
		Short: "List and inspect collection sources",
	}

	cmd.AddCommand(sourcesListCmd())
	cmd.AddCommand(sourcesShowCmd())
	return cmd
}

func sourcesListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered sources",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			sources, err := repo.ListSources(ctx)
			if err != nil {
				return err
			}

			fmt.Printf("\n=== Sources (%d) ===\n\n", len(sources))
			for _, s := range sources {
				fmt.Printf("[%s] %s | %s\n", s.ID, s.Status, s.Name)
				fmt.Printf("    Last collected: %s\n", formatTimePtr(s.LastCollectedAt))
				if s.Homepage != "" {
					fmt.Printf("    Homepage: %s\n", s.Homepage)
				}
				fmt.Println()
			}

			return nil
		},
	}

	return cmd
}

func sourcesShowCmd() *cobra.Command {
	var runs int

	cmd := &cobra.Command{
		Use:   "show [source-id]",
		Short: "Show one source with its recent runs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			src, err := repo.GetSource(ctx, args[0])
			if err != nil {
				return fmt.Errorf("source not found: %w", err)
			}

			count, err := repo.CountRecords(ctx, src.ID)
			if err != nil {
				return err
			}

			fmt.Printf("\n=== Source %s ===\n\n", src.ID)
			fmt.Printf("Name:           %s\n", src.Name)
			fmt.Printf("Status:         %s\n", src.Status)
			fmt.Printf("Last collected: %s\n", formatTimePtr(src.LastCollectedAt))
			fmt.Printf("Records stored: %d\n", count)
			if src.Homepage != "" {
				fmt.Printf("Homepage:       %s\n", src.Homepage)
			}

			filter := storage.DefaultIngestLogFilter()
			filter.SourceID = src.ID
			filter.Limit = runs

			logs, err := repo.ListIngestLogs(ctx, filter)
			if err != nil {
				return err
			}

			fmt.Printf("\n--- Recent runs (%d) ---\n\n", len(logs))
			for _, l := range logs {
				fmt.Printf("[%d] %s | %d records | started %s\n",
					l.ID, l.Status, l.RecordCount, l.StartedAt.Format(time.RFC1123))
				if l.Error != "" {
					fmt.Printf("    Error: %s\n", l.Error)
				}
			}

			return nil
		},
	}

	cmd.Flags().IntVar(&runs, "runs", 10, "Number of recent runs to show")
	return cmd
}

// ============ RUN COMMAND ============

func runCmd() *cobra.Command {
	var sourceID string
	var freq string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a collection immediately",
		Long: `Runs a source's collection handlers right now, outside the scheduled
cadence. Without --freq every schedule the source declares is run.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}

			blobs, err := newBlobStore(ctx)
			if err != nil {
				return err
			}

			locations, err := newLocationCache()
			if err != nil {
				return err
			}
			defer locations.Close()

			limiter := ratelimit.NewDefaultLimiter()
			svc := ingest.New(repo, blobs, locations, log, ingest.Config{
				ChunkSize: cfg.Ingest.ChunkSize,
			})

			reg := registry.New()
			if err := registerSources(reg, limiter); err != nil {
				return err
			}
			for _, def := range reg.All() {
				if err := repo.EnsureSource(ctx, def.Model()); err != nil {
					return fmt.Errorf("failed to seed source %s: %w", def.ID, err)
				}
			}

			sched := scheduler.New(reg, svc, log)
			result, err := sched.RunSource(ctx, sourceID, source.Frequency(freq))
			if err != nil {
				return err
			}

			fmt.Printf("\n=== Collection Results ===\n")
			fmt.Printf("Jobs Run:       %d\n", result.Matched)
			fmt.Printf("Succeeded:      %d\n", result.Succeeded)
			fmt.Printf("Failed:         %d\n", result.Failed)
			fmt.Printf("Records Stored: %d\n", result.Records)

			if result.Failed > 0 {
				fmt.Printf("\nSome jobs failed - see 'logs list --source %s' for details\n", sourceID)
			}

			return nil
		},
	}

	cmd.Flags().StringVar(&sourceID, "source", "", "Source ID to run (required)")
	cmd.Flags().StringVar(&freq, "freq", "", "Run only the schedule with this frequency (e.g. hourly)")
	cmd.MarkFlagRequired("source")

	return cmd
}

// ============ RECORDS COMMANDS ============

func recordsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "records",
		Short: "Inspect collected data records",
	}

	cmd.AddCommand(recordsListCmd())
	return cmd
}

func recordsListCmd() *cobra.Command {
	var sourceID string
	var payloadType string
	var locationID string
	var since string
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List collected records",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			filter := storage.DefaultRecordFilter()
			filter.SourceID = sourceID
			filter.PayloadType = payloadType
			filter.Limit = limit

			if locationID != "" {
				filter.LocationID = &locationID
			}

			if since != "" {
				d, err := time.ParseDuration(since)
				if err != nil {
					return fmt.Errorf("invalid --since duration: %w", err)
				}
				t := time.Now().UTC().Add(-d)
				filter.Since = &t
			}

			records, err := repo.ListRecords(ctx, filter)
			if err != nil {
				return err
			}

			fmt.Printf("\n=== Records (%d) ===\n\n", len(records))
			for _, r := range records {
				fmt.Printf("[%s] %s/%s\n", r.ID, r.SourceID, r.PayloadType)
				fmt.Printf("    Observed: %s\n", r.ObservedAt.Format(time.RFC1123))
				if r.LocationID != nil {
					fmt.Printf("    Location: %s\n", *r.LocationID)
				}
				if len(r.Tags) > 0 {
					fmt.Printf("    Tags: %v\n", []string(r.Tags))
				}
				fmt.Printf("    Payload: %s\n", truncateStr(string(r.Payload), 120))
				fmt.Println()
			}

			return nil
		},
	}

	cmd.Flags().StringVar(&sourceID, "source", "", "Filter by source ID")
	cmd.Flags().StringVar(&payloadType, "type", "", "Filter by payload type")
	cmd.Flags().StringVar(&locationID, "location", "", "Filter by location ID")
	cmd.Flags().StringVar(&since, "since", "", "Only records observed in the last duration (e.g. 24h)")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum records to show")

	return cmd
}

// ============ LOGS COMMANDS ============

func logsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Inspect the collection audit trail",
	}

	cmd.AddCommand(logsListCmd())
	return cmd
}

func logsListCmd() *cobra.Command {
	var sourceID string
	var status string
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List collection runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			filter := storage.DefaultIngestLogFilter()
			filter.SourceID = sourceID
			filter.Limit = limit

			if status != "" {
				s := models.IngestStatus(status)
				filter.Status = &s
			}

			logs, err := repo.ListIngestLogs(ctx, filter)
			if err != nil {
				return err
			}

			fmt.Printf("\n=== Collection Runs (%d) ===\n\n", len(logs))
			for _, l := range logs {
				fmt.Printf("[%d] %s | %s\n", l.ID, l.Status, l.SourceID)
				fmt.Printf("    Records:  %d\n", l.RecordCount)
				fmt.Printf("    Started:  %s\n", l.StartedAt.Format(time.RFC1123))
				fmt.Printf("    Finished: %s\n", formatTimePtr(l.FinishedAt))
				if l.Error != "" {
					fmt.Printf("    Error:    %s\n", truncateStr(l.Error, 200))
				}
				fmt.Println()
			}

			return nil
		},
	}

	cmd.Flags().StringVar(&sourceID, "source", "", "Filter by source ID")
	cmd.Flags().StringVar(&status, "status", "", "Filter by status (running, success, error)")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum runs to show")

	return cmd
}

// ============ LOCATIONS COMMANDS ============

func locationsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "locations",
		Short: "Inspect shared locations",
	}

	cmd.AddCommand(locationsListCmd())
	return cmd
}

func locationsListCmd() *cobra.Command {
	var kind string
	var region string
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List locations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			filter := storage.LocationFilter{
				Region: region,
				Limit:  limit,
			}
			if kind != "" {
				k := models.LocationKind(kind)
				filter.Kind = &k
			}

			locations, err := repo.ListLocations(ctx, filter)
			if err != nil {
				return err
			}

			fmt.Printf("\n=== Locations (%d) ===\n\n", len(locations))
			for _, l := range locations {
				fmt.Printf("[%s] %s | %s\n", l.ID, l.Kind, l.Name)
				if l.Region != "" {
					fmt.Printf("    Region: %s\n", l.Region)
				}
				if l.Latitude != nil && l.Longitude != nil {
					fmt.Printf("    Coordinates: %.4f, %.4f\n", *l.Latitude, *l.Longitude)
				}
				fmt.Println()
			}

			return nil
		},
	}

	cmd.Flags().StringVar(&kind, "kind", "", "Filter by kind (city, station, sensor, region)")
	cmd.Flags().StringVar(&region, "region", "", "Filter by region")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum locations to show")

	return cmd
}

// ============ DOCS COMMANDS ============

func docsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "docs",
		Short: "Inspect uploaded documents",
	}

	cmd.AddCommand(docsListCmd())
	return cmd
}

func docsListCmd() *cobra.Command {
	var sourceID string
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List uploaded documents",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			docs, err := repo.ListDocuments(ctx, sourceID, limit)
			if err != nil {
				return err
			}

			fmt.Printf("\n=== Documents (%d) ===\n\n", len(docs))
			for _, d := range docs {
				fmt.Printf("[%s] %s\n", d.ID, d.FileName)
				fmt.Printf("    Source:   %s\n", d.SourceID)
				fmt.Printf("    Type:     %s | Size: %d bytes\n", d.ContentType, d.Size)
				fmt.Printf("    Key:      %s\n", d.StorageKey)
				fmt.Printf("    Captured: %s\n", d.CapturedAt.Format(time.RFC1123))
				fmt.Println()
			}

			return nil
		},
	}

	cmd.Flags().StringVar(&sourceID, "source", "", "Filter by source ID")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum documents to show")

	return cmd
}

// ============ COMPONENT WIRING ============

// newBlobStore builds the configured object store backend.
func newBlobStore(ctx context.Context) (blobstore.Store, error) {
	switch cfg.BlobStore.Backend {
	case "s3":
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

// Helper function to truncate strings
func truncateStr(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

// Helper function to format a nullable time
func formatTimePtr(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return t.Format(time.RFC1123)
}
