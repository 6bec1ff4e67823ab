package sqlite

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/opencollect/opencollect/internal/models"
	"github.com/opencollect/opencollect/internal/storage"
)

// Repository implements storage.Repository using SQLite
type Repository struct {
	db *gorm.DB
}

// New creates a new SQLite repository
func New(dsn string) (*Repository, error) {
	// Ensure directory exists
	dir := filepath.Dir(dsn)
	if dir != "." && dir != "" && !isMemoryDSN(dsn) {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	return &Repository{db: db}, nil
}

func isMemoryDSN(dsn string) bool {
	return strings.Contains(dsn, ":memory:") || strings.HasPrefix(dsn, "file:")
}

// Migrate runs database migrations
func (r *Repository) Migrate() error {
	return r.db.AutoMigrate(
		&models.Source{},
		&models.Location{},
		&models.DataRecord{},
		&models.Document{},
		&models.IngestLog{},
	)
}

// Close closes the database connection
func (r *Repository) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Location operations

func (r *Repository) UpsertLocation(ctx context.Context, loc *models.Location) error {
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			UpdateAll: true,
		}).
		Create(loc).Error
	return wrap("upsert location", err)
}

func (r *Repository) GetLocation(ctx context.Context, id string) (*models.Location, error) {
	var loc models.Location
	if err := r.db.WithContext(ctx).First(&loc, "id = ?", id).Error; err != nil {
		return nil, wrap("get location", err)
	}
	return &loc, nil
}

func (r *Repository) ListLocations(ctx context.Context, filter storage.LocationFilter) ([]*models.Location, error) {
	var locs []*models.Location
	query := r.db.WithContext(ctx).Model(&models.Location{}).Order("id ASC")

	if filter.Kind != nil {
		query = query.Where("kind = ?", *filter.Kind)
	}
	if filter.Region != "" {
		query = query.Where("region = ?", filter.Region)
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		query = query.Offset(filter.Offset)
	}

	if err := query.Find(&locs).Error; err != nil {
		return nil, wrap("list locations", err)
	}
	return locs, nil
}

// Record operations

func (r *Repository) InsertRecord(ctx context.Context, rec *models.DataRecord) (bool, error) {
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   dedupColumns(),
			DoNothing: true,
		}).
		Create(rec)
	if res.Error != nil {
		return false, wrap("insert record", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (r *Repository) InsertRecordBatch(ctx context.Context, recs []*models.DataRecord) (int, error) {
	if len(recs) == 0 {
		return 0, nil
	}

	var inserted int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.
			Clauses(clause.OnConflict{
				Columns:   dedupColumns(),
				DoNothing: true,
			}).
			Create(&recs)
		if res.Error != nil {
			return res.Error
		}
		inserted = res.RowsAffected
		return nil
	})
	if err != nil {
		return 0, wrap("insert record batch", err)
	}
	return int(inserted), nil
}

func dedupColumns() []clause.Column {
	return []clause.Column{
		{Name: "source_id"},
		{Name: "payload_type"},
		{Name: "content_hash"},
	}
}

func (r *Repository) ListRecords(ctx context.Context, filter storage.RecordFilter) ([]*models.DataRecord, error) {
	var recs []*models.DataRecord
	query := r.db.WithContext(ctx).Model(&models.DataRecord{})

	if filter.SourceID != "" {
		query = query.Where("source_id = ?", filter.SourceID)
	}
	if filter.PayloadType != "" {
		query = query.Where("payload_type = ?", filter.PayloadType)
	}
	if filter.LocationID != nil {
		query = query.Where("location_id = ?", *filter.LocationID)
	}
	if filter.Since != nil {
		query = query.Where("observed_at >= ?", *filter.Since)
	}

	if filter.OrderDesc {
		query = query.Order("observed_at DESC")
	} else {
		query = query.Order("observed_at ASC")
	}

	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		query = query.Offset(filter.Offset)
	}

	if err := query.Find(&recs).Error; err != nil {
		return nil, wrap("list records", err)
	}
	return recs, nil
}

func (r *Repository) CountRecords(ctx context.Context, sourceID string) (int64, error) {
	var count int64
	query := r.db.WithContext(ctx).Model(&models.DataRecord{})
	if sourceID != "" {
		query = query.Where("source_id = ?", sourceID)
	}
	if err := query.Count(&count).Error; err != nil {
		return 0, wrap("count records", err)
	}
	return count, nil
}

// Document operations

func (r *Repository) CreateDocument(ctx context.Context, doc *models.Document) error {
	return wrap("create document", r.db.WithContext(ctx).Create(doc).Error)
}

func (r *Repository) GetDocument(ctx context.Context, id string) (*models.Document, error) {
	var doc models.Document
	if err := r.db.WithContext(ctx).First(&doc, "id = ?", id).Error; err != nil {
		return nil, wrap("get document", err)
	}
	return &doc, nil
}

func (r *Repository) ListDocuments(ctx context.Context, sourceID string, limit int) ([]*models.Document, error) {
	var docs []*models.Document
	query := r.db.WithContext(ctx).Model(&models.Document{}).Order("created_at DESC")
	if sourceID != "" {
		query = query.Where("source_id = ?", sourceID)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&docs).Error; err != nil {
		return nil, wrap("list documents", err)
	}
	return docs, nil
}

// Source operations

func (r *Repository) EnsureSource(ctx context.Context, src *models.Source) error {
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoNothing: true,
		}).
		Create(src).Error
	return wrap("ensure source", err)
}

func (r *Repository) GetSource(ctx context.Context, id string) (*models.Source, error) {
	var src models.Source
	if err := r.db.WithContext(ctx).First(&src, "id = ?", id).Error; err != nil {
		return nil, wrap("get source", err)
	}
	return &src, nil
}

func (r *Repository) ListSources(ctx context.Context) ([]*models.Source, error) {
	var srcs []*models.Source
	if err := r.db.WithContext(ctx).Order("id ASC").Find(&srcs).Error; err != nil {
		return nil, wrap("list sources", err)
	}
	return srcs, nil
}

func (r *Repository) MarkSourceCollected(ctx context.Context, id string, at time.Time) error {
	err := r.db.WithContext(ctx).Model(&models.Source{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"last_collected_at": at,
			"status":            models.SourceStatusActive,
		}).Error
	return wrap("mark source collected", err)
}

func (r *Repository) MarkSourceError(ctx context.Context, id string) error {
	err := r.db.WithContext(ctx).Model(&models.Source{}).
		Where("id = ?", id).
		Update("status", models.SourceStatusError).Error
	return wrap("mark source error", err)
}

// Ingest log operations

func (r *Repository) CreateIngestLog(ctx context.Context, row *models.IngestLog) error {
	return wrap("create ingest log", r.db.WithContext(ctx).Create(row).Error)
}

func (r *Repository) FinishIngestLog(ctx context.Context, id uint, status models.IngestStatus, recordCount int, errMsg string, at time.Time) error {
	// The status guard keeps a run from being finalized twice.
	err := r.db.WithContext(ctx).Model(&models.IngestLog{}).
		Where("id = ? AND status = ?", id, models.IngestStatusRunning).
		Updates(map[string]interface{}{
			"status":       status,
			"record_count": recordCount,
			"error":        errMsg,
			"finished_at":  at,
		}).Error
	return wrap("finish ingest log", err)
}

func (r *Repository) GetIngestLog(ctx context.Context, id uint) (*models.IngestLog, error) {
	var row models.IngestLog
	if err := r.db.WithContext(ctx).First(&row, id).Error; err != nil {
		return nil, wrap("get ingest log", err)
	}
	return &row, nil
}

func (r *Repository) ListIngestLogs(ctx context.Context, filter storage.IngestLogFilter) ([]*models.IngestLog, error) {
	var rows []*models.IngestLog
	query := r.db.WithContext(ctx).Model(&models.IngestLog{}).Order("started_at DESC")

	if filter.SourceID != "" {
		query = query.Where("source_id = ?", filter.SourceID)
	}
	if filter.Status != nil {
		query = query.Where("status = ?", *filter.Status)
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		query = query.Offset(filter.Offset)
	}

	if err := query.Find(&rows).Error; err != nil {
		return nil, wrap("list ingest logs", err)
	}
	return rows, nil
}

// wrap converts a driver error into the tagged storage error callers
// branch on. Not-found reads map to storage.ErrNotFound.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s: %w", op, storage.ErrNotFound)
	}
	return &storage.Error{Kind: classify(err), Op: op, Err: err}
}
