package storage

import (
	"context"
	"time"

	"github.com/opencollect/opencollect/internal/models"
)

// Repository defines the interface for data persistence
type Repository interface {
	// Location operations
	UpsertLocation(ctx context.Context, loc *models.Location) error
	GetLocation(ctx context.Context, id string) (*models.Location, error)
	ListLocations(ctx context.Context, filter LocationFilter) ([]*models.Location, error)

	// Record operations. InsertRecord applies insert-or-ignore semantics on
	// (source_id, payload_type, content_hash) and reports whether a row was
	// actually written. InsertRecordBatch does the same for many rows inside
	// one transaction - callers own the chunking.
	InsertRecord(ctx context.Context, rec *models.DataRecord) (bool, error)
	InsertRecordBatch(ctx context.Context, recs []*models.DataRecord) (int, error)
	ListRecords(ctx context.Context, filter RecordFilter) ([]*models.DataRecord, error)
	CountRecords(ctx context.Context, sourceID string) (int64, error)

	// Document operations
	CreateDocument(ctx context.Context, doc *models.Document) error
	GetDocument(ctx context.Context, id string) (*models.Document, error)
	ListDocuments(ctx context.Context, sourceID string, limit int) ([]*models.Document, error)

	// Source operations. EnsureSource inserts the row if missing and leaves
	// an existing row untouched (status and watermark survive restarts).
	EnsureSource(ctx context.Context, src *models.Source) error
	GetSource(ctx context.Context, id string) (*models.Source, error)
	ListSources(ctx context.Context) ([]*models.Source, error)
	MarkSourceCollected(ctx context.Context, id string, at time.Time) error
	MarkSourceError(ctx context.Context, id string) error

	// Ingest log operations. FinishIngestLog only touches rows still in
	// "running" state, so a run is finalized at most once.
	CreateIngestLog(ctx context.Context, row *models.IngestLog) error
	FinishIngestLog(ctx context.Context, id uint, status models.IngestStatus, recordCount int, errMsg string, at time.Time) error
	GetIngestLog(ctx context.Context, id uint) (*models.IngestLog, error)
	ListIngestLogs(ctx context.Context, filter IngestLogFilter) ([]*models.IngestLog, error)

	// Maintenance
	Close() error
	Migrate() error
}

// RecordFilter defines filtering options for data records
type RecordFilter struct {
	SourceID    string
	PayloadType string
	LocationID  *string
	Since       *time.Time
	Limit       int
	Offset      int
	OrderDesc   bool
}

// IngestLogFilter defines filtering options for ingest logs
type IngestLogFilter struct {
	SourceID string
	Status   *models.IngestStatus
	Limit    int
	Offset   int
}

// LocationFilter defines filtering options for locations
type LocationFilter struct {
	Kind   *models.LocationKind
	Region string
	Limit  int
	Offset int
}

// DefaultRecordFilter returns a filter with sensible defaults
func DefaultRecordFilter() RecordFilter {
	return RecordFilter{
		Limit:     50,
		OrderDesc: true,
	}
}

// DefaultIngestLogFilter returns a filter with sensible defaults
func DefaultIngestLogFilter() IngestLogFilter {
	return IngestLogFilter{
		Limit: 50,
	}
}
