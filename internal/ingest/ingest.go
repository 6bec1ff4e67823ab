// Package ingest provides the storage primitives handed to collection
// handlers: location upserts, deduplicated record writes, chunked batch
// writes, blob uploads and the audit-log lifecycle around each run.
package ingest

import (
	"context"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opencollect/opencollect/internal/blobstore"
	"github.com/opencollect/opencollect/internal/cache"
	"github.com/opencollect/opencollect/internal/models"
	"github.com/opencollect/opencollect/internal/storage"
	"github.com/opencollect/opencollect/pkg/logger"
)

// DefaultChunkSize is the number of records written per batch transaction.
const DefaultChunkSize = 50

// Config holds ingestion settings.
type Config struct {
	// ChunkSize caps rows per batch transaction (default DefaultChunkSize)
	ChunkSize int
}

// Service creates per-run ingestion contexts and drives the audit-log
// lifecycle around them. The scheduler owns Begin/Complete/Fail; handlers
// only ever see the Context.
type Service struct {
	repo      storage.Repository
	blobs     blobstore.Store
	locations cache.Cache
	log       *logger.Logger
	chunkSize int
}

// New creates an ingestion service. The location cache may be nil, in which
// case every RegisterLocation call hits the database.
func New(repo storage.Repository, blobs blobstore.Store, locations cache.Cache, log *logger.Logger, cfg Config) *Service {
	chunkSize := cfg.ChunkSize
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Service{
		repo:      repo,
		blobs:     blobs,
		locations: locations,
		log:       log.WithComponent("ingest"),
		chunkSize: chunkSize,
	}
}

// Begin opens an audit-log row in "running" state and returns the Context
// bound to that run.
func (s *Service) Begin(ctx context.Context, sourceID string, startedAt time.Time) (*Context, error) {
	row := &models.IngestLog{
		SourceID:  sourceID,
		Status:    models.IngestStatusRunning,
		StartedAt: startedAt,
	}
	err := s.withRetry(ctx, "create ingest log", func() error {
		return s.repo.CreateIngestLog(ctx, row)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open ingest log for %s: %w", sourceID, err)
	}

	return &Context{
		svc:    s,
		source: sourceID,
		runID:  row.ID,
		log:    s.log.WithSource(sourceID).WithRun(row.ID),
	}, nil
}

// Complete finalizes a run as "success", records its count and advances the
// source's last-collected watermark.
func (s *Service) Complete(ctx context.Context, ic *Context) error {
	now := time.Now().UTC()
	err := s.withRetry(ctx, "finish ingest log", func() error {
		return s.repo.FinishIngestLog(ctx, ic.runID, models.IngestStatusSuccess, ic.Stored(), "", now)
	})
	if err != nil {
		return fmt.Errorf("failed to finalize run %d: %w", ic.runID, err)
	}

	err = s.withRetry(ctx, "mark source collected", func() error {
		return s.repo.MarkSourceCollected(ctx, ic.source, now)
	})
	if err != nil {
		return fmt.Errorf("failed to advance watermark for %s: %w", ic.source, err)
	}
	return nil
}

// Fail finalizes a run as "error" with the handler's message. The source
// watermark is left untouched; its status flips to error until the next
// successful run.
func (s *Service) Fail(ctx context.Context, ic *Context, cause error) error {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}

	now := time.Now().UTC()
	err := s.withRetry(ctx, "finish ingest log", func() error {
		return s.repo.FinishIngestLog(ctx, ic.runID, models.IngestStatusError, ic.Stored(), msg, now)
	})
	if err != nil {
		return fmt.Errorf("failed to finalize run %d: %w", ic.runID, err)
	}

	err = s.withRetry(ctx, "mark source error", func() error {
		return s.repo.MarkSourceError(ctx, ic.source)
	})
	if err != nil {
		return fmt.Errorf("failed to mark source %s: %w", ic.source, err)
	}
	return nil
}

// Context is the set of storage primitives bound to one (source, schedule)
// invocation. Primitives are individually atomic but never jointly atomic:
// a handler interrupted between calls leaves earlier writes applied, which
// is safe because every write is idempotent or append-only.
type Context struct {
	svc    *Service
	source string
	runID  uint
	log    *logger.Logger

	mu     sync.Mutex
	stored int
}

// SourceID returns the source this context is bound to.
func (c *Context) SourceID() string { return c.source }

// RunID returns the audit-log row id for this invocation.
func (c *Context) RunID() uint { return c.runID }

// Logger returns a logger scoped to this run.
func (c *Context) Logger() *logger.Logger { return c.log }

// ReportStored adds n to the run's record count. StoreRecord and StoreBatch
// report automatically; handlers writing through other paths may add here.
func (c *Context) ReportStored(n int) {
	c.mu.Lock()
	c.stored += n
	c.mu.Unlock()
}

// Stored returns the records accumulated so far for the audit row.
func (c *Context) Stored() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stored
}

// RegisterLocation upserts a shared location, last write wins. Any source
// may register any location; the id is the join key across sources. A
// fingerprint cache skips the write when the exact same location was
// registered before; cache misses or failures just fall through to the
// upsert.
func (c *Context) RegisterLocation(ctx context.Context, loc *models.Location) error {
	if loc == nil || loc.ID == "" {
		return fmt.Errorf("location id is required")
	}

	var fingerprint string
	if c.svc.locations != nil {
		data, err := canonicalJSON(loc)
		if err == nil {
			fingerprint = contentHash(data)
			if cached, ok, err := c.svc.locations.Get(ctx, loc.ID); err == nil && ok && cached == fingerprint {
				return nil
			}
		}
	}

	err := c.svc.withRetry(ctx, "upsert location", func() error {
		return c.svc.repo.UpsertLocation(ctx, loc)
	})
	if err != nil {
		return err
	}

	if c.svc.locations != nil && fingerprint != "" {
		if err := c.svc.locations.Set(ctx, loc.ID, fingerprint); err != nil {
			c.log.Debug().Err(err).Str("location", loc.ID).Msg("Failed to cache location fingerprint")
		}
	}
	return nil
}

// RecordOption customizes a stored record.
type RecordOption func(*recordSettings)

type recordSettings struct {
	locationID string
	observedAt time.Time
	tags       []string
}

// WithLocation attaches a location reference to the record.
func WithLocation(id string) RecordOption {
	return func(s *recordSettings) { s.locationID = id }
}

// WithObservedAt sets the observation timestamp (default: now).
func WithObservedAt(t time.Time) RecordOption {
	return func(s *recordSettings) { s.observedAt = t }
}

// WithTags attaches free-form tags to the record.
func WithTags(tags ...string) RecordOption {
	return func(s *recordSettings) { s.tags = tags }
}

// StoreRecord serializes payload canonically, hashes it and inserts with
// insert-or-ignore semantics keyed on (source, payload type, content hash).
// The returned row id is the same whether the row was inserted or ignored
// as a duplicate; deduplication is transparent to callers.
func (c *Context) StoreRecord(ctx context.Context, payloadType string, payload interface{}, opts ...RecordOption) (string, error) {
	var settings recordSettings
	for _, opt := range opts {
		opt(&settings)
	}

	rec, err := c.buildRecord(payloadType, payload, settings)
	if err != nil {
		return "", err
	}

	var inserted bool
	err = c.svc.withRetry(ctx, "insert record", func() error {
		var ierr error
		inserted, ierr = c.svc.repo.InsertRecord(ctx, rec)
		return ierr
	})
	if err != nil {
		return "", err
	}
	if inserted {
		c.ReportStored(1)
	}
	return rec.ID, nil
}

// BatchItem is one payload in a StoreBatch call.
type BatchItem struct {
	Payload    interface{}
	LocationID string
	ObservedAt time.Time
	Tags       []string
}

// StoreBatch stores many records with the same semantics as StoreRecord.
// Items are written in chunks, each chunk one transaction; atomicity does
// not span chunk boundaries, so a failure mid-batch leaves earlier chunks
// applied. Safe to re-run: duplicates are ignored. Returns the number of
// rows actually inserted.
func (c *Context) StoreBatch(ctx context.Context, payloadType string, items []BatchItem) (int, error) {
	if len(items) == 0 {
		return 0, nil
	}

	recs := make([]*models.DataRecord, 0, len(items))
	for i, item := range items {
		rec, err := c.buildRecord(payloadType, item.Payload, recordSettings{
			locationID: item.LocationID,
			observedAt: item.ObservedAt,
			tags:       item.Tags,
		})
		if err != nil {
			return 0, fmt.Errorf("batch item %d: %w", i, err)
		}
		recs = append(recs, rec)
	}

	total := 0
	chunkSize := c.svc.chunkSize
	for start := 0; start < len(recs); start += chunkSize {
		end := start + chunkSize
		if end > len(recs) {
			end = len(recs)
		}
		chunk := recs[start:end]

		var n int
		err := c.svc.withRetry(ctx, "insert record batch", func() error {
			var ierr error
			n, ierr = c.svc.repo.InsertRecordBatch(ctx, chunk)
			return ierr
		})
		if err != nil {
			return total, fmt.Errorf("batch chunk starting at %d: %w", start, err)
		}
		total += n
		c.ReportStored(n)
	}

	c.log.Debug().
		Str("payload_type", payloadType).
		Int("items", len(items)).
		Int("inserted", total).
		Msg("Stored batch")
	return total, nil
}

func (c *Context) buildRecord(payloadType string, payload interface{}, settings recordSettings) (*models.DataRecord, error) {
	if payloadType == "" {
		return nil, fmt.Errorf("payload type is required")
	}

	data, err := canonicalJSON(payload)
	if err != nil {
		return nil, err
	}

	observedAt := settings.observedAt
	if observedAt.IsZero() {
		observedAt = time.Now().UTC()
	}

	rec := &models.DataRecord{
		ID:          c.recordID(payloadType, settings.locationID, observedAt),
		SourceID:    c.source,
		PayloadType: payloadType,
		ContentHash: contentHash(data),
		ObservedAt:  observedAt,
		Payload:     models.RawJSON(data),
		Tags:        models.StringSlice(settings.tags),
	}
	if settings.locationID != "" {
		locID := settings.locationID
		rec.LocationID = &locID
	}
	return rec, nil
}

// recordID derives a unique row id for storage addressing. The content
// hash, not this id, is the deduplication key; the random suffix keeps
// retries of distinct observations from colliding.
func (c *Context) recordID(payloadType, locationID string, observedAt time.Time) string {
	parts := []string{c.source, payloadType}
	if locationID != "" {
		parts = append(parts, locationID)
	}
	parts = append(parts,
		strconv.FormatInt(observedAt.Unix(), 10),
		uuid.NewString()[:8],
	)
	return strings.Join(parts, "-")
}

// Upload describes a blob handed to UploadDocument. ContentType is a hint
// for the object store; the stored metadata comes from reading the object
// back, not from the caller.
type Upload struct {
	FileName    string
	ContentType string
	Body        io.Reader
	LocationID  string
	CapturedAt  time.Time
	Meta        map[string]interface{}
}

// UploadDocument writes the blob to the object store first, then records
// its metadata row. The storage key embeds a fresh document id, so a retry
// never collides with an unrelated document. Explicit uploads are never
// deduplicated.
func (c *Context) UploadDocument(ctx context.Context, up Upload) (*models.Document, error) {
	if up.FileName == "" {
		return nil, fmt.Errorf("file name is required")
	}
	if up.Body == nil {
		return nil, fmt.Errorf("upload body is required")
	}

	docID := uuid.New().String()
	key := path.Join("docs", c.source, docID+strings.ToLower(path.Ext(up.FileName)))

	if err := c.svc.blobs.Put(ctx, key, up.Body, up.ContentType); err != nil {
		return nil, fmt.Errorf("failed to upload %s: %w", up.FileName, err)
	}

	info, err := c.svc.blobs.Stat(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to stat uploaded %s: %w", up.FileName, err)
	}

	capturedAt := up.CapturedAt
	if capturedAt.IsZero() {
		capturedAt = time.Now().UTC()
	}

	doc := &models.Document{
		ID:          docID,
		SourceID:    c.source,
		FileName:    up.FileName,
		ContentType: info.ContentType,
		StorageKey:  key,
		Size:        info.Size,
		Meta:        models.JSON(up.Meta),
		CapturedAt:  capturedAt,
	}
	if up.LocationID != "" {
		locID := up.LocationID
		doc.LocationID = &locID
	}

	err = c.svc.withRetry(ctx, "create document", func() error {
		return c.svc.repo.CreateDocument(ctx, doc)
	})
	if err != nil {
		return nil, err
	}

	c.log.Debug().
		Str("document", docID).
		Str("key", key).
		Int64("size", doc.Size).
		Msg("Uploaded document")
	return doc, nil
}
