package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/opencollect/opencollect/internal/blobstore"
	"github.com/opencollect/opencollect/internal/cache"
	"github.com/opencollect/opencollect/internal/models"
	"github.com/opencollect/opencollect/internal/storage"
	"github.com/opencollect/opencollect/pkg/logger"
)

// fakeRepo implements storage.Repository in memory with scriptable write
// failures, so retry and chunking behavior can be observed call by call.
type fakeRepo struct {
	mu sync.Mutex

	insertErrs  []error // consumed one per InsertRecord call
	batchErrs   []error // consumed one per InsertRecordBatch call
	insertCalls int
	batchSizes  []int

	records        map[string]*models.DataRecord
	locations      map[string]*models.Location
	locationWrites int
	sources        map[string]*models.Source
	logs           map[uint]*models.IngestLog
	nextLogID      uint
	docs           []*models.Document
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		records:   make(map[string]*models.DataRecord),
		locations: make(map[string]*models.Location),
		sources:   make(map[string]*models.Source),
		logs:      make(map[uint]*models.IngestLog),
	}
}

func transientErr(op string) error {
	return &storage.Error{Kind: storage.KindTransient, Op: op, Err: errors.New("database is locked")}
}

func permanentErr(op string) error {
	return &storage.Error{Kind: storage.KindPermanent, Op: op, Err: errors.New("malformed statement")}
}

func popErr(errs *[]error) error {
	if len(*errs) == 0 {
		return nil
	}
	err := (*errs)[0]
	*errs = (*errs)[1:]
	return err
}

func dedupKey(rec *models.DataRecord) string {
	return rec.SourceID + "|" + rec.PayloadType + "|" + rec.ContentHash
}

func (f *fakeRepo) UpsertLocation(ctx context.Context, loc *models.Location) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *loc
	f.locations[loc.ID] = &cp
	f.locationWrites++
	return nil
}

func (f *fakeRepo) GetLocation(ctx context.Context, id string) (*models.Location, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	loc, ok := f.locations[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return loc, nil
}

func (f *fakeRepo) ListLocations(ctx context.Context, filter storage.LocationFilter) ([]*models.Location, error) {
	return nil, nil
}

func (f *fakeRepo) InsertRecord(ctx context.Context, rec *models.DataRecord) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.insertCalls++
	if err := popErr(&f.insertErrs); err != nil {
		return false, err
	}

	key := dedupKey(rec)
	if _, exists := f.records[key]; exists {
		return false, nil
	}
	f.records[key] = rec
	return true, nil
}

func (f *fakeRepo) InsertRecordBatch(ctx context.Context, recs []*models.DataRecord) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batchSizes = append(f.batchSizes, len(recs))
	if err := popErr(&f.batchErrs); err != nil {
		return 0, err
	}

	inserted := 0
	for _, rec := range recs {
		key := dedupKey(rec)
		if _, exists := f.records[key]; exists {
			continue
		}
		f.records[key] = rec
		inserted++
	}
	return inserted, nil
}

func (f *fakeRepo) ListRecords(ctx context.Context, filter storage.RecordFilter) ([]*models.DataRecord, error) {
	return nil, nil
}

func (f *fakeRepo) CountRecords(ctx context.Context, sourceID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.records)), nil
}

func (f *fakeRepo) CreateDocument(ctx context.Context, doc *models.Document) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs = append(f.docs, doc)
	return nil
}

func (f *fakeRepo) GetDocument(ctx context.Context, id string) (*models.Document, error) {
	return nil, storage.ErrNotFound
}

func (f *fakeRepo) ListDocuments(ctx context.Context, sourceID string, limit int) ([]*models.Document, error) {
	return nil, nil
}

func (f *fakeRepo) EnsureSource(ctx context.Context, src *models.Source) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.sources[src.ID]; !exists {
		cp := *src
		f.sources[src.ID] = &cp
	}
	return nil
}

func (f *fakeRepo) GetSource(ctx context.Context, id string) (*models.Source, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	src, ok := f.sources[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return src, nil
}

func (f *fakeRepo) ListSources(ctx context.Context) ([]*models.Source, error) {
	return nil, nil
}

func (f *fakeRepo) MarkSourceCollected(ctx context.Context, id string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if src, ok := f.sources[id]; ok {
		t := at
		src.LastCollectedAt = &t
		src.Status = models.SourceStatusActive
	}
	return nil
}

func (f *fakeRepo) MarkSourceError(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if src, ok := f.sources[id]; ok {
		src.Status = models.SourceStatusError
	}
	return nil
}

func (f *fakeRepo) CreateIngestLog(ctx context.Context, row *models.IngestLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextLogID++
	row.ID = f.nextLogID
	cp := *row
	f.logs[row.ID] = &cp
	return nil
}

func (f *fakeRepo) FinishIngestLog(ctx context.Context, id uint, status models.IngestStatus, recordCount int, errMsg string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.logs[id]
	if !ok || row.Status != models.IngestStatusRunning {
		return nil
	}
	row.Status = status
	row.RecordCount = recordCount
	row.Error = errMsg
	t := at
	row.FinishedAt = &t
	return nil
}

func (f *fakeRepo) GetIngestLog(ctx context.Context, id uint) (*models.IngestLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.logs[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return row, nil
}

func (f *fakeRepo) ListIngestLogs(ctx context.Context, filter storage.IngestLogFilter) ([]*models.IngestLog, error) {
	return nil, nil
}

func (f *fakeRepo) Close() error   { return nil }
func (f *fakeRepo) Migrate() error { return nil }

var _ storage.Repository = (*fakeRepo)(nil)

// fakeBlobs is an in-memory object store. Stat reports statType regardless
// of what the writer claimed, mirroring a real store deriving the type
// itself.
type fakeBlobs struct {
	mu       sync.Mutex
	objects  map[string][]byte
	statType string
}

func (f *fakeBlobs) Put(ctx context.Context, key string, r io.Reader, contentType string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.objects == nil {
		f.objects = make(map[string][]byte)
	}
	f.objects[key] = data
	return nil
}

func (f *fakeBlobs) Stat(ctx context.Context, key string) (*blobstore.ObjectInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[key]
	if !ok {
		return nil, blobstore.ErrNotFound
	}
	return &blobstore.ObjectInfo{
		Key:          key,
		Size:         int64(len(data)),
		ContentType:  f.statType,
		LastModified: time.Now(),
	}, nil
}

func (f *fakeBlobs) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[key]
	if !ok {
		return nil, blobstore.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (f *fakeBlobs) Delete(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, key)
	return nil
}

var _ blobstore.Store = (*fakeBlobs)(nil)

func testContext(t *testing.T, svc *Service) *Context {
	t.Helper()
	ic, err := svc.Begin(context.Background(), "demo", time.Now().UTC())
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	return ic
}

func TestStoreRecord_DedupTransparent(t *testing.T) {
	repo := newFakeRepo()
	svc := New(repo, nil, nil, logger.Nop(), Config{})
	ic := testContext(t, svc)
	ctx := context.Background()

	payload := map[string]interface{}{"temperature": 11.5}

	first, err := ic.StoreRecord(ctx, "reading", payload)
	if err != nil {
		t.Fatalf("first StoreRecord failed: %v", err)
	}
	second, err := ic.StoreRecord(ctx, "reading", payload)
	if err != nil {
		t.Fatalf("second StoreRecord failed: %v", err)
	}

	if first == "" || second == "" {
		t.Error("StoreRecord returned an empty id; dedup must stay transparent")
	}
	if len(repo.records) != 1 {
		t.Errorf("stored %d records, want 1", len(repo.records))
	}
	if got := ic.Stored(); got != 1 {
		t.Errorf("Stored() = %d, want 1 (ignored duplicate must not count)", got)
	}
}

func TestStoreRecord_DistinctPayloads(t *testing.T) {
	repo := newFakeRepo()
	svc := New(repo, nil, nil, logger.Nop(), Config{})
	ic := testContext(t, svc)
	ctx := context.Background()

	if _, err := ic.StoreRecord(ctx, "reading", map[string]interface{}{"v": 1}); err != nil {
		t.Fatalf("StoreRecord failed: %v", err)
	}
	if _, err := ic.StoreRecord(ctx, "reading", map[string]interface{}{"v": 2}); err != nil {
		t.Fatalf("StoreRecord failed: %v", err)
	}

	if len(repo.records) != 2 {
		t.Errorf("stored %d records, want 2", len(repo.records))
	}
	if got := ic.Stored(); got != 2 {
		t.Errorf("Stored() = %d, want 2", got)
	}
}

func TestStoreRecord_EquivalentSerializations(t *testing.T) {
	repo := newFakeRepo()
	svc := New(repo, nil, nil, logger.Nop(), Config{})
	ic := testContext(t, svc)
	ctx := context.Background()

	if _, err := ic.StoreRecord(ctx, "reading", json.RawMessage(`{"b":2,"a":1}`)); err != nil {
		t.Fatalf("StoreRecord failed: %v", err)
	}
	if _, err := ic.StoreRecord(ctx, "reading", map[string]interface{}{"a": 1, "b": 2}); err != nil {
		t.Fatalf("StoreRecord failed: %v", err)
	}

	if len(repo.records) != 1 {
		t.Errorf("stored %d records, want 1 (equivalent payloads must share a hash)", len(repo.records))
	}
}

func TestStoreRecord_RequiresPayloadType(t *testing.T) {
	repo := newFakeRepo()
	svc := New(repo, nil, nil, logger.Nop(), Config{})
	ic := testContext(t, svc)

	if _, err := ic.StoreRecord(context.Background(), "", map[string]interface{}{"v": 1}); err == nil {
		t.Error("expected error for empty payload type")
	}
}

func TestStoreBatch_ChunksBySize(t *testing.T) {
	repo := newFakeRepo()
	svc := New(repo, nil, nil, logger.Nop(), Config{ChunkSize: 2})
	ic := testContext(t, svc)

	items := make([]BatchItem, 5)
	for i := range items {
		items[i] = BatchItem{Payload: map[string]interface{}{"i": i}}
	}

	total, err := ic.StoreBatch(context.Background(), "reading", items)
	if err != nil {
		t.Fatalf("StoreBatch failed: %v", err)
	}

	if total != 5 {
		t.Errorf("inserted %d, want 5", total)
	}
	wantSizes := []int{2, 2, 1}
	if len(repo.batchSizes) != len(wantSizes) {
		t.Fatalf("made %d batch calls %v, want %v", len(repo.batchSizes), repo.batchSizes, wantSizes)
	}
	for i, size := range wantSizes {
		if repo.batchSizes[i] != size {
			t.Errorf("chunk %d size = %d, want %d", i, repo.batchSizes[i], size)
		}
	}
	if got := ic.Stored(); got != 5 {
		t.Errorf("Stored() = %d, want 5", got)
	}
}

func TestStoreBatch_FailedChunkKeepsEarlierChunks(t *testing.T) {
	repo := newFakeRepo()
	repo.batchErrs = []error{nil, permanentErr("insert record batch")}
	svc := New(repo, nil, nil, logger.Nop(), Config{ChunkSize: 2})
	ic := testContext(t, svc)

	items := make([]BatchItem, 5)
	for i := range items {
		items[i] = BatchItem{Payload: map[string]interface{}{"i": i}}
	}

	total, err := ic.StoreBatch(context.Background(), "reading", items)
	if err == nil {
		t.Fatal("expected error from failing chunk")
	}
	if !strings.Contains(err.Error(), "chunk starting at 2") {
		t.Errorf("error should name the failing chunk offset, got: %v", err)
	}

	// The first chunk committed before the second failed; it stays applied.
	if total != 2 {
		t.Errorf("inserted %d before failure, want 2", total)
	}
	if len(repo.records) != 2 {
		t.Errorf("repo holds %d records, want 2", len(repo.records))
	}
	if got := ic.Stored(); got != 2 {
		t.Errorf("Stored() = %d, want 2", got)
	}
}

func TestStoreBatch_EquivalentToSequential(t *testing.T) {
	items := make([]BatchItem, 7)
	for i := range items {
		items[i] = BatchItem{Payload: map[string]interface{}{"i": i % 5}} // two duplicates
	}

	seqRepo := newFakeRepo()
	seqSvc := New(seqRepo, nil, nil, logger.Nop(), Config{})
	seqCtx := testContext(t, seqSvc)
	for _, item := range items {
		if _, err := seqCtx.StoreRecord(context.Background(), "reading", item.Payload); err != nil {
			t.Fatalf("StoreRecord failed: %v", err)
		}
	}

	for _, chunkSize := range []int{1, 3, 100} {
		repo := newFakeRepo()
		svc := New(repo, nil, nil, logger.Nop(), Config{ChunkSize: chunkSize})
		ic := testContext(t, svc)

		if _, err := ic.StoreBatch(context.Background(), "reading", items); err != nil {
			t.Fatalf("StoreBatch with chunk size %d failed: %v", chunkSize, err)
		}

		if len(repo.records) != len(seqRepo.records) {
			t.Errorf("chunk size %d: %d rows, want %d as with sequential StoreRecord",
				chunkSize, len(repo.records), len(seqRepo.records))
		}
		for key := range seqRepo.records {
			if _, ok := repo.records[key]; !ok {
				t.Errorf("chunk size %d: row %s missing from batch result", chunkSize, key)
			}
		}
	}
}

func TestStoreBatch_DuplicatesWithinBatch(t *testing.T) {
	repo := newFakeRepo()
	svc := New(repo, nil, nil, logger.Nop(), Config{})
	ic := testContext(t, svc)

	same := map[string]interface{}{"v": 1}
	items := []BatchItem{
		{Payload: same},
		{Payload: same},
		{Payload: map[string]interface{}{"v": 2}},
	}

	total, err := ic.StoreBatch(context.Background(), "reading", items)
	if err != nil {
		t.Fatalf("StoreBatch failed: %v", err)
	}
	if total != 2 {
		t.Errorf("inserted %d, want 2", total)
	}
}

func TestStoreBatch_Empty(t *testing.T) {
	repo := newFakeRepo()
	svc := New(repo, nil, nil, logger.Nop(), Config{})
	ic := testContext(t, svc)

	total, err := ic.StoreBatch(context.Background(), "reading", nil)
	if err != nil {
		t.Fatalf("StoreBatch failed: %v", err)
	}
	if total != 0 {
		t.Errorf("inserted %d, want 0", total)
	}
	if len(repo.batchSizes) != 0 {
		t.Errorf("made %d batch calls, want 0", len(repo.batchSizes))
	}
}

func TestRetry_TransientThenSuccess(t *testing.T) {
	repo := newFakeRepo()
	repo.insertErrs = []error{transientErr("insert record"), transientErr("insert record")}
	svc := New(repo, nil, nil, logger.Nop(), Config{})
	ic := testContext(t, svc)
	calls := repo.insertCalls

	_, err := ic.StoreRecord(context.Background(), "reading", map[string]interface{}{"v": 1})
	if err != nil {
		t.Fatalf("StoreRecord should succeed on the third attempt: %v", err)
	}
	if got := repo.insertCalls - calls; got != 3 {
		t.Errorf("made %d insert attempts, want 3", got)
	}
}

func TestRetry_TransientExhausted(t *testing.T) {
	repo := newFakeRepo()
	repo.insertErrs = []error{
		transientErr("insert record"),
		transientErr("insert record"),
		transientErr("insert record"),
	}
	svc := New(repo, nil, nil, logger.Nop(), Config{})
	ic := testContext(t, svc)
	calls := repo.insertCalls

	_, err := ic.StoreRecord(context.Background(), "reading", map[string]interface{}{"v": 1})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if !storage.IsTransient(err) {
		t.Errorf("the original storage error should surface unmodified, got: %v", err)
	}
	if got := repo.insertCalls - calls; got != 3 {
		t.Errorf("made %d insert attempts, want exactly 3", got)
	}
}

func TestRetry_PermanentFailsImmediately(t *testing.T) {
	repo := newFakeRepo()
	repo.insertErrs = []error{permanentErr("insert record")}
	svc := New(repo, nil, nil, logger.Nop(), Config{})
	ic := testContext(t, svc)
	calls := repo.insertCalls

	_, err := ic.StoreRecord(context.Background(), "reading", map[string]interface{}{"v": 1})
	if err == nil {
		t.Fatal("expected permanent error to surface")
	}
	if got := repo.insertCalls - calls; got != 1 {
		t.Errorf("made %d insert attempts, want 1 (no retry on permanent errors)", got)
	}
}

func TestRetry_ContextCanceled(t *testing.T) {
	repo := newFakeRepo()
	repo.insertErrs = []error{transientErr("insert record"), transientErr("insert record")}
	svc := New(repo, nil, nil, logger.Nop(), Config{})
	ic := testContext(t, svc)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := repo.insertCalls
	_, err := ic.StoreRecord(ctx, "reading", map[string]interface{}{"v": 1})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got: %v", err)
	}
	if got := repo.insertCalls - calls; got != 1 {
		t.Errorf("made %d insert attempts after cancellation, want 1", got)
	}
}

func TestRegisterLocation_CacheSkipsRepeatedUpsert(t *testing.T) {
	repo := newFakeRepo()
	svc := New(repo, nil, cache.NewMemory(10), logger.Nop(), Config{})
	ic := testContext(t, svc)
	ctx := context.Background()

	loc := &models.Location{ID: "berlin", Name: "Berlin", Kind: models.LocationKindCity}
	if err := ic.RegisterLocation(ctx, loc); err != nil {
		t.Fatalf("RegisterLocation failed: %v", err)
	}
	if err := ic.RegisterLocation(ctx, loc); err != nil {
		t.Fatalf("repeated RegisterLocation failed: %v", err)
	}
	if repo.locationWrites != 1 {
		t.Errorf("made %d upserts for identical location, want 1", repo.locationWrites)
	}

	// A changed location must write through; the cache only skips exact repeats.
	changed := &models.Location{ID: "berlin", Name: "Berlin Mitte", Kind: models.LocationKindCity}
	if err := ic.RegisterLocation(ctx, changed); err != nil {
		t.Fatalf("RegisterLocation after change failed: %v", err)
	}
	if repo.locationWrites != 2 {
		t.Errorf("made %d upserts after change, want 2", repo.locationWrites)
	}
	if repo.locations["berlin"].Name != "Berlin Mitte" {
		t.Errorf("location name = %q, want %q", repo.locations["berlin"].Name, "Berlin Mitte")
	}
}

func TestRegisterLocation_NilCacheAlwaysWrites(t *testing.T) {
	repo := newFakeRepo()
	svc := New(repo, nil, nil, logger.Nop(), Config{})
	ic := testContext(t, svc)
	ctx := context.Background()

	loc := &models.Location{ID: "berlin", Name: "Berlin"}
	for i := 0; i < 2; i++ {
		if err := ic.RegisterLocation(ctx, loc); err != nil {
			t.Fatalf("RegisterLocation failed: %v", err)
		}
	}
	if repo.locationWrites != 2 {
		t.Errorf("made %d upserts without a cache, want 2", repo.locationWrites)
	}
}

func TestRegisterLocation_RequiresID(t *testing.T) {
	repo := newFakeRepo()
	svc := New(repo, nil, nil, logger.Nop(), Config{})
	ic := testContext(t, svc)

	if err := ic.RegisterLocation(context.Background(), nil); err == nil {
		t.Error("expected error for nil location")
	}
	if err := ic.RegisterLocation(context.Background(), &models.Location{Name: "no id"}); err == nil {
		t.Error("expected error for location without id")
	}
}

func TestUploadDocument_MetadataFromObjectStore(t *testing.T) {
	repo := newFakeRepo()
	blobs := &fakeBlobs{statType: "application/pdf"}
	svc := New(repo, blobs, nil, logger.Nop(), Config{})
	ic := testContext(t, svc)

	body := []byte("%PDF-1.4 stub")
	doc, err := ic.UploadDocument(context.Background(), Upload{
		FileName:    "Amtsblatt-12.PDF",
		ContentType: "text/plain", // caller-provided hint, must not be trusted
		Body:        bytes.NewReader(body),
		Meta:        map[string]interface{}{"notice": "road closure"},
	})
	if err != nil {
		t.Fatalf("UploadDocument failed: %v", err)
	}

	if doc.ContentType != "application/pdf" {
		t.Errorf("ContentType = %q, want %q from the object store", doc.ContentType, "application/pdf")
	}
	if doc.Size != int64(len(body)) {
		t.Errorf("Size = %d, want %d from the object store", doc.Size, len(body))
	}
	if !strings.HasPrefix(doc.StorageKey, "docs/demo/") {
		t.Errorf("StorageKey = %q, want docs/demo/ prefix", doc.StorageKey)
	}
	if !strings.HasSuffix(doc.StorageKey, ".pdf") {
		t.Errorf("StorageKey = %q, want lowercased .pdf extension", doc.StorageKey)
	}
	if doc.CapturedAt.IsZero() {
		t.Error("CapturedAt should default to now")
	}
	if len(repo.docs) != 1 {
		t.Errorf("created %d document rows, want 1", len(repo.docs))
	}
	if _, ok := blobs.objects[doc.StorageKey]; !ok {
		t.Error("blob missing under the recorded storage key")
	}
}

func TestUploadDocument_Validation(t *testing.T) {
	repo := newFakeRepo()
	svc := New(repo, &fakeBlobs{}, nil, logger.Nop(), Config{})
	ic := testContext(t, svc)

	if _, err := ic.UploadDocument(context.Background(), Upload{Body: bytes.NewReader(nil)}); err == nil {
		t.Error("expected error for missing file name")
	}
	if _, err := ic.UploadDocument(context.Background(), Upload{FileName: "x.pdf"}); err == nil {
		t.Error("expected error for missing body")
	}
}

func TestBegin_OpensRunningLog(t *testing.T) {
	repo := newFakeRepo()
	svc := New(repo, nil, nil, logger.Nop(), Config{})

	startedAt := time.Date(2025, time.March, 3, 6, 0, 0, 0, time.UTC)
	ic, err := svc.Begin(context.Background(), "demo", startedAt)
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}

	if ic.SourceID() != "demo" {
		t.Errorf("SourceID() = %q, want %q", ic.SourceID(), "demo")
	}
	row := repo.logs[ic.RunID()]
	if row == nil {
		t.Fatal("Begin did not create an audit row")
	}
	if row.Status != models.IngestStatusRunning {
		t.Errorf("audit row status = %q, want running", row.Status)
	}
	if !row.StartedAt.Equal(startedAt) {
		t.Errorf("audit row started at %v, want %v", row.StartedAt, startedAt)
	}
}

func TestComplete_FinalizesRunAndAdvancesWatermark(t *testing.T) {
	repo := newFakeRepo()
	svc := New(repo, nil, nil, logger.Nop(), Config{})
	ctx := context.Background()

	repo.EnsureSource(ctx, &models.Source{ID: "demo", Name: "Demo", Status: models.SourceStatusActive})
	ic := testContext(t, svc)
	if _, err := ic.StoreRecord(ctx, "reading", map[string]interface{}{"v": 1}); err != nil {
		t.Fatalf("StoreRecord failed: %v", err)
	}

	if err := svc.Complete(ctx, ic); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	row := repo.logs[ic.RunID()]
	if row.Status != models.IngestStatusSuccess {
		t.Errorf("audit row status = %q, want success", row.Status)
	}
	if row.RecordCount != 1 {
		t.Errorf("audit row record count = %d, want 1", row.RecordCount)
	}
	if row.FinishedAt == nil {
		t.Error("audit row has no finish time")
	}

	src := repo.sources["demo"]
	if src.LastCollectedAt == nil {
		t.Error("watermark not advanced after successful run")
	}
	if src.Status != models.SourceStatusActive {
		t.Errorf("source status = %q, want active", src.Status)
	}
}

func TestFail_FinalizesRunAndLeavesWatermark(t *testing.T) {
	repo := newFakeRepo()
	svc := New(repo, nil, nil, logger.Nop(), Config{})
	ctx := context.Background()

	repo.EnsureSource(ctx, &models.Source{ID: "demo", Name: "Demo", Status: models.SourceStatusActive})
	ic := testContext(t, svc)
	if _, err := ic.StoreRecord(ctx, "reading", map[string]interface{}{"v": 1}); err != nil {
		t.Fatalf("StoreRecord failed: %v", err)
	}

	if err := svc.Fail(ctx, ic, fmt.Errorf("upstream returned status 500")); err != nil {
		t.Fatalf("Fail failed: %v", err)
	}

	row := repo.logs[ic.RunID()]
	if row.Status != models.IngestStatusError {
		t.Errorf("audit row status = %q, want error", row.Status)
	}
	if row.Error != "upstream returned status 500" {
		t.Errorf("audit row error = %q", row.Error)
	}
	if row.RecordCount != 1 {
		t.Errorf("audit row record count = %d, want 1 (partial progress counts)", row.RecordCount)
	}

	src := repo.sources["demo"]
	if src.LastCollectedAt != nil {
		t.Error("watermark must not advance on a failed run")
	}
	if src.Status != models.SourceStatusError {
		t.Errorf("source status = %q, want error", src.Status)
	}
}
