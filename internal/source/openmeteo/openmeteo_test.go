package openmeteo

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/opencollect/opencollect/internal/cache"
	"github.com/opencollect/opencollect/internal/config"
	"github.com/opencollect/opencollect/internal/ingest"
	"github.com/opencollect/opencollect/internal/source"
	"github.com/opencollect/opencollect/internal/storage"
	"github.com/opencollect/opencollect/internal/storage/sqlite"
	"github.com/opencollect/opencollect/pkg/logger"
	"github.com/opencollect/opencollect/pkg/ratelimit"
)

const hourlyResponse = `{
	"latitude": 52.52,
	"longitude": 13.405,
	"hourly": {
		"time": ["2025-03-03T06:00", "2025-03-03T07:00"],
		"temperature_2m": [4.2, 5.1],
		"relative_humidity_2m": [81, 78],
		"precipitation": [0.0, 0.3],
		"wind_speed_10m": [11.2, 9.8]
	}
}`

const dailyResponse = `{
	"latitude": 52.52,
	"longitude": 13.405,
	"daily": {
		"time": ["2025-03-03", "2025-03-04"],
		"temperature_2m_max": [8.1, 9.4],
		"temperature_2m_min": [1.2, 2.0],
		"precipitation_sum": [0.5, 0.0],
		"wind_speed_10m_max": [18.0, 14.3]
	}
}`

func berlin() config.LocationConfig {
	return config.LocationConfig{
		ID:        "berlin",
		Name:      "Berlin",
		Latitude:  52.52,
		Longitude: 13.405,
		Region:    "Berlin",
	}
}

func newIngestContext(t *testing.T) (*ingest.Context, *sqlite.Repository) {
	t.Helper()
	repo, err := sqlite.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("sqlite.New failed: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	if err := repo.Migrate(); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}

	svc := ingest.New(repo, nil, cache.NewMemory(100), logger.Nop(), ingest.Config{})
	ic, err := svc.Begin(context.Background(), SourceID, time.Now().UTC())
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	return ic, repo
}

func handlerFor(t *testing.T, def *source.Definition, freq source.Frequency) source.Handler {
	t.Helper()
	for _, s := range def.Schedules {
		if s.Frequency == freq {
			return s.Handler
		}
	}
	t.Fatalf("definition has no %s schedule", freq)
	return nil
}

func TestCollectHourly_StoresForecastPoints(t *testing.T) {
	var gotQuery map[string][]string
	var gotUserAgent string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		gotUserAgent = r.Header.Get("User-Agent")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(hourlyResponse))
	}))
	defer server.Close()

	cfg := config.OpenMeteoConfig{Enabled: true, BaseURL: server.URL, Locations: []config.LocationConfig{berlin()}}
	def := New(cfg, ratelimit.NewDefaultLimiter(), logger.Nop())
	ic, repo := newIngestContext(t)
	ctx := context.Background()

	if err := handlerFor(t, def, source.Hourly)(ctx, ic); err != nil {
		t.Fatalf("hourly collection failed: %v", err)
	}

	if gotQuery["latitude"][0] != "52.52" || gotQuery["timezone"][0] != "UTC" {
		t.Errorf("request query = %v, want latitude and UTC timezone", gotQuery)
	}
	if !strings.Contains(gotQuery["hourly"][0], "temperature_2m") {
		t.Errorf("hourly query = %q, want the forecast variables", gotQuery["hourly"][0])
	}
	if gotUserAgent != "opencollect/1.0" {
		t.Errorf("User-Agent = %q, want opencollect/1.0", gotUserAgent)
	}

	recs, err := repo.ListRecords(ctx, storage.RecordFilter{SourceID: SourceID, PayloadType: "hourly-forecast"})
	if err != nil {
		t.Fatalf("ListRecords failed: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("stored %d records, want 2", len(recs))
	}

	first := recs[0]
	wantObserved := time.Date(2025, time.March, 3, 6, 0, 0, 0, time.UTC)
	if !first.ObservedAt.Equal(wantObserved) {
		t.Errorf("ObservedAt = %v, want %v", first.ObservedAt, wantObserved)
	}
	if first.LocationID == nil || *first.LocationID != "berlin" {
		t.Errorf("LocationID = %v, want berlin", first.LocationID)
	}
	var payload map[string]interface{}
	if err := json.Unmarshal(first.Payload, &payload); err != nil {
		t.Fatalf("payload is not valid JSON: %v", err)
	}
	if payload["temperature"] != 4.2 || payload["time"] != "2025-03-03T06:00" {
		t.Errorf("payload = %v, want the first forecast point", payload)
	}

	loc, err := repo.GetLocation(ctx, "berlin")
	if err != nil {
		t.Fatalf("GetLocation failed: %v", err)
	}
	if loc.Latitude == nil || *loc.Latitude != 52.52 {
		t.Errorf("location latitude = %v, want 52.52", loc.Latitude)
	}

	// A second run over the same upstream data inserts nothing new.
	if err := handlerFor(t, def, source.Hourly)(ctx, ic); err != nil {
		t.Fatalf("repeated hourly collection failed: %v", err)
	}
	count, err := repo.CountRecords(ctx, SourceID)
	if err != nil {
		t.Fatalf("CountRecords failed: %v", err)
	}
	if count != 2 {
		t.Errorf("count after repeat = %d, want 2", count)
	}
}

func TestCollectDaily_StoresForecastPoints(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("daily") == "" {
			t.Error("daily collection did not request daily variables")
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(dailyResponse))
	}))
	defer server.Close()

	cfg := config.OpenMeteoConfig{Enabled: true, BaseURL: server.URL, Locations: []config.LocationConfig{berlin()}}
	def := New(cfg, ratelimit.NewDefaultLimiter(), logger.Nop())
	ic, repo := newIngestContext(t)
	ctx := context.Background()

	if err := handlerFor(t, def, source.Daily)(ctx, ic); err != nil {
		t.Fatalf("daily collection failed: %v", err)
	}

	recs, err := repo.ListRecords(ctx, storage.RecordFilter{SourceID: SourceID, PayloadType: "daily-forecast"})
	if err != nil {
		t.Fatalf("ListRecords failed: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("stored %d records, want 2", len(recs))
	}

	var payload map[string]interface{}
	if err := json.Unmarshal(recs[0].Payload, &payload); err != nil {
		t.Fatalf("payload is not valid JSON: %v", err)
	}
	if payload["date"] != "2025-03-03" || payload["temperature_max"] != 8.1 {
		t.Errorf("payload = %v, want the first day's values", payload)
	}
	wantObserved := time.Date(2025, time.March, 3, 0, 0, 0, 0, time.UTC)
	if !recs[0].ObservedAt.Equal(wantObserved) {
		t.Errorf("ObservedAt = %v, want %v", recs[0].ObservedAt, wantObserved)
	}
}

func TestCollect_FailingLocationDoesNotStopOthers(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("latitude") != "52.52" {
			http.Error(w, "upstream exploded", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(hourlyResponse))
	}))
	defer server.Close()

	hamburg := config.LocationConfig{ID: "hamburg", Name: "Hamburg", Latitude: 53.5511, Longitude: 9.9937, Region: "Hamburg"}
	cfg := config.OpenMeteoConfig{
		Enabled:   true,
		BaseURL:   server.URL,
		Locations: []config.LocationConfig{berlin(), hamburg},
	}
	def := New(cfg, ratelimit.NewDefaultLimiter(), logger.Nop())
	ic, repo := newIngestContext(t)
	ctx := context.Background()

	err := handlerFor(t, def, source.Hourly)(ctx, ic)
	if err == nil {
		t.Fatal("expected an error for the failing location")
	}
	if !strings.Contains(err.Error(), "1 of 2 locations failed") || !strings.Contains(err.Error(), "hamburg") {
		t.Errorf("error = %v, want the failure summary naming hamburg", err)
	}

	// Berlin's points landed despite Hamburg failing.
	count, err := repo.CountRecords(ctx, SourceID)
	if err != nil {
		t.Fatalf("CountRecords failed: %v", err)
	}
	if count != 2 {
		t.Errorf("stored %d records, want berlin's 2", count)
	}
}

func TestHourlyItems_BadTimestamp(t *testing.T) {
	block := &hourlyBlock{
		Time:        []string{"not-a-time"},
		Temperature: []float64{1.0},
	}
	if _, err := hourlyItems(block, "berlin"); err == nil {
		t.Error("expected error for a malformed timestamp")
	}
}
