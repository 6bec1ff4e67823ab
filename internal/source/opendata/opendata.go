// Package opendata ingests an open-data CSV dataset: a registry of
// measurement stations that is re-snapshotted weekly.
package opendata

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jszwec/csvutil"

	"github.com/opencollect/opencollect/internal/config"
	"github.com/opencollect/opencollect/internal/ingest"
	"github.com/opencollect/opencollect/internal/models"
	"github.com/opencollect/opencollect/internal/source"
	"github.com/opencollect/opencollect/pkg/logger"
	"github.com/opencollect/opencollect/pkg/ratelimit"
)

// SourceID is the registry identifier for this source.
const SourceID = "opendata"

type collector struct {
	cfg     config.OpenDataConfig
	client  *http.Client
	limiter *ratelimit.MultiLimiter
	log     *logger.Logger
}

// New declares the open-data dataset source.
func New(cfg config.OpenDataConfig, limiter *ratelimit.MultiLimiter, log *logger.Logger) *source.Definition {
	c := &collector{
		cfg:     cfg,
		client:  &http.Client{Timeout: 2 * time.Minute},
		limiter: limiter,
		log:     log.WithSource(SourceID),
	}
	return &source.Definition{
		ID:       SourceID,
		Name:     "Open Data Station Registry",
		Homepage: cfg.DatasetURL,
		Schedules: []source.Schedule{
			{Frequency: source.Weekly, Handler: c.collect},
		},
	}
}

// stationRow maps one CSV line of the station registry. Columns the
// dataset doesn't carry stay zero; extra columns are ignored.
type stationRow struct {
	ID           string  `csv:"station_id"`
	Name         string  `csv:"station_name"`
	Latitude     float64 `csv:"latitude"`
	Longitude    float64 `csv:"longitude"`
	Region       string  `csv:"region"`
	District     string  `csv:"district"`
	Municipality string  `csv:"municipality"`
	Kind         string  `csv:"kind"`
	Active       string  `csv:"active"`
}

func (c *collector) collect(ctx context.Context, ic *ingest.Context) error {
	rows, skipped, err := c.download(ctx)
	if err != nil {
		return err
	}

	c.log.Info().
		Int("stations", len(rows)).
		Int("skipped", skipped).
		Str("dataset", c.cfg.DatasetName).
		Msg("Parsed dataset")

	items := make([]ingest.BatchItem, 0, len(rows))
	for _, row := range rows {
		locID := "station-" + strings.ToLower(row.ID)
		if err := ic.RegisterLocation(ctx, stationLocation(locID, row)); err != nil {
			return fmt.Errorf("failed to register station %s: %w", row.ID, err)
		}

		items = append(items, ingest.BatchItem{
			Payload: map[string]interface{}{
				"station_id":   row.ID,
				"name":         row.Name,
				"kind":         row.Kind,
				"active":       row.Active,
				"region":       row.Region,
				"district":     row.District,
				"municipality": row.Municipality,
			},
			LocationID: locID,
			Tags:       []string{c.cfg.DatasetName},
		})
	}

	inserted, err := ic.StoreBatch(ctx, "station-record", items)
	if err != nil {
		return err
	}

	c.log.Info().
		Int("total", len(items)).
		Int("new", inserted).
		Msg("Stored station records")
	return nil
}

func (c *collector) download(ctx context.Context) ([]stationRow, int, error) {
	if err := c.limiter.Wait(ctx, ratelimit.LimiterOpenData); err != nil {
		return nil, 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.DatasetURL, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("User-Agent", "opencollect/1.0")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to download dataset: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, 0, fmt.Errorf("dataset download returned status %d", resp.StatusCode)
	}

	reader := csv.NewReader(resp.Body)
	reader.FieldsPerRecord = -1

	dec, err := csvutil.NewDecoder(reader)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read dataset header: %w", err)
	}

	var rows []stationRow
	skipped := 0
	for {
		var row stationRow
		if err := dec.Decode(&row); err == io.EOF {
			break
		} else if err != nil {
			skipped++
			continue
		}
		if row.ID == "" {
			skipped++
			continue
		}
		rows = append(rows, row)
	}
	return rows, skipped, nil
}

func stationLocation(locID string, row stationRow) *models.Location {
	loc := &models.Location{
		ID:           locID,
		Name:         row.Name,
		Kind:         models.LocationKindStation,
		Region:       row.Region,
		District:     row.District,
		Municipality: row.Municipality,
		Meta: models.JSON{
			"station_kind": row.Kind,
			"active":       row.Active,
		},
	}
	if row.Latitude != 0 || row.Longitude != 0 {
		lat, lon := row.Latitude, row.Longitude
		loc.Latitude = &lat
		loc.Longitude = &lon
	}
	return loc
}
