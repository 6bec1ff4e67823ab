// Package airquality collects current air quality readings from the
// Open-Meteo air quality API for the configured locations.
package airquality

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/opencollect/opencollect/internal/config"
	"github.com/opencollect/opencollect/internal/ingest"
	"github.com/opencollect/opencollect/internal/models"
	"github.com/opencollect/opencollect/internal/source"
	"github.com/opencollect/opencollect/pkg/logger"
	"github.com/opencollect/opencollect/pkg/ratelimit"
)

// SourceID is the registry identifier for this source.
const SourceID = "airquality"

const currentTimeLayout = "2006-01-02T15:04"

type collector struct {
	cfg     config.AirQualityConfig
	client  *http.Client
	limiter *ratelimit.MultiLimiter
	log     *logger.Logger
}

// New declares the air quality source.
func New(cfg config.AirQualityConfig, limiter *ratelimit.MultiLimiter, log *logger.Logger) *source.Definition {
	c := &collector{
		cfg:     cfg,
		client:  &http.Client{Timeout: 30 * time.Second},
		limiter: limiter,
		log:     log.WithSource(SourceID),
	}
	return &source.Definition{
		ID:       SourceID,
		Name:     "Open-Meteo Air Quality",
		Homepage: "https://open-meteo.com",
		Schedules: []source.Schedule{
			{Frequency: source.Every6Hours, Handler: c.collect},
		},
	}
}

type airQualityResponse struct {
	Current *currentBlock `json:"current"`
}

type currentBlock struct {
	Time            string   `json:"time"`
	EuropeanAQI     *float64 `json:"european_aqi"`
	PM10            *float64 `json:"pm10"`
	PM25            *float64 `json:"pm2_5"`
	NitrogenDioxide *float64 `json:"nitrogen_dioxide"`
	Ozone           *float64 `json:"ozone"`
}

func (c *collector) collect(ctx context.Context, ic *ingest.Context) error {
	var failed []string
	var firstErr error

	for _, loc := range c.cfg.Locations {
		if err := c.collectLocation(ctx, ic, loc); err != nil {
			c.log.Error().Err(err).Str("location", loc.ID).Msg("Failed to collect air quality")
			failed = append(failed, loc.ID)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	if len(failed) > 0 {
		return fmt.Errorf("%d of %d locations failed (%s): %w",
			len(failed), len(c.cfg.Locations), strings.Join(failed, ", "), firstErr)
	}
	return nil
}

func (c *collector) collectLocation(ctx context.Context, ic *ingest.Context, loc config.LocationConfig) error {
	lat, lon := loc.Latitude, loc.Longitude
	err := ic.RegisterLocation(ctx, &models.Location{
		ID:        loc.ID,
		Name:      loc.Name,
		Latitude:  &lat,
		Longitude: &lon,
		Kind:      models.LocationKindCity,
		Region:    loc.Region,
	})
	if err != nil {
		return fmt.Errorf("failed to register location: %w", err)
	}

	reading, err := c.fetch(ctx, loc)
	if err != nil {
		return err
	}

	observedAt := time.Now().UTC()
	if t, err := time.Parse(currentTimeLayout, reading.Time); err == nil {
		observedAt = t.UTC()
	}

	payload := map[string]interface{}{
		"time":     reading.Time,
		"location": loc.Name,
	}
	if reading.EuropeanAQI != nil {
		payload["european_aqi"] = *reading.EuropeanAQI
	}
	if reading.PM10 != nil {
		payload["pm10"] = *reading.PM10
	}
	if reading.PM25 != nil {
		payload["pm2_5"] = *reading.PM25
	}
	if reading.NitrogenDioxide != nil {
		payload["nitrogen_dioxide"] = *reading.NitrogenDioxide
	}
	if reading.Ozone != nil {
		payload["ozone"] = *reading.Ozone
	}

	tags := []string{"air-quality"}
	if reading.EuropeanAQI != nil {
		tags = append(tags, "aqi:"+aqiBucket(*reading.EuropeanAQI))
	}

	_, err = ic.StoreRecord(ctx, "air-quality", payload,
		ingest.WithLocation(loc.ID),
		ingest.WithObservedAt(observedAt),
		ingest.WithTags(tags...),
	)
	if err != nil {
		return err
	}

	c.log.Debug().Str("location", loc.ID).Msg("Stored air quality reading")
	return nil
}

func (c *collector) fetch(ctx context.Context, loc config.LocationConfig) (*currentBlock, error) {
	if err := c.limiter.Wait(ctx, ratelimit.LimiterAirQuality); err != nil {
		return nil, err
	}

	params := url.Values{
		"latitude":  {strconv.FormatFloat(loc.Latitude, 'f', -1, 64)},
		"longitude": {strconv.FormatFloat(loc.Longitude, 'f', -1, 64)},
		"current":   {"european_aqi,pm10,pm2_5,nitrogen_dioxide,ozone"},
		"timezone":  {"UTC"},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("User-Agent", "opencollect/1.0")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch air quality: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("air quality API returned status %d", resp.StatusCode)
	}

	var aq airQualityResponse
	if err := json.NewDecoder(resp.Body).Decode(&aq); err != nil {
		return nil, fmt.Errorf("failed to decode air quality: %w", err)
	}
	if aq.Current == nil {
		return nil, fmt.Errorf("response has no current block")
	}
	return aq.Current, nil
}

// aqiBucket maps a European AQI value onto its official band name.
func aqiBucket(aqi float64) string {
	switch {
	case aqi <= 20:
		return "good"
	case aqi <= 40:
		return "fair"
	case aqi <= 60:
		return "moderate"
	case aqi <= 80:
		return "poor"
	case aqi <= 100:
		return "very-poor"
	default:
		return "extremely-poor"
	}
}
