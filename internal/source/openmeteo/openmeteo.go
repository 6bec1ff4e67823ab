// Package openmeteo collects weather forecasts from the Open-Meteo public
// API for the configured locations.
package openmeteo

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
const SourceID = "openmeteo"

// Open-Meteo timestamp layouts. Hourly values carry minutes, daily values
// are plain dates, both in the requested timezone (we always ask for UTC).
const (
	hourlyTimeLayout = "2006-01-02T15:04"
	dailyTimeLayout  = "2006-01-02"
)

type collector struct {
	cfg     config.OpenMeteoConfig
	client  *http.Client
	limiter *ratelimit.MultiLimiter
	log     *logger.Logger
}

// New declares the weather forecast source.
func New(cfg config.OpenMeteoConfig, limiter *ratelimit.MultiLimiter, log *logger.Logger) *source.Definition {
	c := &collector{
		cfg:     cfg,
		client:  &http.Client{Timeout: 30 * time.Second},
		limiter: limiter,
		log:     log.WithSource(SourceID),
	}
	return &source.Definition{
		ID:       SourceID,
		Name:     "Open-Meteo Weather Forecasts",
		Homepage: "https://open-meteo.com",
		Schedules: []source.Schedule{
			{Frequency: source.Hourly, Handler: c.collectHourly},
			{Frequency: source.Daily, Handler: c.collectDaily},
		},
	}
}

type forecastResponse struct {
	Latitude  float64      `json:"latitude"`
	Longitude float64      `json:"longitude"`
	Hourly    *hourlyBlock `json:"hourly"`
	Daily     *dailyBlock  `json:"daily"`
}

type hourlyBlock struct {
	Time          []string  `json:"time"`
	Temperature   []float64 `json:"temperature_2m"`
	Humidity      []float64 `json:"relative_humidity_2m"`
	Precipitation []float64 `json:"precipitation"`
	WindSpeed     []float64 `json:"wind_speed_10m"`
}

type dailyBlock struct {
	Time          []string  `json:"time"`
	TempMax       []float64 `json:"temperature_2m_max"`
	TempMin       []float64 `json:"temperature_2m_min"`
	Precipitation []float64 `json:"precipitation_sum"`
	WindSpeedMax  []float64 `json:"wind_speed_10m_max"`
}

func (c *collector) collectHourly(ctx context.Context, ic *ingest.Context) error {
	return c.collect(ctx, ic, "hourly-forecast", func(ctx context.Context, loc config.LocationConfig) ([]ingest.BatchItem, error) {
		fc, err := c.fetch(ctx, loc, url.Values{
			"hourly":        {"temperature_2m,relative_humidity_2m,precipitation,wind_speed_10m"},
			"forecast_days": {"2"},
		})
		if err != nil {
			return nil, err
		}
		if fc.Hourly == nil {
			return nil, fmt.Errorf("response has no hourly block")
		}
		return hourlyItems(fc.Hourly, loc.ID)
	})
}

func (c *collector) collectDaily(ctx context.Context, ic *ingest.Context) error {
	return c.collect(ctx, ic, "daily-forecast", func(ctx context.Context, loc config.LocationConfig) ([]ingest.BatchItem, error) {
		fc, err := c.fetch(ctx, loc, url.Values{
			"daily":         {"temperature_2m_max,temperature_2m_min,precipitation_sum,wind_speed_10m_max"},
			"forecast_days": {"7"},
		})
		if err != nil {
			return nil, err
		}
		if fc.Daily == nil {
			return nil, fmt.Errorf("response has no daily block")
		}
		return dailyItems(fc.Daily, loc.ID)
	})
}

// collect runs one payload type across every configured location. A failing
// location does not stop the remaining ones; the first error is reported
// after the loop so partial progress still lands.
func (c *collector) collect(ctx context.Context, ic *ingest.Context, payloadType string, fetch func(context.Context, config.LocationConfig) ([]ingest.BatchItem, error)) error {
	var failed []string
	var firstErr error

	for _, loc := range c.cfg.Locations {
		if err := c.run(ctx, ic, payloadType, loc, fetch); err != nil {
			c.log.Error().Err(err).Str("location", loc.ID).Msg("Failed to collect forecast")
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

func (c *collector) run(ctx context.Context, ic *ingest.Context, payloadType string, loc config.LocationConfig, fetch func(context.Context, config.LocationConfig) ([]ingest.BatchItem, error)) error {
	if err := ic.RegisterLocation(ctx, locationModel(loc)); err != nil {
		return fmt.Errorf("failed to register location: %w", err)
	}

	items, err := fetch(ctx, loc)
	if err != nil {
		return err
	}

	inserted, err := ic.StoreBatch(ctx, payloadType, items)
	if err != nil {
		return err
	}

	c.log.Debug().
		Str("location", loc.ID).
		Str("payload_type", payloadType).
		Int("points", len(items)).
		Int("new", inserted).
		Msg("Stored forecast points")
	return nil
}

func (c *collector) fetch(ctx context.Context, loc config.LocationConfig, params url.Values) (*forecastResponse, error) {
	if err := c.limiter.Wait(ctx, ratelimit.LimiterOpenMeteo); err != nil {
		return nil, err
	}

	params.Set("latitude", strconv.FormatFloat(loc.Latitude, 'f', -1, 64))
	params.Set("longitude", strconv.FormatFloat(loc.Longitude, 'f', -1, 64))
	params.Set("timezone", "UTC")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("User-Agent", "opencollect/1.0")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch forecast: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("forecast API returned status %d", resp.StatusCode)
	}

	var fc forecastResponse
	if err := json.NewDecoder(resp.Body).Decode(&fc); err != nil {
		return nil, fmt.Errorf("failed to decode forecast: %w", err)
	}
	return &fc, nil
}

func hourlyItems(h *hourlyBlock, locationID string) ([]ingest.BatchItem, error) {
	items := make([]ingest.BatchItem, 0, len(h.Time))
	for i, ts := range h.Time {
		observedAt, err := time.Parse(hourlyTimeLayout, ts)
		if err != nil {
			return nil, fmt.Errorf("bad hourly timestamp %q: %w", ts, err)
		}

		payload := map[string]interface{}{"time": ts}
		if i < len(h.Temperature) {
			payload["temperature"] = h.Temperature[i]
		}
		if i < len(h.Humidity) {
			payload["humidity"] = h.Humidity[i]
		}
		if i < len(h.Precipitation) {
			payload["precipitation"] = h.Precipitation[i]
		}
		if i < len(h.WindSpeed) {
			payload["wind_speed"] = h.WindSpeed[i]
		}

		items = append(items, ingest.BatchItem{
			Payload:    payload,
			LocationID: locationID,
			ObservedAt: observedAt.UTC(),
		})
	}
	return items, nil
}

func dailyItems(d *dailyBlock, locationID string) ([]ingest.BatchItem, error) {
	items := make([]ingest.BatchItem, 0, len(d.Time))
	for i, ts := range d.Time {
		observedAt, err := time.Parse(dailyTimeLayout, ts)
		if err != nil {
			return nil, fmt.Errorf("bad daily timestamp %q: %w", ts, err)
		}

		payload := map[string]interface{}{"date": ts}
		if i < len(d.TempMax) {
			payload["temperature_max"] = d.TempMax[i]
		}
		if i < len(d.TempMin) {
			payload["temperature_min"] = d.TempMin[i]
		}
		if i < len(d.Precipitation) {
			payload["precipitation"] = d.Precipitation[i]
		}
		if i < len(d.WindSpeedMax) {
			payload["wind_speed_max"] = d.WindSpeedMax[i]
		}

		items = append(items, ingest.BatchItem{
			Payload:    payload,
			LocationID: locationID,
			ObservedAt: observedAt.UTC(),
		})
	}
	return items, nil
}

func locationModel(loc config.LocationConfig) *models.Location {
	lat, lon := loc.Latitude, loc.Longitude
	return &models.Location{
		ID:        loc.ID,
		Name:      loc.Name,
		Latitude:  &lat,
		Longitude: &lon,
		Kind:      models.LocationKindCity,
		Region:    loc.Region,
	}
}
