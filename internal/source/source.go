// Package source declares collection sources: an identifier, display
// metadata and one or more schedules pairing a logical frequency with a
// handler function.
package source

import (
	"context"
	"fmt"
	"time"

	"github.com/opencollect/opencollect/internal/ingest"
	"github.com/opencollect/opencollect/internal/models"
)

// Cadence identifies one of the physical trigger granularities the hosting
// cron layer delivers. The set is closed: adding a granularity is a code
// change in the daemon, not configuration.
type Cadence string

const (
	CadenceMinute Cadence = "minute-class"
	CadenceHour   Cadence = "hour-class"
	CadenceDay    Cadence = "day-class"
)

// Frequency is the logical cadence a schedule declares. Many frequencies
// multiplex onto the three physical cadences via Bucket and Matches.
type Frequency string

const (
	Every5Minutes  Frequency = "every_5_minutes"
	Every15Minutes Frequency = "every_15_minutes"
	Every30Minutes Frequency = "every_30_minutes"
	Hourly         Frequency = "hourly"
	Every6Hours    Frequency = "every_6_hours"
	Every12Hours   Frequency = "every_12_hours"
	Daily          Frequency = "daily"
	Weekly         Frequency = "weekly"
)

// WeeklyDay is the fixed weekday on which weekly schedules run.
const WeeklyDay = time.Monday

// Frequencies lists every supported frequency.
func Frequencies() []Frequency {
	return []Frequency{
		Every5Minutes, Every15Minutes, Every30Minutes,
		Hourly, Every6Hours, Every12Hours,
		Daily, Weekly,
	}
}

// Bucket returns the cadence bucket this frequency belongs to. The second
// return is false for an unknown frequency, which registration treats as a
// configuration error.
func (f Frequency) Bucket() (Cadence, bool) {
	switch f {
	case Every5Minutes, Every15Minutes, Every30Minutes:
		return CadenceMinute, true
	case Hourly, Every6Hours, Every12Hours:
		return CadenceHour, true
	case Daily, Weekly:
		return CadenceDay, true
	}
	return "", false
}

// Matches reports whether a schedule with this frequency runs for a trigger
// of the given cadence at the given wall-clock time. The bucket check keeps
// a frequency from firing on a foreign cadence; the modulo conditions keep
// it from firing more often than declared.
func (f Frequency) Matches(cadence Cadence, at time.Time) bool {
	bucket, ok := f.Bucket()
	if !ok || bucket != cadence {
		return false
	}

	switch f {
	case Every5Minutes:
		return at.Minute()%5 == 0
	case Every15Minutes:
		return at.Minute()%15 == 0
	case Every30Minutes:
		return at.Minute()%30 == 0
	case Hourly:
		return true
	case Every6Hours:
		return at.Hour()%6 == 0
	case Every12Hours:
		return at.Hour()%12 == 0
	case Daily:
		return true
	case Weekly:
		return at.Weekday() == WeeklyDay
	}
	return false
}

// Handler performs one collection run: fetch upstream data, transform it
// and store it through the ingestion context. Outbound fetching, parsing
// and their retries are the handler's own business.
type Handler func(ctx context.Context, ic *ingest.Context) error

// Schedule pairs a logical frequency with the handler to run at it.
type Schedule struct {
	Frequency Frequency
	Handler   Handler
}

// Definition declares a collection source. Definitions are registered once
// at startup and never removed at runtime.
type Definition struct {
	ID        string
	Name      string
	Homepage  string
	Schedules []Schedule
}

// Validate reports configuration errors: a missing id, a schedule without a
// handler, or a frequency that maps to no cadence bucket and would
// therefore silently never run.
func (d *Definition) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("source id is required")
	}
	if len(d.Schedules) == 0 {
		return fmt.Errorf("source %s declares no schedules", d.ID)
	}
	for i, s := range d.Schedules {
		if s.Handler == nil {
			return fmt.Errorf("source %s: schedule %d has no handler", d.ID, i)
		}
		if _, ok := s.Frequency.Bucket(); !ok {
			return fmt.Errorf("source %s: frequency %q matches no cadence bucket", d.ID, s.Frequency)
		}
	}
	return nil
}

// Model returns the persisted row for this source, used to seed the sources
// table at startup.
func (d *Definition) Model() *models.Source {
	return &models.Source{
		ID:       d.ID,
		Name:     d.Name,
		Homepage: d.Homepage,
		Status:   models.SourceStatusActive,
	}
}
