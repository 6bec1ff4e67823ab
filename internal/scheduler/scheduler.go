// Package scheduler resolves periodic triggers against registered source
// schedules and dispatches the matching collection jobs with failure
// isolation and audit logging.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/opencollect/opencollect/internal/ingest"
	"github.com/opencollect/opencollect/internal/registry"
	"github.com/opencollect/opencollect/internal/source"
	"github.com/opencollect/opencollect/pkg/logger"
)

// Trigger is one firing of the hosting cron layer: a cadence identity plus
// the invocation's wall-clock time. Duplicate deliveries are expected and
// absorbed by the idempotent write path, not deduplicated here.
type Trigger struct {
	Cadence source.Cadence
	At      time.Time
}

// Result aggregates one trigger invocation.
type Result struct {
	Cadence   source.Cadence
	Matched   int
	Succeeded int
	Failed    int
	Records   int
}

// Scheduler fans collection jobs out of trigger firings.
type Scheduler struct {
	registry *registry.Registry
	ingest   *ingest.Service
	log      *logger.Logger
}

// New creates a scheduler over the given registry and ingestion service.
func New(reg *registry.Registry, svc *ingest.Service, log *logger.Logger) *Scheduler {
	return &Scheduler{
		registry: reg,
		ingest:   svc,
		log:      log.WithComponent("scheduler"),
	}
}

type job struct {
	def      *source.Definition
	schedule source.Schedule
}

// Run executes every (source, schedule) pair matching the trigger, one
// goroutine per job, and returns once all of them have finished so the
// daemon can drain in-flight jobs on shutdown. A job failure lands in the
// audit log and the counters; it never cancels or affects sibling jobs.
func (s *Scheduler) Run(ctx context.Context, trig Trigger) Result {
	var jobs []job
	for _, def := range s.registry.All() {
		for _, sched := range def.Schedules {
			if sched.Frequency.Matches(trig.Cadence, trig.At) {
				jobs = append(jobs, job{def: def, schedule: sched})
			}
		}
	}

	log := s.log.WithCadence(string(trig.Cadence))
	res := Result{Cadence: trig.Cadence, Matched: len(jobs)}
	if len(jobs) == 0 {
		log.Debug().Time("at", trig.At).Msg("No schedules matched trigger")
		return res
	}

	log.Info().
		Int("jobs", len(jobs)).
		Time("at", trig.At).
		Msg("Dispatching collection jobs")

	type outcome struct {
		records int
		err     error
	}
	results := make(chan outcome, len(jobs))

	for _, j := range jobs {
		go func(j job) {
			records, err := s.runJob(ctx, j, trig.At)
			results <- outcome{records: records, err: err}
		}(j)
	}

	for range jobs {
		o := <-results
		res.Records += o.records
		if o.err != nil {
			res.Failed++
		} else {
			res.Succeeded++
		}
	}

	log.Info().
		Int("succeeded", res.Succeeded).
		Int("failed", res.Failed).
		Int("records", res.Records).
		Msg("Trigger invocation finished")
	return res
}

// RunSource executes a source's schedules immediately, outside any trigger.
// An empty frequency runs every schedule the source declares. Used by the
// CLI for manual one-off collections; jobs run sequentially.
func (s *Scheduler) RunSource(ctx context.Context, id string, freq source.Frequency) (Result, error) {
	def, ok := s.registry.Get(id)
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", registry.ErrSourceNotFound, id)
	}

	var jobs []job
	for _, sched := range def.Schedules {
		if freq == "" || sched.Frequency == freq {
			jobs = append(jobs, job{def: def, schedule: sched})
		}
	}
	if len(jobs) == 0 {
		return Result{}, fmt.Errorf("source %s has no %q schedule", id, freq)
	}

	res := Result{Matched: len(jobs)}
	for _, j := range jobs {
		records, err := s.runJob(ctx, j, time.Now().UTC())
		res.Records += records
		if err != nil {
			res.Failed++
		} else {
			res.Succeeded++
		}
	}
	return res, nil
}

// runJob drives one (source, schedule) pair through its audit lifecycle:
// open a running entry, invoke the handler, finalize to success or error
// exactly once. A handler panic is caught and recorded like any error.
func (s *Scheduler) runJob(ctx context.Context, j job, at time.Time) (int, error) {
	log := s.log.WithSource(j.def.ID)

	ic, err := s.ingest.Begin(ctx, j.def.ID, at)
	if err != nil {
		log.Error().Err(err).Msg("Failed to open audit entry, skipping job")
		return 0, err
	}
	log = log.WithRun(ic.RunID())

	runErr := invoke(ctx, j.schedule.Handler, ic)
	if runErr != nil {
		log.Error().
			Err(runErr).
			Str("frequency", string(j.schedule.Frequency)).
			Msg("Collection job failed")
		if err := s.ingest.Fail(ctx, ic, runErr); err != nil {
			log.Error().Err(err).Msg("Failed to finalize audit entry")
		}
		return ic.Stored(), runErr
	}

	if err := s.ingest.Complete(ctx, ic); err != nil {
		log.Error().Err(err).Msg("Failed to finalize audit entry")
		return ic.Stored(), err
	}

	log.Info().
		Int("records", ic.Stored()).
		Str("frequency", string(j.schedule.Frequency)).
		Msg("Collection job finished")
	return ic.Stored(), nil
}

// invoke runs the handler, converting a panic into a returned error so the
// audit row still reaches a terminal state.
func invoke(ctx context.Context, h source.Handler, ic *ingest.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, ic)
}
