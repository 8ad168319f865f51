package refresh

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/atmx/portfolio-engine/internal/metrics"
	"github.com/atmx/portfolio-engine/internal/model"
	"github.com/atmx/portfolio-engine/internal/store"
)

// EventSink receives job transitions. Publish must not block.
type EventSink interface {
	PublishJob(job model.RefreshJob)
}

// Service records refresh attempts as jobs around a Coordinator.
type Service struct {
	coord   *Coordinator
	jobs    store.JobStore
	events  EventSink
	timeout time.Duration
	now     func() time.Time
	log     zerolog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithEvents publishes job transitions to sink.
func WithEvents(sink EventSink) Option {
	return func(s *Service) { s.events = sink }
}

// WithTimeout bounds the lock-guarded block. Zero means no deadline.
func WithTimeout(d time.Duration) Option {
	return func(s *Service) { s.timeout = d }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a refresh service.
func NewService(coord *Coordinator, jobs store.JobStore, log zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		coord: coord,
		jobs:  jobs,
		now:   time.Now,
		log:   log.With().Str("component", "refresh").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Trigger creates a RUNNING job, runs the coordinator and finishes the job
// exactly once. A lock conflict finishes the job as SKIPPED_CONFLICT and
// returns it together with ErrConcurrencyConflict. Any other run failure
// finishes it as FAILED and returns it with a nil error; the failure is on
// the job. Errors from the job store itself are returned as errors.
func (s *Service) Trigger(ctx context.Context, trigger model.JobTrigger, in model.RefreshInput) (*model.RefreshJob, error) {
	in.From, in.To = model.Day(in.From), model.Day(in.To)
	if in.To.Before(in.From) {
		return nil, fmt.Errorf("%w: to %s is before from %s", ErrInvalidInput,
			in.To.Format(model.DateLayout), in.From.Format(model.DateLayout))
	}

	job := &model.RefreshJob{
		ID:        uuid.NewString(),
		Status:    model.JobRunning,
		Trigger:   trigger,
		StartedAt: s.now().UTC(),
		Input:     in,
	}
	if err := s.jobs.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	s.publish(*job)

	runCtx := ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	start := time.Now()
	result, runErr := s.coord.Run(runCtx, in)

	finished := s.now().UTC()
	job.FinishedAt = &finished
	switch {
	case runErr == nil:
		job.Status = model.JobSucceeded
		job.Result = result
		metrics.PricesUpdated.Add(float64(result.PricesUpdated))
	case errors.Is(runErr, ErrConcurrencyConflict):
		job.Status = model.JobSkippedConflict
		msg := runErr.Error()
		job.Error = &msg
		metrics.LockConflicts.Inc()
	default:
		job.Status = model.JobFailed
		msg := runErr.Error()
		job.Error = &msg
	}
	if job.Status != model.JobSkippedConflict {
		metrics.RefreshDuration.WithLabelValues(string(job.Status)).Observe(time.Since(start).Seconds())
	}
	metrics.RefreshJobsTotal.WithLabelValues(string(job.Status), string(job.Trigger)).Inc()

	// The run context may have expired; the job row must still be finished.
	if err := s.jobs.FinishJob(context.WithoutCancel(ctx), job); err != nil {
		return nil, fmt.Errorf("finish job %s: %w", job.ID, err)
	}
	s.publish(*job)

	ev := s.log.Info()
	if job.Status == model.JobFailed {
		ev = s.log.Error().Err(runErr)
	}
	ev.Str("job_id", job.ID).
		Str("status", string(job.Status)).
		Str("trigger", string(job.Trigger)).
		Dur("elapsed", time.Since(start)).
		Msg("Refresh finished")

	if job.Status == model.JobSkippedConflict {
		return job, runErr
	}
	return job, nil
}

// ListJobs returns one page of jobs plus the total matching count.
func (s *Service) ListJobs(ctx context.Context, filter store.JobFilter) ([]model.RefreshJob, int, error) {
	jobs, err := s.jobs.ListJobs(ctx, filter)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	total, err := s.jobs.CountJobs(ctx, filter)
	if err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}
	return jobs, total, nil
}

// GetJob returns one job by id.
func (s *Service) GetJob(ctx context.Context, id string) (*model.RefreshJob, error) {
	return s.jobs.GetJob(ctx, id)
}

func (s *Service) publish(job model.RefreshJob) {
	if s.events != nil {
		s.events.PublishJob(job)
	}
}
