package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/atmx/portfolio-engine/internal/model"
	"github.com/atmx/portfolio-engine/internal/refresh"
)

// Triggerer starts a recorded refresh.
type Triggerer interface {
	Trigger(ctx context.Context, trigger model.JobTrigger, in model.RefreshInput) (*model.RefreshJob, error)
}

// RefreshJob triggers a SCHEDULED refresh over the trailing lookback window
// ending today.
type RefreshJob struct {
	ctx          context.Context
	refresher    Triggerer
	lookbackDays int
	now          func() time.Time
	log          zerolog.Logger
}

// NewRefreshJob creates the job. ctx bounds every run and is usually the
// process lifetime context.
func NewRefreshJob(ctx context.Context, refresher Triggerer, lookbackDays int, log zerolog.Logger) *RefreshJob {
	return &RefreshJob{
		ctx:          ctx,
		refresher:    refresher,
		lookbackDays: lookbackDays,
		now:          time.Now,
		log:          log.With().Str("component", "scheduler").Str("job", "refresh").Logger(),
	}
}

// Name implements Job.
func (j *RefreshJob) Name() string { return "refresh" }

// Window returns the refresh input for a run at now.
func (j *RefreshJob) Window(now time.Time) model.RefreshInput {
	to := model.Day(now.UTC())
	return model.RefreshInput{From: to.AddDate(0, 0, -j.lookbackDays), To: to}
}

// Run implements Job. A refresh already in flight is not an error for the
// scheduler; the skipped attempt is still recorded as a job.
func (j *RefreshJob) Run() error {
	job, err := j.refresher.Trigger(j.ctx, model.TriggerScheduled, j.Window(j.now()))
	if errors.Is(err, refresh.ErrConcurrencyConflict) {
		j.log.Info().Msg("Scheduled refresh skipped, another refresh holds the lock")
		return nil
	}
	if err != nil {
		return err
	}
	if job.Status == model.JobFailed {
		msg := ""
		if job.Error != nil {
			msg = *job.Error
		}
		return fmt.Errorf("refresh job %s failed: %s", job.ID, msg)
	}
	return nil
}
