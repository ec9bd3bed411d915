package compute

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"
)

// Scheduler drives SCHEDULED-trigger fields. It polls the schedule store at
// a fixed interval, sweeps each due field across its schema's records, and
// writes the run outcome plus the next fire time back to the store.
type Scheduler struct {
	engine    *Engine
	schedules ScheduleStore
	obs       Observer
	interval  time.Duration
	retries   uint64
}

// SchedulerOptions configures the scheduler loop.
type SchedulerOptions struct {
	// PollInterval is how often the due-schedule query runs.
	PollInterval time.Duration
	// MaxRetries bounds the exponential-backoff retries of a failed sweep.
	MaxRetries uint64
}

// NewScheduler creates a scheduler over the engine's schedule store.
func NewScheduler(engine *Engine, obs Observer, opts SchedulerOptions) *Scheduler {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 30 * time.Second
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 3
	}
	if obs == nil {
		obs = NopObserver{}
	}
	return &Scheduler{
		engine:    engine,
		schedules: engine.schedules,
		obs:       obs,
		interval:  opts.PollInterval,
		retries:   opts.MaxRetries,
	}
}

// Run executes the polling loop until the context is canceled. A canceled
// context stops new jobs from starting; in-flight sweeps drain before Run
// returns.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.runDue(ctx, time.Now())
		}
	}
}

// runDue sweeps every schedule due at the given instant. Jobs run
// concurrently, bounded by the engine's worker limit.
func (s *Scheduler) runDue(ctx context.Context, now time.Time) {
	due, err := s.schedules.Due(now)
	if err != nil || len(due) == 0 {
		return
	}

	var group errgroup.Group
	group.SetLimit(s.engine.opts.Workers)
	for _, sched := range due {
		sched := sched
		group.Go(func() error {
			s.runJob(ctx, sched)
			return nil
		})
	}
	group.Wait()
}

// runJob runs one scheduled sweep with retries. The outcome and the next
// fire time (from the definition's cron expression) persist to the schedule
// store; a missed window fires once, not once per missed interval.
func (s *Scheduler) runJob(ctx context.Context, sched *Schedule) {
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), s.retries),
		ctx,
	)

	err := backoff.Retry(func() error {
		return s.engine.recomputeField(ctx, sched.DefinitionID)
	}, policy)

	status := "ok"
	if err != nil {
		status = "failed"
		s.obs.ScheduleFailed(sched.FieldID, err)
	}

	next := s.engine.nextRun(sched.DefinitionID, time.Now())
	if serr := s.schedules.SetResult(sched.DefinitionID, next, status); serr != nil {
		s.obs.ScheduleFailed(sched.FieldID, serr)
	}
}

// nextRun computes the next fire time of a scheduled definition. A
// definition deleted mid-run gets a zero time; the store row is removed by
// the deletion path anyway.
func (e *Engine) nextRun(definitionID string, after time.Time) time.Time {
	e.mu.RLock()
	defer e.mu.RUnlock()
	cf, ok := e.compiled[definitionID]
	if !ok || cf.schedule == nil {
		return time.Time{}
	}
	return cf.schedule.Next(after)
}
