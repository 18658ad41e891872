// Package pipeline schedules and runs the ingest, score and alert jobs.
// Each run is guarded by a per-kind lock and recorded as a JobRun keyed by
// its slot, so a slot never runs twice and a kind never overlaps itself.
package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/product-scout/internal/config"
	"github.com/sells-group/product-scout/internal/model"
	"github.com/sells-group/product-scout/internal/store"
)

var (
	// ErrMisfire is returned when a slot is older than the misfire grace.
	ErrMisfire = eris.New("pipeline: misfire")
	// ErrDuplicateRun is returned when the slot already ran or is running.
	ErrDuplicateRun = eris.New("pipeline: duplicate run")
)

// reconcileReason is recorded on runs found running at startup.
const reconcileReason = "process exited before the run finished"

// JobFunc runs one job. It should stop between records when ctx is done.
type JobFunc func(ctx context.Context, run model.JobRun) (model.JobStats, error)

// Coordinator owns job timing and exclusivity.
type Coordinator struct {
	store       store.JobRunStore
	jobs        map[model.JobKind]JobFunc
	locks       map[model.JobKind]*KindLock
	schedules   map[model.JobKind]*Schedule
	grace       time.Duration
	lockTimeout time.Duration
	nowFunc     func() time.Time
	log         *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewCoordinator creates a Coordinator. Kinds with an empty schedule can
// still be run by hand but are never started by the timer loop.
func NewCoordinator(st store.JobRunStore, cfg config.ScheduleConfig, jobs map[model.JobKind]JobFunc) (*Coordinator, error) {
	c := &Coordinator{
		store:       st,
		jobs:        jobs,
		locks:       make(map[model.JobKind]*KindLock, len(jobs)),
		schedules:   make(map[model.JobKind]*Schedule, len(jobs)),
		grace:       time.Duration(cfg.MisfireGraceSecs) * time.Second,
		lockTimeout: time.Duration(cfg.LockTimeoutSecs) * time.Second,
		nowFunc:     time.Now,
		log:         zap.L().With(zap.String("component", "pipeline")),
	}
	for kind := range jobs {
		c.locks[kind] = NewKindLock(kind, cfg.MaxInstances)
		spec := cfg.Spec(kind)
		if spec == "" {
			continue
		}
		sched, err := ParseSchedule(spec)
		if err != nil {
			return nil, err
		}
		c.schedules[kind] = sched
	}
	return c, nil
}

// Reconcile marks runs left running by a previous process as failed.
func (c *Coordinator) Reconcile(ctx context.Context) (int, error) {
	n, err := c.store.ReconcileRunning(ctx, model.Timestamp(c.nowFunc()), reconcileReason)
	if err != nil {
		return 0, eris.Wrap(err, "pipeline: reconcile")
	}
	if n > 0 {
		c.log.Warn("reconciled interrupted runs", zap.Int("count", n))
	}
	return n, nil
}

// RunNow runs kind immediately under a slot for the current second.
func (c *Coordinator) RunNow(ctx context.Context, kind model.JobKind) (*model.JobRun, error) {
	return c.RunOnce(ctx, kind, model.Timestamp(c.nowFunc()).Truncate(time.Second))
}

// RunOnce runs kind for slot. It returns ErrMisfire, ErrJobOverlap or
// ErrDuplicateRun without running anything when the slot must be skipped.
func (c *Coordinator) RunOnce(ctx context.Context, kind model.JobKind, slot time.Time) (*model.JobRun, error) {
	job, ok := c.jobs[kind]
	if !ok {
		return nil, eris.Errorf("pipeline: unknown job kind %q", kind)
	}
	key := IdempotencyKey(kind, slot)
	log := c.log.With(zap.String("kind", string(kind)), zap.String("key", key))

	if c.grace > 0 && c.nowFunc().Sub(slot) > c.grace {
		log.Warn("misfire: slot older than grace period", zap.Duration("grace", c.grace))
		return nil, eris.Wrapf(ErrMisfire, "pipeline: %s", key)
	}

	release, err := c.locks[kind].Acquire(ctx, c.lockTimeout)
	if err != nil {
		if errors.Is(err, ErrJobOverlap) {
			log.Warn("misfire: previous run still active")
		}
		return nil, err
	}
	defer release()

	run := model.JobRun{
		RunID:          uuid.NewString(),
		Kind:           kind,
		IdempotencyKey: key,
		ScheduledFor:   model.Timestamp(slot),
		StartedAt:      model.Timestamp(c.nowFunc()),
		Status:         model.JobRunning,
	}
	if err := c.store.StartJobRun(ctx, run); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			log.Info("slot already handled, skipping")
			return nil, eris.Wrapf(ErrDuplicateRun, "pipeline: %s", key)
		}
		return nil, eris.Wrap(err, "pipeline: start job run")
	}

	log.Info("job started", zap.String("run_id", run.RunID))
	stats, jobErr := job(ctx, run)

	run.Processed, run.Failed = stats.Processed, stats.Failed
	run.Status = model.JobSucceeded
	if jobErr != nil {
		run.Status = model.JobFailed
		run.Error = jobErr.Error()
	}
	finished := model.Timestamp(c.nowFunc())
	run.FinishedAt = &finished

	// Record the outcome even when shutdown canceled the job.
	if err := c.store.FinishJobRun(context.WithoutCancel(ctx), run.RunID, run.Status, stats, run.Error, finished); err != nil {
		return &run, eris.Wrap(err, "pipeline: finish job run")
	}

	fields := []zap.Field{
		zap.String("run_id", run.RunID),
		zap.Int("processed", stats.Processed),
		zap.Int("failed", stats.Failed),
		zap.Duration("duration", run.Duration()),
	}
	if jobErr != nil {
		log.Error("job failed", append(fields, zap.Error(jobErr))...)
		return &run, eris.Wrapf(jobErr, "pipeline: %s", key)
	}
	log.Info("job finished", fields...)
	return &run, nil
}

// Start launches a timer loop per scheduled kind. Missed slots coalesce:
// each wake-up runs only the latest slot.
func (c *Coordinator) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return
	}
	ctx, c.cancel = context.WithCancel(ctx)

	for kind, sched := range c.schedules {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.loop(ctx, kind, sched)
		}()
	}
	c.log.Info("coordinator started", zap.Int("kinds", len(c.schedules)))
}

func (c *Coordinator) loop(ctx context.Context, kind model.JobKind, sched *Schedule) {
	for {
		now := c.nowFunc()
		next := sched.Next(now)
		if next.IsZero() {
			c.log.Warn("schedule never fires, loop stopped", zap.String("kind", string(kind)), zap.String("schedule", sched.String()))
			return
		}
		wait := next.Sub(now)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		slot := sched.Slot(c.nowFunc())
		if slot.IsZero() {
			continue
		}
		if _, err := c.RunOnce(ctx, kind, slot); err != nil && !isSkip(err) {
			c.log.Error("scheduled run failed", zap.String("kind", string(kind)), zap.Error(err))
		}
	}
}

// Stop cancels the loops and waits for in-flight runs to record their
// outcome.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	c.wg.Wait()
	c.log.Info("coordinator stopped")
}

// isSkip reports whether err means the run was skipped rather than failed.
func isSkip(err error) bool {
	return errors.Is(err, ErrMisfire) || errors.Is(err, ErrJobOverlap) || errors.Is(err, ErrDuplicateRun)
}
