// Package trigger is the clock source for the orchestrator: a fixed-cadence
// tick loop plus cron-style recurring descriptors loaded from the store.
// The trigger only invokes; partial-failure runs are logged, never treated
// as trigger-level failures.
package trigger

import (
	"context"
	"log/slog"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"social-publisher/internal/models"
	"social-publisher/internal/tenant"
)

// Invoker is the orchestrator surface the runner drives.
type Invoker interface {
	RunOnce(ctx context.Context) error
	Sweep(ctx context.Context, grace time.Duration) error
}

// Source lists active recurring descriptors; *store.Store satisfies this.
type Source interface {
	ActiveTriggers(ctx context.Context, scope tenant.Scope) ([]models.ScheduledTrigger, error)
}

// cronParser accepts standard 5-field cron plus descriptors like "@every 30s".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// ParseSchedule validates a recurrence expression at trigger-creation time.
func ParseSchedule(expr string) (cronlib.Schedule, error) {
	return cronParser.Parse(expr)
}

// Options tunes the runner.
type Options struct {
	TickInterval time.Duration
	SweepEvery   time.Duration
	SweepGrace   time.Duration
}

// Runner fires the orchestrator on a fixed cadence and whenever a stored
// cron descriptor comes due. Safe-to-repeat invocation is the orchestrator's
// responsibility; the runner just keeps the clock.
type Runner struct {
	invoker Invoker
	source  Source // nil disables stored descriptors
	logger  *slog.Logger

	tick       time.Duration
	sweepEvery time.Duration
	sweepGrace time.Duration
	now        func() time.Time

	nextFire  map[string]time.Time
	lastSweep time.Time
}

func NewRunner(invoker Invoker, source Source, logger *slog.Logger, opts Options) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = time.Minute
	}
	if opts.SweepEvery <= 0 {
		opts.SweepEvery = 10 * time.Minute
	}
	if opts.SweepGrace <= 0 {
		opts.SweepGrace = 30 * time.Minute
	}
	return &Runner{
		invoker:    invoker,
		source:     source,
		logger:     logger,
		tick:       opts.TickInterval,
		sweepEvery: opts.SweepEvery,
		sweepGrace: opts.SweepGrace,
		now:        time.Now,
		nextFire:   make(map[string]time.Time),
	}
}

// Run loops until context cancellation.
func (r *Runner) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.tick)
	defer ticker.Stop()

	r.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.Tick(ctx)
		}
	}
}

// Tick performs one trigger evaluation: always invoke the orchestrator,
// advance any stored cron descriptors that came due, and sweep at the slower
// cadence.
func (r *Runner) Tick(ctx context.Context) {
	now := r.now()

	if err := r.invoker.RunOnce(ctx); err != nil {
		r.logger.Error("orchestrator run failed", "error", err)
	}

	if due := r.dueDescriptors(ctx, now); due > 0 {
		// Descriptor-driven extra invocation: a tenant may schedule ticks
		// denser than the base cadence.
		if err := r.invoker.RunOnce(ctx); err != nil {
			r.logger.Error("descriptor-driven run failed", "error", err)
		}
	}

	if now.Sub(r.lastSweep) >= r.sweepEvery {
		r.lastSweep = now
		if err := r.invoker.Sweep(ctx, r.sweepGrace); err != nil {
			r.logger.Error("sweep failed", "error", err)
		}
	}
}

// dueDescriptors advances the fire schedule of every active descriptor and
// reports how many came due at or before now.
func (r *Runner) dueDescriptors(ctx context.Context, now time.Time) int {
	if r.source == nil {
		return 0
	}
	triggers, err := r.source.ActiveTriggers(ctx, tenant.System())
	if err != nil {
		r.logger.Error("load triggers", "error", err)
		return 0
	}

	seen := make(map[string]bool, len(triggers))
	due := 0
	for _, t := range triggers {
		seen[t.ID] = true
		sched, err := cronParser.Parse(t.CronExpr)
		if err != nil {
			r.logger.Warn("invalid cron expression", "trigger_id", t.ID, "expr", t.CronExpr)
			continue
		}
		next, ok := r.nextFire[t.ID]
		if !ok {
			r.nextFire[t.ID] = sched.Next(now)
			continue
		}
		if !next.After(now) {
			due++
			r.nextFire[t.ID] = sched.Next(now)
		}
	}
	for id := range r.nextFire {
		if !seen[id] {
			delete(r.nextFire, id)
		}
	}
	return due
}
