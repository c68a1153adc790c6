// Package orchestrator implements the due-work publishing pipeline: on each
// tick it selects due pending post targets across all tenants, fans each out
// to its destination, and records independent outcomes.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"social-publisher/internal/events"
	"social-publisher/internal/models"
	"social-publisher/internal/publisher"
	"social-publisher/internal/store"
	"social-publisher/internal/telemetry"
	"social-publisher/internal/tenant"
)

// Store is the persistence surface the orchestrator needs. All methods take
// the system scope; *store.Store satisfies this.
type Store interface {
	DueTargets(ctx context.Context, scope tenant.Scope, now time.Time, limit int) ([]models.PostTarget, error)
	ClaimPostTarget(ctx context.Context, scope tenant.Scope, id string) (bool, error)
	PostForPublish(ctx context.Context, scope tenant.Scope, postID string) (models.Post, error)
	TargetForPublish(ctx context.Context, scope tenant.Scope, targetID string) (models.DistributionTarget, error)
	MarkTargetPublished(ctx context.Context, scope tenant.Scope, id, externalID string, at time.Time) error
	MarkTargetFailed(ctx context.Context, scope tenant.Scope, id, message string) error
	MarkPostPublishing(ctx context.Context, scope tenant.Scope, postID string) error
	MarkPostPublished(ctx context.Context, scope tenant.Scope, postID string, at time.Time) error
	SweepStuckPublishing(ctx context.Context, scope tenant.Scope, olderThan time.Time) (int64, error)
}

// Lease bounds concurrent runs to one across all process instances.
type Lease interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// Dispatcher routes one unit of content by destination type.
// *publisher.Registry satisfies this.
type Dispatcher interface {
	Publish(ctx context.Context, targetType string, content publisher.Content, dest publisher.Destination) (string, error)
}

// MediaResolver maps a stored image reference to a publishable URL.
type MediaResolver interface {
	Resolve(ctx context.Context, imageRef string) (string, error)
}

// OutcomeEmitter receives per-target outcomes; best-effort.
type OutcomeEmitter interface {
	Emit(events.Outcome) error
}

// Options tunes a run.
type Options struct {
	BatchSize      int
	PublishTimeout time.Duration
}

// Orchestrator is the scheduler core.
type Orchestrator struct {
	store      Store
	lease      Lease
	dispatcher Dispatcher
	media      MediaResolver
	emitter    OutcomeEmitter // nil disables outcome events
	logger     *slog.Logger

	batchSize      int
	publishTimeout time.Duration
	now            func() time.Time
}

// New wires an orchestrator. media and emitter may be nil.
func New(st Store, lease Lease, dispatcher Dispatcher, media MediaResolver, emitter OutcomeEmitter, logger *slog.Logger, opts Options) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 200
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = 30 * time.Second
	}
	return &Orchestrator{
		store:          st,
		lease:          lease,
		dispatcher:     dispatcher,
		media:          media,
		emitter:        emitter,
		logger:         logger,
		batchSize:      opts.BatchSize,
		publishTimeout: opts.PublishTimeout,
		now:            time.Now,
	}
}

// RunOnce executes one orchestrator pass. It is safe to call repeatedly and
// concurrently: the lease bounds concurrent runs to one, and the per-item
// optimistic claim makes re-entrant invocations skip already-taken work.
// Per-item failures are converted into status + message; only a broken
// scoping contract aborts the pass.
func (o *Orchestrator) RunOnce(ctx context.Context) error {
	held, err := o.lease.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire lease: %w", err)
	}
	if !held {
		telemetry.RunsSkipped.Inc()
		o.logger.Debug("run skipped, lease held elsewhere")
		return nil
	}
	defer func() {
		if err := o.lease.Release(ctx); err != nil {
			o.logger.Warn("release lease", "error", err)
		}
	}()

	telemetry.RunsStarted.Inc()
	scope := tenant.System()
	now := o.now().UTC()

	due, err := o.store.DueTargets(ctx, scope, now, o.batchSize)
	if err != nil {
		return fmt.Errorf("select due targets: %w", err)
	}
	telemetry.DueDepthGauge.Set(float64(len(due)))
	if len(due) == 0 {
		return nil
	}
	o.logger.Info("processing due targets", "count", len(due))

	// Post status is a coarse signal owned by this loop: flipped to
	// publishing when the first of a post's targets is taken up, and to
	// published when the pass ends. It is deliberately not an aggregate of
	// the per-target outcomes.
	postsStarted := make(map[string]bool)

	for _, item := range due {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := o.processItem(ctx, scope, item, postsStarted); err != nil {
			if errors.Is(err, tenant.ErrScopeViolation) {
				return err
			}
			o.logger.Error("item processing failed",
				"post_target_id", item.ID,
				"post_id", item.PostID,
				"error", err,
			)
		}
	}

	finished := o.now().UTC()
	for postID := range postsStarted {
		if err := o.store.MarkPostPublished(ctx, scope, postID, finished); err != nil {
			if errors.Is(err, tenant.ErrScopeViolation) {
				return err
			}
			o.logger.Error("mark post published", "post_id", postID, "error", err)
		}
	}
	return nil
}

// processItem attempts exactly one publish for one due target. Every failure
// mode short of a scope violation ends in a failed status with a message,
// never a propagated error.
func (o *Orchestrator) processItem(ctx context.Context, scope tenant.Scope, item models.PostTarget, postsStarted map[string]bool) error {
	if !postsStarted[item.PostID] {
		if err := o.store.MarkPostPublishing(ctx, scope, item.PostID); err != nil {
			return err
		}
		postsStarted[item.PostID] = true
	}

	claimed, err := o.store.ClaimPostTarget(ctx, scope, item.ID)
	if err != nil {
		return err
	}
	if !claimed {
		// Another actor moved the row first; the idempotency guard.
		telemetry.TargetsSkipped.Inc()
		o.logger.Debug("claim lost, skipping", "post_target_id", item.ID)
		return nil
	}

	post, err := o.store.PostForPublish(ctx, scope, item.PostID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return o.fail(ctx, scope, item, "post was deleted before publishing")
		}
		return err
	}

	target, err := o.store.TargetForPublish(ctx, scope, item.TargetID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return o.fail(ctx, scope, item, "distribution target no longer exists")
		}
		return err
	}
	if !target.Connected {
		return o.fail(ctx, scope, item, fmt.Sprintf("destination %s is disconnected", target.DisplayName))
	}

	imageURL := ""
	if post.ImageRef != nil {
		if o.media == nil {
			return o.fail(ctx, scope, item, "post has an image but no media resolver is configured")
		}
		imageURL, err = o.media.Resolve(ctx, *post.ImageRef)
		if err != nil {
			return o.fail(ctx, scope, item, fmt.Sprintf("resolve image: %v", err))
		}
	}

	pubCtx, cancel := context.WithTimeout(ctx, o.publishTimeout)
	externalID, err := o.dispatcher.Publish(pubCtx, target.Type,
		publisher.Content{Caption: post.Caption, ImageURL: imageURL},
		publisher.Destination{Token: target.Token, ExternalAccountID: target.ExternalAccountID},
	)
	cancel()
	if err != nil {
		msg := err.Error()
		if errors.Is(err, context.DeadlineExceeded) {
			msg = fmt.Sprintf("publish timed out after %s", o.publishTimeout)
		}
		return o.fail(ctx, scope, item, msg)
	}

	publishedAt := o.now().UTC()
	if err := o.store.MarkTargetPublished(ctx, scope, item.ID, externalID, publishedAt); err != nil {
		return err
	}
	telemetry.TargetsPublished.Inc()
	o.emit(events.Outcome{
		TenantID:     item.TenantID,
		PostID:       item.PostID,
		PostTargetID: item.ID,
		TargetID:     item.TargetID,
		Status:       models.PublishPublished,
		ExternalID:   externalID,
		OccurredAt:   publishedAt,
	})
	o.logger.Info("target published",
		"post_target_id", item.ID,
		"target_type", target.Type,
		"external_id", externalID,
	)
	return nil
}

func (o *Orchestrator) fail(ctx context.Context, scope tenant.Scope, item models.PostTarget, message string) error {
	if err := o.store.MarkTargetFailed(ctx, scope, item.ID, message); err != nil {
		return err
	}
	telemetry.TargetsFailed.Inc()
	o.emit(events.Outcome{
		TenantID:     item.TenantID,
		PostID:       item.PostID,
		PostTargetID: item.ID,
		TargetID:     item.TargetID,
		Status:       models.PublishFailed,
		Error:        message,
		OccurredAt:   o.now().UTC(),
	})
	o.logger.Warn("target failed", "post_target_id", item.ID, "error", message)
	return nil
}

func (o *Orchestrator) emit(outcome events.Outcome) {
	if o.emitter == nil {
		return
	}
	if err := o.emitter.Emit(outcome); err != nil {
		o.logger.Warn("emit outcome", "post_target_id", outcome.PostTargetID, "error", err)
	}
}

// Sweep resets targets stuck in publishing by a crashed run back to pending
// once the grace period has elapsed. Runs at a slower cadence than RunOnce.
func (o *Orchestrator) Sweep(ctx context.Context, grace time.Duration) error {
	n, err := o.store.SweepStuckPublishing(ctx, tenant.System(), o.now().UTC().Add(-grace))
	if err != nil {
		return fmt.Errorf("sweep: %w", err)
	}
	if n > 0 {
		telemetry.SweptTargets.Add(float64(n))
		o.logger.Info("reset stuck targets", "count", n)
	}
	return nil
}
