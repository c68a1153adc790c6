package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"social-publisher/internal/models"
	"social-publisher/internal/tenant"
)

// ErrNotFound is returned when a referenced entity does not exist within the
// caller's scope. The orchestrator treats it as a per-item skip, never a
// run-level failure.
var ErrNotFound = errors.New("not found")

// ErrInvalidTransition is returned when a lifecycle change would violate the
// state machine.
var ErrInvalidTransition = errors.New("invalid state transition")

// Store wraps pgxpool for Postgres persistence. Every tenant-scoped method
// takes a tenant.Scope and filters by it; the handful of cross-tenant methods
// demand the system scope instead, so an unscoped query cannot be expressed.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// --- tenants (tenant-agnostic by definition) ---

// CreateTenant registers a new isolated store.
func (s *Store) CreateTenant(ctx context.Context, name string) (models.Tenant, error) {
	t := models.Tenant{ID: uuid.New().String(), Name: name, CreatedAt: time.Now().UTC()}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tenants (id, name, created_at) VALUES ($1, $2, $3)
	`, t.ID, t.Name, t.CreatedAt)
	if err != nil {
		return models.Tenant{}, fmt.Errorf("insert tenant: %w", err)
	}
	return t, nil
}

// --- campaigns ---

// CampaignParams collects inputs for campaign create and edit.
type CampaignParams struct {
	Name        string
	Owner       string
	WindowStart *time.Time
	WindowEnd   *time.Time
}

func (s *Store) CreateCampaign(ctx context.Context, scope tenant.Scope, p CampaignParams) (models.Campaign, error) {
	tid, err := scope.Require()
	if err != nil {
		return models.Campaign{}, err
	}
	now := time.Now().UTC()
	c := models.Campaign{
		ID:          uuid.New().String(),
		TenantID:    tid,
		Name:        p.Name,
		Stage:       models.StageDraft,
		WindowStart: p.WindowStart,
		WindowEnd:   p.WindowEnd,
		Owner:       p.Owner,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO campaigns (id, tenant_id, name, stage, window_start, window_end, owner, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
	`, c.ID, c.TenantID, c.Name, c.Stage, c.WindowStart, c.WindowEnd, c.Owner, now)
	if err != nil {
		return models.Campaign{}, fmt.Errorf("insert campaign: %w", err)
	}
	return c, nil
}

func (s *Store) GetCampaign(ctx context.Context, scope tenant.Scope, id string) (models.Campaign, error) {
	tid, err := scope.Require()
	if err != nil {
		return models.Campaign{}, err
	}
	row := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, name, stage, window_start, window_end, owner, created_at, updated_at
		FROM campaigns WHERE id = $1 AND tenant_id = $2
	`, id, tid)
	return scanCampaign(row)
}

// AdvanceCampaign moves a campaign one stage forward. The WHERE clause pins
// the expected current stage so a concurrent advance loses cleanly.
func (s *Store) AdvanceCampaign(ctx context.Context, scope tenant.Scope, id string) (models.Campaign, error) {
	c, err := s.GetCampaign(ctx, scope, id)
	if err != nil {
		return models.Campaign{}, err
	}
	next := models.NextStage(c.Stage)
	if next == "" {
		return models.Campaign{}, fmt.Errorf("%w: campaign already %s", ErrInvalidTransition, c.Stage)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE campaigns SET stage = $3, updated_at = NOW()
		WHERE id = $1 AND tenant_id = $2 AND stage = $4
	`, id, c.TenantID, next, c.Stage)
	if err != nil {
		return models.Campaign{}, fmt.Errorf("advance campaign: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.Campaign{}, fmt.Errorf("%w: stage moved concurrently", ErrInvalidTransition)
	}
	c.Stage = next
	return c, nil
}

// UnscheduleCampaign is the single backward edge: scheduled -> in_review,
// reopening the campaign for edits.
func (s *Store) UnscheduleCampaign(ctx context.Context, scope tenant.Scope, id string) (models.Campaign, error) {
	tid, err := scope.Require()
	if err != nil {
		return models.Campaign{}, err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE campaigns SET stage = $3, updated_at = NOW()
		WHERE id = $1 AND tenant_id = $2 AND stage = $4
	`, id, tid, models.StageInReview, models.StageScheduled)
	if err != nil {
		return models.Campaign{}, fmt.Errorf("unschedule campaign: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.Campaign{}, fmt.Errorf("%w: only scheduled campaigns can be unscheduled", ErrInvalidTransition)
	}
	return s.GetCampaign(ctx, scope, id)
}

// UpdateCampaign changes content-affecting fields; permitted only while the
// campaign is in draft or in_review.
func (s *Store) UpdateCampaign(ctx context.Context, scope tenant.Scope, id string, p CampaignParams) (models.Campaign, error) {
	tid, err := scope.Require()
	if err != nil {
		return models.Campaign{}, err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE campaigns SET name = $3, owner = $4, window_start = $5, window_end = $6, updated_at = NOW()
		WHERE id = $1 AND tenant_id = $2 AND stage IN ($7, $8)
	`, id, tid, p.Name, p.Owner, p.WindowStart, p.WindowEnd, models.StageDraft, models.StageInReview)
	if err != nil {
		return models.Campaign{}, fmt.Errorf("update campaign: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetCampaign(ctx, scope, id); err != nil {
			return models.Campaign{}, err
		}
		return models.Campaign{}, fmt.Errorf("%w: campaign is no longer editable", ErrInvalidTransition)
	}
	return s.GetCampaign(ctx, scope, id)
}

// --- distribution targets ---

// ConnectTargetParams collects inputs required to register a destination.
type ConnectTargetParams struct {
	Type              string
	ExternalAccountID string
	DisplayName       string
	Token             string
}

func (s *Store) ConnectTarget(ctx context.Context, scope tenant.Scope, p ConnectTargetParams) (models.DistributionTarget, error) {
	tid, err := scope.Require()
	if err != nil {
		return models.DistributionTarget{}, err
	}
	now := time.Now().UTC()
	t := models.DistributionTarget{
		ID:                uuid.New().String(),
		TenantID:          tid,
		Type:              p.Type,
		ExternalAccountID: p.ExternalAccountID,
		DisplayName:       p.DisplayName,
		Token:             p.Token,
		Connected:         true,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO distribution_targets (id, tenant_id, type, external_account_id, display_name, token, connected, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, TRUE, $7, $7)
	`, t.ID, t.TenantID, t.Type, t.ExternalAccountID, t.DisplayName, t.Token, now)
	if err != nil {
		return models.DistributionTarget{}, fmt.Errorf("insert target: %w", err)
	}
	return t, nil
}

func (s *Store) GetTarget(ctx context.Context, scope tenant.Scope, id string) (models.DistributionTarget, error) {
	tid, err := scope.Require()
	if err != nil {
		return models.DistributionTarget{}, err
	}
	row := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, type, external_account_id, display_name, token, connected, created_at, updated_at
		FROM distribution_targets WHERE id = $1 AND tenant_id = $2
	`, id, tid)
	return scanTarget(row)
}

func (s *Store) ListTargets(ctx context.Context, scope tenant.Scope) ([]models.DistributionTarget, error) {
	tid, err := scope.Require()
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant_id, type, external_account_id, display_name, token, connected, created_at, updated_at
		FROM distribution_targets WHERE tenant_id = $1 ORDER BY created_at, id
	`, tid)
	if err != nil {
		return nil, fmt.Errorf("list targets: %w", err)
	}
	defer rows.Close()
	var out []models.DistributionTarget
	for rows.Next() {
		t, err := scanTarget(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// DisconnectTarget flips the connectivity flag. Targets are never
// hard-deleted; their publish history must survive.
func (s *Store) DisconnectTarget(ctx context.Context, scope tenant.Scope, id string) error {
	return s.setTargetConnectivity(ctx, scope, id, false, "")
}

// ReconnectTarget re-enables a destination with a fresh capability token.
func (s *Store) ReconnectTarget(ctx context.Context, scope tenant.Scope, id, token string) error {
	return s.setTargetConnectivity(ctx, scope, id, true, token)
}

func (s *Store) setTargetConnectivity(ctx context.Context, scope tenant.Scope, id string, connected bool, token string) error {
	tid, err := scope.Require()
	if err != nil {
		return err
	}
	var tag pgconn.CommandTag
	if token != "" {
		tag, err = s.pool.Exec(ctx, `
			UPDATE distribution_targets SET connected = $3, token = $4, updated_at = NOW()
			WHERE id = $1 AND tenant_id = $2
		`, id, tid, connected, token)
	} else {
		tag, err = s.pool.Exec(ctx, `
			UPDATE distribution_targets SET connected = $3, updated_at = NOW()
			WHERE id = $1 AND tenant_id = $2
		`, id, tid, connected)
	}
	if err != nil {
		return fmt.Errorf("update target connectivity: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("distribution target: %w", ErrNotFound)
	}
	return nil
}

// --- posts and fan-out ---

// CreatePostParams collects inputs required to insert a post. TargetIDs
// defaults to every connected target when empty. ScheduleOverrides adjusts
// the effective time for individual targets.
type CreatePostParams struct {
	CampaignID        string
	Caption           string
	ImageRef          *string
	ScheduledAt       *time.Time
	TargetIDs         []string
	ScheduleOverrides map[string]time.Time
}

// CreatePost inserts the post and fans it out: one post_targets row per
// destination, each with its own independent state machine.
func (s *Store) CreatePost(ctx context.Context, scope tenant.Scope, p CreatePostParams) (models.Post, []models.PostTarget, error) {
	tid, err := scope.Require()
	if err != nil {
		return models.Post{}, nil, err
	}
	if p.Caption == "" {
		return models.Post{}, nil, errors.New("caption is required")
	}
	if len(p.Caption) > models.MaxCaptionLength {
		return models.Post{}, nil, fmt.Errorf("caption exceeds %d characters", models.MaxCaptionLength)
	}

	campaign, err := s.GetCampaign(ctx, scope, p.CampaignID)
	if err != nil {
		return models.Post{}, nil, err
	}
	if !models.CampaignEditable(campaign.Stage) {
		return models.Post{}, nil, fmt.Errorf("%w: campaign %s is not editable", ErrInvalidTransition, campaign.Stage)
	}

	targets := p.TargetIDs
	if len(targets) == 0 {
		all, err := s.ListTargets(ctx, scope)
		if err != nil {
			return models.Post{}, nil, err
		}
		for _, t := range all {
			if t.Connected {
				targets = append(targets, t.ID)
			}
		}
	}

	now := time.Now().UTC()
	post := models.Post{
		ID:          uuid.New().String(),
		TenantID:    tid,
		CampaignID:  p.CampaignID,
		Caption:     p.Caption,
		ImageRef:    p.ImageRef,
		ScheduledAt: p.ScheduledAt,
		Status:      models.PublishPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Post{}, nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	_, err = tx.Exec(ctx, `
		INSERT INTO posts (id, tenant_id, campaign_id, caption, image_ref, scheduled_at, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
	`, post.ID, post.TenantID, post.CampaignID, post.Caption, post.ImageRef, post.ScheduledAt, post.Status, now)
	if err != nil {
		return models.Post{}, nil, fmt.Errorf("insert post: %w", err)
	}

	fanout := make([]models.PostTarget, 0, len(targets))
	for _, targetID := range targets {
		effective := now
		if p.ScheduledAt != nil {
			effective = p.ScheduledAt.UTC()
		}
		if override, ok := p.ScheduleOverrides[targetID]; ok {
			effective = override.UTC()
		}
		pt := models.PostTarget{
			ID:          uuid.New().String(),
			TenantID:    tid,
			PostID:      post.ID,
			TargetID:    targetID,
			Status:      models.PublishPending,
			ScheduledAt: effective,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO post_targets (id, tenant_id, post_id, target_id, status, scheduled_at, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		`, pt.ID, pt.TenantID, pt.PostID, pt.TargetID, pt.Status, pt.ScheduledAt, now)
		if err != nil {
			return models.Post{}, nil, fmt.Errorf("insert post target: %w", err)
		}
		fanout = append(fanout, pt)
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Post{}, nil, fmt.Errorf("commit: %w", err)
	}
	return post, fanout, nil
}

func (s *Store) GetPost(ctx context.Context, scope tenant.Scope, id string) (models.Post, error) {
	tid, err := scope.Require()
	if err != nil {
		return models.Post{}, err
	}
	row := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, campaign_id, caption, image_ref, scheduled_at, status, last_error, published_at, created_at, updated_at
		FROM posts WHERE id = $1 AND tenant_id = $2
	`, id, tid)
	return scanPost(row)
}

// DeletePost removes a post and, via cascade, its fan-out rows. Deletion is
// always explicit and tenant-scoped; it never crosses tenants.
func (s *Store) DeletePost(ctx context.Context, scope tenant.Scope, id string) error {
	tid, err := scope.Require()
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM posts WHERE id = $1 AND tenant_id = $2`, id, tid)
	if err != nil {
		return fmt.Errorf("delete post: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("post: %w", ErrNotFound)
	}
	return nil
}

func (s *Store) ListPostTargets(ctx context.Context, scope tenant.Scope, postID string) ([]models.PostTarget, error) {
	tid, err := scope.Require()
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant_id, post_id, target_id, external_id, status, scheduled_at, last_error, published_at, created_at, updated_at
		FROM post_targets WHERE post_id = $1 AND tenant_id = $2 ORDER BY scheduled_at, id
	`, postID, tid)
	if err != nil {
		return nil, fmt.Errorf("list post targets: %w", err)
	}
	defer rows.Close()
	var out []models.PostTarget
	for rows.Next() {
		pt, err := scanPostTarget(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pt)
	}
	return out, rows.Err()
}

// RetryPostTarget is the explicit failed -> pending reset pathway. The WHERE
// clause rejects every other source state, so published rows stay terminal.
func (s *Store) RetryPostTarget(ctx context.Context, scope tenant.Scope, id string) error {
	tid, err := scope.Require()
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE post_targets SET status = $3, last_error = NULL, updated_at = NOW()
		WHERE id = $1 AND tenant_id = $2 AND status = $4
	`, id, tid, models.PublishPending, models.PublishFailed)
	if err != nil {
		return fmt.Errorf("retry post target: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: only failed targets can be retried", ErrInvalidTransition)
	}
	return nil
}

// --- scheduled triggers ---

// CreateTriggerParams collects inputs for a recurring-task descriptor.
type CreateTriggerParams struct {
	Type     string
	PostID   *string
	CronExpr string
}

func (s *Store) CreateTrigger(ctx context.Context, scope tenant.Scope, p CreateTriggerParams) (models.ScheduledTrigger, error) {
	tid, err := scope.Require()
	if err != nil {
		return models.ScheduledTrigger{}, err
	}
	t := models.ScheduledTrigger{
		ID:        uuid.New().String(),
		TenantID:  tid,
		Type:      p.Type,
		PostID:    p.PostID,
		CronExpr:  p.CronExpr,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO scheduled_triggers (id, tenant_id, type, post_id, cron_expr, active, created_at)
		VALUES ($1, $2, $3, $4, $5, TRUE, $6)
	`, t.ID, t.TenantID, t.Type, t.PostID, t.CronExpr, t.CreatedAt)
	if err != nil {
		return models.ScheduledTrigger{}, fmt.Errorf("insert trigger: %w", err)
	}
	return t, nil
}

// ActiveTriggers returns active recurring descriptors across all tenants for
// the trigger runner.
func (s *Store) ActiveTriggers(ctx context.Context, scope tenant.Scope) ([]models.ScheduledTrigger, error) {
	if err := scope.RequireSystem(); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant_id, type, post_id, cron_expr, active, created_at
		FROM scheduled_triggers WHERE active ORDER BY created_at, id
	`)
	if err != nil {
		return nil, fmt.Errorf("list triggers: %w", err)
	}
	defer rows.Close()
	var out []models.ScheduledTrigger
	for rows.Next() {
		var t models.ScheduledTrigger
		var postID pgtype.Text
		if err := rows.Scan(&t.ID, &t.TenantID, &t.Type, &postID, &t.CronExpr, &t.Active, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan trigger: %w", err)
		}
		t.PostID = textPtr(postID)
		out = append(out, t)
	}
	return out, rows.Err()
}

// --- orchestrator operations (system scope only) ---

// DueTargets is the cross-tenant due-item scan: pending rows whose effective
// time has passed and whose destination is still connected. Ordering is
// deterministic (scheduled time, then id) so re-runs are reproducible.
func (s *Store) DueTargets(ctx context.Context, scope tenant.Scope, now time.Time, limit int) ([]models.PostTarget, error) {
	if err := scope.RequireSystem(); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `
		SELECT pt.id, pt.tenant_id, pt.post_id, pt.target_id, pt.external_id, pt.status, pt.scheduled_at, pt.last_error, pt.published_at, pt.created_at, pt.updated_at
		FROM post_targets pt
		JOIN distribution_targets dt ON dt.id = pt.target_id
		WHERE pt.status = $1 AND pt.scheduled_at <= $2 AND dt.connected
		ORDER BY pt.scheduled_at, pt.id
		LIMIT $3
	`, models.PublishPending, now, limit)
	if err != nil {
		return nil, fmt.Errorf("query due targets: %w", err)
	}
	defer rows.Close()
	var out []models.PostTarget
	for rows.Next() {
		pt, err := scanPostTarget(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pt)
	}
	return out, rows.Err()
}

// ClaimPostTarget attempts the optimistic pending -> publishing transition.
// A false return means another actor already moved the row; the caller must
// skip the item.
func (s *Store) ClaimPostTarget(ctx context.Context, scope tenant.Scope, id string) (bool, error) {
	if err := scope.RequireSystem(); err != nil {
		return false, err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE post_targets SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status = $3
	`, id, models.PublishPublishing, models.PublishPending)
	if err != nil {
		return false, fmt.Errorf("claim post target: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// PostForPublish resolves a claimed item's post without tenant filtering;
// part of the orchestrator's cross-tenant pass.
func (s *Store) PostForPublish(ctx context.Context, scope tenant.Scope, postID string) (models.Post, error) {
	if err := scope.RequireSystem(); err != nil {
		return models.Post{}, err
	}
	row := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, campaign_id, caption, image_ref, scheduled_at, status, last_error, published_at, created_at, updated_at
		FROM posts WHERE id = $1
	`, postID)
	return scanPost(row)
}

// TargetForPublish resolves the destination fresh at dispatch time so a
// disconnect between selection and dispatch is observed.
func (s *Store) TargetForPublish(ctx context.Context, scope tenant.Scope, targetID string) (models.DistributionTarget, error) {
	if err := scope.RequireSystem(); err != nil {
		return models.DistributionTarget{}, err
	}
	row := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, type, external_account_id, display_name, token, connected, created_at, updated_at
		FROM distribution_targets WHERE id = $1
	`, targetID)
	return scanTarget(row)
}

// MarkTargetPublished records a successful publish: terminal state plus the
// external reference id.
func (s *Store) MarkTargetPublished(ctx context.Context, scope tenant.Scope, id, externalID string, at time.Time) error {
	if err := scope.RequireSystem(); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE post_targets SET status = $2, external_id = $3, published_at = $4, last_error = NULL, updated_at = NOW()
		WHERE id = $1 AND status = $5
	`, id, models.PublishPublished, externalID, at, models.PublishPublishing)
	if err != nil {
		return fmt.Errorf("mark published: %w", err)
	}
	return nil
}

// MarkTargetFailed records a per-item failure with the message preserved
// verbatim for operator visibility.
func (s *Store) MarkTargetFailed(ctx context.Context, scope tenant.Scope, id, message string) error {
	if err := scope.RequireSystem(); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE post_targets SET status = $2, last_error = $3, updated_at = NOW()
		WHERE id = $1 AND status = $4
	`, id, models.PublishFailed, message, models.PublishPublishing)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return nil
}

// MarkPostPublishing records that the orchestrator started processing a
// post's batch. Post status is a coarse signal set by the orchestrator, not
// an aggregate of its targets.
func (s *Store) MarkPostPublishing(ctx context.Context, scope tenant.Scope, postID string) error {
	if err := scope.RequireSystem(); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE posts SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status = $3
	`, postID, models.PublishPublishing, models.PublishPending)
	if err != nil {
		return fmt.Errorf("mark post publishing: %w", err)
	}
	return nil
}

// MarkPostPublished records that the orchestrator finished a post's batch.
func (s *Store) MarkPostPublished(ctx context.Context, scope tenant.Scope, postID string, at time.Time) error {
	if err := scope.RequireSystem(); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE posts SET status = $2, published_at = $3, updated_at = NOW()
		WHERE id = $1 AND status = $4
	`, postID, models.PublishPublished, at, models.PublishPublishing)
	if err != nil {
		return fmt.Errorf("mark post published: %w", err)
	}
	return nil
}

// SweepStuckPublishing resets rows abandoned in publishing by a crashed run
// back to pending once the grace period has elapsed.
func (s *Store) SweepStuckPublishing(ctx context.Context, scope tenant.Scope, olderThan time.Time) (int64, error) {
	if err := scope.RequireSystem(); err != nil {
		return 0, err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE post_targets SET status = $1, updated_at = NOW()
		WHERE status = $2 AND updated_at < $3
	`, models.PublishPending, models.PublishPublishing, olderThan)
	if err != nil {
		return 0, fmt.Errorf("sweep stuck targets: %w", err)
	}
	return tag.RowsAffected(), nil
}

// --- scanning helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCampaign(row rowScanner) (models.Campaign, error) {
	var c models.Campaign
	var ws, we pgtype.Timestamptz
	err := row.Scan(&c.ID, &c.TenantID, &c.Name, &c.Stage, &ws, &we, &c.Owner, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Campaign{}, fmt.Errorf("campaign: %w", ErrNotFound)
	}
	if err != nil {
		return models.Campaign{}, fmt.Errorf("scan campaign: %w", err)
	}
	c.WindowStart = tsPtr(ws)
	c.WindowEnd = tsPtr(we)
	return c, nil
}

func scanPost(row rowScanner) (models.Post, error) {
	var p models.Post
	var imageRef, lastErr pgtype.Text
	var sched, published pgtype.Timestamptz
	err := row.Scan(&p.ID, &p.TenantID, &p.CampaignID, &p.Caption, &imageRef, &sched, &p.Status, &lastErr, &published, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Post{}, fmt.Errorf("post: %w", ErrNotFound)
	}
	if err != nil {
		return models.Post{}, fmt.Errorf("scan post: %w", err)
	}
	p.ImageRef = textPtr(imageRef)
	p.LastError = textPtr(lastErr)
	p.ScheduledAt = tsPtr(sched)
	p.PublishedAt = tsPtr(published)
	return p, nil
}

func scanPostTarget(row rowScanner) (models.PostTarget, error) {
	var pt models.PostTarget
	var externalID, lastErr pgtype.Text
	var published pgtype.Timestamptz
	err := row.Scan(&pt.ID, &pt.TenantID, &pt.PostID, &pt.TargetID, &externalID, &pt.Status, &pt.ScheduledAt, &lastErr, &published, &pt.CreatedAt, &pt.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.PostTarget{}, fmt.Errorf("post target: %w", ErrNotFound)
	}
	if err != nil {
		return models.PostTarget{}, fmt.Errorf("scan post target: %w", err)
	}
	pt.ExternalID = textPtr(externalID)
	pt.LastError = textPtr(lastErr)
	pt.PublishedAt = tsPtr(published)
	return pt, nil
}

func scanTarget(row rowScanner) (models.DistributionTarget, error) {
	var t models.DistributionTarget
	err := row.Scan(&t.ID, &t.TenantID, &t.Type, &t.ExternalAccountID, &t.DisplayName, &t.Token, &t.Connected, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.DistributionTarget{}, fmt.Errorf("distribution target: %w", ErrNotFound)
	}
	if err != nil {
		return models.DistributionTarget{}, fmt.Errorf("scan target: %w", err)
	}
	return t, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func tsPtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time
		return &v
	}
	return nil
}
