package models

import (
	"time"
)

// Campaign lifecycle stages persisted in Postgres.
const (
	StageDraft     = "draft"
	StageInReview  = "in_review"
	StageScheduled = "scheduled"
	StageReady     = "ready"
	StagePublished = "published"
)

// Publish statuses shared by Post and PostTarget.
const (
	PublishPending    = "pending"
	PublishPublishing = "publishing"
	PublishPublished  = "published"
	PublishFailed     = "failed"
)

// Tenant is a store whose data is isolated from every other store.
type Tenant struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Campaign is a marketing initiative owned by a tenant.
type Campaign struct {
	ID          string     `json:"id"`
	TenantID    string     `json:"tenant_id"`
	Name        string     `json:"name"`
	Stage       string     `json:"stage"`
	WindowStart *time.Time `json:"window_start,omitempty"`
	WindowEnd   *time.Time `json:"window_end,omitempty"`
	Owner       string     `json:"owner"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Post is one piece of content belonging to a Campaign.
type Post struct {
	ID          string     `json:"id"`
	TenantID    string     `json:"tenant_id"`
	CampaignID  string     `json:"campaign_id"`
	Caption     string     `json:"caption"`
	ImageRef    *string    `json:"image_ref,omitempty"`
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
	Status      string     `json:"status"`
	LastError   *string    `json:"last_error,omitempty"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// PostTarget is one fan-out unit: a (Post x DistributionTarget) pair.
// Each row progresses through its own publish state machine.
type PostTarget struct {
	ID          string     `json:"id"`
	TenantID    string     `json:"tenant_id"`
	PostID      string     `json:"post_id"`
	TargetID    string     `json:"target_id"`
	ExternalID  *string    `json:"external_id,omitempty"`
	Status      string     `json:"status"`
	ScheduledAt time.Time  `json:"scheduled_at"`
	LastError   *string    `json:"last_error,omitempty"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// DistributionTarget is a tenant-owned external destination, e.g. a
// connected social page. Never hard-deleted; disconnects flip Connected.
type DistributionTarget struct {
	ID                string    `json:"id"`
	TenantID          string    `json:"tenant_id"`
	Type              string    `json:"type"`
	ExternalAccountID string    `json:"external_account_id"`
	DisplayName       string    `json:"display_name"`
	Token             string    `json:"-"`
	Connected         bool      `json:"connected"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// ScheduledTrigger is a recurring-task descriptor consumed by the trigger
// runner, not by the orchestrator itself.
type ScheduledTrigger struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	Type      string    `json:"type"`
	PostID    *string   `json:"post_id,omitempty"`
	CronExpr  string    `json:"cron_expr"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// MaxCaptionLength bounds Post captions; the strictest platform family caps
// captions at 2200 characters.
const MaxCaptionLength = 2200

var stageOrder = map[string]int{
	StageDraft:     0,
	StageInReview:  1,
	StageScheduled: 2,
	StageReady:     3,
	StagePublished: 4,
}

// ValidStage reports whether s is a known campaign stage.
func ValidStage(s string) bool {
	_, ok := stageOrder[s]
	return ok
}

// NextStage returns the stage following s, or "" when s is terminal.
func NextStage(s string) string {
	switch s {
	case StageDraft:
		return StageInReview
	case StageInReview:
		return StageScheduled
	case StageScheduled:
		return StageReady
	case StageReady:
		return StagePublished
	default:
		return ""
	}
}

// CampaignEditable reports whether content-affecting fields may change.
// Once scheduled or later, edits require an explicit unschedule first.
func CampaignEditable(stage string) bool {
	return stage == StageDraft || stage == StageInReview
}

// CanTransitionStage enforces monotonic forward movement, plus the single
// backward edge scheduled -> in_review used by unschedule.
func CanTransitionStage(from, to string) bool {
	fo, ok := stageOrder[from]
	if !ok {
		return false
	}
	t, ok := stageOrder[to]
	if !ok {
		return false
	}
	if from == StageScheduled && to == StageInReview {
		return true
	}
	return t == fo+1
}

// CanTransitionPublish enforces the publish state machine shared by Post
// and PostTarget. Published is terminal; failed may only be reset to
// pending by an explicit retry action.
func CanTransitionPublish(from, to string) bool {
	switch from {
	case PublishPending:
		return to == PublishPublishing
	case PublishPublishing:
		return to == PublishPublished || to == PublishFailed
	case PublishFailed:
		return to == PublishPending
	default:
		return false
	}
}
