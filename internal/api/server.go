package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"social-publisher/internal/config"
	"social-publisher/internal/models"
	"social-publisher/internal/ratelimit"
	"social-publisher/internal/store"
	"social-publisher/internal/telemetry"
	"social-publisher/internal/tenant"
	"social-publisher/internal/trigger"
)

// Backoffice is the persistence surface the API needs; *store.Store
// satisfies it.
type Backoffice interface {
	CreateTenant(ctx context.Context, name string) (models.Tenant, error)
	CreateCampaign(ctx context.Context, scope tenant.Scope, p store.CampaignParams) (models.Campaign, error)
	GetCampaign(ctx context.Context, scope tenant.Scope, id string) (models.Campaign, error)
	UpdateCampaign(ctx context.Context, scope tenant.Scope, id string, p store.CampaignParams) (models.Campaign, error)
	AdvanceCampaign(ctx context.Context, scope tenant.Scope, id string) (models.Campaign, error)
	UnscheduleCampaign(ctx context.Context, scope tenant.Scope, id string) (models.Campaign, error)
	ConnectTarget(ctx context.Context, scope tenant.Scope, p store.ConnectTargetParams) (models.DistributionTarget, error)
	ListTargets(ctx context.Context, scope tenant.Scope) ([]models.DistributionTarget, error)
	DisconnectTarget(ctx context.Context, scope tenant.Scope, id string) error
	ReconnectTarget(ctx context.Context, scope tenant.Scope, id, token string) error
	CreatePost(ctx context.Context, scope tenant.Scope, p store.CreatePostParams) (models.Post, []models.PostTarget, error)
	GetPost(ctx context.Context, scope tenant.Scope, id string) (models.Post, error)
	DeletePost(ctx context.Context, scope tenant.Scope, id string) error
	ListPostTargets(ctx context.Context, scope tenant.Scope, postID string) ([]models.PostTarget, error)
	RetryPostTarget(ctx context.Context, scope tenant.Scope, id string) error
	CreateTrigger(ctx context.Context, scope tenant.Scope, p store.CreateTriggerParams) (models.ScheduledTrigger, error)
}

// Runner lets operators fire an orchestrator pass on demand.
type Runner interface {
	RunOnce(ctx context.Context) error
}

// Server wires HTTP handlers for the back-office API.
type Server struct {
	cfg     config.Config
	store   Backoffice
	limiter *ratelimit.TokenBucket
	runner  Runner
}

// New constructs the API server. limiter and runner may be nil.
func New(cfg config.Config, st Backoffice, limiter *ratelimit.TokenBucket, runner Runner) *Server {
	return &Server{cfg: cfg, store: st, limiter: limiter, runner: runner}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/tenants", s.handleCreateTenant)

	r.Post("/campaigns", s.tenantLimited(s.handleCreateCampaign))
	r.Get("/campaigns/{id}", s.tenantScoped(s.handleGetCampaign))
	r.Put("/campaigns/{id}", s.tenantLimited(s.handleUpdateCampaign))
	r.Post("/campaigns/{id}/advance", s.tenantLimited(s.handleAdvanceCampaign))
	r.Post("/campaigns/{id}/unschedule", s.tenantLimited(s.handleUnscheduleCampaign))

	r.Post("/targets", s.tenantLimited(s.handleConnectTarget))
	r.Get("/targets", s.tenantScoped(s.handleListTargets))
	r.Post("/targets/{id}/disconnect", s.tenantLimited(s.handleDisconnectTarget))
	r.Post("/targets/{id}/reconnect", s.tenantLimited(s.handleReconnectTarget))

	r.Post("/posts", s.tenantLimited(s.handleCreatePost))
	r.Get("/posts/{id}", s.tenantScoped(s.handleGetPost))
	r.Delete("/posts/{id}", s.tenantLimited(s.handleDeletePost))
	r.Post("/post-targets/{id}/retry", s.tenantLimited(s.handleRetryPostTarget))

	r.Post("/triggers", s.tenantLimited(s.handleCreateTrigger))

	r.Post("/orchestrator/run", s.handleRunOrchestrator)
	return r
}

type scopedHandler func(w http.ResponseWriter, r *http.Request, scope tenant.Scope)

// tenantScoped resolves the tenant before the handler runs; no handler ever
// sees a request without a scope.
func (s *Server) tenantScoped(next scopedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		scope, err := tenant.FromRequest(r)
		if err != nil {
			writeError(w, err)
			return
		}
		next(w, r, scope)
	}
}

// tenantLimited adds per-tenant rate limiting on top of scope resolution for
// mutating routes.
func (s *Server) tenantLimited(next scopedHandler) http.HandlerFunc {
	return s.tenantScoped(func(w http.ResponseWriter, r *http.Request, scope tenant.Scope) {
		if s.limiter != nil {
			tid, err := scope.Require()
			if err != nil {
				writeError(w, err)
				return
			}
			allowed, _, err := s.limiter.Allow(r.Context(), fmt.Sprintf("rl:%s", tid))
			if err != nil {
				http.Error(w, "rate limit error", http.StatusInternalServerError)
				return
			}
			if !allowed {
				telemetry.RateLimitRejects.Inc()
				http.Error(w, "rate limited", http.StatusTooManyRequests)
				return
			}
		}
		next(w, r, scope)
	})
}

type createTenantRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleCreateTenant(w http.ResponseWriter, r *http.Request) {
	var req createTenantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		http.Error(w, "name is required", http.StatusBadRequest)
		return
	}
	t, err := s.store.CreateTenant(r.Context(), req.Name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

type campaignRequest struct {
	Name        string     `json:"name"`
	Owner       string     `json:"owner"`
	WindowStart *time.Time `json:"window_start"`
	WindowEnd   *time.Time `json:"window_end"`
}

func (s *Server) handleCreateCampaign(w http.ResponseWriter, r *http.Request, scope tenant.Scope) {
	var req campaignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		http.Error(w, "name is required", http.StatusBadRequest)
		return
	}
	c, err := s.store.CreateCampaign(r.Context(), scope, store.CampaignParams{
		Name: req.Name, Owner: req.Owner, WindowStart: req.WindowStart, WindowEnd: req.WindowEnd,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) handleGetCampaign(w http.ResponseWriter, r *http.Request, scope tenant.Scope) {
	c, err := s.store.GetCampaign(r.Context(), scope, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleUpdateCampaign(w http.ResponseWriter, r *http.Request, scope tenant.Scope) {
	var req campaignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	c, err := s.store.UpdateCampaign(r.Context(), scope, chi.URLParam(r, "id"), store.CampaignParams{
		Name: req.Name, Owner: req.Owner, WindowStart: req.WindowStart, WindowEnd: req.WindowEnd,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleAdvanceCampaign(w http.ResponseWriter, r *http.Request, scope tenant.Scope) {
	c, err := s.store.AdvanceCampaign(r.Context(), scope, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleUnscheduleCampaign(w http.ResponseWriter, r *http.Request, scope tenant.Scope) {
	c, err := s.store.UnscheduleCampaign(r.Context(), scope, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

type connectTargetRequest struct {
	Type              string `json:"type"`
	ExternalAccountID string `json:"external_account_id"`
	DisplayName       string `json:"display_name"`
	Token             string `json:"token"`
}

func (s *Server) handleConnectTarget(w http.ResponseWriter, r *http.Request, scope tenant.Scope) {
	var req connectTargetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Type == "" || req.ExternalAccountID == "" || req.Token == "" {
		http.Error(w, "type, external_account_id and token are required", http.StatusBadRequest)
		return
	}
	t, err := s.store.ConnectTarget(r.Context(), scope, store.ConnectTargetParams{
		Type:              req.Type,
		ExternalAccountID: req.ExternalAccountID,
		DisplayName:       req.DisplayName,
		Token:             req.Token,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) handleListTargets(w http.ResponseWriter, r *http.Request, scope tenant.Scope) {
	targets, err := s.store.ListTargets(r.Context(), scope)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"targets": targets})
}

func (s *Server) handleDisconnectTarget(w http.ResponseWriter, r *http.Request, scope tenant.Scope) {
	if err := s.store.DisconnectTarget(r.Context(), scope, chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "disconnected"})
}

type reconnectRequest struct {
	Token string `json:"token"`
}

func (s *Server) handleReconnectTarget(w http.ResponseWriter, r *http.Request, scope tenant.Scope) {
	var req reconnectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Token == "" {
		http.Error(w, "token is required", http.StatusBadRequest)
		return
	}
	if err := s.store.ReconnectTarget(r.Context(), scope, chi.URLParam(r, "id"), req.Token); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "connected"})
}

type createPostRequest struct {
	CampaignID        string               `json:"campaign_id"`
	Caption           string               `json:"caption"`
	ImageRef          *string              `json:"image_ref"`
	ScheduledAt       *time.Time           `json:"scheduled_at"`
	TargetIDs         []string             `json:"target_ids"`
	ScheduleOverrides map[string]time.Time `json:"schedule_overrides"`
}

type createPostResponse struct {
	Post    models.Post         `json:"post"`
	Targets []models.PostTarget `json:"targets"`
}

func (s *Server) handleCreatePost(w http.ResponseWriter, r *http.Request, scope tenant.Scope) {
	var req createPostRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.CampaignID == "" {
		http.Error(w, "campaign_id is required", http.StatusBadRequest)
		return
	}
	post, targets, err := s.store.CreatePost(r.Context(), scope, store.CreatePostParams{
		CampaignID:        req.CampaignID,
		Caption:           req.Caption,
		ImageRef:          req.ImageRef,
		ScheduledAt:       req.ScheduledAt,
		TargetIDs:         req.TargetIDs,
		ScheduleOverrides: req.ScheduleOverrides,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, createPostResponse{Post: post, Targets: targets})
}

func (s *Server) handleGetPost(w http.ResponseWriter, r *http.Request, scope tenant.Scope) {
	id := chi.URLParam(r, "id")
	post, err := s.store.GetPost(r.Context(), scope, id)
	if err != nil {
		writeError(w, err)
		return
	}
	targets, err := s.store.ListPostTargets(r.Context(), scope, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, createPostResponse{Post: post, Targets: targets})
}

func (s *Server) handleDeletePost(w http.ResponseWriter, r *http.Request, scope tenant.Scope) {
	if err := s.store.DeletePost(r.Context(), scope, chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleRetryPostTarget(w http.ResponseWriter, r *http.Request, scope tenant.Scope) {
	if err := s.store.RetryPostTarget(r.Context(), scope, chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "pending"})
}

type createTriggerRequest struct {
	Type     string  `json:"type"`
	PostID   *string `json:"post_id"`
	CronExpr string  `json:"cron_expr"`
}

func (s *Server) handleCreateTrigger(w http.ResponseWriter, r *http.Request, scope tenant.Scope) {
	var req createTriggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Type == "" || req.CronExpr == "" {
		http.Error(w, "type and cron_expr are required", http.StatusBadRequest)
		return
	}
	if _, err := trigger.ParseSchedule(req.CronExpr); err != nil {
		http.Error(w, fmt.Sprintf("invalid cron_expr: %v", err), http.StatusBadRequest)
		return
	}
	t, err := s.store.CreateTrigger(r.Context(), scope, store.CreateTriggerParams{
		Type: req.Type, PostID: req.PostID, CronExpr: req.CronExpr,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

// handleRunOrchestrator fires one pass on demand. Safe to call repeatedly:
// the lease and the per-item claim make overlapping invocations no-ops.
func (s *Server) handleRunOrchestrator(w http.ResponseWriter, r *http.Request) {
	if s.runner == nil {
		http.Error(w, "orchestrator not available on this instance", http.StatusServiceUnavailable)
		return
	}
	if err := s.runner.RunOnce(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "completed"})
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, tenant.ErrScopeViolation):
		http.Error(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, store.ErrInvalidTransition):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
