package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"procurement-automation/internal/audit"
	"procurement-automation/internal/config"
	"procurement-automation/internal/idempotency"
	"procurement-automation/internal/killswitch"
	"procurement-automation/internal/models"
	"procurement-automation/internal/queue"
	"procurement-automation/internal/ratelimit"
	"procurement-automation/internal/telemetry"
)

// AdminStore is the Postgres-backed surface the admin API exposes: the
// operator approval queue and spend reporting.
type AdminStore interface {
	PendingApprovals(ctx context.Context, tenantID string, limit int) ([]models.ApprovalRequest, error)
	ResolveApproval(ctx context.Context, id, status, resolvedBy string) error
	GetPurchaseOrder(ctx context.Context, id string) (models.PurchaseOrder, error)
	DailyAutoCreatedValue(ctx context.Context, tenantID string, since time.Time) (float64, error)
}

// Server wires the ingest and admin HTTP handlers.
type Server struct {
	cfg     config.Config
	redis   *redis.Client
	queue   *queue.RedisQueue
	limiter *ratelimit.TokenBucket
	kill    *killswitch.Switch
	idem    *idempotency.Manager
	audit   *audit.Service
	store   AdminStore
	logger  *logrus.Logger
}

// New constructs the API server. store may be nil when no Postgres-backed
// admin surface is configured.
func New(cfg config.Config, rdb *redis.Client, q *queue.RedisQueue, limiter *ratelimit.TokenBucket, kill *killswitch.Switch, idem *idempotency.Manager, auditSvc *audit.Service, store AdminStore, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.New()
	}
	return &Server{
		cfg:     cfg,
		redis:   rdb,
		queue:   q,
		limiter: limiter,
		kill:    kill,
		idem:    idem,
		audit:   auditSvc,
		store:   store,
		logger:  logger,
	}
}

// Router builds the HTTP router. Mutating admin routes sit behind a bearer
// token guard when an admin secret is configured.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())
	r.Post("/jobs", s.handleEnqueue)

	r.Route("/admin", func(admin chi.Router) {
		admin.Get("/killswitch", s.handleKillSwitchStatus)
		admin.Get("/idempotency/{key}", s.handleIdempotencyGet)
		admin.Get("/decisions", s.handleDecisions)
		admin.Get("/dlq", s.handleDLQ)
		admin.Get("/queue/depth", s.handleQueueDepth)
		admin.Get("/approvals", s.handleApprovalsList)
		admin.Get("/orders/{id}", s.handleOrderGet)
		admin.Get("/spend", s.handleSpend)

		admin.Group(func(mutating chi.Router) {
			mutating.Use(RequireOperator(s.cfg.AdminJWTSecret))
			mutating.Post("/killswitch", s.handleKillSwitchActivate)
			mutating.Delete("/killswitch", s.handleKillSwitchDeactivate)
			mutating.Delete("/idempotency/{key}", s.handleIdempotencyClear)
			mutating.Post("/approvals/{id}", s.handleApprovalResolve)
		})
	})

	return r
}

// handleHealth reports store reachability and the global kill-switch state.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if err := s.redis.Ping(r.Context()).Err(); err != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	killed, _ := s.kill.GlobalActive(r.Context())
	writeJSON(w, code, map[string]any{
		"status":             status,
		"kill_switch_active": killed,
	})
}

type enqueueRequest struct {
	TriggerEvent   string         `json:"trigger_event"`
	ActionType     string         `json:"action_type"`
	RuleID         string         `json:"rule_id"`
	IdempotencyKey string         `json:"idempotency_key"`
	Context        map[string]any `json:"context"`
	ActionParams   map[string]any `json:"action_params"`
	Approval       *models.ApprovalPolicy `json:"approval"`
	Fallback       *models.FallbackPolicy `json:"fallback"`
	DelaySeconds   int            `json:"delay_seconds"`
	MaxAttempts    int            `json:"max_attempts"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.TriggerEvent == "" {
		http.Error(w, "trigger_event is required", http.StatusBadRequest)
		return
	}
	if req.IdempotencyKey == "" {
		http.Error(w, "idempotency_key is required", http.StatusBadRequest)
		return
	}
	if req.Context == nil {
		req.Context = map[string]any{}
	}
	tenant := tenantFromRequest(r)

	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), fmt.Sprintf("rl:%s", tenant))
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

	job := models.AutomationJob{
		ID:             uuid.New().String(),
		TenantID:       tenant,
		TriggerEvent:   req.TriggerEvent,
		ActionType:     req.ActionType,
		RuleID:         req.RuleID,
		IdempotencyKey: req.IdempotencyKey,
		Context:        req.Context,
		ActionParams:   req.ActionParams,
		MaxAttempts:    req.MaxAttempts,
		EnqueuedAt:     time.Now(),
	}
	if req.Approval != nil {
		job.Approval = *req.Approval
	}
	if req.Fallback != nil {
		job.Fallback = *req.Fallback
	}
	if req.DelaySeconds > 0 {
		job.EnqueuedAt = time.Now().Add(time.Duration(req.DelaySeconds) * time.Second)
	}

	if err := s.queue.Enqueue(r.Context(), job); err != nil {
		s.logger.Warnf("api: enqueue failed: %v", err)
		http.Error(w, "enqueue failed", http.StatusInternalServerError)
		return
	}
	telemetry.JobsEnqueued.Inc()
	writeJSON(w, http.StatusAccepted, map[string]any{"job_id": job.ID})
}

type killSwitchRequest struct {
	TenantID string `json:"tenant_id"`
	Reason   string `json:"reason"`
}

func (s *Server) handleKillSwitchActivate(w http.ResponseWriter, r *http.Request) {
	var req killSwitchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if err := s.kill.Activate(r.Context(), req.TenantID, req.Reason); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	scope := "global"
	if req.TenantID != "" {
		scope = req.TenantID
	}
	s.logger.Infof("api: kill switch activated scope=%s", scope)
	writeJSON(w, http.StatusOK, map[string]string{"status": "active", "scope": scope})
}

func (s *Server) handleKillSwitchDeactivate(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant_id")
	if err := s.kill.Deactivate(r.Context(), tenantID); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "inactive"})
}

func (s *Server) handleKillSwitchStatus(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant_id")
	global, err := s.kill.GlobalActive(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	resp := map[string]any{"global": global}
	if tenantID != "" {
		active, err := s.kill.Active(r.Context(), tenantID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		resp["tenant"] = tenantID
		resp["tenant_active"] = active
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleIdempotencyGet(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	rec, found, err := s.idem.Get(r.Context(), key)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !found {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleIdempotencyClear(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if err := s.idem.Clear(r.Context(), key); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.logger.Infof("api: idempotency key cleared key=%s", key)
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func (s *Server) handleDecisions(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant_id")
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	decisions, err := s.audit.Recent(r.Context(), tenantID, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"decisions": decisions})
}

func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	ids, err := s.queue.DLQPeek(r.Context(), 100)
	if err != nil {
		http.Error(w, "failed to read dlq", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": ids})
}

func (s *Server) handleApprovalsList(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		http.Error(w, "approvals not configured", http.StatusServiceUnavailable)
		return
	}
	tenantID := r.URL.Query().Get("tenant_id")
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	approvals, err := s.store.PendingApprovals(r.Context(), tenantID, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"approvals": approvals})
}

type approvalResolveRequest struct {
	Status     string `json:"status"`
	ResolvedBy string `json:"resolved_by"`
}

func (s *Server) handleApprovalResolve(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		http.Error(w, "approvals not configured", http.StatusServiceUnavailable)
		return
	}
	var req approvalResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Status != models.ApprovalApproved && req.Status != models.ApprovalRejected {
		http.Error(w, "status must be approved or rejected", http.StatusBadRequest)
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.store.ResolveApproval(r.Context(), id, req.Status, req.ResolvedBy); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.logger.Infof("api: approval %s resolved status=%s by=%s", id, req.Status, req.ResolvedBy)
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": req.Status})
}

func (s *Server) handleOrderGet(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		http.Error(w, "order lookup not configured", http.StatusServiceUnavailable)
		return
	}
	po, err := s.store.GetPurchaseOrder(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, po)
}

// handleSpend reports the tenant's auto-created PO value since midnight UTC,
// the window the daily value guardrail operates on.
func (s *Server) handleSpend(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		http.Error(w, "spend reporting not configured", http.StatusServiceUnavailable)
		return
	}
	tenantID := r.URL.Query().Get("tenant_id")
	if tenantID == "" {
		tenantID = "default"
	}
	since := time.Now().UTC().Truncate(24 * time.Hour)
	value, err := s.store.DailyAutoCreatedValue(r.Context(), tenantID, since)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tenant_id": tenantID,
		"since":     since,
		"value":     value,
	})
}

func (s *Server) handleQueueDepth(w http.ResponseWriter, r *http.Request) {
	depth, err := s.queue.ReadyDepth(r.Context())
	if err != nil {
		http.Error(w, "failed to read queue depth", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"depth": depth})
}

func tenantFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Tenant-ID"); v != "" {
		return v
	}
	return "default"
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
