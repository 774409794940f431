package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/teacurran/village-homepage/internal/audit"
	"github.com/teacurran/village-homepage/internal/auth"
	"github.com/teacurran/village-homepage/pkg/flags"
	"github.com/teacurran/village-homepage/pkg/jobqueue"
	"github.com/teacurran/village-homepage/pkg/karma"
	"github.com/teacurran/village-homepage/pkg/ratelimit"
)

// AdminHandler serves the operator mutation endpoints. Every mutation is
// role-gated and leaves an operational audit entry; the domain-level
// audits (flag, karma) are written transactionally by the stores.
type AdminHandler struct {
	pool    *pgxpool.Pool
	flags   *flags.Store
	rules   *ratelimit.RuleStore
	queue   *jobqueue.Queue
	karma   *karma.Engine
	auditor *audit.Writer
	logger  *slog.Logger
}

// NewAdminHandler creates the admin handler.
func NewAdminHandler(pool *pgxpool.Pool, flagStore *flags.Store, rules *ratelimit.RuleStore, queue *jobqueue.Queue, karmaEngine *karma.Engine, auditor *audit.Writer, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{
		pool:    pool,
		flags:   flagStore,
		rules:   rules,
		queue:   queue,
		karma:   karmaEngine,
		auditor: auditor,
		logger:  logger,
	}
}

// Routes mounts the admin endpoints with least-privilege role gates.
func (h *AdminHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Group(func(r chi.Router) {
		r.Use(auth.RequireMinRole(auth.RoleReadOnly))
		r.Get("/flags", h.handleListFlags)
		r.Get("/flags/{key}/audits", h.handleFlagAudits)
		r.Get("/jobs/dead", h.handleListDead)
	})

	r.Group(func(r chi.Router) {
		r.Use(auth.RequireMinRole(auth.RoleSupport))
		r.Post("/karma/adjust", h.handleKarmaAdjust)
		r.Post("/jobs/{id}/revive", h.handleRevive)
	})

	r.Group(func(r chi.Router) {
		r.Use(auth.RequireMinRole(auth.RoleOps))
		r.Put("/flags/{key}", h.handleUpsertFlag)
		r.Put("/rate-limits", h.handleUpsertRule)
		r.Post("/gdpr/export-sweep", h.handleExportSweep)
	})

	return r
}

func (h *AdminHandler) audit(r *http.Request, action, resource, resourceID string, detail any) {
	id := auth.FromContext(r.Context())
	raw, _ := json.Marshal(detail)
	entry := audit.Entry{
		Action:     action,
		Resource:   resource,
		ResourceID: resourceID,
		Detail:     raw,
		IPAddress:  r.RemoteAddr,
	}
	if id != nil {
		entry.ActorID = id.ActorID()
		entry.ActorRole = id.Role
	}
	h.auditor.Log(entry)
}

func (h *AdminHandler) handleListFlags(w http.ResponseWriter, r *http.Request) {
	list, err := h.flags.List(r.Context())
	if err != nil {
		h.logger.Error("listing flags", "error", err)
		RespondError(w, http.StatusInternalServerError, "internal", "failed to list flags")
		return
	}
	Respond(w, http.StatusOK, list)
}

type upsertFlagRequest struct {
	Description       *string   `json:"description"`
	Enabled           *bool     `json:"enabled"`
	RolloutPercentage *int      `json:"rollout_percentage" validate:"omitempty,gte=0,lte=100"`
	Whitelist         *[]string `json:"whitelist"`
	AnalyticsEnabled  *bool     `json:"analytics_enabled"`
	Reason            string    `json:"reason"`
}

func (h *AdminHandler) handleUpsertFlag(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	var req upsertFlagRequest
	if !DecodeAndValidate(w, r, &req) {
		return
	}

	id := auth.FromContext(r.Context())
	flag, err := h.flags.Upsert(r.Context(), key, flags.Mutation{
		Description:       req.Description,
		Enabled:           req.Enabled,
		RolloutPercentage: req.RolloutPercentage,
		Whitelist:         req.Whitelist,
		AnalyticsEnabled:  req.AnalyticsEnabled,
	}, id.ActorID(), req.Reason)
	if err != nil {
		h.logger.Error("upserting flag", "flag", key, "error", err)
		RespondError(w, http.StatusInternalServerError, "internal", "failed to update flag")
		return
	}

	h.audit(r, "flag_upsert", "feature_flag", key, req)
	Respond(w, http.StatusOK, flag)
}

func (h *AdminHandler) handleFlagAudits(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	params, err := ParseOffsetParams(r)
	if err != nil {
		RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	audits, err := h.flags.Audits(r.Context(), key, params.PageSize)
	if err != nil {
		h.logger.Error("listing flag audits", "flag", key, "error", err)
		RespondError(w, http.StatusInternalServerError, "internal", "failed to list audits")
		return
	}
	Respond(w, http.StatusOK, audits)
}

type upsertRuleRequest struct {
	Action        string `json:"action" validate:"required"`
	Tier          string `json:"tier" validate:"required,oneof=anonymous logged_in trusted"`
	LimitCount    int    `json:"limit_count" validate:"required,gte=1"`
	WindowSeconds int    `json:"window_seconds" validate:"required,gte=1"`
}

func (h *AdminHandler) handleUpsertRule(w http.ResponseWriter, r *http.Request) {
	var req upsertRuleRequest
	if !DecodeAndValidate(w, r, &req) {
		return
	}

	rule := ratelimit.Rule{
		Action:        req.Action,
		Tier:          ratelimit.Tier(req.Tier),
		LimitCount:    req.LimitCount,
		WindowSeconds: req.WindowSeconds,
	}
	if err := h.rules.Upsert(r.Context(), rule); err != nil {
		h.logger.Error("upserting rate limit rule", "action", req.Action, "error", err)
		RespondError(w, http.StatusInternalServerError, "internal", "failed to update rule")
		return
	}

	h.audit(r, "rate_limit_rule_upsert", "rate_limit_rule", req.Action+":"+req.Tier, req)
	Respond(w, http.StatusOK, rule)
}

type karmaAdjustRequest struct {
	UserID string `json:"user_id" validate:"required,uuid"`
	Delta  int    `json:"delta" validate:"required"`
	Reason string `json:"reason" validate:"required"`
}

func (h *AdminHandler) handleKarmaAdjust(w http.ResponseWriter, r *http.Request) {
	var req karmaAdjustRequest
	if !DecodeAndValidate(w, r, &req) {
		return
	}
	userID := uuid.MustParse(req.UserID)
	id := auth.FromContext(r.Context())

	tx, err := h.pool.Begin(r.Context())
	if err != nil {
		RespondError(w, http.StatusInternalServerError, "internal", "failed to begin adjustment")
		return
	}
	defer tx.Rollback(r.Context())

	res, err := h.karma.Adjust(r.Context(), tx, userID, karma.AdminAdjust(req.Delta), id.ActorID())
	if err != nil {
		h.logger.Error("admin karma adjust", "user_id", userID, "error", err)
		RespondError(w, http.StatusInternalServerError, "internal", "failed to adjust karma")
		return
	}
	if err := tx.Commit(r.Context()); err != nil {
		RespondError(w, http.StatusInternalServerError, "internal", "failed to commit adjustment")
		return
	}

	h.audit(r, "karma_adjust", "user", req.UserID, req)
	Respond(w, http.StatusOK, res)
}

func (h *AdminHandler) handleRevive(w http.ResponseWriter, r *http.Request) {
	jobID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		RespondError(w, http.StatusBadRequest, "bad_request", "malformed job id")
		return
	}

	err = h.queue.Revive(r.Context(), jobID)
	switch {
	case errors.Is(err, jobqueue.ErrNotFound):
		RespondError(w, http.StatusNotFound, "not_found", "no such job")
		return
	case errors.Is(err, jobqueue.ErrNotDead):
		RespondError(w, http.StatusConflict, "conflict", "job is not in the dead letter state")
		return
	case err != nil:
		h.logger.Error("reviving job", "job_id", jobID, "error", err)
		RespondError(w, http.StatusInternalServerError, "internal", "failed to revive job")
		return
	}

	h.audit(r, "job_revive", "job", jobID.String(), nil)
	Respond(w, http.StatusOK, map[string]string{"status": "revived"})
}

func (h *AdminHandler) handleListDead(w http.ResponseWriter, r *http.Request) {
	params, err := ParseOffsetParams(r)
	if err != nil {
		RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	jobs, err := h.queue.ListDead(r.Context(), params.PageSize, params.Offset)
	if err != nil {
		h.logger.Error("listing dead jobs", "error", err)
		RespondError(w, http.StatusInternalServerError, "internal", "failed to list dead jobs")
		return
	}
	Respond(w, http.StatusOK, jobs)
}

func (h *AdminHandler) handleExportSweep(w http.ResponseWriter, r *http.Request) {
	id, err := h.queue.Enqueue(r.Context(), "gdpr_export_sweep", struct{}{}, jobqueue.Options{
		Family: jobqueue.FamilyBulk,
	})
	if err != nil {
		h.logger.Error("enqueueing export sweep", "error", err)
		RespondError(w, http.StatusInternalServerError, "internal", "failed to enqueue sweep")
		return
	}

	h.audit(r, "gdpr_export_sweep", "job", id.String(), nil)
	Respond(w, http.StatusAccepted, map[string]string{"job_id": fmt.Sprint(id)})
}
