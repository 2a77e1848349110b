package api

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"

	"github.com/mcsuite/mcs-orchestrator/internal/auth"
	"github.com/mcsuite/mcs-orchestrator/internal/domain"
	"github.com/mcsuite/mcs-orchestrator/internal/listener"
	"github.com/mcsuite/mcs-orchestrator/internal/orchestration"
	"github.com/mcsuite/mcs-orchestrator/internal/pkg/httputil"
	"github.com/mcsuite/mcs-orchestrator/internal/pkg/logger"
)

// Orchestrator is the service behind the run-control endpoints.
type Orchestrator interface {
	Run(ctx context.Context, event *domain.InboundMessage, tenantID string) (*domain.RunResult, error)
	Replay(ctx context.Context, messageID string) (*domain.RunResult, error)
	GetRun(ctx context.Context, runID string) (*domain.Run, error)
	SubmitManualReview(ctx context.Context, p *auth.Principal, sub orchestration.ReviewSubmission) (*orchestration.ReviewOutcome, error)
}

// Sweeper is the listener control surface.
type Sweeper interface {
	TriggerPoll()
	Status() []listener.ChannelStatus
}

// Handlers carries the endpoint dependencies.
type Handlers struct {
	orch           Orchestrator
	sweeper        Sweeper
	webhook        *listener.WebhookAdapter
	db             *sql.DB
	redis          *redis.Client
	metricsHandler http.Handler
}

// NewHandlers wires the admin endpoints. Nil collaborators disable the
// corresponding endpoint behavior (tests and partial deployments).
func NewHandlers(orch Orchestrator, sweeper Sweeper, webhook *listener.WebhookAdapter,
	db *sql.DB, redisClient *redis.Client, metricsHandler http.Handler) *Handlers {
	return &Handlers{
		orch:           orch,
		sweeper:        sweeper,
		webhook:        webhook,
		db:             db,
		redis:          redisClient,
		metricsHandler: metricsHandler,
	}
}

// RunSalesEmail starts a full orchestration run for the posted message.
func (h *Handlers) RunSalesEmail(w http.ResponseWriter, r *http.Request) {
	var event domain.InboundMessage
	if !httputil.Decode(w, r, &event) {
		return
	}

	res, err := h.orch.Run(r.Context(), &event, tenantID(r))
	if err != nil {
		var oe *domain.OrchestratorError
		if errors.As(err, &oe) && oe.Code == domain.CodeInvalidDecision {
			httputil.ErrorCoded(w, http.StatusBadRequest, oe.Code, oe.Reason)
			return
		}
		logger.Error("api: run failed",
			"request_id", r.Header.Get("X-Request-ID"), "error", err.Error())
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, res)
}

// Replay returns the terminal result of the last run for a message.
func (h *Handlers) Replay(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MessageID string `json:"message_id"`
	}
	if !httputil.Decode(w, r, &req) {
		return
	}
	if req.MessageID == "" {
		httputil.BadRequest(w, "message_id is required")
		return
	}

	res, err := h.orch.Replay(r.Context(), req.MessageID)
	if err != nil {
		writeOrchestratorError(w, err)
		return
	}
	httputil.OK(w, res)
}

// SubmitManualReview applies a reviewer decision. Rejected decisions come
// back 200 with ok:false and a stable error_code.
func (h *Handlers) SubmitManualReview(w http.ResponseWriter, r *http.Request) {
	var sub orchestration.ReviewSubmission
	if !httputil.Decode(w, r, &sub) {
		return
	}
	if sub.RunID == "" {
		httputil.BadRequest(w, "run_id is required")
		return
	}

	out, err := h.orch.SubmitManualReview(r.Context(), auth.FromContext(r.Context()), sub)
	if err != nil {
		var oe *domain.OrchestratorError
		if errors.As(err, &oe) {
			httputil.OK(w, map[string]any{
				"ok":         false,
				"run_id":     sub.RunID,
				"error_code": oe.Code,
				"reason":     oe.Reason,
			})
			return
		}
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, out)
}

// GetRun returns the persisted run record with its redacted state.
func (h *Handlers) GetRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.orch.GetRun(r.Context(), chi.URLParam(r, "run_id"))
	if err != nil {
		writeOrchestratorError(w, err)
		return
	}
	httputil.OK(w, run)
}

// TriggerPoll wakes every channel loop for an immediate sweep.
func (h *Handlers) TriggerPoll(w http.ResponseWriter, r *http.Request) {
	if h.sweeper == nil {
		httputil.ErrorCoded(w, http.StatusServiceUnavailable,
			"LISTENER_DISABLED", "no listener is running")
		return
	}
	h.sweeper.TriggerPoll()
	httputil.OK(w, map[string]string{"status": "ok"})
}

// ListenerStatus reports the per-channel loop state.
func (h *Handlers) ListenerStatus(w http.ResponseWriter, r *http.Request) {
	if h.sweeper == nil {
		httputil.OK(w, map[string]any{"channels": []any{}})
		return
	}
	httputil.OK(w, map[string]any{"channels": h.sweeper.Status()})
}

// WebhookInbound accepts a pushed message, buffers it for the sweep loop
// and triggers an immediate poll.
func (h *Handlers) WebhookInbound(w http.ResponseWriter, r *http.Request) {
	if h.webhook == nil {
		httputil.ErrorCoded(w, http.StatusServiceUnavailable,
			"LISTENER_DISABLED", "webhook channel is not enabled")
		return
	}
	var event domain.InboundMessage
	if !httputil.Decode(w, r, &event) {
		return
	}
	uid, err := h.webhook.Enqueue(&event)
	if err != nil {
		var oe *domain.OrchestratorError
		if errors.As(err, &oe) {
			httputil.ErrorCoded(w, http.StatusBadRequest, oe.Code, oe.Reason)
			return
		}
		httputil.BadRequest(w, err.Error())
		return
	}
	if h.sweeper != nil {
		h.sweeper.TriggerPoll()
	}
	httputil.JSON(w, http.StatusAccepted, map[string]string{
		"status":       "queued",
		"external_uid": uid,
	})
}

// Health checks the DB and Redis and reports overall status.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	checks := map[string]string{}
	healthy := true

	if h.db != nil {
		if err := h.db.PingContext(ctx); err != nil {
			checks["database"] = err.Error()
			healthy = false
		} else {
			checks["database"] = "ok"
		}
	}
	if h.redis != nil {
		if err := h.redis.Ping(ctx).Err(); err != nil {
			checks["redis"] = err.Error()
			healthy = false
		} else {
			checks["redis"] = "ok"
		}
	}

	status := http.StatusOK
	body := map[string]any{"status": "ok", "checks": checks}
	if !healthy {
		status = http.StatusServiceUnavailable
		body["status"] = "degraded"
	}
	httputil.JSON(w, status, body)
}

// writeOrchestratorError maps coded service errors onto HTTP statuses.
func writeOrchestratorError(w http.ResponseWriter, err error) {
	var oe *domain.OrchestratorError
	if !errors.As(err, &oe) {
		httputil.InternalError(w, err)
		return
	}
	switch oe.Code {
	case domain.CodeRunNotFound:
		httputil.ErrorCoded(w, http.StatusNotFound, oe.Code, oe.Reason)
	case domain.CodePermissionDenied:
		httputil.ErrorCoded(w, http.StatusForbidden, oe.Code, oe.Reason)
	case domain.CodeRunNotInManualReview, domain.CodeInvalidDecision:
		httputil.ErrorCoded(w, http.StatusConflict, oe.Code, oe.Reason)
	default:
		httputil.ErrorCoded(w, http.StatusInternalServerError, oe.Code, oe.Reason)
	}
}

func tenantID(r *http.Request) string {
	if p := auth.FromContext(r.Context()); p != nil {
		return p.TenantID
	}
	return ""
}
