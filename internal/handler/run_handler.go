package handler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"qualisys/internal/limiter"
	"qualisys/internal/middleware"
	"qualisys/internal/schema"
	"qualisys/internal/sse"
	"qualisys/internal/store"
	"qualisys/internal/tasks"
	"qualisys/pkg/logger"
	"qualisys/prometheus"
)

// Agent pipeline stages, in order. Each stage reports a progress event and
// a token count before the run completes.
var agentStages = []struct {
	name   string
	tokens int64
}{
	{"analyzing_repository", 1200},
	{"generating_test_plan", 2400},
	{"writing_test_cases", 3600},
	{"reviewing_output", 800},
}

// heartbeatInterval keeps proxies from closing idle SSE connections.
const heartbeatInterval = 15 * time.Second

// runStore is the slice of the tenant store the run handler uses.
// *store.TenantStore satisfies it; tests substitute fakes.
type runStore interface {
	GetProject(ctx context.Context, sch schema.SafeIdent, id uuid.UUID) (*store.Project, error)
	CreateRun(ctx context.Context, sch schema.SafeIdent, r *store.AgentRun) error
	GetRun(ctx context.Context, sch schema.SafeIdent, id uuid.UUID) (*store.AgentRun, error)
	UpdateRunStatus(ctx context.Context, sch schema.SafeIdent, id uuid.UUID, status, errMsg string) error
	AddRunTokens(ctx context.Context, sch schema.SafeIdent, id uuid.UUID, tokens int64) error
	WriteAudit(ctx context.Context, sch schema.SafeIdent, tenantID uuid.UUID, entry store.AuditEntry)
}

// RunHandler starts agent runs and streams their progress.
type RunHandler struct {
	tenants    runStore
	projects   *ProjectHandler
	budget     *limiter.TokenBudget
	streams    *sse.Manager
	tasks      *tasks.Registry
	log        *zap.Logger
	stageDelay time.Duration
}

// NewRunHandler creates the agent-run handler.
func NewRunHandler(tenants runStore, projects *ProjectHandler, budget *limiter.TokenBudget, streams *sse.Manager, registry *tasks.Registry, log *zap.Logger) *RunHandler {
	return &RunHandler{
		tenants:    tenants,
		projects:   projects,
		budget:     budget,
		streams:    streams,
		tasks:      registry,
		log:        log,
		stageDelay: 2 * time.Second,
	}
}

// Start launches an agent run against a project. The caller needs
// project-level access, and the tenant must be under its monthly token
// budget. The run row and the queued event are written before the handler
// returns; the pipeline itself executes as a supervised background task.
func (h *RunHandler) Start(c echo.Context) error {
	log := logger.FromContext(c)
	prometheus.RecordTenantOperation("run_start")
	tc, _ := middleware.TenantFromEcho(c)
	ctx := c.Request().Context()

	tenant, ident, projectID, _, err := h.projects.resolveProjectAccess(c, tc)
	if err != nil {
		return writeAccessError(c, err)
	}

	var req struct {
		AgentType string `json:"agent_type"`
	}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request"})
	}
	if req.AgentType == "" {
		req.AgentType = "test_generation"
	}

	if _, err := h.tenants.GetProject(ctx, ident, projectID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return c.JSON(http.StatusNotFound, echo.Map{"error": "project not found"})
		}
		log.Error("Project lookup failed", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal error"})
	}

	if err := h.budget.Check(ctx, tenant.Slug); err != nil {
		var exceeded *limiter.BudgetExceededError
		if errors.As(err, &exceeded) {
			prometheus.BudgetRejectionCounter.Inc()
			return c.JSON(http.StatusPaymentRequired, echo.Map{
				"error": "monthly token budget exhausted",
				"code":  "budget_exceeded",
				"used":  exceeded.Used,
				"limit": exceeded.Limit,
			})
		}
		log.Error("Budget check failed", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal error"})
	}

	defer prometheus.TrackDBOperation("insert")(time.Now())
	run := store.AgentRun{
		TenantID:  tenant.ID,
		ProjectID: projectID,
		AgentType: req.AgentType,
		Status:    "queued",
		StartedBy: tc.UserID,
	}
	if err := h.tenants.CreateRun(ctx, ident, &run); err != nil {
		log.Error("Failed to create run", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "run creation failed"})
	}

	runID := run.ID.String()
	h.streams.GetOrCreateQueue(runID)
	h.streams.Publish(runID, sse.EventQueued, map[string]interface{}{
		"agent_type": run.AgentType,
		"project_id": projectID.String(),
	})

	h.tenants.WriteAudit(ctx, ident, tenant.ID, store.AuditEntry{
		ActorID:      &tc.UserID,
		Action:       "run.started",
		ResourceType: "agent_run",
		ResourceID:   runID,
		Detail:       fmt.Sprintf(`{"agent_type":%q}`, run.AgentType),
	})

	slug := tenant.Slug
	h.tasks.Go("agent_run:"+runID, func(taskCtx context.Context) error {
		return h.executePipeline(taskCtx, ident, slug, run.ID)
	})

	log.Info("Agent run started",
		zap.String("tenant_slug", tenant.Slug),
		zap.String("run_id", runID),
		zap.String("agent_type", run.AgentType))

	return c.JSON(http.StatusAccepted, run)
}

// Get returns a run row, subject to the same project access as Start.
func (h *RunHandler) Get(c echo.Context) error {
	prometheus.RecordTenantOperation("run_get")
	tc, _ := middleware.TenantFromEcho(c)
	ctx := c.Request().Context()

	_, ident, _, _, err := h.projects.resolveProjectAccess(c, tc)
	if err != nil {
		return writeAccessError(c, err)
	}

	runID, err := uuid.Parse(c.Param("run_id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid run id"})
	}

	defer prometheus.TrackDBOperation("query")(time.Now())
	run, err := h.tenants.GetRun(ctx, ident, runID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return c.JSON(http.StatusNotFound, echo.Map{"error": "run not found"})
		}
		logger.FromContext(c).Error("Failed to fetch run", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to retrieve run"})
	}

	return c.JSON(http.StatusOK, run)
}

// Stream relays a run's progress events over SSE until the run produces a
// final event or the client disconnects. The run is resolved through the
// caller's own tenant schema first, so a run id belonging to another tenant
// is indistinguishable from a run that does not exist.
func (h *RunHandler) Stream(c echo.Context) error {
	prometheus.RecordTenantOperation("run_stream")
	tc, _ := middleware.TenantFromEcho(c)
	ctx := c.Request().Context()

	_, ident, _, _, err := h.projects.resolveProjectAccess(c, tc)
	if err != nil {
		return writeAccessError(c, err)
	}

	runID, err := uuid.Parse(c.Param("run_id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid run id"})
	}

	run, err := h.tenants.GetRun(ctx, ident, runID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return c.JSON(http.StatusNotFound, echo.Map{"error": "run not found"})
		}
		logger.FromContext(c).Error("Failed to fetch run", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to retrieve run"})
	}

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set("Cache-Control", "no-cache")
	res.Header().Set("Connection", "keep-alive")
	res.WriteHeader(http.StatusOK)

	// A run that already finished has no live queue; replay its terminal
	// state so the client gets one final frame instead of heartbeats.
	switch run.Status {
	case "complete":
		h.streams.GetOrCreateQueue(runID.String())
		h.streams.Publish(runID.String(), sse.EventComplete, map[string]interface{}{
			"tokens_used": run.TokensUsed,
		})
	case "error":
		h.streams.GetOrCreateQueue(runID.String())
		h.streams.Publish(runID.String(), sse.EventError, map[string]interface{}{
			"reason": run.Error,
		})
	}

	prometheus.ActiveSSEStreams.Inc()
	defer prometheus.ActiveSSEStreams.Dec()

	return h.streams.Stream(ctx, res, res, runID.String(), heartbeatInterval)
}

// executePipeline simulates the agent working through its stages, charging
// each stage's tokens to the tenant budget as it goes. The run's queue is
// removed once the terminal event is published, whether or not anyone ever
// subscribed.
func (h *RunHandler) executePipeline(ctx context.Context, ident schema.SafeIdent, tenantSlug string, runID uuid.UUID) error {
	id := runID.String()
	defer h.streams.RemoveQueue(id)

	if err := h.tenants.UpdateRunStatus(ctx, ident, runID, "running", ""); err != nil {
		h.failRun(ctx, ident, runID, "internal error")
		return err
	}
	h.streams.Publish(id, sse.EventRunning, map[string]interface{}{})

	for i, stage := range agentStages {
		select {
		case <-ctx.Done():
			h.failRun(ctx, ident, runID, "canceled")
			return ctx.Err()
		case <-time.After(h.stageDelay):
		}

		if _, err := h.budget.Consume(ctx, tenantSlug, stage.tokens); err != nil {
			// Consume only fails when the counter store does; usage past the
			// limit is caught by the pre-flight Check on the next Start.
			h.failRun(ctx, ident, runID, "budget accounting failed")
			return fmt.Errorf("consuming budget at stage %s: %w", stage.name, err)
		}
		if err := h.tenants.AddRunTokens(ctx, ident, runID, stage.tokens); err != nil {
			h.log.Warn("Failed to record run token usage",
				zap.String("run_id", id),
				zap.Error(err))
		}

		h.streams.Publish(id, sse.EventProgress, map[string]interface{}{
			"stage":   stage.name,
			"percent": (i + 1) * 100 / len(agentStages),
			"tokens":  stage.tokens,
		})
	}

	if err := h.tenants.UpdateRunStatus(ctx, ident, runID, "complete", ""); err != nil {
		h.failRun(ctx, ident, runID, "internal error")
		return err
	}
	h.streams.Publish(id, sse.EventComplete, map[string]interface{}{
		"stages": len(agentStages),
	})
	return nil
}

// failRun marks the run failed and emits the terminal error event. Both
// writes are best effort; the run is already off the request path.
func (h *RunHandler) failRun(ctx context.Context, ident schema.SafeIdent, runID uuid.UUID, reason string) {
	if err := h.tenants.UpdateRunStatus(ctx, ident, runID, "error", reason); err != nil {
		h.log.Warn("Failed to mark run as failed",
			zap.String("run_id", runID.String()),
			zap.Error(err))
	}
	h.streams.Publish(runID.String(), sse.EventError, map[string]interface{}{
		"reason": reason,
	})
}
