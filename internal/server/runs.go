package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorhill/cronexpr"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"

	"github.com/avelsher/portalpilot/config"
	"github.com/avelsher/portalpilot/internal/agent/core"
	"github.com/avelsher/portalpilot/internal/store"
)

// runner serializes workflow execution: the orchestrator drives one
// shared browser session, so concurrent API runs must queue.
type runner struct {
	mu    sync.Mutex
	orch  *core.Orchestrator
	store *store.Store
}

func (r *runner) run(ctx context.Context, userID, goal string, wf core.WorkflowConfig) core.WorkflowResult {
	r.mu.Lock()
	res := r.orch.RunWorkflow(ctx, goal, wf)
	r.mu.Unlock()
	if r.store != nil {
		_ = r.store.SaveRun(ctx, userID, res)
	}
	return res
}

// RunsHandler exposes workflow runs over HTTP.
type RunsHandler struct {
	Config *config.Config
	Store  *store.Store
	Runner *runner
	Orch   *core.Orchestrator
	Rdb    *redis.Client
}

func (h *RunsHandler) Register(g *echo.Group, secret []byte) {
	g.Use(func(next echo.HandlerFunc) echo.HandlerFunc { return withAuth(next, secret) })
	g.POST("", h.createRun)
	g.GET("", h.listRuns)
	g.GET("/:id", h.getRun)
	g.GET("/:id/history", h.getRunHistory)
	g.GET("/:id/status", h.getRunStatus)
}

// CreateRun
//
//	@Summary		Run a goal
//	@Description	Plans and executes a goal against the portal, synchronously
//	@Tags			runs
//	@Accept			json
//	@Produce		json
//	@Param			payload	body		RunRequest	true	"Run payload"
//	@Success		200		{object}	core.WorkflowResult
//	@Failure		400		{object}	HTTPError
//	@Router			/api/runs [post]
func (h *RunsHandler) createRun(c echo.Context) error {
	var req RunRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.Goal) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "goal is required")
	}

	wf := h.workflowConfig(req)
	userID := c.Get("user_id").(string)
	res := h.Runner.run(c.Request().Context(), userID, req.Goal, wf)
	return c.JSON(http.StatusOK, res)
}

// workflowConfig merges per-request knobs onto the configured defaults.
func (h *RunsHandler) workflowConfig(req RunRequest) core.WorkflowConfig {
	base := h.Config.Workflow.Normalize()
	wf := core.WorkflowConfig{
		MaxIterations: base.MaxIterations,
		RequireReview: base.RequireReview,
		AutoRetry:     base.AutoRetry,
		RetryLimit:    base.RetryLimit,
		Timeout:       base.Timeout,
		MaxReplans:    base.MaxReplans,
	}
	if req.MaxIterations > 0 {
		wf.MaxIterations = req.MaxIterations
	}
	if req.RequireReview != nil {
		wf.RequireReview = *req.RequireReview
	}
	if req.AutoRetry != nil {
		wf.AutoRetry = *req.AutoRetry
	}
	if req.RetryLimit > 0 {
		wf.RetryLimit = req.RetryLimit
	}
	if req.TimeoutMS > 0 {
		wf.Timeout = time.Duration(req.TimeoutMS) * time.Millisecond
	}
	return wf
}

func (h *RunsHandler) listRuns(c echo.Context) error {
	userID := c.Get("user_id").(string)
	runs, err := h.Store.ListRuns(c.Request().Context(), userID, 50)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, runs)
}

func (h *RunsHandler) getRun(c echo.Context) error {
	res, err := h.Store.GetRun(c.Request().Context(), c.Param("id"))
	if err == sql.ErrNoRows {
		return echo.NewHTTPError(http.StatusNotFound, "run not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, res)
}

func (h *RunsHandler) getRunHistory(c echo.Context) error {
	history, err := h.Store.GetRunHistory(c.Request().Context(), c.Param("id"))
	if err == sql.ErrNoRows {
		return echo.NewHTTPError(http.StatusNotFound, "run not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, history)
}

// getRunStatus serves the live status of an in-flight run from the
// redis cache, falling back to the orchestrator's in-memory view.
func (h *RunsHandler) getRunStatus(c echo.Context) error {
	id := c.Param("id")
	if h.Rdb != nil {
		raw, err := h.Rdb.Get(c.Request().Context(), statusKey(id)).Result()
		if err == nil {
			var st core.RunStatus
			if json.Unmarshal([]byte(raw), &st) == nil {
				return c.JSON(http.StatusOK, st)
			}
		}
	}
	if st, ok := h.Orch.GetStatus(id); ok {
		return c.JSON(http.StatusOK, st)
	}
	return echo.NewHTTPError(http.StatusNotFound, "no status for run")
}

func statusKey(runID string) string {
	return "run:status:" + runID
}

// ResearchHandler answers free-form questions through the researcher.
type ResearchHandler struct {
	Orch *core.Orchestrator
}

func (h *ResearchHandler) Register(g *echo.Group, secret []byte) {
	g.Use(func(next echo.HandlerFunc) echo.HandlerFunc { return withAuth(next, secret) })
	g.POST("", h.research)
}

func (h *ResearchHandler) research(c echo.Context) error {
	var req ResearchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.Query) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query is required")
	}
	res, err := h.Orch.Research(c.Request().Context(), req.Goal, req.Query)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, res)
}

// SchedulesHandler manages stored recurring goals.
type SchedulesHandler struct {
	Store *store.Store
}

func (h *SchedulesHandler) Register(g *echo.Group, secret []byte) {
	g.Use(func(next echo.HandlerFunc) echo.HandlerFunc { return withAuth(next, secret) })
	g.POST("", h.create)
	g.GET("", h.list)
	g.DELETE("/:id", h.delete)
}

func (h *SchedulesHandler) create(c echo.Context) error {
	var req ScheduleRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.Goal) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "goal is required")
	}
	if req.CronSpec != "@daily" && req.CronSpec != "@hourly" {
		if _, err := cronexpr.Parse(req.CronSpec); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid cron spec")
		}
	}
	userID := c.Get("user_id").(string)
	id, err := h.Store.CreateSchedule(c.Request().Context(), userID, req.Goal, req.CronSpec)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusCreated, map[string]string{"id": id})
}

func (h *SchedulesHandler) list(c echo.Context) error {
	userID := c.Get("user_id").(string)
	schedules, err := h.Store.ListSchedules(c.Request().Context(), userID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, schedules)
}

func (h *SchedulesHandler) delete(c echo.Context) error {
	userID := c.Get("user_id").(string)
	err := h.Store.DeleteSchedule(c.Request().Context(), userID, c.Param("id"))
	if err == sql.ErrNoRows {
		return echo.NewHTTPError(http.StatusNotFound, "schedule not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}
