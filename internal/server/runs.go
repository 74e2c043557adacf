package server

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/Allen15763/spe-bank-recon/internal/queue/streams"
	"github.com/Allen15763/spe-bank-recon/internal/store"
	"github.com/Allen15763/spe-bank-recon/internal/task"
)

// RunsStore captures the registry methods the runs API needs.
type RunsStore interface {
	CreateRun(ctx context.Context, rec store.RunRecord) (string, error)
	GetRun(ctx context.Context, id string) (store.RunRecord, bool, error)
	ListRuns(ctx context.Context, f store.RunFilter) ([]store.RunRecord, error)
	ListRunSteps(ctx context.Context, runID string) ([]store.RunStepRecord, error)
	MarkRunRunning(ctx context.Context, runID string) error
	FinishRun(ctx context.Context, runID, status string, out store.RunOutcome, errMsg *string) error
}

// RunsBus publishes run.requested events for workers.
type RunsBus interface {
	PublishRunRequested(ctx context.Context, stream string, req streams.RunRequested, opts ...streams.PublishOption) (string, error)
}

// RunnerAPI is the slice of the task runner the API drives directly.
// Triggered runs go through the bus; resume is operator-driven and runs in
// the serving process.
type RunnerAPI interface {
	Modes() []task.ModeInfo
	Resume(ctx context.Context, runID, checkpointID, startFrom string) (*task.Result, error)
}

// RunsHandler exposes run triggering, listing and resumption.
type RunsHandler struct {
	Store    RunsStore
	Bus      RunsBus
	Runner   RunnerAPI
	Stream   string
	TaskName string
	Logger   *log.Logger
}

func (h *RunsHandler) Register(g *echo.Group) {
	g.POST("", h.trigger)
	g.GET("", h.list)
	g.GET("/:id", h.get)
	g.POST("/resume", h.resume)
}

// trigger queues one mode for a worker: a registry row is created first so
// the run id exists before the event hits the bus.
func (h *RunsHandler) trigger(c echo.Context) error {
	var req TriggerRunRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	req.Mode = strings.TrimSpace(req.Mode)
	if req.Mode == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "mode is required")
	}
	if !h.knownMode(req.Mode) {
		return echo.NewHTTPError(http.StatusBadRequest, "unknown mode "+req.Mode)
	}

	requestedBy, _ := c.Get("user_id").(string)
	runID := uuid.NewString()
	rec := store.RunRecord{
		ID:          runID,
		Mode:        req.Mode,
		TaskName:    h.TaskName,
		Trigger:     store.TriggerAPI,
		RequestedBy: requestedBy,
		Vars:        req.Vars,
	}
	if _, err := h.Store.CreateRun(c.Request().Context(), rec); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	_, err := h.Bus.PublishRunRequested(c.Request().Context(), h.Stream, streams.RunRequested{
		RunID:       runID,
		Mode:        req.Mode,
		TaskName:    h.TaskName,
		Vars:        req.Vars,
		Trigger:     store.TriggerAPI,
		RequestedBy: requestedBy,
	})
	if err != nil {
		reason := "publish run request: " + err.Error()
		if ferr := h.Store.FinishRun(c.Request().Context(), runID, store.RunStatusFailed, store.RunOutcome{}, &reason); ferr != nil {
			h.Logger.Printf("warn: finish unpublished run %s: %v", runID, ferr)
		}
		return echo.NewHTTPError(http.StatusBadGateway, reason)
	}

	return c.JSON(http.StatusAccepted, TriggerRunResponse{RunID: runID, Mode: req.Mode, Status: store.RunStatusQueued})
}

func (h *RunsHandler) list(c echo.Context) error {
	limit := 0
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a non-negative integer")
		}
		limit = n
	}
	runs, err := h.Store.ListRuns(c.Request().Context(), store.RunFilter{
		Mode:   c.QueryParam("mode"),
		Status: c.QueryParam("status"),
		Limit:  limit,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	out := make([]RunResponse, 0, len(runs))
	for _, rec := range runs {
		out = append(out, runResponse(rec))
	}
	return c.JSON(http.StatusOK, out)
}

func (h *RunsHandler) get(c echo.Context) error {
	id := c.Param("id")
	rec, ok, err := h.Store.GetRun(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "run not found")
	}
	steps, err := h.Store.ListRunSteps(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	resp := RunDetailResponse{Run: runResponse(rec)}
	for _, st := range steps {
		resp.Steps = append(resp.Steps, RunStepResponse{
			StepIndex:  st.StepIndex,
			StepName:   st.StepName,
			Status:     st.Status,
			Message:    st.Message,
			Attempts:   st.Attempts,
			DurationMS: st.DurationMS,
			StartedAt:  st.StartedAt,
			FinishedAt: st.FinishedAt,
		})
	}
	return c.JSON(http.StatusOK, resp)
}

// resume restores a checkpoint and runs the remaining steps in this
// process, synchronously. The registry row keeps its original id; a resume
// against a run the registry never saw is still performed, only the row
// updates are skipped.
func (h *RunsHandler) resume(c echo.Context) error {
	var req ResumeRunRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	ctx := c.Request().Context()
	if req.RunID != "" {
		if err := h.Store.MarkRunRunning(ctx, req.RunID); err != nil && !errors.Is(err, sql.ErrNoRows) {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
	}

	result, err := h.Runner.Resume(ctx, req.RunID, req.CheckpointID, req.StartFrom)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}

	status := store.RunStatusSucceeded
	if !result.Summary.Success {
		status = store.RunStatusFailed
	}
	var errMsg *string
	if len(result.Summary.Errors) > 0 {
		joined := strings.Join(result.Summary.Errors, "; ")
		errMsg = &joined
	}
	out := store.RunOutcome{
		TotalSteps:      result.Summary.TotalSteps,
		SuccessfulSteps: result.Summary.SuccessfulSteps,
		FailedStep:      result.Summary.FailedStep,
		Warnings:        len(result.Context.Warnings()),
		DurationMS:      result.Summary.Duration.Milliseconds(),
	}
	if err := h.Store.FinishRun(ctx, result.RunID, status, out, errMsg); err != nil && !errors.Is(err, sql.ErrNoRows) {
		h.Logger.Printf("warn: finish resumed run %s: %v", result.RunID, err)
	}

	return c.JSON(http.StatusOK, ResumeRunResponse{
		RunID:           result.RunID,
		Mode:            result.Mode,
		Success:         result.Summary.Success,
		TotalSteps:      result.Summary.TotalSteps,
		SuccessfulSteps: result.Summary.SuccessfulSteps,
		FailedStep:      result.Summary.FailedStep,
		Errors:          result.Summary.Errors,
		DurationMS:      result.Summary.Duration.Milliseconds(),
	})
}

func (h *RunsHandler) knownMode(mode string) bool {
	for _, m := range h.Runner.Modes() {
		if m.Name == mode {
			return true
		}
	}
	return false
}

func runResponse(rec store.RunRecord) RunResponse {
	return RunResponse{
		ID:              rec.ID,
		Mode:            rec.Mode,
		TaskName:        rec.TaskName,
		Trigger:         rec.Trigger,
		Status:          rec.Status,
		Vars:            rec.Vars,
		TotalSteps:      rec.TotalSteps,
		SuccessfulSteps: rec.SuccessfulSteps,
		FailedStep:      rec.FailedStep,
		Warnings:        rec.Warnings,
		DurationMS:      rec.DurationMS,
		Error:           rec.Error,
		StartedAt:       rec.StartedAt,
		FinishedAt:      rec.FinishedAt,
		CreatedAt:       rec.CreatedAt,
	}
}
