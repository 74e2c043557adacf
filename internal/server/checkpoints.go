package server

import (
	"context"
	"errors"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/Allen15763/spe-bank-recon/internal/checkpoint"
)

// CheckpointAPI is the slice of the task runner the checkpoints API uses.
// The on-disk store is the source of truth; the registry mirror is updated
// by the worker as runs finish.
type CheckpointAPI interface {
	ListCheckpoints(ctx context.Context, runID string) ([]checkpoint.Info, error)
	CleanupCheckpoints(ctx context.Context) (int, error)
}

// CheckpointDeleter removes one checkpoint from durable storage.
type CheckpointDeleter interface {
	Delete(ctx context.Context, runID, id string) error
}

// IndexMirror drops registry mirror rows for deleted checkpoints.
type IndexMirror interface {
	DeleteCheckpointIndex(ctx context.Context, runID, checkpointID string) error
}

// CheckpointsHandler exposes resume-point introspection and cleanup.
type CheckpointsHandler struct {
	Runner  CheckpointAPI
	Deleter CheckpointDeleter
	Mirror  IndexMirror
	Logger  *log.Logger
}

func (h *CheckpointsHandler) Register(g *echo.Group) {
	g.GET("", h.list)
	g.POST("/cleanup", h.cleanup)
	g.DELETE("/:run_id/:id", h.remove)
}

func (h *CheckpointsHandler) list(c echo.Context) error {
	infos, err := h.Runner.ListCheckpoints(c.Request().Context(), c.QueryParam("run_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	out := make([]CheckpointResponse, 0, len(infos))
	for _, in := range infos {
		out = append(out, CheckpointResponse{
			ID:            in.ID,
			RunID:         in.RunID,
			TaskName:      in.TaskName,
			TaskType:      in.TaskType,
			StepName:      in.StepName,
			SavedAt:       in.SavedAt,
			HistoryLength: in.HistoryLength,
			PrimaryRows:   in.PrimaryRows,
			AuxTables:     in.AuxTables,
		})
	}
	return c.JSON(http.StatusOK, out)
}

func (h *CheckpointsHandler) cleanup(c echo.Context) error {
	removed, err := h.Runner.CleanupCheckpoints(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, CleanupResponse{Removed: removed})
}

func (h *CheckpointsHandler) remove(c echo.Context) error {
	runID, id := c.Param("run_id"), c.Param("id")
	if err := h.Deleter.Delete(c.Request().Context(), runID, id); err != nil {
		if errors.Is(err, checkpoint.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "checkpoint not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if h.Mirror != nil {
		if err := h.Mirror.DeleteCheckpointIndex(c.Request().Context(), runID, id); err != nil {
			h.Logger.Printf("warn: drop checkpoint mirror %s/%s: %v", runID, id, err)
		}
	}
	return c.NoContent(http.StatusNoContent)
}
