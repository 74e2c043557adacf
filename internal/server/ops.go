package server

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/Allen15763/spe-bank-recon/internal/queue/streams"
)

// QueueMonitor reads backlog metrics for a stream/group pair.
type QueueMonitor func(ctx context.Context, stream, group string) (streams.LagMetrics, error)

// OpsHandler exposes operational introspection for the run-request bus.
type OpsHandler struct {
	Monitor QueueMonitor
	Stream  string
	Group   string
}

func (h *OpsHandler) Register(g *echo.Group) {
	g.GET("/queue", h.queue)
}

func (h *OpsHandler) queue(c echo.Context) error {
	m, err := h.Monitor(c.Request().Context(), h.Stream, h.Group)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, "queue lag: "+err.Error())
	}
	return c.JSON(http.StatusOK, QueueLagResponse{
		Stream:       h.Stream,
		Group:        h.Group,
		Pending:      m.Pending,
		Lag:          m.Lag,
		Consumers:    m.Consumers,
		OldestIdleMS: m.OldestIdle.Milliseconds(),
	})
}
