package server

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/Allen15763/spe-bank-recon/internal/history"
)

// HistorySearcher queries the run/step audit index.
type HistorySearcher interface {
	Search(ctx context.Context, q string, limit int) ([]history.Hit, error)
	Count() (uint64, error)
}

// HistoryHandler serves full-text search over the audit trail.
type HistoryHandler struct {
	Index HistorySearcher
}

func (h *HistoryHandler) Register(g *echo.Group) {
	g.GET("/search", h.search)
}

func (h *HistoryHandler) search(c echo.Context) error {
	q := strings.TrimSpace(c.QueryParam("q"))
	if q == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "q is required")
	}
	limit := 20
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
		limit = n
	}
	hits, err := h.Index.Search(c.Request().Context(), q, limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	total, err := h.Index.Count()
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	resp := SearchResponse{Query: q, Total: total, Hits: make([]SearchHitResponse, 0, len(hits))}
	for _, hit := range hits {
		resp.Hits = append(resp.Hits, SearchHitResponse{ID: hit.ID, Score: hit.Score, Fields: hit.Fields})
	}
	return c.JSON(http.StatusOK, resp)
}
