package handlers

import (
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/pkg/repositories"
)

// RunHandler exposes read access to sync runs and their streams
type RunHandler struct {
	runs    repositories.RunRepo
	streams repositories.StreamRepo
}

// NewRunHandler creates a new run handler
func NewRunHandler(runs repositories.RunRepo, streams repositories.StreamRepo) *RunHandler {
	return &RunHandler{
		runs:    runs,
		streams: streams,
	}
}

// RegisterRoutes registers the run routes
func (h *RunHandler) RegisterRoutes(g *echo.Group) {
	runs := g.Group("/runs")
	runs.GET("/:id", h.Get)
	runs.GET("/:id/streams", h.ListStreams)
}

// Get handles GET /runs/:id
func (h *RunHandler) Get(c echo.Context) error {
	ctx := c.Request().Context()

	id, err := ParseUUID(c, "id")
	if err != nil {
		return err
	}

	run, err := h.runs.GetByID(ctx, id)
	if err != nil {
		return err
	}

	return SuccessResponse(c, run)
}

// ListStreams handles GET /runs/:id/streams
func (h *RunHandler) ListStreams(c echo.Context) error {
	ctx := c.Request().Context()

	id, err := ParseUUID(c, "id")
	if err != nil {
		return err
	}

	streams, err := h.streams.ListByRun(ctx, id)
	if err != nil {
		return err
	}

	return SuccessResponse(c, streams)
}
