package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
)

// Pinger reports whether a backing dependency is reachable
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler serves the liveness endpoint
type HealthHandler struct {
	store  Pinger
	driver string
}

// NewHealthHandler creates a new HealthHandler. store may be nil for drivers without a connection.
func NewHealthHandler(store Pinger, driver string) *HealthHandler {
	return &HealthHandler{store: store, driver: driver}
}

// Health handles GET /health
func (h *HealthHandler) Health(c echo.Context) error {
	if h.store != nil {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
		defer cancel()
		if err := h.store.Ping(ctx); err != nil {
			log.Warn().Err(err).Str("driver", h.driver).Msg("Health check failed")
			return NewServiceUnavailableError(c, "Ledger storage is unreachable")
		}
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok", "store": h.driver})
}
