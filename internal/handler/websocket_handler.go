package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/dafibh/fortuna/budget-ledger/internal/websocket"
	ws "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
)

// JWTValidator validates JWT tokens and returns the owner ID
type JWTValidator interface {
	ValidateToken(ctx context.Context, token string) (ownerID string, err error)
}

// WebSocketHandler upgrades ledger change subscriptions.
// Every frame it sends is a ledger.changed refetch hint; ledger data itself is only
// served by the REST endpoints.
type WebSocketHandler struct {
	hub            *websocket.Hub
	validator      JWTValidator
	allowedOrigins map[string]bool
	upgrader       ws.Upgrader
}

// NewWebSocketHandler creates a new WebSocketHandler
func NewWebSocketHandler(hub *websocket.Hub, validator JWTValidator, allowedOrigins []string) *WebSocketHandler {
	originMap := make(map[string]bool)
	for _, origin := range allowedOrigins {
		originMap[origin] = true
	}

	h := &WebSocketHandler{
		hub:            hub,
		validator:      validator,
		allowedOrigins: originMap,
	}

	// Clients never send payloads, so small buffers suffice
	h.upgrader = ws.Upgrader{
		ReadBufferSize:  512,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}

	return h
}

// checkOrigin validates the request origin against allowed origins
func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		// Allow requests with no Origin header (e.g., same-origin or non-browser clients)
		return true
	}

	if h.allowedOrigins[origin] {
		return true
	}

	log.Warn().
		Str("origin", origin).
		Msg("WebSocket connection rejected: origin not allowed")
	return false
}

// bearerToken reads the token from the query string, where browsers have to put it,
// or from an Authorization header sent by other clients
func bearerToken(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
		return strings.TrimSpace(parts[1])
	}
	return ""
}

// HandleWS handles WebSocket connection requests at GET /api/v1/budget/ws
func (h *WebSocketHandler) HandleWS(c echo.Context) error {
	token := bearerToken(c.Request())
	if token == "" {
		log.Debug().Msg("WebSocket connection rejected: missing token")
		return NewUnauthorizedError(c, "Missing token")
	}

	ownerID, err := h.validator.ValidateToken(c.Request().Context(), token)
	if err != nil || ownerID == "" {
		log.Debug().Err(err).Msg("WebSocket connection rejected: invalid token")
		return NewUnauthorizedError(c, "Invalid token")
	}

	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		log.Error().Err(err).Str("owner_id", ownerID).Msg("WebSocket upgrade failed")
		return err
	}

	client := websocket.NewClient(conn, ownerID, h.hub)
	h.hub.Register(client)

	// Changes made while the client was disconnected were never hinted, so the first
	// frame always asks it to refetch
	if err := client.Hint(); err != nil {
		log.Debug().Err(err).Str("client_id", client.ID()).Msg("Client closed before first hint")
	}

	log.Info().
		Str("owner_id", ownerID).
		Str("client_id", client.ID()).
		Int("owner_clients", h.hub.ClientCount(ownerID)).
		Msg("WebSocket client connected")

	go client.WritePump()
	go client.ReadPump()

	return nil
}
