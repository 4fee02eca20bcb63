package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/charlesng35/coedit/internal/collab"
	"github.com/charlesng35/coedit/internal/middleware"
	"github.com/charlesng35/coedit/pkg/errors"
	"github.com/charlesng35/coedit/pkg/response"
)

// RealtimeHandler upgrades authenticated HTTP requests into collaboration sessions.
// It must be mounted behind middleware.Auth.
type RealtimeHandler struct {
	transport *collab.Transport
}

// NewRealtimeHandler constructs a realtime handler.
func NewRealtimeHandler(transport *collab.Transport) *RealtimeHandler {
	return &RealtimeHandler{transport: transport}
}

// Stream blocks for the lifetime of the websocket connection.
func (h *RealtimeHandler) Stream(c *gin.Context) {
	if h == nil || h.transport == nil {
		response.Error(c, errors.ErrNotFound)
		return
	}

	userID := c.GetString(middleware.CtxUserIDKey)
	if userID == "" {
		response.Error(c, errors.ErrUnauthorized)
		return
	}

	h.transport.ServeWS(c.Writer, c.Request, userID)
}
