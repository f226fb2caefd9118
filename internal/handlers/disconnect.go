package handlers

import (
	"net"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"ums-aaa/internal/models"
	"ums-aaa/internal/services/gateway"
	"ums-aaa/internal/services/session"
)

// DisconnectHandler kicks clients by user, device or address
type DisconnectHandler struct {
	sessions *session.Service
	gateway  *gateway.Service
	logger   *zap.Logger
}

// DisconnectRequest selects the sessions to close. Exactly one selector is
// expected.
type DisconnectRequest struct {
	Username string `json:"username,omitempty"`
	MAC      string `json:"mac,omitempty"`
	IP       string `json:"ip,omitempty"`
	Reason   string `json:"reason"`
}

// DisconnectResponse represents a disconnect response
type DisconnectResponse struct {
	Success      bool     `json:"success"`
	Message      string   `json:"message,omitempty"`
	Error        string   `json:"error,omitempty"`
	Disconnected []string `json:"disconnected,omitempty"`
}

// NewDisconnectHandler creates a new disconnect handler
func NewDisconnectHandler(sessions *session.Service, gw *gateway.Service, logger *zap.Logger) *DisconnectHandler {
	return &DisconnectHandler{
		sessions: sessions,
		gateway:  gw,
		logger:   logger,
	}
}

func (h *DisconnectHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/disconnect", h.Disconnect)
}

// Disconnect closes every live session matching the selector
// POST /api/v1/disconnect
func (h *DisconnectHandler) Disconnect(c *gin.Context) {
	var req DisconnectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid disconnect request", zap.Error(err))
		c.JSON(http.StatusBadRequest, DisconnectResponse{
			Error: "Invalid request format",
		})
		return
	}

	match, err := h.selector(req)
	if err != nil {
		c.JSON(http.StatusBadRequest, DisconnectResponse{Error: err.Error()})
		return
	}
	if req.Reason == "" {
		req.Reason = "Administrative disconnect"
	}

	var ids []string
	for _, s := range h.sessions.ListActive() {
		if match(s) {
			ids = append(ids, s.ID)
		}
	}
	if len(ids) == 0 {
		c.JSON(http.StatusNotFound, DisconnectResponse{Error: "No active session matches"})
		return
	}

	var closed []string
	for _, id := range ids {
		if _, err := h.gateway.Disconnect(c.Request.Context(), id, req.Reason); err != nil {
			// Raced with a Stop or expiry; already closed.
			if models.IsKind(err, models.KindNotFound) || models.CodeOf(err) == models.CodeSessionClosed {
				continue
			}
			respondError(c, h.logger, "disconnect session", err)
			return
		}
		closed = append(closed, id)
	}

	c.JSON(http.StatusOK, DisconnectResponse{
		Success:      true,
		Message:      "Sessions disconnected",
		Disconnected: closed,
	})
}

func (h *DisconnectHandler) selector(req DisconnectRequest) (func(models.Session) bool, error) {
	switch {
	case req.Username != "":
		return func(s models.Session) bool { return strings.EqualFold(s.Username, req.Username) }, nil
	case req.MAC != "":
		mac, err := models.NormalizeMAC(req.MAC)
		if err != nil {
			return nil, err
		}
		return func(s models.Session) bool { return s.MAC == mac }, nil
	case req.IP != "":
		ip := net.ParseIP(req.IP)
		if ip == nil {
			return nil, models.NewValidationError(models.CodeInvalidRequest, "invalid IP address %q", req.IP)
		}
		return func(s models.Session) bool { return net.ParseIP(s.FramedIP).Equal(ip) }, nil
	}
	return nil, models.NewValidationError(models.CodeInvalidRequest, "username, mac or ip is required")
}
