package handlers

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"ums-aaa/internal/models"
	"ums-aaa/internal/services/gateway"
	"ums-aaa/internal/services/nas"
)

const radiusTokenHeader = "X-Radius-Token"

// RADIUSHandler exposes the gateway to FreeRADIUS rlm_rest
type RADIUSHandler struct {
	gateway *gateway.Service
	nas     *nas.Service
	token   string
	logger  *zap.Logger
}

// NewRADIUSHandler creates a new RADIUS handler. A non-empty token must be
// presented in the X-Radius-Token header.
func NewRADIUSHandler(gw *gateway.Service, nasSvc *nas.Service, token string, logger *zap.Logger) *RADIUSHandler {
	return &RADIUSHandler{
		gateway: gw,
		nas:     nasSvc,
		token:   token,
		logger:  logger,
	}
}

// AuthorizeRequest represents RADIUS authorization request from FreeRADIUS
type AuthorizeRequest struct {
	Username         string `json:"username"`
	Password         string `json:"password,omitempty"`
	NASIPAddress     string `json:"nas_ip_address"`
	NASIdentifier    string `json:"nas_identifier"`
	CallingStationID string `json:"calling_station_id" binding:"required"`
}

// AuthorizeResponse represents RADIUS authorization response
type AuthorizeResponse struct {
	Result     string            `json:"result"` // accept, reject
	Attributes map[string]string `json:"attributes,omitempty"`
	Message    string            `json:"message,omitempty"`
}

// AccountingResponse represents RADIUS accounting response
type AccountingResponse struct {
	Result  string `json:"result"`
	Message string `json:"message,omitempty"`
}

// RegisterRoutes registers RADIUS integration routes
func (h *RADIUSHandler) RegisterRoutes(router *gin.RouterGroup) {
	radius := router.Group("/radius", h.requireToken())
	{
		radius.POST("/authorize", h.Authorize)
		radius.POST("/accounting", h.Accounting)

		radius.GET("/health", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{
				"status":    "ok",
				"service":   "ums-radius-rest",
				"timestamp": time.Now().Unix(),
			})
		})
	}
}

func (h *RADIUSHandler) requireToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		if h.token == "" {
			c.Next()
			return
		}
		if subtle.ConstantTimeCompare([]byte(c.GetHeader(radiusTokenHeader)), []byte(h.token)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid RADIUS token"})
			return
		}
		c.Next()
	}
}

// nasID prefers the NAS-Identifier and falls back to the registered router
// at the NAS address
func (h *RADIUSHandler) nasID(ctx context.Context, identifier, address string) (string, error) {
	if identifier != "" {
		return identifier, nil
	}
	r, err := h.nas.ByAddress(ctx, address)
	if err != nil {
		return "", err
	}
	h.nas.MarkSeen(ctx, r.ID)
	return r.Name, nil
}

// Authorize handles authorization requests from FreeRADIUS
// POST /radius/authorize
func (h *RADIUSHandler) Authorize(c *gin.Context) {
	var req AuthorizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid authorization request", zap.Error(err))
		badRequest(c, err)
		return
	}

	ctx := c.Request.Context()
	nasID, err := h.nasID(ctx, req.NASIdentifier, req.NASIPAddress)
	if err != nil {
		h.logger.Warn("Authorization from unknown NAS", zap.String("nas_ip", req.NASIPAddress), zap.Error(err))
		c.JSON(http.StatusOK, AuthorizeResponse{Result: "reject", Message: models.CodeUnknownNAS})
		return
	}

	result := h.gateway.Authenticate(ctx, models.AuthRequest{
		MAC:      req.CallingStationID,
		Username: req.Username,
		Password: req.Password,
		NASID:    nasID,
		NASIP:    req.NASIPAddress,
	})
	if !result.Accepted() {
		c.JSON(http.StatusOK, AuthorizeResponse{
			Result:     "reject",
			Attributes: map[string]string{"Reply-Message": result.Reason},
			Message:    result.Reason,
		})
		return
	}

	c.JSON(http.StatusOK, AuthorizeResponse{
		Result:     "accept",
		Attributes: h.replyAttributes(result),
		Message:    "Authorization successful",
	})
}

func (h *RADIUSHandler) replyAttributes(result *models.AuthResult) map[string]string {
	attributes := map[string]string{
		"Class": result.SessionID,
	}
	if secs := int64(result.SessionTimeout / time.Second); secs > 0 {
		attributes["Session-Timeout"] = strconv.FormatInt(secs, 10)
	}
	if secs := int64(result.IdleTimeout / time.Second); secs > 0 {
		attributes["Idle-Timeout"] = strconv.FormatInt(secs, 10)
	}
	if secs := int64(h.gateway.InterimInterval() / time.Second); secs > 0 {
		attributes["Acct-Interim-Interval"] = strconv.FormatInt(secs, 10)
	}
	if result.RateLimit != "" {
		attributes["Mikrotik-Rate-Limit"] = result.RateLimit
	}
	for _, r := range result.Replies {
		attributes[r.Name] = r.Value
	}
	return attributes
}

// Accounting handles accounting requests from FreeRADIUS. Transient failures
// answer 503 so the NAS retransmits.
// POST /radius/accounting
func (h *RADIUSHandler) Accounting(c *gin.Context) {
	var req models.AcctRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid accounting request", zap.Error(err))
		badRequest(c, err)
		return
	}

	switch req.Status {
	case models.AcctStart, models.AcctInterim, models.AcctStop:
	default:
		c.JSON(http.StatusOK, AccountingResponse{Result: "ignored"})
		return
	}

	ctx := c.Request.Context()
	if req.NASID == "" {
		nasID, err := h.nasID(ctx, "", c.Query("nas_ip_address"))
		if err == nil {
			req.NASID = nasID
		}
	}

	if err := h.gateway.Accounting(ctx, req); err != nil {
		if models.IsKind(err, models.KindTransient) || errors.Is(err, context.DeadlineExceeded) {
			h.logger.Warn("Accounting not acknowledged, NAS will retry",
				zap.String("acct_session_id", req.AcctSessionID),
				zap.Error(err))
			c.JSON(http.StatusServiceUnavailable, AccountingResponse{Result: "retry", Message: models.CodeOf(err)})
			return
		}
		h.logger.Info("Accounting acknowledged with error",
			zap.String("acct_session_id", req.AcctSessionID),
			zap.String("status", string(req.Status)),
			zap.Error(err))
		c.JSON(http.StatusOK, AccountingResponse{Result: "accept", Message: models.CodeOf(err)})
		return
	}

	c.JSON(http.StatusOK, AccountingResponse{Result: "accept"})
}
