package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"ums-aaa/internal/models"
	"ums-aaa/internal/services/gateway"
	"ums-aaa/internal/services/ledger"
	"ums-aaa/internal/services/session"
)

const defaultLogLimit = 100

// SessionHandler handles HTTP requests for session management
type SessionHandler struct {
	sessions *session.Service
	gateway  *gateway.Service
	ledger   *ledger.Service
	logger   *zap.Logger
}

// NewSessionHandler creates a new session handler
func NewSessionHandler(sessions *session.Service, gw *gateway.Service, ledgerSvc *ledger.Service, logger *zap.Logger) *SessionHandler {
	return &SessionHandler{
		sessions: sessions,
		gateway:  gw,
		ledger:   ledgerSvc,
		logger:   logger,
	}
}

// RegisterRoutes registers all session management routes
func (h *SessionHandler) RegisterRoutes(rg *gin.RouterGroup) {
	// Live sessions
	rg.GET("/sessions", h.GetAllSessions)
	rg.GET("/sessions/stats", h.GetSessionStats)
	rg.GET("/sessions/:id", h.GetSession)
	rg.GET("/sessions/:id/events", h.GetSessionEvents)
	rg.POST("/sessions/:id/disconnect", h.DisconnectSession)
	rg.GET("/session/mac/:mac", h.GetSessionByMAC)
	rg.GET("/session/username/:username", h.GetSessionsByUsername)

	// History
	rg.GET("/session-logs", h.GetSessionLogs)
	rg.GET("/session-logs/:id", h.GetSessionLog)
	rg.GET("/failed-logins", h.GetFailedLogins)
	rg.GET("/usage/:username", h.GetUsage)
}

// GetAllSessions returns active sessions, optionally for one NAS
// GET /api/v1/sessions?nas_id=ap-1
func (h *SessionHandler) GetAllSessions(c *gin.Context) {
	sessions := h.sessions.ListActive()
	if nasID := c.Query("nas_id"); nasID != "" {
		filtered := sessions[:0]
		for _, s := range sessions {
			if s.NASID == nasID {
				filtered = append(filtered, s)
			}
		}
		sessions = filtered
	}
	c.JSON(http.StatusOK, gin.H{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

// GET /api/v1/sessions/stats
func (h *SessionHandler) GetSessionStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"stats": h.sessions.Stats()})
}

// GET /api/v1/sessions/:id
func (h *SessionHandler) GetSession(c *gin.Context) {
	sess, err := h.sessions.Get(c.Param("id"))
	if err != nil {
		respondError(c, h.logger, "load session", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": sess})
}

// GetSessionByMAC finds the live session of a device
// GET /api/v1/session/mac/AA:BB:CC:DD:EE:FF
func (h *SessionHandler) GetSessionByMAC(c *gin.Context) {
	mac := c.Param("mac")
	sess := h.sessions.FindByMAC(mac)
	if sess == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Session not found", "code": models.CodeNotFound})
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": sess})
}

// GetSessionsByUsername returns every live session of a user
// GET /api/v1/session/username/alice
func (h *SessionHandler) GetSessionsByUsername(c *gin.Context) {
	username := c.Param("username")
	var sessions []models.Session
	for _, s := range h.sessions.ListActive() {
		if strings.EqualFold(s.Username, username) {
			sessions = append(sessions, s)
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"username": username,
		"sessions": sessions,
		"count":    len(sessions),
	})
}

// GET /api/v1/sessions/:id/events
func (h *SessionHandler) GetSessionEvents(c *gin.Context) {
	events, err := h.ledger.Events(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, "load session events", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}

// DisconnectSession closes a session and asks its NAS to drop the client
// POST /api/v1/sessions/:id/disconnect
func (h *SessionHandler) DisconnectSession(c *gin.Context) {
	var req struct {
		Reason string `json:"reason"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "administrator request"
	}

	sess, err := h.gateway.Disconnect(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		respondError(c, h.logger, "disconnect session", err)
		return
	}
	h.logger.Info("Disconnect requested",
		zap.String("session_id", sess.ID),
		zap.String("admin", adminName(c)))
	c.JSON(http.StatusOK, gin.H{
		"message": "Session disconnected",
		"session": sess,
	})
}

// logFilter reads the common history query parameters
func logFilter(c *gin.Context) (ledger.Filter, error) {
	f := ledger.Filter{
		Username:    c.Query("username"),
		AccessPoint: c.Query("access_point"),
		Status:      models.SessionStatus(c.Query("status")),
	}
	if mac := c.Query("mac"); mac != "" {
		normalized, err := models.NormalizeMAC(mac)
		if err != nil {
			return f, err
		}
		f.MAC = normalized
	}

	var err error
	if f.From, err = queryTime(c, "from"); err != nil {
		return f, err
	}
	if f.To, err = queryTime(c, "to"); err != nil {
		return f, err
	}
	if f.Limit, err = queryInt(c, "limit", defaultLogLimit); err != nil {
		return f, err
	}
	if f.Offset, err = queryInt(c, "offset", 0); err != nil {
		return f, err
	}
	return f, nil
}

// GetSessionLogs pages through the ledger, newest login first
// GET /api/v1/session-logs?username=alice&from=2024-03-01&to=2024-04-01&limit=100&offset=0
func (h *SessionHandler) GetSessionLogs(c *gin.Context) {
	f, err := logFilter(c)
	if err != nil {
		respondError(c, h.logger, "parse session log filter", err)
		return
	}
	records, err := h.ledger.Collect(c.Request.Context(), f)
	if err != nil {
		respondError(c, h.logger, "query session logs", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"session_logs": records,
		"count":        len(records),
		"limit":        f.Limit,
		"offset":       f.Offset,
	})
}

// GET /api/v1/session-logs/:id
func (h *SessionHandler) GetSessionLog(c *gin.Context) {
	rec, err := h.ledger.SessionRecord(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, "load session log", err)
		return
	}
	if rec == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Session log not found", "code": models.CodeNotFound})
		return
	}
	c.JSON(http.StatusOK, rec)
}

// GET /api/v1/failed-logins?from=2024-03-01
func (h *SessionHandler) GetFailedLogins(c *gin.Context) {
	f, err := logFilter(c)
	if err != nil {
		respondError(c, h.logger, "parse failed login filter", err)
		return
	}
	records, err := h.ledger.FailedLogins(c.Request.Context(), f)
	if err != nil {
		respondError(c, h.logger, "query failed logins", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"failed_logins": records,
		"count":         len(records),
	})
}

// GetUsage sums a user's successful sessions in a period
// GET /api/v1/usage/alice?from=2024-03-01&to=2024-04-01
func (h *SessionHandler) GetUsage(c *gin.Context) {
	from, err := queryTime(c, "from")
	if err != nil {
		respondError(c, h.logger, "parse usage period", err)
		return
	}
	to, err := queryTime(c, "to")
	if err != nil {
		respondError(c, h.logger, "parse usage period", err)
		return
	}
	username := c.Param("username")
	usage, err := h.ledger.Usage(c.Request.Context(), username, from, to)
	if err != nil {
		respondError(c, h.logger, "sum usage", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"username": username, "usage": usage})
}
