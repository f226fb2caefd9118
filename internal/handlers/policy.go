package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"ums-aaa/internal/models"
	"ums-aaa/internal/services/policy"
)

// PolicyHandler serves MAC rules, bandwidth profiles, vouchers, groups and
// subscribers
type PolicyHandler struct {
	policy *policy.Service
	logger *zap.Logger
}

func NewPolicyHandler(policySvc *policy.Service, logger *zap.Logger) *PolicyHandler {
	return &PolicyHandler{
		policy: policySvc,
		logger: logger,
	}
}

func (h *PolicyHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/mac-rules", h.ListMacRules)
	rg.POST("/mac-rules", h.UpsertMacRule)
	rg.PUT("/mac-rules/:id", h.UpsertMacRule)
	rg.DELETE("/mac-rules/:mac", h.DeleteMacRule)

	rg.GET("/bandwidth-profiles", h.ListProfiles)
	rg.POST("/bandwidth-profiles", h.UpsertProfile)
	rg.PUT("/bandwidth-profiles/:id", h.UpsertProfile)

	rg.GET("/voucher-types", h.ListVoucherTypes)
	rg.POST("/voucher-types", h.CreateVoucherType)

	rg.GET("/access-codes", h.ListAccessCodes)
	rg.GET("/access-codes/:username", h.GetAccessCode)
	rg.POST("/access-codes/generate", h.GenerateAccessCodes)
	rg.POST("/access-codes/:username/reset", h.ResetAccessCode)

	rg.GET("/user-groups", h.ListUserGroups)
	rg.POST("/user-groups", h.SaveUserGroup)
	rg.PUT("/user-groups/:name", h.SaveUserGroup)

	rg.GET("/subscribers", h.ListSubscribers)
	rg.GET("/subscribers/:username", h.GetSubscriber)
	rg.POST("/subscribers", h.SaveSubscriber)
	rg.PUT("/subscribers/:username", h.SaveSubscriber)
}

// ================ MAC RULES ================

// GET /api/v1/mac-rules?active=true
func (h *PolicyHandler) ListMacRules(c *gin.Context) {
	var (
		rules []models.MacRule
		err   error
	)
	if c.Query("active") == "true" {
		rules, err = h.policy.ListActiveMacRules(c.Request.Context())
	} else {
		rules, err = h.policy.ListMacRules(c.Request.Context())
	}
	if err != nil {
		respondError(c, h.logger, "list mac rules", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"mac_rules": rules, "count": len(rules)})
}

// POST /api/v1/mac-rules
// PUT /api/v1/mac-rules/:id
func (h *PolicyHandler) UpsertMacRule(c *gin.Context) {
	var req struct {
		MACAddress  string `json:"mac_address" binding:"required"`
		Action      string `json:"action" binding:"required"`
		DeviceName  string `json:"device_name"`
		Description string `json:"description"`
		Active      *bool  `json:"active"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	rule, err := h.policy.UpsertMacRule(c.Request.Context(), models.MacRule{
		ID:          c.Param("id"),
		MACAddress:  req.MACAddress,
		Action:      models.MacAction(req.Action),
		DeviceName:  req.DeviceName,
		Description: req.Description,
		Active:      boolOr(req.Active, true),
	})
	if err != nil {
		respondError(c, h.logger, "save mac rule", err)
		return
	}
	c.JSON(http.StatusOK, rule)
}

// DELETE /api/v1/mac-rules/AA:BB:CC:DD:EE:FF
func (h *PolicyHandler) DeleteMacRule(c *gin.Context) {
	if err := h.policy.DeleteMacRule(c.Request.Context(), c.Param("mac")); err != nil {
		respondError(c, h.logger, "delete mac rule", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "MAC rule deleted"})
}

// ================ BANDWIDTH PROFILES ================

// GET /api/v1/bandwidth-profiles?active=true
func (h *PolicyHandler) ListProfiles(c *gin.Context) {
	var (
		profiles []models.BandwidthProfile
		err      error
	)
	if c.Query("active") == "true" {
		profiles, err = h.policy.ListActiveProfiles(c.Request.Context())
	} else {
		profiles, err = h.policy.ListBandwidthProfiles(c.Request.Context())
	}
	if err != nil {
		respondError(c, h.logger, "list bandwidth profiles", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"bandwidth_profiles": profiles, "count": len(profiles)})
}

// POST /api/v1/bandwidth-profiles
// PUT /api/v1/bandwidth-profiles/:id
func (h *PolicyHandler) UpsertProfile(c *gin.Context) {
	var req struct {
		Name           string `json:"name" binding:"required"`
		DownloadRate   string `json:"download_rate" binding:"required"`
		UploadRate     string `json:"upload_rate" binding:"required"`
		Priority       int    `json:"priority"`
		BurstLimit     string `json:"burst_limit"`
		BurstThreshold string `json:"burst_threshold"`
		BurstTime      int    `json:"burst_time"`
		Description    string `json:"description"`
		Active         *bool  `json:"active"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	profile, err := h.policy.UpsertBandwidthProfile(c.Request.Context(), models.BandwidthProfile{
		ID:             c.Param("id"),
		Name:           req.Name,
		DownloadRate:   req.DownloadRate,
		UploadRate:     req.UploadRate,
		Priority:       req.Priority,
		BurstLimit:     req.BurstLimit,
		BurstThreshold: req.BurstThreshold,
		BurstTime:      req.BurstTime,
		Description:    req.Description,
		Active:         boolOr(req.Active, true),
	})
	if err != nil {
		respondError(c, h.logger, "save bandwidth profile", err)
		return
	}
	c.JSON(http.StatusOK, profile)
}

// ================ VOUCHERS ================

// GET /api/v1/voucher-types?active=true
func (h *PolicyHandler) ListVoucherTypes(c *gin.Context) {
	var (
		types []models.VoucherType
		err   error
	)
	if c.Query("active") == "true" {
		types, err = h.policy.ListActiveVoucherTypes(c.Request.Context())
	} else {
		types, err = h.policy.ListVoucherTypes(c.Request.Context())
	}
	if err != nil {
		respondError(c, h.logger, "list voucher types", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"voucher_types": types, "count": len(types)})
}

// POST /api/v1/voucher-types
func (h *PolicyHandler) CreateVoucherType(c *gin.Context) {
	var req struct {
		Name        string `json:"name" binding:"required"`
		Duration    string `json:"duration" binding:"required"`
		Profile     string `json:"profile" binding:"required"`
		Group       string `json:"group"`
		Price       int64  `json:"price"`
		Description string `json:"description"`
		Active      *bool  `json:"active"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	vt, err := h.policy.CreateVoucherType(c.Request.Context(), models.VoucherType{
		Name:        req.Name,
		Duration:    req.Duration,
		Profile:     req.Profile,
		Group:       req.Group,
		Price:       req.Price,
		Description: req.Description,
		Active:      boolOr(req.Active, true),
	})
	if err != nil {
		respondError(c, h.logger, "create voucher type", err)
		return
	}
	c.JSON(http.StatusCreated, vt)
}

// GET /api/v1/access-codes?status=unused
// GET /api/v1/access-codes?active=true
func (h *PolicyHandler) ListAccessCodes(c *gin.Context) {
	var (
		codes []models.AccessCode
		err   error
	)
	if c.Query("active") == "true" {
		codes, err = h.policy.ListActiveAccessCodes(c.Request.Context())
	} else {
		codes, err = h.policy.ListAccessCodes(c.Request.Context(), models.AccessCodeStatus(c.Query("status")))
	}
	if err != nil {
		respondError(c, h.logger, "list access codes", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"access_codes": codes, "count": len(codes)})
}

// GET /api/v1/access-codes/:username
func (h *PolicyHandler) GetAccessCode(c *gin.Context) {
	code, err := h.policy.AccessCode(c.Request.Context(), c.Param("username"))
	if err != nil {
		respondError(c, h.logger, "load access code", err)
		return
	}
	c.JSON(http.StatusOK, code)
}

// GenerateAccessCodes creates a batch for a voucher type
// POST /api/v1/access-codes/generate
func (h *PolicyHandler) GenerateAccessCodes(c *gin.Context) {
	var req struct {
		VoucherType string `json:"voucher_type" binding:"required"`
		Count       int    `json:"count" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	codes, err := h.policy.GenerateAccessCodes(c.Request.Context(), req.VoucherType, req.Count)
	if err != nil {
		respondError(c, h.logger, "generate access codes", err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"access_codes": codes, "count": len(codes)})
}

// ResetAccessCode makes a used code redeemable again
// POST /api/v1/access-codes/:username/reset
func (h *PolicyHandler) ResetAccessCode(c *gin.Context) {
	username := c.Param("username")
	if err := h.policy.ResetAccessCode(c.Request.Context(), username); err != nil {
		respondError(c, h.logger, "reset access code", err)
		return
	}
	h.logger.Info("Access code reset by admin",
		zap.String("username", username),
		zap.String("admin", adminName(c)))
	c.JSON(http.StatusOK, gin.H{"message": "Access code reset"})
}

// ================ GROUPS AND SUBSCRIBERS ================

// GET /api/v1/user-groups?active=true
func (h *PolicyHandler) ListUserGroups(c *gin.Context) {
	var (
		groups []models.UserGroup
		err    error
	)
	if c.Query("active") == "true" {
		groups, err = h.policy.ListActiveUserGroups(c.Request.Context())
	} else {
		groups, err = h.policy.ListUserGroups(c.Request.Context())
	}
	if err != nil {
		respondError(c, h.logger, "list user groups", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_groups": groups, "count": len(groups)})
}

// POST /api/v1/user-groups
// PUT /api/v1/user-groups/:name
func (h *PolicyHandler) SaveUserGroup(c *gin.Context) {
	var req struct {
		Name        string   `json:"name"`
		Permissions []string `json:"permissions"`
		DeviceLimit int      `json:"device_limit"`
		Description string   `json:"description"`
		Active      *bool    `json:"active"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if name := c.Param("name"); name != "" {
		req.Name = name
	}

	group, err := h.policy.SaveUserGroup(c.Request.Context(), models.UserGroup{
		Name:        req.Name,
		Permissions: req.Permissions,
		DeviceLimit: req.DeviceLimit,
		Description: req.Description,
		Active:      boolOr(req.Active, true),
	})
	if err != nil {
		respondError(c, h.logger, "save user group", err)
		return
	}
	c.JSON(http.StatusOK, group)
}

// GET /api/v1/subscribers
func (h *PolicyHandler) ListSubscribers(c *gin.Context) {
	subs, err := h.policy.ListSubscribers(c.Request.Context())
	if err != nil {
		respondError(c, h.logger, "list subscribers", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"subscribers": subs, "count": len(subs)})
}

// GET /api/v1/subscribers/:username
func (h *PolicyHandler) GetSubscriber(c *gin.Context) {
	sub, err := h.policy.Subscriber(c.Request.Context(), c.Param("username"))
	if err != nil {
		respondError(c, h.logger, "load subscriber", err)
		return
	}
	if sub == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Subscriber not found", "code": models.CodeNotFound})
		return
	}
	c.JSON(http.StatusOK, sub)
}

// POST /api/v1/subscribers
// PUT /api/v1/subscribers/:username
func (h *PolicyHandler) SaveSubscriber(c *gin.Context) {
	var req struct {
		Username  string `json:"username"`
		Password  string `json:"password"`
		Group     string `json:"group"`
		Profile   string `json:"profile"`
		AccountID string `json:"account_id"`
		Active    *bool  `json:"active"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if username := c.Param("username"); username != "" {
		req.Username = username
	}

	sub, err := h.policy.SaveSubscriber(c.Request.Context(), models.Subscriber{
		Username:  req.Username,
		Group:     req.Group,
		Profile:   req.Profile,
		AccountID: req.AccountID,
		Active:    boolOr(req.Active, true),
	}, req.Password)
	if err != nil {
		respondError(c, h.logger, "save subscriber", err)
		return
	}
	c.JSON(http.StatusOK, sub)
}

func adminName(c *gin.Context) string {
	if claims := currentAdmin(c); claims != nil {
		return claims.Username
	}
	return ""
}
