package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"ums-aaa/internal/models"
	"ums-aaa/internal/services/admin"
)

const claimsKey = "admin_claims"

// AdminHandler serves login and operator account management
type AdminHandler struct {
	admins *admin.Service
	logger *zap.Logger
}

func NewAdminHandler(admins *admin.Service, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{
		admins: admins,
		logger: logger,
	}
}

// RequireAdmin rejects requests without a valid bearer token
func (h *AdminHandler) RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Missing bearer token"})
			return
		}
		claims, err := h.admins.ParseToken(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
			return
		}
		c.Set(claimsKey, claims)
		c.Next()
	}
}

// RequireSuperAdmin must run after RequireAdmin
func (h *AdminHandler) RequireSuperAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims := currentAdmin(c)
		if claims == nil || claims.Role != models.RoleSuperAdmin {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Super admin role required"})
			return
		}
		c.Next()
	}
}

func currentAdmin(c *gin.Context) *admin.Claims {
	v, ok := c.Get(claimsKey)
	if !ok {
		return nil
	}
	claims, _ := v.(*admin.Claims)
	return claims
}

// RegisterPublicRoutes registers routes that need no token
func (h *AdminHandler) RegisterPublicRoutes(rg *gin.RouterGroup) {
	rg.POST("/auth/login", h.Login)
}

func (h *AdminHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/auth/me", h.Me)
	rg.POST("/auth/password", h.ChangePassword)

	admins := rg.Group("/admins")
	admins.GET("", h.List)
	admins.GET("/:id", h.Get)

	super := admins.Group("", h.RequireSuperAdmin())
	super.POST("", h.Create)
	super.PUT("/:id", h.Update)
	super.DELETE("/:id", h.Delete)
}

// Login exchanges credentials for a token
// POST /api/v1/auth/login
func (h *AdminHandler) Login(c *gin.Context) {
	var req struct {
		Username string `json:"username" binding:"required"`
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	token, account, err := h.admins.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		if models.CodeOf(err) == models.CodeInvalidCredentials {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid username or password"})
			return
		}
		respondError(c, h.logger, "log in", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"token": token,
		"admin": account,
	})
}

// Me returns the account behind the token
// GET /api/v1/auth/me
func (h *AdminHandler) Me(c *gin.Context) {
	claims := currentAdmin(c)
	account, err := h.admins.Get(c.Request.Context(), claims.AdminID)
	if err != nil {
		respondError(c, h.logger, "load admin", err)
		return
	}
	c.JSON(http.StatusOK, account)
}

// ChangePassword changes the caller's own password
// POST /api/v1/auth/password
func (h *AdminHandler) ChangePassword(c *gin.Context) {
	var req struct {
		OldPassword string `json:"old_password" binding:"required"`
		NewPassword string `json:"new_password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	claims := currentAdmin(c)
	if err := h.admins.ChangePassword(c.Request.Context(), claims.AdminID, req.OldPassword, req.NewPassword); err != nil {
		respondError(c, h.logger, "change password", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Password changed"})
}

// GET /api/v1/admins
func (h *AdminHandler) List(c *gin.Context) {
	admins, err := h.admins.List(c.Request.Context())
	if err != nil {
		respondError(c, h.logger, "list admins", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"admins": admins, "count": len(admins)})
}

// GET /api/v1/admins/:id
func (h *AdminHandler) Get(c *gin.Context) {
	account, err := h.admins.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, "load admin", err)
		return
	}
	c.JSON(http.StatusOK, account)
}

// POST /api/v1/admins
func (h *AdminHandler) Create(c *gin.Context) {
	var in admin.AdminInput
	if err := c.ShouldBindJSON(&in); err != nil {
		badRequest(c, err)
		return
	}
	account, err := h.admins.Create(c.Request.Context(), in)
	if err != nil {
		respondError(c, h.logger, "create admin", err)
		return
	}
	c.JSON(http.StatusCreated, account)
}

// PUT /api/v1/admins/:id
func (h *AdminHandler) Update(c *gin.Context) {
	var req struct {
		Username string             `json:"username"`
		Email    string             `json:"email"`
		Phone    string             `json:"phone"`
		Role     models.AdminRole   `json:"role"`
		Status   models.AdminStatus `json:"status"`
		Password string             `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	account, err := h.admins.Update(c.Request.Context(), c.Param("id"), admin.AdminInput(req))
	if err != nil {
		respondError(c, h.logger, "update admin", err)
		return
	}
	c.JSON(http.StatusOK, account)
}

// DELETE /api/v1/admins/:id
func (h *AdminHandler) Delete(c *gin.Context) {
	if err := h.admins.Delete(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, h.logger, "delete admin", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Admin deleted"})
}
