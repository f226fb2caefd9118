package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"ums-aaa/internal/services/nas"
)

// RouterHandler manages the NAS registry. Shared secrets are accepted on
// write and never returned.
type RouterHandler struct {
	nas    *nas.Service
	logger *zap.Logger
}

func NewRouterHandler(nasSvc *nas.Service, logger *zap.Logger) *RouterHandler {
	return &RouterHandler{
		nas:    nasSvc,
		logger: logger,
	}
}

func (h *RouterHandler) RegisterRoutes(rg *gin.RouterGroup) {
	routers := rg.Group("/routers")
	routers.GET("", h.List)
	routers.POST("", h.Create)
	routers.GET("/:id", h.Get)
	routers.PUT("/:id", h.Update)
	routers.DELETE("/:id", h.Delete)
}

// GET /api/v1/routers
func (h *RouterHandler) List(c *gin.Context) {
	routers, err := h.nas.List(c.Request.Context())
	if err != nil {
		respondError(c, h.logger, "list routers", err)
		return
	}
	views := make([]map[string]interface{}, 0, len(routers))
	for _, r := range routers {
		views = append(views, r.View())
	}
	c.JSON(http.StatusOK, gin.H{"routers": views, "count": len(views)})
}

// POST /api/v1/routers
func (h *RouterHandler) Create(c *gin.Context) {
	var in nas.RouterInput
	if err := c.ShouldBindJSON(&in); err != nil {
		badRequest(c, err)
		return
	}
	r, err := h.nas.Create(c.Request.Context(), in)
	if err != nil {
		respondError(c, h.logger, "create router", err)
		return
	}
	c.JSON(http.StatusCreated, r.View())
}

// GET /api/v1/routers/:id
func (h *RouterHandler) Get(c *gin.Context) {
	r, err := h.nas.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, "load router", err)
		return
	}
	c.JSON(http.StatusOK, r.View())
}

// PUT /api/v1/routers/:id
// An empty shared_secret keeps the current one.
func (h *RouterHandler) Update(c *gin.Context) {
	var in nas.RouterInput
	if err := c.ShouldBindJSON(&in); err != nil {
		badRequest(c, err)
		return
	}
	r, err := h.nas.Update(c.Request.Context(), c.Param("id"), in)
	if err != nil {
		respondError(c, h.logger, "update router", err)
		return
	}
	c.JSON(http.StatusOK, r.View())
}

// DELETE /api/v1/routers/:id
func (h *RouterHandler) Delete(c *gin.Context) {
	if err := h.nas.Delete(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, h.logger, "delete router", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Router deleted"})
}
