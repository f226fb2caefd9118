package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"ums-aaa/internal/metrics"
	"ums-aaa/internal/services/admin"
	"ums-aaa/internal/services/billing"
	"ums-aaa/internal/services/gateway"
	"ums-aaa/internal/services/ledger"
	"ums-aaa/internal/services/nas"
	"ums-aaa/internal/services/policy"
	"ums-aaa/internal/services/session"
)

// Deps is everything the HTTP surface talks to
type Deps struct {
	Policy       *policy.Service
	Sessions     *session.Service
	Ledger       *ledger.Service
	Billing      *billing.Service
	Subscription *billing.SubscriptionService
	NAS          *nas.Service
	Admins       *admin.Service
	Gateway      *gateway.Service
	Metrics      *metrics.Metrics
	RadiusToken  string
	Debug        bool
	Logger       *zap.Logger
}

// NewRouter builds the gin engine
func NewRouter(d Deps) *gin.Engine {
	if !d.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":          "ok",
			"service":         "ums-aaa",
			"timestamp":       time.Now().Unix(),
			"active_sessions": d.Sessions.Stats().Active,
		})
	})
	if d.Metrics != nil {
		router.GET("/metrics", gin.WrapH(d.Metrics.Handler()))
	}

	NewRADIUSHandler(d.Gateway, d.NAS, d.RadiusToken, d.Logger).RegisterRoutes(&router.RouterGroup)

	adminHandler := NewAdminHandler(d.Admins, d.Logger)

	v1 := router.Group("/api/v1")
	adminHandler.RegisterPublicRoutes(v1)

	protected := v1.Group("", adminHandler.RequireAdmin())
	{
		adminHandler.RegisterRoutes(protected)
		NewPolicyHandler(d.Policy, d.Logger).RegisterRoutes(protected)
		NewSessionHandler(d.Sessions, d.Gateway, d.Ledger, d.Logger).RegisterRoutes(protected)
		NewDisconnectHandler(d.Sessions, d.Gateway, d.Logger).RegisterRoutes(protected)
		NewBillingHandler(d.Billing, d.Subscription, d.Logger).RegisterRoutes(protected)
		NewRouterHandler(d.NAS, d.Logger).RegisterRoutes(protected)
		NewExportHandler(d.Policy, d.Ledger, d.Billing, d.NAS, d.Logger).RegisterRoutes(protected)
	}

	return router
}
