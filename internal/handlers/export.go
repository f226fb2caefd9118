package handlers

import (
	"bytes"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"ums-aaa/internal/models"
	"ums-aaa/internal/services/billing"
	"ums-aaa/internal/services/ledger"
	"ums-aaa/internal/services/nas"
	"ums-aaa/internal/services/policy"
	"ums-aaa/internal/services/report"
)

// ExportHandler serves CSV downloads
type ExportHandler struct {
	policy  *policy.Service
	ledger  *ledger.Service
	billing *billing.Service
	nas     *nas.Service
	logger  *zap.Logger
}

func NewExportHandler(policySvc *policy.Service, ledgerSvc *ledger.Service, billingSvc *billing.Service, nasSvc *nas.Service, logger *zap.Logger) *ExportHandler {
	return &ExportHandler{
		policy:  policySvc,
		ledger:  ledgerSvc,
		billing: billingSvc,
		nas:     nasSvc,
		logger:  logger,
	}
}

func (h *ExportHandler) RegisterRoutes(rg *gin.RouterGroup) {
	export := rg.Group("/export")
	export.GET("/access-codes.csv", h.AccessCodes)
	export.GET("/session-logs.csv", h.SessionLogs)
	export.GET("/balances.csv", h.Balances)
	export.GET("/routers.csv", h.Routers)
	export.GET("/bandwidth-profiles.csv", h.BandwidthProfiles)
	export.GET("/device-limits.csv", h.DeviceLimits)
}

// sendCSV renders into a buffer first so a failure can still produce a JSON
// error instead of a truncated file.
func (h *ExportHandler) sendCSV(c *gin.Context, name string, render func(buf *bytes.Buffer) (int, error)) {
	var buf bytes.Buffer
	rows, err := render(&buf)
	if err != nil {
		respondError(c, h.logger, "export "+name, err)
		return
	}
	filename := fmt.Sprintf("%s-%s.csv", name, time.Now().Format("20060102-150405"))
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, filename))
	c.Header("X-Row-Count", fmt.Sprint(rows))
	c.Data(http.StatusOK, "text/csv; charset=utf-8", buf.Bytes())
}

// GET /api/v1/export/access-codes.csv?status=unused
func (h *ExportHandler) AccessCodes(c *gin.Context) {
	h.sendCSV(c, "access-codes", func(buf *bytes.Buffer) (int, error) {
		codes, err := h.policy.ListAccessCodes(c.Request.Context(), models.AccessCodeStatus(c.Query("status")))
		if err != nil {
			return 0, err
		}
		return report.WriteAccessCodes(buf, codes)
	})
}

// GET /api/v1/export/session-logs.csv?username=alice&from=2024-03-01
func (h *ExportHandler) SessionLogs(c *gin.Context) {
	f, err := logFilter(c)
	if err != nil {
		respondError(c, h.logger, "parse session log filter", err)
		return
	}
	if c.Query("limit") == "" {
		f.Limit = 0
	}
	h.sendCSV(c, "session-logs", func(buf *bytes.Buffer) (int, error) {
		return report.WriteSessionLogs(buf, h.ledger.Query(c.Request.Context(), f))
	})
}

// GET /api/v1/export/balances.csv
func (h *ExportHandler) Balances(c *gin.Context) {
	h.sendCSV(c, "balances", func(buf *bytes.Buffer) (int, error) {
		accounts, err := h.billing.ListAccounts(c.Request.Context())
		if err != nil {
			return 0, err
		}
		return report.WriteBalances(buf, accounts)
	})
}

// GET /api/v1/export/routers.csv
func (h *ExportHandler) Routers(c *gin.Context) {
	h.sendCSV(c, "routers", func(buf *bytes.Buffer) (int, error) {
		routers, err := h.nas.List(c.Request.Context())
		if err != nil {
			return 0, err
		}
		return report.WriteRouters(buf, routers)
	})
}

// GET /api/v1/export/bandwidth-profiles.csv
func (h *ExportHandler) BandwidthProfiles(c *gin.Context) {
	h.sendCSV(c, "bandwidth-profiles", func(buf *bytes.Buffer) (int, error) {
		profiles, err := h.policy.ListBandwidthProfiles(c.Request.Context())
		if err != nil {
			return 0, err
		}
		return report.WriteBandwidthProfiles(buf, profiles)
	})
}

// GET /api/v1/export/device-limits.csv
func (h *ExportHandler) DeviceLimits(c *gin.Context) {
	h.sendCSV(c, "device-limits", func(buf *bytes.Buffer) (int, error) {
		groups, err := h.policy.ListUserGroups(c.Request.Context())
		if err != nil {
			return 0, err
		}
		return report.WriteDeviceLimits(buf, groups)
	})
}
