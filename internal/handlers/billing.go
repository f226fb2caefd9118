package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"ums-aaa/internal/models"
	"ums-aaa/internal/services/billing"
)

// BillingHandler handles balance accounts and plan billing
type BillingHandler struct {
	billing      *billing.Service
	subscription *billing.SubscriptionService
	logger       *zap.Logger
}

// NewBillingHandler creates a new billing handler
func NewBillingHandler(billingSvc *billing.Service, subscription *billing.SubscriptionService, logger *zap.Logger) *BillingHandler {
	return &BillingHandler{
		billing:      billingSvc,
		subscription: subscription,
		logger:       logger,
	}
}

func (h *BillingHandler) RegisterRoutes(rg *gin.RouterGroup) {
	accounts := rg.Group("/accounts")
	accounts.GET("", h.ListAccounts)
	accounts.POST("", h.CreateAccount)
	accounts.GET("/:id", h.GetAccount)
	accounts.GET("/:id/transactions", h.GetTransactions)
	accounts.POST("/:id/topup", h.TopUp)
	accounts.POST("/:id/charge", h.Charge)
	accounts.POST("/:id/suspend", h.Suspend)
	accounts.POST("/:id/activate", h.Activate)

	sub := rg.Group("/subscription")
	sub.POST("/process", h.ProcessMonthlyCharges)
	sub.POST("/process/:date", h.ProcessChargesForDate)
	sub.GET("/account/:id/history", h.GetAccountHistory)
	sub.GET("/stats", h.GetSubscriptionStats)
}

// ================ ACCOUNTS ================

// GET /api/v1/accounts
func (h *BillingHandler) ListAccounts(c *gin.Context) {
	accounts, err := h.billing.ListAccounts(c.Request.Context())
	if err != nil {
		respondError(c, h.logger, "list accounts", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"accounts": accounts, "count": len(accounts)})
}

// POST /api/v1/accounts
func (h *BillingHandler) CreateAccount(c *gin.Context) {
	var req struct {
		ID          string             `json:"id"`
		Customer    string             `json:"customer" binding:"required"`
		Type        models.AccountType `json:"account_type"`
		Balance     int64              `json:"opening_balance"`
		CreditLimit int64              `json:"credit_limit"`
		Plan        string             `json:"plan"`
		Station     string             `json:"station"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	acct, err := h.billing.CreateAccount(c.Request.Context(), models.BalanceAccount{
		ID:          req.ID,
		Customer:    req.Customer,
		Type:        req.Type,
		Balance:     req.Balance,
		CreditLimit: req.CreditLimit,
		Plan:        req.Plan,
		Station:     req.Station,
	})
	if err != nil {
		respondError(c, h.logger, "create account", err)
		return
	}
	c.JSON(http.StatusCreated, acct)
}

// GET /api/v1/accounts/:id
func (h *BillingHandler) GetAccount(c *gin.Context) {
	acct, err := h.billing.Account(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, "load account", err)
		return
	}
	c.JSON(http.StatusOK, acct)
}

// GET /api/v1/accounts/:id/transactions?limit=50
func (h *BillingHandler) GetTransactions(c *gin.Context) {
	limit, err := queryInt(c, "limit", 50)
	if err != nil {
		respondError(c, h.logger, "list transactions", err)
		return
	}
	txs, err := h.billing.Transactions(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		respondError(c, h.logger, "list transactions", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"account_id":   c.Param("id"),
		"transactions": txs,
		"count":        len(txs),
	})
}

// TopUp credits an account once per payment reference
// POST /api/v1/accounts/:id/topup
func (h *BillingHandler) TopUp(c *gin.Context) {
	var req struct {
		Amount    int64                `json:"amount" binding:"required"`
		Method    models.PaymentMethod `json:"method" binding:"required"`
		Reference string               `json:"reference" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	acct, err := h.billing.ApplyTopUp(c.Request.Context(), c.Param("id"), req.Amount, req.Method, req.Reference)
	if err != nil {
		respondError(c, h.logger, "apply top-up", err)
		return
	}
	c.JSON(http.StatusOK, acct)
}

// Charge debits an account for manual usage
// POST /api/v1/accounts/:id/charge
func (h *BillingHandler) Charge(c *gin.Context) {
	var req struct {
		Amount    int64  `json:"amount" binding:"required"`
		Reference string `json:"reference"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	acct, err := h.billing.ApplyUsageCharge(c.Request.Context(), c.Param("id"), req.Amount, req.Reference)
	if err != nil {
		respondError(c, h.logger, "apply charge", err)
		return
	}
	c.JSON(http.StatusOK, acct)
}

// POST /api/v1/accounts/:id/suspend
func (h *BillingHandler) Suspend(c *gin.Context) {
	acct, err := h.billing.Suspend(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, "suspend account", err)
		return
	}
	c.JSON(http.StatusOK, acct)
}

// POST /api/v1/accounts/:id/activate
func (h *BillingHandler) Activate(c *gin.Context) {
	acct, err := h.billing.Activate(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, "activate account", err)
		return
	}
	c.JSON(http.StatusOK, acct)
}

// ================ SUBSCRIPTION ================

// ProcessMonthlyCharges manually triggers monthly charges processing
// POST /api/v1/subscription/process
func (h *BillingHandler) ProcessMonthlyCharges(c *gin.Context) {
	h.process(c, time.Now())
}

// ProcessChargesForDate manually triggers charges for specific date
// POST /api/v1/subscription/process/2024-01-01
func (h *BillingHandler) ProcessChargesForDate(c *gin.Context) {
	targetDate, err := time.ParseInLocation("2006-01-02", c.Param("date"), time.Local)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid date format. Use YYYY-MM-DD", "code": models.CodeInvalidRequest})
		return
	}
	h.process(c, targetDate)
}

func (h *BillingHandler) process(c *gin.Context, targetDate time.Time) {
	summary, err := h.subscription.ProcessMonthlyCharges(c.Request.Context(), targetDate)
	if err != nil {
		respondError(c, h.logger, "process monthly charges", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message": "Monthly charges processed",
		"date":    targetDate.Format("2006-01-02"),
		"summary": summary,
	})
}

// GetAccountHistory returns plan fee history for an account
// GET /api/v1/subscription/account/:id/history?limit=10
func (h *BillingHandler) GetAccountHistory(c *gin.Context) {
	limit, err := queryInt(c, "limit", 10)
	if err != nil || limit == 0 || limit > 100 {
		limit = 10
	}

	accountID := c.Param("id")
	charges, err := h.subscription.ChargeHistory(c.Request.Context(), accountID, limit)
	if err != nil {
		respondError(c, h.logger, "load charge history", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"account_id": accountID,
		"charges":    charges,
		"count":      len(charges),
	})
}

// GetSubscriptionStats returns plan billing statistics for this month
// GET /api/v1/subscription/stats
func (h *BillingHandler) GetSubscriptionStats(c *gin.Context) {
	stats, err := h.subscription.Stats(c.Request.Context(), time.Now())
	if err != nil {
		respondError(c, h.logger, "load subscription stats", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stats": stats})
}
