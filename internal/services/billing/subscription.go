package billing

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"ums-aaa/internal/models"
)

const planReferencePrefix = "plan:"

// SubscriptionService charges monthly plan fees
type SubscriptionService struct {
	billing *Service
	logger  *zap.Logger
	config  SubscriptionConfig
}

// SubscriptionConfig configuration for subscription billing
type SubscriptionConfig struct {
	Enabled                    bool   `yaml:"enabled"`
	DefaultMonthlyFee          int64  `yaml:"default_monthly_fee"`
	SuspendOnInsufficientFunds bool   `yaml:"suspend_on_insufficient_funds"`
	ProcessingTime             string `yaml:"processing_time"` // HH:MM
	EnableProration            bool   `yaml:"enable_proration"`
}

// Charge statuses
const (
	ChargeSuccess = "success"
	ChargeSkipped = "skipped"
	ChargeFailed  = "failed"
)

// SubscriptionCharge is the outcome of charging one account for one period
type SubscriptionCharge struct {
	AccountID     string    `json:"account_id"`
	Plan          string    `json:"plan"`
	Amount        int64     `json:"amount"`
	ChargeDate    time.Time `json:"charge_date"`
	PeriodStart   time.Time `json:"period_start"`
	PeriodEnd     time.Time `json:"period_end"`
	Status        string    `json:"status"`
	FailureReason string    `json:"failure_reason,omitempty"`
	TransactionID string    `json:"transaction_id,omitempty"`
}

// RunSummary counts the outcomes of one processing run
type RunSummary struct {
	Period    string `json:"period"`
	Accounts  int    `json:"accounts"`
	Charged   int    `json:"charged"`
	Skipped   int    `json:"skipped"`
	Failed    int    `json:"failed"`
	Suspended int    `json:"suspended"`
	Revenue   int64  `json:"revenue"`
}

// NewSubscriptionService creates a new subscription service
func NewSubscriptionService(billing *Service, logger *zap.Logger, config SubscriptionConfig) *SubscriptionService {
	if config.ProcessingTime == "" {
		config.ProcessingTime = "02:00"
	}
	return &SubscriptionService{
		billing: billing,
		logger:  logger,
		config:  config,
	}
}

// PlanReference is the idempotency key of a monthly fee
func PlanReference(accountID string, period time.Time) string {
	return fmt.Sprintf("%s%s:%s", planReferencePrefix, accountID, period.Format("2006-01"))
}

// ProcessMonthlyCharges charges every active account for the month of
// targetDate. Reruns for the same month charge nothing twice.
func (s *SubscriptionService) ProcessMonthlyCharges(ctx context.Context, targetDate time.Time) (*RunSummary, error) {
	s.logger.Info("Starting monthly subscription charges processing",
		zap.Time("target_date", targetDate))

	accounts, err := s.billing.ListAccounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get accounts: %w", err)
	}

	periodStart, periodEnd := s.calculateBillingPeriod(targetDate)
	summary := &RunSummary{Period: periodStart.Format("2006-01")}

	for _, account := range accounts {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		if account.Status != models.AccountActive {
			continue
		}
		summary.Accounts++

		charge := s.processAccountCharge(ctx, account, periodStart, periodEnd)
		switch charge.Status {
		case ChargeSuccess:
			summary.Charged++
			summary.Revenue += charge.Amount
		case ChargeSkipped:
			summary.Skipped++
		default:
			summary.Failed++
			if charge.FailureReason == models.CodeInsufficientBalance && s.config.SuspendOnInsufficientFunds {
				if _, err := s.billing.Suspend(ctx, account.ID); err != nil {
					s.logger.Error("Failed to suspend account",
						zap.String("account_id", account.ID),
						zap.Error(err))
				} else {
					summary.Suspended++
				}
			}
		}

		s.logger.Info("Processed account charge",
			zap.String("account_id", account.ID),
			zap.String("customer", account.Customer),
			zap.String("status", charge.Status),
			zap.Int64("amount", charge.Amount))
	}

	s.logger.Info("Monthly charges processing completed",
		zap.String("period", summary.Period),
		zap.Int("charged", summary.Charged),
		zap.Int("skipped", summary.Skipped),
		zap.Int("failures", summary.Failed),
		zap.Int("total", summary.Accounts))

	return summary, nil
}

func (s *SubscriptionService) processAccountCharge(ctx context.Context, account *models.BalanceAccount, periodStart, periodEnd time.Time) *SubscriptionCharge {
	charge := &SubscriptionCharge{
		AccountID:   account.ID,
		Plan:        account.Plan,
		ChargeDate:  s.billing.now(),
		PeriodStart: periodStart,
		PeriodEnd:   periodEnd,
	}

	amount := s.getMonthlyFee(account)
	if s.config.EnableProration {
		amount = s.calculateProratedAmount(amount, account.CreatedAt, periodStart, periodEnd)
	}
	if amount <= 0 {
		charge.Status = ChargeSkipped
		return charge
	}
	charge.Amount = amount

	comment := fmt.Sprintf("Monthly subscription fee for period %s - %s",
		periodStart.Format("2006-01-02"),
		periodEnd.Format("2006-01-02"))

	_, tx, duplicate, err := s.billing.charge(ctx, account.ID, amount, PlanReference(account.ID, periodStart), comment)
	if err != nil {
		charge.Status = ChargeFailed
		charge.FailureReason = models.CodeOf(err)
		if charge.FailureReason == "" {
			charge.FailureReason = err.Error()
		}
		return charge
	}

	charge.Status = ChargeSuccess
	charge.TransactionID = tx.ID
	if duplicate {
		// charged by an earlier run
		charge.Status = ChargeSkipped
		charge.ChargeDate = tx.CreatedAt
	}
	return charge
}

// getMonthlyFee returns the plan fee or the configured default
func (s *SubscriptionService) getMonthlyFee(account *models.BalanceAccount) int64 {
	if plan, ok := s.billing.config.Plans[account.Plan]; ok && plan.MonthlyFee > 0 {
		return plan.MonthlyFee
	}
	return s.config.DefaultMonthlyFee
}

// calculateBillingPeriod returns the first and last instant of the month
func (s *SubscriptionService) calculateBillingPeriod(targetDate time.Time) (time.Time, time.Time) {
	periodStart := time.Date(targetDate.Year(), targetDate.Month(), 1, 0, 0, 0, 0, targetDate.Location())
	periodEnd := periodStart.AddDate(0, 1, 0).Add(-time.Second)
	return periodStart, periodEnd
}

// calculateProratedAmount charges accounts created inside the period for the
// remaining share of it
func (s *SubscriptionService) calculateProratedAmount(monthlyFee int64, accountCreated, periodStart, periodEnd time.Time) int64 {
	if accountCreated.Before(periodStart) {
		return monthlyFee
	}
	if accountCreated.After(periodEnd) {
		return 0
	}

	total := periodEnd.Sub(periodStart)
	remaining := periodEnd.Sub(accountCreated)
	if remaining <= 0 {
		return 0
	}
	return int64(float64(monthlyFee) * remaining.Hours() / total.Hours())
}

// ChargeHistory returns plan fee transactions of an account, newest first
func (s *SubscriptionService) ChargeHistory(ctx context.Context, accountID string, limit int) ([]*SubscriptionCharge, error) {
	txs, err := s.billing.Transactions(ctx, accountID, 0)
	if err != nil {
		return nil, err
	}

	var charges []*SubscriptionCharge
	for _, tx := range txs {
		if tx.Kind != models.TxCharge || !strings.HasPrefix(tx.Reference, planReferencePrefix) {
			continue
		}
		period := tx.Reference[strings.LastIndex(tx.Reference, ":")+1:]
		start, err := time.ParseInLocation("2006-01", period, tx.CreatedAt.Location())
		if err != nil {
			continue
		}
		periodStart, periodEnd := s.calculateBillingPeriod(start)
		charges = append(charges, &SubscriptionCharge{
			AccountID:     accountID,
			Amount:        -tx.Amount,
			ChargeDate:    tx.CreatedAt,
			PeriodStart:   periodStart,
			PeriodEnd:     periodEnd,
			Status:        ChargeSuccess,
			TransactionID: tx.ID,
		})
		if limit > 0 && len(charges) >= limit {
			break
		}
	}
	return charges, nil
}

// SubscriptionStats summarises plan billing for a month
type SubscriptionStats struct {
	TotalAccounts     int   `json:"total_accounts"`
	ActiveAccounts    int   `json:"active_accounts"`
	SuspendedAccounts int   `json:"suspended_accounts"`
	ChargesThisMonth  int   `json:"charges_this_month"`
	TotalRevenue      int64 `json:"total_revenue"`
}

// Stats counts accounts and plan fees charged for the month of at
func (s *SubscriptionService) Stats(ctx context.Context, at time.Time) (*SubscriptionStats, error) {
	accounts, err := s.billing.ListAccounts(ctx)
	if err != nil {
		return nil, err
	}

	stats := &SubscriptionStats{TotalAccounts: len(accounts)}
	for _, acct := range accounts {
		if acct.Status == models.AccountActive {
			stats.ActiveAccounts++
		} else {
			stats.SuspendedAccounts++
		}
		ref := PlanReference(acct.ID, at)
		txs, err := s.billing.Transactions(ctx, acct.ID, 0)
		if err != nil {
			return nil, err
		}
		for _, tx := range txs {
			if tx.Reference == ref {
				stats.ChargesThisMonth++
				stats.TotalRevenue += -tx.Amount
			}
		}
	}
	return stats, nil
}

// ScheduledProcessor handles scheduled execution of monthly charges
type ScheduledProcessor struct {
	service *SubscriptionService
	logger  *zap.Logger
}

// NewScheduledProcessor creates a new scheduled processor
func NewScheduledProcessor(service *SubscriptionService, logger *zap.Logger) *ScheduledProcessor {
	return &ScheduledProcessor{
		service: service,
		logger:  logger,
	}
}

// RunMonthlyCharges runs monthly charges for the given date or now
func (p *ScheduledProcessor) RunMonthlyCharges(ctx context.Context, targetDate *time.Time) (*RunSummary, error) {
	processDate := p.service.billing.now()
	if targetDate != nil {
		processDate = *targetDate
	}

	p.logger.Info("Running scheduled monthly charges", zap.Time("date", processDate))

	summary, err := p.service.ProcessMonthlyCharges(ctx, processDate)
	if err != nil {
		p.logger.Error("Failed to process monthly charges", zap.Error(err))
		return summary, err
	}
	return summary, nil
}

// StartDailyScheduler wakes up at the processing time every day and bills
// the month on its first day. It returns when ctx is cancelled.
func (p *ScheduledProcessor) StartDailyScheduler(ctx context.Context) {
	go func() {
		for {
			now := time.Now()
			nextRun := p.getNextRunTime(now, p.service.config.ProcessingTime)

			p.logger.Info("Subscription processor scheduled",
				zap.Time("next_run", nextRun),
				zap.Duration("sleep_duration", nextRun.Sub(now)))

			timer := time.NewTimer(nextRun.Sub(now))
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}

			if nextRun.Day() == 1 {
				if _, err := p.RunMonthlyCharges(ctx, &nextRun); err != nil {
					p.logger.Error("Daily scheduled processing failed", zap.Error(err))
				}
			}
		}
	}()
}

// getNextRunTime calculates next run time based on processing time
func (p *ScheduledProcessor) getNextRunTime(now time.Time, processingTime string) time.Time {
	var hour, minute int
	if _, err := fmt.Sscanf(processingTime, "%d:%d", &hour, &minute); err != nil {
		hour, minute = 2, 0
	}

	nextRun := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !nextRun.After(now) {
		nextRun = nextRun.AddDate(0, 0, 1)
	}
	return nextRun
}
