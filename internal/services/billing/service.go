package billing

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"ums-aaa/internal/metrics"
	"ums-aaa/internal/models"
)

// Config holds balance rules and tariff plans
type Config struct {
	PrepaidFloor  int64           `yaml:"prepaid_floor"`
	DefaultTariff Tariff          `yaml:"default_tariff"`
	Plans         map[string]Plan `yaml:"plans"`
}

// Service is the balance engine. Every balance change is a transaction with
// a reference unique per account, so retries never double-apply.
type Service struct {
	store   Store
	logger  *zap.Logger
	config  Config
	metrics *metrics.Metrics
	now     func() time.Time
}

func New(store Store, logger *zap.Logger, config Config) *Service {
	if config.Plans == nil {
		config.Plans = make(map[string]Plan)
	}
	return &Service{
		store:  store,
		logger: logger,
		config: config,
		now:    time.Now,
	}
}

func (s *Service) SetMetrics(m *metrics.Metrics) {
	s.metrics = m
}

func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// ================ ACCOUNTS ================

// CreateAccount validates and stores a new account. The opening balance is
// taken as given.
func (s *Service) CreateAccount(ctx context.Context, acct models.BalanceAccount) (*models.BalanceAccount, error) {
	acct.Customer = strings.TrimSpace(acct.Customer)
	if acct.Customer == "" {
		return nil, models.NewValidationError(models.CodeInvalidRequest, "customer is required")
	}
	if acct.Type == "" {
		acct.Type = models.Prepaid
	}
	if acct.Type != models.Prepaid && acct.Type != models.Postpaid {
		return nil, models.NewValidationError(models.CodeInvalidRequest, "unknown account type %q", acct.Type)
	}
	if acct.CreditLimit < 0 {
		return nil, models.NewValidationError(models.CodeInvalidAmount, "credit limit must not be negative")
	}
	if acct.Type == models.Prepaid {
		acct.CreditLimit = 0
	}
	if acct.Status == "" {
		acct.Status = models.AccountActive
	}
	if acct.Plan != "" {
		if _, ok := s.config.Plans[acct.Plan]; !ok {
			return nil, models.NewValidationError(models.CodeInvalidRequest, "unknown plan %q", acct.Plan)
		}
	}
	if acct.ID == "" {
		acct.ID = uuid.New().String()
	}
	now := s.now()
	acct.CreatedAt = now
	acct.UpdatedAt = now

	if err := s.store.CreateAccount(ctx, &acct); err != nil {
		return nil, s.storeError("create account", err)
	}

	s.logger.Info("Balance account created",
		zap.String("account_id", acct.ID),
		zap.String("customer", acct.Customer),
		zap.String("type", string(acct.Type)))
	return &acct, nil
}

func (s *Service) Account(ctx context.Context, id string) (*models.BalanceAccount, error) {
	acct, err := s.store.Account(ctx, id)
	if err != nil {
		return nil, s.storeError("get account", err)
	}
	if acct == nil {
		return nil, models.NewNotFound("account %s", id)
	}
	return acct, nil
}

func (s *Service) ListAccounts(ctx context.Context) ([]*models.BalanceAccount, error) {
	accounts, err := s.store.ListAccounts(ctx)
	if err != nil {
		return nil, s.storeError("list accounts", err)
	}
	return accounts, nil
}

func (s *Service) Transactions(ctx context.Context, accountID string, limit int) ([]*models.Transaction, error) {
	txs, err := s.store.Transactions(ctx, accountID, limit)
	if err != nil {
		return nil, s.storeError("list transactions", err)
	}
	return txs, nil
}

// Suspend blocks new sessions for the account
func (s *Service) Suspend(ctx context.Context, id string) (*models.BalanceAccount, error) {
	return s.setStatus(ctx, id, models.AccountSuspended)
}

// Activate lifts a suspension
func (s *Service) Activate(ctx context.Context, id string) (*models.BalanceAccount, error) {
	return s.setStatus(ctx, id, models.AccountActive)
}

func (s *Service) setStatus(ctx context.Context, id string, status models.AccountStatus) (*models.BalanceAccount, error) {
	acct, err := s.store.SetStatus(ctx, id, status, s.now())
	if err != nil {
		return nil, s.storeError("set account status", err)
	}
	s.logger.Info("Account status changed",
		zap.String("account_id", id),
		zap.String("status", string(status)))
	return acct, nil
}

// ================ TRANSACTIONS ================

// ApplyTopUp credits the account once per reference. A replay with the same
// amount returns the current account; a replay with a different amount is a
// DuplicateReference conflict.
func (s *Service) ApplyTopUp(ctx context.Context, accountID string, amount int64, method models.PaymentMethod, reference string) (*models.BalanceAccount, error) {
	if amount <= 0 {
		return nil, models.NewValidationError(models.CodeInvalidAmount, "top-up amount must be positive")
	}
	if !method.Valid() {
		return nil, models.NewValidationError(models.CodeInvalidRequest, "unknown payment method %q", method)
	}
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return nil, models.NewValidationError(models.CodeInvalidRequest, "top-up reference is required")
	}

	tx := &models.Transaction{
		AccountID: accountID,
		Kind:      models.TxTopUp,
		Amount:    amount,
		Method:    method,
		Reference: reference,
	}
	acct, _, _, err := s.apply(ctx, tx, nil)
	return acct, err
}

// ApplyUsageCharge debits the account unless that would take it below its
// floor. A rejected charge leaves the balance unchanged. An empty reference
// makes the charge non-idempotent.
func (s *Service) ApplyUsageCharge(ctx context.Context, accountID string, amount int64, reference string) (*models.BalanceAccount, error) {
	acct, _, _, err := s.charge(ctx, accountID, amount, reference, "")
	return acct, err
}

func (s *Service) charge(ctx context.Context, accountID string, amount int64, reference, description string) (*models.BalanceAccount, *models.Transaction, bool, error) {
	if amount <= 0 {
		return nil, nil, false, models.NewValidationError(models.CodeInvalidAmount, "charge amount must be positive")
	}
	if reference == "" {
		reference = "charge:" + uuid.New().String()
	}
	tx := &models.Transaction{
		AccountID:   accountID,
		Kind:        models.TxCharge,
		Amount:      -amount,
		Method:      models.MethodSystem,
		Reference:   reference,
		Description: description,
	}
	return s.apply(ctx, tx, func(acct *models.BalanceAccount, newBalance int64) error {
		if floor := acct.Floor(s.config.PrepaidFloor); newBalance < floor {
			return models.NewPolicyRejection(models.CodeInsufficientBalance,
				"balance %d cannot cover %d (floor %d)", acct.Balance, amount, floor)
		}
		return nil
	})
}

func (s *Service) apply(ctx context.Context, tx *models.Transaction, check CheckFunc) (*models.BalanceAccount, *models.Transaction, bool, error) {
	tx.ID = uuid.New().String()
	tx.CreatedAt = s.now()

	acct, stored, duplicate, err := s.store.ApplyTransaction(ctx, tx, check)
	if err != nil {
		outcome := "failed"
		if models.IsKind(err, models.KindPolicy) {
			outcome = "rejected"
		}
		s.metrics.RecordTransaction(string(tx.Kind), outcome, tx.Amount)
		s.logger.Info("Transaction not applied",
			zap.String("account_id", tx.AccountID),
			zap.String("kind", string(tx.Kind)),
			zap.Int64("amount", tx.Amount),
			zap.String("reference", tx.Reference),
			zap.Error(err))
		return nil, nil, false, s.storeError("apply transaction", err)
	}

	if duplicate {
		s.metrics.RecordTransaction(string(tx.Kind), "duplicate", tx.Amount)
		if stored.Amount != tx.Amount || stored.Kind != tx.Kind {
			return nil, nil, true, models.NewConflict(models.CodeDuplicateReference,
				"reference %s already used for %s of %d", tx.Reference, stored.Kind, stored.Amount)
		}
		s.logger.Debug("Duplicate transaction ignored",
			zap.String("account_id", tx.AccountID),
			zap.String("reference", tx.Reference))
		return acct, stored, true, nil
	}

	s.metrics.RecordTransaction(string(tx.Kind), "applied", tx.Amount)
	s.logger.Info("Transaction applied",
		zap.String("account_id", tx.AccountID),
		zap.String("kind", string(tx.Kind)),
		zap.Int64("amount", tx.Amount),
		zap.Int64("balance", stored.BalanceAfter),
		zap.String("reference", tx.Reference))
	return acct, stored, false, nil
}

// ================ AUTHORIZATION ================

// CanStartSession is the balance gate the gateway consults before Accept.
func (s *Service) CanStartSession(ctx context.Context, accountID string) error {
	acct, err := s.Account(ctx, accountID)
	if err != nil {
		return err
	}
	if acct.Status == models.AccountSuspended {
		return models.NewPolicyRejection(models.CodeAccountSuspended, "account %s is suspended", accountID)
	}
	if s.Headroom(acct) <= 0 {
		return models.NewPolicyRejection(models.CodeInsufficientBalance, "account %s has no balance left", accountID)
	}
	return nil
}

// Headroom is how much can still be charged before the floor
func (s *Service) Headroom(acct *models.BalanceAccount) int64 {
	return acct.Balance - acct.Floor(s.config.PrepaidFloor)
}

// TariffFor returns the tariff of the account's plan
func (s *Service) TariffFor(acct *models.BalanceAccount) Tariff {
	if plan, ok := s.config.Plans[acct.Plan]; ok {
		return plan.Tariff
	}
	return s.config.DefaultTariff
}

// Quote prices usage so far against the account's tariff
func (s *Service) Quote(acct *models.BalanceAccount, durationSeconds int64, bytes uint64, startedAt time.Time) int64 {
	return s.TariffFor(acct).Cost(durationSeconds, bytes, startedAt)
}

// ChargeSession debits a closed session once, under reference
// session:<id>. A cost above the headroom is capped so the balance stops at
// the floor; the shortfall is logged.
func (s *Service) ChargeSession(ctx context.Context, accountID string, rec models.SessionRecord) (*models.Transaction, error) {
	acct, err := s.Account(ctx, accountID)
	if err != nil {
		return nil, err
	}

	cost := s.Quote(acct, rec.DurationSeconds, rec.BytesIn+rec.BytesOut, rec.Login)
	if cost <= 0 {
		return nil, nil
	}

	amount := cost
	if headroom := s.Headroom(acct); amount > headroom {
		s.logger.Warn("Session cost exceeds headroom",
			zap.String("account_id", accountID),
			zap.String("session_id", rec.SessionID),
			zap.Int64("cost", cost),
			zap.Int64("headroom", headroom))
		amount = headroom
	}
	if amount <= 0 {
		return nil, nil
	}

	description := fmt.Sprintf("Session %s: %ds, %d bytes", rec.SessionID, rec.DurationSeconds, rec.BytesIn+rec.BytesOut)
	_, tx, _, err := s.charge(ctx, accountID, amount, "session:"+rec.SessionID, description)
	if err != nil {
		return nil, err
	}
	return tx, nil
}

// storeError keeps typed errors and marks everything else transient.
func (s *Service) storeError(op string, err error) error {
	if models.KindOf(err) != "" {
		return err
	}
	return models.NewTransientFailure(models.CodeUnavailable, fmt.Errorf("failed to %s: %w", op, err))
}
