package billing

import (
	"context"
	"time"

	"ums-aaa/internal/models"
)

// CheckFunc vets a balance movement against the locked account. Returning an
// error aborts the transaction without changing anything.
type CheckFunc func(acct *models.BalanceAccount, newBalance int64) error

// Store persists accounts and their transactions. ApplyTransaction must be
// atomic per account and dedupe on (account, reference): a replay returns the
// stored transaction with duplicate set and leaves the balance alone.
type Store interface {
	CreateAccount(ctx context.Context, acct *models.BalanceAccount) error
	Account(ctx context.Context, id string) (*models.BalanceAccount, error)
	ListAccounts(ctx context.Context) ([]*models.BalanceAccount, error)
	SetStatus(ctx context.Context, id string, status models.AccountStatus, at time.Time) (*models.BalanceAccount, error)
	ApplyTransaction(ctx context.Context, tx *models.Transaction, check CheckFunc) (acct *models.BalanceAccount, stored *models.Transaction, duplicate bool, err error)
	Transactions(ctx context.Context, accountID string, limit int) ([]*models.Transaction, error)
}
