package database

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"ums-aaa/internal/models"
	"ums-aaa/internal/services/billing"
)

// BillingStore implements billing.Store. Balance movements lock the account
// row with SELECT ... FOR UPDATE and rely on UNIQUE(account_id, reference)
// for replay detection.
type BillingStore struct {
	db *sql.DB
}

const accountColumns = `id, customer, account_type, balance, credit_limit, status, plan, station, last_topup, created_at, updated_at`

func scanAccount(row scanner) (*models.BalanceAccount, error) {
	var (
		a         models.BalanceAccount
		lastTopUp sql.NullTime
	)
	if err := row.Scan(&a.ID, &a.Customer, &a.Type, &a.Balance, &a.CreditLimit, &a.Status,
		&a.Plan, &a.Station, &lastTopUp, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.LastTopUp = timePtr(lastTopUp)
	return &a, nil
}

const transactionColumns = `id, account_id, kind, amount, balance_after, method, reference, description, created_at`

func scanTransaction(row scanner) (*models.Transaction, error) {
	var t models.Transaction
	if err := row.Scan(&t.ID, &t.AccountID, &t.Kind, &t.Amount, &t.BalanceAfter,
		&t.Method, &t.Reference, &t.Description, &t.CreatedAt); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *BillingStore) CreateAccount(ctx context.Context, acct *models.BalanceAccount) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO balance_accounts (`+accountColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		acct.ID, acct.Customer, acct.Type, acct.Balance, acct.CreditLimit, acct.Status,
		acct.Plan, acct.Station, nullTime(acct.LastTopUp), acct.CreatedAt, acct.UpdatedAt)
	return translate(err, models.CodeDuplicateName, "account %s exists", acct.ID)
}

func (s *BillingStore) Account(ctx context.Context, id string) (*models.BalanceAccount, error) {
	a, err := scanAccount(s.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM balance_accounts WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, translate(err, models.CodeUnavailable, "account %s", id)
	}
	return a, nil
}

func (s *BillingStore) ListAccounts(ctx context.Context) ([]*models.BalanceAccount, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+accountColumns+` FROM balance_accounts ORDER BY customer`)
	if err != nil {
		return nil, translate(err, models.CodeUnavailable, "list accounts")
	}
	defer rows.Close()

	var out []*models.BalanceAccount
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, translate(err, models.CodeUnavailable, "scan account")
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *BillingStore) SetStatus(ctx context.Context, id string, status models.AccountStatus, at time.Time) (*models.BalanceAccount, error) {
	a, err := scanAccount(s.db.QueryRowContext(ctx, `
		UPDATE balance_accounts SET status = $2, updated_at = $3 WHERE id = $1
		RETURNING `+accountColumns, id, status, at))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.NewNotFound("account %s", id)
	}
	if err != nil {
		return nil, translate(err, models.CodeUnavailable, "set status of account %s", id)
	}
	return a, nil
}

func (s *BillingStore) ApplyTransaction(ctx context.Context, t *models.Transaction, check billing.CheckFunc) (*models.BalanceAccount, *models.Transaction, bool, error) {
	var (
		acct      *models.BalanceAccount
		stored    *models.Transaction
		duplicate bool
	)

	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		var err error
		acct, err = scanAccount(tx.QueryRowContext(ctx,
			`SELECT `+accountColumns+` FROM balance_accounts WHERE id = $1 FOR UPDATE`, t.AccountID))
		if errors.Is(err, sql.ErrNoRows) {
			return models.NewNotFound("account %s", t.AccountID)
		}
		if err != nil {
			return translate(err, models.CodeUnavailable, "lock account %s", t.AccountID)
		}

		prev, err := scanTransaction(tx.QueryRowContext(ctx,
			`SELECT `+transactionColumns+` FROM balance_transactions WHERE account_id = $1 AND reference = $2`,
			t.AccountID, t.Reference))
		if err == nil {
			stored, duplicate = prev, true
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return translate(err, models.CodeUnavailable, "lookup reference %s", t.Reference)
		}

		newBalance := acct.Balance + t.Amount
		if check != nil {
			if err := check(acct, newBalance); err != nil {
				return err
			}
		}

		stored = &models.Transaction{}
		*stored = *t
		stored.BalanceAfter = newBalance
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO balance_transactions (`+transactionColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			stored.ID, stored.AccountID, stored.Kind, stored.Amount, stored.BalanceAfter,
			stored.Method, stored.Reference, stored.Description, stored.CreatedAt); err != nil {
			return translate(err, models.CodeDuplicateReference, "reference %s", t.Reference)
		}

		acct.Balance = newBalance
		acct.UpdatedAt = t.CreatedAt
		if t.Kind == models.TxTopUp {
			at := t.CreatedAt
			acct.LastTopUp = &at
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE balance_accounts SET balance = $2, updated_at = $3, last_topup = $4 WHERE id = $1`,
			acct.ID, acct.Balance, acct.UpdatedAt, nullTime(acct.LastTopUp)); err != nil {
			return translate(err, models.CodeUnavailable, "update balance of %s", acct.ID)
		}
		return nil
	})
	if err != nil {
		return nil, nil, false, err
	}

	if !duplicate {
		logrus.Debugf("Applied %s of %d to account %s, balance %d", t.Kind, t.Amount, t.AccountID, acct.Balance)
	}
	return acct, stored, duplicate, nil
}

// Transactions returns the newest transactions first.
func (s *BillingStore) Transactions(ctx context.Context, accountID string, limit int) ([]*models.Transaction, error) {
	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM balance_accounts WHERE id = $1)`, accountID).Scan(&exists); err != nil {
		return nil, translate(err, models.CodeUnavailable, "account %s", accountID)
	}
	if !exists {
		return nil, models.NewNotFound("account %s", accountID)
	}

	query := `SELECT ` + transactionColumns + ` FROM balance_transactions
		WHERE account_id = $1 ORDER BY created_at DESC, id`
	args := []interface{}{accountID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, translate(err, models.CodeUnavailable, "transactions of %s", accountID)
	}
	defer rows.Close()

	var out []*models.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, translate(err, models.CodeUnavailable, "scan transaction")
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
