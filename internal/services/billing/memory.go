package billing

import (
	"context"
	"sort"
	"sync"
	"time"

	"ums-aaa/internal/models"
)

type memAccount struct {
	mu   sync.Mutex
	acct models.BalanceAccount
	txs  []*models.Transaction
	refs map[string]*models.Transaction
}

// MemoryStore keeps accounts in memory with one lock per account
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[string]*memAccount
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{accounts: make(map[string]*memAccount)}
}

func (m *MemoryStore) get(id string) *memAccount {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.accounts[id]
}

func (m *MemoryStore) CreateAccount(ctx context.Context, acct *models.BalanceAccount) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.accounts[acct.ID]; exists {
		return models.NewConflict(models.CodeDuplicateName, "account %s exists", acct.ID)
	}
	m.accounts[acct.ID] = &memAccount{acct: *acct, refs: make(map[string]*models.Transaction)}
	return nil
}

func (m *MemoryStore) Account(ctx context.Context, id string) (*models.BalanceAccount, error) {
	a := m.get(id)
	if a == nil {
		return nil, nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	cp := a.acct
	return &cp, nil
}

func (m *MemoryStore) ListAccounts(ctx context.Context) ([]*models.BalanceAccount, error) {
	m.mu.RLock()
	all := make([]*memAccount, 0, len(m.accounts))
	for _, a := range m.accounts {
		all = append(all, a)
	}
	m.mu.RUnlock()

	out := make([]*models.BalanceAccount, 0, len(all))
	for _, a := range all {
		a.mu.Lock()
		cp := a.acct
		a.mu.Unlock()
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Customer < out[j].Customer })
	return out, nil
}

func (m *MemoryStore) SetStatus(ctx context.Context, id string, status models.AccountStatus, at time.Time) (*models.BalanceAccount, error) {
	a := m.get(id)
	if a == nil {
		return nil, models.NewNotFound("account %s", id)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acct.Status = status
	a.acct.UpdatedAt = at
	cp := a.acct
	return &cp, nil
}

func (m *MemoryStore) ApplyTransaction(ctx context.Context, tx *models.Transaction, check CheckFunc) (*models.BalanceAccount, *models.Transaction, bool, error) {
	a := m.get(tx.AccountID)
	if a == nil {
		return nil, nil, false, models.NewNotFound("account %s", tx.AccountID)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if prev, ok := a.refs[tx.Reference]; ok {
		acct, stored := a.acct, *prev
		return &acct, &stored, true, nil
	}

	newBalance := a.acct.Balance + tx.Amount
	if check != nil {
		cur := a.acct
		if err := check(&cur, newBalance); err != nil {
			return nil, nil, false, err
		}
	}

	stored := *tx
	stored.BalanceAfter = newBalance
	a.acct.Balance = newBalance
	a.acct.UpdatedAt = tx.CreatedAt
	if tx.Kind == models.TxTopUp {
		at := tx.CreatedAt
		a.acct.LastTopUp = &at
	}
	a.txs = append(a.txs, &stored)
	a.refs[tx.Reference] = &stored

	acct, out := a.acct, stored
	return &acct, &out, false, nil
}

// Transactions returns the newest transactions first.
func (m *MemoryStore) Transactions(ctx context.Context, accountID string, limit int) ([]*models.Transaction, error) {
	a := m.get(accountID)
	if a == nil {
		return nil, models.NewNotFound("account %s", accountID)
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]*models.Transaction, 0, len(a.txs))
	for i := len(a.txs) - 1; i >= 0; i-- {
		cp := *a.txs[i]
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}
