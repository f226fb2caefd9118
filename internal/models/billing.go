package models

import "time"

// AccountType selects the balance rules of an account
type AccountType string

const (
	Prepaid  AccountType = "prepaid"
	Postpaid AccountType = "postpaid"
)

// AccountStatus gates new sessions
type AccountStatus string

const (
	AccountActive    AccountStatus = "active"
	AccountSuspended AccountStatus = "suspended"
)

// BalanceAccount holds a customer's balance in minor currency units
type BalanceAccount struct {
	ID          string        `json:"id"`
	Customer    string        `json:"customer"`
	Type        AccountType   `json:"account_type"`
	Balance     int64         `json:"current_balance"`
	CreditLimit int64         `json:"credit_limit"`
	Status      AccountStatus `json:"status"`
	Plan        string        `json:"plan,omitempty"`
	Station     string        `json:"station,omitempty"`
	LastTopUp   *time.Time    `json:"last_topup,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// Floor is the lowest balance the account may reach.
func (a *BalanceAccount) Floor(prepaidFloor int64) int64 {
	if a.Type == Postpaid {
		return -a.CreditLimit
	}
	return prepaidFloor
}

// TransactionKind distinguishes credits from debits
type TransactionKind string

const (
	TxTopUp  TransactionKind = "topup"
	TxCharge TransactionKind = "charge"
)

// PaymentMethod of a top-up
type PaymentMethod string

const (
	MethodMpesa  PaymentMethod = "mpesa"
	MethodCard   PaymentMethod = "card"
	MethodWallet PaymentMethod = "wallet"
	MethodCash   PaymentMethod = "cash"
	MethodSystem PaymentMethod = "system"
)

func (m PaymentMethod) Valid() bool {
	switch m {
	case MethodMpesa, MethodCard, MethodWallet, MethodCash, MethodSystem:
		return true
	}
	return false
}

// Transaction is an immutable balance movement. Amount is signed.
type Transaction struct {
	ID           string          `json:"id"`
	AccountID    string          `json:"account_id"`
	Kind         TransactionKind `json:"kind"`
	Amount       int64           `json:"amount"`
	BalanceAfter int64           `json:"balance_after"`
	Method       PaymentMethod   `json:"method"`
	Reference    string          `json:"reference"`
	Description  string          `json:"description,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}
