package models

import "time"

// AccountType classifies an account in the chart of accounts.
type AccountType string

const (
	AccountTypeAsset     AccountType = "asset"
	AccountTypeLiability AccountType = "liability"
	AccountTypeEquity    AccountType = "equity"
	AccountTypeRevenue   AccountType = "revenue"
	AccountTypeExpense   AccountType = "expense"
)

// EntrySide is the debit/credit side of a ledger entry.
type EntrySide string

const (
	SideDebit  EntrySide = "debit"
	SideCredit EntrySide = "credit"
)

// Valid reports whether t is one of the five recognized account types.
func (t AccountType) Valid() bool {
	switch t {
	case AccountTypeAsset, AccountTypeLiability, AccountTypeEquity, AccountTypeRevenue, AccountTypeExpense:
		return true
	}
	return false
}

// NormalBalanceSide returns the side on which an account of this type
// naturally increases: assets and expenses on debit, everything else on credit.
func (t AccountType) NormalBalanceSide() EntrySide {
	switch t {
	case AccountTypeAsset, AccountTypeExpense:
		return SideDebit
	default:
		return SideCredit
	}
}

// Opposite returns the mirror side, used when generating reversals.
func (s EntrySide) Opposite() EntrySide {
	if s == SideDebit {
		return SideCredit
	}
	return SideDebit
}

// Account is one entry in the chart of accounts. SettledBalance is cached
// derived state in minor currency units; the ledger entries are the source
// of truth and reconciliation repairs any drift. Version is the optimistic
// concurrency counter bumped on every balance write.
type Account struct {
	ID             int64       `json:"id"`
	UserID         *int64      `json:"user_id,omitempty"`
	Code           string      `json:"code"`
	Name           string      `json:"name"`
	Type           AccountType `json:"account_type"`
	NormalSide     EntrySide   `json:"normal_side"`
	SettledBalance int64       `json:"settled_balance"`
	Version        int64       `json:"version"`
	Archived       bool        `json:"archived"`
	CreatedAt      time.Time   `json:"created_at"`
}

// BalanceDelta returns the signed effect of an entry of the given side and
// amount on this account: positive when the side matches the account's
// normal balance side, negative otherwise.
func (a *Account) BalanceDelta(side EntrySide, amount int64) int64 {
	if side == a.NormalSide {
		return amount
	}
	return -amount
}
