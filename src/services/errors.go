package services

import (
	"errors"
	"fmt"
	"strings"
)

// Precondition failures are typed so callers can inspect the offending
// sums, codes, or quantities. All of them are detected before any write
// and are safe to retry after correcting the input.

// UnbalancedEntryError reports a commit whose debit and credit totals
// disagree. Nothing is written when this is returned.
type UnbalancedEntryError struct {
	DebitTotal  int64
	CreditTotal int64
}

func (e *UnbalancedEntryError) Error() string {
	return fmt.Sprintf("journal entry is unbalanced: debits %d != credits %d (minor units)", e.DebitTotal, e.CreditTotal)
}

// UnknownAccountError reports account codes that do not resolve to an
// existing, non-archived account.
type UnknownAccountError struct {
	Codes []string
}

func (e *UnknownAccountError) Error() string {
	return fmt.Sprintf("unknown or archived account code(s): %s", strings.Join(e.Codes, ", "))
}

// InsufficientSharesError reports a planned or committed sale that exceeds
// the total remaining quantity across the symbol's open lots.
type InsufficientSharesError struct {
	Symbol    string
	Requested int64
	Available int64
}

func (e *InsufficientSharesError) Error() string {
	return fmt.Sprintf("insufficient shares of %s: requested %d, available %d (short %d)",
		e.Symbol, e.Requested, e.Available, e.Shortfall())
}

// Shortfall is the number of shares the sale is short by.
func (e *InsufficientSharesError) Shortfall() int64 {
	return e.Requested - e.Available
}

// AlreadyReversedError reports an attempt to reverse a transaction that
// already has a reversal on record.
type AlreadyReversedError struct {
	TransactionID string
	ReversalID    string
}

func (e *AlreadyReversedError) Error() string {
	return fmt.Sprintf("transaction %s was already reversed by %s", e.TransactionID, e.ReversalID)
}

// OwnershipMismatchError reports an attempt to act on ledger rows owned by
// a different user than the caller.
type OwnershipMismatchError struct {
	UserID   int64
	Resource string
}

func (e *OwnershipMismatchError) Error() string {
	return fmt.Sprintf("user %d does not own %s", e.UserID, e.Resource)
}

var (
	// ErrNotReversible marks an attempt to reverse a transaction that is
	// itself a reversal.
	ErrNotReversible = errors.New("transaction is itself a reversal")

	// ErrConcurrentUpdate signals an optimistic-concurrency conflict on an
	// account balance; the whole commit is safe to retry from validation.
	ErrConcurrentUpdate = errors.New("account was modified concurrently")

	ErrAccountNotFound     = errors.New("account not found")
	ErrTransactionNotFound = errors.New("journal transaction not found")
	ErrLotNotFound         = errors.New("stock lot not found")
	ErrDispositionNotFound = errors.New("lot disposition not found")
)
