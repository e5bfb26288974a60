package models

import "time"

// JournalTransaction is one immutable journal commit. Reversals are new
// transactions that mirror an original; originals are never edited beyond
// the reversed_by back-link set at reversal time.
type JournalTransaction struct {
	ID                    string    `json:"id"`
	Date                  time.Time `json:"date"`
	Description           string    `json:"description"`
	ExternalTransactionID *string   `json:"external_transaction_id,omitempty"`
	TradeNumber           *string   `json:"trade_number,omitempty"`
	IsReversal            bool      `json:"is_reversal"`
	ReversesID            *string   `json:"reverses_id,omitempty"`
	ReversedByID          *string   `json:"reversed_by_id,omitempty"`
	PostedAt              time.Time `json:"posted_at"`
}

// Reversed reports whether this transaction has already been undone.
func (t *JournalTransaction) Reversed() bool {
	return t.ReversedByID != nil && *t.ReversedByID != ""
}

// LedgerEntry is a single debit or credit line owned by a journal
// transaction. Amount is always non-negative, in minor currency units.
type LedgerEntry struct {
	ID            int64     `json:"id"`
	TransactionID string    `json:"transaction_id"`
	AccountID     int64     `json:"account_id"`
	Amount        int64     `json:"amount"`
	Side          EntrySide `json:"side"`
}

// EntryLine is the caller-facing input for one line of a commit, keyed by
// account code rather than internal id.
type EntryLine struct {
	AccountCode string    `json:"account_code"`
	Amount      int64     `json:"amount"`
	Side        EntrySide `json:"side"`
}

// ExternalTransaction is a normalized record from the bank/brokerage sync
// boundary: a signed amount in minor units plus identity and date. The
// ingestion protocol itself lives outside this service.
type ExternalTransaction struct {
	ID          string    `json:"id"`
	UserID      int64     `json:"user_id"`
	Date        time.Time `json:"date"`
	Amount      int64     `json:"amount"`
	Description string    `json:"description"`
}
