// src/services/interfaces.go
package services

import (
	"context"

	"github.com/Temple-Stuart/temple-stuart-accounting-sub003/src/models"
)

// AccountService manages the chart of accounts.
type AccountService interface {
	CreateAccount(ctx context.Context, input CreateAccountInput) (*models.Account, error)
	GetAccountByCode(ctx context.Context, code string) (*models.Account, error)
	ArchiveAccount(ctx context.Context, code string) error
	ListAccounts(ctx context.Context) ([]models.Account, error)
	SeedChart(ctx context.Context, accounts []CreateAccountInput) (created int, err error)
}

// JournalService validates and atomically commits balanced journal
// transactions, updating account balances as a side effect.
type JournalService interface {
	Commit(ctx context.Context, input CommitInput) (*models.JournalTransaction, error)
	ConvertExternalTransaction(ctx context.Context, ext models.ExternalTransaction, bankAccountCode, counterAccountCode string) (*models.JournalTransaction, error)
	GetTransaction(ctx context.Context, id string) (*models.JournalTransaction, error)
	GetEntries(ctx context.Context, transactionID string) ([]models.LedgerEntry, error)
}

// ReversalService generates opposite-sign reversing transactions and drives
// the user-facing uncommit gesture.
type ReversalService interface {
	Reverse(ctx context.Context, transactionIDs []string) (*ReversalResult, error)
	ReverseOne(ctx context.Context, transactionID string) (string, error)
	Uncommit(ctx context.Context, userID int64, externalTransactionIDs []string) (*UncommitResult, error)
}

// ReconciliationService recomputes cached balances from ledger history and
// repairs missing account ownership.
type ReconciliationService interface {
	Recompute(ctx context.Context, accountID int64) (*ReconcileResult, error)
	RecomputeAll(ctx context.Context, userID int64) ([]ReconcileResult, error)
	ResolveOwner(ctx context.Context, accountID int64) (*OwnershipResolution, error)
	ResolveUnownedAccounts(ctx context.Context) ([]OwnershipResolution, error)
}

// LotService tracks stock lots, their dispositions, and trading positions.
type LotService interface {
	OpenLot(ctx context.Context, input OpenLotInput) (*models.StockLot, error)
	GetLot(ctx context.Context, lotID string) (*models.StockLot, error)
	OpenLots(ctx context.Context, userID int64, symbol string) ([]models.StockLot, error)
	RecordDisposition(ctx context.Context, input DispositionInput) (*models.LotDisposition, error)
	DeleteDisposition(ctx context.Context, userID int64, dispositionID string) error
	CommitSale(ctx context.Context, input CommitSaleInput) (*SaleCommitResult, error)
	OpenPosition(ctx context.Context, input OpenPositionInput) (*models.TradingPosition, error)
	ClosePosition(ctx context.Context, userID int64, positionID, closeTransactionID string) (*models.TradingPosition, error)
}

// PlanningService runs the read-only what-if comparison of lot matching
// strategies for a prospective sale.
type PlanningService interface {
	PlanSale(ctx context.Context, input PlanSaleInput) (*SalePlan, error)
	InvalidateUser(userID int64)
}
