package models

import "time"

// LotStatus is the lifecycle state of a stock lot.
type LotStatus string

const (
	LotStatusOpen    LotStatus = "OPEN"
	LotStatusPartial LotStatus = "PARTIAL"
	LotStatusClosed  LotStatus = "CLOSED"
)

// StatusForQuantities returns the lot status implied by the remaining and
// original share counts. Used on disposition and again when an undo
// restores shares to a lot.
func StatusForQuantities(remaining, original int64) LotStatus {
	switch {
	case remaining == 0:
		return LotStatusClosed
	case remaining < original:
		return LotStatusPartial
	default:
		return LotStatusOpen
	}
}

// StockLot records one acquisition of a security. CostPerShare and
// TotalCostBasis are minor currency units, stored once at acquisition and
// never recomputed. RemainingQuantity only decreases via dispositions and
// only increases when a disposition is deleted on undo.
type StockLot struct {
	ID                      string    `json:"id"`
	UserID                  int64     `json:"user_id"`
	Symbol                  string    `json:"symbol"`
	AcquiredDate            time.Time `json:"acquired_date"`
	OriginalQuantity        int64     `json:"original_quantity"`
	RemainingQuantity       int64     `json:"remaining_quantity"`
	CostPerShare            int64     `json:"cost_per_share"`
	TotalCostBasis          int64     `json:"total_cost_basis"`
	Status                  LotStatus `json:"status"`
	InvestmentTransactionID *string   `json:"investment_transaction_id,omitempty"`
}

// LotDisposition is the immutable record of a sale consuming part or all of
// a lot. Deleting one (the undo path) restores the parent lot's remaining
// quantity.
type LotDisposition struct {
	ID                      string    `json:"id"`
	LotID                   string    `json:"lot_id"`
	QuantityDisposed        int64     `json:"quantity_disposed"`
	ProceedsAllocated       int64     `json:"proceeds_allocated"`
	CostBasisUsed           int64     `json:"cost_basis_used"`
	RealizedGainLoss        int64     `json:"realized_gain_loss"`
	DisposalDate            time.Time `json:"disposal_date"`
	InvestmentTransactionID *string   `json:"investment_transaction_id,omitempty"`
}

// PositionStatus is the lifecycle state of a trading position.
type PositionStatus string

const (
	PositionStatusOpen   PositionStatus = "OPEN"
	PositionStatusClosed PositionStatus = "CLOSED"
)

// TradingPosition groups option/stock legs into a strategy position for
// instruments that are not lot-tracked. It references the investment
// transactions that opened and closed it and is deleted outright when those
// transactions are uncommitted.
type TradingPosition struct {
	ID                 string         `json:"id"`
	UserID             int64          `json:"user_id"`
	Symbol             string         `json:"symbol"`
	Strategy           string         `json:"strategy"`
	Status             PositionStatus `json:"status"`
	OpenTransactionID  string         `json:"open_transaction_id"`
	CloseTransactionID *string        `json:"close_transaction_id,omitempty"`
	OpenedAt           time.Time      `json:"opened_at"`
	ClosedAt           *time.Time     `json:"closed_at,omitempty"`
}
