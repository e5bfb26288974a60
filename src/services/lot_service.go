// src/services/lot_service.go
package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"

	"github.com/Temple-Stuart/temple-stuart-accounting-sub003/src/logger"
	"github.com/Temple-Stuart/temple-stuart-accounting-sub003/src/models"
)

// OpenLotInput describes one acquisition. CostPerShare is minor units per
// share; TotalCostBasis may be supplied directly (e.g. to include fees),
// otherwise it is Quantity x CostPerShare, computed once and stored.
type OpenLotInput struct {
	UserID                  int64     `json:"user_id"`
	Symbol                  string    `json:"symbol"`
	AcquiredDate            time.Time `json:"acquired_date"`
	Quantity                int64     `json:"quantity"`
	CostPerShare            int64     `json:"cost_per_share"`
	TotalCostBasis          *int64    `json:"total_cost_basis,omitempty"`
	InvestmentTransactionID *string   `json:"investment_transaction_id,omitempty"`
}

// DispositionInput records a sale against one specific lot.
type DispositionInput struct {
	UserID                  int64     `json:"user_id"`
	LotID                   string    `json:"lot_id"`
	Quantity                int64     `json:"quantity"`
	Proceeds                int64     `json:"proceeds"`
	DisposalDate            time.Time `json:"disposal_date"`
	InvestmentTransactionID *string   `json:"investment_transaction_id,omitempty"`
}

// CommitSaleInput turns a planned sale into dispositions plus the P&L
// journal posting, all in one unit of work.
type CommitSaleInput struct {
	UserID                  int64       `json:"user_id"`
	Symbol                  string      `json:"symbol"`
	Quantity                int64       `json:"quantity"`
	SalePrice               int64       `json:"sale_price"`
	SaleDate                time.Time   `json:"sale_date"`
	Method                  MatchMethod `json:"method"`
	CashAccountCode         string      `json:"cash_account_code"`
	InvestmentAccountCode   string      `json:"investment_account_code"`
	GainAccountCode         string      `json:"gain_account_code"`
	InvestmentTransactionID string      `json:"investment_transaction_id"`
	TradeNumber             *string     `json:"trade_number,omitempty"`
}

// SaleCommitResult reports what a committed sale wrote.
type SaleCommitResult struct {
	Dispositions     []models.LotDisposition    `json:"dispositions"`
	Journal          *models.JournalTransaction `json:"journal"`
	TotalProceeds    int64                      `json:"total_proceeds"`
	TotalCostBasis   int64                      `json:"total_cost_basis"`
	RealizedGainLoss int64                      `json:"realized_gain_loss"`
}

type lotServiceImpl struct {
	db        *sql.DB
	planCache *cache.Cache
}

// NewLotService returns a LotService backed by db. planCache is the shared
// sale-plan cache; every lot write invalidates the owner's cached plans.
func NewLotService(db *sql.DB, planCache *cache.Cache) LotService {
	return &lotServiceImpl{db: db, planCache: planCache}
}

const lotColumns = `id, user_id, symbol, acquired_date, original_quantity, remaining_quantity, cost_per_share, total_cost_basis, status, investment_transaction_id`

func scanLot(row interface{ Scan(...any) error }) (*models.StockLot, error) {
	var lot models.StockLot
	err := row.Scan(&lot.ID, &lot.UserID, &lot.Symbol, &lot.AcquiredDate, &lot.OriginalQuantity,
		&lot.RemainingQuantity, &lot.CostPerShare, &lot.TotalCostBasis, &lot.Status, &lot.InvestmentTransactionID)
	if err != nil {
		return nil, err
	}
	return &lot, nil
}

func (s *lotServiceImpl) OpenLot(ctx context.Context, input OpenLotInput) (*models.StockLot, error) {
	if input.Quantity <= 0 {
		return nil, fmt.Errorf("lot quantity must be positive, got %d", input.Quantity)
	}
	if input.Symbol == "" {
		return nil, fmt.Errorf("symbol is required")
	}

	costBasis := input.Quantity * input.CostPerShare
	if input.TotalCostBasis != nil {
		costBasis = *input.TotalCostBasis
	}

	lot := &models.StockLot{
		ID:                      uuid.NewString(),
		UserID:                  input.UserID,
		Symbol:                  input.Symbol,
		AcquiredDate:            input.AcquiredDate,
		OriginalQuantity:        input.Quantity,
		RemainingQuantity:       input.Quantity,
		CostPerShare:            input.CostPerShare,
		TotalCostBasis:          costBasis,
		Status:                  models.LotStatusOpen,
		InvestmentTransactionID: input.InvestmentTransactionID,
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO stock_lots
		(id, user_id, symbol, acquired_date, original_quantity, remaining_quantity, cost_per_share, total_cost_basis, status, investment_transaction_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		lot.ID, lot.UserID, lot.Symbol, lot.AcquiredDate, lot.OriginalQuantity,
		lot.RemainingQuantity, lot.CostPerShare, lot.TotalCostBasis, lot.Status, lot.InvestmentTransactionID,
	)
	if err != nil {
		return nil, fmt.Errorf("opening lot for %s: %w", input.Symbol, err)
	}

	invalidateUserPlans(s.planCache, input.UserID)
	logger.L.Info("Stock lot opened", "lotID", lot.ID, "symbol", lot.Symbol, "quantity", lot.OriginalQuantity)
	return lot, nil
}

func (s *lotServiceImpl) GetLot(ctx context.Context, lotID string) (*models.StockLot, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+lotColumns+` FROM stock_lots WHERE id = ?`, lotID)
	lot, err := scanLot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", lotID, ErrLotNotFound)
	}
	return lot, err
}

// OpenLots returns the symbol's OPEN and PARTIAL lots in FIFO order.
func (s *lotServiceImpl) OpenLots(ctx context.Context, userID int64, symbol string) ([]models.StockLot, error) {
	return openLotsQ(ctx, s.db, userID, symbol)
}

func openLotsQ(ctx context.Context, q querier, userID int64, symbol string) ([]models.StockLot, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT `+lotColumns+`
		FROM stock_lots
		WHERE user_id = ? AND symbol = ? AND status IN (?, ?)
		ORDER BY acquired_date ASC, id ASC`,
		userID, symbol, models.LotStatusOpen, models.LotStatusPartial)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.StockLot
	for rows.Next() {
		lot, err := scanLot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *lot)
	}
	return out, rows.Err()
}

// RecordDisposition consumes quantity from one lot, computing the cost
// basis from the lot's stored per-share cost and the realized gain as
// proceeds minus that basis, all in integer minor units.
func (s *lotServiceImpl) RecordDisposition(ctx context.Context, input DispositionInput) (*models.LotDisposition, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning disposition: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				logger.L.Error("Error rolling back disposition", "error", rbErr)
			}
		}
	}()

	disp, err := recordDispositionTx(ctx, tx, input)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing disposition: %w", err)
	}
	committed = true

	invalidateUserPlans(s.planCache, input.UserID)
	logger.L.Info("Lot disposition recorded", "dispositionID", disp.ID, "lotID", disp.LotID,
		"quantity", disp.QuantityDisposed, "realizedGainLoss", disp.RealizedGainLoss)
	return disp, nil
}

func recordDispositionTx(ctx context.Context, tx *sql.Tx, input DispositionInput) (*models.LotDisposition, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+lotColumns+` FROM stock_lots WHERE id = ?`, input.LotID)
	lot, err := scanLot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", input.LotID, ErrLotNotFound)
	}
	if err != nil {
		return nil, err
	}
	if lot.UserID != input.UserID {
		return nil, &OwnershipMismatchError{UserID: input.UserID, Resource: "stock lot " + lot.ID}
	}
	if input.Quantity <= 0 || input.Quantity > lot.RemainingQuantity {
		return nil, &InsufficientSharesError{Symbol: lot.Symbol, Requested: input.Quantity, Available: lot.RemainingQuantity}
	}

	costBasisUsed := input.Quantity * lot.CostPerShare
	disp := &models.LotDisposition{
		ID:                      uuid.NewString(),
		LotID:                   lot.ID,
		QuantityDisposed:        input.Quantity,
		ProceedsAllocated:       input.Proceeds,
		CostBasisUsed:           costBasisUsed,
		RealizedGainLoss:        input.Proceeds - costBasisUsed,
		DisposalDate:            input.DisposalDate,
		InvestmentTransactionID: input.InvestmentTransactionID,
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO lot_dispositions
		(id, lot_id, quantity_disposed, proceeds_allocated, cost_basis_used, realized_gain_loss, disposal_date, investment_transaction_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		disp.ID, disp.LotID, disp.QuantityDisposed, disp.ProceedsAllocated, disp.CostBasisUsed,
		disp.RealizedGainLoss, disp.DisposalDate, disp.InvestmentTransactionID,
	); err != nil {
		return nil, fmt.Errorf("inserting disposition: %w", err)
	}

	newRemaining := lot.RemainingQuantity - input.Quantity
	newStatus := models.StatusForQuantities(newRemaining, lot.OriginalQuantity)
	if _, err := tx.ExecContext(ctx, `
		UPDATE stock_lots SET remaining_quantity = ?, status = ? WHERE id = ?`,
		newRemaining, newStatus, lot.ID,
	); err != nil {
		return nil, fmt.Errorf("updating lot %s: %w", lot.ID, err)
	}
	return disp, nil
}

// DeleteDisposition is the undo path: the disposition row goes away and the
// parent lot gets its shares back, with status recomputed.
func (s *lotServiceImpl) DeleteDisposition(ctx context.Context, userID int64, dispositionID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning disposition delete: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				logger.L.Error("Error rolling back disposition delete", "error", rbErr)
			}
		}
	}()

	var lotUserID int64
	err = tx.QueryRowContext(ctx, `
		SELECT l.user_id
		FROM lot_dispositions d JOIN stock_lots l ON l.id = d.lot_id
		WHERE d.id = ?`, dispositionID).Scan(&lotUserID)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", dispositionID, ErrDispositionNotFound)
	}
	if err != nil {
		return err
	}
	if lotUserID != userID {
		return &OwnershipMismatchError{UserID: userID, Resource: "lot disposition " + dispositionID}
	}

	if err := deleteDispositionTx(ctx, tx, dispositionID); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing disposition delete: %w", err)
	}
	committed = true

	invalidateUserPlans(s.planCache, userID)
	logger.L.Info("Lot disposition deleted", "dispositionID", dispositionID)
	return nil
}

// deleteDispositionTx removes a disposition and restores its quantity to
// the parent lot inside an open DB transaction. Shared with the uncommit
// gesture.
func deleteDispositionTx(ctx context.Context, tx *sql.Tx, dispositionID string) error {
	var (
		lotID    string
		quantity int64
	)
	err := tx.QueryRowContext(ctx,
		`SELECT lot_id, quantity_disposed FROM lot_dispositions WHERE id = ?`, dispositionID).
		Scan(&lotID, &quantity)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", dispositionID, ErrDispositionNotFound)
	}
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM lot_dispositions WHERE id = ?`, dispositionID); err != nil {
		return fmt.Errorf("deleting disposition %s: %w", dispositionID, err)
	}

	var remaining, original int64
	if err := tx.QueryRowContext(ctx,
		`SELECT remaining_quantity, original_quantity FROM stock_lots WHERE id = ?`, lotID).
		Scan(&remaining, &original); err != nil {
		return err
	}

	newRemaining := remaining + quantity
	newStatus := models.StatusForQuantities(newRemaining, original)
	if _, err := tx.ExecContext(ctx, `
		UPDATE stock_lots SET remaining_quantity = ?, status = ? WHERE id = ?`,
		newRemaining, newStatus, lotID,
	); err != nil {
		return fmt.Errorf("restoring lot %s: %w", lotID, err)
	}
	return nil
}

// deleteDispositionsForInvestmentTx removes every disposition created by an
// investment transaction, restoring each parent lot. Used by uncommit.
func deleteDispositionsForInvestmentTx(ctx context.Context, tx *sql.Tx, investmentTransactionID string) ([]string, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT id FROM lot_dispositions WHERE investment_transaction_id = ?`, investmentTransactionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, id := range ids {
		if err := deleteDispositionTx(ctx, tx, id); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

// CommitSale executes a sale under one matching method: it re-validates
// availability against live lots (a prior plan does not authorize the
// commit), records one disposition per consumed lot, and posts the P&L
// journal entry, all within a single DB transaction. The gain line is the
// integer difference of proceeds and cost basis so no independent rounding
// can unbalance the entry.
func (s *lotServiceImpl) CommitSale(ctx context.Context, input CommitSaleInput) (*SaleCommitResult, error) {
	var lastErr error
	for attempt := 0; attempt < maxCommitRetries; attempt++ {
		result, err := s.commitSaleOnce(ctx, input)
		if err == nil {
			invalidateUserPlans(s.planCache, input.UserID)
			return result, nil
		}
		if !errors.Is(err, ErrConcurrentUpdate) {
			return nil, err
		}
		lastErr = err
		logger.L.Warn("Sale commit hit a concurrent balance update, retrying", "attempt", attempt+1, "symbol", input.Symbol)
	}
	return nil, fmt.Errorf("sale commit failed after %d attempts: %w", maxCommitRetries, lastErr)
}

func (s *lotServiceImpl) commitSaleOnce(ctx context.Context, input CommitSaleInput) (*SaleCommitResult, error) {
	if !input.Method.Valid() {
		return nil, fmt.Errorf("unknown lot matching method: %q", input.Method)
	}
	if input.Quantity <= 0 {
		return nil, fmt.Errorf("sale quantity must be positive, got %d", input.Quantity)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning sale commit: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				logger.L.Error("Error rolling back sale commit", "error", rbErr)
			}
		}
	}()

	lots, err := openLotsQ(ctx, tx, input.UserID, input.Symbol)
	if err != nil {
		return nil, err
	}
	var totalAvailable int64
	for _, lot := range lots {
		totalAvailable += lot.RemainingQuantity
	}
	if totalAvailable < input.Quantity {
		return nil, &InsufficientSharesError{Symbol: input.Symbol, Requested: input.Quantity, Available: totalAvailable}
	}

	ordered := orderLots(lots, input.Method, input.SalePrice, input.SaleDate)
	allocations, _, _ := matchGreedy(ordered, input.Quantity, input.SalePrice, input.SaleDate)

	result := &SaleCommitResult{}
	for _, alloc := range allocations {
		disp, err := recordDispositionTx(ctx, tx, DispositionInput{
			UserID:                  input.UserID,
			LotID:                   alloc.LotID,
			Quantity:                alloc.Quantity,
			Proceeds:                alloc.ProceedsAllocated,
			DisposalDate:            input.SaleDate,
			InvestmentTransactionID: &input.InvestmentTransactionID,
		})
		if err != nil {
			return nil, err
		}
		result.Dispositions = append(result.Dispositions, *disp)
		result.TotalProceeds += disp.ProceedsAllocated
		result.TotalCostBasis += disp.CostBasisUsed
	}
	result.RealizedGainLoss = result.TotalProceeds - result.TotalCostBasis

	// Keep the sale's external record so the journal reference resolves and
	// the uncommit gesture can find everything this sale wrote.
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO external_transactions (id, user_id, txn_date, amount, description)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`,
		input.InvestmentTransactionID, input.UserID, input.SaleDate, result.TotalProceeds,
		fmt.Sprintf("Sale of %d %s (%s)", input.Quantity, input.Symbol, input.Method),
	); err != nil {
		return nil, fmt.Errorf("recording sale transaction: %w", err)
	}

	journal, err := commitJournalInTx(ctx, tx, CommitInput{
		Date:                  input.SaleDate,
		Description:           fmt.Sprintf("Sale of %d %s (%s)", input.Quantity, input.Symbol, input.Method),
		Lines:                 saleJournalLines(input, result),
		ExternalTransactionID: &input.InvestmentTransactionID,
		TradeNumber:           input.TradeNumber,
	})
	if err != nil {
		return nil, err
	}
	result.Journal = journal

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing sale: %w", err)
	}
	committed = true

	logger.L.Info("Sale committed", "symbol", input.Symbol, "quantity", input.Quantity,
		"method", input.Method, "realizedGainLoss", result.RealizedGainLoss, "journalID", journal.ID)
	return result, nil
}

// saleJournalLines builds the posting for a sale: debit cash for the
// proceeds, credit the investment account for the cost basis, and plug the
// realized gain or loss so the entry balances exactly.
func saleJournalLines(input CommitSaleInput, result *SaleCommitResult) []models.EntryLine {
	lines := []models.EntryLine{
		{AccountCode: input.CashAccountCode, Amount: result.TotalProceeds, Side: models.SideDebit},
		{AccountCode: input.InvestmentAccountCode, Amount: result.TotalCostBasis, Side: models.SideCredit},
	}
	switch {
	case result.RealizedGainLoss > 0:
		lines = append(lines, models.EntryLine{
			AccountCode: input.GainAccountCode, Amount: result.RealizedGainLoss, Side: models.SideCredit,
		})
	case result.RealizedGainLoss < 0:
		lines = append(lines, models.EntryLine{
			AccountCode: input.GainAccountCode, Amount: -result.RealizedGainLoss, Side: models.SideDebit,
		})
	}
	return lines
}

// OpenPositionInput opens a strategy position for non-lot instruments.
type OpenPositionInput struct {
	UserID            int64     `json:"user_id"`
	Symbol            string    `json:"symbol"`
	Strategy          string    `json:"strategy"`
	OpenTransactionID string    `json:"open_transaction_id"`
	OpenedAt          time.Time `json:"opened_at"`
}

func (s *lotServiceImpl) OpenPosition(ctx context.Context, input OpenPositionInput) (*models.TradingPosition, error) {
	if input.Symbol == "" || input.OpenTransactionID == "" {
		return nil, fmt.Errorf("symbol and open transaction id are required")
	}
	pos := &models.TradingPosition{
		ID:                uuid.NewString(),
		UserID:            input.UserID,
		Symbol:            input.Symbol,
		Strategy:          input.Strategy,
		Status:            models.PositionStatusOpen,
		OpenTransactionID: input.OpenTransactionID,
		OpenedAt:          input.OpenedAt,
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trading_positions (id, user_id, symbol, strategy, status, open_transaction_id, opened_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		pos.ID, pos.UserID, pos.Symbol, pos.Strategy, pos.Status, pos.OpenTransactionID, pos.OpenedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("opening position for %s: %w", input.Symbol, err)
	}
	logger.L.Info("Trading position opened", "positionID", pos.ID, "symbol", pos.Symbol, "strategy", pos.Strategy)
	return pos, nil
}

func (s *lotServiceImpl) ClosePosition(ctx context.Context, userID int64, positionID, closeTransactionID string) (*models.TradingPosition, error) {
	var pos models.TradingPosition
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, symbol, strategy, status, open_transaction_id, close_transaction_id, opened_at, closed_at
		FROM trading_positions WHERE id = ?`, positionID)
	err := row.Scan(&pos.ID, &pos.UserID, &pos.Symbol, &pos.Strategy, &pos.Status,
		&pos.OpenTransactionID, &pos.CloseTransactionID, &pos.OpenedAt, &pos.ClosedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("position %s not found", positionID)
	}
	if err != nil {
		return nil, err
	}
	if pos.UserID != userID {
		return nil, &OwnershipMismatchError{UserID: userID, Resource: "trading position " + positionID}
	}
	if pos.Status == models.PositionStatusClosed {
		return nil, fmt.Errorf("position %s is already closed", positionID)
	}

	closedAt := time.Now().UTC()
	if _, err := s.db.ExecContext(ctx, `
		UPDATE trading_positions SET status = ?, close_transaction_id = ?, closed_at = ? WHERE id = ?`,
		models.PositionStatusClosed, closeTransactionID, closedAt, positionID,
	); err != nil {
		return nil, fmt.Errorf("closing position %s: %w", positionID, err)
	}

	pos.Status = models.PositionStatusClosed
	pos.CloseTransactionID = &closeTransactionID
	pos.ClosedAt = &closedAt
	logger.L.Info("Trading position closed", "positionID", pos.ID, "symbol", pos.Symbol)
	return &pos, nil
}

// invalidateUserPlans drops the user's cached sale plans after any lot
// write. The cache may be nil in contexts that never plan (e.g. one-shot
// CLI commands).
func invalidateUserPlans(c *cache.Cache, userID int64) {
	if c == nil {
		return
	}
	prefix := fmt.Sprintf(ckSalePlanUserPrefix, userID)
	for key := range c.Items() {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			c.Delete(key)
		}
	}
}
