// src/services/reversal_service.go
package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Temple-Stuart/temple-stuart-accounting-sub003/src/logger"
	"github.com/Temple-Stuart/temple-stuart-accounting-sub003/src/models"
)

// reversalDescriptionPrefix marks generated reversing transactions in the
// journal so the audit trail reads naturally.
const reversalDescriptionPrefix = "REVERSAL: "

// SkippedReversal reports one batch target that was not eligible for
// reversal and why.
type SkippedReversal struct {
	TransactionID string `json:"transaction_id"`
	Reason        string `json:"reason"`
}

// ReversalResult is the outcome of a batch reversal: the ids of the new
// reversing transactions plus every target that was skipped. A partially
// invalid batch is reported, not fatal.
type ReversalResult struct {
	ReversalIDs []string          `json:"reversal_ids"`
	Skipped     []SkippedReversal `json:"skipped,omitempty"`
}

// UncommitResult describes everything one undo gesture touched.
type UncommitResult struct {
	ReversalIDs           []string `json:"reversal_ids"`
	DeletedDispositionIDs []string `json:"deleted_disposition_ids,omitempty"`
	DeletedPositionIDs    []string `json:"deleted_position_ids,omitempty"`
	ReopenedPositionIDs   []string `json:"reopened_position_ids,omitempty"`
}

type reversalServiceImpl struct {
	db *sql.DB
}

// NewReversalService returns a ReversalService backed by db.
func NewReversalService(db *sql.DB) ReversalService {
	return &reversalServiceImpl{db: db}
}

// Reverse generates a reversing transaction for every eligible target.
// Targets that are themselves reversals, already reversed, or missing are
// skipped and reported; the rest of the batch still proceeds.
func (s *reversalServiceImpl) Reverse(ctx context.Context, transactionIDs []string) (*ReversalResult, error) {
	result := &ReversalResult{}
	for _, id := range transactionIDs {
		reversalID, err := s.ReverseOne(ctx, id)
		if err == nil {
			result.ReversalIDs = append(result.ReversalIDs, reversalID)
			continue
		}

		var alreadyReversed *AlreadyReversedError
		switch {
		case errors.As(err, &alreadyReversed),
			errors.Is(err, ErrNotReversible),
			errors.Is(err, ErrTransactionNotFound):
			logger.L.Warn("Skipping ineligible reversal target", "transactionID", id, "reason", err.Error())
			result.Skipped = append(result.Skipped, SkippedReversal{TransactionID: id, Reason: err.Error()})
		default:
			// Infrastructure failure: abort the batch, nothing partial was
			// written for this target.
			return nil, fmt.Errorf("reversing %s: %w", id, err)
		}
	}
	return result, nil
}

// ReverseOne reverses a single original transaction and returns the new
// reversal's id. Ineligible targets surface typed errors.
func (s *reversalServiceImpl) ReverseOne(ctx context.Context, transactionID string) (string, error) {
	var lastErr error
	for attempt := 0; attempt < maxCommitRetries; attempt++ {
		reversalID, err := s.reverseOnce(ctx, transactionID)
		if err == nil {
			return reversalID, nil
		}
		if !errors.Is(err, ErrConcurrentUpdate) {
			return "", err
		}
		lastErr = err
		logger.L.Warn("Reversal hit a concurrent balance update, retrying", "attempt", attempt+1, "transactionID", transactionID)
	}
	return "", fmt.Errorf("reversal failed after %d attempts: %w", maxCommitRetries, lastErr)
}

func (s *reversalServiceImpl) reverseOnce(ctx context.Context, transactionID string) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("beginning reversal transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				logger.L.Error("Error rolling back reversal", "error", rbErr)
			}
		}
	}()

	reversalID, err := reverseInTx(ctx, tx, transactionID)
	if err != nil {
		return "", err
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("committing reversal: %w", err)
	}
	committed = true

	logger.L.Info("Journal transaction reversed", "transactionID", transactionID, "reversalID", reversalID)
	return reversalID, nil
}

// reverseInTx creates the mirrored transaction inside an already-open DB
// transaction. Shared by single reversals and the uncommit gesture so an
// undo is one atomic unit.
func reverseInTx(ctx context.Context, tx *sql.Tx, transactionID string) (string, error) {
	original, err := getTransactionDB(ctx, tx, transactionID)
	if err != nil {
		return "", err
	}
	if original.IsReversal {
		return "", fmt.Errorf("%s: %w", transactionID, ErrNotReversible)
	}
	if original.Reversed() {
		return "", &AlreadyReversedError{TransactionID: transactionID, ReversalID: *original.ReversedByID}
	}

	entries, err := entriesForTransactionTx(ctx, tx, transactionID)
	if err != nil {
		return "", err
	}

	accounts, err := accountsByIDTx(ctx, tx, entries)
	if err != nil {
		return "", err
	}

	now := time.Now().UTC()
	reversal := &models.JournalTransaction{
		ID:                    newJournalID(),
		Date:                  now,
		Description:           reversalDescriptionPrefix + original.Description,
		ExternalTransactionID: original.ExternalTransactionID,
		TradeNumber:           original.TradeNumber,
		IsReversal:            true,
		ReversesID:            &original.ID,
		PostedAt:              now,
	}
	if err := insertJournalTransaction(ctx, tx, reversal); err != nil {
		return "", err
	}

	// Mirror every entry with the opposite side and identical amount, then
	// apply the normal-balance-side rule so original plus reversal nets to
	// zero on every account.
	deltas := make(map[int64]int64, len(accounts))
	for _, entry := range entries {
		mirroredSide := entry.Side.Opposite()
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO ledger_entries (transaction_id, account_id, amount, side)
			VALUES (?, ?, ?, ?)`,
			reversal.ID, entry.AccountID, entry.Amount, mirroredSide,
		); err != nil {
			return "", fmt.Errorf("inserting mirrored entry: %w", err)
		}
		deltas[entry.AccountID] += accounts[entry.AccountID].BalanceDelta(mirroredSide, entry.Amount)
	}
	for accountID, delta := range deltas {
		if err := adjustBalanceTx(ctx, tx, accountID, delta, accounts[accountID].Version); err != nil {
			return "", err
		}
	}

	// Back-link the original. The NULL guard makes a double reversal
	// impossible even under a racing caller.
	res, err := tx.ExecContext(ctx, `
		UPDATE journal_transactions SET reversed_by_id = ? WHERE id = ? AND reversed_by_id IS NULL`,
		reversal.ID, original.ID,
	)
	if err != nil {
		return "", fmt.Errorf("linking reversal: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", err
	}
	if n == 0 {
		return "", &AlreadyReversedError{TransactionID: original.ID, ReversalID: "unknown"}
	}

	return reversal.ID, nil
}

// Uncommit undoes everything a set of external/investment transactions
// produced, as one atomic gesture: reverses their journal transactions,
// deletes the lot dispositions they created (restoring lot quantities), and
// deletes or reopens trading positions they opened or closed.
func (s *reversalServiceImpl) Uncommit(ctx context.Context, userID int64, externalTransactionIDs []string) (*UncommitResult, error) {
	var lastErr error
	for attempt := 0; attempt < maxCommitRetries; attempt++ {
		result, err := s.uncommitOnce(ctx, userID, externalTransactionIDs)
		if err == nil {
			return result, nil
		}
		if !errors.Is(err, ErrConcurrentUpdate) {
			return nil, err
		}
		lastErr = err
		logger.L.Warn("Uncommit hit a concurrent balance update, retrying", "attempt", attempt+1)
	}
	return nil, fmt.Errorf("uncommit failed after %d attempts: %w", maxCommitRetries, lastErr)
}

func (s *reversalServiceImpl) uncommitOnce(ctx context.Context, userID int64, externalTransactionIDs []string) (*UncommitResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning uncommit transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				logger.L.Error("Error rolling back uncommit", "error", rbErr)
			}
		}
	}()

	result := &UncommitResult{}
	for _, extID := range externalTransactionIDs {
		if err := verifyExternalOwnershipTx(ctx, tx, userID, extID); err != nil {
			return nil, err
		}

		journalIDs, err := openJournalIDsForExternalTx(ctx, tx, extID)
		if err != nil {
			return nil, err
		}
		for _, journalID := range journalIDs {
			reversalID, err := reverseInTx(ctx, tx, journalID)
			if err != nil {
				return nil, err
			}
			result.ReversalIDs = append(result.ReversalIDs, reversalID)
		}

		dispositionIDs, err := deleteDispositionsForInvestmentTx(ctx, tx, extID)
		if err != nil {
			return nil, err
		}
		result.DeletedDispositionIDs = append(result.DeletedDispositionIDs, dispositionIDs...)

		deleted, reopened, err := unwindPositionsForInvestmentTx(ctx, tx, extID)
		if err != nil {
			return nil, err
		}
		result.DeletedPositionIDs = append(result.DeletedPositionIDs, deleted...)
		result.ReopenedPositionIDs = append(result.ReopenedPositionIDs, reopened...)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing uncommit: %w", err)
	}
	committed = true

	logger.L.Info("Uncommit applied", "userID", userID,
		"reversals", len(result.ReversalIDs),
		"deletedDispositions", len(result.DeletedDispositionIDs),
		"deletedPositions", len(result.DeletedPositionIDs),
		"reopenedPositions", len(result.ReopenedPositionIDs))
	return result, nil
}

func verifyExternalOwnershipTx(ctx context.Context, tx *sql.Tx, userID int64, externalTransactionID string) error {
	var ownerID int64
	err := tx.QueryRowContext(ctx,
		`SELECT user_id FROM external_transactions WHERE id = ?`, externalTransactionID).Scan(&ownerID)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("external transaction %s: %w", externalTransactionID, ErrTransactionNotFound)
	}
	if err != nil {
		return err
	}
	if ownerID != userID {
		return &OwnershipMismatchError{UserID: userID, Resource: "external transaction " + externalTransactionID}
	}
	return nil
}

func openJournalIDsForExternalTx(ctx context.Context, tx *sql.Tx, externalTransactionID string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT id FROM journal_transactions
		WHERE external_transaction_id = ? AND is_reversal = 0 AND reversed_by_id IS NULL
		ORDER BY id ASC`, externalTransactionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func entriesForTransactionTx(ctx context.Context, tx *sql.Tx, transactionID string) ([]models.LedgerEntry, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT id, transaction_id, account_id, amount, side
		FROM ledger_entries
		WHERE transaction_id = ?
		ORDER BY id ASC`, transactionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.LedgerEntry
	for rows.Next() {
		var e models.LedgerEntry
		if err := rows.Scan(&e.ID, &e.TransactionID, &e.AccountID, &e.Amount, &e.Side); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func accountsByIDTx(ctx context.Context, tx *sql.Tx, entries []models.LedgerEntry) (map[int64]*models.Account, error) {
	accounts := make(map[int64]*models.Account)
	for _, entry := range entries {
		if _, ok := accounts[entry.AccountID]; ok {
			continue
		}
		row := tx.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, entry.AccountID)
		acct, err := scanAccount(row)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("account %d: %w", entry.AccountID, ErrAccountNotFound)
		}
		if err != nil {
			return nil, err
		}
		accounts[acct.ID] = acct
	}
	return accounts, nil
}

// unwindPositionsForInvestmentTx deletes positions whose opening leg is
// being uncommitted and reopens positions whose closing leg is.
func unwindPositionsForInvestmentTx(ctx context.Context, tx *sql.Tx, investmentTransactionID string) (deleted, reopened []string, err error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT id, open_transaction_id, close_transaction_id
		FROM trading_positions
		WHERE open_transaction_id = ? OR close_transaction_id = ?`,
		investmentTransactionID, investmentTransactionID)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	type positionRef struct {
		id      string
		openID  string
		closeID *string
	}
	var refs []positionRef
	for rows.Next() {
		var ref positionRef
		if err := rows.Scan(&ref.id, &ref.openID, &ref.closeID); err != nil {
			return nil, nil, err
		}
		refs = append(refs, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	for _, ref := range refs {
		if ref.openID == investmentTransactionID {
			if _, err := tx.ExecContext(ctx, `DELETE FROM trading_positions WHERE id = ?`, ref.id); err != nil {
				return nil, nil, err
			}
			deleted = append(deleted, ref.id)
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE trading_positions
			SET status = ?, close_transaction_id = NULL, closed_at = NULL
			WHERE id = ?`,
			models.PositionStatusOpen, ref.id,
		); err != nil {
			return nil, nil, err
		}
		reopened = append(reopened, ref.id)
	}
	return deleted, reopened, nil
}
