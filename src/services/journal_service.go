// src/services/journal_service.go
package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/Temple-Stuart/temple-stuart-accounting-sub003/src/logger"
	"github.com/Temple-Stuart/temple-stuart-accounting-sub003/src/models"
	"github.com/Temple-Stuart/temple-stuart-accounting-sub003/src/processors"
)

// maxCommitRetries bounds the optimistic-concurrency retry loop. Each retry
// restarts from validation, so a retried commit sees fresh balances and
// versions.
const maxCommitRetries = 3

// CommitInput is the caller-facing description of one balanced journal
// transaction: a date, a description, and at least one debit and one
// credit line summing to the same total.
type CommitInput struct {
	Date                  time.Time          `json:"date"`
	Description           string             `json:"description"`
	Lines                 []models.EntryLine `json:"lines"`
	ExternalTransactionID *string            `json:"external_transaction_id,omitempty"`
	TradeNumber           *string            `json:"trade_number,omitempty"`
	IsReversal            bool               `json:"-"`
	ReversesID            *string            `json:"-"`
}

// querier is the subset of database/sql shared by *sql.DB and *sql.Tx, so
// validation and posting helpers run either standalone or inside a larger
// unit of work (e.g. a sale commit).
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type journalServiceImpl struct {
	db *sql.DB
}

// NewJournalService returns a JournalService backed by db.
func NewJournalService(db *sql.DB) JournalService {
	return &journalServiceImpl{db: db}
}

// Commit validates the lines, then applies the whole unit of work
// atomically: one journal transaction row, one ledger entry per line, and a
// version-guarded balance adjustment on every touched account. A concurrent
// balance write aborts the transaction and the commit retries from
// validation.
func (s *journalServiceImpl) Commit(ctx context.Context, input CommitInput) (*models.JournalTransaction, error) {
	var lastErr error
	for attempt := 0; attempt < maxCommitRetries; attempt++ {
		txn, err := s.commitOnce(ctx, input)
		if err == nil {
			return txn, nil
		}
		if !errors.Is(err, ErrConcurrentUpdate) {
			return nil, err
		}
		lastErr = err
		logger.L.Warn("Commit hit a concurrent balance update, retrying", "attempt", attempt+1, "description", input.Description)
	}
	return nil, fmt.Errorf("commit failed after %d attempts: %w", maxCommitRetries, lastErr)
}

func (s *journalServiceImpl) commitOnce(ctx context.Context, input CommitInput) (*models.JournalTransaction, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning commit transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				logger.L.Error("Error rolling back journal commit", "error", rbErr)
			}
		}
	}()

	txn, err := commitJournalInTx(ctx, tx, input)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing journal transaction: %w", err)
	}
	committed = true

	logger.L.Info("Journal transaction committed",
		"transactionID", txn.ID, "lines", len(input.Lines), "description", txn.Description)
	return txn, nil
}

// commitJournalInTx validates and posts one balanced transaction inside an
// already-open DB transaction. Validation failures leave nothing behind
// because the caller rolls the whole transaction back.
func commitJournalInTx(ctx context.Context, tx *sql.Tx, input CommitInput) (*models.JournalTransaction, error) {
	if err := validateLines(input.Lines); err != nil {
		return nil, err
	}

	accounts, err := resolveAccounts(ctx, tx, input.Lines)
	if err != nil {
		return nil, err
	}

	txn := &models.JournalTransaction{
		ID:                    newJournalID(),
		Date:                  input.Date,
		Description:           input.Description,
		ExternalTransactionID: input.ExternalTransactionID,
		TradeNumber:           input.TradeNumber,
		IsReversal:            input.IsReversal,
		ReversesID:            input.ReversesID,
		PostedAt:              time.Now().UTC(),
	}

	if err := insertJournalTransaction(ctx, tx, txn); err != nil {
		return nil, err
	}
	if err := insertEntriesAndAdjustBalances(ctx, tx, txn.ID, input.Lines, accounts); err != nil {
		return nil, err
	}
	return txn, nil
}

// ConvertExternalTransaction posts a normalized bank/brokerage record as a
// two-line transfer. A negative amount is money leaving the bank account
// (debit the counter account, credit the bank); a positive amount is the
// reverse. The amount must already be integral minor units; no rounding
// happens here.
func (s *journalServiceImpl) ConvertExternalTransaction(ctx context.Context, ext models.ExternalTransaction, bankAccountCode, counterAccountCode string) (*models.JournalTransaction, error) {
	lines, err := processors.BuildTransferLines(ext.Amount, bankAccountCode, counterAccountCode)
	if err != nil {
		return nil, err
	}

	// The external record is the ingestion boundary; keep a copy so the
	// journal row's reference resolves and ownership tracing can reach it.
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO external_transactions (id, user_id, txn_date, amount, description)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`,
		ext.ID, ext.UserID, ext.Date, ext.Amount, ext.Description,
	)
	if err != nil {
		return nil, fmt.Errorf("recording external transaction %s: %w", ext.ID, err)
	}

	return s.Commit(ctx, CommitInput{
		Date:                  ext.Date,
		Description:           ext.Description,
		Lines:                 lines,
		ExternalTransactionID: &ext.ID,
	})
}

func (s *journalServiceImpl) GetTransaction(ctx context.Context, id string) (*models.JournalTransaction, error) {
	return getTransactionDB(ctx, s.db, id)
}

func (s *journalServiceImpl) GetEntries(ctx context.Context, transactionID string) ([]models.LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
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

// validateLines checks shape and balance before anything touches the store.
func validateLines(lines []models.EntryLine) error {
	if len(lines) == 0 {
		return fmt.Errorf("journal entry requires at least one line")
	}

	var debitTotal, creditTotal int64
	for _, line := range lines {
		if line.Amount <= 0 {
			return fmt.Errorf("line amount must be a positive integer in minor units, got %d for account %s", line.Amount, line.AccountCode)
		}
		switch line.Side {
		case models.SideDebit:
			debitTotal += line.Amount
		case models.SideCredit:
			creditTotal += line.Amount
		default:
			return fmt.Errorf("invalid entry side %q for account %s", line.Side, line.AccountCode)
		}
	}

	if debitTotal != creditTotal {
		return &UnbalancedEntryError{DebitTotal: debitTotal, CreditTotal: creditTotal}
	}
	return nil
}

// resolveAccounts maps every referenced account code to a live account row.
// Missing or archived codes are reported together in one error.
func resolveAccounts(ctx context.Context, q querier, lines []models.EntryLine) (map[string]*models.Account, error) {
	codes := make(map[string]bool, len(lines))
	for _, line := range lines {
		codes[line.AccountCode] = true
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(codes)), ", ")
	args := make([]any, 0, len(codes))
	for code := range codes {
		args = append(args, code)
	}

	rows, err := q.QueryContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE code IN (`+placeholders+`) AND archived = 0`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	accounts := make(map[string]*models.Account, len(codes))
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts[acct.Code] = acct
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(accounts) != len(codes) {
		var missing []string
		for code := range codes {
			if _, ok := accounts[code]; !ok {
				missing = append(missing, code)
			}
		}
		sort.Strings(missing)
		return nil, &UnknownAccountError{Codes: missing}
	}
	return accounts, nil
}

func insertJournalTransaction(ctx context.Context, tx *sql.Tx, txn *models.JournalTransaction) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO journal_transactions
		(id, txn_date, description, external_transaction_id, trade_number, is_reversal, reverses_id, posted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		txn.ID, txn.Date, txn.Description, txn.ExternalTransactionID, txn.TradeNumber,
		txn.IsReversal, txn.ReversesID, txn.PostedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting journal transaction: %w", err)
	}
	return nil
}

// insertEntriesAndAdjustBalances writes one ledger entry per line and
// applies the normal-balance-side rule to each touched account, guarded by
// the account's version counter.
func insertEntriesAndAdjustBalances(ctx context.Context, tx *sql.Tx, transactionID string, lines []models.EntryLine, accounts map[string]*models.Account) error {
	// Accumulate one delta per account so a multi-line transaction bumps
	// each version exactly once.
	deltas := make(map[string]int64, len(accounts))
	for _, line := range lines {
		acct := accounts[line.AccountCode]
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO ledger_entries (transaction_id, account_id, amount, side)
			VALUES (?, ?, ?, ?)`,
			transactionID, acct.ID, line.Amount, line.Side,
		); err != nil {
			return fmt.Errorf("inserting ledger entry for %s: %w", line.AccountCode, err)
		}
		deltas[line.AccountCode] += acct.BalanceDelta(line.Side, line.Amount)
	}

	for code, delta := range deltas {
		acct := accounts[code]
		if err := adjustBalanceTx(ctx, tx, acct.ID, delta, acct.Version); err != nil {
			return err
		}
	}
	return nil
}

// adjustBalanceTx applies a signed delta to an account balance iff its
// version still matches the one read at validation time.
func adjustBalanceTx(ctx context.Context, tx *sql.Tx, accountID, delta, expectedVersion int64) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE accounts
		SET settled_balance = settled_balance + ?, version = version + 1
		WHERE id = ? AND version = ?`,
		delta, accountID, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("adjusting balance of account %d: %w", accountID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("account %d: %w", accountID, ErrConcurrentUpdate)
	}
	return nil
}

func getTransactionDB(ctx context.Context, q querier, id string) (*models.JournalTransaction, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, txn_date, description, external_transaction_id, trade_number, is_reversal, reverses_id, reversed_by_id, posted_at
		FROM journal_transactions
		WHERE id = ?`, id)

	var txn models.JournalTransaction
	err := row.Scan(&txn.ID, &txn.Date, &txn.Description, &txn.ExternalTransactionID,
		&txn.TradeNumber, &txn.IsReversal, &txn.ReversesID, &txn.ReversedByID, &txn.PostedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", id, ErrTransactionNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &txn, nil
}

// newJournalID returns a ULID so journal ids sort by creation time, which
// keeps the append-only journal naturally ordered.
func newJournalID() string {
	return ulid.Make().String()
}
