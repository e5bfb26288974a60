// src/services/reconciliation_service.go
package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/Temple-Stuart/temple-stuart-accounting-sub003/src/logger"
	"github.com/Temple-Stuart/temple-stuart-accounting-sub003/src/models"
)

// ReconcileResult reports one account's recomputation. Changed is false
// when the stored balance already matched the ledger history, which makes
// back-to-back runs idempotent.
type ReconcileResult struct {
	AccountID  int64  `json:"account_id"`
	Code       string `json:"code"`
	OldBalance int64  `json:"old_balance"`
	NewBalance int64  `json:"new_balance"`
	Changed    bool   `json:"changed"`
}

// Ownership resolution methods, in fallback order.
const (
	OwnerMethodExisting = "existing"
	OwnerMethodSibling  = "sibling"
	OwnerMethodDeep     = "deep"
	OwnerMethodDefault  = "default"
)

// OwnershipResolution reports which user an account was assigned to and
// which tier of the fallback chain produced the answer. The method is
// always logged; resolution is best-effort, never silent.
type OwnershipResolution struct {
	AccountID int64  `json:"account_id"`
	Code      string `json:"code"`
	UserID    int64  `json:"user_id"`
	Method    string `json:"method"`
}

type reconciliationServiceImpl struct {
	db           *sql.DB
	limiter      *rate.Limiter
	defaultOwner int64
}

// NewReconciliationService returns a ReconciliationService backed by db.
// accountsPerSecond throttles the all-accounts sweep; defaultOwnerUserID is
// the last-resort assignment for accounts with no traceable lineage.
func NewReconciliationService(db *sql.DB, accountsPerSecond float64, defaultOwnerUserID int64) ReconciliationService {
	return &reconciliationServiceImpl{
		db:           db,
		limiter:      rate.NewLimiter(rate.Limit(accountsPerSecond), 1),
		defaultOwner: defaultOwnerUserID,
	}
}

// Recompute walks the account's full ledger-entry history, applies the
// normal-balance-side rule, and repairs the stored balance if it drifted.
// Drift is reportable, not an error.
func (s *reconciliationServiceImpl) Recompute(ctx context.Context, accountID int64) (*ReconcileResult, error) {
	var lastErr error
	for attempt := 0; attempt < maxCommitRetries; attempt++ {
		result, err := s.recomputeOnce(ctx, accountID)
		if err == nil {
			return result, nil
		}
		if !errors.Is(err, ErrConcurrentUpdate) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("recompute of account %d failed after %d attempts: %w", accountID, maxCommitRetries, lastErr)
}

func (s *reconciliationServiceImpl) recomputeOnce(ctx context.Context, accountID int64) (*ReconcileResult, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, accountID)
	acct, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("account %d: %w", accountID, ErrAccountNotFound)
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT amount, side FROM ledger_entries WHERE account_id = ? ORDER BY id ASC`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recomputed int64
	for rows.Next() {
		var (
			amount int64
			side   models.EntrySide
		)
		if err := rows.Scan(&amount, &side); err != nil {
			return nil, err
		}
		recomputed += acct.BalanceDelta(side, amount)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	result := &ReconcileResult{
		AccountID:  acct.ID,
		Code:       acct.Code,
		OldBalance: acct.SettledBalance,
		NewBalance: recomputed,
		Changed:    recomputed != acct.SettledBalance,
	}
	if !result.Changed {
		return result, nil
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE accounts SET settled_balance = ?, version = version + 1 WHERE id = ? AND version = ?`,
		recomputed, acct.ID, acct.Version,
	)
	if err != nil {
		return nil, fmt.Errorf("repairing balance of account %s: %w", acct.Code, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, fmt.Errorf("account %d: %w", acct.ID, ErrConcurrentUpdate)
	}

	logger.L.Warn("Balance drift repaired",
		"accountID", acct.ID, "code", acct.Code, "oldBalance", result.OldBalance, "newBalance", result.NewBalance)
	return result, nil
}

// RecomputeAll sweeps every account belonging to userID, rate-limited so a
// full repair pass does not monopolize the store.
func (s *reconciliationServiceImpl) RecomputeAll(ctx context.Context, userID int64) ([]ReconcileResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM accounts WHERE user_id = ? ORDER BY code ASC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var results []ReconcileResult
	for _, id := range ids {
		if err := s.limiter.Wait(ctx); err != nil {
			return results, err
		}
		result, err := s.Recompute(ctx, id)
		if err != nil {
			return results, err
		}
		results = append(results, *result)
	}
	return results, nil
}

// ResolveOwner assigns an owner to an account that lacks one, trying in
// order: sibling ledger entries within the same journal transactions, a
// deep trace through the journal to the source external transactions, and
// finally the configured default owner.
func (s *reconciliationServiceImpl) ResolveOwner(ctx context.Context, accountID int64) (*OwnershipResolution, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, accountID)
	acct, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("account %d: %w", accountID, ErrAccountNotFound)
	}
	if err != nil {
		return nil, err
	}

	if acct.UserID != nil {
		return &OwnershipResolution{AccountID: acct.ID, Code: acct.Code, UserID: *acct.UserID, Method: OwnerMethodExisting}, nil
	}

	userID, method, err := s.traceOwner(ctx, acct.ID)
	if err != nil {
		return nil, err
	}

	if _, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET user_id = ? WHERE id = ?`, userID, acct.ID); err != nil {
		return nil, fmt.Errorf("assigning owner to account %s: %w", acct.Code, err)
	}

	resolution := &OwnershipResolution{AccountID: acct.ID, Code: acct.Code, UserID: userID, Method: method}
	logger.L.Info("Account ownership resolved",
		"accountID", acct.ID, "code", acct.Code, "userID", userID, "method", method)
	return resolution, nil
}

func (s *reconciliationServiceImpl) traceOwner(ctx context.Context, accountID int64) (int64, string, error) {
	// Tier 1: an owned sibling account within the same journal transaction.
	var userID int64
	err := s.db.QueryRowContext(ctx, `
		SELECT sibling.user_id
		FROM ledger_entries mine
		JOIN ledger_entries theirs ON theirs.transaction_id = mine.transaction_id AND theirs.account_id != mine.account_id
		JOIN accounts sibling ON sibling.id = theirs.account_id
		WHERE mine.account_id = ? AND sibling.user_id IS NOT NULL
		ORDER BY mine.id ASC
		LIMIT 1`, accountID).Scan(&userID)
	if err == nil {
		return userID, OwnerMethodSibling, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, "", err
	}

	// Tier 2: deep trace through the journal to the source external record.
	err = s.db.QueryRowContext(ctx, `
		SELECT ext.user_id
		FROM ledger_entries e
		JOIN journal_transactions j ON j.id = e.transaction_id
		JOIN external_transactions ext ON ext.id = j.external_transaction_id
		WHERE e.account_id = ?
		ORDER BY e.id ASC
		LIMIT 1`, accountID).Scan(&userID)
	if err == nil {
		return userID, OwnerMethodDeep, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, "", err
	}

	// Tier 3: no lineage at all; fall back to the configured owner.
	return s.defaultOwner, OwnerMethodDefault, nil
}

// ResolveUnownedAccounts runs the fallback chain over every account that
// currently lacks an owner.
func (s *reconciliationServiceImpl) ResolveUnownedAccounts(ctx context.Context) ([]OwnershipResolution, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM accounts WHERE user_id IS NULL ORDER BY code ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var resolutions []OwnershipResolution
	for _, id := range ids {
		resolution, err := s.ResolveOwner(ctx, id)
		if err != nil {
			return resolutions, err
		}
		resolutions = append(resolutions, *resolution)
	}
	return resolutions, nil
}
