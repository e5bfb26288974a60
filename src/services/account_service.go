// src/services/account_service.go
package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Temple-Stuart/temple-stuart-accounting-sub003/src/logger"
	"github.com/Temple-Stuart/temple-stuart-accounting-sub003/src/models"
)

// CreateAccountInput describes one account to add to the chart of accounts.
// The normal balance side is derived from the account type.
type CreateAccountInput struct {
	UserID *int64             `json:"user_id,omitempty"`
	Code   string             `json:"code" yaml:"code"`
	Name   string             `json:"name" yaml:"name"`
	Type   models.AccountType `json:"account_type" yaml:"type"`
}

type accountServiceImpl struct {
	db *sql.DB
}

// NewAccountService returns an AccountService backed by db.
func NewAccountService(db *sql.DB) AccountService {
	return &accountServiceImpl{db: db}
}

const accountColumns = `id, user_id, code, name, account_type, normal_side, settled_balance, version, archived, created_at`

func scanAccount(row interface{ Scan(...any) error }) (*models.Account, error) {
	var (
		acct   models.Account
		userID sql.NullInt64
	)
	err := row.Scan(&acct.ID, &userID, &acct.Code, &acct.Name, &acct.Type, &acct.NormalSide,
		&acct.SettledBalance, &acct.Version, &acct.Archived, &acct.CreatedAt)
	if err != nil {
		return nil, err
	}
	if userID.Valid {
		acct.UserID = &userID.Int64
	}
	return &acct, nil
}

func (s *accountServiceImpl) CreateAccount(ctx context.Context, input CreateAccountInput) (*models.Account, error) {
	if input.Code == "" {
		return nil, fmt.Errorf("account code is required")
	}
	if !input.Type.Valid() {
		return nil, fmt.Errorf("invalid account type %q for account %s", input.Type, input.Code)
	}

	normalSide := input.Type.NormalBalanceSide()

	var userID sql.NullInt64
	if input.UserID != nil {
		userID = sql.NullInt64{Int64: *input.UserID, Valid: true}
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (user_id, code, name, account_type, normal_side)
		VALUES (?, ?, ?, ?, ?)`,
		userID, input.Code, input.Name, input.Type, normalSide,
	)
	if err != nil {
		return nil, fmt.Errorf("creating account %s: %w", input.Code, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}

	logger.L.Info("Account created", "code", input.Code, "type", input.Type, "normalSide", normalSide)

	return s.getAccountByID(ctx, id)
}

func (s *accountServiceImpl) getAccountByID(ctx context.Context, id int64) (*models.Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id)
	acct, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	return acct, err
}

func (s *accountServiceImpl) GetAccountByCode(ctx context.Context, code string) (*models.Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE code = ?`, code)
	acct, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	return acct, err
}

// ArchiveAccount soft-deletes an account. Archived accounts keep their
// ledger history but are rejected by new commits.
func (s *accountServiceImpl) ArchiveAccount(ctx context.Context, code string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE accounts SET archived = 1 WHERE code = ?`, code)
	if err != nil {
		return fmt.Errorf("archiving account %s: %w", code, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrAccountNotFound
	}
	logger.L.Info("Account archived", "code", code)
	return nil
}

func (s *accountServiceImpl) ListAccounts(ctx context.Context) ([]models.Account, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+accountColumns+` FROM accounts ORDER BY code ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Account
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *acct)
	}
	return out, rows.Err()
}

// SeedChart inserts any accounts from the chart definition that do not
// exist yet. Existing codes are left untouched, so seeding is idempotent.
func (s *accountServiceImpl) SeedChart(ctx context.Context, accounts []CreateAccountInput) (int, error) {
	created := 0
	for _, input := range accounts {
		_, err := s.GetAccountByCode(ctx, input.Code)
		if err == nil {
			continue
		}
		if !errors.Is(err, ErrAccountNotFound) {
			return created, err
		}
		if _, err := s.CreateAccount(ctx, input); err != nil {
			return created, err
		}
		created++
	}
	logger.L.Info("Chart of accounts seeded", "defined", len(accounts), "created", created)
	return created, nil
}
