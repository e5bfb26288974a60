package services

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Temple-Stuart/temple-stuart-accounting-sub003/src/database"
	"github.com/Temple-Stuart/temple-stuart-accounting-sub003/src/logger"
	"github.com/Temple-Stuart/temple-stuart-accounting-sub003/src/models"
)

const testUserID int64 = 1

var initLoggerOnce sync.Once

// newTestDB opens a fresh in-memory database with the full schema applied.
// Each test gets its own database, so tests are free to run in parallel.
func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	initLoggerOnce.Do(func() { logger.InitLogger("error") })

	db, err := database.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, database.RunMigrations(db))
	return db
}

// seedTestAccounts creates a small chart of accounts owned by testUserID.
func seedTestAccounts(t *testing.T, db *sql.DB) AccountService {
	t.Helper()
	svc := NewAccountService(db)
	uid := testUserID
	for _, input := range []CreateAccountInput{
		{UserID: &uid, Code: "T-1010", Name: "Checking", Type: models.AccountTypeAsset},
		{UserID: &uid, Code: "T-1400", Name: "Brokerage Investments", Type: models.AccountTypeAsset},
		{UserID: &uid, Code: "T-2010", Name: "Credit Card", Type: models.AccountTypeLiability},
		{UserID: &uid, Code: "T-4010", Name: "Realized Gains", Type: models.AccountTypeRevenue},
		{UserID: &uid, Code: "T-5010", Name: "Groceries", Type: models.AccountTypeExpense},
	} {
		_, err := svc.CreateAccount(context.Background(), input)
		require.NoError(t, err)
	}
	return svc
}

func balanceOf(t *testing.T, svc AccountService, code string) int64 {
	t.Helper()
	acct, err := svc.GetAccountByCode(context.Background(), code)
	require.NoError(t, err)
	return acct.SettledBalance
}

func countRows(t *testing.T, db *sql.DB, table string) int {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM `+table).Scan(&n))
	return n
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
