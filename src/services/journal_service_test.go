package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Temple-Stuart/temple-stuart-accounting-sub003/src/models"
)

func TestCommitBalancedEntry(t *testing.T) {
	t.Parallel()
	db := newTestDB(t)
	accounts := seedTestAccounts(t, db)
	journal := NewJournalService(db)
	ctx := context.Background()

	txn, err := journal.Commit(ctx, CommitInput{
		Date:        day(2024, time.March, 5),
		Description: "Weekly groceries",
		Lines: []models.EntryLine{
			{AccountCode: "T-5010", Amount: 2500, Side: models.SideDebit},
			{AccountCode: "T-1010", Amount: 2500, Side: models.SideCredit},
		},
	})
	require.NoError(t, err)
	require.NotNil(t, txn)
	assert.NotEmpty(t, txn.ID)
	assert.False(t, txn.IsReversal)

	// Debiting an expense increases it; crediting an asset decreases it.
	assert.EqualValues(t, 2500, balanceOf(t, accounts, "T-5010"))
	assert.EqualValues(t, -2500, balanceOf(t, accounts, "T-1010"))

	checking, err := accounts.GetAccountByCode(ctx, "T-1010")
	require.NoError(t, err)
	assert.EqualValues(t, 1, checking.Version, "balance write bumps the version once")

	entries, err := journal.GetEntries(ctx, txn.ID)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestCommitMultiLineEntry(t *testing.T) {
	t.Parallel()
	db := newTestDB(t)
	accounts := seedTestAccounts(t, db)
	journal := NewJournalService(db)

	txn, err := journal.Commit(context.Background(), CommitInput{
		Date:        day(2024, time.March, 6),
		Description: "Split purchase",
		Lines: []models.EntryLine{
			{AccountCode: "T-5010", Amount: 700, Side: models.SideDebit},
			{AccountCode: "T-1400", Amount: 300, Side: models.SideDebit},
			{AccountCode: "T-1010", Amount: 1000, Side: models.SideCredit},
		},
	})
	require.NoError(t, err)

	entries, err := journal.GetEntries(context.Background(), txn.ID)
	require.NoError(t, err)
	assert.Len(t, entries, 3)

	assert.EqualValues(t, 700, balanceOf(t, accounts, "T-5010"))
	assert.EqualValues(t, 300, balanceOf(t, accounts, "T-1400"))
	assert.EqualValues(t, -1000, balanceOf(t, accounts, "T-1010"))
}

func TestCommitUnbalancedEntryWritesNothing(t *testing.T) {
	t.Parallel()
	db := newTestDB(t)
	accounts := seedTestAccounts(t, db)
	journal := NewJournalService(db)

	_, err := journal.Commit(context.Background(), CommitInput{
		Date:        day(2024, time.March, 7),
		Description: "Off by one",
		Lines: []models.EntryLine{
			{AccountCode: "T-5010", Amount: 500, Side: models.SideDebit},
			{AccountCode: "T-1010", Amount: 499, Side: models.SideCredit},
		},
	})
	var unbalanced *UnbalancedEntryError
	require.ErrorAs(t, err, &unbalanced)
	assert.EqualValues(t, 500, unbalanced.DebitTotal)
	assert.EqualValues(t, 499, unbalanced.CreditTotal)

	assert.Equal(t, 0, countRows(t, db, "journal_transactions"))
	assert.Equal(t, 0, countRows(t, db, "ledger_entries"))
	assert.EqualValues(t, 0, balanceOf(t, accounts, "T-5010"))
	assert.EqualValues(t, 0, balanceOf(t, accounts, "T-1010"))

	checking, err := accounts.GetAccountByCode(context.Background(), "T-1010")
	require.NoError(t, err)
	assert.EqualValues(t, 0, checking.Version, "rejected commit must not bump versions")
}

func TestCommitUnknownAccount(t *testing.T) {
	t.Parallel()
	db := newTestDB(t)
	seedTestAccounts(t, db)
	journal := NewJournalService(db)

	_, err := journal.Commit(context.Background(), CommitInput{
		Date:        day(2024, time.March, 8),
		Description: "Bad code",
		Lines: []models.EntryLine{
			{AccountCode: "NO-SUCH", Amount: 100, Side: models.SideDebit},
			{AccountCode: "T-1010", Amount: 100, Side: models.SideCredit},
		},
	})
	var unknown *UnknownAccountError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, []string{"NO-SUCH"}, unknown.Codes)
	assert.Equal(t, 0, countRows(t, db, "ledger_entries"))
}

func TestCommitRejectsArchivedAccount(t *testing.T) {
	t.Parallel()
	db := newTestDB(t)
	accounts := seedTestAccounts(t, db)
	journal := NewJournalService(db)
	ctx := context.Background()

	require.NoError(t, accounts.ArchiveAccount(ctx, "T-5010"))

	_, err := journal.Commit(ctx, CommitInput{
		Date:        day(2024, time.March, 9),
		Description: "Archived target",
		Lines: []models.EntryLine{
			{AccountCode: "T-5010", Amount: 100, Side: models.SideDebit},
			{AccountCode: "T-1010", Amount: 100, Side: models.SideCredit},
		},
	})
	var unknown *UnknownAccountError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, []string{"T-5010"}, unknown.Codes)
}

func TestCommitLineValidation(t *testing.T) {
	t.Parallel()
	db := newTestDB(t)
	seedTestAccounts(t, db)
	journal := NewJournalService(db)
	ctx := context.Background()

	_, err := journal.Commit(ctx, CommitInput{Date: day(2024, time.March, 10), Description: "empty"})
	assert.Error(t, err, "a commit needs at least one line")

	_, err = journal.Commit(ctx, CommitInput{
		Date: day(2024, time.March, 10), Description: "zero amount",
		Lines: []models.EntryLine{
			{AccountCode: "T-5010", Amount: 0, Side: models.SideDebit},
			{AccountCode: "T-1010", Amount: 0, Side: models.SideCredit},
		},
	})
	assert.Error(t, err, "amounts must be positive")

	_, err = journal.Commit(ctx, CommitInput{
		Date: day(2024, time.March, 10), Description: "negative amount",
		Lines: []models.EntryLine{
			{AccountCode: "T-5010", Amount: -100, Side: models.SideDebit},
			{AccountCode: "T-1010", Amount: -100, Side: models.SideCredit},
		},
	})
	assert.Error(t, err)

	_, err = journal.Commit(ctx, CommitInput{
		Date: day(2024, time.March, 10), Description: "bad side",
		Lines: []models.EntryLine{
			{AccountCode: "T-5010", Amount: 100, Side: "sideways"},
			{AccountCode: "T-1010", Amount: 100, Side: models.SideCredit},
		},
	})
	assert.Error(t, err)
}

func TestConvertExternalTransactionOutflow(t *testing.T) {
	t.Parallel()
	db := newTestDB(t)
	accounts := seedTestAccounts(t, db)
	journal := NewJournalService(db)
	ctx := context.Background()

	txn, err := journal.ConvertExternalTransaction(ctx, models.ExternalTransaction{
		ID:          "ext-groc-1",
		UserID:      testUserID,
		Date:        day(2024, time.April, 1),
		Amount:      -4200,
		Description: "SUPERMARKET 42",
	}, "T-1010", "T-5010")
	require.NoError(t, err)
	require.NotNil(t, txn.ExternalTransactionID)
	assert.Equal(t, "ext-groc-1", *txn.ExternalTransactionID)

	// Money left the bank: expense debited, checking credited.
	assert.EqualValues(t, 4200, balanceOf(t, accounts, "T-5010"))
	assert.EqualValues(t, -4200, balanceOf(t, accounts, "T-1010"))

	got, err := journal.GetTransaction(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, "SUPERMARKET 42", got.Description)
	assert.False(t, got.Reversed())
}

func TestConvertExternalTransactionInflow(t *testing.T) {
	t.Parallel()
	db := newTestDB(t)
	accounts := seedTestAccounts(t, db)
	journal := NewJournalService(db)

	_, err := journal.ConvertExternalTransaction(context.Background(), models.ExternalTransaction{
		ID:          "ext-div-1",
		UserID:      testUserID,
		Date:        day(2024, time.April, 2),
		Amount:      10000,
		Description: "DIVIDEND",
	}, "T-1010", "T-4010")
	require.NoError(t, err)

	assert.EqualValues(t, 10000, balanceOf(t, accounts, "T-1010"))
	assert.EqualValues(t, 10000, balanceOf(t, accounts, "T-4010"))
}

func TestGetTransactionNotFound(t *testing.T) {
	t.Parallel()
	db := newTestDB(t)
	journal := NewJournalService(db)

	_, err := journal.GetTransaction(context.Background(), "no-such-id")
	assert.ErrorIs(t, err, ErrTransactionNotFound)
}

func TestAdjustBalanceStaleVersionConflicts(t *testing.T) {
	t.Parallel()
	db := newTestDB(t)
	accounts := seedTestAccounts(t, db)
	ctx := context.Background()

	acct, err := accounts.GetAccountByCode(ctx, "T-1010")
	require.NoError(t, err)

	tx, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer tx.Rollback()

	err = adjustBalanceTx(ctx, tx, acct.ID, 100, acct.Version+5)
	assert.ErrorIs(t, err, ErrConcurrentUpdate)
}
