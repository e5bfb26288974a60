package database

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenAndMigrateInMemory(t *testing.T) {
	db, err := Open(":memory:")
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, RunMigrations(db))

	// A second run is a no-op, not an error.
	require.NoError(t, RunMigrations(db))

	for _, table := range []string{
		"accounts",
		"external_transactions",
		"journal_transactions",
		"ledger_entries",
		"stock_lots",
		"lot_dispositions",
		"trading_positions",
	} {
		var name string
		err := db.QueryRow(
			`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&name)
		assert.NoError(t, err, "table %s must exist after migration", table)
	}
}

func TestOpenOnDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")

	db, err := Open(path)
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, RunMigrations(db))

	var fk int
	require.NoError(t, db.QueryRow(`PRAGMA foreign_keys`).Scan(&fk))
	assert.Equal(t, 1, fk, "foreign keys must be enforced")
}

func TestSchemaConstraints(t *testing.T) {
	db, err := Open(":memory:")
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, RunMigrations(db))

	_, err = db.Exec(`
		INSERT INTO accounts (code, name, account_type, normal_side)
		VALUES ('X-1', 'Bad', 'stock', 'debit')`)
	assert.Error(t, err, "account_type is constrained to the five types")

	_, err = db.Exec(`
		INSERT INTO accounts (code, name, account_type, normal_side)
		VALUES ('X-1', 'Checking', 'asset', 'debit')`)
	require.NoError(t, err)

	_, err = db.Exec(`
		INSERT INTO accounts (code, name, account_type, normal_side)
		VALUES ('X-1', 'Duplicate', 'asset', 'debit')`)
	assert.Error(t, err, "codes are unique")

	_, err = db.Exec(`
		INSERT INTO journal_transactions (id, txn_date, description, posted_at)
		VALUES ('txn-1', '2024-01-01', 'test', '2024-01-01 00:00:00')`)
	require.NoError(t, err)

	_, err = db.Exec(`
		INSERT INTO ledger_entries (transaction_id, account_id, amount, side)
		VALUES ('txn-1', 1, -5, 'debit')`)
	assert.Error(t, err, "entry amounts are non-negative")

	_, err = db.Exec(`
		INSERT INTO ledger_entries (transaction_id, account_id, amount, side)
		VALUES ('no-such-txn', 1, 5, 'debit')`)
	assert.Error(t, err, "entries must reference an existing transaction")
}
