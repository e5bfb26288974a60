// src/processors/entry_builder.go
package processors

import (
	"fmt"

	"github.com/Temple-Stuart/temple-stuart-accounting-sub003/src/models"
)

// BuildTransferLines maps a signed external amount in minor units onto a
// balanced two-line entry. The sign convention follows bank exports: a
// negative amount is money leaving the bank account, so the counter account
// (expense, investment) is debited and the bank account credited; a
// positive amount is the reverse. Amounts must already be integral minor
// units; this function never rounds.
func BuildTransferLines(amount int64, bankAccountCode, counterAccountCode string) ([]models.EntryLine, error) {
	if amount == 0 {
		return nil, fmt.Errorf("external transaction amount must be non-zero")
	}
	if bankAccountCode == "" || counterAccountCode == "" {
		return nil, fmt.Errorf("both bank and counter account codes are required")
	}

	if amount < 0 {
		return []models.EntryLine{
			{AccountCode: counterAccountCode, Amount: -amount, Side: models.SideDebit},
			{AccountCode: bankAccountCode, Amount: -amount, Side: models.SideCredit},
		}, nil
	}
	return []models.EntryLine{
		{AccountCode: bankAccountCode, Amount: amount, Side: models.SideDebit},
		{AccountCode: counterAccountCode, Amount: amount, Side: models.SideCredit},
	}, nil
}
