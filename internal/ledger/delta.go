// Package ledger implements the delta-decoding rules of the balance
// ledger: converting raw transaction and transfer entries into signed,
// subject-attributed monetary deltas. All amounts are exact integers in
// minor currency units; every arithmetic step is overflow-checked and
// fails loudly instead of wrapping.
package ledger

import (
	"sort"

	apperrors "github.com/balance-ledger/internal/errors"
	"github.com/balance-ledger/internal/models"
	"github.com/balance-ledger/internal/types"
)

// TransactionDeltas decodes one point-of-sale transaction into deltas:
// one negative delta for the payer worth the whole transaction, and one
// positive delta per distinct recipient worth the rows addressed to it.
// The unit price of each row is the price locked at time of sale.
func TransactionDeltas(tx *models.Transaction) ([]types.Delta, error) {
	if len(tx.Rows) == 0 {
		return nil, nil
	}

	perRecipient := make(map[types.SubjectID]int64)
	var total int64

	for _, row := range tx.Rows {
		amount, ok := MulChecked(row.Quantity, row.UnitPrice)
		if !ok {
			return nil, apperrors.NewOverflowError(int64(row.RecipientSubjectID))
		}

		sum, ok := AddChecked(perRecipient[row.RecipientSubjectID], amount)
		if !ok {
			return nil, apperrors.NewOverflowError(int64(row.RecipientSubjectID))
		}
		perRecipient[row.RecipientSubjectID] = sum

		total, ok = AddChecked(total, amount)
		if !ok {
			return nil, apperrors.NewOverflowError(int64(tx.PayerSubjectID))
		}
	}

	payerAmount, ok := NegChecked(total)
	if !ok {
		return nil, apperrors.NewOverflowError(int64(tx.PayerSubjectID))
	}

	deltas := make([]types.Delta, 0, len(perRecipient)+1)
	deltas = append(deltas, types.Delta{
		SubjectID: tx.PayerSubjectID,
		LedgerID:  tx.ID,
		Amount:    payerAmount,
	})

	recipients := make([]types.SubjectID, 0, len(perRecipient))
	for subject := range perRecipient {
		recipients = append(recipients, subject)
	}
	sort.Slice(recipients, func(i, j int) bool { return recipients[i] < recipients[j] })

	for _, subject := range recipients {
		deltas = append(deltas, types.Delta{
			SubjectID: subject,
			LedgerID:  tx.ID,
			Amount:    perRecipient[subject],
		})
	}

	return deltas, nil
}

// TransferDeltas decodes one transfer into deltas: the source (if any)
// loses the amount, the destination (if any) gains it. External deposits
// and withdrawals have one side absent and emit a single delta.
func TransferDeltas(tr *models.Transfer) ([]types.Delta, error) {
	deltas := make([]types.Delta, 0, 2)

	if tr.SourceSubjectID != nil {
		amount, ok := NegChecked(tr.Amount)
		if !ok {
			return nil, apperrors.NewOverflowError(int64(*tr.SourceSubjectID))
		}
		deltas = append(deltas, types.Delta{
			SubjectID: *tr.SourceSubjectID,
			LedgerID:  tr.ID,
			Amount:    amount,
		})
	}

	if tr.DestSubjectID != nil {
		deltas = append(deltas, types.Delta{
			SubjectID: *tr.DestSubjectID,
			LedgerID:  tr.ID,
			Amount:    tr.Amount,
		})
	}

	return deltas, nil
}

// SumDeltas folds deltas into per-subject totals with checked addition.
// Subjects appear in the result as soon as they have any delta, even
// when their contributions cancel out to zero.
func SumDeltas(totals map[types.SubjectID]int64, deltas []types.Delta) error {
	for _, d := range deltas {
		sum, ok := AddChecked(totals[d.SubjectID], d.Amount)
		if !ok {
			return apperrors.NewOverflowError(int64(d.SubjectID))
		}
		totals[d.SubjectID] = sum
	}
	return nil
}
