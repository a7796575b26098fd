package storage

import (
	"context"
	"math"

	apperrors "github.com/balance-ledger/internal/errors"
	"github.com/balance-ledger/internal/ledger"
	"github.com/balance-ledger/internal/models"
	"github.com/balance-ledger/internal/types"
)

// LedgerRepository reads the append-only transaction and transfer
// ledgers and decodes them into signed deltas. The ledgers are read-only
// from this repository's perspective.
//
// Raw rows are fetched and decoded in Go (ledger.TransactionDeltas /
// ledger.TransferDeltas) rather than summed in SQL, so every
// quantity×price multiplication goes through checked arithmetic and an
// overflow surfaces as a typed error instead of a silent wrap.
type LedgerRepository struct {
	db *PostgresDB
}

// NewLedgerRepository creates a new ledger repository
func NewLedgerRepository(db *PostgresDB) *LedgerRepository {
	return &LedgerRepository{db: db}
}

// MaxTransactionID returns the highest transaction id, 0 for an empty ledger.
func (r *LedgerRepository) MaxTransactionID(ctx context.Context) (int64, error) {
	var max int64
	err := r.db.Pool().QueryRow(ctx, `SELECT COALESCE(MAX(id), 0) FROM transactions`).Scan(&max)
	if err != nil {
		return 0, apperrors.NewSourceUnavailableError("transaction ledger", "read max id", err)
	}
	return max, nil
}

// MaxTransferID returns the highest transfer id, 0 for an empty ledger.
func (r *LedgerRepository) MaxTransferID(ctx context.Context) (int64, error) {
	var max int64
	err := r.db.Pool().QueryRow(ctx, `SELECT COALESCE(MAX(id), 0) FROM transfers`).Scan(&max)
	if err != nil {
		return 0, apperrors.NewSourceUnavailableError("transfer ledger", "read max id", err)
	}
	return max, nil
}

// TransactionDeltasUpTo returns all transaction deltas with id <= maxID,
// restricted to the given subjects when non-nil.
func (r *LedgerRepository) TransactionDeltasUpTo(ctx context.Context, maxID int64, subjects []types.SubjectID) ([]types.Delta, error) {
	return r.transactionDeltas(ctx, 0, maxID, subjects)
}

// TransactionDeltasAfter returns all transaction deltas with id strictly
// greater than checkpoint, restricted to the given subjects when non-nil.
func (r *LedgerRepository) TransactionDeltasAfter(ctx context.Context, checkpoint int64, subjects []types.SubjectID) ([]types.Delta, error) {
	return r.transactionDeltas(ctx, checkpoint, math.MaxInt64, subjects)
}

// TransferDeltasUpTo returns all transfer deltas with id <= maxID,
// restricted to the given subjects when non-nil.
func (r *LedgerRepository) TransferDeltasUpTo(ctx context.Context, maxID int64, subjects []types.SubjectID) ([]types.Delta, error) {
	return r.transferDeltas(ctx, 0, maxID, subjects)
}

// TransferDeltasAfter returns all transfer deltas with id strictly
// greater than checkpoint, restricted to the given subjects when non-nil.
func (r *LedgerRepository) TransferDeltasAfter(ctx context.Context, checkpoint int64, subjects []types.SubjectID) ([]types.Delta, error) {
	return r.transferDeltas(ctx, checkpoint, math.MaxInt64, subjects)
}

func (r *LedgerRepository) transactionDeltas(ctx context.Context, after, upTo int64, subjects []types.SubjectID) ([]types.Delta, error) {
	// The filter keeps whole transactions: a transaction is included
	// when the payer or any recipient is requested, because the payer
	// delta is the sum over all rows of the transaction. Deltas for
	// unrequested subjects are dropped after decoding.
	query := `
		SELECT t.id, t.payer_subject_id, st.recipient_subject_id, str.quantity, pr.unit_price
		FROM transactions t
		JOIN sub_transactions st ON st.transaction_id = t.id
		JOIN sub_transaction_rows str ON str.sub_transaction_id = st.id
		JOIN product_revisions pr ON pr.id = str.product_revision_id
		WHERE t.id > $1 AND t.id <= $2
	`
	args := []any{after, upTo}
	if subjects != nil {
		query += `
		AND (t.payer_subject_id = ANY($3) OR EXISTS (
			SELECT 1 FROM sub_transactions s2
			WHERE s2.transaction_id = t.id AND s2.recipient_subject_id = ANY($3)
		))`
		args = append(args, subjectIDs(subjects))
	}
	query += `
		ORDER BY t.id`

	rows, err := r.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, apperrors.NewSourceUnavailableError("transaction ledger", "query deltas", err)
	}
	defer rows.Close()

	var deltas []types.Delta
	var current *models.Transaction

	flush := func() error {
		if current == nil {
			return nil
		}
		decoded, err := ledger.TransactionDeltas(current)
		if err != nil {
			return err
		}
		deltas = append(deltas, filterDeltas(decoded, subjects)...)
		current = nil
		return nil
	}

	for rows.Next() {
		var (
			id, quantity, unitPrice int64
			payer, recipient        int64
		)
		if err := rows.Scan(&id, &payer, &recipient, &quantity, &unitPrice); err != nil {
			return nil, apperrors.NewSourceUnavailableError("transaction ledger", "scan deltas", err)
		}

		if current == nil || current.ID != id {
			if err := flush(); err != nil {
				return nil, err
			}
			current = &models.Transaction{ID: id, PayerSubjectID: types.SubjectID(payer)}
		}
		current.Rows = append(current.Rows, models.TransactionRow{
			RecipientSubjectID: types.SubjectID(recipient),
			Quantity:           quantity,
			UnitPrice:          unitPrice,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewSourceUnavailableError("transaction ledger", "iterate deltas", err)
	}
	if err := flush(); err != nil {
		return nil, err
	}

	return deltas, nil
}

func (r *LedgerRepository) transferDeltas(ctx context.Context, after, upTo int64, subjects []types.SubjectID) ([]types.Delta, error) {
	query := `
		SELECT id, source_subject_id, dest_subject_id, amount
		FROM transfers
		WHERE id > $1 AND id <= $2
	`
	args := []any{after, upTo}
	if subjects != nil {
		query += `
		AND (source_subject_id = ANY($3) OR dest_subject_id = ANY($3))`
		args = append(args, subjectIDs(subjects))
	}
	query += `
		ORDER BY id`

	rows, err := r.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, apperrors.NewSourceUnavailableError("transfer ledger", "query deltas", err)
	}
	defer rows.Close()

	var deltas []types.Delta
	for rows.Next() {
		var (
			transfer models.Transfer
			src, dst *int64
		)
		if err := rows.Scan(&transfer.ID, &src, &dst, &transfer.Amount); err != nil {
			return nil, apperrors.NewSourceUnavailableError("transfer ledger", "scan deltas", err)
		}
		if src != nil {
			s := types.SubjectID(*src)
			transfer.SourceSubjectID = &s
		}
		if dst != nil {
			d := types.SubjectID(*dst)
			transfer.DestSubjectID = &d
		}

		decoded, err := ledger.TransferDeltas(&transfer)
		if err != nil {
			return nil, err
		}
		deltas = append(deltas, filterDeltas(decoded, subjects)...)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewSourceUnavailableError("transfer ledger", "iterate deltas", err)
	}

	return deltas, nil
}

// filterDeltas drops deltas for subjects outside the requested set.
// A nil set keeps everything.
func filterDeltas(deltas []types.Delta, subjects []types.SubjectID) []types.Delta {
	if subjects == nil {
		return deltas
	}
	requested := make(map[types.SubjectID]bool, len(subjects))
	for _, s := range subjects {
		requested[s] = true
	}
	out := deltas[:0]
	for _, d := range deltas {
		if requested[d.SubjectID] {
			out = append(out, d)
		}
	}
	return out
}

func subjectIDs(subjects []types.SubjectID) []int64 {
	ids := make([]int64, len(subjects))
	for i, s := range subjects {
		ids[i] = int64(s)
	}
	return ids
}
