package storage

import (
	"context"
	"errors"

	apperrors "github.com/balance-ledger/internal/errors"
	"github.com/balance-ledger/internal/models"
	"github.com/balance-ledger/internal/types"
	"github.com/jackc/pgx/v5"
)

// SnapshotRepository persists balance snapshots, one row per subject.
type SnapshotRepository struct {
	db *PostgresDB
}

// NewSnapshotRepository creates a new snapshot repository
func NewSnapshotRepository(db *PostgresDB) *SnapshotRepository {
	return &SnapshotRepository{db: db}
}

// Get retrieves the snapshot for a subject. A missing row is not an
// error: it returns (nil, nil) and the engine treats it as the implicit
// zero snapshot.
func (r *SnapshotRepository) Get(ctx context.Context, subject types.SubjectID) (*models.BalanceSnapshot, error) {
	query := `
		SELECT subject_id, cached_amount, last_transaction_id, last_transfer_id, refreshed_at
		FROM balance_snapshots
		WHERE subject_id = $1
	`

	var snapshot models.BalanceSnapshot
	err := r.db.Pool().QueryRow(ctx, query, int64(subject)).Scan(
		&snapshot.SubjectID,
		&snapshot.CachedAmount,
		&snapshot.LastTransactionID,
		&snapshot.LastTransferID,
		&snapshot.RefreshedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, apperrors.NewSourceUnavailableError("snapshot store", "get snapshot", err)
	}

	return &snapshot, nil
}

// List retrieves the snapshots for the given subjects, or all snapshots
// when subjects is nil. Subjects without a row are simply absent from
// the result.
func (r *SnapshotRepository) List(ctx context.Context, subjects []types.SubjectID) ([]*models.BalanceSnapshot, error) {
	query := `
		SELECT subject_id, cached_amount, last_transaction_id, last_transfer_id, refreshed_at
		FROM balance_snapshots
	`
	var args []any
	if subjects != nil {
		query += ` WHERE subject_id = ANY($1)`
		args = append(args, subjectIDs(subjects))
	}
	query += ` ORDER BY subject_id`

	rows, err := r.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, apperrors.NewSourceUnavailableError("snapshot store", "list snapshots", err)
	}
	defer rows.Close()

	var snapshots []*models.BalanceSnapshot
	for rows.Next() {
		var snapshot models.BalanceSnapshot
		err := rows.Scan(
			&snapshot.SubjectID,
			&snapshot.CachedAmount,
			&snapshot.LastTransactionID,
			&snapshot.LastTransferID,
			&snapshot.RefreshedAt,
		)
		if err != nil {
			return nil, apperrors.NewSourceUnavailableError("snapshot store", "scan snapshot", err)
		}
		snapshots = append(snapshots, &snapshot)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewSourceUnavailableError("snapshot store", "iterate snapshots", err)
	}

	return snapshots, nil
}

// Replace upserts the whole snapshot row for a subject. The ON CONFLICT
// guard refuses to regress either checkpoint, so a slow refresh racing a
// newer one cannot overwrite the newer row; the row itself is always
// replaced wholesale, never merged.
func (r *SnapshotRepository) Replace(ctx context.Context, snapshot *models.BalanceSnapshot) error {
	query := `
		INSERT INTO balance_snapshots (subject_id, cached_amount, last_transaction_id, last_transfer_id, refreshed_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (subject_id) DO UPDATE SET
			cached_amount = EXCLUDED.cached_amount,
			last_transaction_id = EXCLUDED.last_transaction_id,
			last_transfer_id = EXCLUDED.last_transfer_id,
			refreshed_at = EXCLUDED.refreshed_at
		WHERE balance_snapshots.last_transaction_id <= EXCLUDED.last_transaction_id
		  AND balance_snapshots.last_transfer_id <= EXCLUDED.last_transfer_id
	`

	_, err := r.db.Pool().Exec(ctx, query,
		int64(snapshot.SubjectID),
		snapshot.CachedAmount,
		snapshot.LastTransactionID,
		snapshot.LastTransferID,
		snapshot.RefreshedAt,
	)
	if err != nil {
		return apperrors.NewSourceUnavailableError("snapshot store", "replace snapshot", err)
	}

	return nil
}

// Delete removes the snapshots for the given subjects, or every snapshot
// when subjects is nil. Deleting an absent row is not an error.
func (r *SnapshotRepository) Delete(ctx context.Context, subjects []types.SubjectID) error {
	query := `DELETE FROM balance_snapshots`
	var args []any
	if subjects != nil {
		query += ` WHERE subject_id = ANY($1)`
		args = append(args, subjectIDs(subjects))
	}

	if _, err := r.db.Pool().Exec(ctx, query, args...); err != nil {
		return apperrors.NewSourceUnavailableError("snapshot store", "delete snapshots", err)
	}

	return nil
}
