// Package service implements the balance ledger cache: the checkpointed
// incremental aggregation engine that maintains per-subject balance
// snapshots over the transaction and transfer ledgers.
package service

import (
	"context"
	"sort"
	"time"

	apperrors "github.com/balance-ledger/internal/errors"
	"github.com/balance-ledger/internal/events"
	"github.com/balance-ledger/internal/ledger"
	"github.com/balance-ledger/internal/logging"
	"github.com/balance-ledger/internal/models"
	"github.com/balance-ledger/internal/types"
	"github.com/google/uuid"
)

// LedgerSource reads the two append-only ledgers. A nil or empty subject
// slice means "all subjects". Implementations must return deltas derived
// with the rules in the ledger package, so quantity×price never bypasses
// checked arithmetic.
type LedgerSource interface {
	MaxTransactionID(ctx context.Context) (int64, error)
	MaxTransferID(ctx context.Context) (int64, error)
	TransactionDeltasUpTo(ctx context.Context, maxID int64, subjects []types.SubjectID) ([]types.Delta, error)
	TransferDeltasUpTo(ctx context.Context, maxID int64, subjects []types.SubjectID) ([]types.Delta, error)
	TransactionDeltasAfter(ctx context.Context, checkpoint int64, subjects []types.SubjectID) ([]types.Delta, error)
	TransferDeltasAfter(ctx context.Context, checkpoint int64, subjects []types.SubjectID) ([]types.Delta, error)
}

// SnapshotRepository persists one snapshot row per subject. Get returns
// (nil, nil) when no row exists; the engine treats that as the implicit
// zero snapshot. Replace is a whole-row upsert and must never regress
// either checkpoint of an existing row.
type SnapshotRepository interface {
	Get(ctx context.Context, subject types.SubjectID) (*models.BalanceSnapshot, error)
	List(ctx context.Context, subjects []types.SubjectID) ([]*models.BalanceSnapshot, error)
	Replace(ctx context.Context, snapshot *models.BalanceSnapshot) error
	Delete(ctx context.Context, subjects []types.SubjectID) error
}

// BalanceCache is an optional short-TTL cache in front of the read path.
// It only changes the cost of reads, never their meaning: every entry is
// invalidated whenever the engine writes or deletes snapshots.
type BalanceCache interface {
	GetBalance(ctx context.Context, subject types.SubjectID) (int64, bool, error)
	SetBalance(ctx context.Context, subject types.SubjectID, amount int64) error
	InvalidateSubjects(ctx context.Context, subjects []types.SubjectID) error
	InvalidateAll(ctx context.Context) error
}

// BalanceServiceConfig carries the optional collaborators of the engine.
type BalanceServiceConfig struct {
	Cache  BalanceCache     // nil disables view caching
	Events events.Publisher // nil disables event publishing
	Logger *logging.Logger  // nil falls back to the global logger
	// ContinueOnOverflow selects the refresh overflow policy: skip the
	// overflowing subject and keep writing the rest (true), or abort
	// before any write (false).
	ContinueOnOverflow bool
}

// BalanceService computes subject balances as "last cached snapshot plus
// deltas since that snapshot" and owns the snapshot lifecycle.
type BalanceService struct {
	source             LedgerSource
	snapshots          SnapshotRepository
	cache              BalanceCache
	events             events.Publisher
	logger             *logging.Logger
	continueOnOverflow bool
}

// NewBalanceService creates the aggregation engine.
func NewBalanceService(source LedgerSource, snapshots SnapshotRepository, cfg BalanceServiceConfig) *BalanceService {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &BalanceService{
		source:             source,
		snapshots:          snapshots,
		cache:              cfg.Cache,
		events:             cfg.Events,
		logger:             logger,
		continueOnOverflow: cfg.ContinueOnOverflow,
	}
}

// Refresh rebuilds the snapshots for the given subjects, or for every
// subject present in the ledgers when subjects is nil. The checkpoints
// are captured before the aggregation scan, so rows appended during the
// scan stay pending for the next refresh or a live read. Each written
// row is a full upsert; running Refresh twice with no ledger growth
// yields identical snapshots.
func (s *BalanceService) Refresh(ctx context.Context, subjects []types.SubjectID) error {
	subjects = dedupeSubjects(subjects)

	// Checkpoint capture must happen before the scan below. A checkpoint
	// taken afterwards could cover rows the scan never saw.
	tmax, err := s.source.MaxTransactionID(ctx)
	if err != nil {
		return err
	}
	fmax, err := s.source.MaxTransferID(ctx)
	if err != nil {
		return err
	}

	txDeltas, err := s.source.TransactionDeltasUpTo(ctx, tmax, subjects)
	if err != nil {
		return err
	}
	trDeltas, err := s.source.TransferDeltasUpTo(ctx, fmax, subjects)
	if err != nil {
		return err
	}

	totals, overflowed := foldDeltas(txDeltas, trDeltas)
	if len(overflowed) > 0 && !s.continueOnOverflow {
		return overflowError(overflowed)
	}

	// Requested subjects get a row even when their aggregate is zero.
	for _, subject := range subjects {
		if _, seen := totals[subject]; !seen && !containsSubject(overflowed, subject) {
			totals[subject] = 0
		}
	}

	now := time.Now().UTC()
	written := make([]types.SubjectID, 0, len(totals))
	for _, subject := range sortedSubjects(totals) {
		snapshot := &models.BalanceSnapshot{
			SubjectID:         subject,
			CachedAmount:      totals[subject],
			LastTransactionID: tmax,
			LastTransferID:    fmax,
			RefreshedAt:       now,
		}
		if err := s.snapshots.Replace(ctx, snapshot); err != nil {
			// Rows committed so far keep valid checkpoints; a retry can
			// resume from here.
			s.invalidateCache(ctx, written)
			return err
		}
		written = append(written, subject)
	}

	s.invalidateCache(ctx, written)
	s.publish(events.TopicSnapshotsRefreshed, &events.SnapshotsRefreshed{
		RunID:             uuid.NewString(),
		SubjectIDs:        written,
		LastTransactionID: tmax,
		LastTransferID:    fmax,
		OccurredAt:        now,
	})

	s.logger.WithFields(map[string]interface{}{
		"subjects":          len(written),
		"lastTransactionId": tmax,
		"lastTransferId":    fmax,
	}).Info("snapshot refresh complete")

	if len(overflowed) > 0 {
		return overflowError(overflowed)
	}
	return nil
}

// GetBalance returns the current balance for one subject: the cached
// snapshot (implicit zero when absent) plus all deltas strictly newer
// than its checkpoints. The snapshot store is never written.
func (s *BalanceService) GetBalance(ctx context.Context, subject types.SubjectID) (int64, error) {
	if s.cache != nil {
		amount, hit, err := s.cache.GetBalance(ctx, subject)
		if err != nil {
			s.logger.WithError(err).Warn("balance cache read failed, computing live")
		} else if hit {
			return amount, nil
		}
	}

	row, err := s.snapshots.Get(ctx, subject)
	if err != nil {
		return 0, err
	}
	snapshot := snapshotOrZero(subject, row)

	only := []types.SubjectID{subject}
	txPending, err := s.source.TransactionDeltasAfter(ctx, snapshot.LastTransactionID, only)
	if err != nil {
		return 0, err
	}
	trPending, err := s.source.TransferDeltasAfter(ctx, snapshot.LastTransferID, only)
	if err != nil {
		return 0, err
	}

	// A read must return one consistent number or fail outright.
	pending := make(map[types.SubjectID]int64, 1)
	if err := ledger.SumDeltas(pending, txPending); err != nil {
		return 0, err
	}
	if err := ledger.SumDeltas(pending, trPending); err != nil {
		return 0, err
	}

	balance, ok := ledger.AddChecked(snapshot.CachedAmount, pending[subject])
	if !ok {
		return 0, apperrors.NewOverflowError(int64(subject))
	}

	if s.cache != nil {
		if err := s.cache.SetBalance(ctx, subject, balance); err != nil {
			s.logger.WithError(err).Warn("balance cache write failed")
		}
	}

	return balance, nil
}

// GetBalances returns the balances for a set of subjects in one pass
// over the pending deltas. A nil set means every touched subject (any
// subject with a snapshot or ledger history); an empty non-nil set is a
// valid request and yields an empty mapping.
func (s *BalanceService) GetBalances(ctx context.Context, subjects []types.SubjectID) (map[types.SubjectID]int64, error) {
	if subjects != nil && len(subjects) == 0 {
		return map[types.SubjectID]int64{}, nil
	}
	subjects = dedupeSubjects(subjects)

	rows, err := s.snapshots.List(ctx, subjects)
	if err != nil {
		return nil, err
	}

	txCheckpoint := make(map[types.SubjectID]int64, len(rows))
	trCheckpoint := make(map[types.SubjectID]int64, len(rows))
	balances := make(map[types.SubjectID]int64, len(rows))
	for _, row := range rows {
		txCheckpoint[row.SubjectID] = row.LastTransactionID
		trCheckpoint[row.SubjectID] = row.LastTransferID
		balances[row.SubjectID] = row.CachedAmount
	}
	for _, subject := range subjects {
		if _, ok := balances[subject]; !ok {
			balances[subject] = 0
		}
	}

	// One grouped scan from the oldest relevant checkpoint; per-delta
	// filtering below keeps each subject's own boundary exact. Subjects
	// without a snapshot scan from zero.
	scanFromTx := minCheckpoint(subjects, txCheckpoint)
	scanFromTr := minCheckpoint(subjects, trCheckpoint)

	txPending, err := s.source.TransactionDeltasAfter(ctx, scanFromTx, subjects)
	if err != nil {
		return nil, err
	}
	trPending, err := s.source.TransferDeltasAfter(ctx, scanFromTr, subjects)
	if err != nil {
		return nil, err
	}

	if err := applyPending(balances, txPending, txCheckpoint); err != nil {
		return nil, err
	}
	if err := applyPending(balances, trPending, trCheckpoint); err != nil {
		return nil, err
	}

	return balances, nil
}

// Invalidate deletes the snapshots for the given subjects, or all
// snapshots when subjects is nil. Subsequent reads behave as if the
// subjects had never been cached; only their cost changes. Ledger data
// is never touched.
func (s *BalanceService) Invalidate(ctx context.Context, subjects []types.SubjectID) error {
	subjects = dedupeSubjects(subjects)

	if err := s.snapshots.Delete(ctx, subjects); err != nil {
		return err
	}

	if s.cache != nil {
		var err error
		if subjects == nil {
			err = s.cache.InvalidateAll(ctx)
		} else {
			err = s.cache.InvalidateSubjects(ctx, subjects)
		}
		if err != nil {
			s.logger.WithError(err).Warn("balance cache invalidation failed")
		}
	}

	s.publish(events.TopicSnapshotsInvalidated, &events.SnapshotsInvalidated{
		RunID:      uuid.NewString(),
		SubjectIDs: subjects,
		OccurredAt: time.Now().UTC(),
	})

	return nil
}

// foldDeltas sums deltas per subject with checked arithmetic. A subject
// whose running aggregate overflows is dropped from the totals and
// reported; remaining subjects are unaffected.
func foldDeltas(txDeltas, trDeltas []types.Delta) (map[types.SubjectID]int64, []types.SubjectID) {
	totals := make(map[types.SubjectID]int64)
	failed := make(map[types.SubjectID]bool)

	for _, deltas := range [][]types.Delta{txDeltas, trDeltas} {
		for _, d := range deltas {
			if failed[d.SubjectID] {
				continue
			}
			sum, ok := ledger.AddChecked(totals[d.SubjectID], d.Amount)
			if !ok {
				failed[d.SubjectID] = true
				delete(totals, d.SubjectID)
				continue
			}
			totals[d.SubjectID] = sum
		}
	}

	overflowed := make([]types.SubjectID, 0, len(failed))
	for subject := range failed {
		overflowed = append(overflowed, subject)
	}
	sort.Slice(overflowed, func(i, j int) bool { return overflowed[i] < overflowed[j] })

	return totals, overflowed
}

// applyPending adds deltas strictly newer than each subject's own
// checkpoint onto the balances. Deltas at or below the checkpoint are
// already folded into the cached amount and must not be counted again.
func applyPending(balances map[types.SubjectID]int64, deltas []types.Delta, checkpoints map[types.SubjectID]int64) error {
	for _, d := range deltas {
		if d.LedgerID <= checkpoints[d.SubjectID] {
			continue
		}
		sum, ok := ledger.AddChecked(balances[d.SubjectID], d.Amount)
		if !ok {
			return apperrors.NewOverflowError(int64(d.SubjectID))
		}
		balances[d.SubjectID] = sum
	}
	return nil
}

func (s *BalanceService) invalidateCache(ctx context.Context, subjects []types.SubjectID) {
	if s.cache == nil || len(subjects) == 0 {
		return
	}
	if err := s.cache.InvalidateSubjects(ctx, subjects); err != nil {
		s.logger.WithError(err).Warn("balance cache invalidation failed")
	}
}

func (s *BalanceService) publish(topic string, event any) {
	if s.events == nil {
		return
	}
	if err := s.events.Publish(topic, event); err != nil {
		// Event delivery is best effort; the snapshot store is the
		// source of truth.
		s.logger.WithError(err).WithField("topic", topic).Warn("event publish failed")
	}
}

// snapshotOrZero normalizes a missing snapshot row into the implicit
// zero snapshot. This is the only place absence is interpreted.
func snapshotOrZero(subject types.SubjectID, row *models.BalanceSnapshot) models.BalanceSnapshot {
	if row == nil {
		return models.BalanceSnapshot{SubjectID: subject}
	}
	return *row
}

// dedupeSubjects removes duplicates while preserving nil-ness: a nil
// input keeps meaning "all subjects".
func dedupeSubjects(subjects []types.SubjectID) []types.SubjectID {
	if subjects == nil {
		return nil
	}
	seen := make(map[types.SubjectID]bool, len(subjects))
	out := make([]types.SubjectID, 0, len(subjects))
	for _, subject := range subjects {
		if !seen[subject] {
			seen[subject] = true
			out = append(out, subject)
		}
	}
	return out
}

func sortedSubjects(totals map[types.SubjectID]int64) []types.SubjectID {
	out := make([]types.SubjectID, 0, len(totals))
	for subject := range totals {
		out = append(out, subject)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func containsSubject(subjects []types.SubjectID, subject types.SubjectID) bool {
	for _, s := range subjects {
		if s == subject {
			return true
		}
	}
	return false
}

func minCheckpoint(subjects []types.SubjectID, checkpoints map[types.SubjectID]int64) int64 {
	// An unfiltered read must also find subjects that were never
	// cached, so it scans the whole ledger.
	if subjects == nil {
		return 0
	}
	min := int64(0)
	first := true
	for _, subject := range subjects {
		ckpt := checkpoints[subject]
		if first || ckpt < min {
			min = ckpt
			first = false
		}
	}
	if first {
		return 0
	}
	return min
}

func overflowError(subjects []types.SubjectID) error {
	ids := make([]int64, len(subjects))
	for i, s := range subjects {
		ids[i] = int64(s)
	}
	err := apperrors.NewOverflowError(ids[0])
	err.Details["subjectIds"] = ids
	return err
}
