package service

import (
	"context"
	"math"
	"testing"

	apperrors "github.com/balance-ledger/internal/errors"
	"github.com/balance-ledger/internal/models"
	"github.com/balance-ledger/internal/types"
)

func newTestService(t *testing.T, source *memorySource, snapshots *memorySnapshots, cfg BalanceServiceConfig) *BalanceService {
	t.Helper()
	if source == nil {
		source = &memorySource{}
	}
	if snapshots == nil {
		snapshots = newMemorySnapshots()
	}
	return NewBalanceService(source, snapshots, cfg)
}

func TestGetBalance_EmptyLedger(t *testing.T) {
	svc := newTestService(t, nil, nil, BalanceServiceConfig{})

	balance, err := svc.GetBalance(context.Background(), 1)
	if err != nil {
		t.Fatalf("GetBalance() error = %v", err)
	}
	if balance != 0 {
		t.Errorf("GetBalance() = %d, want 0 for subject with no history", balance)
	}
}

func TestGetBalance_WithoutRefresh(t *testing.T) {
	source := &memorySource{}
	source.appendTransaction(1, models.TransactionRow{RecipientSubjectID: 2, Quantity: 3, UnitPrice: 100})
	source.appendTransfer(subjectPtr(2), subjectPtr(3), 50)

	svc := newTestService(t, source, nil, BalanceServiceConfig{})
	ctx := context.Background()

	tests := []struct {
		subject types.SubjectID
		want    int64
	}{
		{1, -300},
		{2, 250},
		{3, 50},
		{99, 0},
	}
	for _, tt := range tests {
		got, err := svc.GetBalance(ctx, tt.subject)
		if err != nil {
			t.Fatalf("GetBalance(%d) error = %v", tt.subject, err)
		}
		if got != tt.want {
			t.Errorf("GetBalance(%d) = %d, want %d", tt.subject, got, tt.want)
		}
	}
}

func TestRefresh_ReadEqualsSnapshot(t *testing.T) {
	source := &memorySource{}
	source.appendTransaction(1, models.TransactionRow{RecipientSubjectID: 2, Quantity: 2, UnitPrice: 400})
	source.appendTransfer(nil, subjectPtr(1), 1000)

	snapshots := newMemorySnapshots()
	svc := newTestService(t, source, snapshots, BalanceServiceConfig{})
	ctx := context.Background()

	if err := svc.Refresh(ctx, nil); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	row, err := snapshots.Get(ctx, 1)
	if err != nil || row == nil {
		t.Fatalf("snapshot for subject 1 missing after refresh (err=%v)", err)
	}
	if row.CachedAmount != 200 {
		t.Errorf("snapshot amount = %d, want 200", row.CachedAmount)
	}
	if row.LastTransactionID != 1 || row.LastTransferID != 1 {
		t.Errorf("snapshot checkpoints = (%d, %d), want (1, 1)", row.LastTransactionID, row.LastTransferID)
	}

	balance, err := svc.GetBalance(ctx, 1)
	if err != nil {
		t.Fatalf("GetBalance() error = %v", err)
	}
	if balance != row.CachedAmount {
		t.Errorf("GetBalance() = %d, want snapshot amount %d when ledgers are quiet", balance, row.CachedAmount)
	}
}

func TestRefresh_Idempotent(t *testing.T) {
	source := &memorySource{}
	source.appendTransaction(1, models.TransactionRow{RecipientSubjectID: 2, Quantity: 1, UnitPrice: 75})
	source.appendTransfer(subjectPtr(2), subjectPtr(1), 25)

	snapshots := newMemorySnapshots()
	svc := newTestService(t, source, snapshots, BalanceServiceConfig{})
	ctx := context.Background()

	if err := svc.Refresh(ctx, nil); err != nil {
		t.Fatalf("first Refresh() error = %v", err)
	}
	first := map[types.SubjectID]models.BalanceSnapshot{}
	for subject, row := range snapshots.rows {
		first[subject] = row
	}

	if err := svc.Refresh(ctx, nil); err != nil {
		t.Fatalf("second Refresh() error = %v", err)
	}

	if len(snapshots.rows) != len(first) {
		t.Fatalf("snapshot count changed: %d -> %d", len(first), len(snapshots.rows))
	}
	for subject, before := range first {
		after := snapshots.rows[subject]
		if before.CachedAmount != after.CachedAmount ||
			before.LastTransactionID != after.LastTransactionID ||
			before.LastTransferID != after.LastTransferID {
			t.Errorf("subject %d snapshot changed on idle refresh: %+v -> %+v", subject, before, after)
		}
	}
}

func TestRefresh_PendingRowsStayPending(t *testing.T) {
	source := &memorySource{}
	source.appendTransfer(nil, subjectPtr(1), 100)

	snapshots := newMemorySnapshots()
	svc := newTestService(t, source, snapshots, BalanceServiceConfig{})
	ctx := context.Background()

	if err := svc.Refresh(ctx, nil); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	// Ledger grows after the refresh; reads must see it immediately.
	source.appendTransfer(nil, subjectPtr(1), 40)

	balance, err := svc.GetBalance(ctx, 1)
	if err != nil {
		t.Fatalf("GetBalance() error = %v", err)
	}
	if balance != 140 {
		t.Errorf("GetBalance() = %d, want 140 (snapshot plus pending delta)", balance)
	}

	// The snapshot itself still reflects the old checkpoint until the
	// next refresh.
	row, _ := snapshots.Get(ctx, 1)
	if row.CachedAmount != 100 || row.LastTransferID != 1 {
		t.Errorf("snapshot = %+v, want amount 100 at transfer checkpoint 1", row)
	}

	if err := svc.Refresh(ctx, nil); err != nil {
		t.Fatalf("second Refresh() error = %v", err)
	}
	row, _ = snapshots.Get(ctx, 1)
	if row.CachedAmount != 140 || row.LastTransferID != 2 {
		t.Errorf("snapshot after catch-up = %+v, want amount 140 at transfer checkpoint 2", row)
	}
}

func TestRefresh_RequestedSubjectGetsZeroRow(t *testing.T) {
	snapshots := newMemorySnapshots()
	svc := newTestService(t, &memorySource{}, snapshots, BalanceServiceConfig{})
	ctx := context.Background()

	if err := svc.Refresh(ctx, []types.SubjectID{7}); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	row, err := snapshots.Get(ctx, 7)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if row == nil {
		t.Fatal("subject 7 has no snapshot, want explicit zero row for requested subject")
	}
	if row.CachedAmount != 0 {
		t.Errorf("snapshot amount = %d, want 0", row.CachedAmount)
	}
}

func TestRefresh_SubsetLeavesOthersUntouched(t *testing.T) {
	source := &memorySource{}
	source.appendTransfer(nil, subjectPtr(1), 10)
	source.appendTransfer(nil, subjectPtr(2), 20)

	snapshots := newMemorySnapshots()
	svc := newTestService(t, source, snapshots, BalanceServiceConfig{})
	ctx := context.Background()

	if err := svc.Refresh(ctx, []types.SubjectID{1}); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	if row, _ := snapshots.Get(ctx, 1); row == nil || row.CachedAmount != 10 {
		t.Errorf("subject 1 snapshot = %+v, want amount 10", row)
	}
	if row, _ := snapshots.Get(ctx, 2); row != nil {
		t.Errorf("subject 2 snapshot = %+v, want none for unrequested subject", row)
	}

	// Subject 2 still reads correctly without a snapshot.
	balance, err := svc.GetBalance(ctx, 2)
	if err != nil {
		t.Fatalf("GetBalance(2) error = %v", err)
	}
	if balance != 20 {
		t.Errorf("GetBalance(2) = %d, want 20", balance)
	}
}

func TestInvalidate_ReadsUnchanged(t *testing.T) {
	source := &memorySource{}
	source.appendTransaction(1, models.TransactionRow{RecipientSubjectID: 2, Quantity: 5, UnitPrice: 60})
	source.appendTransfer(subjectPtr(1), subjectPtr(2), 45)

	snapshots := newMemorySnapshots()
	svc := newTestService(t, source, snapshots, BalanceServiceConfig{})
	ctx := context.Background()

	if err := svc.Refresh(ctx, nil); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	before := map[types.SubjectID]int64{}
	for _, subject := range []types.SubjectID{1, 2} {
		balance, err := svc.GetBalance(ctx, subject)
		if err != nil {
			t.Fatalf("GetBalance(%d) error = %v", subject, err)
		}
		before[subject] = balance
	}

	if err := svc.Invalidate(ctx, nil); err != nil {
		t.Fatalf("Invalidate() error = %v", err)
	}
	if len(snapshots.rows) != 0 {
		t.Fatalf("snapshots remain after Invalidate(nil): %v", snapshots.rows)
	}

	for subject, want := range before {
		got, err := svc.GetBalance(ctx, subject)
		if err != nil {
			t.Fatalf("GetBalance(%d) after invalidate error = %v", subject, err)
		}
		if got != want {
			t.Errorf("GetBalance(%d) = %d after invalidate, want %d (cache must be transparent)", subject, got, want)
		}
	}
}

func TestInvalidate_Subset(t *testing.T) {
	source := &memorySource{}
	source.appendTransfer(nil, subjectPtr(1), 10)
	source.appendTransfer(nil, subjectPtr(2), 20)

	snapshots := newMemorySnapshots()
	svc := newTestService(t, source, snapshots, BalanceServiceConfig{})
	ctx := context.Background()

	if err := svc.Refresh(ctx, nil); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if err := svc.Invalidate(ctx, []types.SubjectID{1}); err != nil {
		t.Fatalf("Invalidate() error = %v", err)
	}

	if row, _ := snapshots.Get(ctx, 1); row != nil {
		t.Errorf("subject 1 snapshot survived invalidation: %+v", row)
	}
	if row, _ := snapshots.Get(ctx, 2); row == nil {
		t.Error("subject 2 snapshot deleted by subset invalidation")
	}
}

func TestGetBalances_EmptySetIsValid(t *testing.T) {
	source := &memorySource{}
	source.appendTransfer(nil, subjectPtr(1), 10)

	svc := newTestService(t, source, nil, BalanceServiceConfig{})

	balances, err := svc.GetBalances(context.Background(), []types.SubjectID{})
	if err != nil {
		t.Fatalf("GetBalances(empty) error = %v", err)
	}
	if len(balances) != 0 {
		t.Errorf("GetBalances(empty) = %v, want empty map", balances)
	}
}

func TestGetBalances_NilMeansAllTouched(t *testing.T) {
	source := &memorySource{}
	source.appendTransaction(1, models.TransactionRow{RecipientSubjectID: 2, Quantity: 1, UnitPrice: 30})
	source.appendTransfer(subjectPtr(2), subjectPtr(3), 10)

	snapshots := newMemorySnapshots()
	svc := newTestService(t, source, snapshots, BalanceServiceConfig{})
	ctx := context.Background()

	// Refresh only subject 1; subjects 2 and 3 must still be discovered
	// by the unfiltered read.
	if err := svc.Refresh(ctx, []types.SubjectID{1}); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	balances, err := svc.GetBalances(ctx, nil)
	if err != nil {
		t.Fatalf("GetBalances(nil) error = %v", err)
	}

	want := map[types.SubjectID]int64{1: -30, 2: 20, 3: 10}
	if len(balances) != len(want) {
		t.Fatalf("GetBalances(nil) = %v, want %v", balances, want)
	}
	for subject, amount := range want {
		if balances[subject] != amount {
			t.Errorf("balances[%d] = %d, want %d", subject, balances[subject], amount)
		}
	}
}

func TestGetBalances_MixedCheckpoints(t *testing.T) {
	source := &memorySource{}
	source.appendTransfer(nil, subjectPtr(1), 100)
	source.appendTransfer(nil, subjectPtr(2), 200)

	snapshots := newMemorySnapshots()
	svc := newTestService(t, source, snapshots, BalanceServiceConfig{})
	ctx := context.Background()

	// Subject 1 snapshots at transfer 2, subject 2 has no snapshot.
	if err := svc.Refresh(ctx, []types.SubjectID{1}); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	source.appendTransfer(nil, subjectPtr(1), 1)
	source.appendTransfer(nil, subjectPtr(2), 2)

	balances, err := svc.GetBalances(ctx, []types.SubjectID{1, 2})
	if err != nil {
		t.Fatalf("GetBalances() error = %v", err)
	}

	// Subject 1: snapshot 100 plus pending 1. A delta already inside
	// subject 1's checkpoint must not be applied twice even though the
	// grouped scan starts at subject 2's older checkpoint.
	if balances[1] != 101 {
		t.Errorf("balances[1] = %d, want 101", balances[1])
	}
	if balances[2] != 202 {
		t.Errorf("balances[2] = %d, want 202", balances[2])
	}
}

func TestGetBalances_AgreesWithGetBalance(t *testing.T) {
	source := &memorySource{}
	source.appendTransaction(1,
		models.TransactionRow{RecipientSubjectID: 2, Quantity: 3, UnitPrice: 7},
		models.TransactionRow{RecipientSubjectID: 3, Quantity: 2, UnitPrice: 11},
	)
	source.appendTransfer(subjectPtr(3), subjectPtr(1), 5)
	source.appendTransfer(subjectPtr(2), nil, 4)

	snapshots := newMemorySnapshots()
	svc := newTestService(t, source, snapshots, BalanceServiceConfig{})
	ctx := context.Background()

	if err := svc.Refresh(ctx, []types.SubjectID{2}); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	source.appendTransfer(nil, subjectPtr(2), 9)

	subjects := []types.SubjectID{1, 2, 3}
	batch, err := svc.GetBalances(ctx, subjects)
	if err != nil {
		t.Fatalf("GetBalances() error = %v", err)
	}

	for _, subject := range subjects {
		single, err := svc.GetBalance(ctx, subject)
		if err != nil {
			t.Fatalf("GetBalance(%d) error = %v", subject, err)
		}
		if batch[subject] != single {
			t.Errorf("GetBalances()[%d] = %d, GetBalance(%d) = %d; must agree", subject, batch[subject], subject, single)
		}
	}
}

func TestRefresh_OverflowContinue(t *testing.T) {
	source := &memorySource{}
	source.appendTransfer(nil, subjectPtr(1), math.MaxInt64)
	source.appendTransfer(nil, subjectPtr(1), 1)
	source.appendTransfer(nil, subjectPtr(2), 500)

	snapshots := newMemorySnapshots()
	svc := newTestService(t, source, snapshots, BalanceServiceConfig{ContinueOnOverflow: true})
	ctx := context.Background()

	err := svc.Refresh(ctx, nil)
	if !apperrors.IsOverflow(err) {
		t.Fatalf("Refresh() error = %v, want arithmetic overflow", err)
	}

	// The healthy subject is still committed.
	if row, _ := snapshots.Get(ctx, 2); row == nil || row.CachedAmount != 500 {
		t.Errorf("subject 2 snapshot = %+v, want amount 500 despite subject 1 overflow", row)
	}
	// The overflowing subject gets no row at all.
	if row, _ := snapshots.Get(ctx, 1); row != nil {
		t.Errorf("subject 1 snapshot = %+v, want none after overflow", row)
	}

	catErr := apperrors.Categorize(err)
	if ids, ok := catErr.Details["subjectIds"].([]int64); !ok || len(ids) != 1 || ids[0] != 1 {
		t.Errorf("overflow details = %v, want subjectIds [1]", catErr.Details)
	}
}

func TestRefresh_OverflowAbort(t *testing.T) {
	source := &memorySource{}
	source.appendTransfer(nil, subjectPtr(1), math.MaxInt64)
	source.appendTransfer(nil, subjectPtr(1), 1)
	source.appendTransfer(nil, subjectPtr(2), 500)

	snapshots := newMemorySnapshots()
	svc := newTestService(t, source, snapshots, BalanceServiceConfig{ContinueOnOverflow: false})

	err := svc.Refresh(context.Background(), nil)
	if !apperrors.IsOverflow(err) {
		t.Fatalf("Refresh() error = %v, want arithmetic overflow", err)
	}

	if len(snapshots.rows) != 0 {
		t.Errorf("snapshots written in abort mode: %v, want none", snapshots.rows)
	}
}

func TestGetBalance_OverflowFailsRead(t *testing.T) {
	source := &memorySource{}
	source.appendTransfer(nil, subjectPtr(1), math.MaxInt64)
	source.appendTransfer(nil, subjectPtr(1), 1)

	svc := newTestService(t, source, nil, BalanceServiceConfig{})

	_, err := svc.GetBalance(context.Background(), 1)
	if !apperrors.IsOverflow(err) {
		t.Errorf("GetBalance() error = %v, want arithmetic overflow", err)
	}
}

func TestRefresh_PartialWriteFailureKeepsProgress(t *testing.T) {
	source := &memorySource{}
	source.appendTransfer(nil, subjectPtr(1), 10)
	source.appendTransfer(nil, subjectPtr(2), 20)
	source.appendTransfer(nil, subjectPtr(3), 30)

	snapshots := newMemorySnapshots()
	snapshots.failOnCall = 2
	svc := newTestService(t, source, snapshots, BalanceServiceConfig{})
	ctx := context.Background()

	if err := svc.Refresh(ctx, nil); err == nil {
		t.Fatal("Refresh() error = nil, want injected write failure")
	}

	// Subject 1 was written before the failure and remains valid.
	if row, _ := snapshots.Get(ctx, 1); row == nil || row.CachedAmount != 10 {
		t.Errorf("subject 1 snapshot = %+v, want amount 10 after partial refresh", row)
	}

	// Every subject still reads correctly.
	for subject, want := range map[types.SubjectID]int64{1: 10, 2: 20, 3: 30} {
		got, err := svc.GetBalance(ctx, subject)
		if err != nil {
			t.Fatalf("GetBalance(%d) error = %v", subject, err)
		}
		if got != want {
			t.Errorf("GetBalance(%d) = %d, want %d", subject, got, want)
		}
	}
}

func TestReplace_GuardRefusesCheckpointRegression(t *testing.T) {
	snapshots := newMemorySnapshots()
	ctx := context.Background()

	fresh := &models.BalanceSnapshot{SubjectID: 1, CachedAmount: 50, LastTransactionID: 5, LastTransferID: 5}
	if err := snapshots.Replace(ctx, fresh); err != nil {
		t.Fatalf("Replace(fresh) error = %v", err)
	}

	stale := &models.BalanceSnapshot{SubjectID: 1, CachedAmount: 10, LastTransactionID: 3, LastTransferID: 5}
	if err := snapshots.Replace(ctx, stale); err != nil {
		t.Fatalf("Replace(stale) error = %v", err)
	}

	row, _ := snapshots.Get(ctx, 1)
	if row.LastTransactionID != 5 || row.CachedAmount != 50 {
		t.Errorf("snapshot = %+v, stale write must not regress checkpoints", row)
	}
}

func TestGetBalance_UsesCache(t *testing.T) {
	source := &memorySource{}
	source.appendTransfer(nil, subjectPtr(1), 100)

	cache := newMemoryCache()
	svc := newTestService(t, source, nil, BalanceServiceConfig{Cache: cache})
	ctx := context.Background()

	first, err := svc.GetBalance(ctx, 1)
	if err != nil {
		t.Fatalf("GetBalance() error = %v", err)
	}
	if cache.sets != 1 {
		t.Errorf("cache sets = %d, want 1 after first read", cache.sets)
	}

	// Second read is served from the cache even though the ledger grew;
	// staleness is bounded by the TTL, not by correctness machinery.
	source.appendTransfer(nil, subjectPtr(1), 50)
	second, err := svc.GetBalance(ctx, 1)
	if err != nil {
		t.Fatalf("GetBalance() error = %v", err)
	}
	if second != first {
		t.Errorf("GetBalance() = %d, want cached %d", second, first)
	}
}

func TestRefresh_InvalidatesCache(t *testing.T) {
	source := &memorySource{}
	source.appendTransfer(nil, subjectPtr(1), 100)

	cache := newMemoryCache()
	svc := newTestService(t, source, nil, BalanceServiceConfig{Cache: cache})
	ctx := context.Background()

	if _, err := svc.GetBalance(ctx, 1); err != nil {
		t.Fatalf("GetBalance() error = %v", err)
	}

	source.appendTransfer(nil, subjectPtr(1), 50)
	if err := svc.Refresh(ctx, nil); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if cache.invalidated == 0 {
		t.Fatal("Refresh() did not invalidate the view cache")
	}

	balance, err := svc.GetBalance(ctx, 1)
	if err != nil {
		t.Fatalf("GetBalance() error = %v", err)
	}
	if balance != 150 {
		t.Errorf("GetBalance() = %d after refresh, want 150", balance)
	}
}

func TestRefresh_DuplicateSubjectsCollapse(t *testing.T) {
	source := &memorySource{}
	source.appendTransfer(nil, subjectPtr(1), 10)

	snapshots := newMemorySnapshots()
	svc := newTestService(t, source, snapshots, BalanceServiceConfig{})

	if err := svc.Refresh(context.Background(), []types.SubjectID{1, 1, 1}); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if snapshots.replaceCalls != 1 {
		t.Errorf("replace calls = %d, want 1 for deduplicated subject set", snapshots.replaceCalls)
	}
}

func TestRefresh_SourceErrorPropagates(t *testing.T) {
	source := &memorySource{}
	source.failNext = apperrors.NewSourceUnavailableError("transaction ledger", "read max id", nil)

	svc := newTestService(t, source, nil, BalanceServiceConfig{})

	err := svc.Refresh(context.Background(), nil)
	if err == nil {
		t.Fatal("Refresh() error = nil, want source error")
	}
	catErr := apperrors.Categorize(err)
	if catErr.Code != apperrors.CodeSourceUnavailable {
		t.Errorf("Refresh() error code = %s, want %s", catErr.Code, apperrors.CodeSourceUnavailable)
	}
	if !apperrors.IsRetryable(err) {
		t.Error("source errors must be retryable")
	}
}
