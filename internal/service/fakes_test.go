package service

import (
	"context"
	"fmt"
	"sync"

	"github.com/balance-ledger/internal/ledger"
	"github.com/balance-ledger/internal/models"
	"github.com/balance-ledger/internal/types"
)

// memorySource is an in-memory LedgerSource over plain slices. It
// decodes entries with the same ledger package the real repository
// uses, so the tests exercise identical delta rules.
type memorySource struct {
	mu           sync.Mutex
	transactions []*models.Transaction
	transfers    []*models.Transfer
	failNext     error
}

func (m *memorySource) appendTransaction(payer types.SubjectID, rows ...models.TransactionRow) *models.Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx := &models.Transaction{
		ID:             int64(len(m.transactions) + 1),
		PayerSubjectID: payer,
		Rows:           rows,
	}
	m.transactions = append(m.transactions, tx)
	return tx
}

func (m *memorySource) appendTransfer(source, dest *types.SubjectID, amount int64) *models.Transfer {
	m.mu.Lock()
	defer m.mu.Unlock()
	tr := &models.Transfer{
		ID:              int64(len(m.transfers) + 1),
		SourceSubjectID: source,
		DestSubjectID:   dest,
		Amount:          amount,
	}
	m.transfers = append(m.transfers, tr)
	return tr
}

func (m *memorySource) takeErr() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	err := m.failNext
	m.failNext = nil
	return err
}

func (m *memorySource) MaxTransactionID(ctx context.Context) (int64, error) {
	if err := m.takeErr(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.transactions)), nil
}

func (m *memorySource) MaxTransferID(ctx context.Context) (int64, error) {
	if err := m.takeErr(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.transfers)), nil
}

func (m *memorySource) TransactionDeltasUpTo(ctx context.Context, maxID int64, subjects []types.SubjectID) ([]types.Delta, error) {
	return m.transactionDeltas(0, maxID, subjects)
}

func (m *memorySource) TransactionDeltasAfter(ctx context.Context, checkpoint int64, subjects []types.SubjectID) ([]types.Delta, error) {
	return m.transactionDeltas(checkpoint, int64(1)<<62, subjects)
}

func (m *memorySource) TransferDeltasUpTo(ctx context.Context, maxID int64, subjects []types.SubjectID) ([]types.Delta, error) {
	return m.transferDeltas(0, maxID, subjects)
}

func (m *memorySource) TransferDeltasAfter(ctx context.Context, checkpoint int64, subjects []types.SubjectID) ([]types.Delta, error) {
	return m.transferDeltas(checkpoint, int64(1)<<62, subjects)
}

func (m *memorySource) transactionDeltas(after, upTo int64, subjects []types.SubjectID) ([]types.Delta, error) {
	if err := m.takeErr(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var deltas []types.Delta
	for _, tx := range m.transactions {
		if tx.ID <= after || tx.ID > upTo {
			continue
		}
		decoded, err := ledger.TransactionDeltas(tx)
		if err != nil {
			return nil, err
		}
		deltas = append(deltas, keepSubjects(decoded, subjects)...)
	}
	return deltas, nil
}

func (m *memorySource) transferDeltas(after, upTo int64, subjects []types.SubjectID) ([]types.Delta, error) {
	if err := m.takeErr(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var deltas []types.Delta
	for _, tr := range m.transfers {
		if tr.ID <= after || tr.ID > upTo {
			continue
		}
		decoded, err := ledger.TransferDeltas(tr)
		if err != nil {
			return nil, err
		}
		deltas = append(deltas, keepSubjects(decoded, subjects)...)
	}
	return deltas, nil
}

func keepSubjects(deltas []types.Delta, subjects []types.SubjectID) []types.Delta {
	if subjects == nil {
		return deltas
	}
	var out []types.Delta
	for _, d := range deltas {
		for _, s := range subjects {
			if d.SubjectID == s {
				out = append(out, d)
				break
			}
		}
	}
	return out
}

// memorySnapshots is an in-memory SnapshotRepository with the same
// checkpoint-regression guard as the SQL upsert.
type memorySnapshots struct {
	mu       sync.Mutex
	rows     map[types.SubjectID]models.BalanceSnapshot
	failNext error
	// replaceCalls counts writes, used to inject mid-refresh failures.
	replaceCalls int
	failOnCall   int
}

func newMemorySnapshots() *memorySnapshots {
	return &memorySnapshots{rows: make(map[types.SubjectID]models.BalanceSnapshot)}
}

func (m *memorySnapshots) Get(ctx context.Context, subject types.SubjectID) (*models.BalanceSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failNext != nil {
		err := m.failNext
		m.failNext = nil
		return nil, err
	}
	row, ok := m.rows[subject]
	if !ok {
		return nil, nil
	}
	return &row, nil
}

func (m *memorySnapshots) List(ctx context.Context, subjects []types.SubjectID) ([]*models.BalanceSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*models.BalanceSnapshot
	for subject, row := range m.rows {
		if subjects != nil && !hasSubject(subjects, subject) {
			continue
		}
		row := row
		out = append(out, &row)
	}
	return out, nil
}

func (m *memorySnapshots) Replace(ctx context.Context, snapshot *models.BalanceSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.replaceCalls++
	if m.failOnCall > 0 && m.replaceCalls == m.failOnCall {
		return fmt.Errorf("injected replace failure on call %d", m.replaceCalls)
	}

	if existing, ok := m.rows[snapshot.SubjectID]; ok {
		if existing.LastTransactionID > snapshot.LastTransactionID ||
			existing.LastTransferID > snapshot.LastTransferID {
			// Stale write; the guarded upsert is a no-op.
			return nil
		}
	}
	m.rows[snapshot.SubjectID] = *snapshot
	return nil
}

func (m *memorySnapshots) Delete(ctx context.Context, subjects []types.SubjectID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if subjects == nil {
		m.rows = make(map[types.SubjectID]models.BalanceSnapshot)
		return nil
	}
	for _, subject := range subjects {
		delete(m.rows, subject)
	}
	return nil
}

func hasSubject(subjects []types.SubjectID, subject types.SubjectID) bool {
	for _, s := range subjects {
		if s == subject {
			return true
		}
	}
	return false
}

// memoryCache records balance cache traffic for assertions.
type memoryCache struct {
	mu          sync.Mutex
	entries     map[types.SubjectID]int64
	sets        int
	invalidated int
}

func newMemoryCache() *memoryCache {
	return &memoryCache{entries: make(map[types.SubjectID]int64)}
}

func (c *memoryCache) GetBalance(ctx context.Context, subject types.SubjectID) (int64, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	amount, ok := c.entries[subject]
	return amount, ok, nil
}

func (c *memoryCache) SetBalance(ctx context.Context, subject types.SubjectID, amount int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[subject] = amount
	c.sets++
	return nil
}

func (c *memoryCache) InvalidateSubjects(ctx context.Context, subjects []types.SubjectID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, subject := range subjects {
		delete(c.entries, subject)
	}
	c.invalidated++
	return nil
}

func (c *memoryCache) InvalidateAll(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[types.SubjectID]int64)
	c.invalidated++
	return nil
}

func subjectPtr(id int64) *types.SubjectID {
	s := types.SubjectID(id)
	return &s
}
