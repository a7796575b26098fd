// Package events defines the event publishing contract for snapshot
// lifecycle notifications. Publishing is an optional side channel for
// downstream consumers (dashboards, receipt systems); it never affects
// the correctness of the snapshot store.
package events

import (
	"time"

	"github.com/balance-ledger/internal/types"
)

// Topics for snapshot lifecycle events.
const (
	TopicSnapshotsRefreshed   = "snapshots_refreshed"
	TopicSnapshotsInvalidated = "snapshots_invalidated"
)

// Publisher publishes domain events. Implementations must be safe for
// concurrent use.
type Publisher interface {
	Publish(topic string, event any) error
	Close() error
}

// SnapshotsRefreshed is emitted after a refresh committed its snapshot rows.
type SnapshotsRefreshed struct {
	RunID             string            `json:"run_id"`
	SubjectIDs        []types.SubjectID `json:"subject_ids"`
	LastTransactionID int64             `json:"last_transaction_id"`
	LastTransferID    int64             `json:"last_transfer_id"`
	OccurredAt        time.Time         `json:"occurred_at"`
}

// SnapshotsInvalidated is emitted after snapshot rows were deleted.
// An empty SubjectIDs slice means the whole table was invalidated.
type SnapshotsInvalidated struct {
	RunID      string            `json:"run_id"`
	SubjectIDs []types.SubjectID `json:"subject_ids"`
	OccurredAt time.Time         `json:"occurred_at"`
}
