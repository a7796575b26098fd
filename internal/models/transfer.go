package models

import (
	"time"

	"github.com/balance-ledger/internal/types"
)

// Transfer is one entry of the direct transfer ledger. Source and
// destination are both optional: a deposit has no source, a withdrawal
// has no destination. Amount is in minor currency units and positive.
type Transfer struct {
	ID              int64            `json:"id" db:"id"`
	SourceSubjectID *types.SubjectID `json:"sourceSubjectId,omitempty" db:"source_subject_id"`
	DestSubjectID   *types.SubjectID `json:"destSubjectId,omitempty" db:"dest_subject_id"`
	Amount          int64            `json:"amount" db:"amount"`
	CreatedAt       time.Time        `json:"createdAt" db:"created_at"`
}
