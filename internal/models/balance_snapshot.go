package models

import (
	"time"

	"github.com/balance-ledger/internal/types"
)

// BalanceSnapshot is the cached aggregate balance for one subject,
// together with the checkpoints (highest ledger ids already folded into
// CachedAmount). A missing row is equivalent to the zero value with the
// subject id set: zero balance, zero checkpoints.
type BalanceSnapshot struct {
	SubjectID         types.SubjectID `json:"subjectId" db:"subject_id"`
	CachedAmount      int64           `json:"cachedAmount" db:"cached_amount"`
	LastTransactionID int64           `json:"lastTransactionId" db:"last_transaction_id"`
	LastTransferID    int64           `json:"lastTransferId" db:"last_transfer_id"`
	RefreshedAt       time.Time       `json:"refreshedAt" db:"refreshed_at"`
}
