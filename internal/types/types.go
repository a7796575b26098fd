// Package types provides common type definitions for the balance ledger system.
package types

// SubjectID identifies a balance-holding entity (a user account, a till, a vendor).
type SubjectID int64

// Ledger identifies one of the two append-only monetary ledgers.
type Ledger string

const (
	// LedgerTransactions is the point-of-sale transaction ledger.
	LedgerTransactions Ledger = "transactions"
	// LedgerTransfers is the direct transfer ledger.
	LedgerTransfers Ledger = "transfers"
)

// Delta is a signed monetary contribution attributable to one subject
// from one ledger entry. Amounts are integer minor currency units.
type Delta struct {
	SubjectID SubjectID `json:"subjectId"`
	LedgerID  int64     `json:"ledgerId"`
	Amount    int64     `json:"amount"`
}

// ServiceError represents a structured error response
type ServiceError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *ServiceError) Error() string {
	return e.Message
}
