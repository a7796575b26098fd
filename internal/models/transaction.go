package models

import (
	"time"

	"github.com/balance-ledger/internal/types"
)

// TransactionRow is one sub-transaction row of a point-of-sale transaction.
// UnitPrice is the price locked into the product revision the row
// references, not the product's current price.
type TransactionRow struct {
	RecipientSubjectID types.SubjectID `json:"recipientSubjectId" db:"recipient_subject_id"`
	Quantity           int64           `json:"quantity" db:"quantity"`
	UnitPrice          int64           `json:"unitPrice" db:"unit_price"`
}

// Transaction is one entry of the point-of-sale ledger, flattened to the
// rows the delta derivation needs. The payer owes the sum of all rows;
// each recipient is owed the sum of the rows addressed to it.
type Transaction struct {
	ID             int64            `json:"id" db:"id"`
	PayerSubjectID types.SubjectID  `json:"payerSubjectId" db:"payer_subject_id"`
	Rows           []TransactionRow `json:"rows"`
	CreatedAt      time.Time        `json:"createdAt" db:"created_at"`
}

// ProductRevision is a price-locked revision of a product. Transactions
// reference revisions so that historical amounts never change when a
// product is repriced.
type ProductRevision struct {
	ID        int64     `json:"id" db:"id"`
	ProductID int64     `json:"productId" db:"product_id"`
	UnitPrice int64     `json:"unitPrice" db:"unit_price"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
}
