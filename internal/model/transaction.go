package model

import "time"

// Transaction types. Amount always carries the positive magnitude; the
// sign is implied by Type.
const (
	TxTypeCredit = "credit"
	TxTypeDebit  = "debit"
)

// Transaction statuses. Completed and failed are terminal.
const (
	TxStatusPending   = "pending"
	TxStatusCompleted = "completed"
	TxStatusFailed    = "failed"
)

// Transaction sources.
const (
	SourceTopUp      = "topup"
	SourceBooking    = "booking"
	SourceEarning    = "earning"
	SourceWithdrawal = "withdrawal"
	SourceLock       = "lock"
	SourceRelease    = "release"
	SourceTest       = "test"
)

// Transaction is one append-only history row. Rows are never updated or
// deleted once Status is terminal. PaymentID, when set, is the external
// gateway correlator used for idempotent top-up replay.
type Transaction struct {
	ID            uint64    `gorm:"primaryKey"`
	WalletUserID  string    `gorm:"size:64;not null;uniqueIndex:idx_tx_payment,priority:1"`
	Type          string    `gorm:"size:16;not null"`
	Amount        int64     `gorm:"not null"`
	Source        string    `gorm:"size:32;not null"`
	Description   string    `gorm:"size:255"`
	PaymentID     *string   `gorm:"size:64;uniqueIndex:idx_tx_payment,priority:2"`
	OrderID       *string   `gorm:"size:64"`
	Status        string    `gorm:"size:16;not null"`
	BalanceBefore int64     `gorm:"not null"`
	BalanceAfter  int64     `gorm:"not null"`
	CreatedAt     time.Time `gorm:"autoCreateTime"`
}

func (Transaction) TableName() string { return "wallet_transaction" }
