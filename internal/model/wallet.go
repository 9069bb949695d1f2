package model

import "time"

// User classifications, fixed at wallet creation.
const (
	UserTypeAspirant = "aspirant"
	UserTypeAchiever = "achiever"
)

// Wallet statuses. A frozen wallet rejects every mutation until an
// operator reviews it; freezing happens only on a reconciliation failure.
const (
	WalletStatusActive = "active"
	WalletStatusFrozen = "frozen"
)

// Wallet holds the spendable and locked balance for one user. All amounts
// are integer minor currency units. Version backs the optimistic lock.
type Wallet struct {
	UserID         string    `gorm:"primaryKey;size:64;column:user_id"`
	UserType       string    `gorm:"size:16;not null"`
	Balance        int64     `gorm:"not null;default:0"`
	LockedBalance  int64     `gorm:"not null;default:0"`
	TotalEarnings  int64     `gorm:"not null;default:0"`
	TotalWithdrawn int64     `gorm:"not null;default:0"`
	Status         string    `gorm:"size:16;not null;default:'active'"`
	Version        uint64    `gorm:"not null;default:0"`
	CreatedAt      time.Time `gorm:"autoCreateTime"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime"`
}

func (Wallet) TableName() string { return "wallet" }

// Total is everything the user owns, spendable or locked.
func (w *Wallet) Total() int64 { return w.Balance + w.LockedBalance }
