package model

import "time"

// Outbox event types published to the wallet events topic.
const (
	EventWalletCredited      = "WalletCredited"
	EventWalletDebited       = "WalletDebited"
	EventFundsLocked         = "FundsLocked"
	EventFundsReleased       = "FundsReleased"
	EventWithdrawalSettled   = "WithdrawalSettled"
	EventBookingSettled      = "BookingSettled"
	EventLedgerInconsistency = "LedgerInconsistency"
)

// OutboxEvent is written in the same transaction as the ledger mutation it
// describes and relayed to Kafka by the poller.
type OutboxEvent struct {
	ID          uint64    `gorm:"primaryKey"`
	EventID     string    `gorm:"size:36;not null"`
	Aggregate   string    `gorm:"size:64;not null"`
	AggregateID string    `gorm:"size:64;not null"`
	EventType   string    `gorm:"size:64;not null"`
	Payload     string    `gorm:"type:text;not null"`
	CreatedAt   time.Time `gorm:"autoCreateTime"`
	Processed   bool      `gorm:"not null;default:false"`
	ProcessedAt *time.Time
}

func (OutboxEvent) TableName() string { return "event_outbox" }
