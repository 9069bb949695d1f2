package repo

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/peruguharika/AspireBridge-Forntend-sub002/internal/model"
)

// ErrVersionConflict is returned when the version-checked wallet update
// matched no row, meaning another writer got there first.
var ErrVersionConflict = errors.New("wallet version conflict")

// WalletUpdate carries the new balance fields for a version-checked write.
// All four are written together so locked-balance moves stay atomic.
type WalletUpdate struct {
	Balance        int64
	LockedBalance  int64
	TotalEarnings  int64
	TotalWithdrawn int64
}

// RepositoryInterface restricts Repo methods so the service can be tested
// against a narrow surface.
type RepositoryInterface interface {
	DB(ctx context.Context) *gorm.DB
	GetWalletForUpdate(ctx context.Context, tx *gorm.DB, userID string) (*model.Wallet, error)
	CreateWallet(ctx context.Context, tx *gorm.DB, w *model.Wallet) error
	UpdateWallet(ctx context.Context, tx *gorm.DB, userID string, upd WalletUpdate, oldVersion uint64) error
	FreezeWallet(ctx context.Context, userID string) error
	CreateTransaction(ctx context.Context, tx *gorm.DB, t *model.Transaction) error
	TxExists(ctx context.Context, tx *gorm.DB, userID, paymentID, txType string) (bool, *model.Transaction, error)
	ListTransactions(ctx context.Context, userID string, limit int) ([]model.Transaction, error)
	SumCompleted(ctx context.Context, tx *gorm.DB, userID string) (credits, debits int64, err error)
	ListWalletIDs(ctx context.Context, afterID string, limit int) ([]string, error)
	CreateOutboxEvent(ctx context.Context, tx *gorm.DB, evt *model.OutboxEvent) error
	PollOutbox(ctx context.Context, limit int) ([]model.OutboxEvent, error)
	MarkOutboxProcessed(ctx context.Context, id uint64) error
	PublishEvent(ctx context.Context, evt model.OutboxEvent) error
	CacheBalance(ctx context.Context, userID string, balance int64) error
	GetCachedBalance(ctx context.Context, userID string) (int64, error)
}

// Repository implements RepositoryInterface on gorm + redis + kafka.
type Repository struct {
	db     *gorm.DB
	rdb    *redis.Client
	writer *kafka.Writer
	log    *zap.SugaredLogger
}

// NewRepository constructs repo.
func NewRepository(db *gorm.DB, rdb *redis.Client, w *kafka.Writer, logger *zap.SugaredLogger) *Repository {
	return &Repository{db: db, rdb: rdb, writer: w, log: logger}
}

// DB returns underlying *gorm.DB
func (r *Repository) DB(ctx context.Context) *gorm.DB { return r.db.WithContext(ctx) }

// GetWalletForUpdate locks the wallet row for the rest of the transaction.
func (r *Repository) GetWalletForUpdate(ctx context.Context, tx *gorm.DB, userID string) (*model.Wallet, error) {
	var w model.Wallet
	if err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ?", userID).First(&w).Error; err != nil {
		return nil, err
	}
	return &w, nil
}

// CreateWallet inserts a freshly seeded wallet.
func (r *Repository) CreateWallet(ctx context.Context, tx *gorm.DB, w *model.Wallet) error {
	return tx.WithContext(ctx).Create(w).Error
}

// UpdateWallet writes all balance fields with an optimistic version check.
func (r *Repository) UpdateWallet(ctx context.Context, tx *gorm.DB, userID string, upd WalletUpdate, oldVersion uint64) error {
	res := tx.WithContext(ctx).
		Model(&model.Wallet{}).
		Where("user_id = ? AND version = ?", userID, oldVersion).
		Updates(map[string]interface{}{
			"balance":         upd.Balance,
			"locked_balance":  upd.LockedBalance,
			"total_earnings":  upd.TotalEarnings,
			"total_withdrawn": upd.TotalWithdrawn,
			"version":         oldVersion + 1,
			"updated_at":      time.Now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrVersionConflict
	}
	return nil
}

// FreezeWallet marks a wallet frozen. Runs outside the failed ledger
// transaction so the flag survives its rollback.
func (r *Repository) FreezeWallet(ctx context.Context, userID string) error {
	return r.db.WithContext(ctx).
		Model(&model.Wallet{}).
		Where("user_id = ?", userID).
		Updates(map[string]interface{}{
			"status":     model.WalletStatusFrozen,
			"updated_at": time.Now(),
		}).Error
}

// CreateTransaction appends a history row.
func (r *Repository) CreateTransaction(ctx context.Context, tx *gorm.DB, t *model.Transaction) error {
	return tx.WithContext(ctx).Create(t).Error
}

// TxExists checks for a completed transaction with the given external
// correlator. Used for idempotent replay of top-ups and settlements.
func (r *Repository) TxExists(ctx context.Context, tx *gorm.DB, userID, paymentID, txType string) (bool, *model.Transaction, error) {
	if paymentID == "" {
		return false, nil, nil
	}
	var t model.Transaction
	err := tx.WithContext(ctx).
		Where("wallet_user_id = ? AND payment_id = ? AND type = ? AND status = ?",
			userID, paymentID, txType, model.TxStatusCompleted).
		First(&t).Error
	if err == nil {
		return true, &t, nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil, nil
	}
	return false, nil, err
}

// ListTransactions returns the most recent rows, newest first.
func (r *Repository) ListTransactions(ctx context.Context, userID string, limit int) ([]model.Transaction, error) {
	var txs []model.Transaction
	err := r.db.WithContext(ctx).
		Where("wallet_user_id = ?", userID).
		Order("id desc").
		Limit(limit).
		Find(&txs).Error
	return txs, err
}

// SumCompleted totals completed credits and debits, excluding lock/release
// rows since those move funds within balance+locked rather than in or out.
// Runs on the caller's transaction so the sum and the wallet row come from
// one snapshot.
func (r *Repository) SumCompleted(ctx context.Context, tx *gorm.DB, userID string) (int64, int64, error) {
	type row struct {
		Type  string
		Total int64
	}
	var rows []row
	err := tx.WithContext(ctx).
		Model(&model.Transaction{}).
		Select("type, COALESCE(SUM(amount),0) as total").
		Where("wallet_user_id = ? AND status = ? AND source NOT IN ?",
			userID, model.TxStatusCompleted, []string{model.SourceLock, model.SourceRelease}).
		Group("type").
		Scan(&rows).Error
	if err != nil {
		return 0, 0, err
	}
	var credits, debits int64
	for _, rw := range rows {
		switch rw.Type {
		case model.TxTypeCredit:
			credits = rw.Total
		case model.TxTypeDebit:
			debits = rw.Total
		}
	}
	return credits, debits, nil
}

// ListWalletIDs pages wallet user IDs in lexical order for the sweep.
func (r *Repository) ListWalletIDs(ctx context.Context, afterID string, limit int) ([]string, error) {
	var ids []string
	err := r.db.WithContext(ctx).
		Model(&model.Wallet{}).
		Where("user_id > ?", afterID).
		Order("user_id").
		Limit(limit).
		Pluck("user_id", &ids).Error
	return ids, err
}

// CreateOutboxEvent writes event.
func (r *Repository) CreateOutboxEvent(ctx context.Context, tx *gorm.DB, evt *model.OutboxEvent) error {
	return tx.WithContext(ctx).Create(evt).Error
}

// PollOutbox pulls unprocessed events.
func (r *Repository) PollOutbox(ctx context.Context, limit int) ([]model.OutboxEvent, error) {
	var evts []model.OutboxEvent
	err := r.db.WithContext(ctx).Where("processed = false").Order("id").Limit(limit).Find(&evts).Error
	return evts, err
}

// MarkOutboxProcessed sets processed flag.
func (r *Repository) MarkOutboxProcessed(ctx context.Context, id uint64) error {
	now := time.Now()
	return r.db.WithContext(ctx).Model(&model.OutboxEvent{}).Where("id = ?", id).
		Updates(map[string]interface{}{"processed": true, "processed_at": &now}).Error
}

// PublishEvent sends to Kafka, keyed by aggregate so one wallet's events
// stay ordered within a partition.
func (r *Repository) PublishEvent(ctx context.Context, evt model.OutboxEvent) error {
	msg := kafka.Message{
		Key:   []byte(evt.AggregateID),
		Value: []byte(evt.Payload),
		Time:  time.Now(),
	}
	return r.writer.WriteMessages(ctx, msg)
}

func balanceKey(userID string) string { return fmt.Sprintf("balance:%s", userID) }

// CacheBalance writes Redis.
func (r *Repository) CacheBalance(ctx context.Context, userID string, balance int64) error {
	return r.rdb.Set(ctx, balanceKey(userID), strconv.FormatInt(balance, 10), 5*time.Minute).Err()
}

// GetCachedBalance reads Redis.
func (r *Repository) GetCachedBalance(ctx context.Context, userID string) (int64, error) {
	str, err := r.rdb.Get(ctx, balanceKey(userID)).Result()
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(str, 10, 64)
}
