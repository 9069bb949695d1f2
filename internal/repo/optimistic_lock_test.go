package repo

import (
	"context"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/peruguharika/AspireBridge-Forntend-sub002/internal/logger"
	"github.com/peruguharika/AspireBridge-Forntend-sub002/internal/model"
)

func newTestRepo(t *testing.T) (*Repository, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:repotest?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&model.Wallet{}, &model.Transaction{}, &model.OutboxEvent{}))

	log, err := logger.NewLogger()
	require.NoError(t, err)
	return NewRepository(db, nil, &kafka.Writer{}, log), db
}

func TestUpdateWallet_VersionConflict(t *testing.T) {
	repo, db := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, db.Create(&model.Wallet{
		UserID:   "user-1",
		UserType: model.UserTypeAspirant,
		Balance:  100,
		Status:   model.WalletStatusActive,
	}).Error)

	w, err := repo.GetWalletForUpdate(ctx, db, "user-1")
	require.NoError(t, err)

	// first writer wins
	upd := WalletUpdate{Balance: w.Balance + 10}
	require.NoError(t, repo.UpdateWallet(ctx, db, "user-1", upd, w.Version))

	// second writer holds the stale version and must be rejected
	err = repo.UpdateWallet(ctx, db, "user-1", WalletUpdate{Balance: w.Balance + 20}, w.Version)
	assert.ErrorIs(t, err, ErrVersionConflict)

	var final model.Wallet
	require.NoError(t, db.Where("user_id = ?", "user-1").First(&final).Error)
	assert.Equal(t, int64(110), final.Balance)
	assert.Equal(t, uint64(1), final.Version)
}

func TestTxExists_OnlyCompletedMatch(t *testing.T) {
	repo, db := newTestRepo(t)
	ctx := context.Background()

	pending := "pay-pending"
	done := "pay-done"
	require.NoError(t, db.Create(&model.Transaction{
		WalletUserID: "user-2", Type: model.TxTypeCredit, Amount: 100,
		Source: model.SourceTopUp, PaymentID: &pending, Status: model.TxStatusPending,
	}).Error)
	require.NoError(t, db.Create(&model.Transaction{
		WalletUserID: "user-2", Type: model.TxTypeCredit, Amount: 100,
		Source: model.SourceTopUp, PaymentID: &done, Status: model.TxStatusCompleted,
	}).Error)

	existed, _, err := repo.TxExists(ctx, db, "user-2", "pay-pending", model.TxTypeCredit)
	require.NoError(t, err)
	assert.False(t, existed, "pending rows must not satisfy the idempotency check")

	existed, row, err := repo.TxExists(ctx, db, "user-2", "pay-done", model.TxTypeCredit)
	require.NoError(t, err)
	assert.True(t, existed)
	require.NotNil(t, row)
	assert.Equal(t, int64(100), row.Amount)

	existed, _, err = repo.TxExists(ctx, db, "user-2", "", model.TxTypeCredit)
	require.NoError(t, err)
	assert.False(t, existed)
}
