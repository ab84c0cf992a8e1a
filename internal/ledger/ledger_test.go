package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/koredeycode/contri-api/internal/apperr"
	"github.com/koredeycode/contri-api/internal/logger"
	"github.com/koredeycode/contri-api/internal/models"
	"github.com/koredeycode/contri-api/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	glogger "gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	logger.InitDevelopment()
	// A named shared-cache database keeps every pooled connection on the
	// same in-memory store while isolating tests from each other.
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: glogger.Default.LogMode(glogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, store.Migrate(db))
	return db
}

func newWallet(t *testing.T, db *gorm.DB, userID uint, balance int64) *models.Wallet {
	t.Helper()
	w := models.Wallet{UserID: &userID, Balance: balance, Currency: "NGN"}
	require.NoError(t, db.Create(&w).Error)
	return &w
}

func balance(t *testing.T, db *gorm.DB, walletID uint) int64 {
	t.Helper()
	var w models.Wallet
	require.NoError(t, db.First(&w, walletID).Error)
	return w.Balance
}

func totalBalance(t *testing.T, db *gorm.DB) int64 {
	t.Helper()
	var sum int64
	require.NoError(t, db.Model(&models.Wallet{}).
		Select("COALESCE(SUM(balance), 0)").Scan(&sum).Error)
	return sum
}

func TestCreditIncreasesBalance(t *testing.T) {
	db := newTestDB(t)
	svc := NewService(db)
	w := newWallet(t, db, 1, 0)

	txn, err := svc.Credit(context.Background(), w.ID, 5000, Ref{Type: models.TxDeposit})
	require.NoError(t, err)
	assert.Equal(t, models.TxSuccess, txn.Status)
	assert.Equal(t, int64(5000), balance(t, db, w.ID))

	var legs []models.LedgerEntry
	require.NoError(t, db.Where("transaction_id = ?", txn.ID).Find(&legs).Error)
	require.Len(t, legs, 1)
	assert.Equal(t, int64(5000), legs[0].Amount)
}

func TestCreditRejectsNonPositiveAmount(t *testing.T) {
	db := newTestDB(t)
	svc := NewService(db)
	w := newWallet(t, db, 1, 0)

	_, err := svc.Credit(context.Background(), w.ID, 0, Ref{Type: models.TxDeposit})
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))
}

func TestDebitInsufficientFunds(t *testing.T) {
	db := newTestDB(t)
	svc := NewService(db)
	w := newWallet(t, db, 1, 100)

	_, err := svc.Debit(context.Background(), w.ID, 200, Ref{Type: models.TxWithdrawal})
	assert.True(t, apperr.IsKind(err, apperr.KindInsufficientFunds))
	assert.Equal(t, int64(100), balance(t, db, w.ID))

	var count int64
	require.NoError(t, db.Model(&models.LedgerEntry{}).Count(&count).Error)
	assert.Zero(t, count, "failed debit must not append legs")
}

func TestTransferAtomicAndBalanced(t *testing.T) {
	db := newTestDB(t)
	svc := NewService(db)
	src := newWallet(t, db, 1, 10_000)
	dst := newWallet(t, db, 2, 0)

	txn, err := svc.Transfer(context.Background(), src.ID, dst.ID, 4000, "xfer-1", Ref{})
	require.NoError(t, err)

	assert.Equal(t, int64(6000), balance(t, db, src.ID))
	assert.Equal(t, int64(4000), balance(t, db, dst.ID))
	assert.Equal(t, models.TxTransfer, txn.Type)

	var legs []models.LedgerEntry
	require.NoError(t, db.Where("transaction_id = ?", txn.ID).Find(&legs).Error)
	require.Len(t, legs, 2)
	require.NoError(t, svc.CheckConsistency(context.Background(), txn.ID))
}

func TestTransferInsufficientFundsLeavesNothing(t *testing.T) {
	db := newTestDB(t)
	svc := NewService(db)
	src := newWallet(t, db, 1, 100)
	dst := newWallet(t, db, 2, 0)

	_, err := svc.Transfer(context.Background(), src.ID, dst.ID, 500, "xfer-1", Ref{})
	assert.True(t, apperr.IsKind(err, apperr.KindInsufficientFunds))
	assert.Equal(t, int64(100), balance(t, db, src.ID))
	assert.Equal(t, int64(0), balance(t, db, dst.ID))

	var count int64
	require.NoError(t, db.Model(&models.Transaction{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestTransferIdempotentReplay(t *testing.T) {
	db := newTestDB(t)
	svc := NewService(db)
	src := newWallet(t, db, 1, 10_000)
	dst := newWallet(t, db, 2, 0)

	first, err := svc.Transfer(context.Background(), src.ID, dst.ID, 4000, "xfer-1", Ref{})
	require.NoError(t, err)
	second, err := svc.Transfer(context.Background(), src.ID, dst.ID, 4000, "xfer-1", Ref{})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID, "replay must return the original transaction")
	assert.Equal(t, int64(6000), balance(t, db, src.ID))
	assert.Equal(t, int64(4000), balance(t, db, dst.ID))

	var legs int64
	require.NoError(t, db.Model(&models.LedgerEntry{}).Count(&legs).Error)
	assert.Equal(t, int64(2), legs, "money must move exactly once")
}

func TestDuplicateKeyDetection(t *testing.T) {
	assert.True(t, isDuplicateKey(gorm.ErrDuplicatedKey))
	assert.True(t, isDuplicateKey(errors.New("UNIQUE constraint failed: transactions.idempotency_key")))
	assert.True(t, isDuplicateKey(errors.New(`ERROR: duplicate key value violates unique constraint "idx_transactions_idempotency_key" (SQLSTATE 23505)`)))
	assert.False(t, isDuplicateKey(errors.New("connection reset by peer")))
}

func TestTransferConservesTotalBalance(t *testing.T) {
	db := newTestDB(t)
	svc := NewService(db)
	a := newWallet(t, db, 1, 10_000)
	b := newWallet(t, db, 2, 5_000)
	c := newWallet(t, db, 3, 1_000)

	before := totalBalance(t, db)
	moves := []struct {
		src, dst uint
		amount   int64
		key      string
	}{
		{a.ID, b.ID, 3000, "m1"},
		{b.ID, c.ID, 7000, "m2"},
		{c.ID, a.ID, 500, "m3"},
		{b.ID, a.ID, 1000, "m4"},
	}
	for _, m := range moves {
		_, err := svc.Transfer(context.Background(), m.src, m.dst, m.amount, m.key, Ref{})
		require.NoError(t, err)
	}
	assert.Equal(t, before, totalBalance(t, db))
}

func TestCompleteDepositIdempotent(t *testing.T) {
	db := newTestDB(t)
	svc := NewService(db)
	w := newWallet(t, db, 1, 0)

	pending, err := svc.InitiateDeposit(context.Background(), w.ID, 2500)
	require.NoError(t, err)
	assert.Equal(t, models.TxPending, pending.Status)
	assert.Equal(t, int64(0), balance(t, db, w.ID), "no credit before settlement")

	settled, err := svc.CompleteDeposit(context.Background(), pending.Reference, "prov-1")
	require.NoError(t, err)
	assert.Equal(t, models.TxSuccess, settled.Status)
	assert.Equal(t, int64(2500), balance(t, db, w.ID))

	again, err := svc.CompleteDeposit(context.Background(), pending.Reference, "prov-1")
	require.NoError(t, err)
	assert.Equal(t, settled.ID, again.ID)
	assert.Equal(t, int64(2500), balance(t, db, w.ID), "second settlement must not credit again")
}

func TestFailDepositWritesNoLeg(t *testing.T) {
	db := newTestDB(t)
	svc := NewService(db)
	w := newWallet(t, db, 1, 0)

	pending, err := svc.InitiateDeposit(context.Background(), w.ID, 2500)
	require.NoError(t, err)
	require.NoError(t, svc.FailDeposit(context.Background(), pending.Reference))

	assert.Equal(t, int64(0), balance(t, db, w.ID))
	var legs int64
	require.NoError(t, db.Model(&models.LedgerEntry{}).Count(&legs).Error)
	assert.Zero(t, legs)

	err = svc.FailDeposit(context.Background(), pending.Reference)
	assert.True(t, apperr.IsKind(err, apperr.KindStateConflict))
}

func TestCheckConsistencyFlagsBrokenLegs(t *testing.T) {
	db := newTestDB(t)
	svc := NewService(db)
	src := newWallet(t, db, 1, 10_000)
	dst := newWallet(t, db, 2, 0)

	txn, err := svc.Transfer(context.Background(), src.ID, dst.ID, 4000, "xfer-1", Ref{})
	require.NoError(t, err)

	// Corrupt one leg behind the ledger's back.
	require.NoError(t, db.Model(&models.LedgerEntry{}).
		Where("transaction_id = ? AND amount > 0", txn.ID).
		Update("amount", 4001).Error)

	err = svc.CheckConsistency(context.Background(), txn.ID)
	assert.True(t, apperr.IsKind(err, apperr.KindInconsistency))
}
