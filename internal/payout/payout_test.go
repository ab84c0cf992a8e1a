package payout

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/koredeycode/contri-api/internal/apperr"
	"github.com/koredeycode/contri-api/internal/audit"
	"github.com/koredeycode/contri-api/internal/events"
	"github.com/koredeycode/contri-api/internal/ledger"
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
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: glogger.Default.LogMode(glogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, store.Migrate(db))
	return db
}

// flakyLedger fails the first n transfers with a transient-looking error,
// then delegates to the real ledger.
type flakyLedger struct {
	inner    *ledger.Service
	failures int
	calls    int
}

func (f *flakyLedger) Transfer(ctx context.Context, src, dst uint, amount int64, key string, ref ledger.Ref) (*models.Transaction, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, errors.New("provider timeout")
	}
	return f.inner.Transfer(ctx, src, dst, amount, key, ref)
}

type fixture struct {
	db      *gorm.DB
	ledger  *ledger.Service
	circle  models.Circle
	pool    models.Wallet
	wallets map[uint]models.Wallet
}

// newFixture builds an active two-member circle whose cycle-1 contributions
// are fully paid into the pool.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := newTestDB(t)
	l := ledger.NewService(db)

	pool := models.Wallet{Balance: 10_000, Currency: "NGN"}
	require.NoError(t, db.Create(&pool).Error)

	now := time.Now()
	circ := models.Circle{
		Name:               "Payout Fixture",
		Amount:             5000,
		Frequency:          models.FrequencyMonthly,
		Status:             models.CircleActive,
		CycleStart:         &now,
		CurrentCycle:       1,
		TargetMembers:      2,
		PayoutOrderPolicy:  models.PayoutFixed,
		InviteCode:         "payfix1",
		CollectionWalletID: pool.ID,
	}
	require.NoError(t, db.Create(&circ).Error)
	require.NoError(t, db.Model(&models.Wallet{}).Where("id = ?", pool.ID).
		Update("circle_id", circ.ID).Error)

	wallets := map[uint]models.Wallet{}
	for i, uid := range []uint{1, 2} {
		id := uid
		w := models.Wallet{UserID: &id, Balance: 0, Currency: "NGN"}
		require.NoError(t, db.Create(&w).Error)
		wallets[uid] = w

		m := models.CircleMember{CircleID: circ.ID, UserID: uid, PayoutOrder: i + 1, Role: models.RoleMember, JoinedAt: now}
		require.NoError(t, db.Create(&m).Error)
		contrib := models.Contribution{
			CircleID: circ.ID, UserID: uid, CycleNumber: 1,
			Amount: circ.Amount, Status: models.ContributionPaid, PaidAt: &now,
		}
		require.NoError(t, db.Create(&contrib).Error)
	}

	return &fixture{db: db, ledger: l, circle: circ, pool: pool, wallets: wallets}
}

func (f *fixture) engine(l transferer, attempts int) *Engine {
	return NewEngine(f.db, l, events.NopNotifier{}, audit.NopSink{}, attempts, time.Millisecond)
}

func (f *fixture) balance(t *testing.T, walletID uint) int64 {
	t.Helper()
	var w models.Wallet
	require.NoError(t, f.db.First(&w, walletID).Error)
	return w.Balance
}

func TestPayoutTransfersPooledAmountToRecipient(t *testing.T) {
	f := newFixture(t)
	e := f.engine(f.ledger, 3)

	txn, err := e.Payout(context.Background(), f.circle.ID, 1)
	require.NoError(t, err)
	require.NotNil(t, txn)
	assert.Equal(t, models.TxPayout, txn.Type)
	assert.Equal(t, int64(10_000), txn.Amount, "payout equals the sum of paid contributions")

	assert.Equal(t, int64(10_000), f.balance(t, f.wallets[1].ID))
	assert.Equal(t, int64(0), f.balance(t, f.pool.ID))
}

func TestPayoutReplaySettlesOnce(t *testing.T) {
	f := newFixture(t)
	e := f.engine(f.ledger, 3)

	first, err := e.Payout(context.Background(), f.circle.ID, 1)
	require.NoError(t, err)
	second, err := e.Payout(context.Background(), f.circle.ID, 1)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, int64(10_000), f.balance(t, f.wallets[1].ID))
}

func TestRecipientFollowsRotation(t *testing.T) {
	f := newFixture(t)
	e := f.engine(f.ledger, 3)

	first, err := e.Recipient(context.Background(), f.circle.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, uint(1), first.UserID)

	second, err := e.Recipient(context.Background(), f.circle.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, uint(2), second.UserID)
}

func TestPayoutRetriesTransientFailuresThenSucceeds(t *testing.T) {
	f := newFixture(t)
	flaky := &flakyLedger{inner: f.ledger, failures: 3}
	e := f.engine(flaky, 5)

	txn, err := e.Payout(context.Background(), f.circle.ID, 1)
	require.NoError(t, err)
	require.NotNil(t, txn)
	assert.Equal(t, 4, flaky.calls, "three failures then one success")

	var count int64
	require.NoError(t, f.db.Model(&models.Transaction{}).
		Where("type = ?", models.TxPayout).Count(&count).Error)
	assert.Equal(t, int64(1), count, "exactly one payout transaction recorded")
	assert.Equal(t, int64(10_000), f.balance(t, f.wallets[1].ID))
}

func TestPayoutExhaustionFlagsCircle(t *testing.T) {
	f := newFixture(t)
	flaky := &flakyLedger{inner: f.ledger, failures: 100}
	e := f.engine(flaky, 3)

	_, err := e.Payout(context.Background(), f.circle.ID, 1)
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindTransient))
	assert.Equal(t, 3, flaky.calls)

	var c models.Circle
	require.NoError(t, f.db.First(&c, f.circle.ID).Error)
	assert.True(t, c.NeedsIntervention)
	assert.Equal(t, int64(10_000), f.balance(t, f.pool.ID), "pool untouched on failure")
}

func TestPayoutPermanentErrorDoesNotRetry(t *testing.T) {
	f := newFixture(t)
	// Drain the pool so the transfer fails with InsufficientFunds.
	require.NoError(t, f.db.Model(&models.Wallet{}).
		Where("id = ?", f.pool.ID).Update("balance", 0).Error)
	flaky := &flakyLedger{inner: f.ledger, failures: 0}
	e := f.engine(flaky, 5)

	_, err := e.Payout(context.Background(), f.circle.ID, 1)
	assert.True(t, apperr.IsKind(err, apperr.KindInsufficientFunds))
	assert.Equal(t, 1, flaky.calls, "permanent failures are not retried")
}

func TestPayoutSkipsWhenNothingPooled(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.db.Model(&models.Contribution{}).
		Where("circle_id = ?", f.circle.ID).
		Update("status", models.ContributionPending).Error)

	txn, err := f.engine(f.ledger, 3).Payout(context.Background(), f.circle.ID, 1)
	require.NoError(t, err)
	assert.Nil(t, txn)
}

func TestPayoutRejectsInactiveCircle(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.db.Model(&models.Circle{}).
		Where("id = ?", f.circle.ID).Update("status", models.CircleCancelled).Error)

	_, err := f.engine(f.ledger, 3).Payout(context.Background(), f.circle.ID, 1)
	assert.True(t, apperr.IsKind(err, apperr.KindStateConflict))
}
