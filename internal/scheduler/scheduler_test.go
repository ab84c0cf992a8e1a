package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/koredeycode/contri-api/internal/apperr"
	"github.com/koredeycode/contri-api/internal/audit"
	"github.com/koredeycode/contri-api/internal/circle"
	"github.com/koredeycode/contri-api/internal/contribution"
	"github.com/koredeycode/contri-api/internal/events"
	"github.com/koredeycode/contri-api/internal/ledger"
	"github.com/koredeycode/contri-api/internal/logger"
	"github.com/koredeycode/contri-api/internal/models"
	"github.com/koredeycode/contri-api/internal/payout"
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

type failingLedger struct{}

func (failingLedger) Transfer(context.Context, uint, uint, int64, string, ledger.Ref) (*models.Transaction, error) {
	return nil, errors.New("provider timeout")
}

type stack struct {
	db      *gorm.DB
	ledger  *ledger.Service
	circles *circle.Service
	contrib *contribution.Service
	sched   *Scheduler
}

func newStack(t *testing.T, opts Options, flaky bool) *stack {
	t.Helper()
	db := newTestDB(t)
	l := ledger.NewService(db)
	n := events.NopNotifier{}
	a := audit.NopSink{}
	contrib := contribution.NewService(db, l, n, a)
	circles := circle.NewService(db, l, n, a, 2)

	var engine *payout.Engine
	if flaky {
		engine = payout.NewEngine(db, failingLedger{}, n, a, 2, time.Millisecond)
	} else {
		engine = payout.NewEngine(db, l, n, a, 3, time.Millisecond)
	}
	return &stack{
		db:      db,
		ledger:  l,
		circles: circles,
		contrib: contrib,
		sched:   New(db, circles, contrib, engine, opts),
	}
}

// activeCircle creates a started three-member circle with funded wallets:
// host is user 1 at payout order 1.
func (s *stack) activeCircle(t *testing.T) *models.Circle {
	t.Helper()
	for _, uid := range []uint{1, 2, 3} {
		id := uid
		w := models.Wallet{UserID: &id, Balance: 50_000, Currency: "NGN"}
		require.NoError(t, s.db.Create(&w).Error)
	}
	c, err := s.circles.Create(context.Background(), 1, circle.CreateParams{
		Name:          "Sweep Circle",
		Amount:        5000,
		Frequency:     models.FrequencyMonthly,
		TargetMembers: 3,
		PayoutPolicy:  models.PayoutFixed,
	})
	require.NoError(t, err)
	_, err = s.circles.Join(context.Background(), 2, c.InviteCode)
	require.NoError(t, err)
	_, err = s.circles.Join(context.Background(), 3, c.InviteCode)
	require.NoError(t, err)
	started, err := s.circles.Start(context.Background(), 1, c.ID)
	require.NoError(t, err)
	return started
}

func (s *stack) pay(t *testing.T, c *models.Circle, userID uint) {
	t.Helper()
	_, err := s.contrib.Record(context.Background(), c.ID, userID, c.CurrentCycle, c.Amount)
	require.NoError(t, err)
}

func (s *stack) backdate(t *testing.T, c *models.Circle, d time.Duration) {
	t.Helper()
	require.NoError(t, s.db.Model(&models.Circle{}).
		Where("id = ?", c.ID).Update("cycle_start", time.Now().Add(-d)).Error)
}

func (s *stack) reload(t *testing.T, id uint) models.Circle {
	t.Helper()
	var c models.Circle
	require.NoError(t, s.db.First(&c, id).Error)
	return c
}

func (s *stack) walletBalance(t *testing.T, userID uint) int64 {
	t.Helper()
	var w models.Wallet
	require.NoError(t, s.db.Where("user_id = ?", userID).First(&w).Error)
	return w.Balance
}

func TestSweepPaysOutFullyCollectedCycle(t *testing.T) {
	s := newStack(t, Options{Interval: time.Minute}, false)
	c := s.activeCircle(t)

	s.pay(t, c, 1)
	s.pay(t, c, 2)
	s.pay(t, c, 3)

	s.sched.Sweep(context.Background())

	got := s.reload(t, c.ID)
	assert.Equal(t, 2, got.CurrentCycle, "cycle advanced after payout")
	assert.Equal(t, models.CircleActive, got.Status)

	// Host contributed 5000 and received the 15000 pool.
	assert.Equal(t, int64(60_000), s.walletBalance(t, 1))
	assert.Equal(t, int64(45_000), s.walletBalance(t, 2))

	var payoutTx models.Transaction
	require.NoError(t, s.db.Where("type = ?", models.TxPayout).First(&payoutTx).Error)
	assert.Equal(t, int64(15_000), payoutTx.Amount)

	var nextContribs int64
	require.NoError(t, s.db.Model(&models.Contribution{}).
		Where("circle_id = ? AND cycle_number = 2 AND status = ?", c.ID, models.ContributionPending).
		Count(&nextContribs).Error)
	assert.Equal(t, int64(3), nextContribs, "new pending contributions for cycle 2")
}

func TestSweepIsIdempotentAcrossRuns(t *testing.T) {
	s := newStack(t, Options{Interval: time.Minute}, false)
	c := s.activeCircle(t)
	s.pay(t, c, 1)
	s.pay(t, c, 2)
	s.pay(t, c, 3)

	s.sched.Sweep(context.Background())
	s.sched.Sweep(context.Background())

	got := s.reload(t, c.ID)
	assert.Equal(t, 2, got.CurrentCycle, "second sweep with nothing due changes nothing")

	var payouts int64
	require.NoError(t, s.db.Model(&models.Transaction{}).
		Where("type = ?", models.TxPayout).Count(&payouts).Error)
	assert.Equal(t, int64(1), payouts)
}

func TestSweepHoldsCycleUnderRequireFullCollection(t *testing.T) {
	s := newStack(t, Options{Interval: time.Minute, RequireFullCollection: true}, false)
	c := s.activeCircle(t)

	s.pay(t, c, 1)
	s.pay(t, c, 2)
	s.backdate(t, c, 35*24*time.Hour) // deadline for cycle 1 has passed

	s.sched.Sweep(context.Background())

	got := s.reload(t, c.ID)
	assert.Equal(t, 1, got.CurrentCycle, "cycle not advanced")

	var payouts int64
	require.NoError(t, s.db.Model(&models.Transaction{}).
		Where("type = ?", models.TxPayout).Count(&payouts).Error)
	assert.Zero(t, payouts, "no payout without full collection")

	var late models.Contribution
	require.NoError(t, s.db.Where("circle_id = ? AND user_id = 3 AND cycle_number = 1", c.ID).First(&late).Error)
	assert.Equal(t, models.ContributionLate, late.Status)
}

func TestSweepPaysPartialPoolAfterDeadline(t *testing.T) {
	s := newStack(t, Options{Interval: time.Minute}, false)
	c := s.activeCircle(t)

	s.pay(t, c, 1)
	s.pay(t, c, 2)
	s.backdate(t, c, 35*24*time.Hour)

	s.sched.Sweep(context.Background())

	got := s.reload(t, c.ID)
	assert.Equal(t, 2, got.CurrentCycle)

	var payoutTx models.Transaction
	require.NoError(t, s.db.Where("type = ?", models.TxPayout).First(&payoutTx).Error)
	assert.Equal(t, int64(10_000), payoutTx.Amount, "partial pool paid out")
}

func TestSweepBeforeDueDoesNothing(t *testing.T) {
	s := newStack(t, Options{Interval: time.Minute}, false)
	c := s.activeCircle(t)
	s.pay(t, c, 1)

	s.sched.Sweep(context.Background())

	got := s.reload(t, c.ID)
	assert.Equal(t, 1, got.CurrentCycle)
	var payouts int64
	require.NoError(t, s.db.Model(&models.Transaction{}).
		Where("type = ?", models.TxPayout).Count(&payouts).Error)
	assert.Zero(t, payouts)
}

func TestSweepCancelsCircleAfterPayoutExhaustion(t *testing.T) {
	s := newStack(t, Options{Interval: time.Minute, CancelOnPayoutFailure: true}, true)
	c := s.activeCircle(t)
	s.pay(t, c, 1)
	s.pay(t, c, 2)
	s.pay(t, c, 3)

	s.sched.Sweep(context.Background())

	got := s.reload(t, c.ID)
	assert.Equal(t, models.CircleCancelled, got.Status)
	assert.True(t, got.NeedsIntervention)

	// Contributions flowed back out of the pool.
	var pool models.Wallet
	require.NoError(t, s.db.First(&pool, got.CollectionWalletID).Error)
	assert.Equal(t, int64(0), pool.Balance)
	assert.Equal(t, int64(50_000), s.walletBalance(t, 1), "contributor refunded")
}

func TestContributionRejectedAfterPayoutSettles(t *testing.T) {
	s := newStack(t, Options{Interval: time.Minute}, false)
	c := s.activeCircle(t)
	s.pay(t, c, 1)
	s.pay(t, c, 2)
	s.backdate(t, c, 35*24*time.Hour)

	// Settle the cycle-1 payout directly, before the cycle advances.
	engine := payout.NewEngine(s.db, s.ledger, events.NopNotifier{}, audit.NopSink{}, 1, time.Millisecond)
	txn, err := engine.Payout(context.Background(), c.ID, 1)
	require.NoError(t, err)
	require.NotNil(t, txn)
	assert.Equal(t, int64(10_000), txn.Amount, "payout matches the paid contributions")

	// A straggler paying into the settled cycle would strand their money
	// in the collection wallet.
	_, err = s.contrib.Record(context.Background(), c.ID, 3, 1, c.Amount)
	assert.True(t, apperr.IsKind(err, apperr.KindStateConflict))
	assert.Equal(t, int64(50_000), s.walletBalance(t, 3), "straggler keeps their money")

	_, err = s.circles.AdvanceCycle(context.Background(), c.ID)
	require.NoError(t, err)

	var pool models.Wallet
	require.NoError(t, s.db.First(&pool, c.CollectionWalletID).Error)
	assert.Equal(t, int64(0), pool.Balance, "nothing left behind in the pool")

	got := s.reload(t, c.ID)
	assert.Equal(t, 2, got.CurrentCycle)
	_, err = s.contrib.Record(context.Background(), c.ID, 3, 2, c.Amount)
	require.NoError(t, err, "the straggler can pay the new cycle")
}

func TestEvaluateIsSingleFlightPerCircle(t *testing.T) {
	s := newStack(t, Options{Interval: time.Minute}, false)
	c := s.activeCircle(t)
	s.pay(t, c, 1)
	s.pay(t, c, 2)
	s.pay(t, c, 3)

	// Simulate an in-flight evaluation from a previous sweep.
	require.True(t, s.sched.tryAcquire(c.ID))
	s.sched.Sweep(context.Background())

	got := s.reload(t, c.ID)
	assert.Equal(t, 1, got.CurrentCycle, "busy circle skipped")

	s.sched.release(c.ID)
	s.sched.Sweep(context.Background())
	got = s.reload(t, c.ID)
	assert.Equal(t, 2, got.CurrentCycle)
}
