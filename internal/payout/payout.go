// Package payout executes a cycle's payout: one keyed transfer of the
// pooled contributions from the collection wallet to the member whose turn
// it is, with bounded exponential backoff on transient failure.
package payout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/koredeycode/contri-api/internal/apperr"
	"github.com/koredeycode/contri-api/internal/audit"
	"github.com/koredeycode/contri-api/internal/events"
	"github.com/koredeycode/contri-api/internal/ledger"
	"github.com/koredeycode/contri-api/internal/logger"
	"github.com/koredeycode/contri-api/internal/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// transferer is the slice of the ledger the engine needs; tests substitute
// a flaky implementation to exercise the retry path.
type transferer interface {
	Transfer(ctx context.Context, srcID, dstID uint, amount int64, idempotencyKey string, ref ledger.Ref) (*models.Transaction, error)
}

// txBinder lets the engine run the payout transfer inside the same
// transaction as the pool snapshot.
type txBinder interface {
	WithTx(tx *gorm.DB) *ledger.Service
}

type Engine struct {
	db          *gorm.DB
	ledger      transferer
	notifier    events.Notifier
	auditor     audit.Sink
	maxAttempts int
	backoff     time.Duration
}

func NewEngine(db *gorm.DB, l transferer, n events.Notifier, a audit.Sink, maxAttempts int, backoff time.Duration) *Engine {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if backoff <= 0 {
		backoff = time.Second
	}
	return &Engine{db: db, ledger: l, notifier: n, auditor: a, maxAttempts: maxAttempts, backoff: backoff}
}

// Key derives the payout idempotency key; a retried or replayed payout for
// the same circle and cycle settles at most once.
func Key(circleID uint, cycle int) string {
	return ledger.PayoutKey(circleID, cycle)
}

// Recipient resolves the member whose payout order matches the cycle's
// position in the rotation.
func (e *Engine) Recipient(ctx context.Context, circleID uint, cycle int) (*models.CircleMember, error) {
	var members []models.CircleMember
	err := e.db.WithContext(ctx).Where("circle_id = ?", circleID).Find(&members).Error
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, apperr.Newf(apperr.KindInconsistency, "circle %d has no members", circleID)
	}
	position := ((cycle - 1) % len(members)) + 1
	for i := range members {
		if members[i].PayoutOrder == position {
			return &members[i], nil
		}
	}
	return nil, apperr.Newf(apperr.KindInconsistency,
		"circle %d has no member at payout order %d", circleID, position)
}

// Payout transfers the cycle's pooled amount to the designated recipient.
// Transient failures are retried with exponential backoff up to the attempt
// ceiling; exhaustion flags the circle for manual intervention and returns
// the last error. A cancelled circle or context stops the retry timer.
func (e *Engine) Payout(ctx context.Context, circleID uint, cycle int) (*models.Transaction, error) {
	var c models.Circle
	if err := e.db.WithContext(ctx).First(&c, circleID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.Newf(apperr.KindNotFound, "circle %d not found", circleID)
		}
		return nil, err
	}
	if c.Status != models.CircleActive {
		return nil, apperr.Newf(apperr.KindStateConflict, "cannot pay out a %s circle", c.Status)
	}

	recipient, err := e.Recipient(ctx, circleID, cycle)
	if err != nil {
		return nil, err
	}
	var wallet models.Wallet
	if err := e.db.WithContext(ctx).Where("user_id = ?", recipient.UserID).First(&wallet).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.Newf(apperr.KindNotFound, "recipient %d has no wallet", recipient.UserID)
		}
		return nil, err
	}

	var lastErr error
	var pooled int64
	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		txn, snapshot, err := e.attempt(ctx, circleID, cycle, wallet.ID)
		if snapshot > 0 {
			pooled = snapshot
		}
		if err == nil {
			if txn == nil {
				logger.Log.Warn("nothing pooled for cycle, skipping payout",
					zap.Uint("circle_id", circleID), zap.Int("cycle", cycle))
				return nil, nil
			}
			e.notifier.Notify(ctx, events.Event{
				Type:        events.CirclePayoutCompleted,
				CircleID:    circleID,
				UserID:      recipient.UserID,
				Amount:      txn.Amount,
				CycleNumber: cycle,
			})
			e.auditor.Record(ctx, 0, "payout.complete", fmt.Sprintf("%d/%d", circleID, cycle))
			return txn, nil
		}
		if !retryable(err) {
			return nil, err
		}
		lastErr = err
		logger.Log.Warn("payout attempt failed",
			zap.Uint("circle_id", circleID),
			zap.Int("cycle", cycle),
			zap.Int("attempt", attempt),
			zap.Error(err))

		if attempt == e.maxAttempts {
			break
		}
		if err := e.wait(ctx, circleID, e.backoff<<(attempt-1)); err != nil {
			return nil, err
		}
	}

	e.flagForIntervention(ctx, circleID)
	e.notifier.Notify(ctx, events.Event{
		Type:        events.PayoutFailed,
		CircleID:    circleID,
		UserID:      recipient.UserID,
		Amount:      pooled,
		CycleNumber: cycle,
	})
	return nil, apperr.Wrap(apperr.KindTransient,
		fmt.Sprintf("payout for circle %d cycle %d exhausted %d attempts", circleID, cycle, e.maxAttempts), lastErr)
}

// attempt snapshots the cycle's pool and settles the payout transfer while
// holding the circle row lock, so a contribution cannot land between the
// snapshot and the settle. A nil transaction with a nil error means nothing
// was pooled.
func (e *Engine) attempt(ctx context.Context, circleID uint, cycle int, recipientWalletID uint) (*models.Transaction, int64, error) {
	var txn *models.Transaction
	var pooled int64
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var c models.Circle
		if err := ledger.ForUpdate(tx).First(&c, circleID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperr.Newf(apperr.KindNotFound, "circle %d not found", circleID)
			}
			return err
		}
		if c.Status != models.CircleActive {
			return apperr.Newf(apperr.KindStateConflict, "cannot pay out a %s circle", c.Status)
		}
		if err := tx.Model(&models.Contribution{}).
			Where("circle_id = ? AND cycle_number = ? AND status = ?",
				circleID, cycle, models.ContributionPaid).
			Select("COALESCE(SUM(amount), 0)").Scan(&pooled).Error; err != nil {
			return err
		}
		if pooled == 0 {
			return nil
		}

		lt := e.ledger
		if b, ok := lt.(txBinder); ok {
			lt = b.WithTx(tx)
		}
		t, err := lt.Transfer(ctx, c.CollectionWalletID, recipientWalletID, pooled,
			Key(circleID, cycle), ledger.Ref{
				Type:        models.TxPayout,
				Description: fmt.Sprintf("cycle %d payout for circle %d", cycle, circleID),
			})
		if err != nil {
			return err
		}
		txn = t
		return nil
	})
	if err != nil {
		return nil, pooled, err
	}
	return txn, pooled, nil
}

// wait sleeps for the backoff delay but wakes early when the context is
// cancelled or the circle leaves the active state.
func (e *Engine) wait(ctx context.Context, circleID uint, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}

	var status models.CircleStatus
	err := e.db.WithContext(ctx).Model(&models.Circle{}).
		Where("id = ?", circleID).Select("status").Scan(&status).Error
	if err != nil {
		return err
	}
	if status != models.CircleActive {
		return apperr.Newf(apperr.KindStateConflict, "circle became %s during payout retries", status)
	}
	return nil
}

func (e *Engine) flagForIntervention(ctx context.Context, circleID uint) {
	err := e.db.WithContext(ctx).Model(&models.Circle{}).
		Where("id = ?", circleID).Update("needs_intervention", true).Error
	if err != nil {
		logger.Log.Error("failed to flag circle for intervention",
			zap.Uint("circle_id", circleID), zap.Error(err))
	}
}

// retryable treats anything outside the synchronous-rejection kinds as a
// transient external failure.
func retryable(err error) bool {
	switch apperr.KindOf(err) {
	case apperr.KindValidation, apperr.KindStateConflict,
		apperr.KindInsufficientFunds, apperr.KindNotFound, apperr.KindInconsistency:
		return false
	}
	return true
}
