// Package contribution tracks per-cycle, per-member obligations and moves
// contributed money into the circle's collection wallet.
package contribution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/koredeycode/contri-api/internal/apperr"
	"github.com/koredeycode/contri-api/internal/audit"
	"github.com/koredeycode/contri-api/internal/events"
	"github.com/koredeycode/contri-api/internal/ledger"
	"github.com/koredeycode/contri-api/internal/models"
	"gorm.io/gorm"
)

type Service struct {
	db       *gorm.DB
	ledger   *ledger.Service
	notifier events.Notifier
	auditor  audit.Sink
}

func NewService(db *gorm.DB, l *ledger.Service, n events.Notifier, a audit.Sink) *Service {
	return &Service{db: db, ledger: l, notifier: n, auditor: a}
}

// Key derives the idempotency key for a member's contribution transfer, so
// a replayed webhook or a double-submitted request moves money once.
func Key(circleID, userID uint, cycle int) string {
	return fmt.Sprintf("contrib:%d:%d:%d", circleID, userID, cycle)
}

// Record fulfils the obligation for (circle, user, cycle): validates the
// amount against the circle's, rejects duplicates, moves the money from the
// member's wallet into the collection wallet and marks the row paid. The
// row update and the transfer commit together.
func (s *Service) Record(ctx context.Context, circleID, userID uint, cycle int, amount int64) (*models.Contribution, error) {
	var recorded models.Contribution
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// The circle row lock serializes contributions against payout
		// settlement and cycle advancement.
		var c models.Circle
		if err := ledger.ForUpdate(tx).First(&c, circleID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperr.Newf(apperr.KindNotFound, "circle %d not found", circleID)
			}
			return err
		}
		if c.Status != models.CircleActive {
			return apperr.Newf(apperr.KindStateConflict, "circle is %s, not accepting contributions", c.Status)
		}
		if cycle != c.CurrentCycle {
			return apperr.Newf(apperr.KindStateConflict, "cycle %d is not open, current cycle is %d", cycle, c.CurrentCycle)
		}
		if amount != c.Amount {
			return apperr.Newf(apperr.KindValidation,
				"amount %d does not match circle contribution amount %d", amount, c.Amount)
		}

		// A settled payout closes the cycle even before the scheduler
		// advances it; money accepted after the payout would be stranded
		// in the collection wallet.
		var settled int64
		if err := tx.Model(&models.Transaction{}).
			Where("idempotency_key = ? AND status = ?",
				ledger.PayoutKey(circleID, cycle), models.TxSuccess).
			Count(&settled).Error; err != nil {
			return err
		}
		if settled > 0 {
			return apperr.Newf(apperr.KindStateConflict, "cycle %d payout already settled, contributions are closed", cycle)
		}

		var contrib models.Contribution
		err := tx.Where("circle_id = ? AND user_id = ? AND cycle_number = ?",
			circleID, userID, cycle).First(&contrib).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperr.New(apperr.KindNotFound, "no contribution obligation for this member and cycle")
		}
		if err != nil {
			return err
		}
		if contrib.Status == models.ContributionPaid {
			return apperr.New(apperr.KindStateConflict, "contribution already paid for this cycle")
		}

		var wallet models.Wallet
		if err := tx.Where("user_id = ?", userID).First(&wallet).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperr.Newf(apperr.KindNotFound, "user %d has no wallet", userID)
			}
			return err
		}

		_, err = s.ledger.WithTx(tx).Transfer(ctx, wallet.ID, c.CollectionWalletID, amount,
			Key(circleID, userID, cycle), ledger.Ref{
				Type:        models.TxContribution,
				Description: fmt.Sprintf("contribution to circle %d cycle %d", circleID, cycle),
			})
		if err != nil {
			return err
		}

		now := time.Now()
		updates := map[string]any{"status": models.ContributionPaid, "paid_at": now}
		if err := tx.Model(&contrib).Updates(updates).Error; err != nil {
			return err
		}
		contrib.Status = models.ContributionPaid
		contrib.PaidAt = &now
		recorded = contrib
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.notifier.Notify(ctx, events.Event{
		Type:        events.ContributionReceived,
		CircleID:    circleID,
		UserID:      userID,
		Amount:      recorded.Amount,
		CycleNumber: cycle,
	})
	s.auditor.Record(ctx, userID, "contribution.record", fmt.Sprintf("%d/%d", circleID, cycle))
	return &recorded, nil
}

// MarkLate flips every still-pending contribution for the cycle to late.
// Late members remain obligated; they can still pay while the cycle is open.
func (s *Service) MarkLate(ctx context.Context, circleID uint, cycle int) (int, error) {
	var late []models.Contribution
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("circle_id = ? AND cycle_number = ? AND status = ?",
			circleID, cycle, models.ContributionPending).Find(&late).Error; err != nil {
			return err
		}
		if len(late) == 0 {
			return nil
		}
		return tx.Model(&models.Contribution{}).
			Where("circle_id = ? AND cycle_number = ? AND status = ?",
				circleID, cycle, models.ContributionPending).
			Update("status", models.ContributionLate).Error
	})
	if err != nil {
		return 0, err
	}

	for _, contrib := range late {
		s.notifier.Notify(ctx, events.Event{
			Type:        events.ContributionLate,
			CircleID:    circleID,
			UserID:      contrib.UserID,
			Amount:      contrib.Amount,
			CycleNumber: cycle,
		})
	}
	return len(late), nil
}

// AllPaid reports whether every obligation for the cycle is fulfilled.
func (s *Service) AllPaid(ctx context.Context, circleID uint, cycle int) (bool, error) {
	var outstanding int64
	err := s.db.WithContext(ctx).Model(&models.Contribution{}).
		Where("circle_id = ? AND cycle_number = ? AND status <> ?",
			circleID, cycle, models.ContributionPaid).
		Count(&outstanding).Error
	if err != nil {
		return false, err
	}
	return outstanding == 0, nil
}

// PooledAmount sums the cycle's paid contributions; this is exactly what the
// payout transfers out.
func (s *Service) PooledAmount(ctx context.Context, circleID uint, cycle int) (int64, error) {
	var sum int64
	err := s.db.WithContext(ctx).Model(&models.Contribution{}).
		Where("circle_id = ? AND cycle_number = ? AND status = ?",
			circleID, cycle, models.ContributionPaid).
		Select("COALESCE(SUM(amount), 0)").Scan(&sum).Error
	if err != nil {
		return 0, err
	}
	return sum, nil
}

// ForCycle lists the cycle's contribution rows.
func (s *Service) ForCycle(ctx context.Context, circleID uint, cycle int) ([]models.Contribution, error) {
	var rows []models.Contribution
	err := s.db.WithContext(ctx).
		Where("circle_id = ? AND cycle_number = ?", circleID, cycle).
		Order("user_id asc").Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}
