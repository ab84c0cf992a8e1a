// Package circle owns the lifecycle of a savings circle: pending while
// members join, active while cycles run, then completed or cancelled.
// Transition legality lives in the models.CircleStatus table; everything
// here runs under a row lock on the circle so mutations to one circle are
// serialized while distinct circles proceed in parallel.
package circle

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/koredeycode/contri-api/internal/apperr"
	"github.com/koredeycode/contri-api/internal/audit"
	"github.com/koredeycode/contri-api/internal/events"
	"github.com/koredeycode/contri-api/internal/ledger"
	"github.com/koredeycode/contri-api/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Service struct {
	db         *gorm.DB
	ledger     *ledger.Service
	notifier   events.Notifier
	auditor    audit.Sink
	minMembers int
}

func NewService(db *gorm.DB, l *ledger.Service, n events.Notifier, a audit.Sink, minMembers int) *Service {
	if minMembers < 2 {
		minMembers = 2
	}
	return &Service{db: db, ledger: l, notifier: n, auditor: a, minMembers: minMembers}
}

type CreateParams struct {
	Name          string
	Amount        int64
	Frequency     models.CircleFrequency
	TargetMembers int
	PayoutPolicy  models.PayoutPolicy
	Currency      string
}

func lockCircle(tx *gorm.DB, id uint) (*models.Circle, error) {
	q := tx
	if tx.Dialector.Name() != "sqlite" {
		q = tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var c models.Circle
	if err := q.First(&c, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.Newf(apperr.KindNotFound, "circle %d not found", id)
		}
		return nil, err
	}
	return &c, nil
}

// Create opens a pending circle with the host as its first member at payout
// order 1 and provisions the circle's collection wallet.
func (s *Service) Create(ctx context.Context, hostID uint, p CreateParams) (*models.Circle, error) {
	if p.Name == "" {
		return nil, apperr.New(apperr.KindValidation, "circle name is required")
	}
	if p.Amount <= 0 {
		return nil, apperr.New(apperr.KindValidation, "contribution amount must be positive")
	}
	if !p.Frequency.Valid() {
		return nil, apperr.Newf(apperr.KindValidation, "unknown frequency %q", p.Frequency)
	}
	if !p.PayoutPolicy.Valid() {
		return nil, apperr.Newf(apperr.KindValidation, "unknown payout policy %q", p.PayoutPolicy)
	}
	if p.TargetMembers < s.minMembers {
		return nil, apperr.Newf(apperr.KindValidation, "target members must be at least %d", s.minMembers)
	}
	if p.Currency == "" {
		p.Currency = "NGN"
	}

	var created models.Circle
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		c := models.Circle{
			Name:              p.Name,
			Amount:            p.Amount,
			Frequency:         p.Frequency,
			Status:            models.CirclePending,
			TargetMembers:     p.TargetMembers,
			PayoutOrderPolicy: p.PayoutPolicy,
			InviteCode:        uuid.NewString()[:8],
		}
		if err := tx.Create(&c).Error; err != nil {
			return err
		}

		pool := models.Wallet{CircleID: &c.ID, Currency: p.Currency}
		if err := tx.Create(&pool).Error; err != nil {
			return err
		}
		if err := tx.Model(&c).Update("collection_wallet_id", pool.ID).Error; err != nil {
			return err
		}
		c.CollectionWalletID = pool.ID

		host := models.CircleMember{
			CircleID:    c.ID,
			UserID:      hostID,
			PayoutOrder: 1,
			Role:        models.RoleHost,
			JoinedAt:    time.Now(),
		}
		if err := tx.Create(&host).Error; err != nil {
			return err
		}
		created = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.auditor.Record(ctx, hostID, "circle.create", fmt.Sprint(created.ID))
	return &created, nil
}

// Join adds a user to a pending circle via its invite code. Under the fixed
// policy the member takes the next payout order; under random the order is
// assigned once at start.
func (s *Service) Join(ctx context.Context, userID uint, inviteCode string) (*models.Circle, error) {
	var joined models.Circle
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var c models.Circle
		if err := tx.Where("invite_code = ?", inviteCode).First(&c).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperr.New(apperr.KindNotFound, "no circle for that invite code")
			}
			return err
		}
		locked, err := lockCircle(tx, c.ID)
		if err != nil {
			return err
		}
		c = *locked

		if c.Status != models.CirclePending {
			return apperr.Newf(apperr.KindStateConflict, "cannot join a %s circle", c.Status)
		}

		var count int64
		if err := tx.Model(&models.CircleMember{}).Where("circle_id = ?", c.ID).Count(&count).Error; err != nil {
			return err
		}
		if int(count) >= c.TargetMembers {
			return apperr.New(apperr.KindStateConflict, "circle is already at capacity")
		}

		var existing int64
		if err := tx.Model(&models.CircleMember{}).
			Where("circle_id = ? AND user_id = ?", c.ID, userID).Count(&existing).Error; err != nil {
			return err
		}
		if existing > 0 {
			return apperr.New(apperr.KindStateConflict, "already a member of this circle")
		}

		order := 0
		if c.PayoutOrderPolicy == models.PayoutFixed {
			order = int(count) + 1
		}
		m := models.CircleMember{
			CircleID:    c.ID,
			UserID:      userID,
			PayoutOrder: order,
			Role:        models.RoleMember,
			JoinedAt:    time.Now(),
		}
		if err := tx.Create(&m).Error; err != nil {
			return err
		}
		joined = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.auditor.Record(ctx, userID, "circle.join", fmt.Sprint(joined.ID))
	return &joined, nil
}

// Start activates a pending circle: fixes the payout order (a uniform random
// permutation under the random policy), opens cycle 1 and creates its
// pending contributions. Host only.
func (s *Service) Start(ctx context.Context, hostID, circleID uint) (*models.Circle, error) {
	var started models.Circle
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		c, err := lockCircle(tx, circleID)
		if err != nil {
			return err
		}
		if !c.Status.CanTransition(models.CircleActive) {
			return apperr.Newf(apperr.KindStateConflict, "cannot start a %s circle", c.Status)
		}

		var host models.CircleMember
		err = tx.Where("circle_id = ? AND user_id = ?", circleID, hostID).First(&host).Error
		if errors.Is(err, gorm.ErrRecordNotFound) || (err == nil && host.Role != models.RoleHost) {
			return apperr.New(apperr.KindStateConflict, "only the host may start the circle")
		}
		if err != nil {
			return err
		}

		var members []models.CircleMember
		if err := tx.Where("circle_id = ?", circleID).Order("id asc").Find(&members).Error; err != nil {
			return err
		}
		if len(members) < s.minMembers {
			return apperr.Newf(apperr.KindStateConflict, "at least %d members are required to start", s.minMembers)
		}

		if c.PayoutOrderPolicy == models.PayoutRandom {
			perm := rand.Perm(len(members))
			for i := range members {
				if err := tx.Model(&members[i]).Update("payout_order", perm[i]+1).Error; err != nil {
					return err
				}
				members[i].PayoutOrder = perm[i] + 1
			}
		}

		now := time.Now()
		updates := map[string]any{
			"status":        models.CircleActive,
			"cycle_start":   now,
			"current_cycle": 1,
		}
		if err := tx.Model(c).Updates(updates).Error; err != nil {
			return err
		}
		if err := createContributions(tx, c, members, 1); err != nil {
			return err
		}

		c.Status = models.CircleActive
		c.CycleStart = &now
		c.CurrentCycle = 1
		started = *c
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.auditor.Record(ctx, hostID, "circle.start", fmt.Sprint(circleID))
	return &started, nil
}

// AdvanceCycle moves an active circle to its next cycle, or to completed
// once every member has been paid. Called by the scheduler after a
// successful payout.
func (s *Service) AdvanceCycle(ctx context.Context, circleID uint) (*models.Circle, error) {
	var advanced models.Circle
	var completedMembers []models.CircleMember
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		c, err := lockCircle(tx, circleID)
		if err != nil {
			return err
		}
		if c.Status != models.CircleActive {
			return apperr.Newf(apperr.KindStateConflict, "cannot advance a %s circle", c.Status)
		}

		var members []models.CircleMember
		if err := tx.Where("circle_id = ?", circleID).Find(&members).Error; err != nil {
			return err
		}

		if c.CurrentCycle >= len(members) {
			if !c.Status.CanTransition(models.CircleCompleted) {
				return apperr.Newf(apperr.KindStateConflict, "cannot complete a %s circle", c.Status)
			}
			if err := tx.Model(c).Update("status", models.CircleCompleted).Error; err != nil {
				return err
			}
			c.Status = models.CircleCompleted
			completedMembers = members
			advanced = *c
			return nil
		}

		next := c.CurrentCycle + 1
		if err := tx.Model(c).Update("current_cycle", next).Error; err != nil {
			return err
		}
		c.CurrentCycle = next
		if err := createContributions(tx, c, members, next); err != nil {
			return err
		}
		advanced = *c
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, m := range completedMembers {
		s.notifier.Notify(ctx, events.Event{
			Type:     events.CircleCompleted,
			CircleID: circleID,
			UserID:   m.UserID,
		})
	}
	return &advanced, nil
}

// Cancel terminates a pending or active circle. Paid contributions of the
// current cycle still sitting in the collection wallet are refunded to the
// contributors with keyed transfers, so re-running a partly failed cancel is
// safe.
func (s *Service) Cancel(ctx context.Context, actorID, circleID uint) error {
	var refunds []models.Contribution
	var pool uint
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		c, err := lockCircle(tx, circleID)
		if err != nil {
			return err
		}
		if !c.Status.CanTransition(models.CircleCancelled) {
			return apperr.Newf(apperr.KindStateConflict, "cannot cancel a %s circle", c.Status)
		}

		// Actor 0 is the engine itself (payout-failure policy); anyone else
		// must be the host.
		if actorID != 0 {
			var host models.CircleMember
			err := tx.Where("circle_id = ? AND user_id = ? AND role = ?",
				circleID, actorID, models.RoleHost).First(&host).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperr.New(apperr.KindStateConflict, "only the host may cancel the circle")
			}
			if err != nil {
				return err
			}
		}

		if c.Status == models.CircleActive {
			if err := tx.Where("circle_id = ? AND cycle_number = ? AND status = ?",
				circleID, c.CurrentCycle, models.ContributionPaid).Find(&refunds).Error; err != nil {
				return err
			}
		}
		pool = c.CollectionWalletID

		if err := tx.Model(c).Update("status", models.CircleCancelled).Error; err != nil {
			return err
		}

		l := s.ledger.WithTx(tx)
		for _, contrib := range refunds {
			var w models.Wallet
			if err := tx.Where("user_id = ?", contrib.UserID).First(&w).Error; err != nil {
				return err
			}
			key := fmt.Sprintf("refund:%d:%d:%d", circleID, contrib.CycleNumber, contrib.UserID)
			_, err := l.Transfer(ctx, pool, w.ID, contrib.Amount, key, ledger.Ref{
				Type:        models.TxRefund,
				Description: fmt.Sprintf("refund for cancelled circle %d cycle %d", circleID, contrib.CycleNumber),
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.auditor.Record(ctx, actorID, "circle.cancel", fmt.Sprint(circleID))
	return nil
}

func createContributions(tx *gorm.DB, c *models.Circle, members []models.CircleMember, cycle int) error {
	for _, m := range members {
		contrib := models.Contribution{
			CircleID:    c.ID,
			UserID:      m.UserID,
			CycleNumber: cycle,
			Amount:      c.Amount,
			Status:      models.ContributionPending,
		}
		if err := tx.Create(&contrib).Error; err != nil {
			return err
		}
	}
	return nil
}
