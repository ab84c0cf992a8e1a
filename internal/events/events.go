// Package events carries the domain events the engine emits for external
// delivery. Emission is fire-and-forget: a failed notification must never
// roll back a ledger operation.
package events

import (
	"context"
	"fmt"

	"github.com/koredeycode/contri-api/internal/logger"
	"github.com/koredeycode/contri-api/internal/models"
	"github.com/koredeycode/contri-api/internal/money"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Type string

const (
	ContributionReceived  Type = "contribution_received"
	ContributionLate      Type = "contribution_late"
	CirclePayoutCompleted Type = "circle_payout_completed"
	CircleCompleted       Type = "circle_completed"
	PayoutFailed          Type = "payout_failed"
)

type Event struct {
	Type        Type
	CircleID    uint
	UserID      uint
	Amount      int64
	CycleNumber int
}

type Notifier interface {
	Notify(ctx context.Context, ev Event)
}

// DBNotifier persists a Notification row per event and logs it. Errors are
// swallowed after logging.
type DBNotifier struct {
	db *gorm.DB
}

func NewDBNotifier(db *gorm.DB) *DBNotifier {
	return &DBNotifier{db: db}
}

func (n *DBNotifier) Notify(ctx context.Context, ev Event) {
	title, body := render(ev)
	row := models.Notification{
		UserID: ev.UserID,
		Title:  title,
		Body:   body,
		Type:   string(ev.Type),
	}
	if err := n.db.WithContext(ctx).Create(&row).Error; err != nil {
		logger.Log.Error("failed to persist notification",
			zap.String("event", string(ev.Type)),
			zap.Uint("user_id", ev.UserID),
			zap.Error(err))
		return
	}
	logger.Log.Info("domain event",
		zap.String("event", string(ev.Type)),
		zap.Uint("circle_id", ev.CircleID),
		zap.Uint("user_id", ev.UserID),
		zap.Int64("amount", ev.Amount),
		zap.Int("cycle", ev.CycleNumber))
}

func render(ev Event) (title, body string) {
	amount := money.FormatMinor(ev.Amount)
	switch ev.Type {
	case ContributionReceived:
		return "Contribution received", fmt.Sprintf("Your contribution of %s for cycle %d was received.", amount, ev.CycleNumber)
	case ContributionLate:
		return "Contribution overdue", fmt.Sprintf("Your contribution of %s for cycle %d is overdue.", amount, ev.CycleNumber)
	case CirclePayoutCompleted:
		return "Payout sent", fmt.Sprintf("You received the cycle %d payout of %s.", ev.CycleNumber, amount)
	case CircleCompleted:
		return "Circle completed", "Every member has received a payout. The circle is complete."
	case PayoutFailed:
		return "Payout delayed", fmt.Sprintf("The cycle %d payout could not be completed. Our team is looking into it.", ev.CycleNumber)
	default:
		return string(ev.Type), ""
	}
}

// NopNotifier discards events; handy in tests that do not assert on them.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, Event) {}
