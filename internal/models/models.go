package models

import (
	"time"

	"gorm.io/gorm"
)

type User struct {
	gorm.Model
	Name     string `gorm:"size:50;not null"`
	Email    string `gorm:"uniqueIndex;size:255;not null"`
	Password string `gorm:"size:255"`
}

// Wallet is owned either by a user (UserID set) or by a circle as its
// collection wallet (CircleID set), never both. Balances are integer minor
// units (kobo) and are mutated only through the ledger.
type Wallet struct {
	gorm.Model
	UserID   *uint  `gorm:"index"`
	CircleID *uint  `gorm:"uniqueIndex"`
	Balance  int64  `gorm:"not null;default:0"`
	Currency string `gorm:"size:3;not null;default:NGN"`
}

// Transaction is the header of a money movement; the movement itself is
// recorded as LedgerEntry legs. Reference is our own identifier handed to
// the payment provider; ExternalRef is the provider's identifier coming
// back on webhooks.
type Transaction struct {
	gorm.Model
	Type           TransactionType   `gorm:"size:20;index;not null"`
	Status         TransactionStatus `gorm:"size:10;index;not null"`
	Amount         int64             `gorm:"not null"`
	SourceWalletID *uint             `gorm:"index"`
	DestWalletID   *uint             `gorm:"index"`
	Reference      string            `gorm:"uniqueIndex;size:64;not null"`
	ExternalRef    *string           `gorm:"uniqueIndex;size:128"`
	IdempotencyKey *string           `gorm:"uniqueIndex;size:128"`
	Description    string            `gorm:"size:255"`
}

// LedgerEntry is one leg of a double-entry movement. The legs of an internal
// transfer sum to zero and commit together or not at all.
type LedgerEntry struct {
	gorm.Model
	TransactionID uint  `gorm:"index;not null"`
	WalletID      uint  `gorm:"index;not null"`
	Amount        int64 `gorm:"not null"`
}

type Circle struct {
	gorm.Model
	Name               string          `gorm:"size:100;not null"`
	Amount             int64           `gorm:"not null"`
	Frequency          CircleFrequency `gorm:"size:10;not null"`
	Status             CircleStatus    `gorm:"size:10;index;not null"`
	CycleStart         *time.Time
	CurrentCycle       int          `gorm:"not null;default:0"`
	TargetMembers      int          `gorm:"not null"`
	PayoutOrderPolicy  PayoutPolicy `gorm:"size:10;not null"`
	InviteCode         string       `gorm:"uniqueIndex;size:16;not null"`
	CollectionWalletID uint         `gorm:"not null"`
	// NeedsIntervention is set when payout retries are exhausted and an
	// operator has to look at the circle.
	NeedsIntervention bool `gorm:"not null;default:false"`
}

type CircleMember struct {
	gorm.Model
	CircleID    uint       `gorm:"uniqueIndex:idx_circle_user;not null"`
	UserID      uint       `gorm:"uniqueIndex:idx_circle_user;index;not null"`
	PayoutOrder int        `gorm:"not null"`
	Role        CircleRole `gorm:"size:10;not null;default:member"`
	JoinedAt    time.Time  `gorm:"not null"`
}

type Contribution struct {
	gorm.Model
	CircleID    uint               `gorm:"uniqueIndex:idx_circle_user_cycle;not null"`
	UserID      uint               `gorm:"uniqueIndex:idx_circle_user_cycle;not null"`
	CycleNumber int                `gorm:"uniqueIndex:idx_circle_user_cycle;not null"`
	Amount      int64              `gorm:"not null"`
	Status      ContributionStatus `gorm:"size:10;index;not null"`
	PaidAt      *time.Time
}

// Notification rows are written by the domain-event notifier; delivery to
// devices is an external concern.
type Notification struct {
	gorm.Model
	UserID uint   `gorm:"index;not null"`
	Title  string `gorm:"size:100;not null"`
	Body   string `gorm:"size:255;not null"`
	Type   string `gorm:"size:40;not null"`
	IsRead bool   `gorm:"not null;default:false"`
}

// AuditLog records every state-changing operation, fire-and-forget.
type AuditLog struct {
	gorm.Model
	ActorID  uint   `gorm:"index;not null"`
	Action   string `gorm:"size:60;not null"`
	TargetID string `gorm:"size:60;not null"`
}
