// Package webhook reconciles payment-provider callbacks into ledger and
// contribution state. Delivery is at-least-once, possibly duplicated and
// out of order, so every step is idempotent; the database is the authority
// and redis is only a fast-path dedupe.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/koredeycode/contri-api/internal/apperr"
	"github.com/koredeycode/contri-api/internal/contribution"
	"github.com/koredeycode/contri-api/internal/ledger"
	"github.com/koredeycode/contri-api/internal/logger"
	"github.com/koredeycode/contri-api/internal/models"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const dedupeTTL = 24 * time.Hour

// Event is a provider notification after signature verification at the
// boundary. Reference is our transaction reference echoed back by the
// provider; ExternalRef is the provider's own identifier.
type Event struct {
	Reference   string
	ExternalRef string
	Amount      int64
	Currency    string
	Status      string
	CircleID    *uint
	CycleNumber *int
}

type Reconciler struct {
	db      *gorm.DB
	ledger  *ledger.Service
	contrib *contribution.Service
	cache   *redis.Client
}

func NewReconciler(db *gorm.DB, l *ledger.Service, c *contribution.Service, cache *redis.Client) *Reconciler {
	return &Reconciler{db: db, ledger: l, contrib: c, cache: cache}
}

// Sign computes the provider-style HMAC-SHA512 hex signature over a raw
// body; tests and local tooling use it to forge valid callbacks.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks the provider's HMAC-SHA512 signature over the raw
// request body. Constant-time comparison.
func VerifySignature(secret string, body []byte, signature string) bool {
	if secret == "" {
		return false
	}
	return hmac.Equal([]byte(Sign(secret, body)), []byte(signature))
}

// Process settles a deposit event: credits the wallet behind the pending
// transaction carrying ev.Reference and, when the event identifies a circle
// and cycle, records the contribution. Replaying the same event any number
// of times produces exactly one credit and one contribution change.
func (r *Reconciler) Process(ctx context.Context, ev Event) error {
	if ev.Reference == "" || ev.ExternalRef == "" {
		return apperr.New(apperr.KindValidation, "event is missing references")
	}

	if r.seenInCache(ctx, ev.ExternalRef) {
		return nil
	}

	if prior, err := r.ledger.FindByExternalRef(ctx, ev.ExternalRef); err != nil {
		return err
	} else if prior != nil && prior.Status == models.TxSuccess {
		r.markSeen(ctx, ev.ExternalRef)
		return nil
	}

	if ev.Status != "success" {
		if err := r.ledger.FailDeposit(ctx, ev.Reference); err != nil && !apperr.IsKind(err, apperr.KindStateConflict) {
			return err
		}
		r.markSeen(ctx, ev.ExternalRef)
		return nil
	}

	var pending models.Transaction
	err := r.db.WithContext(ctx).Where("reference = ?", ev.Reference).First(&pending).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperr.Newf(apperr.KindNotFound, "no transaction for reference %s", ev.Reference)
	}
	if err != nil {
		return err
	}

	if ev.Amount != pending.Amount {
		logger.Log.Error("webhook amount mismatch",
			zap.String("reference", ev.Reference),
			zap.Int64("expected", pending.Amount),
			zap.Int64("got", ev.Amount))
		if err := r.ledger.FailDeposit(ctx, ev.Reference); err != nil && !apperr.IsKind(err, apperr.KindStateConflict) {
			return err
		}
		return apperr.New(apperr.KindValidation, "amount does not match the initiated deposit")
	}
	if ev.Currency != "" {
		var w models.Wallet
		if pending.DestWalletID != nil {
			if err := r.db.WithContext(ctx).First(&w, *pending.DestWalletID).Error; err != nil {
				return err
			}
			if w.Currency != ev.Currency {
				return apperr.Newf(apperr.KindValidation,
					"currency %s does not match wallet currency %s", ev.Currency, w.Currency)
			}
		}
	}

	settled, err := r.ledger.CompleteDeposit(ctx, ev.Reference, ev.ExternalRef)
	if err != nil {
		return err
	}

	if ev.CircleID != nil && ev.CycleNumber != nil && settled.DestWalletID != nil {
		var w models.Wallet
		if err := r.db.WithContext(ctx).First(&w, *settled.DestWalletID).Error; err != nil {
			return err
		}
		if w.UserID == nil {
			return apperr.New(apperr.KindInconsistency, "deposit wallet has no owning user")
		}
		_, err := r.contrib.Record(ctx, *ev.CircleID, *w.UserID, *ev.CycleNumber, ev.Amount)
		if err != nil && !apperr.IsKind(err, apperr.KindStateConflict) {
			return err
		}
	}

	r.markSeen(ctx, ev.ExternalRef)
	return nil
}

func (r *Reconciler) cacheKey(externalRef string) string {
	return fmt.Sprintf("webhook:seen:%s", externalRef)
}

func (r *Reconciler) seenInCache(ctx context.Context, externalRef string) bool {
	if r.cache == nil {
		return false
	}
	n, err := r.cache.Exists(ctx, r.cacheKey(externalRef)).Result()
	if err != nil {
		logger.Log.Warn("webhook dedupe cache unavailable", zap.Error(err))
		return false
	}
	return n > 0
}

func (r *Reconciler) markSeen(ctx context.Context, externalRef string) {
	if r.cache == nil {
		return
	}
	if err := r.cache.Set(ctx, r.cacheKey(externalRef), 1, dedupeTTL).Err(); err != nil {
		logger.Log.Warn("failed to mark webhook as seen", zap.Error(err))
	}
}
