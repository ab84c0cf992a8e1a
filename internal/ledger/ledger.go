// Package ledger is the only writer of wallet balances. Every successful
// operation appends an immutable Transaction header plus one or two
// LedgerEntry legs; failed operations append nothing that affects a balance.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/koredeycode/contri-api/internal/apperr"
	"github.com/koredeycode/contri-api/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Service struct {
	db *gorm.DB
}

func NewService(db *gorm.DB) *Service {
	return &Service{db: db}
}

// WithTx binds the service to an open transaction so a caller can make a
// ledger movement and its own writes commit together. Inner calls become
// savepoints.
func (s *Service) WithTx(tx *gorm.DB) *Service {
	return &Service{db: tx}
}

// Ref describes the bookkeeping identity of a movement.
type Ref struct {
	Type           models.TransactionType
	Description    string
	ExternalRef    *string
	IdempotencyKey *string
}

// ForUpdate adds a row lock on dialects that support it. SQLite (tests)
// serializes writers on its own.
func ForUpdate(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == "sqlite" {
		return tx
	}
	return tx.Clauses(clause.Locking{Strength: "UPDATE"})
}

// PayoutKey derives the idempotency key a cycle's payout settles under.
func PayoutKey(circleID uint, cycle int) string {
	return fmt.Sprintf("payout:%d:%d", circleID, cycle)
}

// isDuplicateKey matches a unique-index violation on the dialects we run
// against; gorm only translates these when the driver is configured to.
func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value")
}

func lockWallet(tx *gorm.DB, id uint) (*models.Wallet, error) {
	var w models.Wallet
	if err := ForUpdate(tx).First(&w, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.Newf(apperr.KindNotFound, "wallet %d not found", id)
		}
		return nil, err
	}
	return &w, nil
}

// findByIdempotencyKey returns the prior transaction for key, if any.
func (s *Service) findByIdempotencyKey(tx *gorm.DB, key string) (*models.Transaction, error) {
	var prior models.Transaction
	err := tx.Where("idempotency_key = ?", key).First(&prior).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &prior, nil
}

// Credit adds amount to a wallet with a single credit leg; the debit side is
// external (a provider deposit). Replays keyed by Ref.IdempotencyKey return
// the original transaction.
func (s *Service) Credit(ctx context.Context, walletID uint, amount int64, ref Ref) (*models.Transaction, error) {
	if amount <= 0 {
		return nil, apperr.New(apperr.KindValidation, "credit amount must be positive")
	}

	var result *models.Transaction
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if ref.IdempotencyKey != nil {
			prior, err := s.findByIdempotencyKey(tx, *ref.IdempotencyKey)
			if err != nil {
				return err
			}
			if prior != nil {
				result = prior
				return nil
			}
		}

		w, err := lockWallet(tx, walletID)
		if err != nil {
			return err
		}

		txn := models.Transaction{
			Type:           ref.Type,
			Status:         models.TxSuccess,
			Amount:         amount,
			DestWalletID:   &walletID,
			Reference:      uuid.NewString(),
			ExternalRef:    ref.ExternalRef,
			IdempotencyKey: ref.IdempotencyKey,
			Description:    ref.Description,
		}
		if err := tx.Create(&txn).Error; err != nil {
			return err
		}
		leg := models.LedgerEntry{TransactionID: txn.ID, WalletID: walletID, Amount: amount}
		if err := tx.Create(&leg).Error; err != nil {
			return err
		}
		if err := tx.Model(&models.Wallet{}).Where("id = ?", walletID).
			Update("balance", w.Balance+amount).Error; err != nil {
			return err
		}
		result = &txn
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Debit removes amount from a wallet with a single debit leg; the credit
// side is external (a withdrawal to a bank account). Fails with
// InsufficientFunds rather than taking the balance negative.
func (s *Service) Debit(ctx context.Context, walletID uint, amount int64, ref Ref) (*models.Transaction, error) {
	if amount <= 0 {
		return nil, apperr.New(apperr.KindValidation, "debit amount must be positive")
	}

	var result *models.Transaction
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if ref.IdempotencyKey != nil {
			prior, err := s.findByIdempotencyKey(tx, *ref.IdempotencyKey)
			if err != nil {
				return err
			}
			if prior != nil {
				result = prior
				return nil
			}
		}

		w, err := lockWallet(tx, walletID)
		if err != nil {
			return err
		}
		if w.Balance < amount {
			return apperr.Newf(apperr.KindInsufficientFunds,
				"wallet %d balance %d is below %d", walletID, w.Balance, amount)
		}

		txn := models.Transaction{
			Type:           ref.Type,
			Status:         models.TxSuccess,
			Amount:         amount,
			SourceWalletID: &walletID,
			Reference:      uuid.NewString(),
			ExternalRef:    ref.ExternalRef,
			IdempotencyKey: ref.IdempotencyKey,
			Description:    ref.Description,
		}
		if err := tx.Create(&txn).Error; err != nil {
			return err
		}
		leg := models.LedgerEntry{TransactionID: txn.ID, WalletID: walletID, Amount: -amount}
		if err := tx.Create(&leg).Error; err != nil {
			return err
		}
		if err := tx.Model(&models.Wallet{}).Where("id = ?", walletID).
			Update("balance", w.Balance-amount).Error; err != nil {
			return err
		}
		result = &txn
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Transfer moves amount between two internal wallets atomically: both legs
// commit or neither does. Calling again with the same idempotency key
// returns the original transaction without moving money again.
func (s *Service) Transfer(ctx context.Context, srcID, dstID uint, amount int64, idempotencyKey string, ref Ref) (*models.Transaction, error) {
	if amount <= 0 {
		return nil, apperr.New(apperr.KindValidation, "transfer amount must be positive")
	}
	if srcID == dstID {
		return nil, apperr.New(apperr.KindValidation, "transfer source and destination are the same wallet")
	}
	if idempotencyKey == "" {
		return nil, apperr.New(apperr.KindValidation, "transfer requires an idempotency key")
	}

	var result *models.Transaction
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		prior, err := s.findByIdempotencyKey(tx, idempotencyKey)
		if err != nil {
			return err
		}
		if prior != nil {
			result = prior
			return nil
		}

		// Lock in ascending wallet ID order so concurrent transfers between
		// the same pair cannot deadlock.
		first, second := srcID, dstID
		if second < first {
			first, second = second, first
		}
		wallets := map[uint]*models.Wallet{}
		for _, id := range []uint{first, second} {
			w, err := lockWallet(tx, id)
			if err != nil {
				return err
			}
			wallets[id] = w
		}

		src, dst := wallets[srcID], wallets[dstID]
		if src.Balance < amount {
			return apperr.Newf(apperr.KindInsufficientFunds,
				"wallet %d balance %d is below %d", srcID, src.Balance, amount)
		}
		if src.Currency != dst.Currency {
			return apperr.New(apperr.KindValidation, "transfer across currencies is not supported")
		}

		txnType := ref.Type
		if txnType == "" {
			txnType = models.TxTransfer
		}
		txn := models.Transaction{
			Type:           txnType,
			Status:         models.TxSuccess,
			Amount:         amount,
			SourceWalletID: &srcID,
			DestWalletID:   &dstID,
			Reference:      uuid.NewString(),
			ExternalRef:    ref.ExternalRef,
			IdempotencyKey: &idempotencyKey,
			Description:    ref.Description,
		}
		if err := tx.Create(&txn).Error; err != nil {
			return err
		}

		legs := []models.LedgerEntry{
			{TransactionID: txn.ID, WalletID: srcID, Amount: -amount},
			{TransactionID: txn.ID, WalletID: dstID, Amount: amount},
		}
		for i := range legs {
			if err := tx.Create(&legs[i]).Error; err != nil {
				return err
			}
		}
		if err := tx.Model(&models.Wallet{}).Where("id = ?", srcID).
			Update("balance", src.Balance-amount).Error; err != nil {
			return err
		}
		if err := tx.Model(&models.Wallet{}).Where("id = ?", dstID).
			Update("balance", dst.Balance+amount).Error; err != nil {
			return err
		}
		result = &txn
		return nil
	})
	if err != nil {
		// A concurrent call may have won the unique index race. The lookup
		// has to run after the rollback: on postgres the transaction is
		// already aborted once the insert fails.
		if isDuplicateKey(err) {
			if prior, lookupErr := s.findByIdempotencyKey(s.db.WithContext(ctx), idempotencyKey); lookupErr == nil && prior != nil {
				return prior, nil
			}
		}
		return nil, err
	}
	return result, nil
}

// InitiateDeposit opens a pending deposit: a header with our reference that
// the payment provider echoes back on its webhook. No leg is written until
// the provider confirms.
func (s *Service) InitiateDeposit(ctx context.Context, walletID uint, amount int64) (*models.Transaction, error) {
	if amount <= 0 {
		return nil, apperr.New(apperr.KindValidation, "deposit amount must be positive")
	}
	var w models.Wallet
	if err := s.db.WithContext(ctx).First(&w, walletID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.Newf(apperr.KindNotFound, "wallet %d not found", walletID)
		}
		return nil, err
	}

	txn := models.Transaction{
		Type:         models.TxDeposit,
		Status:       models.TxPending,
		Amount:       amount,
		DestWalletID: &walletID,
		Reference:    uuid.NewString(),
		Description:  "wallet deposit",
	}
	if err := s.db.WithContext(ctx).Create(&txn).Error; err != nil {
		return nil, err
	}
	return &txn, nil
}

// CompleteDeposit settles a pending deposit identified by our reference:
// marks it success, stores the provider's reference and credits the wallet,
// all in one database transaction. Settling an already-successful deposit is
// a no-op returning the original row.
func (s *Service) CompleteDeposit(ctx context.Context, reference string, externalRef string) (*models.Transaction, error) {
	var result *models.Transaction
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var txn models.Transaction
		if err := ForUpdate(tx).Where("reference = ?", reference).First(&txn).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperr.Newf(apperr.KindNotFound, "no transaction for reference %s", reference)
			}
			return err
		}
		if txn.Status == models.TxSuccess {
			result = &txn
			return nil
		}
		if txn.Status == models.TxFailed {
			return apperr.Newf(apperr.KindStateConflict, "deposit %s already failed", reference)
		}
		if txn.DestWalletID == nil {
			return apperr.Newf(apperr.KindInconsistency, "pending deposit %s has no destination wallet", reference)
		}

		w, err := lockWallet(tx, *txn.DestWalletID)
		if err != nil {
			return err
		}

		updates := map[string]any{
			"status":       models.TxSuccess,
			"external_ref": externalRef,
		}
		if err := tx.Model(&txn).Updates(updates).Error; err != nil {
			return err
		}
		leg := models.LedgerEntry{TransactionID: txn.ID, WalletID: w.ID, Amount: txn.Amount}
		if err := tx.Create(&leg).Error; err != nil {
			return err
		}
		if err := tx.Model(&models.Wallet{}).Where("id = ?", w.ID).
			Update("balance", w.Balance+txn.Amount).Error; err != nil {
			return err
		}
		txn.Status = models.TxSuccess
		txn.ExternalRef = &externalRef
		result = &txn
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// FailDeposit marks a pending deposit failed for audit; no leg is written.
func (s *Service) FailDeposit(ctx context.Context, reference string) error {
	res := s.db.WithContext(ctx).Model(&models.Transaction{}).
		Where("reference = ? AND status = ?", reference, models.TxPending).
		Update("status", models.TxFailed)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return apperr.Newf(apperr.KindStateConflict, "deposit %s is not pending", reference)
	}
	return nil
}

// FindByExternalRef returns the transaction carrying the provider's
// reference, or nil when unseen.
func (s *Service) FindByExternalRef(ctx context.Context, externalRef string) (*models.Transaction, error) {
	var txn models.Transaction
	err := s.db.WithContext(ctx).Where("external_ref = ?", externalRef).First(&txn).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &txn, nil
}

// CheckConsistency verifies the double-entry invariant for a transfer-style
// transaction: its legs must sum to zero.
func (s *Service) CheckConsistency(ctx context.Context, transactionID uint) error {
	var sum int64
	err := s.db.WithContext(ctx).Model(&models.LedgerEntry{}).
		Where("transaction_id = ?", transactionID).
		Select("COALESCE(SUM(amount), 0)").Scan(&sum).Error
	if err != nil {
		return err
	}
	if sum != 0 {
		return apperr.Newf(apperr.KindInconsistency,
			"transaction %d legs sum to %d, expected 0", transactionID, sum)
	}
	return nil
}
