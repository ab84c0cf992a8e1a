package seed

import (
	"golang.org/x/crypto/bcrypt"

	"github.com/koredeycode/contri-api/internal/logger"
	"github.com/koredeycode/contri-api/internal/models"
	"github.com/koredeycode/contri-api/internal/store"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	seedPassword = "password123"
	// 50,000.00 NGN in kobo, enough for several contribution cycles.
	initialBalance = int64(5_000_000)
)

var testUsers = []struct {
	Name  string
	Email string
}{
	{"Ade Host", "ade@test.com"},
	{"Bola Member", "bola@test.com"},
	{"Chidi Member", "chidi@test.com"},
}

// Run creates three funded demo users for local development. Funding goes
// through a seed transaction with a single credit leg, the same shape a
// provider deposit settles into.
func Run() {
	db := store.DB
	var count int64
	if err := db.Model(&models.User{}).
		Where("email IN ?", []string{"ade@test.com", "bola@test.com", "chidi@test.com"}).
		Count(&count).Error; err != nil {
		logger.Log.Fatal("seed check failed", zap.Error(err))
	}
	if count >= int64(len(testUsers)) {
		logger.Log.Info("seed already applied, skipping")
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(seedPassword), bcrypt.DefaultCost)
	if err != nil {
		logger.Log.Fatal("failed to hash seed password", zap.Error(err))
	}
	hashed := string(hash)

	err = db.Transaction(func(tx *gorm.DB) error {
		for _, u := range testUsers {
			user := models.User{Name: u.Name, Email: u.Email, Password: hashed}
			if err := tx.Create(&user).Error; err != nil {
				return err
			}
			wallet := models.Wallet{UserID: &user.ID, Balance: initialBalance, Currency: "NGN"}
			if err := tx.Create(&wallet).Error; err != nil {
				return err
			}

			txn := models.Transaction{
				Type:         models.TxDeposit,
				Status:       models.TxSuccess,
				Amount:       initialBalance,
				DestWalletID: &wallet.ID,
				Reference:    "seed-" + u.Email,
				Description:  "seed opening balance",
			}
			if err := tx.Create(&txn).Error; err != nil {
				return err
			}
			leg := models.LedgerEntry{TransactionID: txn.ID, WalletID: wallet.ID, Amount: initialBalance}
			if err := tx.Create(&leg).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		logger.Log.Fatal("seed failed", zap.Error(err))
	}
	logger.Log.Info("seeded demo users", zap.String("password", seedPassword))
}
