package store

import (
	"github.com/koredeycode/contri-api/configs"
	"github.com/koredeycode/contri-api/internal/logger"
	"github.com/koredeycode/contri-api/internal/models"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

var DB *gorm.DB

func NewDB() {
	dsn := configs.AppConfig.DB.DSN
	db, err := gorm.Open(postgres.New(postgres.Config{
		DSN:                  dsn,
		PreferSimpleProtocol: false,
	}), &gorm.Config{})
	if err != nil {
		logger.Log.Fatal("failed to connect to database", zap.Error(err))
	}
	DB = db
	logger.Log.Info("connected to the database")
}

func DBMigrate() {
	if err := Migrate(DB); err != nil {
		logger.Log.Fatal("migrations failed", zap.Error(err))
	}
	logger.Log.Info("migrations loaded")
}

// Migrate applies the schema to any gorm DB; tests reuse it against sqlite.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.User{},
		&models.Wallet{},
		&models.Transaction{},
		&models.LedgerEntry{},
		&models.Circle{},
		&models.CircleMember{},
		&models.Contribution{},
		&models.Notification{},
		&models.AuditLog{},
	)
}
