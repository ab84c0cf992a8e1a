package configs

import (
	"errors"
	"time"

	"github.com/koredeycode/contri-api/internal/logger"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

type Config struct {
	Server struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"server"`
	DB struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"db"`
	Redis struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"redis"`
	JWT struct {
		SECRET string `mapstructure:"secret"`
	} `mapstructure:"jwt"`
	Webhook struct {
		Secret string `mapstructure:"secret"`
	} `mapstructure:"webhook"`
	Scheduler struct {
		Interval time.Duration `mapstructure:"interval"`
	} `mapstructure:"scheduler"`
	Circle struct {
		MinMembers            int           `mapstructure:"min_members"`
		RequireFullCollection bool          `mapstructure:"require_full_collection"`
		PayoutMaxAttempts     int           `mapstructure:"payout_max_attempts"`
		PayoutBackoff         time.Duration `mapstructure:"payout_backoff"`
		CancelOnPayoutFailure bool          `mapstructure:"cancel_on_payout_failure"`
	} `mapstructure:"circle"`
}

var AppConfig Config

func LoadConfig() {
	viper.AddConfigPath("./configs")
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	viper.SetDefault("server.addr", ":8080")
	viper.SetDefault("scheduler.interval", time.Minute)
	viper.SetDefault("circle.min_members", 2)
	viper.SetDefault("circle.payout_max_attempts", 5)
	viper.SetDefault("circle.payout_backoff", 2*time.Second)
	viper.SetDefault("circle.cancel_on_payout_failure", true)

	viper.AutomaticEnv()

	var fileLookupError viper.ConfigFileNotFoundError
	if err := viper.ReadInConfig(); err != nil {
		if errors.As(err, &fileLookupError) {
			logger.Log.Fatal("config file not found", zap.Error(err))
		}
		logger.Log.Fatal("failed to read config", zap.Error(err))
	}

	viper.Unmarshal(&AppConfig)
}
