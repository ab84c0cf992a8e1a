package store

import (
	"context"

	"github.com/koredeycode/contri-api/configs"
	"github.com/koredeycode/contri-api/internal/logger"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RDB is nil when redis is not configured or unreachable; callers treat it
// as an optional fast path, the database stays authoritative.
var RDB *redis.Client

func ConnectRedis() {
	addr := configs.AppConfig.Redis.Addr
	if addr == "" {
		logger.Log.Warn("redis.addr not set, webhook dedupe cache disabled")
		return
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	if _, err := client.Ping(context.Background()).Result(); err != nil {
		logger.Log.Error("failed to connect to redis, continuing without cache", zap.Error(err))
		return
	}

	RDB = client
	logger.Log.Info("connected to redis", zap.String("addr", addr))
}
