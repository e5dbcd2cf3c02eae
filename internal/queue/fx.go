package queue

import (
	"github.com/smallbiznis/meterflow/internal/config"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/fx"
)

var Module = fx.Module("queue",
	fx.Provide(NewRedisClient),
	fx.Provide(ProvideQueue),
	fx.Provide(NewConsumer),
)

func NewRedisClient(cfg config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

func ProvideQueue(client *redis.Client, cfg config.Config, log *zap.Logger) *Queue {
	return New(client, Config{
		Namespace:    cfg.Queue.Namespace,
		PollInterval: cfg.Queue.PollInterval,
		LeaseTTL:     cfg.Queue.LeaseTTL,
		MaxAttempts:  cfg.Queue.MaxAttempts,
		RetryBase:    cfg.Queue.RetryBase,
	}, log)
}
