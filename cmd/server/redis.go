package main

import (
	"context"

	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"fulfillment/cmd/server/config"
	"fulfillment/internal/observability"
)

// buildRedis connects to Redis and pings it within the healthcheck timeout.
func buildRedis(ctx context.Context, cfg config.RedisConfig, log zerolog.Logger) (*redis.Client, func(), error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, nil, err
	}
	if cfg.DialTimeout != nil {
		opts.DialTimeout = *cfg.DialTimeout
	}
	if cfg.ReadTimeout != nil {
		opts.ReadTimeout = *cfg.ReadTimeout
	}
	if cfg.WriteTimeout != nil {
		opts.WriteTimeout = *cfg.WriteTimeout
	}
	if cfg.PoolSize != nil {
		opts.PoolSize = *cfg.PoolSize
	}
	if cfg.MaxRetries != nil {
		opts.MaxRetries = *cfg.MaxRetries
	}

	client := redis.NewClient(opts)
	if cfg.EnableOTel {
		if err := redisotel.InstrumentTracing(client); err != nil {
			_ = client.Close()
			return nil, nil, err
		}
	}
	if err := redisCheck(client, cfg)(ctx); err != nil {
		_ = client.Close()
		return nil, nil, err
	}

	cleanup := func() {
		if err := client.Close(); err != nil {
			log.Error().Err(err).Msg("close redis")
		}
	}
	return client, cleanup, nil
}

func redisCheck(client redis.UniversalClient, cfg config.RedisConfig) observability.Check {
	return func(ctx context.Context) error {
		if cfg.HealthcheckTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, cfg.HealthcheckTimeout)
			defer cancel()
		}
		return client.Ping(ctx).Err()
	}
}
