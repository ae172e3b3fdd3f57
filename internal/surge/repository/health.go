package repository

import (
	"github.com/go-redis/redis"
	"github.com/pkg/errors"
)

// RedisHealth reports healthy while the backing Redis responds to pings.
type RedisHealth struct {
	db redis.UniversalClient
}

func NewRedisHealth(db redis.UniversalClient) *RedisHealth {
	return &RedisHealth{db: db}
}

func (r *RedisHealth) Check() error {
	return errors.WithMessage(r.db.Ping().Err(), "redis health check failed")
}
