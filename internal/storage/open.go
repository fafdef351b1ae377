package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

type OpenOptions struct {
	Backend    string
	MaxRetries int
	// Redis is required for the redis backend. The store owns it afterwards.
	Redis       *redis.Client
	RedisPrefix string
	PGDSN       string
	Migrate     bool
}

// Open builds the configured backend and checks it is reachable.
func Open(ctx context.Context, o OpenOptions, logger *slog.Logger) (Store, error) {
	switch o.Backend {
	case BackendRedis:
		if o.Redis == nil {
			return nil, errors.New("redis store needs a redis client")
		}
		s := NewRedisStoreFromClient(o.Redis, o.RedisPrefix, o.MaxRetries, logger)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := s.Ping(pingCtx); err != nil {
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		return s, nil
	case BackendPostgres:
		s, err := NewPostgresStore(o.PGDSN, o.MaxRetries, logger)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		if o.Migrate {
			if err := s.Migrate(ctx); err != nil {
				s.Close()
				return nil, fmt.Errorf("migrate: %w", err)
			}
			logger.Info("postgres schema applied")
		}
		return s, nil
	case BackendMemory, "":
		logger.Warn("using in-memory store; data is lost on restart")
		return NewMemoryStore(), nil
	}
	return nil, fmt.Errorf("unknown store backend %q", o.Backend)
}
