package database

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/adityatekale27/chat-app/pkg/logger"
)

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	PoolSize int
	Timeout  time.Duration
}

// RedisClient wraps the Redis client with degraded mode tracking. The
// relay depends on Redis for delivery; when it is unreachable publishes
// fail fast and the call path surfaces a signaling error instead of
// retrying against a diverged state machine.
type RedisClient struct {
	Client *redis.Client

	degradedMode   bool
	degradedModeMu sync.RWMutex
}

// NewRedisDB creates a new Redis client from config
func NewRedisDB(cfg *RedisConfig) (*RedisClient, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
		DialTimeout:  cfg.Timeout,
	})

	return &RedisClient{Client: client}, nil
}

// Close closes the Redis client connection
func (r *RedisClient) Close() {
	r.Client.Close()
}

// IsDegraded returns true if the last health check failed
func (r *RedisClient) IsDegraded() bool {
	r.degradedModeMu.RLock()
	defer r.degradedModeMu.RUnlock()
	return r.degradedMode
}

// HealthCheck pings Redis and updates degraded mode state
func (r *RedisClient) HealthCheck(ctx context.Context) error {
	err := r.Client.Ping(ctx).Err()

	r.degradedModeMu.Lock()
	wasDegraded := r.degradedMode
	r.degradedMode = err != nil
	r.degradedModeMu.Unlock()

	if err != nil && !wasDegraded {
		logger.Warn("Redis entered degraded mode", zap.Error(err))
	}
	if err == nil && wasDegraded {
		logger.Info("Redis recovered from degraded mode")
	}

	return err
}

// StartHealthCheck starts a background goroutine that periodically checks
// Redis health until the context is cancelled
func (r *RedisClient) StartHealthCheck(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				checkCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				_ = r.HealthCheck(checkCtx)
				cancel()
			}
		}
	}()
}
