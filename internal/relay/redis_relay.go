package relay

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	apperrors "github.com/adityatekale27/chat-app/pkg/errors"
	"github.com/adityatekale27/chat-app/pkg/logger"
	"github.com/adityatekale27/chat-app/pkg/metrics"
)

// RedisRelay publishes signaling envelopes over Redis Pub/Sub. Redis
// preserves publish order per channel, which is the only ordering
// guarantee the relay contract makes.
type RedisRelay struct {
	client  *redis.Client
	metrics *metrics.Metrics
}

// NewRedisRelay creates a Redis-backed relay publisher. metrics may be nil.
func NewRedisRelay(client *redis.Client, m *metrics.Metrics) *RedisRelay {
	return &RedisRelay{client: client, metrics: m}
}

// Publish marshals the payload into an envelope and publishes it on the
// channel. Failures are wrapped as signaling errors and never retried.
func (r *RedisRelay) Publish(ctx context.Context, channel, event string, payload any) error {
	env, err := NewEnvelope(event, payload)
	if err != nil {
		return apperrors.SignalingPublishError(err)
	}

	frame, err := json.Marshal(env)
	if err != nil {
		return apperrors.SignalingPublishError(err)
	}

	err = r.client.Publish(ctx, channel, frame).Err()
	if r.metrics != nil {
		r.metrics.RecordRelayPublish(event, err)
	}
	if err != nil {
		logger.Error("Relay publish failed",
			zap.String("channel", channel),
			zap.String("event", event),
			zap.Error(err))
		return apperrors.SignalingPublishError(err)
	}

	return nil
}
