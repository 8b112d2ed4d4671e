package presence

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/adityatekale27/chat-app/internal/domain"
	"github.com/adityatekale27/chat-app/internal/relay"
	apperrors "github.com/adityatekale27/chat-app/pkg/errors"
	"github.com/adityatekale27/chat-app/pkg/logger"
	"github.com/adityatekale27/chat-app/pkg/metrics"
)

// PresenceRepository is the durable presence store.
type PresenceRepository interface {
	Touch(ctx context.Context, userID uuid.UUID, now time.Time, debounce time.Duration) (bool, error)
	MarkStaleOffline(ctx context.Context, threshold time.Time) ([]uuid.UUID, error)
	Get(ctx context.Context, userID uuid.UUID) (*domain.PresenceEntry, error)
	ListOnline(ctx context.Context) ([]uuid.UUID, error)
}

// Service tracks user reachability. Heartbeats are the only promotion
// path and the sweep is the only demotion path: tab close, crash and
// network loss are indistinguishable, so all of them are handled
// uniformly by heartbeat expiry.
type Service struct {
	repo    PresenceRepository
	relay   relay.Publisher
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewService creates a new presence service. metrics may be nil.
func NewService(repo PresenceRepository, publisher relay.Publisher, m *metrics.Metrics) *Service {
	return &Service{
		repo:    repo,
		relay:   publisher,
		metrics: m,
		now:     time.Now,
	}
}

// Heartbeat records one client heartbeat. The stored row is refreshed at
// most once per debounce window, but an online presence event is published
// on the shared channel for every heartbeat so subscribed clients keep
// their local view current without polling.
func (s *Service) Heartbeat(ctx context.Context, userID uuid.UUID) error {
	if _, err := s.repo.Touch(ctx, userID, s.now(), domain.HeartbeatDebounce); err != nil {
		return apperrors.DatabaseError(err)
	}

	if s.metrics != nil {
		s.metrics.RecordHeartbeat()
	}

	signal := domain.PresenceSignal{UserID: userID, IsOnline: true}
	if err := s.relay.Publish(ctx, relay.PresenceChannel, domain.EventPresence, signal); err != nil {
		// The row is already refreshed; a lost event only delays other
		// clients' views until the next heartbeat.
		logger.Warn("Failed to publish heartbeat presence event",
			zap.String("user_id", userID.String()),
			zap.Error(err))
	}

	return nil
}

// Sweep demotes every user whose last heartbeat is older than the
// freshness window and publishes exactly one offline event per demoted
// user. Running it again before any new heartbeat demotes nobody and
// emits nothing. Returns the demoted user IDs.
func (s *Service) Sweep(ctx context.Context) ([]uuid.UUID, error) {
	threshold := s.now().Add(-domain.PresenceFreshnessWindow)

	demoted, err := s.repo.MarkStaleOffline(ctx, threshold)
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}

	if s.metrics != nil {
		s.metrics.RecordSweep(len(demoted))
	}

	for _, userID := range demoted {
		signal := domain.PresenceSignal{UserID: userID, IsOnline: false}
		if err := s.relay.Publish(ctx, relay.PresenceChannel, domain.EventPresence, signal); err != nil {
			logger.Warn("Failed to publish offline presence event",
				zap.String("user_id", userID.String()),
				zap.Error(err))
		}
	}

	if len(demoted) > 0 {
		logger.Info("Presence sweep demoted stale users", zap.Int("count", len(demoted)))
	}

	return demoted, nil
}

// RunSweeper runs the sweep on a fixed interval until ctx is cancelled.
// Deployments using an external cron can hit the sweep endpoint instead.
func (s *Service) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				logger.Error("Presence sweep failed", zap.Error(err))
			}
		}
	}
}

// IsOnline reports a user's reachability. The answer is derived from the
// stored flag, which the sweep keeps consistent with the freshness window.
func (s *Service) IsOnline(ctx context.Context, userID uuid.UUID) (*domain.PresenceEntry, error) {
	entry, err := s.repo.Get(ctx, userID)
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}
	return entry, nil
}

// OnlineUsers returns all users currently marked online.
func (s *Service) OnlineUsers(ctx context.Context) ([]uuid.UUID, error) {
	online, err := s.repo.ListOnline(ctx)
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}
	if s.metrics != nil {
		s.metrics.SetOnlineUsers(len(online))
	}
	return online, nil
}
