package presence

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/adityatekale27/chat-app/internal/domain"
	"github.com/adityatekale27/chat-app/internal/relay"
	"github.com/adityatekale27/chat-app/pkg/logger"
)

func TestMain(m *testing.M) {
	logger.InitDefault()
	m.Run()
}

// Mocks

type MockPresenceRepository struct {
	mock.Mock
}

func (m *MockPresenceRepository) Touch(ctx context.Context, userID uuid.UUID, now time.Time, debounce time.Duration) (bool, error) {
	args := m.Called(ctx, userID, now, debounce)
	return args.Bool(0), args.Error(1)
}

func (m *MockPresenceRepository) MarkStaleOffline(ctx context.Context, threshold time.Time) ([]uuid.UUID, error) {
	args := m.Called(ctx, threshold)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]uuid.UUID), args.Error(1)
}

func (m *MockPresenceRepository) Get(ctx context.Context, userID uuid.UUID) (*domain.PresenceEntry, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.PresenceEntry), args.Error(1)
}

func (m *MockPresenceRepository) ListOnline(ctx context.Context) ([]uuid.UUID, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]uuid.UUID), args.Error(1)
}

type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Publish(ctx context.Context, channel, event string, payload any) error {
	args := m.Called(ctx, channel, event, payload)
	return args.Error(0)
}

// Tests

func TestHeartbeat_AlwaysPublishesOnlineEvent(t *testing.T) {
	repo := new(MockPresenceRepository)
	pub := new(MockPublisher)
	svc := NewService(repo, pub, nil)

	userID := uuid.New()

	// Debounced away: no row write, but the event still goes out.
	repo.On("Touch", mock.Anything, userID, mock.Anything, domain.HeartbeatDebounce).Return(false, nil)
	pub.On("Publish", mock.Anything, relay.PresenceChannel, domain.EventPresence,
		domain.PresenceSignal{UserID: userID, IsOnline: true}).Return(nil)

	require.NoError(t, svc.Heartbeat(context.Background(), userID))
	repo.AssertExpectations(t)
	pub.AssertExpectations(t)
}

func TestSweep_OneEventPerDemotedUser(t *testing.T) {
	repo := new(MockPresenceRepository)
	pub := new(MockPublisher)
	svc := NewService(repo, pub, nil)

	stale1 := uuid.New()
	stale2 := uuid.New()

	repo.On("MarkStaleOffline", mock.Anything, mock.MatchedBy(func(threshold time.Time) bool {
		// Threshold sits one freshness window in the past.
		age := time.Since(threshold)
		return age > domain.PresenceFreshnessWindow-5*time.Second &&
			age < domain.PresenceFreshnessWindow+5*time.Second
	})).Return([]uuid.UUID{stale1, stale2}, nil)

	pub.On("Publish", mock.Anything, relay.PresenceChannel, domain.EventPresence,
		domain.PresenceSignal{UserID: stale1, IsOnline: false}).Return(nil).Once()
	pub.On("Publish", mock.Anything, relay.PresenceChannel, domain.EventPresence,
		domain.PresenceSignal{UserID: stale2, IsOnline: false}).Return(nil).Once()

	demoted, err := svc.Sweep(context.Background())
	require.NoError(t, err)
	assert.Len(t, demoted, 2)
	pub.AssertExpectations(t)
}

func TestSweep_RepeatBeforeNewHeartbeatIsNoOp(t *testing.T) {
	repo := new(MockPresenceRepository)
	pub := new(MockPublisher)
	svc := NewService(repo, pub, nil)

	// The repository already demoted everyone; the second run matches nothing.
	repo.On("MarkStaleOffline", mock.Anything, mock.Anything).Return([]uuid.UUID{}, nil)

	demoted, err := svc.Sweep(context.Background())
	require.NoError(t, err)
	assert.Empty(t, demoted)
	pub.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestIsOnline_MissingRowReadsOffline(t *testing.T) {
	repo := new(MockPresenceRepository)
	pub := new(MockPublisher)
	svc := NewService(repo, pub, nil)

	userID := uuid.New()
	repo.On("Get", mock.Anything, userID).Return(&domain.PresenceEntry{UserID: userID, Online: false}, nil)

	entry, err := svc.IsOnline(context.Background(), userID)
	require.NoError(t, err)
	assert.False(t, entry.Online)
}
