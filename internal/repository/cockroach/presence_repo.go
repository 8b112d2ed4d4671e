package cockroach

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/adityatekale27/chat-app/internal/domain"
)

// PresenceRepository handles user presence rows. Heartbeats promote a
// user to online; only the sweep demotes. Rows are never deleted, an
// absent row reads as offline.
type PresenceRepository struct {
	pool *pgxpool.Pool
}

// NewPresenceRepository creates a new presence repository
func NewPresenceRepository(pool *pgxpool.Pool) *PresenceRepository {
	return &PresenceRepository{pool: pool}
}

// Touch records a heartbeat. The last_active_at refresh is debounced: the
// row is rewritten only when the user is currently offline or the previous
// update is older than the debounce window, bounding write volume at one
// row write per user per window. Returns whether a write happened.
func (r *PresenceRepository) Touch(ctx context.Context, userID uuid.UUID, now time.Time, debounce time.Duration) (bool, error) {
	query := `
		INSERT INTO user_presence (user_id, last_active_at, is_online)
		VALUES ($1, $2, true)
		ON CONFLICT (user_id) DO UPDATE
		SET last_active_at = EXCLUDED.last_active_at, is_online = true
		WHERE user_presence.is_online = false
		   OR user_presence.last_active_at < $3
	`

	tag, err := r.pool.Exec(ctx, query, userID, now.UTC(), now.UTC().Add(-debounce))
	if err != nil {
		return false, fmt.Errorf("failed to record heartbeat: %w", err)
	}

	return tag.RowsAffected() > 0, nil
}

// MarkStaleOffline demotes every online user whose last heartbeat is older
// than threshold and returns the demoted user IDs. The WHERE clause makes
// the sweep idempotent: a second run before any new heartbeat matches no
// rows, so no duplicate presence events are emitted.
func (r *PresenceRepository) MarkStaleOffline(ctx context.Context, threshold time.Time) ([]uuid.UUID, error) {
	query := `
		UPDATE user_presence
		SET is_online = false
		WHERE is_online = true AND last_active_at < $1
		RETURNING user_id
	`

	rows, err := r.pool.Query(ctx, query, threshold.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to demote stale users: %w", err)
	}
	defer rows.Close()

	var demoted []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan demoted user: %w", err)
		}
		demoted = append(demoted, id)
	}

	return demoted, rows.Err()
}

// Get retrieves a user's presence entry. A missing row is returned as an
// offline entry rather than an error.
func (r *PresenceRepository) Get(ctx context.Context, userID uuid.UUID) (*domain.PresenceEntry, error) {
	query := `SELECT user_id, last_active_at, is_online FROM user_presence WHERE user_id = $1`

	entry := &domain.PresenceEntry{}
	err := r.pool.QueryRow(ctx, query, userID).Scan(&entry.UserID, &entry.LastActiveAt, &entry.Online)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return &domain.PresenceEntry{UserID: userID, Online: false}, nil
		}
		return nil, fmt.Errorf("failed to get presence: %w", err)
	}

	return entry, nil
}

// ListOnline returns the IDs of all users currently marked online.
func (r *PresenceRepository) ListOnline(ctx context.Context) ([]uuid.UUID, error) {
	query := `SELECT user_id FROM user_presence WHERE is_online = true`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list online users: %w", err)
	}
	defer rows.Close()

	var online []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan online user: %w", err)
		}
		online = append(online, id)
	}

	return online, rows.Err()
}
