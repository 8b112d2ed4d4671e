package domain

import (
	"time"

	"github.com/google/uuid"
)

// PresenceEntry is one user's reachability row. Online is a stored flag
// kept consistent with LastActiveAt by the heartbeat path (promotes) and
// the sweep job (demotes). Absence of a row is equivalent to offline.
type PresenceEntry struct {
	UserID       uuid.UUID `json:"user_id"`
	LastActiveAt time.Time `json:"last_active_at"`
	Online       bool      `json:"is_online"`
}

// PresenceFreshnessWindow is how long a heartbeat keeps a user online.
// A user whose last heartbeat is older than this is considered stale and
// will be demoted by the next sweep.
const PresenceFreshnessWindow = 2 * time.Minute

// HeartbeatDebounce bounds presence write volume: a heartbeat refreshes
// last_active_at only if at least this much time has passed since the
// previous recorded update.
const HeartbeatDebounce = 1 * time.Minute
