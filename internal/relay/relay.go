// Package relay is the signaling relay: a publish/subscribe fabric
// addressed by per-user channels plus one shared presence channel.
// Delivery is fire-and-forget and best-effort; there is no persistence,
// so a recipient not subscribed at publish time never sees the message.
// Publish order is preserved within a single channel only.
package relay

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// PresenceChannel is the shared channel all connected clients subscribe
// to for online/offline events.
const PresenceChannel = "presence"

// UserChannel returns the per-user signaling channel name. Per-user
// addressing (rather than per-conversation broadcast) keeps a user
// reachable regardless of which conversation their client is viewing.
func UserChannel(userID uuid.UUID) string {
	return fmt.Sprintf("user:%s", userID)
}

// Envelope is the wire frame carried on every relay channel.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// NewEnvelope marshals a payload into a relay envelope.
func NewEnvelope(event string, payload any) (*Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", event, err)
	}
	return &Envelope{Event: event, Data: data}, nil
}

// Publisher delivers signaling messages to whoever is currently
// subscribed to a channel. Implementations must not retry on failure:
// the caller decides whether a failed publish is fatal for the call.
type Publisher interface {
	Publish(ctx context.Context, channel, event string, payload any) error
}
