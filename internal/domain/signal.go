package domain

import (
	"encoding/json"

	"github.com/google/uuid"
)

// Relay event names. These are the only message kinds the signaling relay
// carries; everything else (media) flows peer to peer once connected.
const (
	EventOffer     = "offer"
	EventAnswer    = "answer"
	EventCallEnded = "call-ended"
	EventPresence  = "presence"
)

// OfferSignal is published to the callee's user channel when a caller's
// peer connection produces its local offer. The SDP body is opaque to the
// server and carried through untouched.
type OfferSignal struct {
	Offer          json.RawMessage `json:"offer"`
	CallID         uuid.UUID       `json:"callId"`
	FromUserID     uuid.UUID       `json:"fromUserId"`
	CallType       CallKind        `json:"callType"`
	ConversationID uuid.UUID       `json:"conversationId"`
}

// AnswerSignal is published to the caller's user channel when the callee
// accepts and its peer connection produces the matching answer.
type AnswerSignal struct {
	Answer     json.RawMessage `json:"answer"`
	CallID     uuid.UUID       `json:"callId"`
	FromUserID uuid.UUID       `json:"fromUserId"`
}

// CallEndedSignal notifies the remote party that the call was finalized.
type CallEndedSignal struct {
	CallID     uuid.UUID  `json:"callId"`
	FromUserID uuid.UUID  `json:"fromUserId"`
	Status     CallStatus `json:"status"`
}

// PresenceSignal is broadcast on the shared presence channel whenever a
// user's online flag changes or a heartbeat confirms the user is alive.
type PresenceSignal struct {
	UserID   uuid.UUID `json:"userId"`
	IsOnline bool      `json:"isOnline"`
}
