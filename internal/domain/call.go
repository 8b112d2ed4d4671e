package domain

import (
	"time"

	"github.com/google/uuid"
)

// CallKind distinguishes audio-only calls from video calls.
type CallKind string

const (
	CallKindAudio CallKind = "AUDIO"
	CallKindVideo CallKind = "VIDEO"
)

// Valid reports whether k is a known call kind.
func (k CallKind) Valid() bool {
	return k == CallKindAudio || k == CallKindVideo
}

// CallStatus is the lifecycle status of a call record.
// A record only ever moves forward: CONNECTING -> ONGOING -> ENDED,
// or CONNECTING -> MISSED when it is finalized without being answered.
type CallStatus string

const (
	CallStatusConnecting CallStatus = "CONNECTING"
	CallStatusOngoing    CallStatus = "ONGOING"
	CallStatusEnded      CallStatus = "ENDED"
	CallStatusMissed     CallStatus = "MISSED"
)

// CallRecord is the durable record of one call attempt. It is the anchor
// every signaling message references by call ID, and the source of truth
// for call history. Once finalized (EndedAt set) it is never mutated again.
type CallRecord struct {
	CallID          uuid.UUID  `json:"call_id"`
	CallerID        uuid.UUID  `json:"caller_id"`
	CalleeID        uuid.UUID  `json:"callee_id"`
	ConversationID  uuid.UUID  `json:"conversation_id"`
	Kind            CallKind   `json:"call_type"`
	Status          CallStatus `json:"status"`
	StartedAt       time.Time  `json:"started_at"`
	AnsweredAt      *time.Time `json:"answered_at,omitempty"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	DurationSeconds *int       `json:"duration,omitempty"`
}

// Answered reports whether the call was ever answered.
func (c *CallRecord) Answered() bool {
	return c.AnsweredAt != nil
}

// Finalized reports whether the record has reached its terminal state.
func (c *CallRecord) Finalized() bool {
	return c.EndedAt != nil
}

// OtherParticipant returns the participant on the opposite side of the
// call from userID.
func (c *CallRecord) OtherParticipant(userID uuid.UUID) uuid.UUID {
	if userID == c.CalleeID {
		return c.CallerID
	}
	return c.CalleeID
}

// HasParticipant reports whether userID is one of the two call parties.
func (c *CallRecord) HasParticipant(userID uuid.UUID) bool {
	return userID == c.CallerID || userID == c.CalleeID
}
