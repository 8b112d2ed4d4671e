package call

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adityatekale27/chat-app/internal/domain"
	"github.com/adityatekale27/chat-app/internal/relay"
)

func mustEnvelope(t *testing.T, event string, payload any) []byte {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	raw, err := json.Marshal(relay.Envelope{Event: event, Data: data})
	require.NoError(t, err)
	return raw
}

func TestDispatch_OfferReachesManager(t *testing.T) {
	h := newHarness(t)
	l := NewListener("", h.b, nil)

	callID := uuid.New()
	l.dispatch(mustEnvelope(t, domain.EventOffer, domain.OfferSignal{
		Offer:      json.RawMessage(`{"type":"offer"}`),
		CallID:     callID,
		FromUserID: h.aID,
		CallType:   domain.CallKindAudio,
	}))

	incoming := h.b.Snapshot().IncomingOffer
	require.NotNil(t, incoming)
	assert.Equal(t, callID, incoming.CallID)
}

func TestDispatch_PresenceCallback(t *testing.T) {
	h := newHarness(t)

	var got *domain.PresenceSignal
	l := NewListener("", h.b, func(sig *domain.PresenceSignal) { got = sig })

	userID := uuid.New()
	l.dispatch(mustEnvelope(t, domain.EventPresence, domain.PresenceSignal{
		UserID:   userID,
		IsOnline: true,
	}))

	require.NotNil(t, got)
	assert.Equal(t, userID, got.UserID)
	assert.True(t, got.IsOnline)
}

func TestDispatch_MalformedAndUnknownIgnored(t *testing.T) {
	h := newHarness(t)
	l := NewListener("", h.b, nil)

	l.dispatch([]byte(`not json`))
	l.dispatch(mustEnvelope(t, "unknown-event", map[string]string{"x": "y"}))
	l.dispatch([]byte(`{"event":"offer","data":"garbage"}`))

	assert.Nil(t, h.b.Snapshot().IncomingOffer)
	assert.Equal(t, StateIdle, h.b.Snapshot().State)
}
