package call

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adityatekale27/chat-app/internal/domain"
	apperrors "github.com/adityatekale27/chat-app/pkg/errors"
	"github.com/adityatekale27/chat-app/pkg/logger"
)

func TestMain(m *testing.M) {
	logger.InitDefault()
	m.Run()
}

// fakeTrack records enable toggles and stops.
type fakeTrack struct {
	mu      sync.Mutex
	kind    string
	enabled bool
	stopped bool
}

func (t *fakeTrack) Kind() string { return t.kind }

func (t *fakeTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *fakeTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = enabled
}

func (t *fakeTrack) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
}

func (t *fakeTrack) isStopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

type fakeStream struct {
	tracks []*fakeTrack
}

func (s *fakeStream) Tracks() []MediaTrack {
	tracks := make([]MediaTrack, len(s.tracks))
	for i, t := range s.tracks {
		tracks[i] = t
	}
	return tracks
}

func (s *fakeStream) Stop() {
	for _, t := range s.tracks {
		t.Stop()
	}
}

func (s *fakeStream) allStopped() bool {
	for _, t := range s.tracks {
		if !t.isStopped() {
			return false
		}
	}
	return true
}

// fakeMedia hands out streams and remembers them so tests can verify
// every acquired track was released.
type fakeMedia struct {
	mu      sync.Mutex
	err     error
	hang    bool
	streams []*fakeStream
}

func (m *fakeMedia) GetUserMedia(ctx context.Context, audio, video bool) (MediaStream, error) {
	if m.err != nil {
		return nil, m.err
	}
	if m.hang {
		// Stands in for a permission prompt nobody answers.
		<-ctx.Done()
		return nil, ctx.Err()
	}
	stream := &fakeStream{}
	if audio {
		stream.tracks = append(stream.tracks, &fakeTrack{kind: TrackKindAudio, enabled: true})
	}
	if video {
		stream.tracks = append(stream.tracks, &fakeTrack{kind: TrackKindVideo, enabled: true})
	}
	m.mu.Lock()
	m.streams = append(m.streams, stream)
	m.mu.Unlock()
	return stream, nil
}

func (m *fakeMedia) allReleased() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.streams {
		if !s.allStopped() {
			return false
		}
	}
	return true
}

// fakePeer emits a local description on creation (initiator) or when the
// remote offer is applied (responder), and connects once the far side's
// description lands.
type fakePeer struct {
	mu        sync.Mutex
	initiator bool
	events    chan PeerEvent
	closed    bool
	signalErr error
}

func newFakePeer(initiator bool) *fakePeer {
	p := &fakePeer{initiator: initiator, events: make(chan PeerEvent, 16)}
	if initiator {
		p.events <- PeerEvent{Kind: PeerSignalProduced, Signal: json.RawMessage(`{"type":"offer"}`)}
	}
	return p
}

func (p *fakePeer) Events() <-chan PeerEvent { return p.events }

func (p *fakePeer) Signal(remote json.RawMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.signalErr != nil {
		return p.signalErr
	}
	if p.closed {
		return errors.New("peer closed")
	}
	if p.initiator {
		// Answer applied, handshake completes.
		p.events <- PeerEvent{Kind: PeerStreamReceived, Stream: &fakeStream{}}
		p.events <- PeerEvent{Kind: PeerConnected}
	} else {
		p.events <- PeerEvent{Kind: PeerSignalProduced, Signal: json.RawMessage(`{"type":"answer"}`)}
		p.events <- PeerEvent{Kind: PeerStreamReceived, Stream: &fakeStream{}}
		p.events <- PeerEvent{Kind: PeerConnected}
	}
	return nil
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.events)
	}
	return nil
}

type fakePeerFactory struct {
	mu    sync.Mutex
	err   error
	peers []*fakePeer
}

func (f *fakePeerFactory) NewPeerConnection(initiator bool, _ MediaStream) (PeerConnection, error) {
	if f.err != nil {
		return nil, f.err
	}
	p := newFakePeer(initiator)
	f.mu.Lock()
	f.peers = append(f.peers, p)
	f.mu.Unlock()
	return p, nil
}

// fakeBackend is an in-memory stand-in for the signaling service: it
// owns the call records and routes signals straight into the registered
// managers, exactly as the server-side relay would.
type fakeBackend struct {
	mu       sync.Mutex
	clock    time.Time
	records  map[uuid.UUID]*domain.CallRecord
	managers map[uuid.UUID]*Manager
	endCalls map[uuid.UUID]int
	offerErr error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		clock:    time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		records:  make(map[uuid.UUID]*domain.CallRecord),
		managers: make(map[uuid.UUID]*Manager),
		endCalls: make(map[uuid.UUID]int),
	}
}

func (b *fakeBackend) advance(d time.Duration) {
	b.mu.Lock()
	b.clock = b.clock.Add(d)
	b.mu.Unlock()
}

func (b *fakeBackend) record(callID uuid.UUID) domain.CallRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	return *b.records[callID]
}

func (b *fakeBackend) gatewayFor(userID uuid.UUID) *fakeGateway {
	return &fakeGateway{backend: b, userID: userID}
}

type fakeGateway struct {
	backend *fakeBackend
	userID  uuid.UUID
}

func (g *fakeGateway) Offer(_ context.Context, in *GatewayOffer) (*domain.CallRecord, error) {
	b := g.backend
	b.mu.Lock()
	if b.offerErr != nil {
		err := b.offerErr
		b.mu.Unlock()
		return nil, err
	}
	rec := &domain.CallRecord{
		CallID:         uuid.New(),
		CallerID:       g.userID,
		CalleeID:       in.CalleeID,
		ConversationID: in.ConversationID,
		Kind:           in.CallType,
		Status:         domain.CallStatusConnecting,
		StartedAt:      b.clock,
	}
	b.records[rec.CallID] = rec
	callee := b.managers[in.CalleeID]
	b.mu.Unlock()

	if callee != nil {
		callee.HandleOffer(&domain.OfferSignal{
			Offer:          in.Offer,
			CallID:         rec.CallID,
			FromUserID:     g.userID,
			CallType:       in.CallType,
			ConversationID: in.ConversationID,
		})
	}

	copied := *rec
	return &copied, nil
}

func (g *fakeGateway) Answer(_ context.Context, callID uuid.UUID, answer json.RawMessage) (*domain.CallRecord, error) {
	b := g.backend
	b.mu.Lock()
	rec, ok := b.records[callID]
	if !ok {
		b.mu.Unlock()
		return nil, apperrors.CallNotFoundError()
	}
	if rec.Finalized() {
		b.mu.Unlock()
		return nil, apperrors.StaleSignalError("call already finalized")
	}
	if rec.AnsweredAt == nil {
		answeredAt := b.clock
		rec.AnsweredAt = &answeredAt
		rec.Status = domain.CallStatusOngoing
	}
	caller := b.managers[rec.CallerID]
	b.mu.Unlock()

	if caller != nil {
		caller.HandleAnswer(&domain.AnswerSignal{
			Answer:     answer,
			CallID:     callID,
			FromUserID: g.userID,
		})
	}

	copied := *rec
	return &copied, nil
}

func (g *fakeGateway) End(_ context.Context, callID uuid.UUID) (*domain.CallRecord, error) {
	b := g.backend
	b.mu.Lock()
	rec, ok := b.records[callID]
	if !ok {
		b.mu.Unlock()
		return nil, apperrors.CallNotFoundError()
	}
	b.endCalls[callID]++
	first := !rec.Finalized()
	if first {
		endedAt := b.clock
		rec.EndedAt = &endedAt
		if rec.AnsweredAt != nil {
			rec.Status = domain.CallStatusEnded
			duration := int(endedAt.Sub(*rec.AnsweredAt).Seconds())
			rec.DurationSeconds = &duration
		} else {
			rec.Status = domain.CallStatusMissed
		}
	}
	other := rec.OtherParticipant(g.userID)
	remote := b.managers[other]
	status := rec.Status
	b.mu.Unlock()

	if first && remote != nil {
		remote.HandleCallEnded(&domain.CallEndedSignal{
			CallID:     callID,
			FromUserID: g.userID,
			Status:     status,
		})
	}

	copied := *rec
	return &copied, nil
}

// harness wires two managers through one backend.
type harness struct {
	backend *fakeBackend
	media   map[uuid.UUID]*fakeMedia
	a, b    *Manager
	aID     uuid.UUID
	bID     uuid.UUID
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		backend: newFakeBackend(),
		media:   make(map[uuid.UUID]*fakeMedia),
		aID:     uuid.New(),
		bID:     uuid.New(),
	}
	h.a = h.newManager(h.aID, 0)
	h.b = h.newManager(h.bID, 0)
	return h
}

func (h *harness) newManager(userID uuid.UUID, offerTimeout time.Duration) *Manager {
	media := &fakeMedia{}
	h.media[userID] = media
	m := NewManager(userID, media, &fakePeerFactory{}, h.backend.gatewayFor(userID), offerTimeout)
	h.backend.mu.Lock()
	h.backend.managers[userID] = m
	h.backend.mu.Unlock()
	return m
}

func waitForState(t *testing.T, m *Manager, want State) {
	t.Helper()
	require.Eventually(t, func() bool {
		return m.Snapshot().State == want
	}, 2*time.Second, 5*time.Millisecond, "manager never reached %s", want)
}

func TestStartCall_SecondCallRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.a.StartCall(ctx, domain.CallKindAudio, uuid.New(), h.bID))
	assert.Equal(t, StateOffering, h.a.Snapshot().State)

	err := h.a.StartCall(ctx, domain.CallKindAudio, uuid.New(), h.bID)
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeCallInProgress))
}

func TestHandleOffer_IgnoredWhileBusy(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.a.StartCall(ctx, domain.CallKindAudio, uuid.New(), h.bID))

	h.a.HandleOffer(&domain.OfferSignal{
		Offer:      json.RawMessage(`{"type":"offer"}`),
		CallID:     uuid.New(),
		FromUserID: uuid.New(),
		CallType:   domain.CallKindAudio,
	})

	assert.Nil(t, h.a.Snapshot().IncomingOffer)
}

func TestHandleOffer_DroppedWithoutDescription(t *testing.T) {
	h := newHarness(t)

	h.b.HandleOffer(&domain.OfferSignal{
		CallID:     uuid.New(),
		FromUserID: h.aID,
		CallType:   domain.CallKindAudio,
	})

	snap := h.b.Snapshot()
	assert.Nil(t, snap.IncomingOffer)
	assert.Equal(t, StateIdle, snap.State)
}

func TestStartCall_MediaFailureNeverReachesNetwork(t *testing.T) {
	h := newHarness(t)
	h.media[h.aID].err = errors.New("permission denied")

	err := h.a.StartCall(context.Background(), domain.CallKindVideo, uuid.New(), h.bID)
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeMediaAcquisition))
	assert.Equal(t, StateIdle, h.a.Snapshot().State)
	assert.Empty(t, h.backend.records)
}

func TestStartCall_PublishFailureReleasesResources(t *testing.T) {
	h := newHarness(t)
	h.backend.offerErr = apperrors.SignalingPublishError(errors.New("relay down"))

	err := h.a.StartCall(context.Background(), domain.CallKindVideo, uuid.New(), h.bID)
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeSignalingPublish))
	assert.Equal(t, StateIdle, h.a.Snapshot().State)
	assert.True(t, h.media[h.aID].allReleased())
}

func TestOfferTimeout_ResolvesMissed(t *testing.T) {
	h := newHarness(t)
	h.a = h.newManager(h.aID, 20*time.Millisecond)

	require.NoError(t, h.a.StartCall(context.Background(), domain.CallKindAudio, uuid.New(), h.bID))
	callID := h.a.Snapshot().CallID

	waitForState(t, h.a, StateIdle)

	rec := h.backend.record(callID)
	assert.Equal(t, domain.CallStatusMissed, rec.Status)
	assert.Nil(t, rec.AnsweredAt)
	assert.Nil(t, rec.DurationSeconds)
	assert.True(t, h.media[h.aID].allReleased())

	// Unacted offer cleared on the callee as well.
	require.Eventually(t, func() bool {
		return h.b.Snapshot().IncomingOffer == nil
	}, 2*time.Second, 5*time.Millisecond)
}

func TestAnsweredCall_FullLifecycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	conversationID := uuid.New()

	require.NoError(t, h.a.StartCall(ctx, domain.CallKindVideo, conversationID, h.bID))
	callID := h.a.Snapshot().CallID

	rec := h.backend.record(callID)
	assert.Equal(t, domain.CallStatusConnecting, rec.Status)

	incoming := h.b.Snapshot().IncomingOffer
	require.NotNil(t, incoming)
	assert.Equal(t, callID, incoming.CallID)
	assert.Equal(t, h.aID, incoming.FromUserID)
	assert.Equal(t, domain.CallKindVideo, incoming.CallType)

	require.NoError(t, h.b.AnswerCall(ctx))

	rec = h.backend.record(callID)
	assert.Equal(t, domain.CallStatusOngoing, rec.Status)
	require.NotNil(t, rec.AnsweredAt)

	waitForState(t, h.a, StateConnected)
	waitForState(t, h.b, StateConnected)
	assert.NotNil(t, h.a.Snapshot().RemoteStream)

	h.backend.advance(42 * time.Second)
	require.NoError(t, h.a.EndCall(ctx))

	waitForState(t, h.a, StateIdle)
	waitForState(t, h.b, StateIdle)

	rec = h.backend.record(callID)
	assert.Equal(t, domain.CallStatusEnded, rec.Status)
	require.NotNil(t, rec.DurationSeconds)
	assert.Equal(t, 42, *rec.DurationSeconds)

	// The remote side must not republish an end for a finalized call.
	assert.Equal(t, 1, h.backend.endCalls[callID])

	assert.True(t, h.media[h.aID].allReleased())
	assert.True(t, h.media[h.bID].allReleased())
}

func TestEndCall_Repeatable(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.a.StartCall(ctx, domain.CallKindAudio, uuid.New(), h.bID))
	callID := h.a.Snapshot().CallID

	require.NoError(t, h.a.EndCall(ctx))
	waitForState(t, h.a, StateIdle)
	first := h.backend.record(callID)

	require.NoError(t, h.a.EndCall(ctx))
	second := h.backend.record(callID)

	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, first.EndedAt, second.EndedAt)
}

func TestHandleAnswer_StaleDropped(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.a.StartCall(ctx, domain.CallKindAudio, uuid.New(), h.bID))

	// Wrong call ID leaves the session offering.
	h.a.HandleAnswer(&domain.AnswerSignal{CallID: uuid.New(), FromUserID: h.bID})
	assert.Equal(t, StateOffering, h.a.Snapshot().State)

	// After hangup the real answer is stale too.
	require.NoError(t, h.a.EndCall(ctx))
	waitForState(t, h.a, StateIdle)

	h.a.HandleAnswer(&domain.AnswerSignal{CallID: h.a.Snapshot().CallID, FromUserID: h.bID})
	assert.Equal(t, StateIdle, h.a.Snapshot().State)
}

func TestAnswerCall_AfterCallerGaveUp(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.a.StartCall(ctx, domain.CallKindAudio, uuid.New(), h.bID))
	callID := h.a.Snapshot().CallID

	// Caller hangs up; the callee has not seen the end yet because its
	// buffered offer is cleared by HandleCallEnded, so re-inject one to
	// simulate the race where the answer crosses the hangup.
	require.NoError(t, h.a.EndCall(ctx))
	waitForState(t, h.a, StateIdle)

	h.b.HandleOffer(&domain.OfferSignal{
		Offer:      json.RawMessage(`{"type":"offer"}`),
		CallID:     callID,
		FromUserID: h.aID,
		CallType:   domain.CallKindAudio,
	})
	err := h.b.AnswerCall(ctx)
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeStaleSignal))
	assert.Equal(t, StateIdle, h.b.Snapshot().State)
	assert.True(t, h.media[h.bID].allReleased())

	rec := h.backend.record(callID)
	assert.Equal(t, domain.CallStatusMissed, rec.Status)
}

func TestAnswerCall_NoBufferedOfferIsNoOp(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.b.AnswerCall(context.Background()))
	assert.Equal(t, StateIdle, h.b.Snapshot().State)
}

func TestEndCall_DeclinesBufferedOffer(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.a.StartCall(ctx, domain.CallKindAudio, uuid.New(), h.bID))
	callID := h.a.Snapshot().CallID
	require.NotNil(t, h.b.Snapshot().IncomingOffer)

	require.NoError(t, h.b.EndCall(ctx))

	assert.Nil(t, h.b.Snapshot().IncomingOffer)
	rec := h.backend.record(callID)
	assert.Equal(t, domain.CallStatusMissed, rec.Status)

	waitForState(t, h.a, StateIdle)
}

func TestEndCall_AbortsBlockedSetup(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.media[h.aID].hang = true

	errCh := make(chan error, 1)
	go func() {
		errCh <- h.a.StartCall(ctx, domain.CallKindAudio, uuid.New(), h.bID)
	}()

	waitForState(t, h.a, StateCreating)
	require.NoError(t, h.a.EndCall(ctx))

	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeMediaAcquisition))
	case <-time.After(2 * time.Second):
		t.Fatal("StartCall never returned after EndCall")
	}

	waitForState(t, h.a, StateIdle)
	assert.Empty(t, h.backend.records)
}

func TestEndCall_ClosesSessionAndDeclinesOffer(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	cID := uuid.New()
	c := h.newManager(cID, 0)

	// A rings B, then B rings C while A's offer sits buffered.
	require.NoError(t, h.a.StartCall(ctx, domain.CallKindAudio, uuid.New(), h.bID))
	inboundID := h.a.Snapshot().CallID
	require.NotNil(t, h.b.Snapshot().IncomingOffer)

	require.NoError(t, h.b.StartCall(ctx, domain.CallKindAudio, uuid.New(), cID))
	outboundID := h.b.Snapshot().CallID
	require.Equal(t, StateOffering, h.b.Snapshot().State)

	require.NoError(t, h.b.EndCall(ctx))

	waitForState(t, h.b, StateIdle)
	snap := h.b.Snapshot()
	assert.Nil(t, snap.IncomingOffer)
	assert.False(t, snap.CallActive)
	assert.True(t, h.media[h.bID].allReleased())

	assert.Equal(t, domain.CallStatusMissed, h.backend.record(inboundID).Status)
	assert.Equal(t, domain.CallStatusMissed, h.backend.record(outboundID).Status)

	waitForState(t, h.a, StateIdle)
	require.Eventually(t, func() bool {
		return c.Snapshot().IncomingOffer == nil
	}, 2*time.Second, 5*time.Millisecond)
}

func TestToggles_LocalOnly(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.a.StartCall(ctx, domain.CallKindVideo, uuid.New(), h.bID))

	stream := h.media[h.aID].streams[0]
	audio, video := stream.tracks[0], stream.tracks[1]
	require.Equal(t, TrackKindAudio, audio.Kind())
	require.Equal(t, TrackKindVideo, video.Kind())

	assert.False(t, h.a.ToggleAudio())
	assert.False(t, audio.Enabled())
	assert.True(t, video.Enabled())

	assert.True(t, h.a.ToggleAudio())
	assert.True(t, audio.Enabled())

	assert.False(t, h.a.ToggleVideo())
	assert.False(t, video.Enabled())

	// Nothing crosses the wire for a toggle.
	assert.Len(t, h.backend.endCalls, 0)
}

func TestPeerFailure_ClosesAndFinalizes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.a.StartCall(ctx, domain.CallKindAudio, uuid.New(), h.bID))
	callID := h.a.Snapshot().CallID

	factory := h.a.peers.(*fakePeerFactory)
	factory.mu.Lock()
	peer := factory.peers[0]
	factory.mu.Unlock()

	peer.events <- PeerEvent{Kind: PeerError, Err: errors.New("transport failure")}

	waitForState(t, h.a, StateIdle)
	assert.True(t, h.media[h.aID].allReleased())

	rec := h.backend.record(callID)
	assert.Equal(t, domain.CallStatusMissed, rec.Status)
}
