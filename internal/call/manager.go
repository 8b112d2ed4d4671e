package call

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/adityatekale27/chat-app/internal/domain"
	"github.com/adityatekale27/chat-app/pkg/constants"
	apperrors "github.com/adityatekale27/chat-app/pkg/errors"
	"github.com/adityatekale27/chat-app/pkg/logger"
)

// State names the session state machine's positions. A session moves
// IDLE -> CREATING -> OFFERING or ANSWERING -> CONNECTED -> CLOSED;
// error or timeout from any non-terminal state jumps to CLOSED. CLOSED
// is terminal for the session, after which the manager reads IDLE again.
type State string

const (
	StateIdle      State = "IDLE"
	StateCreating  State = "CREATING"
	StateOffering  State = "OFFERING"
	StateAnswering State = "ANSWERING"
	StateConnected State = "CONNECTED"
	StateClosed    State = "CLOSED"
)

// Snapshot is the manager's observable state at one instant.
type Snapshot struct {
	State         State
	CallID        uuid.UUID
	CallType      domain.CallKind
	LocalStream   MediaStream
	RemoteStream  MediaStream
	IncomingOffer *domain.OfferSignal
	CallActive    bool
}

// session is the ephemeral per-call state. It is never persisted; losing
// it loses the call, and both sides converge through the durable record
// and the offer timeout.
type session struct {
	callID         uuid.UUID
	conversationID uuid.UUID
	remoteUserID   uuid.UUID
	kind           domain.CallKind
	initiator      bool

	peer         PeerConnection
	localStream  MediaStream
	remoteStream MediaStream

	offerTimer *time.Timer
}

// Manager owns at most one call session at a time. It exposes the
// start/answer/end/toggle surface to the caller, consumes relay events
// via the Handle methods, and reports state changes on Updates.
//
// All server coordination goes through the Gateway; the manager holds no
// authority over the call record, so a restart mid-setup leaves the
// remote side free to time out cleanly.
type Manager struct {
	media   MediaDevices
	peers   PeerFactory
	gateway Gateway

	localUserID  uuid.UUID
	offerTimeout time.Duration

	mu       sync.Mutex
	state    State
	sess     *session
	incoming *domain.OfferSignal

	// incomingTimer clears a buffered offer that was never acted on. No
	// end signal is published when it fires; the caller-side timeout is
	// authoritative and will resolve the record to MISSED.
	incomingTimer *time.Timer

	// setupCancel aborts an in-flight CREATING setup (media acquisition
	// may block indefinitely on a permission prompt). Non-nil exactly
	// while a setup is running; EndCall fires it so CREATING always has
	// a path out.
	setupCancel context.CancelFunc

	updates chan Snapshot
}

// NewManager creates a call manager for one local user. A non-positive
// offerTimeout falls back to the default ring window.
func NewManager(localUserID uuid.UUID, media MediaDevices, peers PeerFactory, gateway Gateway, offerTimeout time.Duration) *Manager {
	if offerTimeout <= 0 {
		offerTimeout = constants.OfferTimeout
	}
	return &Manager{
		media:        media,
		peers:        peers,
		gateway:      gateway,
		localUserID:  localUserID,
		offerTimeout: offerTimeout,
		state:        StateIdle,
		updates:      make(chan Snapshot, 32),
	}
}

// Updates yields a snapshot after every state change. The channel is
// buffered and never blocks the manager; a slow consumer misses
// intermediate snapshots, not the latest one it eventually reads.
func (m *Manager) Updates() <-chan Snapshot {
	return m.updates
}

// Snapshot returns the current observable state.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Manager) snapshotLocked() Snapshot {
	snap := Snapshot{
		State:         m.state,
		IncomingOffer: m.incoming,
		CallActive:    m.state == StateCreating || m.state == StateOffering || m.state == StateAnswering || m.state == StateConnected,
	}
	if m.sess != nil {
		snap.CallID = m.sess.callID
		snap.CallType = m.sess.kind
		snap.LocalStream = m.sess.localStream
		snap.RemoteStream = m.sess.remoteStream
	}
	return snap
}

func (m *Manager) notifyLocked() {
	select {
	case m.updates <- m.snapshotLocked():
	default:
	}
}

// StartCall initiates an outgoing call. It acquires local media, builds
// an initiating peer connection, waits for its offer, creates the call
// record, and enters OFFERING with the no-answer timer running. Only
// valid from IDLE; a second start while a session exists is rejected.
func (m *Manager) StartCall(ctx context.Context, kind domain.CallKind, conversationID, toUserID uuid.UUID) error {
	m.mu.Lock()
	if m.state != StateIdle {
		m.mu.Unlock()
		return apperrors.CallInProgressError()
	}
	setupCtx, cancel := context.WithCancel(ctx)
	m.setupCancel = cancel
	m.state = StateCreating
	m.notifyLocked()
	m.mu.Unlock()

	stream, peer, offer, err := m.setup(setupCtx, kind, true, nil)
	if err != nil {
		m.clearSetup(cancel)
		m.toIdle()
		return err
	}

	rec, err := m.gateway.Offer(setupCtx, &GatewayOffer{
		CalleeID:       toUserID,
		ConversationID: conversationID,
		CallType:       kind,
		Offer:          offer,
	})
	m.clearSetup(cancel)
	if err != nil {
		peer.Close()
		stream.Stop()
		m.toIdle()
		return err
	}

	m.mu.Lock()
	sess := &session{
		callID:         rec.CallID,
		conversationID: conversationID,
		remoteUserID:   toUserID,
		kind:           kind,
		initiator:      true,
		peer:           peer,
		localStream:    stream,
	}
	sess.offerTimer = time.AfterFunc(m.offerTimeout, func() {
		m.onOfferTimeout(sess)
	})
	m.sess = sess
	m.state = StateOffering
	m.notifyLocked()
	m.mu.Unlock()

	go m.pump(sess)

	logger.Info("Call offering",
		zap.String("call_id", rec.CallID.String()),
		zap.String("user_id", m.localUserID.String()),
		zap.String("call_type", string(kind)))

	return nil
}

// clearSetup drops the stored cancel func once a setup attempt settles,
// then releases the context it guarded.
func (m *Manager) clearSetup(cancel context.CancelFunc) {
	m.mu.Lock()
	m.setupCancel = nil
	m.mu.Unlock()
	cancel()
}

// HandleOffer buffers an inbound offer for the user to accept or let
// lapse. Offers without a session description are dropped outright: a
// responding peer connection has nothing to apply and could never
// produce an answer. A second offer while any session exists is
// ignored; it times out as MISSED on the sender's side.
func (m *Manager) HandleOffer(sig *domain.OfferSignal) {
	if len(sig.Offer) == 0 {
		logger.Warn("Dropping offer without session description",
			zap.String("call_id", sig.CallID.String()))
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateIdle || m.incoming != nil {
		logger.Warn("Ignoring offer while busy",
			zap.String("call_id", sig.CallID.String()),
			zap.String("state", string(m.state)))
		return
	}

	m.incoming = sig
	m.incomingTimer = time.AfterFunc(m.offerTimeout, func() {
		m.expireIncoming(sig.CallID)
	})
	m.notifyLocked()

	logger.Info("Incoming call offer",
		zap.String("call_id", sig.CallID.String()),
		zap.String("from_user_id", sig.FromUserID.String()))
}

// expireIncoming clears a buffered offer nobody acted on.
func (m *Manager) expireIncoming(callID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.incoming == nil || m.incoming.CallID != callID {
		return
	}
	m.incoming = nil
	m.incomingTimer = nil
	m.notifyLocked()
}

// AnswerCall accepts the buffered inbound offer: acquires media, builds
// a responding peer connection, applies the remote offer, relays the
// produced answer through the gateway, and enters ANSWERING. A no-op
// when no offer is buffered.
func (m *Manager) AnswerCall(ctx context.Context) error {
	m.mu.Lock()
	if m.incoming == nil {
		m.mu.Unlock()
		return nil
	}
	if m.state != StateIdle {
		m.mu.Unlock()
		return apperrors.CallInProgressError()
	}
	sig := m.incoming
	m.incoming = nil
	if m.incomingTimer != nil {
		m.incomingTimer.Stop()
		m.incomingTimer = nil
	}
	setupCtx, cancel := context.WithCancel(ctx)
	m.setupCancel = cancel
	m.state = StateCreating
	m.notifyLocked()
	m.mu.Unlock()

	stream, peer, answer, err := m.setup(setupCtx, sig.CallType, false, sig.Offer)
	if err != nil {
		m.clearSetup(cancel)
		m.toIdle()
		return err
	}

	_, err = m.gateway.Answer(setupCtx, sig.CallID, answer)
	m.clearSetup(cancel)
	if err != nil {
		// A stale-signal rejection means the caller already gave up;
		// the record stays MISSED and we just release everything.
		peer.Close()
		stream.Stop()
		m.toIdle()
		return err
	}

	sess := &session{
		callID:         sig.CallID,
		conversationID: sig.ConversationID,
		remoteUserID:   sig.FromUserID,
		kind:           sig.CallType,
		initiator:      false,
		peer:           peer,
		localStream:    stream,
	}

	m.mu.Lock()
	m.sess = sess
	m.state = StateAnswering
	m.notifyLocked()
	m.mu.Unlock()

	go m.pump(sess)

	logger.Info("Call answering", zap.String("call_id", sig.CallID.String()))

	return nil
}

// setup acquires media, builds the peer connection, optionally applies a
// remote offer, and waits for the first locally produced signal. On any
// failure everything acquired so far is released.
func (m *Manager) setup(ctx context.Context, kind domain.CallKind, initiator bool, remoteOffer json.RawMessage) (MediaStream, PeerConnection, json.RawMessage, error) {
	// A responder with no remote description would wait forever for an
	// answer its peer connection can never produce.
	if !initiator && len(remoteOffer) == 0 {
		return nil, nil, nil, apperrors.PeerConnectionError(errors.New("missing remote offer"))
	}

	stream, err := m.media.GetUserMedia(ctx, true, kind == domain.CallKindVideo)
	if err != nil {
		return nil, nil, nil, apperrors.MediaAcquisitionError(err)
	}

	peer, err := m.peers.NewPeerConnection(initiator, stream)
	if err != nil {
		stream.Stop()
		return nil, nil, nil, apperrors.PeerConnectionError(err)
	}

	if remoteOffer != nil {
		if err := peer.Signal(remoteOffer); err != nil {
			peer.Close()
			stream.Stop()
			return nil, nil, nil, apperrors.PeerConnectionError(err)
		}
	}

	signal, err := m.awaitSignal(ctx, peer)
	if err != nil {
		peer.Close()
		stream.Stop()
		return nil, nil, nil, err
	}

	return stream, peer, signal, nil
}

// awaitSignal blocks until the peer produces its local description.
// OFFERING and ANSWERING are only entered after this plus the gateway
// acknowledgment, never optimistically.
func (m *Manager) awaitSignal(ctx context.Context, peer PeerConnection) (json.RawMessage, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, apperrors.PeerConnectionError(ctx.Err())
		case ev, ok := <-peer.Events():
			if !ok {
				return nil, apperrors.PeerConnectionError(nil)
			}
			switch ev.Kind {
			case PeerSignalProduced:
				return ev.Signal, nil
			case PeerError:
				return nil, apperrors.PeerConnectionError(ev.Err)
			case PeerClosed:
				return nil, apperrors.PeerConnectionError(nil)
			default:
				// Stream or connect events before the signal are fine.
			}
		}
	}
}

// pump consumes the session's peer events until the peer closes.
func (m *Manager) pump(sess *session) {
	for ev := range sess.peer.Events() {
		m.handlePeerEvent(sess, ev)
	}
}

func (m *Manager) handlePeerEvent(sess *session, ev PeerEvent) {
	m.mu.Lock()
	if m.sess != sess {
		m.mu.Unlock()
		return
	}

	switch ev.Kind {
	case PeerStreamReceived:
		sess.remoteStream = ev.Stream
		m.notifyLocked()
		m.mu.Unlock()

	case PeerConnected:
		if m.state == StateOffering || m.state == StateAnswering {
			m.state = StateConnected
			if sess.offerTimer != nil {
				sess.offerTimer.Stop()
				sess.offerTimer = nil
			}
			m.notifyLocked()
			logger.Info("Call connected", zap.String("call_id", sess.callID.String()))
		}
		m.mu.Unlock()

	case PeerClosed, PeerError:
		if ev.Err != nil {
			logger.Warn("Peer connection failed",
				zap.String("call_id", sess.callID.String()),
				zap.Error(ev.Err))
		}
		m.closeLocked(sess, true)

	default:
		m.mu.Unlock()
	}
}

// HandleAnswer applies the remote answer to an offering session. Answers
// for an unknown call ID, a non-initiating session, or any state other
// than OFFERING are stale and dropped; the timeout or an explicit end
// converges both sides.
func (m *Manager) HandleAnswer(sig *domain.AnswerSignal) {
	m.mu.Lock()
	sess := m.sess
	if sess == nil || !sess.initiator || m.state != StateOffering || sess.callID != sig.CallID {
		m.mu.Unlock()
		logger.Warn("Dropping stale answer", zap.String("call_id", sig.CallID.String()))
		return
	}
	m.mu.Unlock()

	if err := sess.peer.Signal(sig.Answer); err != nil {
		logger.Warn("Failed to apply answer",
			zap.String("call_id", sig.CallID.String()),
			zap.Error(err))
		m.mu.Lock()
		if m.sess == sess {
			m.closeLocked(sess, true)
		} else {
			m.mu.Unlock()
		}
	}
}

// HandleCallEnded processes the remote party's hangup. The record is
// already finalized server-side, so the session is torn down without
// publishing another end.
func (m *Manager) HandleCallEnded(sig *domain.CallEndedSignal) {
	m.mu.Lock()

	if m.incoming != nil && m.incoming.CallID == sig.CallID {
		m.incoming = nil
		if m.incomingTimer != nil {
			m.incomingTimer.Stop()
			m.incomingTimer = nil
		}
		m.notifyLocked()
	}

	sess := m.sess
	if sess == nil || sess.callID != sig.CallID {
		m.mu.Unlock()
		return
	}

	logger.Info("Remote ended call",
		zap.String("call_id", sig.CallID.String()),
		zap.String("status", string(sig.Status)))
	m.closeLocked(sess, false)
}

// EndCall forces CLOSED from any state. Safe to repeat. An in-flight
// setup is canceled, a buffered unanswered inbound offer is declined by
// finalizing its record, and an active session is torn down. The offer
// and the session are independent; ending handles both in one call.
func (m *Manager) EndCall(ctx context.Context) error {
	m.mu.Lock()

	if m.setupCancel != nil {
		m.setupCancel()
		m.setupCancel = nil
	}

	var declined uuid.UUID
	hasDeclined := false
	if m.incoming != nil {
		declined = m.incoming.CallID
		hasDeclined = true
		m.incoming = nil
		if m.incomingTimer != nil {
			m.incomingTimer.Stop()
			m.incomingTimer = nil
		}
		m.notifyLocked()
	}

	if sess := m.sess; sess != nil {
		m.closeLocked(sess, true)
	} else {
		m.mu.Unlock()
	}

	if hasDeclined {
		if _, err := m.gateway.End(ctx, declined); err != nil {
			logger.Warn("Failed to decline call",
				zap.String("call_id", declined.String()),
				zap.Error(err))
		}
	}
	return nil
}

// onOfferTimeout fires when the 60 second ring window lapses without an
// answer. The relay keeps nothing, so this is the only way to learn
// nobody was listening; finalizing resolves the record to MISSED.
func (m *Manager) onOfferTimeout(sess *session) {
	m.mu.Lock()
	if m.sess != sess || m.state != StateOffering {
		m.mu.Unlock()
		return
	}
	logger.Info("Offer timed out", zap.String("call_id", sess.callID.String()))
	m.closeLocked(sess, true)
}

// closeLocked tears down sess: timers cleared, peer closed, media
// released, binding dropped. When publish is set the record is finalized
// through the gateway, which relays call-ended to the remote side; a
// remotely initiated close skips that to avoid signal loops. Called with
// the mutex held; releases it before the gateway call.
func (m *Manager) closeLocked(sess *session, publish bool) {
	if sess.offerTimer != nil {
		sess.offerTimer.Stop()
		sess.offerTimer = nil
	}

	m.sess = nil
	m.state = StateClosed
	m.notifyLocked()
	m.state = StateIdle
	m.notifyLocked()
	m.mu.Unlock()

	sess.peer.Close()
	sess.localStream.Stop()

	if publish {
		ctx, cancel := context.WithTimeout(context.Background(), constants.DefaultTimeout)
		defer cancel()
		if _, err := m.gateway.End(ctx, sess.callID); err != nil {
			logger.Warn("Failed to finalize call",
				zap.String("call_id", sess.callID.String()),
				zap.Error(err))
		}
	}

	logger.Info("Call session closed", zap.String("call_id", sess.callID.String()))
}

// toIdle resets the state after a failed setup attempt.
func (m *Manager) toIdle() {
	m.mu.Lock()
	m.state = StateIdle
	m.notifyLocked()
	m.mu.Unlock()
}

// ToggleAudio flips the enabled flag on local audio tracks. Purely
// local: the track stops producing media, so nothing is signaled.
func (m *Manager) ToggleAudio() bool {
	return m.toggleTracks(TrackKindAudio)
}

// ToggleVideo flips the enabled flag on local video tracks.
func (m *Manager) ToggleVideo() bool {
	return m.toggleTracks(TrackKindVideo)
}

func (m *Manager) toggleTracks(kind string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sess == nil || m.sess.localStream == nil {
		return false
	}

	enabled := false
	for _, track := range m.sess.localStream.Tracks() {
		if track.Kind() != kind {
			continue
		}
		track.SetEnabled(!track.Enabled())
		enabled = track.Enabled()
	}
	return enabled
}
