package call

import "encoding/json"

// PeerEventKind enumerates the closed set of events a peer connection
// can emit toward the session state machine.
type PeerEventKind int

const (
	// PeerSignalProduced carries a local session description (offer on
	// the initiating side, answer on the responding side) that must be
	// relayed to the remote party.
	PeerSignalProduced PeerEventKind = iota

	// PeerStreamReceived carries the remote media stream once the
	// transport starts delivering it.
	PeerStreamReceived

	// PeerConnected fires when the transport handshake completes.
	PeerConnected

	// PeerClosed fires when the transport shuts down, locally or
	// remotely.
	PeerClosed

	// PeerError fires on any transport failure.
	PeerError
)

// PeerEvent is one message from a peer connection. Exactly one of
// Signal, Stream or Err is populated, depending on Kind.
type PeerEvent struct {
	Kind   PeerEventKind
	Signal json.RawMessage
	Stream MediaStream
	Err    error
}

// PeerConnection is the transport half of a call session. The session
// state machine consumes its events and feeds it the remote side's
// session description; everything below that (ICE, DTLS, codecs) is the
// implementation's concern.
//
// Close must be idempotent and must close the Events channel so the
// consumer's receive loop terminates.
type PeerConnection interface {
	// Events yields the connection's lifecycle events in order.
	Events() <-chan PeerEvent

	// Signal applies a remote session description.
	Signal(remote json.RawMessage) error

	// Close tears the transport down and closes the Events channel.
	Close() error
}

// PeerFactory builds a peer connection around an acquired local stream.
// initiator controls which side produces the offer.
type PeerFactory interface {
	NewPeerConnection(initiator bool, local MediaStream) (PeerConnection, error)
}
