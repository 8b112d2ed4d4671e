package call

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/adityatekale27/chat-app/internal/domain"
	"github.com/adityatekale27/chat-app/internal/relay"
	"github.com/adityatekale27/chat-app/pkg/logger"
)

// PresenceFunc receives presence broadcasts from the shared channel.
type PresenceFunc func(sig *domain.PresenceSignal)

// Listener maintains the WebSocket subscription to the user's relay
// channel and dispatches incoming envelopes to the call manager. It
// reconnects with backoff; signals missed while disconnected are gone,
// and the offer timeout covers that case.
type Listener struct {
	url        string
	manager    *Manager
	onPresence PresenceFunc
}

// NewListener creates a listener for the relay endpoint at url (a ws://
// or wss:// address including the auth token query parameter).
func NewListener(url string, manager *Manager, onPresence PresenceFunc) *Listener {
	return &Listener{url: url, manager: manager, onPresence: onPresence}
}

// Run connects and dispatches until ctx is canceled.
func (l *Listener) Run(ctx context.Context) {
	backoff := time.Second

	for {
		if err := l.listen(ctx); err != nil {
			logger.Warn("Relay connection lost", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func (l *Listener) listen(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, l.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	logger.Info("Relay connected")

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		l.dispatch(payload)
	}
}

func (l *Listener) dispatch(payload []byte) {
	var env relay.Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		logger.Warn("Malformed relay envelope", zap.Error(err))
		return
	}

	switch env.Event {
	case domain.EventOffer:
		var sig domain.OfferSignal
		if err := json.Unmarshal(env.Data, &sig); err != nil {
			logger.Warn("Malformed offer signal", zap.Error(err))
			return
		}
		l.manager.HandleOffer(&sig)

	case domain.EventAnswer:
		var sig domain.AnswerSignal
		if err := json.Unmarshal(env.Data, &sig); err != nil {
			logger.Warn("Malformed answer signal", zap.Error(err))
			return
		}
		l.manager.HandleAnswer(&sig)

	case domain.EventCallEnded:
		var sig domain.CallEndedSignal
		if err := json.Unmarshal(env.Data, &sig); err != nil {
			logger.Warn("Malformed call-ended signal", zap.Error(err))
			return
		}
		l.manager.HandleCallEnded(&sig)

	case domain.EventPresence:
		if l.onPresence == nil {
			return
		}
		var sig domain.PresenceSignal
		if err := json.Unmarshal(env.Data, &sig); err != nil {
			logger.Warn("Malformed presence signal", zap.Error(err))
			return
		}
		l.onPresence(&sig)

	default:
		logger.Debug("Ignoring unknown relay event", zap.String("event", env.Event))
	}
}
