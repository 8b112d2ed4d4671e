package call

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/adityatekale27/chat-app/internal/domain"
	"github.com/adityatekale27/chat-app/internal/relay"
	apperrors "github.com/adityatekale27/chat-app/pkg/errors"
	"github.com/adityatekale27/chat-app/pkg/logger"
	"github.com/adityatekale27/chat-app/pkg/metrics"
)

// CallRepository is the durable call record store the service coordinates
// against. All mutations are idempotent; status only moves forward.
type CallRepository interface {
	Create(ctx context.Context, rec *domain.CallRecord) error
	MarkAnswered(ctx context.Context, callID uuid.UUID, now time.Time) (*domain.CallRecord, error)
	Finalize(ctx context.Context, callID uuid.UUID, now time.Time) (*domain.CallRecord, error)
	GetByID(ctx context.Context, callID uuid.UUID) (*domain.CallRecord, error)
	ListForUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.CallRecord, error)
}

// Service coordinates call attempts: it owns the record lifecycle and
// relays offer/answer/end signals between the two participants' sessions.
// It holds no in-memory call state at all; both clients' state machines
// reconcile only through the record and the relay, so either side can
// restart without corrupting the other.
type Service struct {
	repo    CallRepository
	relay   relay.Publisher
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewService creates a new call coordination service. metrics may be nil.
func NewService(repo CallRepository, publisher relay.Publisher, m *metrics.Metrics) *Service {
	return &Service{
		repo:    repo,
		relay:   publisher,
		metrics: m,
		now:     time.Now,
	}
}

// OfferInput carries an initiator's local offer.
type OfferInput struct {
	CallerID       uuid.UUID
	CalleeID       uuid.UUID
	ConversationID uuid.UUID
	Kind           domain.CallKind
	Offer          json.RawMessage
}

// Offer creates a CONNECTING call record and relays the offer to the
// callee's user channel. The callee being offline is not detected here:
// the relay has no persistence, so an unheard offer is resolved by the
// caller-side timeout instead.
//
// If the relay publish fails the freshly-created record is finalized
// immediately (resolving to MISSED) so it cannot dangle in CONNECTING,
// and the publish error is surfaced to the caller.
func (s *Service) Offer(ctx context.Context, in *OfferInput) (*domain.CallRecord, error) {
	rec := &domain.CallRecord{
		CallID:         uuid.New(),
		CallerID:       in.CallerID,
		CalleeID:       in.CalleeID,
		ConversationID: in.ConversationID,
		Kind:           in.Kind,
		Status:         domain.CallStatusConnecting,
		StartedAt:      s.now().UTC(),
	}

	if err := s.repo.Create(ctx, rec); err != nil {
		return nil, apperrors.DatabaseError(err)
	}

	signal := domain.OfferSignal{
		Offer:          in.Offer,
		CallID:         rec.CallID,
		FromUserID:     in.CallerID,
		CallType:       in.Kind,
		ConversationID: in.ConversationID,
	}

	if err := s.relay.Publish(ctx, relay.UserChannel(in.CalleeID), domain.EventOffer, signal); err != nil {
		logger.Error("Offer publish failed, finalizing call",
			zap.String("call_id", rec.CallID.String()),
			zap.Error(err))
		if s.metrics != nil {
			s.metrics.RecordCallFailure(string(in.Kind), "signaling_publish")
		}
		if _, finErr := s.repo.Finalize(ctx, rec.CallID, s.now()); finErr != nil {
			logger.Error("Failed to finalize unpublishable call",
				zap.String("call_id", rec.CallID.String()),
				zap.Error(finErr))
		}
		return nil, err
	}

	logger.Info("Call offer relayed",
		zap.String("call_id", rec.CallID.String()),
		zap.String("caller_id", in.CallerID.String()),
		zap.String("callee_id", in.CalleeID.String()),
		zap.String("call_type", string(in.Kind)))

	return rec, nil
}

// AnswerInput carries a callee's local answer.
type AnswerInput struct {
	CallID     uuid.UUID
	FromUserID uuid.UUID
	Answer     json.RawMessage
}

// Answer marks the call answered (idempotent: re-answering returns the
// existing answered_at) and relays the answer to the caller's user
// channel. A late answer for an already-finalized call is dropped: the
// caller-side timeout is authoritative, so the record stays MISSED and
// the answering side converges via the call-ended signal it already got.
func (s *Service) Answer(ctx context.Context, in *AnswerInput) (*domain.CallRecord, error) {
	rec, err := s.repo.GetByID(ctx, in.CallID)
	if err != nil {
		return nil, err
	}

	if !rec.HasParticipant(in.FromUserID) {
		return nil, apperrors.ForbiddenError("Not a participant of this call")
	}

	if rec.Finalized() {
		logger.Warn("Dropping answer for finalized call",
			zap.String("call_id", in.CallID.String()),
			zap.String("status", string(rec.Status)))
		return nil, apperrors.StaleSignalError("call already finalized")
	}

	rec, err = s.repo.MarkAnswered(ctx, in.CallID, s.now())
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}

	signal := domain.AnswerSignal{
		Answer:     in.Answer,
		CallID:     in.CallID,
		FromUserID: in.FromUserID,
	}

	if err := s.relay.Publish(ctx, relay.UserChannel(rec.CallerID), domain.EventAnswer, signal); err != nil {
		// The record is already ONGOING; the caller's timeout or an
		// explicit end will still converge both sides.
		return nil, err
	}

	logger.Info("Call answered",
		zap.String("call_id", in.CallID.String()),
		zap.String("from_user_id", in.FromUserID.String()))

	return rec, nil
}

// EndInput identifies which participant is ending which call.
type EndInput struct {
	CallID     uuid.UUID
	FromUserID uuid.UUID
}

// End finalizes the call record (first request wins, repeats are no-ops
// returning the stored outcome) and notifies the other participant on
// their user channel. An unanswered call resolves to MISSED, an answered
// one to ENDED with its duration.
func (s *Service) End(ctx context.Context, in *EndInput) (*domain.CallRecord, error) {
	rec, err := s.repo.GetByID(ctx, in.CallID)
	if err != nil {
		return nil, err
	}

	if !rec.HasParticipant(in.FromUserID) {
		return nil, apperrors.ForbiddenError("Not a participant of this call")
	}

	alreadyFinal := rec.Finalized()

	rec, err = s.repo.Finalize(ctx, in.CallID, s.now())
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}

	if alreadyFinal {
		// Idempotent repeat: the peer was already notified.
		return rec, nil
	}

	if s.metrics != nil {
		s.metrics.RecordCall(string(rec.Kind), string(rec.Status))
		if rec.DurationSeconds != nil {
			s.metrics.RecordCallDuration(string(rec.Kind), *rec.DurationSeconds)
		}
	}

	signal := domain.CallEndedSignal{
		CallID:     in.CallID,
		FromUserID: in.FromUserID,
		Status:     rec.Status,
	}

	other := rec.OtherParticipant(in.FromUserID)
	if err := s.relay.Publish(ctx, relay.UserChannel(other), domain.EventCallEnded, signal); err != nil {
		// The record is final either way; the remote side converges via
		// its own timeout if this notification is lost.
		logger.Warn("Failed to relay call-ended",
			zap.String("call_id", in.CallID.String()),
			zap.Error(err))
	}

	logger.Info("Call finalized",
		zap.String("call_id", in.CallID.String()),
		zap.String("status", string(rec.Status)),
		zap.String("from_user_id", in.FromUserID.String()))

	return rec, nil
}

// History returns a user's call records, most recent first.
func (s *Service) History(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.CallRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	records, err := s.repo.ListForUser(ctx, userID, limit, offset)
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}
	return records, nil
}
