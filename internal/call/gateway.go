package call

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/adityatekale27/chat-app/internal/domain"
	apperrors "github.com/adityatekale27/chat-app/pkg/errors"
)

// Gateway is the call record API as seen from a client session: it
// creates the record and relays the offer, relays an answer, and
// finalizes the record. All three are HTTP calls to the signaling
// service, which does the actual relay publishing server-side.
type Gateway interface {
	Offer(ctx context.Context, in *GatewayOffer) (*domain.CallRecord, error)
	Answer(ctx context.Context, callID uuid.UUID, answer json.RawMessage) (*domain.CallRecord, error)
	End(ctx context.Context, callID uuid.UUID) (*domain.CallRecord, error)
}

// GatewayOffer carries everything needed to open a call attempt.
type GatewayOffer struct {
	CalleeID       uuid.UUID       `json:"calleeId"`
	ConversationID uuid.UUID       `json:"conversationId"`
	CallType       domain.CallKind `json:"callType"`
	Offer          json.RawMessage `json:"offer"`
}

// HTTPGateway talks to the signaling service's REST surface.
type HTTPGateway struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPGateway creates a gateway against baseURL (without trailing
// slash), authenticating with the given bearer token.
func NewHTTPGateway(baseURL, token string) *HTTPGateway {
	return &HTTPGateway{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

func (g *HTTPGateway) Offer(ctx context.Context, in *GatewayOffer) (*domain.CallRecord, error) {
	return g.post(ctx, "/v1/calls/offer", in)
}

func (g *HTTPGateway) Answer(ctx context.Context, callID uuid.UUID, answer json.RawMessage) (*domain.CallRecord, error) {
	return g.post(ctx, "/v1/calls/answer", map[string]any{
		"callId": callID,
		"answer": answer,
	})
}

func (g *HTTPGateway) End(ctx context.Context, callID uuid.UUID) (*domain.CallRecord, error) {
	return g.post(ctx, "/v1/calls/end", map[string]any{
		"callId": callID,
	})
}

// envelope mirrors the service's response wrapper.
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (g *HTTPGateway) post(ctx context.Context, path string, body any) (*domain.CallRecord, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+g.token)

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, apperrors.SignalingPublishError(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, apperrors.SignalingPublishError(err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, apperrors.SignalingPublishError(fmt.Errorf("malformed response: %w", err))
	}

	if !env.Success {
		code := apperrors.ErrCodeInternal
		message := "request failed"
		if env.Error != nil {
			code = apperrors.ErrorCode(env.Error.Code)
			message = env.Error.Message
		}
		return nil, apperrors.NewWithStatus(code, message, resp.StatusCode)
	}

	var rec domain.CallRecord
	if err := json.Unmarshal(env.Data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode call record: %w", err)
	}
	return &rec, nil
}
