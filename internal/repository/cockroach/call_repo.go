package cockroach

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/adityatekale27/chat-app/internal/domain"
	apperrors "github.com/adityatekale27/chat-app/pkg/errors"
)

// CallRepository handles call record persistence. All mutations are
// idempotent or guarded so a record's status only ever moves forward.
type CallRepository struct {
	pool *pgxpool.Pool
}

// NewCallRepository creates a new call repository
func NewCallRepository(pool *pgxpool.Pool) *CallRepository {
	return &CallRepository{pool: pool}
}

const callColumns = `call_id, caller_id, callee_id, conversation_id, call_type, status,
	       started_at, answered_at, ended_at, duration`

// Create inserts a new call record in status CONNECTING.
func (r *CallRepository) Create(ctx context.Context, rec *domain.CallRecord) error {
	query := `
		INSERT INTO calls (
			call_id, caller_id, callee_id, conversation_id, call_type, status, started_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := r.pool.Exec(ctx, query,
		rec.CallID,
		rec.CallerID,
		rec.CalleeID,
		rec.ConversationID,
		rec.Kind,
		rec.Status,
		rec.StartedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to create call: %w", err)
	}

	return nil
}

// MarkAnswered moves a call to ONGOING and stamps answered_at. Idempotent:
// if the call was already answered the update matches no row and the
// existing record is returned unchanged.
func (r *CallRepository) MarkAnswered(ctx context.Context, callID uuid.UUID, now time.Time) (*domain.CallRecord, error) {
	query := `
		UPDATE calls
		SET status = $3, answered_at = $2
		WHERE call_id = $1 AND answered_at IS NULL AND ended_at IS NULL
	`

	if _, err := r.pool.Exec(ctx, query, callID, now.UTC(), domain.CallStatusOngoing); err != nil {
		return nil, fmt.Errorf("failed to mark call answered: %w", err)
	}

	return r.GetByID(ctx, callID)
}

// Finalize closes the call record: first request wins, subsequent calls
// return the already-finalized row untouched. Status resolves to ENDED if
// the call was answered, MISSED otherwise; duration is whole seconds from
// answered_at to now and stays NULL for unanswered calls.
func (r *CallRepository) Finalize(ctx context.Context, callID uuid.UUID, now time.Time) (*domain.CallRecord, error) {
	query := `
		UPDATE calls
		SET ended_at = $2,
		    status   = CASE WHEN answered_at IS NULL THEN $3 ELSE $4 END,
		    duration = CASE WHEN answered_at IS NULL THEN NULL
		                    ELSE FLOOR(EXTRACT(EPOCH FROM ($2::TIMESTAMPTZ - answered_at)))::INT END
		WHERE call_id = $1 AND ended_at IS NULL
	`

	if _, err := r.pool.Exec(ctx, query, callID, now.UTC(), domain.CallStatusMissed, domain.CallStatusEnded); err != nil {
		return nil, fmt.Errorf("failed to finalize call: %w", err)
	}

	return r.GetByID(ctx, callID)
}

// GetByID retrieves a call record by ID
func (r *CallRepository) GetByID(ctx context.Context, callID uuid.UUID) (*domain.CallRecord, error) {
	query := `SELECT ` + callColumns + ` FROM calls WHERE call_id = $1`

	rec := &domain.CallRecord{}
	err := r.pool.QueryRow(ctx, query, callID).Scan(
		&rec.CallID,
		&rec.CallerID,
		&rec.CalleeID,
		&rec.ConversationID,
		&rec.Kind,
		&rec.Status,
		&rec.StartedAt,
		&rec.AnsweredAt,
		&rec.EndedAt,
		&rec.DurationSeconds,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.CallNotFoundError()
		}
		return nil, fmt.Errorf("failed to get call: %w", err)
	}

	return rec, nil
}

// ListForUser retrieves call history for a user, most recent first.
func (r *CallRepository) ListForUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.CallRecord, error) {
	query := `
		SELECT ` + callColumns + `
		FROM calls
		WHERE caller_id = $1 OR callee_id = $1
		ORDER BY started_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.pool.Query(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list calls: %w", err)
	}
	defer rows.Close()

	var records []*domain.CallRecord
	for rows.Next() {
		rec := &domain.CallRecord{}
		err := rows.Scan(
			&rec.CallID,
			&rec.CallerID,
			&rec.CalleeID,
			&rec.ConversationID,
			&rec.Kind,
			&rec.Status,
			&rec.StartedAt,
			&rec.AnsweredAt,
			&rec.EndedAt,
			&rec.DurationSeconds,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan call: %w", err)
		}
		records = append(records, rec)
	}

	return records, rows.Err()
}
