package cockroach

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"chatlink-backend/internal/call"
	"chatlink-backend/internal/domain"
)

// CallRepository is the durable call.Store backed by CockroachDB. Status
// preconditions are folded into the UPDATE's WHERE clause so every
// transition is a single atomic statement; concurrent responders race on
// the row and exactly one wins.
type CallRepository struct {
	pool *pgxpool.Pool
}

// NewCallRepository creates a new call repository
func NewCallRepository(pool *pgxpool.Pool) *CallRepository {
	return &CallRepository{pool: pool}
}

const callColumns = `call_id, caller_id, receiver_id, group_id, kind, status, started_at, ended_at, duration`

// Create persists a new call record
func (r *CallRepository) Create(ctx context.Context, c *domain.Call) error {
	query := `
		INSERT INTO calls (
			call_id, caller_id, receiver_id, group_id, kind, status, started_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := r.pool.Exec(ctx, query,
		c.CallID,
		c.CallerID,
		c.ReceiverID,
		c.GroupID,
		c.Kind,
		c.Status,
		c.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create call: %w", err)
	}

	return nil
}

// Get retrieves a call with its current participant set
func (r *CallRepository) Get(ctx context.Context, callID uuid.UUID) (*domain.Call, error) {
	query := `SELECT ` + callColumns + ` FROM calls WHERE call_id = $1`

	c, err := r.scanCall(r.pool.QueryRow(ctx, query, callID))
	if err != nil {
		return nil, err
	}
	if err := r.loadParticipants(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// Accept applies the accept transition atomically
func (r *CallRepository) Accept(ctx context.Context, callID, actorID uuid.UUID) (*domain.Call, error) {
	existing, err := r.Get(ctx, callID)
	if err != nil {
		return nil, err
	}

	if !existing.IsGroup() {
		query := `
			UPDATE calls
			SET status = 'accepted'
			WHERE call_id = $1 AND status = 'ringing'
			RETURNING ` + callColumns
		c, err := r.scanCall(r.pool.QueryRow(ctx, query, callID))
		if err != nil {
			if errors.Is(err, call.ErrNotFound) {
				// Record exists but left ringing: the other responder won.
				return nil, call.ErrAlreadyResolved
			}
			return nil, err
		}
		return c, nil
	}

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		UPDATE calls
		SET status = 'accepted'
		WHERE call_id = $1 AND status IN ('ringing', 'accepted')
		RETURNING ` + callColumns
	c, err := r.scanCall(tx.QueryRow(ctx, query, callID))
	if err != nil {
		if errors.Is(err, call.ErrNotFound) {
			return nil, call.ErrAlreadyResolved
		}
		return nil, err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO call_participants (call_id, user_id, joined_at)
		VALUES ($1, $2, now())
		ON CONFLICT (call_id, user_id) DO UPDATE SET left_at = NULL
	`, callID, actorID)
	if err != nil {
		return nil, fmt.Errorf("failed to add participant: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}

	if err := r.loadParticipants(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// Decline moves a ringing call to declined
func (r *CallRepository) Decline(ctx context.Context, callID uuid.UUID) (*domain.Call, error) {
	return r.resolveFromRinging(ctx, callID, domain.CallStatusDeclined)
}

// Cancel moves a ringing call to cancelled
func (r *CallRepository) Cancel(ctx context.Context, callID uuid.UUID) (*domain.Call, error) {
	return r.resolveFromRinging(ctx, callID, domain.CallStatusCancelled)
}

// MarkMissed moves a still-ringing call to missed
func (r *CallRepository) MarkMissed(ctx context.Context, callID uuid.UUID) (*domain.Call, error) {
	return r.resolveFromRinging(ctx, callID, domain.CallStatusMissed)
}

func (r *CallRepository) resolveFromRinging(ctx context.Context, callID uuid.UUID, next domain.CallStatus) (*domain.Call, error) {
	query := `
		UPDATE calls
		SET status = $2, ended_at = now()
		WHERE call_id = $1 AND status = 'ringing'
		RETURNING ` + callColumns

	c, err := r.scanCall(r.pool.QueryRow(ctx, query, callID, next))
	if err != nil {
		if errors.Is(err, call.ErrNotFound) {
			return nil, r.classifyMiss(ctx, callID)
		}
		return nil, err
	}
	return c, nil
}

// End moves an accepted call to ended and computes the duration in seconds
func (r *CallRepository) End(ctx context.Context, callID uuid.UUID) (*domain.Call, error) {
	query := `
		UPDATE calls
		SET status = 'ended',
		    ended_at = now(),
		    duration = EXTRACT(EPOCH FROM (now() - started_at))::INT
		WHERE call_id = $1 AND status = 'accepted'
		RETURNING ` + callColumns

	c, err := r.scanCall(r.pool.QueryRow(ctx, query, callID))
	if err != nil {
		if errors.Is(err, call.ErrNotFound) {
			return nil, r.classifyMiss(ctx, callID)
		}
		return nil, err
	}
	return c, nil
}

// classifyMiss distinguishes a missing row from one in the wrong state
// after a conditional update matched nothing
func (r *CallRepository) classifyMiss(ctx context.Context, callID uuid.UUID) error {
	var status domain.CallStatus
	err := r.pool.QueryRow(ctx, `SELECT status FROM calls WHERE call_id = $1`, callID).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return call.ErrNotFound
		}
		return fmt.Errorf("failed to read call status: %w", err)
	}
	if status.Terminal() {
		return call.ErrAlreadyResolved
	}
	return call.ErrInvalidTransition
}

// Leave marks the participant as left; emptied reports whether no active
// participants remain
func (r *CallRepository) Leave(ctx context.Context, callID, actorID uuid.UUID) (*domain.Call, bool, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var status domain.CallStatus
	err = tx.QueryRow(ctx, `SELECT status FROM calls WHERE call_id = $1 FOR UPDATE`, callID).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, call.ErrNotFound
		}
		return nil, false, fmt.Errorf("failed to read call: %w", err)
	}
	if status != domain.CallStatusAccepted {
		return nil, false, call.ErrAlreadyResolved
	}

	_, err = tx.Exec(ctx, `
		UPDATE call_participants
		SET left_at = now()
		WHERE call_id = $1 AND user_id = $2 AND left_at IS NULL
	`, callID, actorID)
	if err != nil {
		return nil, false, fmt.Errorf("failed to remove participant: %w", err)
	}

	var remaining int
	err = tx.QueryRow(ctx, `
		SELECT count(*) FROM call_participants
		WHERE call_id = $1 AND left_at IS NULL
	`, callID).Scan(&remaining)
	if err != nil {
		return nil, false, fmt.Errorf("failed to count participants: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("failed to commit: %w", err)
	}

	c, err := r.Get(ctx, callID)
	if err != nil {
		return nil, false, err
	}
	return c, remaining == 0, nil
}

// ActiveBetween reports whether a ringing or accepted 1:1 call exists
// between the two users, in either direction
func (r *CallRepository) ActiveBetween(ctx context.Context, a, b uuid.UUID) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM calls
			WHERE group_id IS NULL
			  AND status IN ('ringing', 'accepted')
			  AND ((caller_id = $1 AND receiver_id = $2)
			    OR (caller_id = $2 AND receiver_id = $1))
		)
	`

	var exists bool
	if err := r.pool.QueryRow(ctx, query, a, b).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check active call: %w", err)
	}
	return exists, nil
}

// RingingForReceiver returns ringing 1:1 calls addressed to the user
func (r *CallRepository) RingingForReceiver(ctx context.Context, userID uuid.UUID) ([]*domain.Call, error) {
	query := `
		SELECT ` + callColumns + ` FROM calls
		WHERE receiver_id = $1 AND status = 'ringing'
		ORDER BY started_at ASC
	`
	return r.queryCalls(ctx, query, userID)
}

// RingingForGroups returns ringing calls targeting any of the groups
func (r *CallRepository) RingingForGroups(ctx context.Context, groupIDs []uuid.UUID) ([]*domain.Call, error) {
	if len(groupIDs) == 0 {
		return nil, nil
	}
	query := `
		SELECT ` + callColumns + ` FROM calls
		WHERE group_id = ANY($1) AND status = 'ringing'
		ORDER BY started_at ASC
	`
	return r.queryCalls(ctx, query, groupIDs)
}

// ListByParticipant returns the user's call history, newest first
func (r *CallRepository) ListByParticipant(ctx context.Context, userID uuid.UUID, limit, offset int, activeOnly bool) ([]*domain.Call, error) {
	query := `
		SELECT DISTINCT c.call_id, c.caller_id, c.receiver_id, c.group_id, c.kind,
		       c.status, c.started_at, c.ended_at, c.duration
		FROM calls c
		LEFT JOIN call_participants cp ON c.call_id = cp.call_id
		WHERE (c.caller_id = $1 OR c.receiver_id = $1 OR cp.user_id = $1)
	`
	if activeOnly {
		query += ` AND c.status IN ('ringing', 'accepted')`
	}
	query += ` ORDER BY c.started_at DESC LIMIT $2 OFFSET $3`

	return r.queryCalls(ctx, query, userID, limit, offset)
}

func (r *CallRepository) queryCalls(ctx context.Context, query string, args ...any) ([]*domain.Call, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query calls: %w", err)
	}
	defer rows.Close()

	var calls []*domain.Call
	for rows.Next() {
		c, err := r.scanCall(rows)
		if err != nil {
			return nil, err
		}
		calls = append(calls, c)
	}
	for _, c := range calls {
		if c.IsGroup() {
			if err := r.loadParticipants(ctx, c); err != nil {
				return nil, err
			}
		}
	}
	return calls, nil
}

func (r *CallRepository) scanCall(row pgx.Row) (*domain.Call, error) {
	c := &domain.Call{}
	err := row.Scan(
		&c.CallID,
		&c.CallerID,
		&c.ReceiverID,
		&c.GroupID,
		&c.Kind,
		&c.Status,
		&c.StartedAt,
		&c.EndedAt,
		&c.Duration,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, call.ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan call: %w", err)
	}
	return c, nil
}

func (r *CallRepository) loadParticipants(ctx context.Context, c *domain.Call) error {
	if !c.IsGroup() {
		return nil
	}

	rows, err := r.pool.Query(ctx, `
		SELECT user_id FROM call_participants
		WHERE call_id = $1 AND left_at IS NULL
		ORDER BY joined_at ASC
	`, c.CallID)
	if err != nil {
		return fmt.Errorf("failed to load participants: %w", err)
	}
	defer rows.Close()

	c.Participants = c.Participants[:0]
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return fmt.Errorf("failed to scan participant: %w", err)
		}
		c.Participants = append(c.Participants, id)
	}
	return nil
}
