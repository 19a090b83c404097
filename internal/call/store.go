// Package call defines the call record store: durable call history plus the
// atomic status transitions every mutation must go through.
package call

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"chatlink-backend/internal/domain"
)

// Store-level sentinel errors. The broker maps these onto the API error
// taxonomy at its boundary.
var (
	// ErrNotFound means no record exists for the call id
	ErrNotFound = errors.New("call not found")

	// ErrAlreadyResolved means the record left the required state before
	// this transition arrived (e.g. the losing side of a concurrent accept)
	ErrAlreadyResolved = errors.New("call already resolved")

	// ErrInvalidTransition means the requested move is not legal from the
	// record's current status
	ErrInvalidTransition = errors.New("invalid call state transition")
)

// Store is the call record store. Every mutating operation checks its
// precondition and applies the mutation as a single atomic unit per record,
// so two near-simultaneous responses to the same ringing call cannot both
// win. Records are retained forever once terminal.
type Store interface {
	// Create persists a new record in status ringing
	Create(ctx context.Context, c *domain.Call) error

	// Get returns a copy of the record
	Get(ctx context.Context, callID uuid.UUID) (*domain.Call, error)

	// Accept moves a ringing 1:1 call to accepted. For group calls it adds
	// actorID to the participant set; the first joiner flips ringing to
	// accepted, later joiners keep it accepted. Returns ErrAlreadyResolved
	// if the record is terminal, or for 1:1 if it already left ringing.
	Accept(ctx context.Context, callID, actorID uuid.UUID) (*domain.Call, error)

	// Decline moves a ringing call to declined and stamps the end time
	Decline(ctx context.Context, callID uuid.UUID) (*domain.Call, error)

	// Cancel moves a ringing call to cancelled and stamps the end time
	Cancel(ctx context.Context, callID uuid.UUID) (*domain.Call, error)

	// MarkMissed moves a still-ringing call to missed. Callers treat
	// ErrAlreadyResolved as a benign no-op (stale watchdog).
	MarkMissed(ctx context.Context, callID uuid.UUID) (*domain.Call, error)

	// End moves an accepted call to ended, stamps the end time and duration
	End(ctx context.Context, callID uuid.UUID) (*domain.Call, error)

	// Leave removes actorID from a group call's participant set without
	// changing status. emptied reports whether the set became empty.
	Leave(ctx context.Context, callID, actorID uuid.UUID) (c *domain.Call, emptied bool, err error)

	// ActiveBetween reports whether a ringing or accepted 1:1 call exists
	// between the two users, in either direction
	ActiveBetween(ctx context.Context, a, b uuid.UUID) (bool, error)

	// RingingForReceiver returns ringing 1:1 calls addressed to the user,
	// for mid-ring redelivery on reconnect
	RingingForReceiver(ctx context.Context, userID uuid.UUID) ([]*domain.Call, error)

	// RingingForGroups returns ringing calls targeting any of the groups
	RingingForGroups(ctx context.Context, groupIDs []uuid.UUID) ([]*domain.Call, error)

	// ListByParticipant returns the user's call history, newest first,
	// optionally restricted to active (ringing/accepted) records
	ListByParticipant(ctx context.Context, userID uuid.UUID, limit, offset int, activeOnly bool) ([]*domain.Call, error)
}
