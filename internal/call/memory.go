package call

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"chatlink-backend/internal/domain"
)

// MemoryStore is an in-process Store. A single mutex makes every
// check-then-mutate an atomic unit, which is all the state machine needs.
// It backs tests and single-node deployments without a database.
type MemoryStore struct {
	mu    sync.Mutex
	calls map[uuid.UUID]*domain.Call
	now   func() time.Time
}

// NewMemoryStore creates an empty in-memory call store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		calls: make(map[uuid.UUID]*domain.Call),
		now:   time.Now,
	}
}

// Create persists a new record in status ringing
func (s *MemoryStore) Create(ctx context.Context, c *domain.Call) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls[c.CallID] = c.Clone()
	return nil
}

// Get returns a copy of the record
func (s *MemoryStore) Get(ctx context.Context, callID uuid.UUID) (*domain.Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.calls[callID]
	if !ok {
		return nil, ErrNotFound
	}
	return c.Clone(), nil
}

// Accept applies the accept transition atomically
func (s *MemoryStore) Accept(ctx context.Context, callID, actorID uuid.UUID) (*domain.Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.calls[callID]
	if !ok {
		return nil, ErrNotFound
	}

	if c.IsGroup() {
		if c.Status.Terminal() {
			return nil, ErrAlreadyResolved
		}
		if !c.HasParticipant(actorID) {
			c.Participants = append(c.Participants, actorID)
		}
		if c.Status == domain.CallStatusRinging {
			c.Status = domain.CallStatusAccepted
		}
		return c.Clone(), nil
	}

	if c.Status != domain.CallStatusRinging {
		return nil, ErrAlreadyResolved
	}
	c.Status = domain.CallStatusAccepted
	return c.Clone(), nil
}

// Decline moves a ringing call to declined
func (s *MemoryStore) Decline(ctx context.Context, callID uuid.UUID) (*domain.Call, error) {
	return s.resolveFromRinging(callID, domain.CallStatusDeclined)
}

// Cancel moves a ringing call to cancelled
func (s *MemoryStore) Cancel(ctx context.Context, callID uuid.UUID) (*domain.Call, error) {
	return s.resolveFromRinging(callID, domain.CallStatusCancelled)
}

// MarkMissed moves a still-ringing call to missed
func (s *MemoryStore) MarkMissed(ctx context.Context, callID uuid.UUID) (*domain.Call, error) {
	return s.resolveFromRinging(callID, domain.CallStatusMissed)
}

func (s *MemoryStore) resolveFromRinging(callID uuid.UUID, next domain.CallStatus) (*domain.Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.calls[callID]
	if !ok {
		return nil, ErrNotFound
	}
	if c.Status != domain.CallStatusRinging {
		return nil, ErrAlreadyResolved
	}

	now := s.now()
	c.Status = next
	c.EndedAt = &now
	return c.Clone(), nil
}

// End moves an accepted call to ended and computes the duration
func (s *MemoryStore) End(ctx context.Context, callID uuid.UUID) (*domain.Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.calls[callID]
	if !ok {
		return nil, ErrNotFound
	}
	if c.Status.Terminal() {
		return nil, ErrAlreadyResolved
	}
	if c.Status != domain.CallStatusAccepted {
		return nil, ErrInvalidTransition
	}

	now := s.now()
	c.Status = domain.CallStatusEnded
	c.EndedAt = &now
	c.Duration = int(now.Sub(c.StartedAt).Seconds())
	return c.Clone(), nil
}

// Leave removes actorID from a group call's participant set
func (s *MemoryStore) Leave(ctx context.Context, callID, actorID uuid.UUID) (*domain.Call, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.calls[callID]
	if !ok {
		return nil, false, ErrNotFound
	}
	if c.Status != domain.CallStatusAccepted {
		return nil, false, ErrAlreadyResolved
	}

	kept := c.Participants[:0]
	for _, p := range c.Participants {
		if p != actorID {
			kept = append(kept, p)
		}
	}
	c.Participants = kept
	return c.Clone(), len(c.Participants) == 0, nil
}

// ActiveBetween reports whether a live 1:1 call exists between the two users
func (s *MemoryStore) ActiveBetween(ctx context.Context, a, b uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.calls {
		if c.IsGroup() || !c.Status.Active() {
			continue
		}
		r := *c.ReceiverID
		if (c.CallerID == a && r == b) || (c.CallerID == b && r == a) {
			return true, nil
		}
	}
	return false, nil
}

// RingingForReceiver returns ringing 1:1 calls addressed to the user
func (s *MemoryStore) RingingForReceiver(ctx context.Context, userID uuid.UUID) ([]*domain.Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*domain.Call
	for _, c := range s.calls {
		if !c.IsGroup() && c.Status == domain.CallStatusRinging && *c.ReceiverID == userID {
			out = append(out, c.Clone())
		}
	}
	return out, nil
}

// RingingForGroups returns ringing calls targeting any of the groups
func (s *MemoryStore) RingingForGroups(ctx context.Context, groupIDs []uuid.UUID) ([]*domain.Call, error) {
	groups := make(map[uuid.UUID]struct{}, len(groupIDs))
	for _, g := range groupIDs {
		groups[g] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*domain.Call
	for _, c := range s.calls {
		if !c.IsGroup() || c.Status != domain.CallStatusRinging {
			continue
		}
		if _, ok := groups[*c.GroupID]; ok {
			out = append(out, c.Clone())
		}
	}
	return out, nil
}

// ListByParticipant returns the user's call history, newest first
func (s *MemoryStore) ListByParticipant(ctx context.Context, userID uuid.UUID, limit, offset int, activeOnly bool) ([]*domain.Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var all []*domain.Call
	for _, c := range s.calls {
		if activeOnly && !c.Status.Active() {
			continue
		}
		involved := c.CallerID == userID ||
			(c.ReceiverID != nil && *c.ReceiverID == userID) ||
			c.HasParticipant(userID)
		if involved {
			all = append(all, c.Clone())
		}
	}

	sort.Slice(all, func(i, j int) bool {
		return all[i].StartedAt.After(all[j].StartedAt)
	})

	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}
