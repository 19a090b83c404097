package domain

import (
	"time"

	"github.com/google/uuid"
)

// CallKind is the media kind requested by the caller
type CallKind string

const (
	CallKindAudio CallKind = "audio"
	CallKindVideo CallKind = "video"
)

// Valid reports whether k is a known call kind
func (k CallKind) Valid() bool {
	return k == CallKindAudio || k == CallKindVideo
}

// CallStatus is the lifecycle state of a call record.
// Keep values stable because they are part of the public API.
type CallStatus string

const (
	CallStatusRinging   CallStatus = "ringing"
	CallStatusAccepted  CallStatus = "accepted"
	CallStatusDeclined  CallStatus = "declined"
	CallStatusMissed    CallStatus = "missed"
	CallStatusCancelled CallStatus = "cancelled"
	CallStatusEnded     CallStatus = "ended"
)

// Terminal reports whether no further transition is permitted from s
func (s CallStatus) Terminal() bool {
	switch s {
	case CallStatusDeclined, CallStatusMissed, CallStatusCancelled, CallStatusEnded:
		return true
	}
	return false
}

// Active reports whether the call still occupies its participants
// (ringing or accepted)
func (s CallStatus) Active() bool {
	return s == CallStatusRinging || s == CallStatusAccepted
}

// CanTransition reports whether s -> next is a legal move:
// ringing -> {accepted, declined, missed, cancelled}, accepted -> ended.
// A terminal state never transitions again.
func (s CallStatus) CanTransition(next CallStatus) bool {
	switch s {
	case CallStatusRinging:
		switch next {
		case CallStatusAccepted, CallStatusDeclined, CallStatusMissed, CallStatusCancelled:
			return true
		}
	case CallStatusAccepted:
		return next == CallStatusEnded
	}
	return false
}

// Call represents one call attempt. Exactly one of ReceiverID (1:1) or
// GroupID (group call) is set. Records are never deleted; once the status
// is terminal the record is read-only history.
type Call struct {
	CallID       uuid.UUID   `json:"call_id"`
	CallerID     uuid.UUID   `json:"caller_id"`
	ReceiverID   *uuid.UUID  `json:"receiver_id,omitempty"`
	GroupID      *uuid.UUID  `json:"group_id,omitempty"`
	Kind         CallKind    `json:"kind"`
	Status       CallStatus  `json:"status"`
	Participants []uuid.UUID `json:"participants,omitempty"` // group calls: users who joined after ringing
	StartedAt    time.Time   `json:"started_at"`
	EndedAt      *time.Time  `json:"ended_at,omitempty"`
	Duration     int         `json:"duration,omitempty"` // in seconds, meaningful only when ended
}

// IsGroup reports whether this is a group call
func (c *Call) IsGroup() bool {
	return c.GroupID != nil
}

// HasParticipant reports whether userID is currently in the joined
// participant set of a group call
func (c *Call) HasParticipant(userID uuid.UUID) bool {
	for _, p := range c.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so the store can hand records out without
// exposing internal state
func (c *Call) Clone() *Call {
	cp := *c
	if c.ReceiverID != nil {
		id := *c.ReceiverID
		cp.ReceiverID = &id
	}
	if c.GroupID != nil {
		id := *c.GroupID
		cp.GroupID = &id
	}
	if c.EndedAt != nil {
		t := *c.EndedAt
		cp.EndedAt = &t
	}
	if c.Participants != nil {
		cp.Participants = append([]uuid.UUID(nil), c.Participants...)
	}
	return &cp
}

// PairRoomID derives the deterministic signaling room id for a 1:1 call:
// the two user ids in canonical (lexicographic) order. Group calls use the
// group id directly. Rooms are derived addresses, never persisted.
func PairRoomID(a, b uuid.UUID) string {
	if a.String() < b.String() {
		return a.String() + ":" + b.String()
	}
	return b.String() + ":" + a.String()
}

// RoomID returns the signaling room address for this call
func (c *Call) RoomID() string {
	if c.GroupID != nil {
		return c.GroupID.String()
	}
	return PairRoomID(c.CallerID, *c.ReceiverID)
}
