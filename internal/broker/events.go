package broker

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"chatlink-backend/internal/domain"
)

// Event names pushed to clients. Keep values stable; clients match on them.
const (
	EventIncomingCall      = "incoming-call"
	EventIncomingGroupCall = "incoming-group-call"
	EventCallAccepted      = "call-accepted"
	EventCallDeclined      = "call-declined"
	EventCallCancelled     = "call-cancelled"
	EventCallEnded         = "call-ended"
	EventGroupCallEnded    = "group-call-ended"
	EventParticipantLeft   = "call-participant-left"
	EventCallTimeout       = "call-timeout"
	EventCallMissed        = "call-missed"
	EventUserStatus        = "userStatus"
)

// Session-negotiation payload kinds relayed verbatim between participants
const (
	SignalOffer     = "call-offer"
	SignalAnswer    = "call-answer"
	SignalCandidate = "ice-candidate"
)

// ValidSignal reports whether kind is a relayable payload kind
func ValidSignal(kind string) bool {
	return kind == SignalOffer || kind == SignalAnswer || kind == SignalCandidate
}

// IncomingCallEvent announces a ringing call to its addressed receivers
type IncomingCallEvent struct {
	Call *domain.Call `json:"call"`
}

// CallStateEvent reports a call status change and who caused it
type CallStateEvent struct {
	CallID uuid.UUID `json:"call_id"`
	By     uuid.UUID `json:"by,omitempty"`
	Status string    `json:"status"`
	At     time.Time `json:"at"`
}

// SignalEvent carries a relayed session-negotiation payload
type SignalEvent struct {
	CallID  uuid.UUID       `json:"call_id"`
	From    uuid.UUID       `json:"from"`
	Payload json.RawMessage `json:"payload"`
}

// UserStatusEvent is the global presence-change broadcast
type UserStatusEvent struct {
	UserID   uuid.UUID  `json:"user_id"`
	Online   bool       `json:"online"`
	LastSeen *time.Time `json:"last_seen,omitempty"`
}
