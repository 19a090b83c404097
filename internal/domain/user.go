package domain

import (
	"time"

	"github.com/google/uuid"
)

// User is the slice of the user directory the call core needs.
// Online/LastSeen are derived from the presence registry, which is their
// sole writer.
type User struct {
	UserID      uuid.UUID  `json:"user_id"`
	Username    string     `json:"username"`
	DisplayName string     `json:"display_name,omitempty"`
	Online      bool       `json:"online"`
	LastSeen    *time.Time `json:"last_seen,omitempty"`
}

// Group is a chat group usable as a group-call target
type Group struct {
	GroupID   uuid.UUID `json:"group_id"`
	Name      string    `json:"name"`
	OwnerID   uuid.UUID `json:"owner_id"`
	CreatedAt time.Time `json:"created_at"`
}
