package storage

import (
	"context"

	"github.com/alwitt/talkroom/common"
)

// Member role labels within a room
const (
	RoleMember = "member"
	RoleAdmin  = "admin"
)

// MessageStore persistence contract for the message stream. The store is
// external and authoritative; every call may be slow or fail and must be
// bounded by the caller's context.
type MessageStore interface {
	// PersistMessage record a newly created message. Message identifiers are
	// assigned core-side before this call. A (room, message ID) pair already
	// present in the store is reported as common.ErrDuplicateMessageID so the
	// caller can re-derive the next identifier.
	PersistMessage(ctxt context.Context, msg common.Message) error
	// UpdateMessageState apply a message lifecycle transition, updating the
	// body as well when the transition is an edit
	UpdateMessageState(
		ctxt context.Context, room string, messageID int64, newState common.MessageState, body string,
	) error
	// GetMessage fetch one message of a room
	GetMessage(ctxt context.Context, room string, messageID int64) (common.Message, error)
	// LatestMessageID highest message identifier persisted for a room, 0 when
	// the room has no messages
	LatestMessageID(ctxt context.Context, room string) (int64, error)
}

// MembershipStore authoritative room membership reads
type MembershipStore interface {
	// GetMembers the user identity to role mapping of a room
	GetMembers(ctxt context.Context, room string) (map[string]string, error)
	// IsMember whether the user currently belongs to the room
	IsMember(ctxt context.Context, user, room string) (bool, error)
	// ListRooms the rooms the user currently belongs to
	ListRooms(ctxt context.Context, user string) ([]string, error)
}

// Driver the full storage collaborator surface
type Driver interface {
	MessageStore
	MembershipStore
	// Ready whether the store is currently reachable
	Ready(ctxt context.Context) error
	// Close release the underlying connections
	Close()
}
