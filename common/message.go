package common

import (
	"fmt"
	"time"
)

// MessageState lifecycle state of a persisted message
type MessageState string

// Message lifecycle states. Transitions are monotone: active and edited may
// move to edited or deleted, deleted is terminal.
const (
	MessageActive  MessageState = "active"
	MessageEdited  MessageState = "edited"
	MessageDeleted MessageState = "deleted"
)

// CanTransitionTo whether a message in this state may move to the new state
func (s MessageState) CanTransitionTo(next MessageState) bool {
	switch s {
	case MessageActive, MessageEdited:
		return next == MessageEdited || next == MessageDeleted
	default:
		return false
	}
}

// Message representing one talkroom message
type Message struct {
	// ID is assigned by the core, strictly increasing per room, never reused
	ID int64 `json:"id" validate:"gte=1"`
	// Room is the room the message belongs to
	Room string `json:"room" validate:"required"`
	// Sender is the identity which submitted the message
	Sender string `json:"sender" validate:"required"`
	// Body is the message content
	Body string `json:"body" validate:"required"`
	// CreatedAt is the core-assigned creation timestamp
	CreatedAt time.Time `json:"created_at"`
	// State is the message lifecycle state
	State MessageState `json:"state"`
}

// String toString function
func (m Message) String() string {
	return fmt.Sprintf("%s@%s:MSG[%d]", m.Sender, m.Room, m.ID)
}
