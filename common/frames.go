package common

import "time"

// Frame type markers exchanged with clients
const (
	FrameTypeMessage    = "message"
	FrameTypeEdit       = "edit"
	FrameTypeDelete     = "delete"
	FrameTypeDeleted    = "deleted"
	FrameTypeTyping     = "typing"
	FrameTypeJoin       = "join"
	FrameTypeLeave      = "leave"
	FrameTypeUserJoined = "user_joined"
	FrameTypeUserLeft   = "user_left"
	FrameTypeUserStatus = "user_status"
	FrameTypePing       = "ping"
	FrameTypePong       = "pong"
	FrameTypeError      = "error"
	FrameTypeDisconnect = "disconnect"
)

// ClientFrame one inbound frame from a client. The client never supplies
// message identifiers or timestamps for new messages.
type ClientFrame struct {
	// Type selects the operation: message, edit, delete, typing, join, leave, ping
	Type string `json:"type" validate:"required,oneof=message edit delete typing join leave ping"`
	// Room is the target room
	Room string `json:"room,omitempty"`
	// Body is the message content for message / edit frames
	Body string `json:"body,omitempty"`
	// MessageID references an existing message for edit / delete frames
	MessageID int64 `json:"message_id,omitempty"`
	// IsTyping carries the typing indicator state
	IsTyping bool `json:"is_typing,omitempty"`
}

// ServerFrame one outbound frame toward a client
type ServerFrame struct {
	// Type marks the frame semantics
	Type string `json:"type"`
	// MessageID identifies the message for message / deleted frames
	MessageID int64 `json:"message_id,omitempty"`
	// Room is the originating room
	Room string `json:"room,omitempty"`
	// Sender is the identity the frame concerns
	Sender string `json:"sender,omitempty"`
	// Body is the message content
	Body string `json:"body,omitempty"`
	// CreatedAt is the message creation timestamp
	CreatedAt *time.Time `json:"created_at,omitempty"`
	// State is the message lifecycle state
	State MessageState `json:"state,omitempty"`
	// IsTyping carries the typing indicator state
	IsTyping bool `json:"is_typing,omitempty"`
	// Online carries presence for user_status frames
	Online bool `json:"online,omitempty"`
	// Reason carries the reason code for error / disconnect frames
	Reason string `json:"reason,omitempty"`

	// Critical frames are never shed by the slow-consumer drop policy
	Critical bool `json:"-"`
}

// MessageFrame build the outbound frame announcing a new or edited message
func MessageFrame(msg Message) ServerFrame {
	created := msg.CreatedAt
	return ServerFrame{
		Type:      FrameTypeMessage,
		MessageID: msg.ID,
		Room:      msg.Room,
		Sender:    msg.Sender,
		Body:      msg.Body,
		CreatedAt: &created,
		State:     msg.State,
	}
}

// DeletionFrame build the outbound frame announcing a message deletion
func DeletionFrame(room string, messageID int64) ServerFrame {
	return ServerFrame{
		Type:      FrameTypeDeleted,
		MessageID: messageID,
		Room:      room,
		State:     MessageDeleted,
	}
}

// TypingFrame build the typing indicator frame
func TypingFrame(room, user string, isTyping bool) ServerFrame {
	return ServerFrame{
		Type:     FrameTypeTyping,
		Room:     room,
		Sender:   user,
		IsTyping: isTyping,
	}
}

// UserJoinedFrame build the frame announcing a user joined a room mid-session
func UserJoinedFrame(room, user string) ServerFrame {
	return ServerFrame{Type: FrameTypeUserJoined, Room: room, Sender: user}
}

// UserLeftFrame build the frame announcing a user left a room mid-session
func UserLeftFrame(room, user string) ServerFrame {
	return ServerFrame{Type: FrameTypeUserLeft, Room: room, Sender: user}
}

// UserStatusFrame build the presence frame
func UserStatusFrame(user string, online bool) ServerFrame {
	return ServerFrame{Type: FrameTypeUserStatus, Sender: user, Online: online}
}

// DisconnectFrame build the graceful eviction notice
func DisconnectFrame(reason string) ServerFrame {
	return ServerFrame{Type: FrameTypeDisconnect, Reason: reason, Critical: true}
}

// ErrorFrame build an operation rejection frame
func ErrorFrame(reason, detail string) ServerFrame {
	return ServerFrame{Type: FrameTypeError, Reason: reason, Body: detail, Critical: true}
}

// PongFrame build the application-level liveness response
func PongFrame() ServerFrame {
	return ServerFrame{Type: FrameTypePong, Critical: true}
}
