package common

import (
	"errors"
	"fmt"
)

// AuthenticationReason reason codes for refusing a connection credential
type AuthenticationReason string

// Credential rejection reason codes
const (
	ReasonMalformed     AuthenticationReason = "malformed"
	ReasonExpired       AuthenticationReason = "expired"
	ReasonBadSignature  AuthenticationReason = "bad-signature"
	ReasonWrongAudience AuthenticationReason = "wrong-audience"
)

// AuthenticationError credential failed validation; the connection is refused
// before any state is created
type AuthenticationError struct {
	Reason AuthenticationReason
}

// Error implement error
func (e AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failure: %s", e.Reason)
}

// Is support errors.Is matching on the type regardless of reason
func (e AuthenticationError) Is(target error) bool {
	_, ok := target.(AuthenticationError)
	return ok
}

// ErrNotAuthenticated matcher instance for errors.Is
var ErrNotAuthenticated = AuthenticationError{}

// ========================================================================================

// AuthorizationError the identity is valid but is not permitted to act on the room
type AuthorizationError struct {
	User string
	Room string
}

// Error implement error
func (e AuthorizationError) Error() string {
	return fmt.Sprintf("user %s is not a member of room %s", e.User, e.Room)
}

// Is support errors.Is matching on the type
func (e AuthorizationError) Is(target error) bool {
	_, ok := target.(AuthorizationError)
	return ok
}

// ErrNotAuthorized matcher instance for errors.Is
var ErrNotAuthorized = AuthorizationError{}

// ========================================================================================

// PersistenceError the storage collaborator failed or timed out. The operation is
// rejected with no partial state; the client may retry.
type PersistenceError struct {
	Op    string
	Cause error
}

// Error implement error
func (e PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure during %s: %s", e.Op, e.Cause)
}

// Unwrap expose the storage error
func (e PersistenceError) Unwrap() error {
	return e.Cause
}

// Is support errors.Is matching on the type
func (e PersistenceError) Is(target error) bool {
	_, ok := target.(PersistenceError)
	return ok
}

// ErrPersistence matcher instance for errors.Is
var ErrPersistence = PersistenceError{}

// ========================================================================================

// InvalidStateTransitionError a message state change was requested which the message's
// current state does not permit
type InvalidStateTransitionError struct {
	MessageID int64
	From      string
	To        string
}

// Error implement error
func (e InvalidStateTransitionError) Error() string {
	return fmt.Sprintf("message %d can not move from %s to %s", e.MessageID, e.From, e.To)
}

// Is support errors.Is matching on the type
func (e InvalidStateTransitionError) Is(target error) bool {
	_, ok := target.(InvalidStateTransitionError)
	return ok
}

// ErrInvalidStateTransition matcher instance for errors.Is
var ErrInvalidStateTransition = InvalidStateTransitionError{}

// ========================================================================================

// Registry invariant violations and message validation failures
var (
	// ErrDuplicateConnection a registration reused a live connection ID. Never expected
	// under correct transport usage; the new registration fails closed.
	ErrDuplicateConnection = errors.New("connection ID already registered")
	// ErrConnectionNotActive the submitting connection is not in the active state
	ErrConnectionNotActive = errors.New("connection is not active")
	// ErrEmptyMessageBody message body must not be empty
	ErrEmptyMessageBody = errors.New("message body is empty")
	// ErrMessageBodyTooLarge message body exceeded the configured maximum
	ErrMessageBodyTooLarge = errors.New("message body exceeds maximum length")
	// ErrUnknownMessage referenced message does not exist in the room
	ErrUnknownMessage = errors.New("no such message in room")
	// ErrDuplicateMessageID a persist found the (room, message ID) pair already
	// taken, so the sequencer's view of the room is stale
	ErrDuplicateMessageID = errors.New("message ID already persisted for room")
)
