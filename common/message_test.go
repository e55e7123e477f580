package common

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMessageStateTransitions(t *testing.T) {
	assert := assert.New(t)

	assert.True(MessageActive.CanTransitionTo(MessageEdited))
	assert.True(MessageActive.CanTransitionTo(MessageDeleted))
	assert.True(MessageEdited.CanTransitionTo(MessageEdited))
	assert.True(MessageEdited.CanTransitionTo(MessageDeleted))

	// Deleted is terminal
	assert.False(MessageDeleted.CanTransitionTo(MessageEdited))
	assert.False(MessageDeleted.CanTransitionTo(MessageDeleted))
	assert.False(MessageDeleted.CanTransitionTo(MessageActive))

	// Nothing moves back to active
	assert.False(MessageActive.CanTransitionTo(MessageActive))
	assert.False(MessageEdited.CanTransitionTo(MessageActive))
}

func TestCriticalFramesMarked(t *testing.T) {
	assert := assert.New(t)

	// Frames a client must not miss are exempt from queue shedding
	assert.True(DisconnectFrame("slow-consumer").Critical)
	assert.True(ErrorFrame("not-authorized", "detail").Critical)
	assert.True(PongFrame().Critical)

	assert.False(MessageFrame(Message{ID: 1, Room: "room-a"}).Critical)
	assert.False(TypingFrame("room-a", "user-0", true).Critical)
	assert.False(UserStatusFrame("user-0", true).Critical)
	assert.False(DeletionFrame("room-a", 1).Critical)
}
