package registry

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/talkroom/common"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestRegistryBasicOperation(t *testing.T) {
	assert := assert.New(t)

	uut, err := CreateConnectionRegistry()
	assert.Nil(err)

	conn0 := NewConnection(
		uuid.New().String(), "user-0", []string{"room-a", "room-b"}, &testTransport{}, 8,
	)
	conn1 := NewConnection(
		uuid.New().String(), "user-1", []string{"room-a"}, &testTransport{}, 8,
	)

	assert.Nil(uut.Register(conn0))
	assert.Nil(uut.Register(conn1))

	// Duplicate registration fails closed
	assert.ErrorIs(uut.Register(conn0), common.ErrDuplicateConnection)

	{
		inRoom := uut.ConnectionsInRoom("room-a")
		assert.Len(inRoom, 2)
	}
	{
		inRoom := uut.ConnectionsInRoom("room-b")
		assert.Len(inRoom, 1)
		assert.Equal(conn0.ID(), inRoom[0].ID())
	}
	assert.Empty(uut.ConnectionsInRoom("room-never-seen"))
	assert.Len(uut.ListConnections(), 2)

	fetched, ok := uut.Get(conn1.ID())
	assert.True(ok)
	assert.Equal("user-1", fetched.User())

	removed, ok := uut.Unregister(conn0.ID())
	assert.True(ok)
	assert.Equal(conn0.ID(), removed.ID())
	assert.Len(uut.ConnectionsInRoom("room-a"), 1)
	assert.Empty(uut.ConnectionsInRoom("room-b"))

	// Unregister is idempotent
	_, ok = uut.Unregister(conn0.ID())
	assert.False(ok)
	assert.Len(uut.ListConnections(), 1)
}

func TestRegistryUserConnectionCounting(t *testing.T) {
	assert := assert.New(t)

	uut, err := CreateConnectionRegistry()
	assert.Nil(err)

	// Same user on two devices
	conn0 := NewConnection(uuid.New().String(), "user-0", []string{"room-a"}, &testTransport{}, 8)
	conn1 := NewConnection(uuid.New().String(), "user-0", []string{"room-a"}, &testTransport{}, 8)
	assert.Nil(uut.Register(conn0))
	assert.Nil(uut.Register(conn1))

	assert.Equal(2, uut.UserConnectionsInRoom("room-a", "user-0"))
	assert.Equal(0, uut.UserConnectionsInRoom("room-a", "user-1"))

	_, ok := uut.Unregister(conn0.ID())
	assert.True(ok)
	assert.Equal(1, uut.UserConnectionsInRoom("room-a", "user-0"))
}

func TestRegistryRoomJoinLeave(t *testing.T) {
	assert := assert.New(t)

	uut, err := CreateConnectionRegistry()
	assert.Nil(err)

	conn0 := NewConnection(uuid.New().String(), "user-0", []string{"room-a"}, &testTransport{}, 8)
	conn1 := NewConnection(uuid.New().String(), "user-1", []string{"room-a"}, &testTransport{}, 8)
	assert.Nil(uut.Register(conn0))
	assert.Nil(uut.Register(conn1))

	// Joining binds the connection to the new room's fanout set
	assert.True(uut.JoinRoom(conn0.ID(), "room-b"))
	assert.True(conn0.InRoom("room-b"))
	{
		inRoom := uut.ConnectionsInRoom("room-b")
		assert.Len(inRoom, 1)
		assert.Equal(conn0.ID(), inRoom[0].ID())
	}
	assert.Equal(1, uut.UserConnectionsInRoom("room-b", "user-0"))

	// Leaving unbinds only that room
	assert.True(uut.LeaveRoom(conn0.ID(), "room-b"))
	assert.False(conn0.InRoom("room-b"))
	assert.True(conn0.InRoom("room-a"))
	assert.Empty(uut.ConnectionsInRoom("room-b"))

	// Unknown connections are refused
	assert.False(uut.JoinRoom(uuid.New().String(), "room-b"))
	assert.False(uut.LeaveRoom(uuid.New().String(), "room-a"))

	// Unregister after a join clears the joined room's fanout set too
	assert.True(uut.JoinRoom(conn1.ID(), "room-c"))
	_, ok := uut.Unregister(conn1.ID())
	assert.True(ok)
	assert.Empty(uut.ConnectionsInRoom("room-c"))
	assert.Len(uut.ConnectionsInRoom("room-a"), 1)
}

func TestRegistryTouch(t *testing.T) {
	assert := assert.New(t)

	uut, err := CreateConnectionRegistry()
	assert.Nil(err)

	conn := NewConnection(uuid.New().String(), "user-0", []string{"room-a"}, &testTransport{}, 8)
	assert.Nil(uut.Register(conn))

	before := conn.LastSeen()
	time.Sleep(time.Millisecond * 5)
	uut.Touch(conn.ID())
	assert.True(conn.LastSeen().After(before))

	// Touching an unknown connection is a no-op
	uut.Touch(uuid.New().String())
}

func TestRegistryClose(t *testing.T) {
	assert := assert.New(t)

	uut, err := CreateConnectionRegistry()
	assert.Nil(err)

	for idx := 0; idx < 4; idx++ {
		conn := NewConnection(
			uuid.New().String(), fmt.Sprintf("user-%d", idx), []string{"room-a"}, &testTransport{}, 8,
		)
		assert.Nil(uut.Register(conn))
	}

	removed := uut.Close()
	assert.Len(removed, 4)
	assert.Empty(uut.ListConnections())
	assert.Empty(uut.ConnectionsInRoom("room-a"))
}

func TestRegistryConcurrentChurn(t *testing.T) {
	assert := assert.New(t)

	uut, err := CreateConnectionRegistry()
	assert.Nil(err)

	workers := 8
	perWorker := 50
	wg := sync.WaitGroup{}
	for worker := 0; worker < workers; worker++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for idx := 0; idx < perWorker; idx++ {
				conn := NewConnection(
					uuid.New().String(),
					fmt.Sprintf("user-%d", worker),
					[]string{"room-shared", fmt.Sprintf("room-%d", worker)},
					&testTransport{},
					8,
				)
				if uut.Register(conn) != nil {
					continue
				}
				_ = uut.ConnectionsInRoom("room-shared")
				uut.Touch(conn.ID())
				uut.Unregister(conn.ID())
			}
		}(worker)
	}
	wg.Wait()

	assert.Empty(uut.ListConnections())
	assert.Empty(uut.ConnectionsInRoom("room-shared"))
}
