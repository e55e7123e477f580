// Copyright 2026 The talkroom Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package registry

import (
	"sync"

	"github.com/alwitt/talkroom/common"
	"github.com/apex/log"
)

// ConnectionRegistry authoritative index of live connections. Operations are
// safe for concurrent use; room snapshots are point-in-time views which may be
// stale by the time the caller iterates them.
type ConnectionRegistry interface {
	// Register admit a new connection into the registry and every room fanout
	// set it participates in. Fails closed on a duplicate connection ID.
	Register(conn *Connection) error
	// Unregister remove a connection from every index. Idempotent; the second
	// and later calls for the same ID are silent no-ops. The removed
	// connection is returned for transport teardown.
	Unregister(connID string) (*Connection, bool)
	// Get fetch a connection by ID
	Get(connID string) (*Connection, bool)
	// ConnectionsInRoom point-in-time snapshot of a room's fanout set
	ConnectionsInRoom(room string) []*Connection
	// ListConnections point-in-time snapshot of every live connection
	ListConnections() []*Connection
	// UserConnectionsInRoom how many of a user's connections remain in a room
	UserConnectionsInRoom(room, user string) int
	// JoinRoom bind a live connection to one more room fanout set. Returns
	// false when the connection is not registered.
	JoinRoom(connID, room string) bool
	// LeaveRoom unbind a live connection from one room fanout set. Returns
	// false when the connection is not registered.
	LeaveRoom(connID, room string) bool
	// Touch refresh a connection's last-seen timestamp
	Touch(connID string)
	// Close remove every connection at once, returning them for teardown
	Close() []*Connection
}

// roomFanout the fanout set of one room. Guarded by its own lock so that
// broadcasts to one room never contend with broadcasts to another.
type roomFanout struct {
	lock    sync.RWMutex
	members map[string]*Connection
}

// connectionRegistryImpl implements ConnectionRegistry
type connectionRegistryImpl struct {
	common.Component
	// lock guards the connection index and the room fanout directory. All
	// mutations run under it so a connection is never present in a fanout
	// set without also being in the index.
	lock        sync.RWMutex
	connections map[string]*Connection
	rooms       map[string]*roomFanout
}

// CreateConnectionRegistry define a new ConnectionRegistry
func CreateConnectionRegistry() (ConnectionRegistry, error) {
	logTags := log.Fields{
		"module": "registry", "component": "connection-registry",
	}
	return &connectionRegistryImpl{
		Component:   common.Component{LogTags: logTags},
		connections: make(map[string]*Connection),
		rooms:       make(map[string]*roomFanout),
	}, nil
}

// Register admit a new connection into the registry
func (r *connectionRegistryImpl) Register(conn *Connection) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	if _, ok := r.connections[conn.ID()]; ok {
		log.WithFields(r.LogTags).
			WithField("connection", conn.ID()).
			Error("Refusing duplicate connection registration")
		return common.ErrDuplicateConnection
	}
	r.connections[conn.ID()] = conn
	for _, room := range conn.Rooms() {
		fanout, ok := r.rooms[room]
		if !ok {
			fanout = &roomFanout{members: make(map[string]*Connection)}
			r.rooms[room] = fanout
		}
		fanout.lock.Lock()
		fanout.members[conn.ID()] = conn
		fanout.lock.Unlock()
	}
	log.WithFields(r.LogTags).
		WithField("connection", conn.ID()).
		WithField("user", conn.User()).
		Debug("Registered new connection")
	return nil
}

// Unregister remove a connection from every index
func (r *connectionRegistryImpl) Unregister(connID string) (*Connection, bool) {
	r.lock.Lock()
	defer r.lock.Unlock()
	conn, ok := r.connections[connID]
	if !ok {
		return nil, false
	}
	for _, room := range conn.Rooms() {
		if fanout, ok := r.rooms[room]; ok {
			fanout.lock.Lock()
			delete(fanout.members, connID)
			empty := len(fanout.members) == 0
			fanout.lock.Unlock()
			if empty {
				delete(r.rooms, room)
			}
		}
	}
	delete(r.connections, connID)
	log.WithFields(r.LogTags).
		WithField("connection", connID).
		Debug("Unregistered connection")
	return conn, true
}

// Get fetch a connection by ID
func (r *connectionRegistryImpl) Get(connID string) (*Connection, bool) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	conn, ok := r.connections[connID]
	return conn, ok
}

// ConnectionsInRoom point-in-time snapshot of a room's fanout set
func (r *connectionRegistryImpl) ConnectionsInRoom(room string) []*Connection {
	r.lock.RLock()
	fanout, ok := r.rooms[room]
	r.lock.RUnlock()
	if !ok {
		return nil
	}
	fanout.lock.RLock()
	defer fanout.lock.RUnlock()
	result := make([]*Connection, 0, len(fanout.members))
	for _, conn := range fanout.members {
		result = append(result, conn)
	}
	return result
}

// ListConnections point-in-time snapshot of every live connection
func (r *connectionRegistryImpl) ListConnections() []*Connection {
	r.lock.RLock()
	defer r.lock.RUnlock()
	result := make([]*Connection, 0, len(r.connections))
	for _, conn := range r.connections {
		result = append(result, conn)
	}
	return result
}

// UserConnectionsInRoom how many of a user's connections remain in a room
func (r *connectionRegistryImpl) UserConnectionsInRoom(room, user string) int {
	r.lock.RLock()
	fanout, ok := r.rooms[room]
	r.lock.RUnlock()
	if !ok {
		return 0
	}
	fanout.lock.RLock()
	defer fanout.lock.RUnlock()
	count := 0
	for _, conn := range fanout.members {
		if conn.User() == user {
			count++
		}
	}
	return count
}

// JoinRoom bind a live connection to one more room fanout set
func (r *connectionRegistryImpl) JoinRoom(connID, room string) bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	conn, ok := r.connections[connID]
	if !ok {
		return false
	}
	fanout, ok := r.rooms[room]
	if !ok {
		fanout = &roomFanout{members: make(map[string]*Connection)}
		r.rooms[room] = fanout
	}
	fanout.lock.Lock()
	fanout.members[connID] = conn
	fanout.lock.Unlock()
	conn.addRoom(room)
	log.WithFields(r.LogTags).
		WithField("connection", connID).
		WithField("room", room).
		Debug("Connection joined room")
	return true
}

// LeaveRoom unbind a live connection from one room fanout set
func (r *connectionRegistryImpl) LeaveRoom(connID, room string) bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	conn, ok := r.connections[connID]
	if !ok {
		return false
	}
	if fanout, ok := r.rooms[room]; ok {
		fanout.lock.Lock()
		delete(fanout.members, connID)
		empty := len(fanout.members) == 0
		fanout.lock.Unlock()
		if empty {
			delete(r.rooms, room)
		}
	}
	conn.removeRoom(room)
	log.WithFields(r.LogTags).
		WithField("connection", connID).
		WithField("room", room).
		Debug("Connection left room")
	return true
}

// Touch refresh a connection's last-seen timestamp
func (r *connectionRegistryImpl) Touch(connID string) {
	r.lock.RLock()
	conn, ok := r.connections[connID]
	r.lock.RUnlock()
	if ok {
		conn.Touch()
	}
}

// Close remove every connection at once
func (r *connectionRegistryImpl) Close() []*Connection {
	r.lock.Lock()
	defer r.lock.Unlock()
	result := make([]*Connection, 0, len(r.connections))
	for _, conn := range r.connections {
		result = append(result, conn)
	}
	r.connections = make(map[string]*Connection)
	r.rooms = make(map[string]*roomFanout)
	log.WithFields(r.LogTags).
		WithField("count", len(result)).
		Info("Cleared connection registry")
	return result
}
