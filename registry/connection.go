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
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/talkroom/common"
)

// ConnectionState lifecycle state of one live connection
type ConnectionState int

// Connection lifecycle states. Transitions are strictly forward.
const (
	StateConnecting ConnectionState = iota
	StateAuthenticated
	StateActive
	StateClosing
	StateClosed
)

// String toString function
func (s ConnectionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Transport the transport-level resource backing a connection. Implemented by
// the websocket adapter; the registry only instructs it to probe or close.
type Transport interface {
	// SendPing send a transport-level liveness probe
	SendPing(deadline time.Time) error
	// Close tear the transport down, first delivering the notice frame when
	// one is given and the transport still allows a write
	Close(notice *common.ServerFrame) error
}

// Connection represents one live duplex channel to a client. Owned exclusively
// by the ConnectionRegistry once registered; the transport layer hands it over
// on successful handshake and receives it back only for teardown.
type Connection struct {
	id        string
	user      string
	rooms     map[string]bool
	transport Transport

	// mu guards state, lastSeen, the outbound queue, the strike counter, and
	// rooms, which can change mid-session via join / leave
	mu        sync.Mutex
	state     ConnectionState
	lastSeen  time.Time
	outbound  []common.ServerFrame
	highWater int
	hardLimit int
	strikes   int
	notify    chan struct{}
	closed    bool
}

// NewConnection define a new connection bound to a user and its rooms
func NewConnection(
	id, user string, rooms []string, transport Transport, bufferHighWater int,
) *Connection {
	roomSet := make(map[string]bool, len(rooms))
	for _, room := range rooms {
		roomSet[room] = true
	}
	return &Connection{
		id:        id,
		user:      user,
		rooms:     roomSet,
		transport: transport,
		state:     StateConnecting,
		lastSeen:  time.Now(),
		outbound:  make([]common.ServerFrame, 0, bufferHighWater),
		highWater: bufferHighWater,
		hardLimit: bufferHighWater * 2,
		notify:    make(chan struct{}, 1),
	}
}

// ID the connection identifier, unique per socket lifetime
func (c *Connection) ID() string { return c.id }

// User the bound user identity
func (c *Connection) User() string { return c.user }

// Transport the transport-level resource backing this connection
func (c *Connection) Transport() Transport { return c.transport }

// Rooms the rooms the connection participates in
func (c *Connection) Rooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	result := make([]string, 0, len(c.rooms))
	for room := range c.rooms {
		result = append(result, room)
	}
	return result
}

// InRoom whether the connection participates in a room
func (c *Connection) InRoom(room string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rooms[room]
}

// addRoom bind the connection to one more room. Only the registry calls this,
// while also updating its fanout index.
func (c *Connection) addRoom(room string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rooms[room] = true
}

// removeRoom unbind the connection from a room. Only the registry calls this.
func (c *Connection) removeRoom(room string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.rooms, room)
}

// State the current lifecycle state
func (c *Connection) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SetState advance the lifecycle state. Moving backward is refused.
func (c *Connection) SetState(newState ConnectionState) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if newState < c.state {
		return fmt.Errorf(
			"connection %s can not move from %s back to %s", c.id, c.state, newState,
		)
	}
	c.state = newState
	if newState >= StateClosing {
		c.closeQueueLocked()
	}
	return nil
}

// Touch update the last-seen timestamp
func (c *Connection) Touch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastSeen = time.Now()
}

// LastSeen when the connection last showed signs of life
func (c *Connection) LastSeen() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeen
}

// Strikes how often the connection was caught as a slow consumer
func (c *Connection) Strikes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.strikes
}

// ========================================================================================
// Outbound queue

// EnqueueResult outcome of one outbound enqueue attempt
type EnqueueResult struct {
	// Enqueued the frame is now queued for delivery
	Enqueued bool
	// Dropped an older queued frame was shed to make room
	Dropped bool
	// Strikes the connection's slow-consumer strike count after this attempt
	Strikes int
}

// Enqueue queue a frame for delivery. Never blocks. At or above the high-water
// mark the oldest queued non-critical frame is shed instead of letting the
// queue grow without bound, and the slow-consumer strike counter increments.
// Critical frames may overflow the high-water mark so teardown notices still
// reach the client, but never past a hard limit of twice the mark; beyond it
// even critical frames are shed.
func (c *Connection) Enqueue(frame common.ServerFrame) EnqueueResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.state >= StateClosing {
		return EnqueueResult{Strikes: c.strikes}
	}
	if len(c.outbound) >= c.hardLimit {
		c.strikes++
		return EnqueueResult{Strikes: c.strikes}
	}
	result := EnqueueResult{Enqueued: true}
	if len(c.outbound) >= c.highWater {
		c.strikes++
		if idx := c.oldestDroppableLocked(); idx >= 0 {
			c.outbound = append(c.outbound[:idx], c.outbound[idx+1:]...)
			result.Dropped = true
		} else if !frame.Critical {
			// Queue full of critical frames; shed the new frame instead
			result.Enqueued = false
			result.Strikes = c.strikes
			return result
		}
	}
	c.outbound = append(c.outbound, frame)
	result.Strikes = c.strikes
	c.signalLocked()
	return result
}

// NextFrame block until a frame is queued, the context ends, or the queue is
// closed. Returns false when no further frames will come.
func (c *Connection) NextFrame(ctxt context.Context) (common.ServerFrame, bool, error) {
	for {
		c.mu.Lock()
		if len(c.outbound) > 0 {
			frame := c.outbound[0]
			c.outbound = c.outbound[1:]
			if len(c.outbound) > 0 {
				c.signalLocked()
			}
			c.mu.Unlock()
			return frame, true, nil
		}
		if c.closed {
			c.mu.Unlock()
			return common.ServerFrame{}, false, nil
		}
		c.mu.Unlock()
		select {
		case <-c.notify:
		case <-ctxt.Done():
			return common.ServerFrame{}, false, ctxt.Err()
		}
	}
}

// QueueDepth current outbound queue depth
func (c *Connection) QueueDepth() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.outbound)
}

// oldestDroppableLocked index of the oldest non-critical queued frame, -1 when
// every queued frame is critical
func (c *Connection) oldestDroppableLocked() int {
	for idx, queued := range c.outbound {
		if !queued.Critical {
			return idx
		}
	}
	return -1
}

// signalLocked wake the writer without blocking
func (c *Connection) signalLocked() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// closeQueueLocked stop accepting frames and release a blocked writer
func (c *Connection) closeQueueLocked() {
	if !c.closed {
		c.closed = true
		c.signalLocked()
	}
}
