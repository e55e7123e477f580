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

package fanout

import (
	"context"

	"github.com/alwitt/talkroom/common"
	"github.com/alwitt/talkroom/registry"
	"github.com/apex/log"
)

// DeliveryReport outcome of one room broadcast
type DeliveryReport struct {
	// Attempted connections in the room snapshot
	Attempted int
	// Delivered frames accepted into an outbound queue
	Delivered int
	// Dropped older frames shed from saturated queues to make room
	Dropped int
	// Evicted connections removed for repeatedly falling behind
	Evicted int
}

// BroadcastOptions per-broadcast delivery tuning
type BroadcastOptions struct {
	// ExcludeConnection skip this connection ID, used when the sender must
	// not receive its own frame back (typing relays)
	ExcludeConnection string
}

// Broadcaster fans frames out to every connection in a room. Enqueue only,
// never blocks on any individual consumer's socket.
type Broadcaster interface {
	// Broadcast enqueue the frame to every connection in the room snapshot
	Broadcast(
		ctxt context.Context, room string, frame common.ServerFrame, opts BroadcastOptions,
	) DeliveryReport
	// Evict forcibly remove a connection, delivering a disconnect notice
	Evict(ctxt context.Context, connID string, reason string)
	// SetEvictionObserver install the eviction observer. Call before serving
	// traffic; not synchronized.
	SetEvictionObserver(observer EvictionObserver)
}

// EvictionObserver called after a connection is evicted, outside registry
// locks. The websocket layer hooks presence departure broadcasts here.
type EvictionObserver func(ctxt context.Context, conn *registry.Connection, reason string)

// broadcasterImpl implements Broadcaster
type broadcasterImpl struct {
	common.Component
	registry   registry.ConnectionRegistry
	maxStrikes int
	observer   EvictionObserver
}

// CreateBroadcaster define a new room Broadcaster
func CreateBroadcaster(
	connRegistry registry.ConnectionRegistry, config common.FanoutConfig,
) (Broadcaster, error) {
	logTags := log.Fields{
		"module": "fanout", "component": "broadcaster",
	}
	return &broadcasterImpl{
		Component:  common.Component{LogTags: logTags},
		registry:   connRegistry,
		maxStrikes: config.SlowConsumerStrikes,
	}, nil
}

// SetEvictionObserver install the eviction observer
func (b *broadcasterImpl) SetEvictionObserver(observer EvictionObserver) {
	b.observer = observer
}

// Broadcast enqueue the frame to every connection in the room snapshot
func (b *broadcasterImpl) Broadcast(
	ctxt context.Context, room string, frame common.ServerFrame, opts BroadcastOptions,
) DeliveryReport {
	logTags := common.UpdateLogTags(ctxt, b.LogTags)
	report := DeliveryReport{}
	var evictable []*registry.Connection
	for _, conn := range b.registry.ConnectionsInRoom(room) {
		if conn.ID() == opts.ExcludeConnection {
			continue
		}
		if conn.State() != registry.StateActive {
			continue
		}
		report.Attempted++
		result := conn.Enqueue(frame)
		if result.Enqueued {
			report.Delivered++
		}
		if result.Dropped {
			report.Dropped++
			log.WithFields(logTags).
				WithField("connection", conn.ID()).
				WithField("room", room).
				WithField("strikes", result.Strikes).
				Warn("Shed oldest queued frame from slow consumer")
		}
		if result.Strikes >= b.maxStrikes {
			evictable = append(evictable, conn)
		}
	}
	for _, conn := range evictable {
		b.evictConnection(ctxt, conn, "slow-consumer")
		report.Evicted++
	}
	if report.Dropped > 0 || report.Evicted > 0 {
		log.WithFields(logTags).
			WithField("room", room).
			WithField("delivered", report.Delivered).
			WithField("dropped", report.Dropped).
			WithField("evicted", report.Evicted).
			Info("Room broadcast degraded")
	}
	return report
}

// Evict forcibly remove a connection, delivering a disconnect notice
func (b *broadcasterImpl) Evict(ctxt context.Context, connID string, reason string) {
	conn, ok := b.registry.Get(connID)
	if !ok {
		return
	}
	b.evictConnection(ctxt, conn, reason)
}

// evictConnection unregister the connection and tear its transport down with
// a disconnect notice
func (b *broadcasterImpl) evictConnection(
	ctxt context.Context, conn *registry.Connection, reason string,
) {
	logTags := common.UpdateLogTags(ctxt, b.LogTags)
	removed, ok := b.registry.Unregister(conn.ID())
	if !ok {
		// Lost the race to another evictor
		return
	}
	if err := removed.SetState(registry.StateClosing); err != nil {
		log.WithError(err).WithFields(logTags).
			WithField("connection", removed.ID()).
			Debug("Connection already closing")
	}
	notice := common.DisconnectFrame(reason)
	if err := removed.Transport().Close(&notice); err != nil {
		log.WithError(err).WithFields(logTags).
			WithField("connection", removed.ID()).
			Debug("Transport close failed during eviction")
	}
	_ = removed.SetState(registry.StateClosed)
	log.WithFields(logTags).
		WithField("connection", removed.ID()).
		WithField("user", removed.User()).
		WithField("reason", reason).
		Info("Evicted connection")
	if b.observer != nil {
		b.observer(ctxt, removed, reason)
	}
}
