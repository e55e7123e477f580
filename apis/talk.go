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

package apis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/talkroom/auth"
	"github.com/alwitt/talkroom/common"
	"github.com/alwitt/talkroom/fanout"
	"github.com/alwitt/talkroom/membership"
	"github.com/alwitt/talkroom/pipeline"
	"github.com/alwitt/talkroom/registry"
	"github.com/alwitt/talkroom/storage"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// socketWriteTimeout per-write deadline on the websocket
const socketWriteTimeout = time.Second * 10

// APIRestTalkHandler REST / websocket handler for the talk endpoint
type APIRestTalkHandler struct {
	goutils.RestAPIHandler
	tokens       auth.TokenValidator
	members      storage.MembershipStore
	oracle       membership.Oracle
	registry     registry.ConnectionRegistry
	broadcaster  fanout.Broadcaster
	pipeline     pipeline.MessagePipeline
	validate     *validator.Validate
	upgrader     websocket.Upgrader
	highWater    int
	maxStrikes   int
	callDeadline time.Duration
	baseContext  context.Context
	wg           *sync.WaitGroup
}

// GetAPIRestTalkHandler define APIRestTalkHandler
func GetAPIRestTalkHandler(
	baseContext context.Context,
	tokens auth.TokenValidator,
	members storage.MembershipStore,
	oracle membership.Oracle,
	connRegistry registry.ConnectionRegistry,
	broadcaster fanout.Broadcaster,
	msgPipeline pipeline.MessagePipeline,
	httpConfig *common.HTTPConfig,
	fanoutConfig common.FanoutConfig,
	storageConfig common.StorageConfig,
	wg *sync.WaitGroup,
) (APIRestTalkHandler, error) {
	logTags := log.Fields{
		"module":    "rest",
		"component": "talk",
	}
	return APIRestTalkHandler{
		RestAPIHandler: getRestAPIHandlerBase(logTags, httpConfig),
		tokens:         tokens,
		members:        members,
		oracle:         oracle,
		registry:       connRegistry,
		broadcaster:    broadcaster,
		pipeline:       msgPipeline,
		validate:       validator.New(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		highWater:    fanoutConfig.BufferHighWater,
		maxStrikes:   fanoutConfig.SlowConsumerStrikes,
		callDeadline: time.Duration(storageConfig.CallDeadline) * time.Second,
		baseContext:  baseContext,
		wg:           wg,
	}, nil
}

// Talk godoc
// @Summary Establish a talk session
// @Description Validate the connection credential, then upgrade to a
// websocket session carrying room message traffic. This is a long lived
// duplex stream which closes on client disconnect, eviction, or shutdown.
// @tags Talk
// @Produce json
// @Param Talkroom-Request-ID header string false "User provided request ID to match against logs"
// @Param token query string true "Connection credential"
// @Success 101 {string} string "protocol upgrade"
// @Failure 401 {object} goutils.RestAPIBaseResponse "error"
// @Failure 503 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/talk [get]
func (h APIRestTalkHandler) Talk(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())

	credential := r.URL.Query().Get("token")
	if credential == "" {
		msg := "No connection credential provided"
		log.WithFields(localLogTags).Error(msg)
		respBody := h.GetStdRESTErrorMsg(r.Context(), http.StatusUnauthorized, msg, msg)
		if err := h.WriteRESTResponse(w, http.StatusUnauthorized, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
		return
	}

	identity, err := h.tokens.Validate(credential)
	if err != nil {
		msg := "Connection credential rejected"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respBody := h.GetStdRESTErrorMsg(r.Context(), http.StatusUnauthorized, msg, err.Error())
		if err := h.WriteRESTResponse(w, http.StatusUnauthorized, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
		return
	}

	loadCtxt, cancel := context.WithTimeout(r.Context(), h.callDeadline)
	rooms, err := h.members.ListRooms(loadCtxt, identity.UserID)
	cancel()
	if err != nil {
		msg := "Unable to load user's room memberships"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respBody := h.GetStdRESTErrorMsg(
			r.Context(), http.StatusServiceUnavailable, msg, err.Error(),
		)
		if err := h.WriteRESTResponse(w, http.StatusServiceUnavailable, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
		return
	}

	socket, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client
		log.WithError(err).WithFields(localLogTags).Error("Websocket upgrade failed")
		return
	}

	transport := &wsTransport{socket: socket}
	conn := registry.NewConnection(
		uuid.New().String(), identity.UserID, rooms, transport, h.highWater,
	)
	_ = conn.SetState(registry.StateAuthenticated)
	if err := h.registry.Register(conn); err != nil {
		log.WithError(err).WithFields(localLogTags).
			WithField("connection", conn.ID()).
			Error("Connection registration failed")
		notice := common.DisconnectFrame("registration-failure")
		_ = transport.Close(&notice)
		return
	}
	_ = conn.SetState(registry.StateActive)
	log.WithFields(localLogTags).
		WithField("connection", conn.ID()).
		WithField("user", conn.User()).
		WithField("rooms", len(rooms)).
		Info("Talk session established")

	h.runSession(conn, transport, localLogTags)
}

// TalkHandler Wrapper around Talk
func (h APIRestTalkHandler) TalkHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Talk(w, r)
	}
}

// ========================================================================================
// Session loops

// runSession drive one talk session until the socket dies or the server
// shuts down. Blocks for the session lifetime.
func (h APIRestTalkHandler) runSession(
	conn *registry.Connection, transport *wsTransport, logTags log.Fields,
) {
	sessionCtxt, sessionCancel := context.WithCancel(h.baseContext)
	defer sessionCancel()

	// Any traffic from the client counts as life
	transport.socket.SetPongHandler(func(string) error {
		h.registry.Touch(conn.ID())
		return nil
	})

	h.wg.Add(1)
	go h.writePump(sessionCtxt, conn, transport, logTags)

	h.announcePresence(sessionCtxt, conn, true)

	h.readPump(sessionCtxt, conn, transport, logTags)

	// Teardown. The connection may already be gone if an evictor won.
	sessionCancel()
	if removed, ok := h.registry.Unregister(conn.ID()); ok {
		_ = removed.SetState(registry.StateClosing)
		_ = transport.Close(nil)
		_ = removed.SetState(registry.StateClosed)
		h.announcePresence(context.Background(), removed, false)
	}
	log.WithFields(logTags).
		WithField("connection", conn.ID()).
		WithField("user", conn.User()).
		Info("Talk session ended")
}

// readPump consume inbound frames until the socket errors or closes
func (h APIRestTalkHandler) readPump(
	ctxt context.Context, conn *registry.Connection, transport *wsTransport, logTags log.Fields,
) {
	for {
		_, raw, err := transport.socket.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(
				err, websocket.CloseNormalClosure, websocket.CloseGoingAway,
			) {
				log.WithError(err).WithFields(logTags).
					WithField("connection", conn.ID()).
					Warn("Talk session read failure")
			}
			return
		}
		h.registry.Touch(conn.ID())
		var frame common.ClientFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			h.rejectFrame(ctxt, conn, "malformed-frame", err.Error())
			continue
		}
		if err := h.validate.Struct(&frame); err != nil {
			h.rejectFrame(ctxt, conn, "malformed-frame", err.Error())
			continue
		}
		h.dispatchFrame(ctxt, conn, frame, logTags)
	}
}

// dispatchFrame route one inbound frame to its operation
func (h APIRestTalkHandler) dispatchFrame(
	ctxt context.Context, conn *registry.Connection, frame common.ClientFrame, logTags log.Fields,
) {
	switch frame.Type {
	case common.FrameTypeMessage:
		if _, err := h.pipeline.Submit(ctxt, conn, frame.Room, frame.Body); err != nil {
			h.rejectFrame(ctxt, conn, rejectionReason(err), err.Error())
		}
	case common.FrameTypeEdit:
		if _, err := h.pipeline.Edit(
			ctxt, conn, frame.Room, frame.MessageID, frame.Body,
		); err != nil {
			h.rejectFrame(ctxt, conn, rejectionReason(err), err.Error())
		}
	case common.FrameTypeDelete:
		if err := h.pipeline.Delete(ctxt, conn, frame.Room, frame.MessageID); err != nil {
			h.rejectFrame(ctxt, conn, rejectionReason(err), err.Error())
		}
	case common.FrameTypeTyping:
		h.relayTyping(ctxt, conn, frame, logTags)
	case common.FrameTypeJoin:
		h.handleJoin(ctxt, conn, frame, logTags)
	case common.FrameTypeLeave:
		h.handleLeave(ctxt, conn, frame)
	case common.FrameTypePing:
		if result := conn.Enqueue(common.PongFrame()); result.Strikes >= h.maxStrikes {
			h.broadcaster.Evict(ctxt, conn.ID(), "slow-consumer")
		}
	default:
		h.rejectFrame(ctxt, conn, "malformed-frame", fmt.Sprintf(
			"unsupported frame type '%s'", frame.Type,
		))
	}
}

// rejectFrame queue an operation rejection toward the client. Rejections are
// critical frames exempt from the drop policy, so a client generating them
// faster than it reads collects strikes and is evicted like any other slow
// consumer.
func (h APIRestTalkHandler) rejectFrame(
	ctxt context.Context, conn *registry.Connection, reason, detail string,
) {
	result := conn.Enqueue(common.ErrorFrame(reason, detail))
	if result.Strikes >= h.maxStrikes {
		h.broadcaster.Evict(ctxt, conn.ID(), "slow-consumer")
	}
}

// handleJoin attach the session to one more room's live fanout. Membership
// must already exist in storage; joining never grants it.
func (h APIRestTalkHandler) handleJoin(
	ctxt context.Context, conn *registry.Connection, frame common.ClientFrame, logTags log.Fields,
) {
	if conn.InRoom(frame.Room) {
		return
	}
	member, err := h.oracle.IsMember(ctxt, conn.User(), frame.Room)
	if err != nil {
		log.WithError(err).WithFields(logTags).
			WithField("connection", conn.ID()).
			WithField("room", frame.Room).
			Error("Membership check failed for room join")
		h.rejectFrame(ctxt, conn, rejectionReason(err), err.Error())
		return
	}
	if !member {
		h.rejectFrame(ctxt, conn, "not-authorized", fmt.Sprintf(
			"not a member of room '%s'", frame.Room,
		))
		return
	}
	if !h.registry.JoinRoom(conn.ID(), frame.Room) {
		return
	}
	h.broadcaster.Broadcast(
		ctxt,
		frame.Room,
		common.UserJoinedFrame(frame.Room, conn.User()),
		fanout.BroadcastOptions{ExcludeConnection: conn.ID()},
	)
}

// handleLeave detach the session from one room's live fanout. Storage level
// membership is untouched.
func (h APIRestTalkHandler) handleLeave(
	ctxt context.Context, conn *registry.Connection, frame common.ClientFrame,
) {
	if !conn.InRoom(frame.Room) {
		h.rejectFrame(ctxt, conn, "not-in-room", fmt.Sprintf(
			"not attached to room '%s'", frame.Room,
		))
		return
	}
	if !h.registry.LeaveRoom(conn.ID(), frame.Room) {
		return
	}
	h.broadcaster.Broadcast(
		ctxt,
		frame.Room,
		common.UserLeftFrame(frame.Room, conn.User()),
		fanout.BroadcastOptions{ExcludeConnection: conn.ID()},
	)
}

// relayTyping fan a typing indicator out to the room, excluding the sender.
// Never persisted.
func (h APIRestTalkHandler) relayTyping(
	ctxt context.Context, conn *registry.Connection, frame common.ClientFrame, logTags log.Fields,
) {
	member, err := h.oracle.IsMember(ctxt, conn.User(), frame.Room)
	if err != nil {
		log.WithError(err).WithFields(logTags).
			WithField("connection", conn.ID()).
			WithField("room", frame.Room).
			Error("Membership check failed for typing relay")
		h.rejectFrame(ctxt, conn, rejectionReason(err), err.Error())
		return
	}
	if !member {
		h.rejectFrame(ctxt, conn, "not-authorized", fmt.Sprintf(
			"not a member of room '%s'", frame.Room,
		))
		return
	}
	h.broadcaster.Broadcast(
		ctxt,
		frame.Room,
		common.TypingFrame(frame.Room, conn.User(), frame.IsTyping),
		fanout.BroadcastOptions{ExcludeConnection: conn.ID()},
	)
}

// writePump drain the connection's outbound queue onto the socket
func (h APIRestTalkHandler) writePump(
	ctxt context.Context, conn *registry.Connection, transport *wsTransport, logTags log.Fields,
) {
	defer h.wg.Done()
	for {
		frame, ok, err := conn.NextFrame(ctxt)
		if err != nil || !ok {
			return
		}
		if err := transport.WriteFrame(frame); err != nil {
			log.WithError(err).WithFields(logTags).
				WithField("connection", conn.ID()).
				Warn("Talk session write failure")
			// Dropping the socket unblocks the read pump into teardown
			_ = transport.Close(nil)
			return
		}
	}
}

// announcePresence broadcast a user_status frame to each of the connection's
// rooms. Online excludes the user's own connection; offline is only sent for
// rooms where the user has no remaining connection.
func (h APIRestTalkHandler) announcePresence(
	ctxt context.Context, conn *registry.Connection, online bool,
) {
	frame := common.UserStatusFrame(conn.User(), online)
	for _, room := range conn.Rooms() {
		if !online && h.registry.UserConnectionsInRoom(room, conn.User()) > 0 {
			continue
		}
		h.broadcaster.Broadcast(ctxt, room, frame, fanout.BroadcastOptions{
			ExcludeConnection: conn.ID(),
		})
	}
}

// AnnounceDeparture eviction observer hook: broadcast the user going offline
// after the broadcaster or heartbeat monitor removed the connection
func (h APIRestTalkHandler) AnnounceDeparture(
	ctxt context.Context, conn *registry.Connection, reason string,
) {
	h.announcePresence(ctxt, conn, false)
}

// rejectionReason map an operation failure onto a client-facing reason code
func rejectionReason(err error) string {
	switch {
	case errors.Is(err, common.ErrNotAuthorized):
		return "not-authorized"
	case errors.Is(err, common.ErrInvalidStateTransition):
		return "invalid-state"
	case errors.Is(err, common.ErrUnknownMessage):
		return "unknown-message"
	case errors.Is(err, common.ErrEmptyMessageBody):
		return "empty-body"
	case errors.Is(err, common.ErrMessageBodyTooLarge):
		return "body-too-large"
	case errors.Is(err, common.ErrConnectionNotActive):
		return "not-active"
	case errors.Is(err, common.ErrPersistence):
		return "persistence-failure"
	}
	return "internal-failure"
}

// ========================================================================================
// Websocket transport adapter

// wsTransport registry.Transport over one gorilla websocket. Data writes are
// serialized by the lock; control frames go through WriteControl which is
// safe alongside data writers.
type wsTransport struct {
	lock   sync.Mutex
	socket *websocket.Conn
	closed bool
}

// WriteFrame send one JSON frame on the socket
func (t *wsTransport) WriteFrame(frame common.ServerFrame) error {
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.closed {
		return websocket.ErrCloseSent
	}
	_ = t.socket.SetWriteDeadline(time.Now().Add(socketWriteTimeout))
	return t.socket.WriteJSON(&frame)
}

// SendPing send a transport-level liveness probe
func (t *wsTransport) SendPing(deadline time.Time) error {
	return t.socket.WriteControl(websocket.PingMessage, nil, deadline)
}

// Close tear the socket down, first delivering the notice frame when given
func (t *wsTransport) Close(notice *common.ServerFrame) error {
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	if notice != nil {
		_ = t.socket.SetWriteDeadline(time.Now().Add(socketWriteTimeout))
		_ = t.socket.WriteJSON(notice)
	}
	_ = t.socket.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(socketWriteTimeout),
	)
	return t.socket.Close()
}
