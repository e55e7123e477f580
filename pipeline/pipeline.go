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

package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/alwitt/talkroom/common"
	"github.com/alwitt/talkroom/fanout"
	"github.com/alwitt/talkroom/membership"
	"github.com/alwitt/talkroom/registry"
	"github.com/alwitt/talkroom/storage"
	"github.com/apex/log"
)

// MessagePipeline end-to-end processing of message submissions and message
// state changes. The pipeline persists before it broadcasts: a frame is only
// fanned out once the store accepted the change.
type MessagePipeline interface {
	// Submit validate, persist, and broadcast a new message
	Submit(
		ctxt context.Context, conn *registry.Connection, room, body string,
	) (common.Message, error)
	// Edit apply an edit to an existing message and broadcast the new content
	Edit(
		ctxt context.Context, conn *registry.Connection, room string, messageID int64, body string,
	) (common.Message, error)
	// Delete mark an existing message deleted and broadcast a deletion notice
	Delete(
		ctxt context.Context, conn *registry.Connection, room string, messageID int64,
	) error
}

// roomSequencer per-room message ID assignment. The lock is held across the
// persist call so identifiers are gap-free: the counter only advances once
// the store accepted the message, and a failed persist never burns an ID.
type roomSequencer struct {
	lock        sync.Mutex
	next        int64
	initialized bool
}

// messagePipelineImpl implements MessagePipeline
type messagePipelineImpl struct {
	common.Component
	store        storage.MessageStore
	oracle       membership.Oracle
	broadcaster  fanout.Broadcaster
	maxBodyLen   int
	callDeadline time.Duration

	sequencerLock sync.Mutex
	sequencers    map[string]*roomSequencer
}

// CreateMessagePipeline define a new MessagePipeline
func CreateMessagePipeline(
	store storage.MessageStore,
	oracle membership.Oracle,
	broadcaster fanout.Broadcaster,
	msgConfig common.MessageConfig,
	storageConfig common.StorageConfig,
) (MessagePipeline, error) {
	logTags := log.Fields{
		"module": "pipeline", "component": "message-pipeline",
	}
	return &messagePipelineImpl{
		Component:    common.Component{LogTags: logTags},
		store:        store,
		oracle:       oracle,
		broadcaster:  broadcaster,
		maxBodyLen:   msgConfig.MaxBodyLength,
		callDeadline: time.Duration(storageConfig.CallDeadline) * time.Second,
		sequencers:   make(map[string]*roomSequencer),
	}, nil
}

// Submit validate, persist, and broadcast a new message
func (p *messagePipelineImpl) Submit(
	ctxt context.Context, conn *registry.Connection, room, body string,
) (common.Message, error) {
	logTags := common.UpdateLogTags(ctxt, p.LogTags)
	if err := p.admit(ctxt, conn, room); err != nil {
		return common.Message{}, err
	}
	if err := p.validateBody(body); err != nil {
		return common.Message{}, err
	}

	sequencer := p.sequencerFor(room)
	sequencer.lock.Lock()
	defer sequencer.lock.Unlock()
	if !sequencer.initialized {
		callCtxt, cancel := context.WithTimeout(ctxt, p.callDeadline)
		latest, err := p.store.LatestMessageID(callCtxt, room)
		cancel()
		if err != nil {
			log.WithError(err).WithFields(logTags).
				WithField("room", room).
				Error("Unable to read room's latest message ID")
			return common.Message{}, common.PersistenceError{Op: "latest-message-id", Cause: err}
		}
		sequencer.next = latest
		sequencer.initialized = true
	}

	msg := common.Message{
		ID:        sequencer.next + 1,
		Room:      room,
		Sender:    conn.User(),
		Body:      body,
		CreatedAt: time.Now().UTC(),
		State:     common.MessageActive,
	}
	callCtxt, cancel := context.WithTimeout(ctxt, p.callDeadline)
	err := p.store.PersistMessage(callCtxt, msg)
	cancel()
	if err != nil {
		if errors.Is(err, common.ErrDuplicateMessageID) {
			// The ID was taken by a write this sequencer never observed, such
			// as a persist which committed after its deadline fired. Re-seed
			// from storage before the next submission.
			sequencer.initialized = false
		}
		log.WithError(err).WithFields(logTags).
			WithField("message", msg.String()).
			Error("Message persist failed")
		return common.Message{}, common.PersistenceError{Op: "persist-message", Cause: err}
	}
	sequencer.next = msg.ID

	p.broadcaster.Broadcast(ctxt, room, common.MessageFrame(msg), fanout.BroadcastOptions{})
	log.WithFields(logTags).
		WithField("message", msg.String()).
		Debug("Accepted new message")
	return msg, nil
}

// Edit apply an edit to an existing message and broadcast the new content
func (p *messagePipelineImpl) Edit(
	ctxt context.Context, conn *registry.Connection, room string, messageID int64, body string,
) (common.Message, error) {
	msg, err := p.changeState(ctxt, conn, room, messageID, common.MessageEdited, body)
	if err != nil {
		return common.Message{}, err
	}
	p.broadcaster.Broadcast(ctxt, room, common.MessageFrame(msg), fanout.BroadcastOptions{})
	return msg, nil
}

// Delete mark an existing message deleted and broadcast a deletion notice
func (p *messagePipelineImpl) Delete(
	ctxt context.Context, conn *registry.Connection, room string, messageID int64,
) error {
	if _, err := p.changeState(ctxt, conn, room, messageID, common.MessageDeleted, ""); err != nil {
		return err
	}
	p.broadcaster.Broadcast(ctxt, room, common.DeletionFrame(room, messageID), fanout.BroadcastOptions{})
	return nil
}

// changeState shared edit / delete path: admit the caller, validate the new
// body for edits, authorize against the stored message, verify the lifecycle
// transition, persist the change
func (p *messagePipelineImpl) changeState(
	ctxt context.Context,
	conn *registry.Connection,
	room string,
	messageID int64,
	newState common.MessageState,
	body string,
) (common.Message, error) {
	logTags := common.UpdateLogTags(ctxt, p.LogTags)
	if err := p.admit(ctxt, conn, room); err != nil {
		return common.Message{}, err
	}
	// Body constraints are checked after admission so rejected callers learn
	// nothing about them. Mirrors the ordering in Submit.
	if newState == common.MessageEdited {
		if err := p.validateBody(body); err != nil {
			return common.Message{}, err
		}
	}

	callCtxt, cancel := context.WithTimeout(ctxt, p.callDeadline)
	msg, err := p.store.GetMessage(callCtxt, room, messageID)
	cancel()
	if err != nil {
		if errors.Is(err, common.ErrUnknownMessage) {
			return common.Message{}, err
		}
		return common.Message{}, common.PersistenceError{Op: "get-message", Cause: err}
	}

	if msg.Sender != conn.User() {
		role, found, err := p.oracle.RoleOf(ctxt, conn.User(), room)
		if err != nil {
			return common.Message{}, err
		}
		if !found || role != storage.RoleAdmin {
			log.WithFields(logTags).
				WithField("user", conn.User()).
				WithField("message", msg.String()).
				Warn("Refusing state change of another user's message")
			return common.Message{}, common.AuthorizationError{User: conn.User(), Room: room}
		}
	}

	if !msg.State.CanTransitionTo(newState) {
		return common.Message{}, common.InvalidStateTransitionError{
			MessageID: messageID, From: string(msg.State), To: string(newState),
		}
	}

	callCtxt, cancel = context.WithTimeout(ctxt, p.callDeadline)
	err = p.store.UpdateMessageState(callCtxt, room, messageID, newState, body)
	cancel()
	if err != nil {
		log.WithError(err).WithFields(logTags).
			WithField("message", msg.String()).
			WithField("new-state", newState).
			Error("Message state change persist failed")
		return common.Message{}, common.PersistenceError{Op: "update-message-state", Cause: err}
	}

	msg.State = newState
	if newState == common.MessageEdited {
		msg.Body = body
	}
	log.WithFields(logTags).
		WithField("message", msg.String()).
		WithField("new-state", newState).
		Debug("Applied message state change")
	return msg, nil
}

// admit common submission gate: the connection must be active, bound to the
// room, and the user must still belong to the room right now
func (p *messagePipelineImpl) admit(
	ctxt context.Context, conn *registry.Connection, room string,
) error {
	if conn.State() != registry.StateActive {
		return common.ErrConnectionNotActive
	}
	if !conn.InRoom(room) {
		return common.AuthorizationError{User: conn.User(), Room: room}
	}
	member, err := p.oracle.IsMember(ctxt, conn.User(), room)
	if err != nil {
		// Membership could not be established, so fail closed
		return err
	}
	if !member {
		return common.AuthorizationError{User: conn.User(), Room: room}
	}
	return nil
}

// validateBody enforce inbound message body constraints
func (p *messagePipelineImpl) validateBody(body string) error {
	if len(body) == 0 {
		return common.ErrEmptyMessageBody
	}
	if utf8.RuneCountInString(body) > p.maxBodyLen {
		return common.ErrMessageBodyTooLarge
	}
	return nil
}

// sequencerFor fetch or create the room's sequencer
func (p *messagePipelineImpl) sequencerFor(room string) *roomSequencer {
	p.sequencerLock.Lock()
	defer p.sequencerLock.Unlock()
	sequencer, ok := p.sequencers[room]
	if !ok {
		sequencer = &roomSequencer{}
		p.sequencers[room] = sequencer
	}
	return sequencer
}
