package membership

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/alwitt/talkroom/common"
	"github.com/alwitt/talkroom/core"
	"github.com/alwitt/talkroom/storage"
	"github.com/apex/log"
	"github.com/nats-io/nats.go"
)

// membershipEventSubject NATS subject space carrying membership change events.
// The room name is the final subject token.
const membershipEventSubject = "talkroom.membership.*"

// Oracle answers room membership queries. Reads go through a short-lived
// cache; the storage collaborator stays authoritative. A storage failure on a
// cache miss propagates to the caller, so callers fail closed rather than
// silently allow.
type Oracle interface {
	// IsMember whether the user currently belongs to the room
	IsMember(ctxt context.Context, user, room string) (bool, error)
	// MembersOf the user identity to role mapping of a room
	MembersOf(ctxt context.Context, room string) (map[string]string, error)
	// RoleOf the role the user holds in a room. Second return is false when
	// the user is not a member.
	RoleOf(ctxt context.Context, user, room string) (string, bool, error)
	// StartEventListener begin watching for membership change events, eagerly
	// invalidating the cache entry for a changed room
	StartEventListener(ctxt context.Context, client core.NatsClient, wg *sync.WaitGroup) error
}

// oracleImpl implements Oracle
type oracleImpl struct {
	common.Component
	cache  RoomCache
	store  storage.MembershipStore
	events common.TaskProcessor
}

// invalidateRoomRequest queued request to drop one room's cached member set
type invalidateRoomRequest struct {
	room string
}

// GetMembershipOracle define a new membership Oracle
func GetMembershipOracle(cache RoomCache, store storage.MembershipStore) (Oracle, error) {
	logTags := log.Fields{
		"module": "membership", "component": "oracle",
	}
	return &oracleImpl{
		Component: common.Component{LogTags: logTags},
		cache:     cache,
		store:     store,
	}, nil
}

// MembersOf the user identity to role mapping of a room
func (o *oracleImpl) MembersOf(ctxt context.Context, room string) (map[string]string, error) {
	// A cache transport failure must not become a membership outage; fall
	// through to the authoritative store instead.
	cached, hit, err := o.cache.GetMembers(ctxt, room)
	if err != nil {
		log.WithError(err).WithFields(o.LogTags).Warnf(
			"Member cache read failed for %s. Falling back to storage", room,
		)
	} else if hit {
		return cached, nil
	}

	members, err := o.store.GetMembers(ctxt, room)
	if err != nil {
		log.WithError(err).WithFields(o.LogTags).Errorf("Unable to fetch members of %s", room)
		return nil, err
	}
	if err := o.cache.SetMembers(ctxt, room, members); err != nil {
		log.WithError(err).WithFields(o.LogTags).Warnf("Member cache write failed for %s", room)
	}
	return members, nil
}

// IsMember whether the user currently belongs to the room
func (o *oracleImpl) IsMember(ctxt context.Context, user, room string) (bool, error) {
	members, err := o.MembersOf(ctxt, room)
	if err != nil {
		return false, err
	}
	_, found := members[user]
	return found, nil
}

// RoleOf the role the user holds in a room
func (o *oracleImpl) RoleOf(ctxt context.Context, user, room string) (string, bool, error) {
	members, err := o.MembersOf(ctxt, room)
	if err != nil {
		return "", false, err
	}
	role, found := members[user]
	return role, found, nil
}

// StartEventListener begin watching for membership change events. Events are
// handed off to a task processor so cache work never runs on the NATS
// callback goroutine.
func (o *oracleImpl) StartEventListener(
	ctxt context.Context, client core.NatsClient, wg *sync.WaitGroup,
) error {
	events, err := common.GetNewTaskProcessorInstance("membership-events", 64, ctxt)
	if err != nil {
		return err
	}
	if err := events.AddToTaskExecutionMap(
		reflect.TypeOf(invalidateRoomRequest{}), o.processInvalidateRoom,
	); err != nil {
		return err
	}
	if err := events.StartEventLoop(wg); err != nil {
		return err
	}
	o.events = events

	_, err = client.Subscribe(membershipEventSubject, func(msg *nats.Msg) {
		tokens := strings.Split(msg.Subject, ".")
		room := tokens[len(tokens)-1]
		if room == "" {
			return
		}
		log.WithFields(o.LogTags).Debugf("Membership change event for %s", room)
		if err := o.events.Submit(invalidateRoomRequest{room: room}, ctxt); err != nil {
			log.WithError(err).WithFields(o.LogTags).Warnf(
				"Unable to queue invalidation of %s. Staleness bounded by TTL", room,
			)
		}
	})
	if err != nil {
		log.WithError(err).WithFields(o.LogTags).Error("Unable to subscribe for membership events")
		return err
	}
	log.WithFields(o.LogTags).Infof("Watching %s for membership changes", membershipEventSubject)
	return nil
}

// processInvalidateRoom task handler dropping one room's cached member set
func (o *oracleImpl) processInvalidateRoom(param interface{}) error {
	request, ok := param.(invalidateRoomRequest)
	if !ok {
		return fmt.Errorf("received unexpected task param of %s", reflect.TypeOf(param))
	}
	if err := o.cache.Invalidate(context.Background(), request.room); err != nil {
		log.WithError(err).WithFields(o.LogTags).Warnf(
			"Unable to eagerly invalidate members of %s. Staleness bounded by TTL", request.room,
		)
	}
	return nil
}
