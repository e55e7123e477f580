package membership

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alwitt/talkroom/common"
	"github.com/apex/log"
	"github.com/redis/go-redis/v9"
)

// RoomCache short-lived cache of a room's member set. Entries expire on their
// own after the configured TTL; Invalidate removes one eagerly.
type RoomCache interface {
	// GetMembers the cached member set of a room. Second return is false on miss.
	GetMembers(ctxt context.Context, room string) (map[string]string, bool, error)
	// SetMembers record a room's member set
	SetMembers(ctxt context.Context, room string, members map[string]string) error
	// Invalidate drop a room's cached member set
	Invalidate(ctxt context.Context, room string) error
}

// redisRoomCache implements RoomCache against Redis
type redisRoomCache struct {
	common.Component
	client *redis.Client
	ttl    time.Duration
}

// GetRedisRoomCache define a Redis backed RoomCache
func GetRedisRoomCache(client *redis.Client, ttl time.Duration) (RoomCache, error) {
	logTags := log.Fields{
		"module": "membership", "component": "room-cache",
	}
	return &redisRoomCache{
		Component: common.Component{LogTags: logTags},
		client:    client,
		ttl:       ttl,
	}, nil
}

// cacheKey Redis key for a room's member set
func cacheKey(room string) string {
	return fmt.Sprintf("talkroom:members:%s", room)
}

// GetMembers the cached member set of a room
func (c *redisRoomCache) GetMembers(
	ctxt context.Context, room string,
) (map[string]string, bool, error) {
	raw, err := c.client.Get(ctxt, cacheKey(room)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, false, nil
		}
		log.WithError(err).WithFields(c.LogTags).Errorf("Failed to READ cached members of %s", room)
		return nil, false, err
	}
	var members map[string]string
	if err := json.Unmarshal(raw, &members); err != nil {
		log.WithError(err).WithFields(c.LogTags).Errorf("Unable to parse cached members of %s", room)
		return nil, false, err
	}
	return members, true, nil
}

// SetMembers record a room's member set
func (c *redisRoomCache) SetMembers(
	ctxt context.Context, room string, members map[string]string,
) error {
	raw, err := json.Marshal(members)
	if err != nil {
		log.WithError(err).WithFields(c.LogTags).Errorf("Unable to serialize members of %s", room)
		return err
	}
	if err := c.client.Set(ctxt, cacheKey(room), raw, c.ttl).Err(); err != nil {
		log.WithError(err).WithFields(c.LogTags).Errorf("Failed to WRITE cached members of %s", room)
		return err
	}
	return nil
}

// Invalidate drop a room's cached member set
func (c *redisRoomCache) Invalidate(ctxt context.Context, room string) error {
	if err := c.client.Del(ctxt, cacheKey(room)).Err(); err != nil {
		log.WithError(err).WithFields(c.LogTags).Errorf("Failed to DROP cached members of %s", room)
		return err
	}
	log.WithFields(c.LogTags).Debugf("Dropped cached members of %s", room)
	return nil
}
