package apis

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/talkroom/auth"
	"github.com/alwitt/talkroom/common"
	"github.com/alwitt/talkroom/core"
	"github.com/alwitt/talkroom/fanout"
	"github.com/alwitt/talkroom/pipeline"
	"github.com/alwitt/talkroom/registry"
	"github.com/alwitt/talkroom/storage"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
)

const testSigningSecret = "unit-test-signing-secret"

// memoryStorage in-memory storage collaborator double
type memoryStorage struct {
	lock     sync.Mutex
	members  map[string]map[string]string
	messages map[string]map[int64]common.Message
}

func newMemoryStorage(members map[string]map[string]string) *memoryStorage {
	return &memoryStorage{
		members:  members,
		messages: make(map[string]map[int64]common.Message),
	}
}

func (s *memoryStorage) PersistMessage(_ context.Context, msg common.Message) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	room, ok := s.messages[msg.Room]
	if !ok {
		room = make(map[int64]common.Message)
		s.messages[msg.Room] = room
	}
	room[msg.ID] = msg
	return nil
}

func (s *memoryStorage) UpdateMessageState(
	_ context.Context, room string, messageID int64, newState common.MessageState, body string,
) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	msg, ok := s.messages[room][messageID]
	if !ok {
		return common.ErrUnknownMessage
	}
	msg.State = newState
	if newState == common.MessageEdited {
		msg.Body = body
	}
	s.messages[room][messageID] = msg
	return nil
}

func (s *memoryStorage) GetMessage(
	_ context.Context, room string, messageID int64,
) (common.Message, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	msg, ok := s.messages[room][messageID]
	if !ok {
		return common.Message{}, common.ErrUnknownMessage
	}
	return msg, nil
}

func (s *memoryStorage) LatestMessageID(_ context.Context, room string) (int64, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	var latest int64
	for id := range s.messages[room] {
		if id > latest {
			latest = id
		}
	}
	return latest, nil
}

func (s *memoryStorage) GetMembers(
	_ context.Context, room string,
) (map[string]string, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.members[room], nil
}

func (s *memoryStorage) IsMember(_ context.Context, user, room string) (bool, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	_, found := s.members[room][user]
	return found, nil
}

func (s *memoryStorage) addMember(room, user, role string) {
	s.lock.Lock()
	defer s.lock.Unlock()
	members, ok := s.members[room]
	if !ok {
		members = make(map[string]string)
		s.members[room] = members
	}
	members[user] = role
}

func (s *memoryStorage) ListRooms(_ context.Context, user string) ([]string, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	var result []string
	for room, members := range s.members {
		if _, found := members[user]; found {
			result = append(result, room)
		}
	}
	return result, nil
}

// passthroughOracle membership oracle reading the storage double directly
type passthroughOracle struct {
	store *memoryStorage
}

func (o *passthroughOracle) IsMember(ctxt context.Context, user, room string) (bool, error) {
	return o.store.IsMember(ctxt, user, room)
}

func (o *passthroughOracle) MembersOf(
	ctxt context.Context, room string,
) (map[string]string, error) {
	return o.store.GetMembers(ctxt, room)
}

func (o *passthroughOracle) RoleOf(
	ctxt context.Context, user, room string,
) (string, bool, error) {
	members, err := o.store.GetMembers(ctxt, room)
	if err != nil {
		return "", false, err
	}
	role, found := members[user]
	return role, found, nil
}

func (o *passthroughOracle) StartEventListener(
	_ context.Context, _ core.NatsClient, _ *sync.WaitGroup,
) error {
	return nil
}

// ========================================================================================

type talkTestEnv struct {
	server   *httptest.Server
	store    *memoryStorage
	registry registry.ConnectionRegistry
	cancel   context.CancelFunc
	wg       *sync.WaitGroup
}

func setupTalkTestEnv(t *testing.T, members map[string]map[string]string) *talkTestEnv {
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	wg := &sync.WaitGroup{}

	store := newMemoryStorage(members)
	oracle := &passthroughOracle{store: store}

	tokens, err := auth.GetTokenValidator(common.AuthConfig{
		SigningSecret: testSigningSecret, Audience: "talkroom-connect",
	})
	assert.Nil(t, err)

	connRegistry, err := registry.CreateConnectionRegistry()
	assert.Nil(t, err)

	fanoutConfig := common.FanoutConfig{BufferHighWater: 16, SlowConsumerStrikes: 3}
	broadcaster, err := fanout.CreateBroadcaster(connRegistry, fanoutConfig)
	assert.Nil(t, err)

	storageConfig := common.StorageConfig{
		PostgresURI: "postgres://127.0.0.1:5432/unused", CallDeadline: 5,
	}
	msgPipeline, err := pipeline.CreateMessagePipeline(
		store, oracle, broadcaster, common.MessageConfig{MaxBodyLength: 256}, storageConfig,
	)
	assert.Nil(t, err)

	httpConfig := &common.HTTPConfig{
		Logging: common.HTTPRequestLogging{RequestIDHeader: "Talkroom-Request-ID"},
	}
	handler, err := GetAPIRestTalkHandler(
		utCtxt,
		tokens,
		store,
		oracle,
		connRegistry,
		broadcaster,
		msgPipeline,
		httpConfig,
		fanoutConfig,
		storageConfig,
		wg,
	)
	assert.Nil(t, err)
	broadcaster.SetEvictionObserver(handler.AnnounceDeparture)

	router := mux.NewRouter()
	_ = RegisterPathPrefix(router, "/v1/talk", map[string]http.HandlerFunc{
		"get": handler.TalkHandler(),
	})

	server := httptest.NewServer(router)
	t.Cleanup(func() {
		server.Close()
		utCtxtCancel()
		wg.Wait()
	})
	return &talkTestEnv{
		server: server, store: store, registry: connRegistry, cancel: utCtxtCancel, wg: wg,
	}
}

func (e *talkTestEnv) dialURL(token string) string {
	base := strings.Replace(e.server.URL, "http://", "ws://", 1)
	return fmt.Sprintf("%s/v1/talk?token=%s", base, token)
}

func mintTestToken(t *testing.T, user string) string {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   user,
		Audience:  jwt.ClaimStrings{"talkroom-connect"},
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
	})
	signed, err := token.SignedString([]byte(testSigningSecret))
	assert.Nil(t, err)
	return signed
}

// waitForConnections block until the registry reports the expected number of
// live connections. Registration completes after the websocket handshake
// response, so a dialer can return before its session is indexed.
func waitForConnections(t *testing.T, connRegistry registry.ConnectionRegistry, expected int) {
	deadline := time.Now().Add(time.Second * 5)
	for len(connRegistry.ListConnections()) != expected {
		if time.Now().After(deadline) {
			assert.FailNow(t, fmt.Sprintf("registry never reached %d connections", expected))
		}
		time.Sleep(time.Millisecond * 10)
	}
}

// readFrameOfType discard interleaved frames until one of the wanted type
// arrives. Presence and typing frames can interleave with message frames.
func readFrameOfType(
	t *testing.T, socket *websocket.Conn, frameType string,
) common.ServerFrame {
	deadline := time.Now().Add(time.Second * 5)
	assert.Nil(t, socket.SetReadDeadline(deadline))
	for {
		var frame common.ServerFrame
		if err := socket.ReadJSON(&frame); err != nil {
			assert.FailNow(t, fmt.Sprintf("no '%s' frame arrived: %s", frameType, err))
		}
		if frame.Type == frameType {
			return frame
		}
	}
}

func TestTalkHandshakeRejections(t *testing.T) {
	assert := assert.New(t)

	env := setupTalkTestEnv(t, map[string]map[string]string{
		"room-a": {"user-0": storage.RoleMember},
	})

	// No credential
	_, resp, err := websocket.DefaultDialer.Dial(env.dialURL(""), nil)
	assert.NotNil(err)
	assert.Equal(http.StatusUnauthorized, resp.StatusCode)

	// Garbage credential
	_, resp, err = websocket.DefaultDialer.Dial(env.dialURL("not-a-token"), nil)
	assert.NotNil(err)
	assert.Equal(http.StatusUnauthorized, resp.StatusCode)

	assert.Empty(env.registry.ListConnections())
}

func TestTalkSessionMessageFlow(t *testing.T) {
	assert := assert.New(t)

	env := setupTalkTestEnv(t, map[string]map[string]string{
		"room-a": {
			"user-0": storage.RoleMember,
			"user-1": storage.RoleMember,
		},
	})

	socket0, _, err := websocket.DefaultDialer.Dial(env.dialURL(mintTestToken(t, "user-0")), nil)
	assert.Nil(err)
	defer func() {
		_ = socket0.Close()
	}()
	waitForConnections(t, env.registry, 1)

	socket1, _, err := websocket.DefaultDialer.Dial(env.dialURL(mintTestToken(t, "user-1")), nil)
	assert.Nil(err)
	defer func() {
		_ = socket1.Close()
	}()

	// user-0 sees user-1 come online
	frame := readFrameOfType(t, socket0, common.FrameTypeUserStatus)
	assert.Equal("user-1", frame.Sender)
	assert.True(frame.Online)

	// user-1 sends a message; both members receive it, sender included
	assert.Nil(socket1.WriteJSON(common.ClientFrame{
		Type: common.FrameTypeMessage, Room: "room-a", Body: "hello room",
	}))
	for _, socket := range []*websocket.Conn{socket0, socket1} {
		frame := readFrameOfType(t, socket, common.FrameTypeMessage)
		assert.Equal(int64(1), frame.MessageID)
		assert.Equal("user-1", frame.Sender)
		assert.Equal("hello room", frame.Body)
		assert.Equal(common.MessageActive, frame.State)
	}

	// Typing indicator reaches the room but never the sender
	assert.Nil(socket0.WriteJSON(common.ClientFrame{
		Type: common.FrameTypeTyping, Room: "room-a", IsTyping: true,
	}))
	frame = readFrameOfType(t, socket1, common.FrameTypeTyping)
	assert.Equal("user-0", frame.Sender)
	assert.True(frame.IsTyping)

	// Application-level ping
	assert.Nil(socket0.WriteJSON(common.ClientFrame{Type: common.FrameTypePing}))
	_ = readFrameOfType(t, socket0, common.FrameTypePong)

	// A message to a room the user is not in is rejected on the same socket
	assert.Nil(socket0.WriteJSON(common.ClientFrame{
		Type: common.FrameTypeMessage, Room: "room-other", Body: "intrusion",
	}))
	frame = readFrameOfType(t, socket0, common.FrameTypeError)
	assert.Equal("not-authorized", frame.Reason)

	// user-1 disconnects; user-0 sees the departure
	assert.Nil(socket1.Close())
	frame = readFrameOfType(t, socket0, common.FrameTypeUserStatus)
	assert.Equal("user-1", frame.Sender)
	assert.False(frame.Online)
}

func TestTalkSessionRoomJoinLeave(t *testing.T) {
	assert := assert.New(t)

	env := setupTalkTestEnv(t, map[string]map[string]string{
		"room-a": {
			"user-0": storage.RoleMember,
			"user-1": storage.RoleMember,
		},
		"room-b": {"user-0": storage.RoleMember},
	})

	socket0, _, err := websocket.DefaultDialer.Dial(env.dialURL(mintTestToken(t, "user-0")), nil)
	assert.Nil(err)
	defer func() {
		_ = socket0.Close()
	}()
	waitForConnections(t, env.registry, 1)

	socket1, _, err := websocket.DefaultDialer.Dial(env.dialURL(mintTestToken(t, "user-1")), nil)
	assert.Nil(err)
	defer func() {
		_ = socket1.Close()
	}()
	_ = readFrameOfType(t, socket0, common.FrameTypeUserStatus)

	// Joining a room without membership is rejected
	assert.Nil(socket1.WriteJSON(common.ClientFrame{
		Type: common.FrameTypeJoin, Room: "room-b",
	}))
	frame := readFrameOfType(t, socket1, common.FrameTypeError)
	assert.Equal("not-authorized", frame.Reason)

	// Once membership exists, the join announces to the room's other members
	env.store.addMember("room-b", "user-1", storage.RoleMember)
	assert.Nil(socket1.WriteJSON(common.ClientFrame{
		Type: common.FrameTypeJoin, Room: "room-b",
	}))
	frame = readFrameOfType(t, socket0, common.FrameTypeUserJoined)
	assert.Equal("room-b", frame.Room)
	assert.Equal("user-1", frame.Sender)

	// The joined room now carries the user's messages without a reconnect
	assert.Nil(socket1.WriteJSON(common.ClientFrame{
		Type: common.FrameTypeMessage, Room: "room-b", Body: "hello room-b",
	}))
	for _, socket := range []*websocket.Conn{socket0, socket1} {
		frame := readFrameOfType(t, socket, common.FrameTypeMessage)
		assert.Equal("room-b", frame.Room)
		assert.Equal("user-1", frame.Sender)
		assert.Equal("hello room-b", frame.Body)
	}

	// Leaving a room never joined is rejected
	assert.Nil(socket1.WriteJSON(common.ClientFrame{
		Type: common.FrameTypeLeave, Room: "room-z",
	}))
	frame = readFrameOfType(t, socket1, common.FrameTypeError)
	assert.Equal("not-in-room", frame.Reason)

	// Leaving announces to the room's other members
	assert.Nil(socket1.WriteJSON(common.ClientFrame{
		Type: common.FrameTypeLeave, Room: "room-b",
	}))
	frame = readFrameOfType(t, socket0, common.FrameTypeUserLeft)
	assert.Equal("room-b", frame.Room)
	assert.Equal("user-1", frame.Sender)

	// After leaving, the session no longer carries that room even though
	// storage still holds the membership
	assert.Nil(socket1.WriteJSON(common.ClientFrame{
		Type: common.FrameTypeMessage, Room: "room-b", Body: "after leaving",
	}))
	frame = readFrameOfType(t, socket1, common.FrameTypeError)
	assert.Equal("not-authorized", frame.Reason)
}

// stubSessionTransport registry.Transport double recording teardown
type stubSessionTransport struct {
	lock   sync.Mutex
	closed bool
}

func (s *stubSessionTransport) SendPing(_ time.Time) error { return nil }

func (s *stubSessionTransport) Close(_ *common.ServerFrame) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.closed = true
	return nil
}

func (s *stubSessionTransport) isClosed() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.closed
}

func TestRejectionFloodEvictsConnection(t *testing.T) {
	assert := assert.New(t)

	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()
	wg := &sync.WaitGroup{}

	store := newMemoryStorage(map[string]map[string]string{
		"room-a": {"user-0": storage.RoleMember},
	})
	oracle := &passthroughOracle{store: store}

	tokens, err := auth.GetTokenValidator(common.AuthConfig{
		SigningSecret: testSigningSecret, Audience: "talkroom-connect",
	})
	assert.Nil(err)

	connRegistry, err := registry.CreateConnectionRegistry()
	assert.Nil(err)

	fanoutConfig := common.FanoutConfig{BufferHighWater: 1, SlowConsumerStrikes: 2}
	broadcaster, err := fanout.CreateBroadcaster(connRegistry, fanoutConfig)
	assert.Nil(err)

	storageConfig := common.StorageConfig{CallDeadline: 5}
	msgPipeline, err := pipeline.CreateMessagePipeline(
		store, oracle, broadcaster, common.MessageConfig{MaxBodyLength: 256}, storageConfig,
	)
	assert.Nil(err)

	httpConfig := &common.HTTPConfig{
		Logging: common.HTTPRequestLogging{RequestIDHeader: "Talkroom-Request-ID"},
	}
	uut, err := GetAPIRestTalkHandler(
		utCtxt,
		tokens,
		store,
		oracle,
		connRegistry,
		broadcaster,
		msgPipeline,
		httpConfig,
		fanoutConfig,
		storageConfig,
		wg,
	)
	assert.Nil(err)
	broadcaster.SetEvictionObserver(uut.AnnounceDeparture)

	transport := &stubSessionTransport{}
	conn := registry.NewConnection(
		uuid.New().String(), "user-0", []string{"room-a"}, transport, fanoutConfig.BufferHighWater,
	)
	assert.Nil(conn.SetState(registry.StateAuthenticated))
	assert.Nil(connRegistry.Register(conn))
	assert.Nil(conn.SetState(registry.StateActive))

	// Nothing drains the queue; repeated rejections collect strikes until the
	// connection is evicted like any other slow consumer
	for idx := 0; idx < 4; idx++ {
		uut.rejectFrame(utCtxt, conn, "malformed-frame", "unreadable frame")
	}
	_, found := connRegistry.Get(conn.ID())
	assert.False(found)
	assert.True(transport.isClosed())
}
