package storage

import (
	"context"
	"errors"

	"github.com/alwitt/talkroom/common"
	"github.com/apex/log"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// pgBackedStorage driver for interacting with Postgres as the message and
// membership store
type pgBackedStorage struct {
	common.Component
	pool *pgxpool.Pool
}

// CreatePostgresBackedStorage define a Postgres backed storage driver
func CreatePostgresBackedStorage(ctxt context.Context, connectURI string) (Driver, error) {
	pool, err := pgxpool.New(ctxt, connectURI)
	if err != nil {
		log.WithError(err).Errorf("Unable to define Postgres pool for %s", connectURI)
		return nil, err
	}
	logTags := log.Fields{"module": "storage", "component": "postgres-backed"}
	log.WithFields(logTags).Info("Defined Postgres connection pool")
	return &pgBackedStorage{
		Component: common.Component{LogTags: logTags},
		pool:      pool,
	}, nil
}

// Ready whether the store is currently reachable
func (d *pgBackedStorage) Ready(ctxt context.Context) error {
	return d.pool.Ping(ctxt)
}

// Close release the connection pool
func (d *pgBackedStorage) Close() {
	d.pool.Close()
	log.WithFields(d.LogTags).Info("Closed Postgres connection pool")
}

// ================================================================
// Message stream related operations

// PersistMessage record a newly created message
func (d *pgBackedStorage) PersistMessage(ctxt context.Context, msg common.Message) error {
	tag, err := d.pool.Exec(
		ctxt,
		`INSERT INTO messages (room, message_id, sender, body, created_at, state)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (room, message_id) DO NOTHING`,
		msg.Room, msg.ID, msg.Sender, msg.Body, msg.CreatedAt, string(msg.State),
	)
	if err != nil {
		log.WithError(err).WithFields(d.LogTags).Errorf("Failed to WRITE %s", msg.String())
		return err
	}
	if tag.RowsAffected() == 0 {
		// The ID is already taken, likely by an earlier call which committed
		// after its deadline fired. Treating this as success would broadcast
		// a message the store never recorded.
		log.WithFields(d.LogTags).Errorf("Refused duplicate WRITE %s", msg.String())
		return common.ErrDuplicateMessageID
	}
	log.WithFields(d.LogTags).Debugf("WRITE %s", msg.String())
	return nil
}

// UpdateMessageState apply a message lifecycle transition
func (d *pgBackedStorage) UpdateMessageState(
	ctxt context.Context, room string, messageID int64, newState common.MessageState, body string,
) error {
	var tag string
	var err error
	if newState == common.MessageEdited {
		_, err = d.pool.Exec(
			ctxt,
			`UPDATE messages SET state = $1, body = $2 WHERE room = $3 AND message_id = $4`,
			string(newState), body, room, messageID,
		)
		tag = "EDIT"
	} else {
		_, err = d.pool.Exec(
			ctxt,
			`UPDATE messages SET state = $1 WHERE room = $2 AND message_id = $3`,
			string(newState), room, messageID,
		)
		tag = "STATE"
	}
	if err != nil {
		log.WithError(err).WithFields(d.LogTags).Errorf(
			"Failed to %s %s@%d => %s", tag, room, messageID, newState,
		)
		return err
	}
	log.WithFields(d.LogTags).Debugf("%s %s@%d => %s", tag, room, messageID, newState)
	return nil
}

// GetMessage fetch one message of a room
func (d *pgBackedStorage) GetMessage(
	ctxt context.Context, room string, messageID int64,
) (common.Message, error) {
	var msg common.Message
	var state string
	err := d.pool.QueryRow(
		ctxt,
		`SELECT room, message_id, sender, body, created_at, state
		 FROM messages WHERE room = $1 AND message_id = $2`,
		room, messageID,
	).Scan(&msg.Room, &msg.ID, &msg.Sender, &msg.Body, &msg.CreatedAt, &state)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return common.Message{}, common.ErrUnknownMessage
		}
		log.WithError(err).WithFields(d.LogTags).Errorf("Failed to READ %s@%d", room, messageID)
		return common.Message{}, err
	}
	msg.State = common.MessageState(state)
	return msg, nil
}

// LatestMessageID highest message identifier persisted for a room
func (d *pgBackedStorage) LatestMessageID(ctxt context.Context, room string) (int64, error) {
	var latest int64
	err := d.pool.QueryRow(
		ctxt,
		`SELECT COALESCE(MAX(message_id), 0) FROM messages WHERE room = $1`,
		room,
	).Scan(&latest)
	if err != nil {
		log.WithError(err).WithFields(d.LogTags).Errorf("Failed to READ newest ID of %s", room)
		return 0, err
	}
	return latest, nil
}

// ================================================================
// Membership related operations

// GetMembers the user identity to role mapping of a room
func (d *pgBackedStorage) GetMembers(
	ctxt context.Context, room string,
) (map[string]string, error) {
	rows, err := d.pool.Query(
		ctxt,
		`SELECT user_id, role FROM room_members WHERE room = $1 AND left_at IS NULL`,
		room,
	)
	if err != nil {
		log.WithError(err).WithFields(d.LogTags).Errorf("Failed to READ members of %s", room)
		return nil, err
	}
	defer rows.Close()
	members := map[string]string{}
	for rows.Next() {
		var user, role string
		if err := rows.Scan(&user, &role); err != nil {
			log.WithError(err).WithFields(d.LogTags).Errorf("Failed to parse member of %s", room)
			return nil, err
		}
		members[user] = role
	}
	if err := rows.Err(); err != nil {
		log.WithError(err).WithFields(d.LogTags).Errorf("Failed to READ members of %s", room)
		return nil, err
	}
	return members, nil
}

// IsMember whether the user currently belongs to the room
func (d *pgBackedStorage) IsMember(ctxt context.Context, user, room string) (bool, error) {
	var found bool
	err := d.pool.QueryRow(
		ctxt,
		`SELECT EXISTS (
		   SELECT 1 FROM room_members WHERE room = $1 AND user_id = $2 AND left_at IS NULL
		 )`,
		room, user,
	).Scan(&found)
	if err != nil {
		log.WithError(err).WithFields(d.LogTags).Errorf(
			"Failed to CHECK member %s of %s", user, room,
		)
		return false, err
	}
	return found, nil
}

// ListRooms the rooms the user currently belongs to
func (d *pgBackedStorage) ListRooms(ctxt context.Context, user string) ([]string, error) {
	rows, err := d.pool.Query(
		ctxt,
		`SELECT room FROM room_members WHERE user_id = $1 AND left_at IS NULL`,
		user,
	)
	if err != nil {
		log.WithError(err).WithFields(d.LogTags).Errorf("Failed to READ rooms of %s", user)
		return nil, err
	}
	defer rows.Close()
	var rooms []string
	for rows.Next() {
		var room string
		if err := rows.Scan(&room); err != nil {
			log.WithError(err).WithFields(d.LogTags).Errorf("Failed to parse room of %s", user)
			return nil, err
		}
		rooms = append(rooms, room)
	}
	if err := rows.Err(); err != nil {
		log.WithError(err).WithFields(d.LogTags).Errorf("Failed to READ rooms of %s", user)
		return nil, err
	}
	return rooms, nil
}
