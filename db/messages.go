package db

import (
	"database/sql"
	"errors"
	"fmt"

	"ti/models"
	"ti/protocol"
)

func getFrame(q querier, id string) (models.Frame, error) {
	f := &models.TextFrame{ID: id}
	err := q.QueryRow("SELECT content FROM text_frames WHERE id = ?", id).Scan(&f.Content)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoRows
	}
	if err != nil {
		return nil, err
	}
	return f, nil
}

func putFrame(q querier, f models.Frame) error {
	switch v := f.(type) {
	case *models.TextFrame:
		_, err := q.Exec(
			"INSERT INTO text_frames (id, content) VALUES (?, ?) ON CONFLICT(id) DO UPDATE SET content = excluded.content",
			v.ID, v.Content,
		)
		return err
	default:
		return fmt.Errorf("%w: frame %T", models.ErrUnsupportedType, f)
	}
}

func (db *DB) GetFrame(id string) (models.Frame, error) {
	return getFrame(db.conn, id)
}

func (db *DB) PutFrame(f models.Frame) error {
	return putFrame(db.conn, f)
}

func (db *DB) ListFrames() ([]models.Frame, error) {
	rows, err := db.conn.Query("SELECT id, content FROM text_frames ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var frames []models.Frame
	for rows.Next() {
		f := &models.TextFrame{}
		if err := rows.Scan(&f.ID, &f.Content); err != nil {
			return nil, err
		}
		frames = append(frames, f)
	}
	return frames, rows.Err()
}

func loadMessage(q querier, id string, memo map[string]models.Entity) (*models.Message, error) {
	var ts, senderID, receiverID, forwardedID string
	err := q.QueryRow("SELECT time, sender_id, receiver_id, forwarded_id FROM messages WHERE id = ?", id).
		Scan(&ts, &senderID, &receiverID, &forwardedID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoRows
	}
	if err != nil {
		return nil, err
	}

	m := &models.Message{ID: id}
	if m.Time, err = protocol.ParseTime(ts); err != nil {
		return nil, fmt.Errorf("message %s: %w", id, err)
	}
	if m.Sender, err = loadEntity(q, senderID, memo); err != nil {
		return nil, fmt.Errorf("message %s sender: %w", id, err)
	}
	if m.Receiver, err = loadEntity(q, receiverID, memo); err != nil {
		return nil, fmt.Errorf("message %s receiver: %w", id, err)
	}
	if forwardedID != "" {
		if m.ForwardedFrom, err = loadEntity(q, forwardedID, memo); err != nil {
			return nil, fmt.Errorf("message %s forward source: %w", id, err)
		}
	}

	frameIDs, err := queryStrings(q, "SELECT frame_id FROM message_frames WHERE message_id = ? ORDER BY position", id)
	if err != nil {
		return nil, err
	}
	for _, fid := range frameIDs {
		f, err := getFrame(q, fid)
		if err != nil {
			return nil, fmt.Errorf("message %s frame %s: %w", id, fid, err)
		}
		m.Frames = append(m.Frames, f)
	}
	return m, nil
}

func (db *DB) GetMessage(id string) (*models.Message, error) {
	return loadMessage(db.conn, id, make(map[string]models.Entity))
}

// PutMessage stores m with all of its frames. Users that can see it get
// +id in their message digest; on an update only the users whose
// visibility changed are touched.
func (db *DB) PutMessage(m *models.Message) error {
	return db.withTx(func(tx *sql.Tx) error {
		var before []string
		var oldReceiver string
		err := tx.QueryRow("SELECT receiver_id FROM messages WHERE id = ?", m.ID).Scan(&oldReceiver)
		switch {
		case err == nil:
			if before, err = audience(tx, oldReceiver); err != nil {
				return err
			}
		case !errors.Is(err, sql.ErrNoRows):
			return err
		}

		for _, f := range m.Frames {
			if err := putFrame(tx, f); err != nil {
				return err
			}
		}
		forwarded := ""
		if m.ForwardedFrom != nil {
			forwarded = m.ForwardedFrom.EntityID()
		}
		_, err = tx.Exec(
			`INSERT INTO messages (id, time, sender_id, receiver_id, forwarded_id) VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET time = excluded.time, sender_id = excluded.sender_id,
				receiver_id = excluded.receiver_id, forwarded_id = excluded.forwarded_id`,
			m.ID, protocol.FormatTime(m.Time), m.Sender.EntityID(), m.Receiver.EntityID(), forwarded,
		)
		if err != nil {
			return err
		}
		if _, err := tx.Exec("DELETE FROM message_frames WHERE message_id = ?", m.ID); err != nil {
			return err
		}
		for i, f := range m.Frames {
			_, err := tx.Exec("INSERT INTO message_frames (message_id, frame_id, position) VALUES (?, ?, ?)", m.ID, f.FrameID(), i)
			if err != nil {
				return err
			}
		}

		after, err := audience(tx, m.Receiver.EntityID())
		if err != nil {
			return err
		}
		if err := db.applyDigestAll(tx, setDiff(before, after), colMessages, signRemove, m.ID); err != nil {
			return err
		}
		return db.applyDigestAll(tx, setDiff(after, before), colMessages, signAdd, m.ID)
	})
}

func (db *DB) DeleteMessage(id string) error {
	return db.withTx(func(tx *sql.Tx) error {
		return db.deleteMessage(tx, id)
	})
}

// deleteMessage removes the message, drops frames nothing else references
// and takes -id into the digests of users that saw it.
func (db *DB) deleteMessage(tx *sql.Tx, id string) error {
	var receiverID string
	err := tx.QueryRow("SELECT receiver_id FROM messages WHERE id = ?", id).Scan(&receiverID)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNoRows
	}
	if err != nil {
		return err
	}
	viewers, err := audience(tx, receiverID)
	if err != nil {
		return err
	}
	frames, err := queryStrings(tx, "SELECT frame_id FROM message_frames WHERE message_id = ?", id)
	if err != nil {
		return err
	}

	if _, err := tx.Exec("DELETE FROM message_frames WHERE message_id = ?", id); err != nil {
		return err
	}
	if _, err := tx.Exec("DELETE FROM messages WHERE id = ?", id); err != nil {
		return err
	}
	for _, fid := range frames {
		_, err := tx.Exec(
			"DELETE FROM text_frames WHERE id = ? AND NOT EXISTS (SELECT 1 FROM message_frames WHERE frame_id = ?)",
			fid, fid,
		)
		if err != nil {
			return err
		}
	}
	return db.applyDigestAll(tx, viewers, colMessages, signRemove, id)
}

// ListMessages returns every stored message ordered by time, then id.
func (db *DB) ListMessages() ([]*models.Message, error) {
	ids, err := queryStrings(db.conn, "SELECT id FROM messages ORDER BY time, id")
	if err != nil {
		return nil, err
	}
	return db.loadMessages(ids)
}

func (db *DB) loadMessages(ids []string) ([]*models.Message, error) {
	memo := make(map[string]models.Entity)
	out := make([]*models.Message, 0, len(ids))
	for _, id := range ids {
		m, err := loadMessage(db.conn, id, memo)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

const visibleClause = `(receiver_id = ? OR receiver_id IN (SELECT group_id FROM members WHERE member_id = ?))`

func visibleMessageIDs(q querier, userID string) ([]string, error) {
	return queryStrings(q, "SELECT id FROM messages WHERE "+visibleClause+" ORDER BY time, id", userID, userID)
}

// VisibleMessageIDs lists the ids of messages userID can see, ordered by
// time, then id.
func (db *DB) VisibleMessageIDs(userID string) ([]string, error) {
	return visibleMessageIDs(db.conn, userID)
}

func (db *DB) VisibleMessages(userID string) ([]*models.Message, error) {
	ids, err := visibleMessageIDs(db.conn, userID)
	if err != nil {
		return nil, err
	}
	return db.loadMessages(ids)
}

// MessagesPage returns up to limit visible messages that sort strictly
// after the message with id after. An empty after starts from the oldest.
func (db *DB) MessagesPage(userID, after string, limit int) ([]*models.Message, error) {
	var afterTime string
	if after != "" {
		err := db.conn.QueryRow("SELECT time FROM messages WHERE id = ?", after).Scan(&afterTime)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoRows
		}
		if err != nil {
			return nil, err
		}
	}
	ids, err := queryStrings(db.conn,
		"SELECT id FROM messages WHERE "+visibleClause+
			" AND (time > ? OR (time = ? AND id > ?)) ORDER BY time, id LIMIT ?",
		userID, userID, afterTime, afterTime, after, limit)
	if err != nil {
		return nil, err
	}
	return db.loadMessages(ids)
}

// MessageVisibleTo reports whether userID can see message id.
func (db *DB) MessageVisibleTo(id, userID string) (bool, error) {
	var n int
	err := db.conn.QueryRow("SELECT COUNT(*) FROM messages WHERE id = ? AND "+visibleClause, id, userID, userID).Scan(&n)
	return n > 0, err
}

// FrameVisibleTo reports whether frame id belongs to at least one message
// userID can see.
func (db *DB) FrameVisibleTo(id, userID string) (bool, error) {
	var n int
	err := db.conn.QueryRow(
		`SELECT COUNT(*) FROM message_frames mf JOIN messages ON messages.id = mf.message_id
		WHERE mf.frame_id = ? AND `+visibleClause, id, userID, userID,
	).Scan(&n)
	return n > 0, err
}
