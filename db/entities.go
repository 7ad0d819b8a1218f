package db

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"ti/models"
	"ti/protocol"
)

func getUser(q querier, id string) (*models.User, error) {
	var u models.User
	var ts string
	err := q.QueryRow("SELECT id, name, bio, registration_time FROM users WHERE id = ?", id).
		Scan(&u.ID, &u.Name, &u.Bio, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoRows
	}
	if err != nil {
		return nil, err
	}
	if u.RegistrationTime, err = protocol.ParseTime(ts); err != nil {
		return nil, fmt.Errorf("user %s: %w", id, err)
	}
	return &u, nil
}

// loadEntity reads id and, for groups, every member. memo holds entities
// already loaded in this pass; a group is registered before its members
// are read, so membership cycles terminate.
func loadEntity(q querier, id string, memo map[string]models.Entity) (models.Entity, error) {
	if id == models.ServerID {
		return models.NewServer(), nil
	}
	if e, ok := memo[id]; ok {
		return e, nil
	}

	u, err := getUser(q, id)
	if err == nil {
		memo[id] = u
		return u, nil
	}
	if !errors.Is(err, ErrNoRows) {
		return nil, err
	}

	g := &models.Group{ID: id}
	err = q.QueryRow("SELECT name FROM chat_groups WHERE id = ?", id).Scan(&g.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoRows
	}
	if err != nil {
		return nil, err
	}
	memo[id] = g

	memberIDs, err := queryStrings(q, "SELECT member_id FROM members WHERE group_id = ? ORDER BY position", id)
	if err != nil {
		return nil, err
	}
	for _, mid := range memberIDs {
		m, err := loadEntity(q, mid, memo)
		if errors.Is(err, ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, err
		}
		g.Members = append(g.Members, m)
	}
	return g, nil
}

func (db *DB) GetEntity(id string) (models.Entity, error) {
	return loadEntity(db.conn, id, make(map[string]models.Entity))
}

func (db *DB) GetUser(id string) (*models.User, error) {
	return getUser(db.conn, id)
}

// ListEntities returns every stored user and group.
func (db *DB) ListEntities() ([]models.Entity, error) {
	ids, err := queryStrings(db.conn, "SELECT id FROM users UNION ALL SELECT id FROM chat_groups ORDER BY id")
	if err != nil {
		return nil, err
	}
	memo := make(map[string]models.Entity)
	out := make([]models.Entity, 0, len(ids))
	for _, id := range ids {
		e, err := loadEntity(db.conn, id, memo)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// PutEntity stores e, replacing every field of an entity with the same id,
// even one of another kind. Sync digests follow any change in who can see
// messages addressed to e. Text fields may not contain NUL, the wire
// separator.
func (db *DB) PutEntity(e models.Entity) error {
	return db.withTx(func(tx *sql.Tx) error {
		return db.putEntity(tx, e)
	})
}

func (db *DB) putEntity(tx *sql.Tx, e models.Entity) error {
	if err := checkFields(e); err != nil {
		return err
	}
	id := e.EntityID()
	before, err := audience(tx, id)
	if err != nil {
		return err
	}

	switch v := e.(type) {
	case models.Server:
		return nil

	case *models.User:
		if _, err := tx.Exec("DELETE FROM chat_groups WHERE id = ?", id); err != nil {
			return err
		}
		_, err = tx.Exec(
			`INSERT INTO users (id, name, bio, registration_time) VALUES (?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET name = excluded.name, bio = excluded.bio, registration_time = excluded.registration_time`,
			v.ID, v.Name, v.Bio, protocol.FormatTime(v.RegistrationTime),
		)
		if err != nil {
			return err
		}

	case *models.Group:
		if _, err := tx.Exec("DELETE FROM users WHERE id = ?", id); err != nil {
			return err
		}
		_, err = tx.Exec(
			"INSERT INTO chat_groups (id, name) VALUES (?, ?) ON CONFLICT(id) DO UPDATE SET name = excluded.name",
			v.ID, v.Name,
		)
		if err != nil {
			return err
		}
		if _, err := tx.Exec("DELETE FROM members WHERE group_id = ?", id); err != nil {
			return err
		}
		for i, m := range v.Members {
			_, err := tx.Exec(
				"INSERT INTO members (group_id, member_id, position) VALUES (?, ?, ?) ON CONFLICT(group_id, member_id) DO NOTHING",
				id, m.EntityID(), i,
			)
			if err != nil {
				return err
			}
		}

	default:
		return fmt.Errorf("%w: entity %T", models.ErrUnsupportedType, e)
	}

	after, err := audience(tx, id)
	if err != nil {
		return err
	}
	return db.reconcileAudience(tx, id, before, after)
}

// checkFields rejects text that would not survive serialization.
func checkFields(e models.Entity) error {
	var fields []string
	switch v := e.(type) {
	case *models.User:
		fields = []string{v.ID, v.Name, v.Bio}
	case *models.Group:
		fields = []string{v.ID, v.Name}
		for _, m := range v.Members {
			fields = append(fields, m.EntityID())
		}
	}
	for _, f := range fields {
		if strings.IndexByte(f, protocol.Separator) >= 0 {
			return fmt.Errorf("%w: NUL in entity %q", protocol.ErrBadRequest, e.EntityID())
		}
	}
	return nil
}

// audience lists the users that see messages addressed to id.
func audience(q querier, id string) ([]string, error) {
	var n int
	if err := q.QueryRow("SELECT COUNT(*) FROM users WHERE id = ?", id).Scan(&n); err != nil {
		return nil, err
	}
	if n > 0 {
		return []string{id}, nil
	}
	return queryStrings(q,
		`SELECT m.member_id FROM members m JOIN users u ON u.id = m.member_id
		WHERE m.group_id = ? ORDER BY m.position`, id)
}

// reconcileAudience removes messages addressed to receiverID from the
// digests of users that lost sight of them and adds them for users that
// gained it.
func (db *DB) reconcileAudience(tx *sql.Tx, receiverID string, before, after []string) error {
	lost, gained := setDiff(before, after), setDiff(after, before)
	if len(lost) == 0 && len(gained) == 0 {
		return nil
	}
	msgs, err := queryStrings(tx, "SELECT id FROM messages WHERE receiver_id = ? ORDER BY time, id", receiverID)
	if err != nil {
		return err
	}
	for _, mid := range msgs {
		if err := db.applyDigestAll(tx, lost, colMessages, signRemove, mid); err != nil {
			return err
		}
		if err := db.applyDigestAll(tx, gained, colMessages, signAdd, mid); err != nil {
			return err
		}
	}
	return nil
}

// setDiff returns the members of a missing from b, in a's order.
func setDiff(a, b []string) []string {
	in := make(map[string]bool, len(b))
	for _, s := range b {
		in[s] = true
	}
	var out []string
	for _, s := range a {
		if !in[s] {
			out = append(out, s)
		}
	}
	return out
}

// DeleteEntity removes a user or group with everything that references it:
// contact edges in both directions, memberships, and every message it sent,
// received or was the forward source of. A user's password, tokens and
// sync digest go with it.
func (db *DB) DeleteEntity(id string) error {
	return db.withTx(func(tx *sql.Tx) error {
		var users, groups int
		err := tx.QueryRow(
			"SELECT (SELECT COUNT(*) FROM users WHERE id = ?), (SELECT COUNT(*) FROM chat_groups WHERE id = ?)", id, id,
		).Scan(&users, &groups)
		if err != nil {
			return err
		}
		if users == 0 && groups == 0 {
			return ErrNoRows
		}

		owners, err := queryStrings(tx, "SELECT owner_id FROM contacts WHERE contact_id = ? AND owner_id <> ?", id, id)
		if err != nil {
			return err
		}
		if _, err := tx.Exec("DELETE FROM contacts WHERE contact_id = ? OR owner_id = ?", id, id); err != nil {
			return err
		}
		if err := db.applyDigestAll(tx, owners, colContacts, signRemove, id); err != nil {
			return err
		}

		msgs, err := queryStrings(tx,
			"SELECT id FROM messages WHERE sender_id = ? OR receiver_id = ? OR forwarded_id = ? ORDER BY time, id",
			id, id, id)
		if err != nil {
			return err
		}
		for _, mid := range msgs {
			if err := db.deleteMessage(tx, mid); err != nil {
				return err
			}
		}

		// Leaving a group changes nothing for other users' digests: the
		// departing entity is either gone with its own digest or a group.
		if _, err := tx.Exec("DELETE FROM members WHERE member_id = ?", id); err != nil {
			return err
		}
		if _, err := tx.Exec("DELETE FROM chat_groups WHERE id = ?", id); err != nil {
			return err
		}
		_, err = tx.Exec("DELETE FROM users WHERE id = ?", id)
		return err
	})
}
