package db

import (
	"bytes"
	"database/sql"
	"errors"
	"sort"

	"golang.org/x/crypto/sha3"
)

// Digest is a user's pair of rolling sync hashes. A nil slice is the empty
// digest.
type Digest struct {
	Contacts []byte
	Messages []byte
}

const (
	signAdd    = '+'
	signRemove = '-'
)

const (
	colContacts = "contacts"
	colMessages = "messages"
)

// NextDigest returns SHA3-256(prev || sign || id).
func NextDigest(prev []byte, sign byte, id string) []byte {
	h := sha3.New256()
	h.Write(prev)
	h.Write([]byte{sign})
	h.Write([]byte(id))
	return h.Sum(nil)
}

// Equal reports whether both hashes match.
func (d Digest) Equal(o Digest) bool {
	return bytes.Equal(d.Contacts, o.Contacts) && bytes.Equal(d.Messages, o.Messages)
}

// Digest returns the current sync digest of userID. A user that never had
// a contact or a visible message has the empty digest.
func (db *DB) Digest(userID string) (Digest, error) {
	return readDigest(db.conn, "sync", userID)
}

func readDigest(q querier, table, userID string) (Digest, error) {
	var d Digest
	err := q.QueryRow("SELECT contacts, messages FROM "+table+" WHERE user_id = ?", userID).Scan(&d.Contacts, &d.Messages)
	if errors.Is(err, sql.ErrNoRows) {
		return Digest{}, nil
	}
	return d, err
}

// applyDigest folds (sign, id) into one column of userID's sync row.
func (db *DB) applyDigest(q querier, userID, column string, sign byte, id string) error {
	if !db.digests {
		return nil
	}
	var prev []byte
	err := q.QueryRow("SELECT "+column+" FROM sync WHERE user_id = ?", userID).Scan(&prev)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	next := NextDigest(prev, sign, id)
	_, err = q.Exec(
		"INSERT INTO sync (user_id, "+column+") VALUES (?, ?) ON CONFLICT(user_id) DO UPDATE SET "+column+" = excluded."+column,
		userID, next,
	)
	return err
}

func (db *DB) applyDigestAll(q querier, users []string, column string, sign byte, id string) error {
	for _, u := range users {
		if err := db.applyDigest(q, u, column, sign, id); err != nil {
			return err
		}
	}
	return nil
}

// ResetDigest recomputes userID's digest from scratch: every contact id and
// every visible message id is added in ascending id order.
func (db *DB) ResetDigest(userID string) (Digest, error) {
	var d Digest
	err := db.withTx(func(tx *sql.Tx) error {
		if _, err := getUser(tx, userID); err != nil {
			return err
		}
		contacts, err := queryStrings(tx, "SELECT contact_id FROM contacts WHERE owner_id = ?", userID)
		if err != nil {
			return err
		}
		messages, err := visibleMessageIDs(tx, userID)
		if err != nil {
			return err
		}
		sort.Strings(contacts)
		sort.Strings(messages)
		for _, id := range contacts {
			d.Contacts = NextDigest(d.Contacts, signAdd, id)
		}
		for _, id := range messages {
			d.Messages = NextDigest(d.Messages, signAdd, id)
		}
		_, err = tx.Exec(
			`INSERT INTO sync (user_id, contacts, messages) VALUES (?, ?, ?)
			ON CONFLICT(user_id) DO UPDATE SET contacts = excluded.contacts, messages = excluded.messages`,
			userID, d.Contacts, d.Messages,
		)
		return err
	})
	return d, err
}

// Checkpoint returns the digest the client last reconciled for userID.
func (db *DB) Checkpoint(userID string) (Digest, error) {
	return readDigest(db.conn, "checkpoints", userID)
}

func (db *DB) SaveCheckpoint(userID string, d Digest) error {
	_, err := db.conn.Exec(
		`INSERT INTO checkpoints (user_id, contacts, messages) VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET contacts = excluded.contacts, messages = excluded.messages`,
		userID, d.Contacts, d.Messages,
	)
	return err
}

// SaveSession persists the last successful login so a restarted client can
// reconnect with it.
func (db *DB) SaveSession(userID, token string) error {
	_, err := db.conn.Exec(
		`INSERT INTO session (slot, user_id, token) VALUES (0, ?, ?)
		ON CONFLICT(slot) DO UPDATE SET user_id = excluded.user_id, token = excluded.token`,
		userID, token,
	)
	return err
}

func (db *DB) LastSession() (userID, token string, err error) {
	err = db.conn.QueryRow("SELECT user_id, token FROM session WHERE slot = 0").Scan(&userID, &token)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", ErrNoRows
	}
	return
}

func (db *DB) ClearSession() error {
	_, err := db.conn.Exec("DELETE FROM session")
	return err
}
