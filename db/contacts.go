package db

import (
	"database/sql"
	"errors"

	"ti/models"
)

// AddContact records the edge owner -> contact. Adding an existing edge is
// a no-op and leaves the digest alone.
func (db *DB) AddContact(owner, contact string) error {
	return db.withTx(func(tx *sql.Tx) error {
		result, err := tx.Exec(
			"INSERT INTO contacts (owner_id, contact_id) VALUES (?, ?) ON CONFLICT(owner_id, contact_id) DO NOTHING",
			owner, contact,
		)
		if err != nil {
			return err
		}
		n, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		return db.applyDigest(tx, owner, colContacts, signAdd, contact)
	})
}

func (db *DB) DeleteContact(owner, contact string) error {
	return db.withTx(func(tx *sql.Tx) error {
		result, err := tx.Exec("DELETE FROM contacts WHERE owner_id = ? AND contact_id = ?", owner, contact)
		if err != nil {
			return err
		}

		rowsAffected, err := result.RowsAffected()
		if err != nil {
			return err
		}

		if rowsAffected == 0 {
			return ErrNoRows
		}

		return db.applyDigest(tx, owner, colContacts, signRemove, contact)
	})
}

func (db *DB) ContactExists(owner, contact string) (bool, error) {
	var count int
	err := db.conn.QueryRow("SELECT COUNT(*) FROM contacts WHERE owner_id = ? AND contact_id = ?", owner, contact).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// ContactIDs lists owner's contacts in the order they were added.
func (db *DB) ContactIDs(owner string) ([]string, error) {
	return queryStrings(db.conn, "SELECT contact_id FROM contacts WHERE owner_id = ? ORDER BY id", owner)
}

// ListContacts loads owner's contacts. Edges to entities that are not
// stored are skipped.
func (db *DB) ListContacts(owner string) ([]models.Entity, error) {
	ids, err := db.ContactIDs(owner)
	if err != nil {
		return nil, err
	}
	memo := make(map[string]models.Entity)
	contacts := make([]models.Entity, 0, len(ids))
	for _, id := range ids {
		e, err := loadEntity(db.conn, id, memo)
		if errors.Is(err, ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, err
		}
		contacts = append(contacts, e)
	}
	return contacts, nil
}

// ReplaceContacts makes ids the exact contact list of owner.
func (db *DB) ReplaceContacts(owner string, ids []string) error {
	return db.withTx(func(tx *sql.Tx) error {
		current, err := queryStrings(tx, "SELECT contact_id FROM contacts WHERE owner_id = ? ORDER BY id", owner)
		if err != nil {
			return err
		}
		for _, id := range setDiff(current, ids) {
			if _, err := tx.Exec("DELETE FROM contacts WHERE owner_id = ? AND contact_id = ?", owner, id); err != nil {
				return err
			}
			if err := db.applyDigest(tx, owner, colContacts, signRemove, id); err != nil {
				return err
			}
		}
		for _, id := range setDiff(ids, current) {
			if _, err := tx.Exec("INSERT INTO contacts (owner_id, contact_id) VALUES (?, ?)", owner, id); err != nil {
				return err
			}
			if err := db.applyDigest(tx, owner, colContacts, signAdd, id); err != nil {
				return err
			}
		}
		return nil
	})
}
