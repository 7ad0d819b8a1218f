package db

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"ti/protocol"
)

// ErrNoRows matches protocol.ErrNotFound so callers can map it straight to
// a response code.
var ErrNoRows = fmt.Errorf("no rows found: %w", protocol.ErrNotFound)

// DB is the sqlite store. The server opens it with New and keeps per-user
// sync digests current on every mutation; clients open their local cache
// with OpenCache, which skips digest bookkeeping.
type DB struct {
	conn    *sql.DB
	digests bool
}

type querier interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

const dsnOptions = "?_foreign_keys=1&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate"

func New(path string) (*DB, error) {
	return open(path, true)
}

// OpenCache opens a client-side cache database.
func OpenCache(path string) (*DB, error) {
	return open(path, false)
}

func open(path string, digests bool) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+dsnOptions)
	if err != nil {
		return nil, err
	}

	db := &DB{conn: conn, digests: digests}
	if err := db.init(); err != nil {
		conn.Close()
		return nil, err
	}

	return db, nil
}

func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) init() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id VARCHAR(21) PRIMARY KEY NOT NULL,
			name TEXT NOT NULL,
			bio TEXT NOT NULL,
			registration_time TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS chat_groups (
			id VARCHAR(21) PRIMARY KEY NOT NULL,
			name TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS members (
			group_id VARCHAR(21) NOT NULL REFERENCES chat_groups(id) ON DELETE CASCADE,
			member_id VARCHAR(21) NOT NULL,
			position INTEGER NOT NULL,
			UNIQUE(group_id, member_id)
		)`,
		`CREATE TABLE IF NOT EXISTS text_frames (
			id VARCHAR(21) PRIMARY KEY NOT NULL,
			content TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id VARCHAR(21) PRIMARY KEY NOT NULL,
			time TEXT NOT NULL,
			sender_id VARCHAR(21) NOT NULL,
			receiver_id VARCHAR(21) NOT NULL,
			forwarded_id VARCHAR(21) NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS message_frames (
			message_id VARCHAR(21) NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
			frame_id VARCHAR(21) NOT NULL,
			position INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS contacts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			owner_id VARCHAR(21) NOT NULL,
			contact_id VARCHAR(21) NOT NULL,
			UNIQUE(owner_id, contact_id)
		)`,
		`CREATE TABLE IF NOT EXISTS passwords (
			user_id VARCHAR(21) PRIMARY KEY NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			hash BLOB NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS tokens (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id VARCHAR(21) NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			token TEXT UNIQUE NOT NULL,
			identifier TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS sync (
			user_id VARCHAR(21) PRIMARY KEY NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			contacts BLOB,
			messages BLOB
		)`,
		`CREATE TABLE IF NOT EXISTS checkpoints (
			user_id VARCHAR(21) PRIMARY KEY NOT NULL,
			contacts BLOB,
			messages BLOB
		)`,
		`CREATE TABLE IF NOT EXISTS session (
			slot INTEGER PRIMARY KEY CHECK (slot = 0),
			user_id VARCHAR(21) NOT NULL,
			token TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_receiver ON messages(receiver_id, time)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_time ON messages(time, id)`,
		`CREATE INDEX IF NOT EXISTS idx_message_frames ON message_frames(message_id, position)`,
		`CREATE INDEX IF NOT EXISTS idx_members_member ON members(member_id)`,
		`CREATE INDEX IF NOT EXISTS idx_contacts_contact ON contacts(contact_id)`,
		`CREATE INDEX IF NOT EXISTS idx_tokens_user ON tokens(user_id)`,
	}

	for _, query := range queries {
		if _, err := db.conn.Exec(query); err != nil {
			return err
		}
	}

	// Auto-migration for new columns
	if err := db.migrate(); err != nil {
		return err
	}

	return nil
}

// migrate performs auto-migration for columns added after the first schema
func (db *DB) migrate() error {
	if !db.columnExists("tokens", "identifier") {
		if _, err := db.conn.Exec("ALTER TABLE tokens ADD COLUMN identifier TEXT NOT NULL DEFAULT ''"); err != nil {
			return err
		}
	}

	if !db.columnExists("messages", "forwarded_id") {
		if _, err := db.conn.Exec("ALTER TABLE messages ADD COLUMN forwarded_id VARCHAR(21) NOT NULL DEFAULT ''"); err != nil {
			return err
		}
	}

	return nil
}

// columnExists checks if a column exists in a table
func (db *DB) columnExists(table, column string) bool {
	query := "SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?"
	var count int
	err := db.conn.QueryRow(query, table, column).Scan(&count)
	if err != nil {
		return false
	}
	return count > 0
}

// withTx runs fn in one immediate transaction.
func (db *DB) withTx(fn func(tx *sql.Tx) error) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// queryStrings runs a single-column query and collects every row before
// returning, so callers may issue further statements on the same tx.
func queryStrings(q querier, query string, args ...any) ([]string, error) {
	rows, err := q.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Counts returns the number of stored users, groups and messages.
func (db *DB) Counts() (users, groups, messages int, err error) {
	err = db.conn.QueryRow(
		"SELECT (SELECT COUNT(*) FROM users), (SELECT COUNT(*) FROM chat_groups), (SELECT COUNT(*) FROM messages)",
	).Scan(&users, &groups, &messages)
	return
}
