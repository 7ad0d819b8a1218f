package db

import (
	"database/sql"
	"errors"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"ti/models"
)

// Token is one issued session token. A user may hold several.
type Token struct {
	ID         int64
	UserID     string
	Token      string
	Identifier string
}

// CreateUser stores u and its password digest in one transaction.
func (db *DB) CreateUser(u *models.User, password string) error {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}

	return db.withTx(func(tx *sql.Tx) error {
		if err := db.putEntity(tx, u); err != nil {
			return err
		}
		_, err := tx.Exec(
			"INSERT INTO passwords (user_id, hash) VALUES (?, ?) ON CONFLICT(user_id) DO UPDATE SET hash = excluded.hash",
			u.ID, hashed,
		)
		return err
	})
}

func (db *DB) SetPassword(userID, password string) error {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	result, err := db.conn.Exec("UPDATE passwords SET hash = ? WHERE user_id = ?", hashed, userID)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNoRows
	}
	return nil
}

var (
	dummyOnce sync.Once
	dummyHash []byte
)

// unknownUserHash is compared against for ids without a password, so the
// reply takes as long as for a wrong password.
func unknownUserHash() []byte {
	dummyOnce.Do(func() {
		dummyHash, _ = bcrypt.GenerateFromPassword([]byte("unknown user"), bcrypt.DefaultCost)
	})
	return dummyHash
}

// AuthenticateUser reports whether password matches the stored digest.
// Unknown users are not an error.
func (db *DB) AuthenticateUser(userID, password string) (bool, error) {
	var hashed []byte
	err := db.conn.QueryRow("SELECT hash FROM passwords WHERE user_id = ?", userID).Scan(&hashed)
	if errors.Is(err, sql.ErrNoRows) {
		bcrypt.CompareHashAndPassword(unknownUserHash(), []byte(password))
		return false, nil
	}
	if err != nil {
		return false, err
	}

	err = bcrypt.CompareHashAndPassword(hashed, []byte(password))
	return err == nil, nil
}

// AddToken stores a new token for userID and returns its id.
func (db *DB) AddToken(userID, token, identifier string) (int64, error) {
	result, err := db.conn.Exec(
		"INSERT INTO tokens (user_id, token, identifier) VALUES (?, ?, ?)",
		userID, token, identifier,
	)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

func (db *DB) GetToken(token string) (Token, error) {
	var t Token
	err := db.conn.QueryRow("SELECT id, user_id, token, identifier FROM tokens WHERE token = ?", token).
		Scan(&t.ID, &t.UserID, &t.Token, &t.Identifier)
	if errors.Is(err, sql.ErrNoRows) {
		return Token{}, ErrNoRows
	}
	return t, err
}

func (db *DB) ListTokens(userID string) ([]Token, error) {
	rows, err := db.conn.Query("SELECT id, user_id, token, identifier FROM tokens WHERE user_id = ? ORDER BY id", userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tokens []Token
	for rows.Next() {
		var t Token
		if err := rows.Scan(&t.ID, &t.UserID, &t.Token, &t.Identifier); err != nil {
			return nil, err
		}
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}

func (db *DB) InvalidateToken(token string) error {
	return expectOne(db.conn.Exec("DELETE FROM tokens WHERE token = ?", token))
}

// InvalidateTokenID removes token id. With a non-empty ownerID the token
// must also belong to that user.
func (db *DB) InvalidateTokenID(id int64, ownerID string) error {
	if ownerID == "" {
		return expectOne(db.conn.Exec("DELETE FROM tokens WHERE id = ?", id))
	}
	return expectOne(db.conn.Exec("DELETE FROM tokens WHERE id = ? AND user_id = ?", id, ownerID))
}

func expectOne(result sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNoRows
	}
	return nil
}
