// Package auth implements registration, login and token management on top
// of the store.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"ti/db"
	"ti/models"
	"ti/protocol"
)

// ErrInvalidName is returned by Register for names that are empty or
// contain control characters. It travels as BAD_REQUEST.
var ErrInvalidName = fmt.Errorf("%w: invalid name", protocol.ErrBadRequest)

// Store is the part of the store the auth manager needs.
type Store interface {
	CreateUser(u *models.User, password string) error
	GetUser(id string) (*models.User, error)
	AuthenticateUser(userID, password string) (bool, error)
	AddToken(userID, token, identifier string) (int64, error)
	GetToken(token string) (db.Token, error)
	InvalidateToken(token string) error
	InvalidateTokenID(id int64, ownerID string) error
	DeleteEntity(id string) error
}

type Manager struct {
	store Store
	now   func() time.Time
}

func NewManager(store Store) *Manager {
	return &Manager{store: store, now: time.Now}
}

// ValidName reports whether name is non-empty and has no byte below 32.
func ValidName(name string) bool {
	if name == "" {
		return false
	}
	for i := 0; i < len(name); i++ {
		if name[i] < 32 {
			return false
		}
	}
	return true
}

// Register creates a user and returns its fresh id. Names need not be
// unique.
func (m *Manager) Register(name, password string) (string, error) {
	if !ValidName(name) {
		return "", ErrInvalidName
	}
	u := &models.User{
		ID:               models.NewID(),
		Name:             name,
		RegistrationTime: m.now().UTC().Truncate(time.Second),
	}
	if err := m.store.CreateUser(u, password); err != nil {
		return "", fmt.Errorf("create user: %w", err)
	}
	log.Info().Str("user", u.ID).Msg("user registered")
	return u.ID, nil
}

// Login checks the password, issues a new token and authenticates s.
// An unknown user and a wrong password are indistinguishable.
func (m *Manager) Login(s *Session, userID, password, identifier string) (string, error) {
	ok, err := m.store.AuthenticateUser(userID, password)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%w: bad credentials", protocol.ErrNotFound)
	}
	u, err := m.store.GetUser(userID)
	if err != nil {
		return "", err
	}

	token := uuid.NewString()
	if _, err := m.store.AddToken(userID, token, identifier); err != nil {
		return "", fmt.Errorf("add token: %w", err)
	}
	s.set(u, token)
	log.Info().Str("user", userID).Str("from", identifier).Msg("login")
	return token, nil
}

// Reconnect re-authenticates s with a token issued earlier. No new token
// is issued.
func (m *Manager) Reconnect(s *Session, token string) (string, error) {
	rec, err := m.store.GetToken(token)
	if err != nil {
		return "", err
	}
	u, err := m.store.GetUser(rec.UserID)
	if err != nil {
		return "", err
	}
	s.set(u, token)
	log.Info().Str("user", u.ID).Msg("reconnect")
	return u.ID, nil
}

// Authorize checks that token is the one s authenticated with and that it
// has not been revoked since.
func (m *Manager) Authorize(s *Session, token string) (*models.User, error) {
	u := s.User()
	if u == nil || token == "" || s.Token() != token {
		return nil, protocol.ErrTokenExpired
	}
	rec, err := m.store.GetToken(token)
	if errors.Is(err, protocol.ErrNotFound) {
		s.clear()
		return nil, protocol.ErrTokenExpired
	}
	if err != nil {
		return nil, err
	}
	if rec.UserID != u.ID {
		s.clear()
		return nil, protocol.ErrTokenExpired
	}
	return u, nil
}

// Determine revokes another token of the same user, e.g. a lost device.
func (m *Manager) Determine(s *Session, token string, targetID int64) error {
	u, err := m.Authorize(s, token)
	if err != nil {
		return err
	}
	own, err := m.store.GetToken(token)
	if err != nil {
		return err
	}
	if own.ID == targetID {
		return fmt.Errorf("%w: cannot revoke the current token", protocol.ErrBadRequest)
	}
	if err := m.store.InvalidateTokenID(targetID, u.ID); err != nil {
		return err
	}
	log.Info().Str("user", u.ID).Int64("token_id", targetID).Msg("token revoked")
	return nil
}

// Logout revokes the session token and makes s anonymous again.
func (m *Manager) Logout(s *Session, token string) error {
	u, err := m.Authorize(s, token)
	if err != nil {
		return err
	}
	if err := m.store.InvalidateToken(token); err != nil {
		if errors.Is(err, protocol.ErrNotFound) {
			return protocol.ErrTokenExpired
		}
		return err
	}
	s.clear()
	log.Info().Str("user", u.ID).Msg("logout")
	return nil
}

// DeleteAccount removes the session's user and everything it owns.
func (m *Manager) DeleteAccount(s *Session, token string) error {
	u, err := m.Authorize(s, token)
	if err != nil {
		return err
	}
	if err := m.store.DeleteEntity(u.ID); err != nil {
		return err
	}
	s.clear()
	log.Info().Str("user", u.ID).Msg("account deleted")
	return nil
}
