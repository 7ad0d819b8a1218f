// Package client speaks the ti protocol to a server and keeps a local
// sqlite cache in step with it.
package client

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"ti/db"
	"ti/models"
	"ti/protocol"
)

var (
	ErrIllegalState     = errors.New("illegal client state")
	ErrConnectionClosed = errors.New("connection closed")
)

// State is the client's position in its lifecycle.
type State int

const (
	Offline State = iota
	LoggedOut
	Ready
)

func (s State) String() string {
	switch s {
	case LoggedOut:
		return "logged_out"
	case Ready:
		return "ready"
	default:
		return "offline"
	}
}

// Cache is the local store the client mirrors server state into.
type Cache interface {
	GetEntity(id string) (models.Entity, error)
	PutEntity(e models.Entity) error
	GetFrame(id string) (models.Frame, error)
	PutFrame(f models.Frame) error
	GetMessage(id string) (*models.Message, error)
	PutMessage(m *models.Message) error
	DeleteMessage(id string) error
	VisibleMessageIDs(userID string) ([]string, error)
	AddContact(owner, contact string) error
	DeleteContact(owner, contact string) error
	ContactIDs(owner string) ([]string, error)
	ListContacts(owner string) ([]models.Entity, error)
	Checkpoint(userID string) (db.Digest, error)
	SaveCheckpoint(userID string, d db.Digest) error
	SaveSession(userID, token string) error
	LastSession() (userID, token string, err error)
	ClearSession() error
	Pull() (*models.Index, []models.Contact, error)
}

// Client is one connection to a ti server. Calls are serialized: at most
// one request is in flight and its response arrives through a channel of
// capacity one fed by the receive loop.
type Client struct {
	cache  Cache
	index  *models.Index
	limits protocol.Limits

	mu     sync.Mutex
	conn   net.Conn
	state  State
	userID string
	token  string
	done   chan struct{}

	callMu    sync.Mutex
	responses chan protocol.Frame

	// downloads counts objects fetched from the server
	downloads atomic.Int64
}

// New creates an offline client on top of cache and warms the in-memory
// index from it.
func New(cache Cache) (*Client, error) {
	index, _, err := cache.Pull()
	if err != nil {
		return nil, fmt.Errorf("load cache: %w", err)
	}
	return &Client{
		cache:  cache,
		index:  index,
		limits: protocol.DefaultLimits(),
	}, nil
}

// Connect dials addr and tries to resume the last persisted session.
func (c *Client) Connect(addr string) error {
	conn, err := net.DialTimeout("tcp", addr, 10*time.Second)
	if err != nil {
		return err
	}
	return c.attach(conn)
}

func (c *Client) attach(conn net.Conn) error {
	c.mu.Lock()
	if c.state != Offline {
		c.mu.Unlock()
		conn.Close()
		return ErrIllegalState
	}
	done := make(chan struct{})
	c.conn = conn
	c.state = LoggedOut
	c.done = done
	c.responses = make(chan protocol.Frame, 1)
	c.mu.Unlock()

	go c.readLoop(conn, c.responses, done)

	if err := c.TryReconnect(); err != nil && !errors.Is(err, db.ErrNoRows) {
		log.Warn().Err(err).Msg("reconnect failed")
	}
	return nil
}

// Close drops the connection and waits for the receive loop to stop. The
// client goes Offline.
func (c *Client) Close() error {
	c.mu.Lock()
	conn, done := c.conn, c.done
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	err := conn.Close()
	<-done
	return err
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// UserID returns the logged in user, or "".
func (c *Client) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// readLoop delivers responses until the connection fails.
func (c *Client) readLoop(conn net.Conn, responses chan<- protocol.Frame, done chan struct{}) {
	defer func() {
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
			c.state = Offline
			c.userID, c.token = "", ""
		}
		c.mu.Unlock()
		close(done)
		conn.Close()
	}()

	for {
		frame, err := protocol.ReadFrame(conn, c.limits)
		if err != nil {
			log.Debug().Err(err).Msg("receive loop stopped")
			return
		}
		if frame.Code == protocol.CodeMessage {
			log.Debug().Int("bytes", len(frame.Payload)).Msg("push message dropped")
			continue
		}
		select {
		case responses <- frame:
		default:
			log.Warn().Str("code", protocol.CodeName(frame.Code)).Msg("unsolicited response dropped")
		}
	}
}

// call sends one request and waits for its response. A non-OK code comes
// back as the matching protocol error.
func (c *Client) call(op uint8, fields ...string) ([]byte, error) {
	c.callMu.Lock()
	defer c.callMu.Unlock()

	c.mu.Lock()
	conn, responses, done := c.conn, c.responses, c.done
	c.mu.Unlock()
	if conn == nil {
		return nil, ErrConnectionClosed
	}

	if err := protocol.WriteFrame(conn, protocol.Frame{Code: op, Payload: protocol.JoinFields(fields...)}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionClosed, err)
	}

	var frame protocol.Frame
	select {
	case frame = <-responses:
	case <-done:
		select {
		case frame = <-responses:
		default:
			return nil, ErrConnectionClosed
		}
	}
	if err := protocol.ErrorOf(frame.Code); err != nil {
		if errors.Is(err, protocol.ErrTokenExpired) {
			c.expireSession()
		}
		return nil, fmt.Errorf("%s: %w", protocol.OpName(op), err)
	}
	return frame.Payload, nil
}

// expireSession drops a session the server no longer accepts, so the next
// Login starts from LoggedOut.
func (c *Client) expireSession() {
	c.mu.Lock()
	expired := c.state == Ready
	if expired {
		c.state, c.userID, c.token = LoggedOut, "", ""
	}
	c.mu.Unlock()
	if !expired {
		return
	}
	log.Info().Msg("session expired")
	if err := c.cache.ClearSession(); err != nil {
		log.Warn().Err(err).Msg("session not cleared")
	}
}

// require returns the session if the client is in state want.
func (c *Client) require(want State) (userID, token string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != want {
		return "", "", fmt.Errorf("%w: %s, want %s", ErrIllegalState, c.state, want)
	}
	return c.userID, c.token, nil
}

func (c *Client) setSession(state State, userID, token string) {
	c.mu.Lock()
	if c.conn != nil {
		c.state, c.userID, c.token = state, userID, token
	}
	c.mu.Unlock()
}

// Register creates an account and returns its id. The client stays
// logged out.
func (c *Client) Register(name, password string) (string, error) {
	if _, _, err := c.require(LoggedOut); err != nil {
		return "", err
	}
	id, err := c.call(protocol.OpRegister, name, password)
	if err != nil {
		return "", err
	}
	return string(id), nil
}

func (c *Client) Login(userID, password string) error {
	if _, _, err := c.require(LoggedOut); err != nil {
		return err
	}
	token, err := c.call(protocol.OpLogin, userID, password)
	if err != nil {
		return err
	}
	c.setSession(Ready, userID, string(token))
	if err := c.cache.SaveSession(userID, string(token)); err != nil {
		log.Warn().Err(err).Msg("session not persisted")
	}
	return nil
}

// TryReconnect resumes the last persisted session. A token the server no
// longer knows is forgotten.
func (c *Client) TryReconnect() error {
	if _, _, err := c.require(LoggedOut); err != nil {
		return err
	}
	_, token, err := c.cache.LastSession()
	if err != nil {
		return err
	}
	userID, err := c.call(protocol.OpReconnect, token)
	if errors.Is(err, protocol.ErrNotFound) {
		c.cache.ClearSession()
		return err
	}
	if err != nil {
		return err
	}
	c.setSession(Ready, string(userID), token)
	log.Info().Str("user", string(userID)).Msg("session resumed")
	return nil
}

func (c *Client) Logout() error {
	_, token, err := c.require(Ready)
	if err != nil {
		return err
	}
	if _, err := c.call(protocol.OpLogout, token); err != nil {
		return err
	}
	c.setSession(LoggedOut, "", "")
	return c.cache.ClearSession()
}

// DeleteAccount removes the logged in user on the server.
func (c *Client) DeleteAccount() error {
	_, token, err := c.require(Ready)
	if err != nil {
		return err
	}
	if _, err := c.call(protocol.OpDeleteUser, token); err != nil {
		return err
	}
	c.setSession(LoggedOut, "", "")
	return c.cache.ClearSession()
}

// Determine revokes another of this user's tokens.
func (c *Client) Determine(tokenID int64) error {
	_, token, err := c.require(Ready)
	if err != nil {
		return err
	}
	_, err = c.call(protocol.OpDetermine, token, strconv.FormatInt(tokenID, 10))
	return err
}

// Fetch runs one SYNC selector and returns the raw result.
func (c *Client) Fetch(selector string) ([]byte, error) {
	_, token, err := c.require(Ready)
	if err != nil {
		return nil, err
	}
	return c.call(protocol.OpSync, token, selector)
}

// Send posts a text message made of one frame per text and returns the
// new message id. forwardedFrom may be empty.
func (c *Client) Send(receiverID, forwardedFrom string, texts ...string) (string, error) {
	_, token, err := c.require(Ready)
	if err != nil {
		return "", err
	}
	if len(texts) == 0 {
		return "", fmt.Errorf("%w: empty message", protocol.ErrBadRequest)
	}
	fields := append([]string{token, receiverID, forwardedFrom}, texts...)
	id, err := c.call(protocol.OpSend, fields...)
	if err != nil {
		return "", err
	}
	return string(id), nil
}

func (c *Client) AddContact(id string) error {
	_, token, err := c.require(Ready)
	if err != nil {
		return err
	}
	_, err = c.call(protocol.OpAddContact, token, id)
	return err
}

func (c *Client) RemoveContact(id string) error {
	_, token, err := c.require(Ready)
	if err != nil {
		return err
	}
	_, err = c.call(protocol.OpRemoveContact, token, id)
	return err
}

// CreateGroup creates a group with the caller and members, returning its id.
func (c *Client) CreateGroup(name string, members ...string) (string, error) {
	_, token, err := c.require(Ready)
	if err != nil {
		return "", err
	}
	id, err := c.call(protocol.OpCreateGroup, append([]string{token, name}, members...)...)
	if err != nil {
		return "", err
	}
	return string(id), nil
}

// GetContacts returns the cached contacts of the logged in user. Call Sync
// first to bring them up to date.
func (c *Client) GetContacts() ([]models.Entity, error) {
	userID, _, err := c.require(Ready)
	if err != nil {
		return nil, err
	}
	return c.cache.ListContacts(userID)
}
