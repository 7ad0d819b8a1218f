package server

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"ti/auth"
	"ti/db"
	"ti/protocol"
	"ti/reconcile"
)

type Server struct {
	db       *db.DB
	config   *ServerConfig
	auth     *auth.Manager
	engine   *reconcile.Engine
	sessions map[net.Conn]*Session
	mu       sync.RWMutex
	listener net.Listener
	control  net.Listener
	closing  bool
}

type ServerConfig struct {
	Port         int
	ReadTimeout  time.Duration // idle time before a connection is dropped, 0 disables
	WriteTimeout time.Duration
	Limits       protocol.Limits
	PageSize     int
}

// Session is one client connection. Its auth state starts anonymous.
type Session struct {
	auth.Session
	Conn        net.Conn
	RemoteAddr  string
	ConnectedAt time.Time
	writeMu     sync.Mutex
}

func New(database *db.DB, config *ServerConfig) *Server {
	if config.Limits.MaxPayload == 0 {
		config.Limits = protocol.DefaultLimits()
	}

	return &Server{
		db:       database,
		config:   config,
		auth:     auth.NewManager(database),
		engine:   reconcile.NewEngine(database, config.PageSize),
		sessions: make(map[net.Conn]*Session),
	}
}

// Listen binds the configured port. Start calls it when needed.
func (s *Server) Listen() error {
	listener, err := net.Listen("tcp", ":"+strconv.Itoa(s.config.Port))
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Start accepts connections until Shutdown. It returns nil after a
// shutdown and the accept error otherwise.
func (s *Server) Start() error {
	if s.Addr() == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}
	s.mu.RLock()
	listener := s.listener
	s.mu.RUnlock()

	log.Info().Str("addr", listener.Addr().String()).Msg("ti server started")

	for {
		conn, err := listener.Accept()
		if err != nil {
			if s.isClosing() {
				return nil
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			log.Error().Err(err).Msg("accept failed")
			return err
		}

		go s.handleConnection(conn)
	}
}

func (s *Server) isClosing() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closing
}

func (s *Server) handleConnection(conn net.Conn) {
	remoteAddr := conn.RemoteAddr().String()
	session := &Session{
		Conn:        conn,
		RemoteAddr:  remoteAddr,
		ConnectedAt: time.Now(),
	}
	if !s.addSession(session) {
		conn.Close()
		return
	}
	defer s.onDisconnect(session)

	log.Debug().Str("remote", remoteAddr).Msg("client connected")

	for {
		if s.config.ReadTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
		}
		frame, err := protocol.ReadFrame(conn, s.config.Limits)
		if err != nil {
			var netErr net.Error
			switch {
			case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, net.ErrClosed):
			case errors.As(err, &netErr) && netErr.Timeout():
				log.Debug().Str("remote", remoteAddr).Msg("idle timeout")
			default:
				log.Warn().Err(err).Str("remote", remoteAddr).Msg("read failed")
			}
			return
		}

		code, payload := s.handleRequest(session, frame)
		if err := s.sendPacket(session, code, payload); err != nil {
			log.Warn().Err(err).Str("remote", remoteAddr).Msg("write failed")
			return
		}
	}
}

// onDisconnect releases everything held for a closed connection. The
// session's token stays valid for a later RECONNECT.
func (s *Server) onDisconnect(session *Session) {
	s.removeSession(session.Conn)
	session.Conn.Close()

	if userID := session.UserID(); userID != "" {
		log.Info().Str("user", userID).Str("remote", session.RemoteAddr).Msg("client disconnected")
	} else {
		log.Debug().Str("remote", session.RemoteAddr).Msg("client disconnected")
	}
}

// sendPacket writes exactly one response frame.
func (s *Server) sendPacket(session *Session, code uint8, payload []byte) error {
	session.writeMu.Lock()
	defer session.writeMu.Unlock()

	if s.config.WriteTimeout > 0 {
		session.Conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	}
	return protocol.WriteFrame(session.Conn, protocol.Frame{Code: code, Payload: payload})
}

func (s *Server) addSession(session *Session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.sessions[session.Conn] = session
	connectionsActive.Inc()
	return true
}

func (s *Server) removeSession(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[conn]; ok {
		delete(s.sessions, conn)
		connectionsActive.Dec()
	}
}

// Shutdown stops accepting, closes every connection and makes Start
// return.
func (s *Server) Shutdown(reason string) {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return
	}
	s.closing = true
	listener, control := s.listener, s.control
	conns := make([]net.Conn, 0, len(s.sessions))
	for conn := range s.sessions {
		conns = append(conns, conn)
	}
	s.mu.Unlock()

	log.Info().Str("reason", reason).Int("connections", len(conns)).Msg("shutting down")

	if listener != nil {
		listener.Close()
	}
	if control != nil {
		control.Close()
	}
	for _, conn := range conns {
		conn.Close()
	}
}

// GetStats returns server statistics as a formatted string
func (s *Server) GetStats() string {
	s.mu.RLock()
	activeConnections := len(s.sessions)
	seen := make(map[string]bool)
	var users []string
	for _, session := range s.sessions {
		if id := session.UserID(); id != "" && !seen[id] {
			seen[id] = true
			users = append(users, id)
		}
	}
	s.mu.RUnlock()
	sort.Strings(users)

	stats := "connections=" + strconv.Itoa(activeConnections) + ",users=" + strings.Join(users, ";")
	if stored, groups, messages, err := s.db.Counts(); err == nil {
		stats += fmt.Sprintf(",stored_users=%d,groups=%d,messages=%d", stored, groups, messages)
	}
	return stats
}
