package server

import (
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"ti/auth"
	"ti/models"
	"ti/protocol"
)

// handleRequest dispatches one request and returns the response code and
// payload. It never panics on bad input.
func (s *Server) handleRequest(session *Session, frame protocol.Frame) (uint8, []byte) {
	start := time.Now()
	op := protocol.OpName(frame.Code)

	// auth packets carry passwords and are never logged with their payload
	if frame.Code != protocol.OpLogin && frame.Code != protocol.OpRegister {
		log.Debug().Str("remote", session.RemoteAddr).Str("op", op).Int("bytes", len(frame.Payload)).Msg("request")
	}

	var payload []byte
	var err error
	switch frame.Code {
	case protocol.OpLogin:
		payload, err = s.handleLogin(session, frame.Payload)
	case protocol.OpLogout:
		payload, err = s.handleLogout(session, frame.Payload)
	case protocol.OpRegister:
		payload, err = s.handleRegister(frame.Payload)
	case protocol.OpSync:
		payload, err = s.handleSync(session, frame.Payload)
	case protocol.OpDeleteUser:
		payload, err = s.handleDeleteUser(session, frame.Payload)
	case protocol.OpReconnect:
		payload, err = s.handleReconnect(session, frame.Payload)
	case protocol.OpDetermine:
		payload, err = s.handleDetermine(session, frame.Payload)
	case protocol.OpSend:
		payload, err = s.handleSend(session, frame.Payload)
	case protocol.OpAddContact:
		payload, err = s.handleAddContact(session, frame.Payload)
	case protocol.OpRemoveContact:
		payload, err = s.handleRemoveContact(session, frame.Payload)
	case protocol.OpCreateGroup:
		payload, err = s.handleCreateGroup(session, frame.Payload)
	default:
		err = fmt.Errorf("%w: unknown opcode %d", protocol.ErrBadRequest, frame.Code)
	}

	code := protocol.CodeOf(err)
	switch code {
	case protocol.CodeOK:
	case protocol.CodeServerError:
		log.Error().Err(err).Str("remote", session.RemoteAddr).Str("op", op).Msg("request failed")
		payload = nil
	default:
		log.Debug().Err(err).Str("remote", session.RemoteAddr).Str("op", op).Msg("request rejected")
		payload = nil
	}
	recordRequest(op, code, time.Since(start))
	return code, payload
}

func (s *Server) handleLogin(session *Session, payload []byte) ([]byte, error) {
	fields, err := protocol.SplitFields(payload, 2)
	if err != nil {
		return nil, err
	}
	token, err := s.auth.Login(&session.Session, fields[0], fields[1], session.RemoteAddr)
	if err != nil {
		return nil, err
	}
	return []byte(token), nil
}

func (s *Server) handleLogout(session *Session, payload []byte) ([]byte, error) {
	return nil, s.auth.Logout(&session.Session, string(payload))
}

func (s *Server) handleRegister(payload []byte) ([]byte, error) {
	fields, err := protocol.SplitFields(payload, 2)
	if err != nil {
		return nil, err
	}
	id, err := s.auth.Register(fields[0], fields[1])
	if err != nil {
		return nil, err
	}
	return []byte(id), nil
}

func (s *Server) handleSync(session *Session, payload []byte) ([]byte, error) {
	fields, err := protocol.SplitFields(payload, 2)
	if err != nil {
		return nil, err
	}
	user, err := s.auth.Authorize(&session.Session, fields[0])
	if err != nil {
		return nil, err
	}
	return s.engine.Query(user, fields[1])
}

func (s *Server) handleDeleteUser(session *Session, payload []byte) ([]byte, error) {
	return nil, s.auth.DeleteAccount(&session.Session, string(payload))
}

func (s *Server) handleReconnect(session *Session, payload []byte) ([]byte, error) {
	userID, err := s.auth.Reconnect(&session.Session, string(payload))
	if err != nil {
		return nil, err
	}
	return []byte(userID), nil
}

func (s *Server) handleDetermine(session *Session, payload []byte) ([]byte, error) {
	fields, err := protocol.SplitFields(payload, 2)
	if err != nil {
		return nil, err
	}
	tokenID, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: token id %q", protocol.ErrBadRequest, fields[1])
	}
	return nil, s.auth.Determine(&session.Session, fields[0], tokenID)
}

// handleSend stores a message. Every field after the forward source
// becomes one text frame.
func (s *Server) handleSend(session *Session, payload []byte) ([]byte, error) {
	fields, err := protocol.SplitFieldsMin(payload, 4)
	if err != nil {
		return nil, err
	}
	user, err := s.auth.Authorize(&session.Session, fields[0])
	if err != nil {
		return nil, err
	}

	receiver, err := s.db.GetEntity(fields[1])
	if err != nil {
		return nil, err
	}
	if g, ok := receiver.(*models.Group); ok && !g.HasMember(user.ID) {
		return nil, fmt.Errorf("%w: %s is not a member of %s", protocol.ErrBadRequest, user.ID, g.ID)
	}

	msg := &models.Message{
		ID:       models.NewID(),
		Time:     time.Now().UTC().Truncate(time.Second),
		Sender:   user,
		Receiver: receiver,
	}
	if fields[2] != "" {
		if msg.ForwardedFrom, err = s.db.GetEntity(fields[2]); err != nil {
			return nil, err
		}
	}
	for _, text := range fields[3:] {
		msg.Frames = append(msg.Frames, &models.TextFrame{ID: models.NewID(), Content: text})
	}

	if err := s.db.PutMessage(msg); err != nil {
		return nil, err
	}
	log.Debug().Str("user", user.ID).Str("to", receiver.EntityID()).Str("message", msg.ID).Msg("message stored")
	return []byte(msg.ID), nil
}

func (s *Server) handleAddContact(session *Session, payload []byte) ([]byte, error) {
	fields, err := protocol.SplitFields(payload, 2)
	if err != nil {
		return nil, err
	}
	user, err := s.auth.Authorize(&session.Session, fields[0])
	if err != nil {
		return nil, err
	}
	if _, err := s.db.GetEntity(fields[1]); err != nil {
		return nil, err
	}
	return nil, s.db.AddContact(user.ID, fields[1])
}

func (s *Server) handleRemoveContact(session *Session, payload []byte) ([]byte, error) {
	fields, err := protocol.SplitFields(payload, 2)
	if err != nil {
		return nil, err
	}
	user, err := s.auth.Authorize(&session.Session, fields[0])
	if err != nil {
		return nil, err
	}
	return nil, s.db.DeleteContact(user.ID, fields[1])
}

// handleCreateGroup creates a group with the caller as first member and
// adds it to the caller's contacts.
func (s *Server) handleCreateGroup(session *Session, payload []byte) ([]byte, error) {
	fields, err := protocol.SplitFieldsMin(payload, 2)
	if err != nil {
		return nil, err
	}
	user, err := s.auth.Authorize(&session.Session, fields[0])
	if err != nil {
		return nil, err
	}
	if !auth.ValidName(fields[1]) {
		return nil, auth.ErrInvalidName
	}

	g := &models.Group{ID: models.NewID(), Name: fields[1], Members: []models.Entity{user}}
	for _, id := range fields[2:] {
		if id == "" || g.HasMember(id) {
			continue
		}
		member, err := s.db.GetEntity(id)
		if err != nil {
			return nil, fmt.Errorf("member %s: %w", id, err)
		}
		g.Members = append(g.Members, member)
	}

	if err := s.db.PutEntity(g); err != nil {
		return nil, err
	}
	if err := s.db.AddContact(user.ID, g.ID); err != nil {
		return nil, err
	}
	log.Info().Str("user", user.ID).Str("group", g.ID).Int("members", len(g.Members)).Msg("group created")
	return []byte(g.ID), nil
}
