package reconcile

import (
	"errors"
	"fmt"
	"strings"

	"ti/db"
	"ti/models"
	"ti/protocol"
)

const DefaultPageSize = 256

// Store is the part of the store the selector engine reads from.
type Store interface {
	GetEntity(id string) (models.Entity, error)
	GetMessage(id string) (*models.Message, error)
	GetFrame(id string) (models.Frame, error)
	MessageVisibleTo(id, userID string) (bool, error)
	FrameVisibleTo(id, userID string) (bool, error)
	VisibleMessageIDs(userID string) ([]string, error)
	VisibleMessages(userID string) ([]*models.Message, error)
	MessagesPage(userID, after string, limit int) ([]*models.Message, error)
	ContactIDs(owner string) ([]string, error)
	ListContacts(owner string) ([]models.Entity, error)
	Digest(userID string) (db.Digest, error)
}

// Engine answers SYNC selectors on behalf of an authenticated user.
// Entities are public; messages and frames only to users who can see them.
type Engine struct {
	store    Store
	pageSize int
}

func NewEngine(store Store, pageSize int) *Engine {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Engine{store: store, pageSize: pageSize}
}

// Query evaluates a raw selector for user.
func (e *Engine) Query(user *models.User, raw string) ([]byte, error) {
	sel, err := ParseSelector(raw)
	if err != nil {
		return nil, err
	}

	switch sel.Target {
	case TargetAll:
		b, err := e.bundle(user.ID)
		if err != nil {
			return nil, err
		}
		return EncodeBundle(b), nil

	case TargetMessages:
		msgs, err := e.store.VisibleMessages(user.ID)
		if err != nil {
			return nil, err
		}
		return encodeMessages(msgs), nil

	case TargetMessageIDs:
		ids, err := e.store.VisibleMessageIDs(user.ID)
		if err != nil {
			return nil, err
		}
		return protocol.JoinFields(ids...), nil

	case TargetMessagePage:
		if sel.Cursor != "" {
			ok, err := e.store.MessageVisibleTo(sel.Cursor, user.ID)
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, fmt.Errorf("%w: cursor %s", protocol.ErrNotFound, sel.Cursor)
			}
		}
		msgs, err := e.store.MessagesPage(user.ID, sel.Cursor, e.pageSize)
		if err != nil {
			return nil, err
		}
		return encodeMessages(msgs), nil

	case TargetContacts:
		contacts, err := e.store.ListContacts(user.ID)
		if err != nil {
			return nil, err
		}
		items := make([][]byte, 0, len(contacts))
		for _, c := range contacts {
			items = append(items, models.EncodeEntity(c))
		}
		return EncodeList(items), nil

	case TargetContactIDs:
		ids, err := e.store.ContactIDs(user.ID)
		if err != nil {
			return nil, err
		}
		return protocol.JoinFields(ids...), nil

	case TargetContactsHash, TargetMessagesHash:
		d, err := e.store.Digest(user.ID)
		if err != nil {
			return nil, err
		}
		if sel.Target == TargetContactsHash {
			return d.Contacts, nil
		}
		return d.Messages, nil
	}

	return e.object(user, sel)
}

// object resolves <id>[/field] against entities, then messages, then
// frames.
func (e *Engine) object(user *models.User, sel Selector) ([]byte, error) {
	ent, err := e.store.GetEntity(sel.ID)
	if err == nil {
		return entityField(ent, sel.Field)
	}
	if !errors.Is(err, protocol.ErrNotFound) {
		return nil, err
	}

	visible, err := e.store.MessageVisibleTo(sel.ID, user.ID)
	if err != nil {
		return nil, err
	}
	if visible {
		m, err := e.store.GetMessage(sel.ID)
		if err != nil {
			return nil, err
		}
		return messageField(m, sel.Field)
	}

	visible, err = e.store.FrameVisibleTo(sel.ID, user.ID)
	if err != nil {
		return nil, err
	}
	if visible {
		f, err := e.store.GetFrame(sel.ID)
		if err != nil {
			return nil, err
		}
		return frameField(f, sel.Field)
	}

	return nil, fmt.Errorf("%w: %s", protocol.ErrNotFound, sel.ID)
}

func badField(kind, field string) error {
	return fmt.Errorf("%w: %s has no field %q", protocol.ErrBadRequest, kind, field)
}

func entityField(ent models.Entity, field string) ([]byte, error) {
	switch field {
	case "":
		return models.EncodeEntity(ent), nil
	case "id":
		return []byte(ent.EntityID()), nil
	}

	switch v := ent.(type) {
	case *models.User:
		switch field {
		case "name":
			return []byte(v.Name), nil
		case "bio":
			return []byte(v.Bio), nil
		case "registration_time":
			return []byte(protocol.FormatTime(v.RegistrationTime)), nil
		}
	case *models.Group:
		switch field {
		case "name":
			return []byte(v.Name), nil
		case "members":
			return protocol.JoinFields(v.MemberIDs()...), nil
		}
	}
	return nil, badField(ent.Kind().String(), field)
}

func messageField(m *models.Message, field string) ([]byte, error) {
	switch field {
	case "":
		return models.EncodeMessage(m), nil
	case "id":
		return []byte(m.ID), nil
	case "frames":
		ids := make([]string, len(m.Frames))
		for i, f := range m.Frames {
			ids[i] = f.FrameID()
		}
		return protocol.JoinFields(ids...), nil
	case "sender":
		return []byte(m.Sender.EntityID()), nil
	case "receiver":
		return []byte(m.Receiver.EntityID()), nil
	case "forward_source":
		if m.ForwardedFrom == nil {
			return []byte{}, nil
		}
		return []byte(m.ForwardedFrom.EntityID()), nil
	case "time":
		return []byte(protocol.FormatTime(m.Time)), nil
	}
	return nil, badField("message", field)
}

func frameField(f models.Frame, field string) ([]byte, error) {
	switch field {
	case "":
		return models.EncodeFrame(f), nil
	case "id":
		return []byte(f.FrameID()), nil
	case "content":
		return []byte(f.String()), nil
	}
	return nil, badField("frame", field)
}

func encodeMessages(msgs []*models.Message) []byte {
	items := make([][]byte, 0, len(msgs))
	for _, m := range msgs {
		items = append(items, models.EncodeMessage(m))
	}
	return EncodeList(items)
}

// bundle collects the user's contacts and visible messages together with
// every entity they reference, so the result decodes on its own.
func (e *Engine) bundle(userID string) (Bundle, error) {
	contacts, err := e.store.ListContacts(userID)
	if err != nil {
		return Bundle{}, err
	}
	msgs, err := e.store.VisibleMessages(userID)
	if err != nil {
		return Bundle{}, err
	}

	var b Bundle
	seen := make(map[string]bool)
	var add func(ent models.Entity)
	add = func(ent models.Entity) {
		id := ent.EntityID()
		if id == models.ServerID || seen[id] {
			return
		}
		seen[id] = true
		if g, ok := ent.(*models.Group); ok {
			for _, m := range g.Members {
				add(m)
			}
		}
		b.Entities = append(b.Entities, ent)
	}

	for _, c := range contacts {
		add(c)
	}
	frames := make(map[string]bool)
	for _, m := range msgs {
		add(m.Sender)
		add(m.Receiver)
		if m.ForwardedFrom != nil {
			add(m.ForwardedFrom)
		}
		for _, f := range m.Frames {
			if !frames[f.FrameID()] {
				frames[f.FrameID()] = true
				b.Frames = append(b.Frames, f)
			}
		}
	}
	b.Messages = msgs
	return b, nil
}

// SplitIDs is the client-side inverse of an id-list reply.
func SplitIDs(payload []byte) []string {
	var out []string
	for _, id := range protocol.SplitList(payload) {
		if id = strings.TrimSpace(id); id != "" {
			out = append(out, id)
		}
	}
	return out
}
