package models

import (
	"bytes"
	"errors"
	"fmt"

	"ti/protocol"
)

var (
	// ErrUnresolvedReference is returned when a serialized value names an id
	// the resolver does not know.
	ErrUnresolvedReference = errors.New("unresolved reference")
	ErrUnsupportedType     = errors.New("unsupported type tag")
	ErrMalformed           = errors.New("malformed payload")
)

// ReferenceError names the id that could not be resolved so callers can
// fetch it and retry.
type ReferenceError struct {
	Kind string // "entity" or "frame"
	ID   string
}

func (e *ReferenceError) Error() string {
	return fmt.Sprintf("unresolved %s reference %q", e.Kind, e.ID)
}

func (e *ReferenceError) Unwrap() error { return ErrUnresolvedReference }

// EntityResolver looks up already-known entities by id.
type EntityResolver interface {
	ResolveEntity(id string) (Entity, bool)
}

// FrameResolver looks up already-known frames by id.
type FrameResolver interface {
	ResolveFrame(id string) (Frame, bool)
}

type Resolver interface {
	EntityResolver
	FrameResolver
}

// Chain tries each resolver in order.
type Chain []Resolver

func (c Chain) ResolveEntity(id string) (Entity, bool) {
	for _, r := range c {
		if r == nil {
			continue
		}
		if e, ok := r.ResolveEntity(id); ok {
			return e, true
		}
	}
	return nil, false
}

func (c Chain) ResolveFrame(id string) (Frame, bool) {
	for _, r := range c {
		if r == nil {
			continue
		}
		if f, ok := r.ResolveFrame(id); ok {
			return f, true
		}
	}
	return nil, false
}

const sep = protocol.Separator

// EncodeEntity serializes e with its tag byte.
func EncodeEntity(e Entity) []byte {
	var buf bytes.Buffer
	buf.WriteByte(byte(e.Kind()))
	switch v := e.(type) {
	case Server:
		buf.WriteString(ServerID)
	case *User:
		buf.Write(protocol.JoinFields(v.ID, v.Name, v.Bio, protocol.FormatTime(v.RegistrationTime)))
	case *Group:
		buf.WriteString(v.ID)
		buf.WriteByte(sep)
		buf.WriteString(v.Name)
		for _, m := range v.Members {
			buf.WriteByte(sep)
			buf.WriteString(m.EntityID())
		}
	}
	return buf.Bytes()
}

// DecodeEntity parses a tagged entity. Group members are looked up through
// r; r is never modified.
func DecodeEntity(b []byte, r EntityResolver) (Entity, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("%w: empty entity", ErrMalformed)
	}
	body := b[1:]
	switch Kind(b[0]) {
	case KindServer:
		if string(body) != ServerID {
			return nil, fmt.Errorf("%w: server id %q", ErrMalformed, body)
		}
		return NewServer(), nil

	case KindUser:
		parts := bytes.SplitN(body, []byte{sep}, 4)
		if len(parts) != 4 {
			return nil, fmt.Errorf("%w: user has %d fields", ErrMalformed, len(parts))
		}
		t, err := protocol.ParseTime(string(parts[3]))
		if err != nil {
			return nil, fmt.Errorf("%w: user time: %v", ErrMalformed, err)
		}
		return &User{
			ID:               string(parts[0]),
			Name:             string(parts[1]),
			Bio:              string(parts[2]),
			RegistrationTime: t,
		}, nil

	case KindGroup:
		parts := bytes.Split(body, []byte{sep})
		if len(parts) < 2 {
			return nil, fmt.Errorf("%w: group has %d fields", ErrMalformed, len(parts))
		}
		g := &Group{ID: string(parts[0]), Name: string(parts[1])}
		for _, p := range parts[2:] {
			id := string(p)
			m, ok := resolveEntity(r, id)
			if !ok {
				return nil, &ReferenceError{Kind: "entity", ID: id}
			}
			g.Members = append(g.Members, m)
		}
		return g, nil

	default:
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnsupportedType, b[0])
	}
}

func resolveEntity(r EntityResolver, id string) (Entity, bool) {
	if id == ServerID {
		return NewServer(), true
	}
	if r == nil {
		return nil, false
	}
	return r.ResolveEntity(id)
}

// EntityTag returns the tag byte and id of a serialized entity without
// resolving anything.
func EntityTag(b []byte) (Kind, string, error) {
	if len(b) == 0 {
		return 0, "", fmt.Errorf("%w: empty entity", ErrMalformed)
	}
	k := Kind(b[0])
	if k != KindServer && k != KindUser && k != KindGroup {
		return 0, "", fmt.Errorf("%w: 0x%02x", ErrUnsupportedType, b[0])
	}
	id := b[1:]
	if i := bytes.IndexByte(id, sep); i >= 0 {
		id = id[:i]
	}
	return k, string(id), nil
}

func EncodeFrame(f Frame) []byte {
	switch v := f.(type) {
	case *TextFrame:
		out := make([]byte, 0, 2+len(v.ID)+len(v.Content))
		out = append(out, TagTextFrame)
		out = append(out, v.ID...)
		out = append(out, sep)
		out = append(out, v.Content...)
		return out
	}
	return nil
}

func DecodeFrame(b []byte) (Frame, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("%w: empty frame", ErrMalformed)
	}
	if b[0] != TagTextFrame {
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnsupportedType, b[0])
	}
	parts := bytes.SplitN(b[1:], []byte{sep}, 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("%w: text frame without content", ErrMalformed)
	}
	return &TextFrame{ID: string(parts[0]), Content: string(parts[1])}, nil
}

// EncodeMessage lays out
//
//	id NUL count(8) (frameId NUL)* sender NUL receiver NUL forward NUL time
//
// forward is empty when the message was not forwarded.
func EncodeMessage(m *Message) []byte {
	var buf bytes.Buffer
	buf.WriteString(m.ID)
	buf.WriteByte(sep)
	buf.Write(protocol.PutLen(nil, len(m.Frames)))
	for _, f := range m.Frames {
		buf.WriteString(f.FrameID())
		buf.WriteByte(sep)
	}
	forward := ""
	if m.ForwardedFrom != nil {
		forward = m.ForwardedFrom.EntityID()
	}
	buf.Write(protocol.JoinFields(m.Sender.EntityID(), m.Receiver.EntityID(), forward, protocol.FormatTime(m.Time)))
	return buf.Bytes()
}

// MessageRefs lists the frame ids and entity ids a serialized message
// points at, without resolving them.
func MessageRefs(b []byte) (id string, frames []string, entities []string, err error) {
	c := protocol.NewCursor(b)
	id, frames, tail, err := splitMessage(c)
	if err != nil {
		return "", nil, nil, err
	}
	entities = []string{tail[0], tail[1]}
	if tail[2] != "" {
		entities = append(entities, tail[2])
	}
	return id, frames, entities, nil
}

func splitMessage(c *protocol.Cursor) (string, []string, []string, error) {
	id, ok := c.Until(sep)
	if !ok {
		return "", nil, nil, fmt.Errorf("%w: message id", ErrMalformed)
	}
	n, ok := c.Len()
	if !ok {
		return "", nil, nil, fmt.Errorf("%w: message frame count", ErrMalformed)
	}
	// every frame id takes at least its separator
	if n > uint64(c.Remaining()) {
		return "", nil, nil, fmt.Errorf("%w: frame count %d", ErrMalformed, n)
	}
	frames := make([]string, 0, n)
	for i := uint64(0); i < n; i++ {
		fid, ok := c.Until(sep)
		if !ok {
			return "", nil, nil, fmt.Errorf("%w: frame %d", ErrMalformed, i)
		}
		frames = append(frames, fid)
	}
	tail := bytes.Split(c.Rest(), []byte{sep})
	if len(tail) != 4 {
		return "", nil, nil, fmt.Errorf("%w: message body has %d fields", ErrMalformed, len(tail))
	}
	return id, frames, toStrings(tail), nil
}

func toStrings(parts [][]byte) []string {
	out := make([]string, len(parts))
	for i, p := range parts {
		out[i] = string(p)
	}
	return out
}

// DecodeMessage parses a message. Frames and entities must already be
// known to r.
func DecodeMessage(b []byte, r Resolver) (*Message, error) {
	id, frameIDs, tail, err := splitMessage(protocol.NewCursor(b))
	if err != nil {
		return nil, err
	}

	m := &Message{ID: id, Frames: make([]Frame, 0, len(frameIDs))}
	for _, fid := range frameIDs {
		var f Frame
		ok := false
		if r != nil {
			f, ok = r.ResolveFrame(fid)
		}
		if !ok {
			return nil, &ReferenceError{Kind: "frame", ID: fid}
		}
		m.Frames = append(m.Frames, f)
	}

	if m.Sender, err = mustResolve(r, tail[0]); err != nil {
		return nil, err
	}
	if m.Receiver, err = mustResolve(r, tail[1]); err != nil {
		return nil, err
	}
	if tail[2] != "" {
		if m.ForwardedFrom, err = mustResolve(r, tail[2]); err != nil {
			return nil, err
		}
	}
	if m.Time, err = protocol.ParseTime(tail[3]); err != nil {
		return nil, fmt.Errorf("%w: message time: %v", ErrMalformed, err)
	}
	return m, nil
}

func mustResolve(r EntityResolver, id string) (Entity, error) {
	e, ok := resolveEntity(r, id)
	if !ok {
		return nil, &ReferenceError{Kind: "entity", ID: id}
	}
	return e, nil
}
