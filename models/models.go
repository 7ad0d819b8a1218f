package models

import (
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// Kind is the tag byte that prefixes every serialized entity.
type Kind uint8

const (
	KindServer Kind = 0x00
	KindUser   Kind = 0x01
	KindGroup  Kind = 0x02
)

func (k Kind) String() string {
	switch k {
	case KindServer:
		return "server"
	case KindUser:
		return "user"
	case KindGroup:
		return "group"
	default:
		return "unknown"
	}
}

// TagTextFrame prefixes a serialized TextFrame.
const TagTextFrame byte = 0x40

// ServerID is the well-known id of the one Server entity.
const ServerID = "zGuEzyj3EUyeSKAvHw3Zo"

// IDLength matches the varchar(21) ids used by every table.
const IDLength = 21

// NewID returns a fresh random entity, frame or message id.
func NewID() string {
	return gonanoid.Must(IDLength)
}

// Entity is a closed set: Server, *User and *Group. Two entities are the
// same entity iff their ids are equal.
type Entity interface {
	EntityID() string
	Kind() Kind
	entity()
}

// Server represents the server itself as a participant.
type Server struct{}

func NewServer() Server { return Server{} }

func (Server) EntityID() string { return ServerID }
func (Server) Kind() Kind       { return KindServer }
func (Server) entity()          {}

type User struct {
	ID               string
	Name             string
	Bio              string
	RegistrationTime time.Time
}

func (u *User) EntityID() string { return u.ID }
func (u *User) Kind() Kind       { return KindUser }
func (u *User) entity()          {}

// Group members may be users, servers or other groups. Order is kept.
type Group struct {
	ID      string
	Name    string
	Members []Entity
}

func (g *Group) EntityID() string { return g.ID }
func (g *Group) Kind() Kind       { return KindGroup }
func (g *Group) entity()          {}

// HasMember reports whether id is a direct member of g.
func (g *Group) HasMember(id string) bool {
	for _, m := range g.Members {
		if m.EntityID() == id {
			return true
		}
	}
	return false
}

// MemberIDs returns the ids of the direct members in order.
func (g *Group) MemberIDs() []string {
	ids := make([]string, len(g.Members))
	for i, m := range g.Members {
		ids[i] = m.EntityID()
	}
	return ids
}

// Frame is a unit of message content. TextFrame is the only variant.
type Frame interface {
	FrameID() string
	String() string
	frame()
}

type TextFrame struct {
	ID      string
	Content string
}

func (f *TextFrame) FrameID() string { return f.ID }
func (f *TextFrame) String() string  { return f.Content }
func (f *TextFrame) frame()          {}

// Message binds frames to a sender and a receiver. ForwardedFrom is nil
// unless the message was forwarded.
type Message struct {
	ID            string
	Frames        []Frame
	Time          time.Time
	Sender        Entity
	Receiver      Entity
	ForwardedFrom Entity
}

// VisibleTo reports whether e may see m: e is the receiver, or the receiver
// is a group that has e as a direct member.
func (m *Message) VisibleTo(e Entity) bool {
	if m.Receiver == nil || e == nil {
		return false
	}
	if m.Receiver.EntityID() == e.EntityID() {
		return true
	}
	if g, ok := m.Receiver.(*Group); ok {
		return g.HasMember(e.EntityID())
	}
	return false
}

// Text concatenates the content of every frame.
func (m *Message) Text() string {
	var s string
	for _, f := range m.Frames {
		s += f.String()
	}
	return s
}

// References returns the ids of every entity m points at.
func (m *Message) References() []string {
	ids := make([]string, 0, 3)
	if m.Sender != nil {
		ids = append(ids, m.Sender.EntityID())
	}
	if m.Receiver != nil {
		ids = append(ids, m.Receiver.EntityID())
	}
	if m.ForwardedFrom != nil {
		ids = append(ids, m.ForwardedFrom.EntityID())
	}
	return ids
}

// Contact is an edge owner -> contact. Edges are not reciprocal.
type Contact struct {
	Owner   string
	Contact string
}
