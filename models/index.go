package models

import (
	"sort"
	"sync"
)

// Index is an in-memory cache of entities, frames and messages. It
// resolves references for the decoders and is safe for concurrent use.
type Index struct {
	mu       sync.RWMutex
	entities map[string]Entity
	frames   map[string]Frame
	messages map[string]*Message
}

func NewIndex() *Index {
	return &Index{
		entities: make(map[string]Entity),
		frames:   make(map[string]Frame),
		messages: make(map[string]*Message),
	}
}

func (x *Index) ResolveEntity(id string) (Entity, bool) {
	if id == ServerID {
		return NewServer(), true
	}
	x.mu.RLock()
	defer x.mu.RUnlock()
	e, ok := x.entities[id]
	return e, ok
}

func (x *Index) ResolveFrame(id string) (Frame, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	f, ok := x.frames[id]
	return f, ok
}

func (x *Index) Message(id string) (*Message, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	m, ok := x.messages[id]
	return m, ok
}

// Put stores e, replacing any entity with the same id.
func (x *Index) Put(e Entity) {
	x.mu.Lock()
	x.entities[e.EntityID()] = e
	x.mu.Unlock()
}

func (x *Index) PutFrame(f Frame) {
	x.mu.Lock()
	x.frames[f.FrameID()] = f
	x.mu.Unlock()
}

// PutMessage stores m together with its frames.
func (x *Index) PutMessage(m *Message) {
	x.mu.Lock()
	for _, f := range m.Frames {
		x.frames[f.FrameID()] = f
	}
	x.messages[m.ID] = m
	x.mu.Unlock()
}

func (x *Index) Remove(id string) {
	x.mu.Lock()
	delete(x.entities, id)
	x.mu.Unlock()
}

func (x *Index) RemoveFrame(id string) {
	x.mu.Lock()
	delete(x.frames, id)
	x.mu.Unlock()
}

func (x *Index) RemoveMessage(id string) {
	x.mu.Lock()
	delete(x.messages, id)
	x.mu.Unlock()
}

// Entities returns every cached entity ordered by id.
func (x *Index) Entities() []Entity {
	x.mu.RLock()
	out := make([]Entity, 0, len(x.entities))
	for _, e := range x.entities {
		out = append(out, e)
	}
	x.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].EntityID() < out[j].EntityID() })
	return out
}

func (x *Index) Frames() []Frame {
	x.mu.RLock()
	out := make([]Frame, 0, len(x.frames))
	for _, f := range x.frames {
		out = append(out, f)
	}
	x.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].FrameID() < out[j].FrameID() })
	return out
}

// Messages returns every cached message ordered by time, then id.
func (x *Index) Messages() []*Message {
	x.mu.RLock()
	out := make([]*Message, 0, len(x.messages))
	for _, m := range x.messages {
		out = append(out, m)
	}
	x.mu.RUnlock()
	SortMessages(out)
	return out
}

// SortMessages orders ms by time, then id.
func SortMessages(ms []*Message) {
	sort.Slice(ms, func(i, j int) bool {
		if !ms[i].Time.Equal(ms[j].Time) {
			return ms[i].Time.Before(ms[j].Time)
		}
		return ms[i].ID < ms[j].ID
	})
}

// Len reports the number of cached entities, frames and messages.
func (x *Index) Len() (entities, frames, messages int) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.entities), len(x.frames), len(x.messages)
}
