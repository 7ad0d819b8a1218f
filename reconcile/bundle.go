package reconcile

import (
	"errors"
	"fmt"

	"ti/models"
	"ti/protocol"
)

// EncodeList lays out items as count(8) (len(8) bytes)*.
func EncodeList(items [][]byte) []byte {
	size := protocol.LenHeaderSize
	for _, it := range items {
		size += protocol.LenHeaderSize + len(it)
	}
	out := make([]byte, 0, size)
	out = protocol.PutLen(out, len(items))
	for _, it := range items {
		out = protocol.PutLen(out, len(it))
		out = append(out, it...)
	}
	return out
}

// DecodeList is the inverse of EncodeList.
func DecodeList(b []byte) ([][]byte, error) {
	c := protocol.NewCursor(b)
	items, err := readList(c)
	if err != nil {
		return nil, err
	}
	if c.Remaining() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes after list", models.ErrMalformed, c.Remaining())
	}
	return items, nil
}

func readList(c *protocol.Cursor) ([][]byte, error) {
	n, ok := c.Len()
	if !ok {
		return nil, fmt.Errorf("%w: list count", models.ErrMalformed)
	}
	if n > uint64(c.Remaining())/protocol.LenHeaderSize {
		return nil, fmt.Errorf("%w: list count %d", models.ErrMalformed, n)
	}
	items := make([][]byte, 0, n)
	for i := uint64(0); i < n; i++ {
		size, ok := c.Len()
		if !ok {
			return nil, fmt.Errorf("%w: item %d length", models.ErrMalformed, i)
		}
		it, ok := c.Next(size)
		if !ok {
			return nil, fmt.Errorf("%w: item %d truncated", models.ErrMalformed, i)
		}
		items = append(items, it)
	}
	return items, nil
}

// Bundle is the answer to the * selector: everything a user can see.
type Bundle struct {
	Entities []models.Entity
	Frames   []models.Frame
	Messages []*models.Message
}

// EncodeBundle writes the entity, frame and message lists back to back.
func EncodeBundle(b Bundle) []byte {
	entities := make([][]byte, 0, len(b.Entities))
	for _, e := range b.Entities {
		entities = append(entities, models.EncodeEntity(e))
	}
	frames := make([][]byte, 0, len(b.Frames))
	for _, f := range b.Frames {
		frames = append(frames, models.EncodeFrame(f))
	}
	messages := make([][]byte, 0, len(b.Messages))
	for _, m := range b.Messages {
		messages = append(messages, models.EncodeMessage(m))
	}

	out := EncodeList(entities)
	out = append(out, EncodeList(frames)...)
	return append(out, EncodeList(messages)...)
}

// DecodeBundle decodes every item of a bundle before anything is applied.
// References resolve against the bundle itself first and base second;
// base is never modified. Groups may reference each other in any order,
// but a membership cycle inside one bundle cannot be decoded.
func DecodeBundle(payload []byte, base models.Resolver) (Bundle, error) {
	c := protocol.NewCursor(payload)
	var lists [3][][]byte
	for i := range lists {
		items, err := readList(c)
		if err != nil {
			return Bundle{}, err
		}
		lists[i] = items
	}
	if c.Remaining() != 0 {
		return Bundle{}, fmt.Errorf("%w: %d trailing bytes after bundle", models.ErrMalformed, c.Remaining())
	}

	local := models.NewIndex()
	resolver := models.Chain{local, base}
	var out Bundle

	entities, err := decodeEntities(lists[0], resolver, local)
	if err != nil {
		return Bundle{}, err
	}
	out.Entities = entities

	for _, raw := range lists[1] {
		f, err := models.DecodeFrame(raw)
		if err != nil {
			return Bundle{}, err
		}
		local.PutFrame(f)
		out.Frames = append(out.Frames, f)
	}

	for _, raw := range lists[2] {
		m, err := models.DecodeMessage(raw, resolver)
		if err != nil {
			return Bundle{}, err
		}
		out.Messages = append(out.Messages, m)
	}
	return out, nil
}

// decodeEntities decodes users and servers first, then groups in passes
// until every group resolved or a pass makes no progress.
func decodeEntities(raws [][]byte, resolver models.Resolver, local *models.Index) ([]models.Entity, error) {
	var out []models.Entity
	var pending [][]byte
	for _, raw := range raws {
		kind, _, err := models.EntityTag(raw)
		if err != nil {
			return nil, err
		}
		if kind == models.KindGroup {
			pending = append(pending, raw)
			continue
		}
		e, err := models.DecodeEntity(raw, resolver)
		if err != nil {
			return nil, err
		}
		local.Put(e)
		out = append(out, e)
	}

	for len(pending) > 0 {
		var next [][]byte
		var lastErr error
		for _, raw := range pending {
			e, err := models.DecodeEntity(raw, resolver)
			var ref *models.ReferenceError
			if errors.As(err, &ref) {
				next = append(next, raw)
				lastErr = err
				continue
			}
			if err != nil {
				return nil, err
			}
			local.Put(e)
			out = append(out, e)
		}
		if len(next) == len(pending) {
			return nil, lastErr
		}
		pending = next
	}
	return out, nil
}
