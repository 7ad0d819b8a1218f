package client

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"ti/db"
	"ti/models"
	"ti/reconcile"
)

// Report describes one Sync run.
type Report struct {
	Contacts reconcile.Result
	Messages reconcile.Result
	// Fetches is the number of objects downloaded.
	Fetches int
}

// lookup resolves ids from the in-memory index, falling back to the cache
// database and remembering what it found there.
type lookup struct {
	c *Client
}

func (l lookup) ResolveEntity(id string) (models.Entity, bool) {
	if e, ok := l.c.index.ResolveEntity(id); ok {
		return e, true
	}
	e, err := l.c.cache.GetEntity(id)
	if err != nil {
		return nil, false
	}
	l.c.index.Put(e)
	return e, true
}

func (l lookup) ResolveFrame(id string) (models.Frame, bool) {
	if f, ok := l.c.index.ResolveFrame(id); ok {
		return f, true
	}
	f, err := l.c.cache.GetFrame(id)
	if err != nil {
		return nil, false
	}
	l.c.index.PutFrame(f)
	return f, true
}

// Sync reconciles the cached contacts and messages of the logged in user
// with the server. Each half is skipped when the server digest matches
// the one saved after the previous run.
func (c *Client) Sync() (Report, error) {
	userID, _, err := c.require(Ready)
	if err != nil {
		return Report{}, err
	}
	start := c.downloads.Load()
	var report Report

	var remote db.Digest
	if remote.Contacts, err = c.Fetch("contacts/hash"); err != nil {
		return report, err
	}
	if remote.Messages, err = c.Fetch("messages/hash"); err != nil {
		return report, err
	}
	local, err := c.cache.Checkpoint(userID)
	if err != nil {
		return report, err
	}

	if !bytes.Equal(remote.Contacts, local.Contacts) {
		if report.Contacts, err = c.syncContacts(userID); err != nil {
			return report, err
		}
	}
	if !bytes.Equal(remote.Messages, local.Messages) {
		if report.Messages, err = c.syncMessages(userID); err != nil {
			return report, err
		}
	}

	if err := c.cache.SaveCheckpoint(userID, remote); err != nil {
		return report, err
	}
	report.Fetches = int(c.downloads.Load() - start)
	log.Debug().
		Int("contacts_plus", len(report.Contacts.Plus)).
		Int("contacts_minus", len(report.Contacts.Minus)).
		Int("messages_plus", len(report.Messages.Plus)).
		Int("messages_minus", len(report.Messages.Minus)).
		Int("fetches", report.Fetches).
		Msg("sync done")
	return report, nil
}

func (c *Client) syncContacts(userID string) (reconcile.Result, error) {
	payload, err := c.Fetch("contacts/id")
	if err != nil {
		return reconcile.Result{}, err
	}
	local, err := c.cache.ContactIDs(userID)
	if err != nil {
		return reconcile.Result{}, err
	}
	diff := reconcile.Diff(reconcile.SplitIDs(payload), local)

	for _, id := range diff.Plus {
		if _, err := c.GetEntity(id); err != nil {
			return diff, fmt.Errorf("contact %s: %w", id, err)
		}
		if err := c.cache.AddContact(userID, id); err != nil {
			return diff, err
		}
	}
	for _, id := range diff.Minus {
		if err := c.cache.DeleteContact(userID, id); err != nil && !errors.Is(err, db.ErrNoRows) {
			return diff, err
		}
	}
	return diff, nil
}

func (c *Client) syncMessages(userID string) (reconcile.Result, error) {
	payload, err := c.Fetch("mbf/id")
	if err != nil {
		return reconcile.Result{}, err
	}
	local, err := c.cache.VisibleMessageIDs(userID)
	if err != nil {
		return reconcile.Result{}, err
	}
	diff := reconcile.Diff(reconcile.SplitIDs(payload), local)

	for _, id := range diff.Plus {
		if _, err := c.GetMessage(id); err != nil {
			return diff, fmt.Errorf("message %s: %w", id, err)
		}
	}
	for _, id := range diff.Minus {
		if err := c.cache.DeleteMessage(id); err != nil && !errors.Is(err, db.ErrNoRows) {
			return diff, err
		}
		c.index.RemoveMessage(id)
	}
	return diff, nil
}

// GetEntity returns the cached entity or downloads it together with any
// group members the cache lacks.
func (c *Client) GetEntity(id string) (models.Entity, error) {
	if _, _, err := c.require(Ready); err != nil {
		return nil, err
	}
	return c.downloadEntity(id, make(map[string]bool))
}

// downloadEntity fetches id and, on an unresolved member, the member first.
// visiting breaks membership cycles, which cannot be decoded one by one.
func (c *Client) downloadEntity(id string, visiting map[string]bool) (models.Entity, error) {
	l := lookup{c}
	if e, ok := l.ResolveEntity(id); ok {
		return e, nil
	}
	if visiting[id] {
		return nil, &models.ReferenceError{Kind: "entity", ID: id}
	}
	visiting[id] = true

	raw, err := c.Fetch(reconcile.Object(id, ""))
	if err != nil {
		return nil, err
	}
	c.downloads.Add(1)

	for {
		e, err := models.DecodeEntity(raw, l)
		var ref *models.ReferenceError
		if errors.As(err, &ref) {
			if _, err := c.downloadEntity(ref.ID, visiting); err != nil {
				return nil, err
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		if err := c.storeEntity(e); err != nil {
			return nil, err
		}
		return e, nil
	}
}

func (c *Client) storeEntity(e models.Entity) error {
	if e.Kind() == models.KindServer {
		return nil
	}
	if err := c.cache.PutEntity(e); err != nil {
		return err
	}
	c.index.Put(e)
	return nil
}

// GetMessage returns the cached message or downloads it with the frames
// and entities it references.
func (c *Client) GetMessage(id string) (*models.Message, error) {
	if _, _, err := c.require(Ready); err != nil {
		return nil, err
	}
	if m, ok := c.index.Message(id); ok {
		return m, nil
	}
	if m, err := c.cache.GetMessage(id); err == nil {
		c.index.PutMessage(m)
		return m, nil
	}

	raw, err := c.Fetch(reconcile.Object(id, ""))
	if err != nil {
		return nil, err
	}
	c.downloads.Add(1)
	return c.storeMessage(raw)
}

// storeMessage resolves everything a serialized message references,
// downloading what is missing, and caches the message.
func (c *Client) storeMessage(raw []byte) (*models.Message, error) {
	_, frames, entities, err := models.MessageRefs(raw)
	if err != nil {
		return nil, err
	}
	l := lookup{c}
	for _, id := range entities {
		if _, err := c.downloadEntity(id, make(map[string]bool)); err != nil {
			return nil, err
		}
	}
	for _, id := range frames {
		if _, ok := l.ResolveFrame(id); ok {
			continue
		}
		if err := c.downloadFrame(id); err != nil {
			return nil, err
		}
	}

	m, err := models.DecodeMessage(raw, l)
	if err != nil {
		return nil, err
	}
	if err := c.cache.PutMessage(m); err != nil {
		return nil, err
	}
	c.index.PutMessage(m)
	return m, nil
}

func (c *Client) downloadFrame(id string) error {
	raw, err := c.Fetch(reconcile.Object(id, ""))
	if err != nil {
		return err
	}
	c.downloads.Add(1)
	f, err := models.DecodeFrame(raw)
	if err != nil {
		return err
	}
	if err := c.cache.PutFrame(f); err != nil {
		return err
	}
	c.index.PutFrame(f)
	return nil
}

// Bundle downloads everything the user can see in one request and caches
// it. Nothing is stored unless the whole bundle decodes.
func (c *Client) Bundle() (reconcile.Bundle, error) {
	raw, err := c.Fetch("*")
	if err != nil {
		return reconcile.Bundle{}, err
	}
	b, err := reconcile.DecodeBundle(raw, lookup{c})
	if err != nil {
		return reconcile.Bundle{}, err
	}
	c.downloads.Add(1)

	for _, e := range b.Entities {
		if err := c.storeEntity(e); err != nil {
			return b, err
		}
	}
	for _, f := range b.Frames {
		if err := c.cache.PutFrame(f); err != nil {
			return b, err
		}
		c.index.PutFrame(f)
	}
	for _, m := range b.Messages {
		if err := c.cache.PutMessage(m); err != nil {
			return b, err
		}
		c.index.PutMessage(m)
	}
	return b, nil
}

// MessagesPage downloads one page of visible messages after cursor, oldest
// first. An empty cursor starts from the beginning; an empty page means
// there is nothing more.
func (c *Client) MessagesPage(cursor string) ([]*models.Message, error) {
	raw, err := c.Fetch(reconcile.After(cursor))
	if err != nil {
		return nil, err
	}
	items, err := reconcile.DecodeList(raw)
	if err != nil {
		return nil, err
	}
	c.downloads.Add(1)

	out := make([]*models.Message, 0, len(items))
	for _, item := range items {
		m, err := c.storeMessage(item)
		if err != nil {
			return out, err
		}
		out = append(out, m)
	}
	return out, nil
}
