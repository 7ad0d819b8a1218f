package reconcile

import (
	"bytes"
	"errors"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"ti/db"
	"ti/models"
	"ti/protocol"
)

func TestDiff(t *testing.T) {
	tests := []struct {
		name          string
		remote, local []string
		plus, minus   []string
	}{
		{"contacts", []string{"X", "Z"}, []string{"X", "Y"}, []string{"Z"}, []string{"Y"}},
		{"in sync", []string{"a", "b"}, []string{"b", "a"}, nil, nil},
		{"empty local", []string{"c", "a", "b"}, nil, []string{"c", "a", "b"}, nil},
		{"empty remote", nil, []string{"a"}, nil, []string{"a"}},
		{"duplicates", []string{"a", "a", "b"}, nil, []string{"a", "b"}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := Diff(tt.remote, tt.local)
			if !reflect.DeepEqual(r.Plus, tt.plus) || !reflect.DeepEqual(r.Minus, tt.minus) {
				t.Errorf("Expected +%v -%v, got +%v -%v", tt.plus, tt.minus, r.Plus, r.Minus)
			}
		})
	}

	// applying the diff to local yields remote as a set
	remote, local := []string{"1", "2", "3"}, []string{"2", "4"}
	r := Diff(remote, local)
	set := map[string]bool{}
	for _, id := range local {
		set[id] = true
	}
	for _, id := range r.Minus {
		delete(set, id)
	}
	for _, id := range r.Plus {
		set[id] = true
	}
	if len(set) != 3 || !set["1"] || !set["2"] || !set["3"] {
		t.Errorf("Applying diff gave %v", set)
	}
	if !Diff(remote, remote).Empty() {
		t.Error("Diff of a set with itself must be empty")
	}
}

func TestParseSelector(t *testing.T) {
	tests := []struct {
		in   string
		want Selector
	}{
		{"*", Selector{Target: TargetAll}},
		{"abc", Selector{Target: TargetObject, ID: "abc"}},
		{"abc/*", Selector{Target: TargetObject, ID: "abc"}},
		{"abc/members", Selector{Target: TargetObject, ID: "abc", Field: "members"}},
		{"mbf/*", Selector{Target: TargetMessages}},
		{"mbf/id", Selector{Target: TargetMessageIDs}},
		{"mbf/after/", Selector{Target: TargetMessagePage}},
		{"mbf/after/m1", Selector{Target: TargetMessagePage, Cursor: "m1"}},
		{"contacts/hash", Selector{Target: TargetContactsHash}},
		{"messages/hash", Selector{Target: TargetMessagesHash}},
		{"contacts/id", Selector{Target: TargetContactIDs}},
		{"contacts/*", Selector{Target: TargetContacts}},
	}
	for _, tt := range tests {
		got, err := ParseSelector(tt.in)
		if err != nil {
			t.Errorf("%q: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("%q: expected %+v, got %+v", tt.in, tt.want, got)
		}
	}

	for _, bad := range []string{"", "/name", "a/b/c", "mbf/x", "contacts/nope", "mbf/after/a/b"} {
		if _, err := ParseSelector(bad); !errors.Is(err, protocol.ErrBadRequest) {
			t.Errorf("%q: expected ErrBadRequest, got %v", bad, err)
		}
	}

	if Object("u", "bio") != "u/bio" || Object("u", "") != "u" || After("m") != "mbf/after/m" {
		t.Error("Selector builders produce wrong strings")
	}
}

func TestListRoundTrip(t *testing.T) {
	items := [][]byte{[]byte("one"), {}, []byte("three\x00with nul")}
	got, err := DecodeList(EncodeList(items))
	if err != nil {
		t.Fatalf("DecodeList: %v", err)
	}
	if len(got) != 3 || !bytes.Equal(got[2], items[2]) || len(got[1]) != 0 {
		t.Errorf("Unexpected items %q", got)
	}

	if _, err := DecodeList([]byte{0, 0, 0, 0, 0, 0, 0, 9}); !errors.Is(err, models.ErrMalformed) {
		t.Errorf("Expected ErrMalformed, got %v", err)
	}
}

func ts(sec int64) time.Time { return time.Unix(sec, 0).UTC() }

func TestBundleOutOfOrderGroups(t *testing.T) {
	alice := &models.User{ID: "alice", Name: "Alice", RegistrationTime: ts(1)}
	inner := &models.Group{ID: "inner", Name: "I", Members: []models.Entity{alice}}
	outer := &models.Group{ID: "outer", Name: "O", Members: []models.Entity{inner, models.NewServer()}}
	f := &models.TextFrame{ID: "f", Content: "hi"}
	m := &models.Message{ID: "m", Frames: []models.Frame{f}, Time: ts(5), Sender: alice, Receiver: outer}

	// outer precedes inner and the user comes last
	payload := EncodeBundle(Bundle{
		Entities: []models.Entity{outer, inner, alice},
		Frames:   []models.Frame{f},
		Messages: []*models.Message{m},
	})

	base := models.NewIndex()
	b, err := DecodeBundle(payload, base)
	if err != nil {
		t.Fatalf("DecodeBundle: %v", err)
	}
	if len(b.Entities) != 3 || len(b.Frames) != 1 || len(b.Messages) != 1 {
		t.Fatalf("Unexpected bundle sizes %d/%d/%d", len(b.Entities), len(b.Frames), len(b.Messages))
	}
	if b.Messages[0].Receiver.(*models.Group).Members[0].EntityID() != "inner" {
		t.Error("Group references not rebuilt")
	}
	if n, _, _ := base.Len(); n != 0 {
		t.Error("DecodeBundle must not modify the base resolver")
	}
}

func TestBundleResolvesAgainstBase(t *testing.T) {
	bob := &models.User{ID: "bob", Name: "Bob", RegistrationTime: ts(1)}
	g := &models.Group{ID: "g", Name: "G", Members: []models.Entity{bob}}
	payload := EncodeBundle(Bundle{Entities: []models.Entity{g}})

	if _, err := DecodeBundle(payload, models.NewIndex()); !errors.Is(err, models.ErrUnresolvedReference) {
		t.Fatalf("Expected ErrUnresolvedReference, got %v", err)
	}

	base := models.NewIndex()
	base.Put(bob)
	if _, err := DecodeBundle(payload, base); err != nil {
		t.Errorf("DecodeBundle with base: %v", err)
	}
}

func TestBundleGroupCycle(t *testing.T) {
	a := &models.Group{ID: "a", Name: "A"}
	b := &models.Group{ID: "b", Name: "B", Members: []models.Entity{a}}
	a.Members = []models.Entity{b}

	_, err := DecodeBundle(EncodeBundle(Bundle{Entities: []models.Entity{a, b}}), nil)
	if !errors.Is(err, models.ErrUnresolvedReference) {
		t.Errorf("Expected ErrUnresolvedReference, got %v", err)
	}
}

// engine tests run against a real sqlite store

type fixture struct {
	store                *db.DB
	engine               *Engine
	alice, bob, carol, x *models.User
	group                *models.Group
}

func setupFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := db.New(filepath.Join(t.TempDir(), "engine.db"))
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	fx := &fixture{store: store, engine: NewEngine(store, 2)}
	fx.alice = &models.User{ID: "alice", Name: "Alice", Bio: "hi", RegistrationTime: ts(1)}
	fx.bob = &models.User{ID: "bob", Name: "Bob", RegistrationTime: ts(2)}
	fx.carol = &models.User{ID: "carol", Name: "Carol", RegistrationTime: ts(3)}
	fx.x = &models.User{ID: "x", Name: "X", RegistrationTime: ts(4)}
	fx.group = &models.Group{ID: "g", Name: "G", Members: []models.Entity{fx.alice, fx.bob}}
	for _, e := range []models.Entity{fx.alice, fx.bob, fx.carol, fx.x, fx.group} {
		if err := store.PutEntity(e); err != nil {
			t.Fatalf("PutEntity: %v", err)
		}
	}
	store.AddContact("alice", "bob")
	store.AddContact("alice", "g")

	msgs := []*models.Message{
		{ID: "m1", Frames: []models.Frame{&models.TextFrame{ID: "f1", Content: "to group"}}, Time: ts(10), Sender: fx.alice, Receiver: fx.group},
		{ID: "m2", Frames: []models.Frame{&models.TextFrame{ID: "f2", Content: "to alice"}}, Time: ts(11), Sender: fx.x, Receiver: fx.alice},
		{ID: "m3", Frames: []models.Frame{&models.TextFrame{ID: "f3", Content: "to carol"}}, Time: ts(12), Sender: fx.alice, Receiver: fx.carol},
	}
	for _, m := range msgs {
		if err := store.PutMessage(m); err != nil {
			t.Fatalf("PutMessage: %v", err)
		}
	}
	return fx
}

func TestEngineFields(t *testing.T) {
	fx := setupFixture(t)

	tests := []struct {
		selector string
		want     string
	}{
		{"alice/name", "Alice"},
		{"alice/bio", "hi"},
		{"alice/id", "alice"},
		{"g/members", "alice\x00bob"},
		{"g/name", "G"},
		{"m1/sender", "alice"},
		{"m1/receiver", "g"},
		{"m1/forward_source", ""},
		{"m1/frames", "f1"},
		{"m1/time", "1970-01-01T00:00:10Z"},
		{"f1/content", "to group"},
		{"mbf/id", "m1\x00m2"},
		{"contacts/id", "bob\x00g"},
	}
	for _, tt := range tests {
		got, err := fx.engine.Query(fx.alice, tt.selector)
		if err != nil {
			t.Errorf("%s: %v", tt.selector, err)
			continue
		}
		if string(got) != tt.want {
			t.Errorf("%s: expected %q, got %q", tt.selector, tt.want, got)
		}
	}

	for _, sel := range []string{"g/bio", "alice/members", "m1/name", "f1/sender"} {
		if _, err := fx.engine.Query(fx.alice, sel); !errors.Is(err, protocol.ErrBadRequest) {
			t.Errorf("%s: expected ErrBadRequest, got %v", sel, err)
		}
	}

	raw, err := fx.engine.Query(fx.alice, "alice")
	if err != nil {
		t.Fatalf("Query alice: %v", err)
	}
	if !bytes.Equal(raw, models.EncodeEntity(fx.alice)) {
		t.Error("Serialized user mismatch")
	}
}

func TestEngineVisibility(t *testing.T) {
	fx := setupFixture(t)

	// alice sent m3 to carol but is not its receiver
	for _, sel := range []string{"m3", "m3/*", "f3", "nosuchid"} {
		if _, err := fx.engine.Query(fx.alice, sel); !errors.Is(err, protocol.ErrNotFound) {
			t.Errorf("%s: expected ErrNotFound, got %v", sel, err)
		}
	}
	if _, err := fx.engine.Query(fx.carol, "m3"); err != nil {
		t.Errorf("carol should see m3: %v", err)
	}
	if _, err := fx.engine.Query(fx.bob, "m1/*"); err != nil {
		t.Errorf("bob should see m1 through the group: %v", err)
	}
	if _, err := fx.engine.Query(fx.carol, "m1"); !errors.Is(err, protocol.ErrNotFound) {
		t.Errorf("carol is not in the group: %v", err)
	}
}

func TestEngineHashes(t *testing.T) {
	fx := setupFixture(t)
	d, _ := fx.store.Digest("alice")

	got, err := fx.engine.Query(fx.alice, "contacts/hash")
	if err != nil || !bytes.Equal(got, d.Contacts) {
		t.Errorf("contacts/hash mismatch: %v", err)
	}
	got, err = fx.engine.Query(fx.alice, "messages/hash")
	if err != nil || !bytes.Equal(got, d.Messages) {
		t.Errorf("messages/hash mismatch: %v", err)
	}
	got, _ = fx.engine.Query(fx.x, "messages/hash")
	if len(got) != 0 {
		t.Error("x has the empty digest")
	}
}

func TestEngineBundleAndPages(t *testing.T) {
	fx := setupFixture(t)

	raw, err := fx.engine.Query(fx.alice, "*")
	if err != nil {
		t.Fatalf("Query *: %v", err)
	}
	b, err := DecodeBundle(raw, nil)
	if err != nil {
		t.Fatalf("DecodeBundle: %v", err)
	}
	if len(b.Messages) != 2 || len(b.Frames) != 2 {
		t.Errorf("Expected 2 messages and 2 frames, got %d/%d", len(b.Messages), len(b.Frames))
	}
	ids := map[string]bool{}
	for _, e := range b.Entities {
		ids[e.EntityID()] = true
	}
	for _, want := range []string{"alice", "bob", "g", "x"} {
		if !ids[want] {
			t.Errorf("Bundle is missing %s", want)
		}
	}
	if ids["carol"] {
		t.Error("Bundle leaked an unrelated user")
	}

	// page size is 2
	raw, err = fx.engine.Query(fx.carol, "mbf/after/")
	if err != nil {
		t.Fatalf("page: %v", err)
	}
	items, _ := DecodeList(raw)
	if len(items) != 1 {
		t.Errorf("carol sees one message, got %d", len(items))
	}

	fx.store.PutMessage(&models.Message{ID: "m4", Time: ts(13), Sender: fx.bob, Receiver: fx.alice})
	raw, _ = fx.engine.Query(fx.alice, "mbf/after/")
	first, _ := DecodeList(raw)
	raw, _ = fx.engine.Query(fx.alice, "mbf/after/m2")
	second, _ := DecodeList(raw)
	if len(first) != 2 || len(second) != 1 {
		t.Errorf("Expected pages of 2 and 1, got %d and %d", len(first), len(second))
	}
	if _, err := fx.engine.Query(fx.alice, "mbf/after/m3"); !errors.Is(err, protocol.ErrNotFound) {
		t.Errorf("Invisible cursor: expected ErrNotFound, got %v", err)
	}

	raw, _ = fx.engine.Query(fx.alice, "contacts/*")
	contacts, _ := DecodeList(raw)
	if len(contacts) != 2 {
		t.Errorf("Expected 2 contacts, got %d", len(contacts))
	}
}
