package db

import (
	"bytes"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"ti/models"
	"ti/protocol"
)

// setupTestDB opens a fresh server store in a temp directory
func setupTestDB(t *testing.T) *DB {
	t.Helper()
	database, err := New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return database
}

func user(id string) *models.User {
	return &models.User{ID: id, Name: "name-" + id, Bio: "", RegistrationTime: time.Unix(1318057629, 0).UTC()}
}

func message(id string, at int64, sender, receiver models.Entity, text string) *models.Message {
	return &models.Message{
		ID:       id,
		Frames:   []models.Frame{&models.TextFrame{ID: "f-" + id, Content: text}},
		Time:     time.Unix(at, 0).UTC(),
		Sender:   sender,
		Receiver: receiver,
	}
}

func chain(ids ...string) []byte {
	var d []byte
	for _, id := range ids {
		sign := byte(id[0])
		d = NextDigest(d, sign, id[1:])
	}
	return d
}

func mustPut(t *testing.T, database *DB, es ...models.Entity) {
	t.Helper()
	for _, e := range es {
		if err := database.PutEntity(e); err != nil {
			t.Fatalf("PutEntity %s: %v", e.EntityID(), err)
		}
	}
}

func TestEntityUpsert(t *testing.T) {
	database := setupTestDB(t)
	alice, bob := user("alice"), user("bob")
	mustPut(t, database, alice, bob)

	alice.Bio = "updated"
	mustPut(t, database, alice)
	got, err := database.GetUser("alice")
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if got.Bio != "updated" || !got.RegistrationTime.Equal(alice.RegistrationTime) {
		t.Errorf("Unexpected user %+v", got)
	}

	g := &models.Group{ID: "g", Name: "team", Members: []models.Entity{bob, models.NewServer(), alice}}
	mustPut(t, database, g)
	e, err := database.GetEntity("g")
	if err != nil {
		t.Fatalf("GetEntity: %v", err)
	}
	members := e.(*models.Group).MemberIDs()
	want := []string{"bob", models.ServerID, "alice"}
	for i := range want {
		if members[i] != want[i] {
			t.Fatalf("Expected members %v, got %v", want, members)
		}
	}

	// replacing with another kind leaves no trace of the old row
	mustPut(t, database, &models.Group{ID: "bob", Name: "bob is a group now"})
	e, err = database.GetEntity("bob")
	if err != nil {
		t.Fatalf("GetEntity: %v", err)
	}
	if e.Kind() != models.KindGroup {
		t.Errorf("Expected group, got %s", e.Kind())
	}
	if _, err := database.GetUser("bob"); !errors.Is(err, ErrNoRows) {
		t.Errorf("Expected ErrNoRows, got %v", err)
	}

	if _, err := database.GetEntity("nobody"); !errors.Is(err, protocol.ErrNotFound) {
		t.Errorf("Expected not found, got %v", err)
	}
}

func TestGroupCycle(t *testing.T) {
	database := setupTestDB(t)
	a := &models.Group{ID: "a", Name: "A"}
	b := &models.Group{ID: "b", Name: "B", Members: []models.Entity{a}}
	a.Members = []models.Entity{b}
	mustPut(t, database, a, b)

	e, err := database.GetEntity("a")
	if err != nil {
		t.Fatalf("GetEntity: %v", err)
	}
	inner := e.(*models.Group).Members[0].(*models.Group)
	if inner.ID != "b" || inner.Members[0].EntityID() != "a" {
		t.Errorf("Unexpected cycle shape")
	}
}

func TestEntityRejectsNUL(t *testing.T) {
	database := setupTestDB(t)
	alice := user("alice")
	mustPut(t, database, alice)

	bad := []models.Entity{
		&models.User{ID: "alice", Name: "alice", Bio: "a\x00b"},
		&models.User{ID: "bob", Name: "b\x00ob"},
		&models.Group{ID: "g", Name: "te\x00am", Members: []models.Entity{alice}},
		&models.Group{ID: "g", Name: "team", Members: []models.Entity{user("x\x00y")}},
	}
	for _, e := range bad {
		if err := database.PutEntity(e); !errors.Is(err, protocol.ErrBadRequest) {
			t.Errorf("Expected ErrBadRequest for %+v, got %v", e, err)
		}
	}
	if err := database.CreateUser(&models.User{ID: "carol", Name: "ca\x00rol"}, "root"); !errors.Is(err, protocol.ErrBadRequest) {
		t.Errorf("Expected ErrBadRequest from CreateUser, got %v", err)
	}

	got, err := database.GetUser("alice")
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if got.Bio != "" {
		t.Errorf("Rejected update was stored: %q", got.Bio)
	}
	if _, err := database.GetEntity("g"); !errors.Is(err, protocol.ErrNotFound) {
		t.Errorf("Expected no group, got %v", err)
	}
}

func TestMessageDigests(t *testing.T) {
	database := setupTestDB(t)
	alice, bob, carol := user("alice"), user("bob"), user("carol")
	g := &models.Group{ID: "g", Name: "G", Members: []models.Entity{alice, bob}}
	mustPut(t, database, alice, bob, carol, g)

	if err := database.PutMessage(message("m1", 100, alice, g, "hi all")); err != nil {
		t.Fatalf("PutMessage: %v", err)
	}
	if err := database.PutMessage(message("m2", 200, bob, alice, "hi alice")); err != nil {
		t.Fatalf("PutMessage: %v", err)
	}

	d, _ := database.Digest("alice")
	if !bytes.Equal(d.Messages, chain("+m1", "+m2")) {
		t.Error("alice digest mismatch")
	}
	d, _ = database.Digest("bob")
	if !bytes.Equal(d.Messages, chain("+m1")) {
		t.Error("bob digest mismatch")
	}
	d, _ = database.Digest("carol")
	if len(d.Messages) != 0 {
		t.Error("carol must have the empty digest")
	}

	// storing the same message again changes nothing
	if err := database.PutMessage(message("m2", 200, bob, alice, "hi alice")); err != nil {
		t.Fatalf("PutMessage: %v", err)
	}
	d, _ = database.Digest("alice")
	if !bytes.Equal(d.Messages, chain("+m1", "+m2")) {
		t.Error("re-putting a message must not touch the digest")
	}

	// carol joins, bob leaves
	g.Members = []models.Entity{alice, carol}
	mustPut(t, database, g)
	d, _ = database.Digest("carol")
	if !bytes.Equal(d.Messages, chain("+m1")) {
		t.Error("carol should gain m1")
	}
	d, _ = database.Digest("bob")
	if !bytes.Equal(d.Messages, chain("+m1", "-m1")) {
		t.Error("bob should lose m1")
	}

	if err := database.DeleteMessage("m2"); err != nil {
		t.Fatalf("DeleteMessage: %v", err)
	}
	d, _ = database.Digest("alice")
	if !bytes.Equal(d.Messages, chain("+m1", "+m2", "-m2")) {
		t.Error("alice should lose m2")
	}
	if _, err := database.GetFrame("f-m2"); !errors.Is(err, ErrNoRows) {
		t.Error("Orphaned frame should be removed with its message")
	}
	if err := database.DeleteMessage("m2"); !errors.Is(err, ErrNoRows) {
		t.Errorf("Expected ErrNoRows, got %v", err)
	}
}

func TestContacts(t *testing.T) {
	database := setupTestDB(t)
	mustPut(t, database, user("alice"), user("x"), user("y"))

	if err := database.AddContact("alice", "x"); err != nil {
		t.Fatalf("AddContact: %v", err)
	}
	if err := database.AddContact("alice", "y"); err != nil {
		t.Fatalf("AddContact: %v", err)
	}
	// duplicate edge is a no-op
	if err := database.AddContact("alice", "x"); err != nil {
		t.Fatalf("AddContact: %v", err)
	}

	ids, _ := database.ContactIDs("alice")
	if len(ids) != 2 || ids[0] != "x" || ids[1] != "y" {
		t.Errorf("Unexpected contacts %v", ids)
	}
	d, _ := database.Digest("alice")
	if !bytes.Equal(d.Contacts, chain("+x", "+y")) {
		t.Error("contact digest mismatch")
	}
	// edges are not reciprocal
	if ids, _ := database.ContactIDs("x"); len(ids) != 0 {
		t.Errorf("x should have no contacts, got %v", ids)
	}

	if err := database.DeleteContact("alice", "x"); err != nil {
		t.Fatalf("DeleteContact: %v", err)
	}
	if err := database.DeleteContact("alice", "x"); !errors.Is(err, ErrNoRows) {
		t.Errorf("Expected ErrNoRows, got %v", err)
	}
	d, _ = database.Digest("alice")
	if !bytes.Equal(d.Contacts, chain("+x", "+y", "-x")) {
		t.Error("contact digest mismatch after removal")
	}

	reset, err := database.ResetDigest("alice")
	if err != nil {
		t.Fatalf("ResetDigest: %v", err)
	}
	if !bytes.Equal(reset.Contacts, chain("+y")) {
		t.Error("reset should rebuild from current contacts")
	}
	d, _ = database.Digest("alice")
	if !d.Equal(reset) {
		t.Error("reset digest must be persisted")
	}
}

func TestDeleteEntityCascade(t *testing.T) {
	database := setupTestDB(t)
	alice, bob := user("alice"), user("bob")
	g := &models.Group{ID: "g", Name: "G", Members: []models.Entity{alice, bob}}
	mustPut(t, database, alice, g)
	if err := database.CreateUser(bob, "pw"); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if _, err := database.AddToken("bob", "tok", "laptop"); err != nil {
		t.Fatalf("AddToken: %v", err)
	}
	database.AddContact("alice", "bob")
	database.AddContact("bob", "alice")
	database.PutMessage(message("m1", 100, bob, alice, "from bob"))
	database.PutMessage(message("m2", 101, alice, g, "to group"))
	fwd := message("m3", 102, alice, alice, "forwarded")
	fwd.ForwardedFrom = bob
	database.PutMessage(fwd)

	if err := database.DeleteEntity("bob"); err != nil {
		t.Fatalf("DeleteEntity: %v", err)
	}

	if ids, _ := database.ContactIDs("alice"); len(ids) != 0 {
		t.Errorf("Contact edge to bob should be gone, got %v", ids)
	}
	d, _ := database.Digest("alice")
	if !bytes.Equal(d.Contacts, chain("+bob", "-bob")) {
		t.Error("alice contact digest should drop bob")
	}
	if !bytes.Equal(d.Messages, chain("+m1", "+m2", "+m3", "-m1", "-m3")) {
		t.Error("alice message digest should drop bob's messages")
	}
	ids, _ := database.VisibleMessageIDs("alice")
	if len(ids) != 1 || ids[0] != "m2" {
		t.Errorf("Expected only m2 to survive, got %v", ids)
	}
	e, _ := database.GetEntity("g")
	if e.(*models.Group).HasMember("bob") {
		t.Error("bob should have left the group")
	}
	if _, err := database.GetToken("tok"); !errors.Is(err, ErrNoRows) {
		t.Error("bob's tokens should be gone")
	}
	if ok, _ := database.AuthenticateUser("bob", "pw"); ok {
		t.Error("bob's password should be gone")
	}
	if err := database.DeleteEntity("bob"); !errors.Is(err, ErrNoRows) {
		t.Errorf("Expected ErrNoRows, got %v", err)
	}
}

func TestCredentials(t *testing.T) {
	database := setupTestDB(t)
	if err := database.CreateUser(user("alice"), "root"); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	if ok, err := database.AuthenticateUser("alice", "root"); err != nil || !ok {
		t.Errorf("Expected valid password, got %v %v", ok, err)
	}
	if ok, _ := database.AuthenticateUser("alice", "wrong"); ok {
		t.Error("Wrong password accepted")
	}
	if ok, err := database.AuthenticateUser("ghost", "root"); ok || err != nil {
		t.Errorf("Unknown user: %v %v", ok, err)
	}
	if ok, err := database.AuthenticateUser("ghost", "unknown user"); ok || err != nil {
		t.Errorf("Unknown user with the placeholder password: %v %v", ok, err)
	}
	if cost, err := bcrypt.Cost(unknownUserHash()); err != nil || cost != bcrypt.DefaultCost {
		t.Errorf("Expected a placeholder hash at the default cost, got %d %v", cost, err)
	}

	id1, _ := database.AddToken("alice", "t1", "phone")
	id2, _ := database.AddToken("alice", "t2", "laptop")
	tokens, err := database.ListTokens("alice")
	if err != nil || len(tokens) != 2 {
		t.Fatalf("ListTokens: %v %v", tokens, err)
	}
	if err := database.InvalidateTokenID(id1, "someone-else"); !errors.Is(err, ErrNoRows) {
		t.Errorf("Expected ErrNoRows for foreign owner, got %v", err)
	}
	if err := database.InvalidateTokenID(id1, "alice"); err != nil {
		t.Errorf("InvalidateTokenID: %v", err)
	}
	if err := database.InvalidateToken("t2"); err != nil {
		t.Errorf("InvalidateToken: %v", err)
	}
	if err := database.InvalidateTokenID(id2, ""); !errors.Is(err, ErrNoRows) {
		t.Errorf("Expected ErrNoRows, got %v", err)
	}

	if err := database.SetPassword("alice", "new"); err != nil {
		t.Fatalf("SetPassword: %v", err)
	}
	if ok, _ := database.AuthenticateUser("alice", "new"); !ok {
		t.Error("New password rejected")
	}
}

func TestMessagesPage(t *testing.T) {
	database := setupTestDB(t)
	alice, bob := user("alice"), user("bob")
	mustPut(t, database, alice, bob)
	for i, id := range []string{"a", "b", "c", "d", "e"} {
		database.PutMessage(message(id, int64(100+i/2), bob, alice, id))
	}
	database.PutMessage(message("hidden", 100, alice, bob, "not for alice"))

	var got []string
	after := ""
	for {
		page, err := database.MessagesPage("alice", after, 2)
		if err != nil {
			t.Fatalf("MessagesPage: %v", err)
		}
		if len(page) == 0 {
			break
		}
		for _, m := range page {
			got = append(got, m.ID)
		}
		after = page[len(page)-1].ID
	}
	if joined := strings.Join(got, ","); joined != "a,b,c,d,e" {
		t.Errorf("Expected a,b,c,d,e, got %s", joined)
	}

	if _, err := database.MessagesPage("alice", "nope", 2); !errors.Is(err, ErrNoRows) {
		t.Errorf("Expected ErrNoRows, got %v", err)
	}
}

func TestVisibilityQueries(t *testing.T) {
	database := setupTestDB(t)
	alice, bob, carol := user("alice"), user("bob"), user("carol")
	g := &models.Group{ID: "g", Name: "G", Members: []models.Entity{alice, bob}}
	mustPut(t, database, alice, bob, carol, g)
	database.PutMessage(message("m", 1, alice, g, "x"))

	for _, tc := range []struct {
		user string
		want bool
	}{{"alice", true}, {"bob", true}, {"carol", false}} {
		ok, err := database.MessageVisibleTo("m", tc.user)
		if err != nil || ok != tc.want {
			t.Errorf("%s: message visible=%v err=%v", tc.user, ok, err)
		}
		ok, err = database.FrameVisibleTo("f-m", tc.user)
		if err != nil || ok != tc.want {
			t.Errorf("%s: frame visible=%v err=%v", tc.user, ok, err)
		}
	}
}

func TestPull(t *testing.T) {
	database := setupTestDB(t)
	alice, bob := user("alice"), user("bob")
	mustPut(t, database, alice, bob)
	database.AddContact("alice", "bob")
	database.PutMessage(message("m", 1, alice, bob, "x"))

	idx, contacts, err := database.Pull()
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}
	entities, frames, messages := idx.Len()
	if entities != 2 || frames != 1 || messages != 1 {
		t.Errorf("Unexpected index size %d/%d/%d", entities, frames, messages)
	}
	if len(contacts) != 1 || contacts[0].Contact != "bob" {
		t.Errorf("Unexpected contacts %v", contacts)
	}
	m, ok := idx.Message("m")
	if !ok || m.Receiver.EntityID() != "bob" {
		t.Error("Pulled message is incomplete")
	}
}

func TestCacheCheckpointAndSession(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	cache, err := OpenCache(path)
	if err != nil {
		t.Fatalf("OpenCache: %v", err)
	}

	if _, _, err := cache.LastSession(); !errors.Is(err, ErrNoRows) {
		t.Errorf("Expected ErrNoRows, got %v", err)
	}
	if err := cache.SaveSession("alice", "tok"); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}
	cp := Digest{Contacts: chain("+x"), Messages: chain("+m")}
	if err := cache.SaveCheckpoint("alice", cp); err != nil {
		t.Fatalf("SaveCheckpoint: %v", err)
	}

	// the cache never keeps digests of its own
	mustPut(t, cache, user("alice"), user("x"))
	cache.AddContact("alice", "x")
	if d, _ := cache.Digest("alice"); len(d.Contacts) != 0 {
		t.Error("Cache must not track digests")
	}
	cache.Close()

	cache, err = OpenCache(path)
	if err != nil {
		t.Fatalf("OpenCache: %v", err)
	}
	defer cache.Close()
	userID, token, err := cache.LastSession()
	if err != nil || userID != "alice" || token != "tok" {
		t.Errorf("Unexpected session %q %q %v", userID, token, err)
	}
	got, _ := cache.Checkpoint("alice")
	if !got.Equal(cp) {
		t.Error("Checkpoint did not survive reopen")
	}
	if err := cache.ClearSession(); err != nil {
		t.Fatalf("ClearSession: %v", err)
	}
	if _, _, err := cache.LastSession(); !errors.Is(err, ErrNoRows) {
		t.Errorf("Expected ErrNoRows, got %v", err)
	}
}
