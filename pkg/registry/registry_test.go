package registry

import (
	"net/netip"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mgrant26/clubcthulu/pkg/relay"
)

type fakeWorld struct {
	added   []*Client
	removed []*Client
}

func (f *fakeWorld) AddClient(c *Client)    { f.added = append(f.added, c) }
func (f *fakeWorld) RemoveClient(c *Client) { f.removed = append(f.removed, c) }

type fakeSender struct {
	sent []map[string]any
}

func (f *fakeSender) Send(addr netip.AddrPort, payload map[string]any, retries int) (relay.Envelope, error) {
	f.sent = append(f.sent, payload)
	return relay.Envelope{}, nil
}

func newTestRegistry(t *testing.T) (*Registry, *fakeWorld, *fakeSender) {
	t.Helper()
	w := &fakeWorld{}
	s := &fakeSender{}
	r := New(zerolog.Nop(), w, s, nil, Config{SweepInterval: time.Hour})
	t.Cleanup(r.Stop)
	return r, w, s
}

func TestAddRejectsDuplicateNameCaseInsensitive(t *testing.T) {
	r, _, _ := newTestRegistry(t)

	c1 := NewClient(uuid.New(), "Alice", 0)
	if !r.Add(c1) {
		t.Fatalf("expected first Add to succeed")
	}
	c2 := NewClient(uuid.New(), "alice", 0)
	if r.Add(c2) {
		t.Fatalf("expected Add with a case-insensitive duplicate name to fail")
	}
}

func TestGetByNameIsCaseInsensitive(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	c := NewClient(uuid.New(), "Bob", 0)
	r.Add(c)

	if r.GetByName("BOB") != c {
		t.Fatalf("expected GetByName to match regardless of case")
	}
}

func TestRemoveBySessionIsIdempotent(t *testing.T) {
	r, w, _ := newTestRegistry(t)
	c := NewClient(uuid.New(), "Carol", 0)
	r.Add(c)

	if !r.RemoveBySession(c.Session()) {
		t.Fatalf("expected first removal to succeed")
	}
	if !r.RemoveBySession(c.Session()) {
		t.Fatalf("expected removal of an already-removed session to still report success")
	}
	if len(w.removed) != 1 {
		t.Fatalf("expected world.RemoveClient to be called exactly once, got %d", len(w.removed))
	}
}

func TestRemoveByIDRemovesRegisteredClient(t *testing.T) {
	r, w, _ := newTestRegistry(t)
	c := NewClient(uuid.New(), "Frank", 0)
	r.Add(c)

	if !r.RemoveByID(c.ID()) {
		t.Fatalf("expected removal by id to succeed")
	}
	if r.GetByID(c.ID()) != nil {
		t.Fatalf("expected client to be gone after RemoveByID")
	}
	if len(w.removed) != 1 {
		t.Fatalf("expected world.RemoveClient to be called exactly once, got %d", len(w.removed))
	}
	if r.RemoveByID(c.ID()) {
		t.Fatalf("expected removal of an unknown id to return false")
	}
}

func TestKickNotifiesAndRemoves(t *testing.T) {
	var kicked netip.AddrPort
	var reason string
	w := &fakeWorld{}
	s := &fakeSender{}
	r := New(zerolog.Nop(), w, s, func(addr netip.AddrPort, message string) {
		kicked = addr
		reason = message
	}, Config{SweepInterval: time.Hour})
	defer r.Stop()

	c := NewClient(uuid.New(), "Dave", 0)
	r.Add(c)
	r.Kick(c, "bye")

	if reason != "bye" {
		t.Fatalf("expected kick callback to receive reason, got %q", reason)
	}
	if kicked != c.Addr() {
		t.Fatalf("expected kick callback to receive client addr")
	}
	if r.GetBySession(c.Session()) != nil {
		t.Fatalf("expected client to be removed after kick")
	}
}

func TestTouchUpdatesLastResponse(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	c := NewClient(uuid.New(), "Eve", 0)
	r.Add(c)

	before := c.LastResponse()
	time.Sleep(time.Millisecond)
	if !r.Touch(c.Session()) {
		t.Fatalf("expected Touch to find the session")
	}
	if !c.LastResponse().After(before) {
		t.Fatalf("expected LastResponse to advance after Touch")
	}
	if r.Touch("unknown-session") {
		t.Fatalf("expected Touch of an unknown session to return false")
	}
}
