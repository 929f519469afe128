// Package registry implements the authoritative set of logged-in clients:
// lookup by id, by lowercased display name, and by session token, plus a
// liveness sweeper that kicks clients that stop responding.
package registry

import (
	"crypto/rand"
	"encoding/base64"
	"net/netip"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mgrant26/clubcthulu/pkg/vecmath"
)

// Client is a logged-in player.
//
// ID, Name, Session, and Privilege are set at construction and never change
// afterwards; Privilege in particular has no setter, since the original
// raises on any attempt to reassign it after construction. Everything else
// is guarded by an internal mutex, since it is mutated from the dispatcher
// (address, velocity), the world tick (position, chunk), and the registry
// sweeper (last-response timestamp) concurrently.
type Client struct {
	id        uuid.UUID
	name      string
	session   string
	privilege int

	mu           sync.Mutex
	addr         netip.AddrPort
	pos          vecmath.Point
	chunk        vecmath.Point
	vel          vecmath.Vector
	lastResponse time.Time
}

// NewClient creates a Client with a freshly generated session token.
func NewClient(id uuid.UUID, name string, privilege int) *Client {
	return &Client{
		id:           id,
		name:         name,
		session:      newSessionToken(),
		privilege:    privilege,
		lastResponse: time.Now(),
	}
}

// newSessionToken returns a URL-safe token with 128 bits of entropy, matching
// the original's secrets.token_urlsafe(16).
func newSessionToken() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		panic("registry: failed to read random session token: " + err.Error())
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

// ID returns the client's stable id.
func (c *Client) ID() uuid.UUID { return c.id }

// Name returns the client's display name, as stored (not lowercased).
func (c *Client) Name() string { return c.name }

// Session returns the client's session token.
func (c *Client) Session() string { return c.session }

// Privilege returns the client's privilege level. It cannot be changed after
// construction.
func (c *Client) Privilege() int { return c.privilege }

// Addr returns the client's current remote address.
func (c *Client) Addr() netip.AddrPort {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.addr
}

// SetAddr updates the client's remote address.
func (c *Client) SetAddr(addr netip.AddrPort) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.addr = addr
}

// Pos returns the client's chunk-local position.
func (c *Client) Pos() vecmath.Point {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pos
}

// SetPos sets the client's chunk-local position without touching its chunk
// coordinate.
func (c *Client) SetPos(p vecmath.Point) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pos = p
}

// Chunk returns the client's current world-grid chunk coordinate.
func (c *Client) Chunk() vecmath.Point {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.chunk
}

// SetChunk sets the client's current world-grid chunk coordinate.
func (c *Client) SetChunk(p vecmath.Point) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chunk = p
}

// Vel returns the client's current velocity.
func (c *Client) Vel() vecmath.Vector {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.vel
}

// SetVel sets the client's current velocity. Used by the move/end-move
// handlers.
func (c *Client) SetVel(v vecmath.Vector) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vel = v
}

// LastResponse returns the timestamp of the last request received from this
// client.
func (c *Client) LastResponse() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastResponse
}

// Touch updates the last-response timestamp to now.
func (c *Client) Touch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastResponse = time.Now()
}
