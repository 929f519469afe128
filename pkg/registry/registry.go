package registry

import (
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mgrant26/clubcthulu/pkg/relay"
)

// World is the subset of the world simulation the registry depends on to
// place and remove clients. Defined here (rather than depending on the
// world package directly) so the registry and the world package don't
// import each other, breaking the reference cycle described in the design
// notes.
type World interface {
	AddClient(c *Client)
	RemoveClient(c *Client)
}

// Sender is the subset of the message relay the registry uses to notify
// clients of membership changes. Satisfied by *relay.Relay.
type Sender interface {
	Send(addr netip.AddrPort, payload map[string]any, retries int) (relay.Envelope, error)
}

// KickFunc is invoked whenever a client is kicked, so the dispatcher can
// synthesize and send the kick notification over the wire. It mirrors the
// ('kick', {addr, message}) upcall the original client handler makes to its
// owning server.
type KickFunc func(addr netip.AddrPort, message string)

// Registry is the authoritative set of logged-in clients.
type Registry struct {
	log    zerolog.Logger
	dcTime time.Duration
	world  World
	sender Sender
	kick   KickFunc

	mu        sync.Mutex
	byID      map[uuid.UUID]*Client
	byName    map[string]*Client
	bySession map[string]*Client

	metrics struct {
		joined  *metrics.Counter
		left    *metrics.Counter
		kicked  *metrics.Counter
		current *metrics.Gauge
	}

	stop chan struct{}
	done chan struct{}
}

// Config configures a Registry.
type Config struct {
	// DCTime is the liveness timeout after which an unresponsive client is
	// kicked. Defaults to 5 minutes if zero.
	DCTime time.Duration
	// SweepInterval is how often the liveness sweeper scans the registry.
	// Defaults to 500ms if zero; spec.md only requires the scan interval be
	// short, not a fixed cadence.
	SweepInterval time.Duration
}

// New creates a Registry backed by world, broadcasting membership changes
// via sender and notifying kick.
func New(log zerolog.Logger, world World, sender Sender, kick KickFunc, cfg Config) *Registry {
	if cfg.DCTime == 0 {
		cfg.DCTime = 5 * time.Minute
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = 500 * time.Millisecond
	}
	r := &Registry{
		log:       log,
		dcTime:    cfg.DCTime,
		world:     world,
		sender:    sender,
		kick:      kick,
		byID:      make(map[uuid.UUID]*Client),
		byName:    make(map[string]*Client),
		bySession: make(map[string]*Client),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	r.metrics.joined = metrics.GetOrCreateCounter(`clubcthulu_registry_joined_total`)
	r.metrics.left = metrics.GetOrCreateCounter(`clubcthulu_registry_left_total`)
	r.metrics.kicked = metrics.GetOrCreateCounter(`clubcthulu_registry_kicked_total`)
	r.metrics.current = metrics.GetOrCreateGauge(`clubcthulu_registry_clients`, func() float64 {
		r.mu.Lock()
		defer r.mu.Unlock()
		return float64(len(r.byID))
	})
	go r.sweep(cfg.SweepInterval)
	return r
}

// Add inserts client into all three indexes and places it in the world, or
// returns false if the lowercased name is already taken.
func (r *Registry) Add(c *Client) bool {
	r.mu.Lock()
	key := strings.ToLower(c.Name())
	if _, exists := r.byName[key]; exists {
		r.mu.Unlock()
		return false
	}
	r.byName[key] = c
	r.byID[c.ID()] = c
	r.bySession[c.Session()] = c
	r.mu.Unlock()

	r.world.AddClient(c)
	r.metrics.joined.Inc()
	r.log.Info().Str("name", c.Name()).Stringer("id", c.ID()).Msg("client joined")

	pos, chunk := c.Pos(), c.Chunk()
	r.Broadcast(map[string]any{
		"response":    "client-joined",
		"client-id":   c.ID().String(),
		"client-name": c.Name(),
		"x":           pos[0],
		"y":           pos[1],
		"chunk-x":     chunk[0],
		"chunk-y":     chunk[1],
	}, 1)
	return true
}

// Broadcast sends payload to every connected client, matching the original
// ClientThread.send_message_to_all.
func (r *Registry) Broadcast(payload map[string]any, retries int) {
	if r.sender == nil {
		return
	}
	for _, c := range r.Snapshot() {
		if _, err := r.sender.Send(c.Addr(), payload, retries); err != nil {
			r.log.Err(err).Str("name", c.Name()).Msg("broadcast send failed")
		}
	}
}

// GetByName returns the client with the given display name, matched
// case-insensitively.
func (r *Registry) GetByName(name string) *Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byName[strings.ToLower(name)]
}

// GetByID returns the client with the given id.
func (r *Registry) GetByID(id uuid.UUID) *Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byID[id]
}

// GetBySession returns the client with the given session token.
func (r *Registry) GetBySession(session string) *Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bySession[session]
}

// Touch updates the last-response timestamp of the client identified by
// session, returning false if no such client is connected.
func (r *Registry) Touch(session string) bool {
	c := r.GetBySession(session)
	if c == nil {
		return false
	}
	c.Touch()
	return true
}

// List returns a snapshot of display name -> id for all connected clients.
func (r *Registry) List() map[string]uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]uuid.UUID, len(r.byName))
	for _, c := range r.byID {
		out[c.Name()] = c.ID()
	}
	return out
}

// Snapshot returns a stable copy of all connected clients, suitable for
// iterating without holding the registry lock.
func (r *Registry) Snapshot() []*Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Client, 0, len(r.byID))
	for _, c := range r.byID {
		out = append(out, c)
	}
	return out
}

// RemoveBySession removes the client with the given session, if any, and
// tells the world to drop it. Idempotent: an unknown session still returns
// true, matching the original's semantics.
func (r *Registry) RemoveBySession(session string) bool {
	r.mu.Lock()
	c, ok := r.bySession[session]
	if !ok {
		r.mu.Unlock()
		return true
	}
	delete(r.bySession, session)
	delete(r.byID, c.ID())
	delete(r.byName, strings.ToLower(c.Name()))
	r.mu.Unlock()

	r.world.RemoveClient(c)
	r.metrics.left.Inc()
	r.log.Info().Str("name", c.Name()).Stringer("id", c.ID()).Msg("client left")

	r.Broadcast(map[string]any{
		"response": "client-left",
		"id":       c.ID().String(),
	}, 1)
	return true
}

// RemoveByName removes the client with the given display name, if any.
func (r *Registry) RemoveByName(name string) bool {
	c := r.GetByName(name)
	if c == nil {
		return false
	}
	return r.RemoveBySession(c.Session())
}

// RemoveByID removes the client with the given id, if any.
func (r *Registry) RemoveByID(id uuid.UUID) bool {
	c := r.GetByID(id)
	if c == nil {
		return false
	}
	return r.RemoveBySession(c.Session())
}

// Kick notifies client via the registry's kick callback and removes it.
// Idempotent against an already-removed client.
func (r *Registry) Kick(c *Client, reason string) {
	if c == nil {
		return
	}
	if r.GetBySession(c.Session()) == nil {
		return
	}
	r.metrics.kicked.Inc()
	r.log.Info().Str("name", c.Name()).Str("reason", reason).Msg("kicking client")
	if r.kick != nil {
		r.kick(c.Addr(), reason)
	}
	r.RemoveBySession(c.Session())
}

// Stop halts the liveness sweeper and waits for it to exit.
func (r *Registry) Stop() {
	close(r.stop)
	<-r.done
}

func (r *Registry) sweep(interval time.Duration) {
	defer close(r.done)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-t.C:
			for _, c := range r.Snapshot() {
				if time.Since(c.LastResponse()) > r.dcTime {
					r.Kick(c, "Session timed out.")
				}
			}
		}
	}
}
