// Package world implements the chunked 2-D simulation: chunk placement,
// per-tick velocity integration, chunk migration, and position broadcast.
//
// Grounded on the original project's world.py (World/Chunk classes).
package world

import (
	"net/netip"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mgrant26/clubcthulu/pkg/registry"
	"github.com/mgrant26/clubcthulu/pkg/relay"
	"github.com/mgrant26/clubcthulu/pkg/vecmath"
)

// DefaultTPS is the default simulation tick rate.
const DefaultTPS = 20

// DefaultChunkWidth and DefaultChunkHeight are the default per-chunk extents,
// matching the original's chunk_width/chunk_height defaults.
const (
	DefaultChunkWidth  = 400
	DefaultChunkHeight = 400
)

// Broadcaster is the subset of the message relay the world uses to push
// position updates to clients. Satisfied by *relay.Relay.
type Broadcaster interface {
	Send(addr netip.AddrPort, payload map[string]any, retries int) (relay.Envelope, error)
}

// Config configures a World.
type Config struct {
	Width, Height           int
	ChunkWidth, ChunkHeight int
	SpawnPoint              vecmath.Point
	TPS                     int
}

// World is the chunked simulation grid.
type World struct {
	log    zerolog.Logger
	sender Broadcaster

	width, height           int
	chunkWidth, chunkHeight int
	spawnPoint              vecmath.Point
	tps                     int

	mu           sync.Mutex
	chunks       [][]*Chunk
	clients      map[*registry.Client]*Chunk
	movedClients []*registry.Client

	timer *vecmath.Timer
	delta float64

	stop chan struct{}
	done chan struct{}
}

// New creates a World and starts its simulation loop. cfg.ChunkWidth/Height
// and cfg.TPS default to DefaultChunkWidth/DefaultChunkHeight/DefaultTPS if
// zero; cfg.SpawnPoint defaults to the grid's center.
func New(log zerolog.Logger, sender Broadcaster, cfg Config) *World {
	if cfg.ChunkWidth == 0 {
		cfg.ChunkWidth = DefaultChunkWidth
	}
	if cfg.ChunkHeight == 0 {
		cfg.ChunkHeight = DefaultChunkHeight
	}
	if cfg.TPS == 0 {
		cfg.TPS = DefaultTPS
	}
	spawn := cfg.SpawnPoint
	if spawn == (vecmath.Point{}) {
		spawn = vecmath.Point{cfg.Width / 2, cfg.Height / 2}
	}

	w := &World{
		log:         log,
		sender:      sender,
		width:       cfg.Width,
		height:      cfg.Height,
		chunkWidth:  cfg.ChunkWidth,
		chunkHeight: cfg.ChunkHeight,
		spawnPoint:  spawn,
		tps:         cfg.TPS,
		clients:     make(map[*registry.Client]*Chunk),
		timer:       vecmath.NewTimer(),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	w.chunks = w.createEmptyWorld()

	go w.run()
	return w
}

func (w *World) createEmptyWorld() [][]*Chunk {
	chunks := make([][]*Chunk, w.height)
	for y := 0; y < w.height; y++ {
		chunks[y] = make([]*Chunk, w.width)
		for x := 0; x < w.width; x++ {
			chunks[y][x] = newChunk(w, x, y, w.chunkWidth, w.chunkHeight)
		}
	}
	return chunks
}

func (w *World) run() {
	defer close(w.done)
	w.log.Info().Msg("starting world simulation")
	interval := time.Second / time.Duration(w.tps)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-t.C:
			w.tick()
		}
	}
}

// tick advances the simulation by one step: it recomputes the shared delta
// (kept deliberately as 1-elapsed-seconds, matching the original's
// datetime-based clock), updates every chunk's clients, and flushes
// accumulated position updates.
func (w *World) tick() {
	w.mu.Lock()
	defer w.mu.Unlock()

	// delta = 1 - elapsed.Seconds() reproduces the original's timer math
	// verbatim, bugs and all: at the intended 20 tps the elapsed time is
	// ~0.05s, so delta lands near 0.95 instead of the 0.05 a conventional
	// per-tick integration step would use. Client speed is tuned around
	// this on the original content side, so it is kept rather than fixed.
	w.delta = 1 - w.timer.Elapsed().Seconds()

	for _, chunk := range w.chunks {
		for _, c := range chunk {
			c.updateClients()
		}
	}
	w.sendPositions()
}

func (w *World) sendPositions() {
	if len(w.movedClients) == 0 {
		return
	}
	for client := range w.clients {
		for _, moved := range w.movedClients {
			w.sendClientPositionTo(moved, client)
		}
	}
	w.movedClients = w.movedClients[:0]
}

func (w *World) sendClientPositionTo(client, target *registry.Client) {
	pos, chunk := client.Pos(), client.Chunk()
	payload := map[string]any{
		"response":   "position-update",
		"target":     client.ID().String(),
		"new-chunk-x": chunk[0],
		"new-chunk-y": chunk[1],
		"new-x":       pos[0],
		"new-y":       pos[1],
	}
	if _, err := w.sender.Send(target.Addr(), payload, 1); err != nil {
		w.log.Err(err).Str("target", target.Name()).Msg("position-update send failed")
	}
}

// FullUpdate sends a "client-update" snapshot of every connected client to
// target, matching the original's full_update/send_full_client_to.
func (w *World) FullUpdate(target *registry.Client) {
	w.mu.Lock()
	clients := make([]*registry.Client, 0, len(w.clients))
	for c := range w.clients {
		clients = append(clients, c)
	}
	w.mu.Unlock()

	for _, c := range clients {
		pos, chunk := c.Pos(), c.Chunk()
		payload := map[string]any{
			"response":    "client-update",
			"client-id":   c.ID().String(),
			"client-name": c.Name(),
			"chunk-x":     chunk[0],
			"chunk-y":     chunk[1],
			"x":           pos[0],
			"y":           pos[1],
		}
		if _, err := w.sender.Send(target.Addr(), payload, 1); err != nil {
			w.log.Err(err).Str("target", target.Name()).Msg("client-update send failed")
		}
	}
}

// AddClient places client at the world's spawn chunk. Satisfies
// registry.World.
func (w *World) AddClient(c *registry.Client) {
	w.mu.Lock()
	defer w.mu.Unlock()
	chunk := w.chunks[w.spawnPoint[1]][w.spawnPoint[0]]
	w.clients[c] = chunk
	chunk.addClient(c)
}

// RemoveClient drops client from its current chunk and the world. Satisfies
// registry.World.
func (w *World) RemoveClient(c *registry.Client) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if chunk, ok := w.clients[c]; ok {
		chunk.removeClient(c)
		delete(w.clients, c)
	}
}

// MoveClient moves client to the chunk at (x, y), or returns false if that
// chunk is out of the world's bounds. Re-entering the same chunk is a no-op
// beyond queuing a position broadcast.
func (w *World) MoveClient(c *registry.Client, x, y int) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.moveClientLocked(c, x, y)
}

// moveClientLocked is MoveClient's body, callable both from the public,
// locking entry point and from the tick loop, which already holds w.mu
// while it walks chunks and cannot re-acquire a plain sync.Mutex.
func (w *World) moveClientLocked(c *registry.Client, x, y int) bool {
	if x < 0 || x >= w.width || y < 0 || y >= w.height {
		return false
	}

	chunk := c.Chunk()
	if chunk[0] == x && chunk[1] == y {
		w.movedClients = append(w.movedClients, c)
		return true
	}

	cChunk := w.clients[c]
	newChunk := w.chunks[y][x]

	cChunk.removeClient(c)
	newChunk.addClient(c)

	pos := c.Pos()
	c.SetPos(vecmath.Point{
		mod(pos[0], w.chunkWidth),
		mod(pos[1], w.chunkHeight),
	})
	c.SetChunk(vecmath.Point{newChunk.x, newChunk.y})
	w.clients[c] = newChunk
	w.movedClients = append(w.movedClients, c)
	return true
}

// Stop halts the simulation loop and waits for it to exit.
func (w *World) Stop() {
	close(w.stop)
	<-w.done
}

// mod is Euclidean modulo, matching Python's % for non-negative divisors.
func mod(a, b int) int {
	m := a % b
	if m < 0 {
		m += b
	}
	return m
}

func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}
