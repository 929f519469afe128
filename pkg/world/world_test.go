package world

import (
	"net/netip"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mgrant26/clubcthulu/pkg/registry"
	"github.com/mgrant26/clubcthulu/pkg/relay"
)

type noopSender struct{}

func (noopSender) Send(addr netip.AddrPort, payload map[string]any, retries int) (relay.Envelope, error) {
	return relay.Envelope{}, nil
}

func newTestWorld() *World {
	w := &World{
		log:         zerolog.Nop(),
		sender:      noopSender{},
		width:       4,
		height:      4,
		chunkWidth:  10,
		chunkHeight: 10,
		spawnPoint:  [2]int{0, 0},
		tps:         DefaultTPS,
		clients:     make(map[*registry.Client]*Chunk),
	}
	w.chunks = w.createEmptyWorld()
	return w
}

func TestAddAndRemoveClient(t *testing.T) {
	w := newTestWorld()
	c := registry.NewClient(uuid.New(), "alice", 0)

	w.AddClient(c)
	if _, ok := w.clients[c]; !ok {
		t.Fatalf("expected client to be tracked after AddClient")
	}
	if got := c.Chunk(); got != ([2]int{0, 0}) {
		t.Fatalf("expected spawn chunk {0,0}, got %v", got)
	}

	w.RemoveClient(c)
	if _, ok := w.clients[c]; ok {
		t.Fatalf("expected client to be untracked after RemoveClient")
	}
}

func TestMoveClientOutOfBounds(t *testing.T) {
	w := newTestWorld()
	c := registry.NewClient(uuid.New(), "bob", 0)
	w.AddClient(c)

	if w.MoveClient(c, -1, 0) {
		t.Fatalf("expected move to negative chunk to fail")
	}
	if w.MoveClient(c, w.width, 0) {
		t.Fatalf("expected move past the grid width to fail")
	}
}

func TestMoveClientRenormalizesPosition(t *testing.T) {
	w := newTestWorld()
	c := registry.NewClient(uuid.New(), "carol", 0)
	w.AddClient(c)
	c.SetPos([2]int{15, 23})

	if !w.MoveClient(c, 1, 1) {
		t.Fatalf("expected move within bounds to succeed")
	}
	got := c.Pos()
	want := [2]int{15 % w.chunkWidth, 23 % w.chunkHeight}
	if got != want {
		t.Fatalf("Pos() = %v, want %v", got, want)
	}
	if got := c.Chunk(); got != ([2]int{1, 1}) {
		t.Fatalf("Chunk() = %v, want {1,1}", got)
	}
}

func TestMoveClientSameChunkQueuesBroadcast(t *testing.T) {
	w := newTestWorld()
	c := registry.NewClient(uuid.New(), "dave", 0)
	w.AddClient(c)

	if !w.MoveClient(c, 0, 0) {
		t.Fatalf("expected re-entering the same chunk to succeed")
	}
	if len(w.movedClients) != 1 {
		t.Fatalf("expected one queued moved client, got %d", len(w.movedClients))
	}
}
