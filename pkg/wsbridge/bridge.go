// Package wsbridge implements the optional WebSocket transport: browser
// clients speak the same JSON request protocol over a WebSocket instead of
// a UDP datagram, multiplexed through the same dispatch entry point.
//
// The original project sketched this (websocketrelay.py) but shipped it
// with its websockets/asyncio imports disabled, so it never actually ran.
// This reimplements it for real with gorilla/websocket, grounded on
// other_examples/adred-codev-ws_poc/go-server's Client/Hub pattern.
package wsbridge

import (
	"net/http"
	"net/netip"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/mgrant26/clubcthulu/pkg/relay"
)

// Dispatcher is the request entry point a Bridge forwards decoded messages
// to. Satisfied by the server dispatcher, so a WebSocket message is handled
// exactly like a UDP datagram from the same synthetic address.
type Dispatcher interface {
	HandleDatagram(data []byte, addr netip.AddrPort)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  2048,
	WriteBufferSize: 2048,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// conn wraps a gorilla websocket.Conn to satisfy relay.WSConn, serializing
// writes with a mutex, since gorilla allows at most one concurrent writer per
// connection.
type conn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *conn) WriteMessage(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, payload)
}

// Bridge accepts WebSocket upgrades and relays messages to and from a
// Dispatcher, assigning each connection a synthetic loopback address so it
// can be addressed the same way a UDP peer is everywhere else in the
// server (client registry, relay pending table).
type Bridge struct {
	log        zerolog.Logger
	dispatcher Dispatcher

	mu      sync.Mutex
	clients map[netip.AddrPort]*conn
	nextID  uint16
}

// New creates a Bridge forwarding decoded messages to dispatcher.
func New(log zerolog.Logger, dispatcher Dispatcher) *Bridge {
	return &Bridge{
		log:        log,
		dispatcher: dispatcher,
		clients:    make(map[netip.AddrPort]*conn),
	}
}

// ServeHTTP upgrades the connection and pumps messages in both directions
// until the client disconnects.
func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.log.Err(err).Msg("websocket upgrade failed")
		return
	}

	addr := b.assignAddr()
	c := &conn{ws: ws}

	b.mu.Lock()
	b.clients[addr] = c
	b.mu.Unlock()

	b.log.Info().Stringer("addr", addr).Msg("websocket client connected")

	defer func() {
		b.mu.Lock()
		delete(b.clients, addr)
		b.mu.Unlock()
		ws.Close()
		b.log.Info().Stringer("addr", addr).Msg("websocket client disconnected")
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		b.dispatcher.HandleDatagram(data, addr)
	}
}

// Lookup resolves addr to its WebSocket connection, if any, satisfying
// relay.WSClients.
func (b *Bridge) Lookup(addr netip.AddrPort) (relay.WSConn, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.clients[addr]
	return c, ok
}

// assignAddr hands out a unique loopback address/port pair to key a new
// WebSocket connection into the registry and relay's addr-based lookups,
// in lieu of a real UDP peer address.
func (b *Bridge) assignAddr() netip.AddrPort {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	return netip.AddrPortFrom(netip.AddrFrom4([4]byte{127, 0, 0, 1}), b.nextID|0x8000)
}
