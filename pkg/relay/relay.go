// Package relay implements the reliable datagram layer: sending a payload
// over UDP (or a matching WebSocket connection) with packet ids, retries,
// and idempotent acknowledgement.
//
// The retry state machine is grounded on the original project's
// MessageRelay/Message classes; the mutex-guarded table and atomic counters
// follow pkg/nspkt.Listener. The UDP socket is shared with the dispatcher,
// not duplicated (see New).
package relay

import (
	"encoding/json"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultRetries is the default number of retry attempts for a sent message.
const DefaultRetries = 1

// DefaultRetryInterval is the interval between retry attempts.
const DefaultRetryInterval = 500 * time.Millisecond

// tickInterval is how often the retry loop checks pending entries. It is
// independent of DefaultRetryInterval; the loop just needs to run often
// enough that the accumulated delta crosses the interval promptly.
const tickInterval = 10 * time.Millisecond

// WSConn is a single WebSocket peer connection capable of receiving relayed
// payloads instead of a UDP datagram.
type WSConn interface {
	WriteMessage(payload []byte) error
}

// WSClients resolves a destination address to an active WebSocket
// connection, if the peer connected over WebSocket instead of UDP.
type WSClients interface {
	Lookup(addr netip.AddrPort) (WSConn, bool)
}

type pendingEntry struct {
	payload []byte
	addr    netip.AddrPort
	retries int
	elapsed time.Duration
}

// Relay reliably delivers JSON payloads to peer addresses over UDP,
// re-sending unacknowledged payloads until they are confirmed or their
// retries are exhausted.
type Relay struct {
	log  zerolog.Logger
	conn *net.UDPConn
	ws   WSClients

	mu       sync.Mutex
	pending  map[uuid.UUID]*pendingEntry
	toRemove []uuid.UUID

	retries      int
	retryInteral time.Duration

	metrics struct {
		sent     *metrics.Counter
		resent   *metrics.Counter
		expired  *metrics.Counter
		confirms *metrics.Counter
		errors   *metrics.Counter
		pending  *metrics.Gauge
	}

	stop chan struct{}
	done chan struct{}
}

// Config configures a Relay.
type Config struct {
	// Retries is the relay's nominal retry count, used only by the
	// sent/resent metrics; Send does not apply it, since every Send call
	// passes its own retry count. Defaults to DefaultRetries if zero.
	Retries int
	// RetryInterval is the interval between retry attempts. Defaults to
	// DefaultRetryInterval if zero.
	RetryInterval time.Duration
}

// New creates a Relay sending over conn, optionally dispatching to ws
// instead of conn when the destination matches a known WebSocket peer.
//
// conn is not duplicated or closed by the relay; the caller (the dispatcher)
// owns the socket's lifetime and must close it itself after stopping the
// relay, matching the original's dup()'d-socket independence without
// needing an actual fd duplication in Go (*net.UDPConn is already safe for
// concurrent reads/writes from multiple goroutines).
func New(log zerolog.Logger, conn *net.UDPConn, ws WSClients, cfg Config) *Relay {
	if cfg.Retries == 0 {
		cfg.Retries = DefaultRetries
	}
	if cfg.RetryInterval == 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}
	r := &Relay{
		log:          log,
		conn:         conn,
		ws:           ws,
		pending:      make(map[uuid.UUID]*pendingEntry),
		retries:      cfg.Retries,
		retryInteral: cfg.RetryInterval,
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
	r.metrics.sent = metrics.GetOrCreateCounter(`clubcthulu_relay_sent_total`)
	r.metrics.resent = metrics.GetOrCreateCounter(`clubcthulu_relay_resent_total`)
	r.metrics.expired = metrics.GetOrCreateCounter(`clubcthulu_relay_expired_total`)
	r.metrics.confirms = metrics.GetOrCreateCounter(`clubcthulu_relay_confirmed_total`)
	r.metrics.errors = metrics.GetOrCreateCounter(`clubcthulu_relay_errors_total`)
	r.metrics.pending = metrics.GetOrCreateGauge(`clubcthulu_relay_pending`, func() float64 {
		r.mu.Lock()
		defer r.mu.Unlock()
		return float64(len(r.pending))
	})
	go r.run()
	return r
}

// Envelope is the packet-id/timestamp pair every outbound payload gets
// augmented with.
type Envelope struct {
	PacketID  uuid.UUID
	Timestamp float64
}

// Send enqueues payload for delivery to addr with the given number of
// retries (use DefaultRetries for the ordinary default). It augments
// payload with "packet-id" and "timestamp" fields and returns the assigned
// envelope. The actual transmission happens on the relay's background loop,
// not synchronously, matching the original.
func (r *Relay) Send(addr netip.AddrPort, payload map[string]any, retries int) (Envelope, error) {
	id := uuid.New()
	env := Envelope{
		PacketID:  id,
		Timestamp: float64(time.Now().UnixNano()) / 1e9,
	}

	out := make(map[string]any, len(payload)+2)
	for k, v := range payload {
		out[k] = v
	}
	out["packet-id"] = id.String()
	out["timestamp"] = env.Timestamp

	buf, err := json.Marshal(out)
	if err != nil {
		return Envelope{}, err
	}

	r.mu.Lock()
	r.pending[id] = &pendingEntry{
		payload: buf,
		addr:    addr,
		// one initial transmission, then up to retries re-sends.
		retries: retries + 1,
		// elapsed starts at the full retry interval so the first tick of the
		// loop sends it right away, matching the original's Message(...,
		// retry_int=self.retry_interval) initialization.
		elapsed: r.retryInteral,
	}
	r.mu.Unlock()

	return env, nil
}

// Confirm marks packetID as delivered, scheduling its pending entry for
// removal. It is idempotent and returns false for an unknown id.
func (r *Relay) Confirm(packetID uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pending[packetID]; !ok {
		return false
	}
	r.toRemove = append(r.toRemove, packetID)
	r.metrics.confirms.Inc()
	return true
}

// Pending returns a snapshot of the payloads currently awaiting
// acknowledgement, for the "printqueue" console command.
func (r *Relay) Pending() map[uuid.UUID][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[uuid.UUID][]byte, len(r.pending))
	for id, e := range r.pending {
		out[id] = e.payload
	}
	return out
}

// Stop halts the retry loop and waits for it to exit. It does not touch the
// underlying socket.
func (r *Relay) Stop() {
	close(r.stop)
	<-r.done
}

func (r *Relay) run() {
	defer close(r.done)
	t := time.NewTicker(tickInterval)
	defer t.Stop()
	last := time.Now()
	for {
		select {
		case <-r.stop:
			return
		case now := <-t.C:
			delta := now.Sub(last)
			last = now
			r.tick(delta)
		}
	}
}

func (r *Relay) tick(delta time.Duration) {
	r.mu.Lock()
	if len(r.pending) == 0 {
		r.mu.Unlock()
		return
	}
	var due []uuid.UUID
	for id, e := range r.pending {
		if e.elapsed >= r.retryInteral {
			due = append(due, id)
		}
		e.elapsed += delta
	}
	r.mu.Unlock()

	for _, id := range due {
		r.resend(id)
	}

	r.mu.Lock()
	for _, id := range r.toRemove {
		delete(r.pending, id)
	}
	r.toRemove = r.toRemove[:0]
	r.mu.Unlock()
}

// resend attempts to re-send the pending entry for id, removing it if its
// retries are exhausted or its destination is invalid.
func (r *Relay) resend(id uuid.UUID) {
	r.mu.Lock()
	e, ok := r.pending[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	if e.retries < 1 || !e.addr.IsValid() {
		r.toRemove = append(r.toRemove, id)
		r.mu.Unlock()
		r.metrics.expired.Inc()
		return
	}
	e.elapsed = 0
	e.retries--
	resent := e.retries < r.retries
	addr, payload := e.addr, e.payload
	r.mu.Unlock()

	if err := r.transmit(addr, payload); err != nil {
		r.metrics.errors.Inc()
		r.log.Err(err).Stringer("addr", addrStringer{addr}).Msg("relay send failed")
		return
	}
	if resent {
		r.metrics.resent.Inc()
	} else {
		r.metrics.sent.Inc()
	}
}

func (r *Relay) transmit(addr netip.AddrPort, payload []byte) error {
	if r.ws != nil {
		if conn, ok := r.ws.Lookup(addr); ok {
			return conn.WriteMessage(payload)
		}
	}
	_, err := r.conn.WriteToUDPAddrPort(payload, addr)
	return err
}

type addrStringer struct{ addr netip.AddrPort }

func (a addrStringer) String() string { return a.addr.String() }
