package relay

import (
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

func newLoopbackRelay(t *testing.T, cfg Config) (*Relay, *net.UDPConn) {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	r := New(zerolog.Nop(), conn, nil, cfg)
	t.Cleanup(r.Stop)
	return r, conn
}

func TestSendDeliversAndAcceptsConfirm(t *testing.T) {
	r, conn := newLoopbackRelay(t, Config{Retries: 2, RetryInterval: 50 * time.Millisecond})

	dst, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	defer dst.Close()

	env, err := r.Send(dst.LocalAddr().(*net.UDPAddr).AddrPort(), map[string]any{"response": "ping"}, 2)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	dst.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 2048)
	n, _, err := dst.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("expected the relay to deliver a datagram: %v", err)
	}

	var got map[string]any
	if err := json.Unmarshal(buf[:n], &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got["packet-id"] != env.PacketID.String() {
		t.Fatalf("packet-id = %v, want %v", got["packet-id"], env.PacketID)
	}

	if !r.Confirm(env.PacketID) {
		t.Fatalf("expected Confirm to find the pending entry")
	}
	if r.Confirm(env.PacketID) {
		t.Fatalf("expected a second Confirm of the same id to report false")
	}

	_ = conn
}

func TestConfirmUnknownIDReturnsFalse(t *testing.T) {
	r, _ := newLoopbackRelay(t, Config{})
	if r.Confirm(uuid.New()) {
		t.Fatalf("expected Confirm of an unknown packet id to return false")
	}
}

func TestRetryExhaustionRemovesEntry(t *testing.T) {
	r, _ := newLoopbackRelay(t, Config{Retries: 1, RetryInterval: 10 * time.Millisecond})

	dst, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	defer dst.Close()

	env, err := r.Send(dst.LocalAddr().(*net.UDPAddr).AddrPort(), map[string]any{"response": "ping"}, 1)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := r.Pending()[env.PacketID]; !ok {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected the pending entry to be removed once retries were exhausted")
}
