package cthulu

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"net"
	"net/netip"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// freeUDPAddr reserves an ephemeral loopback UDP port, releases it, and
// returns it as a netip.AddrPort for a Server to bind.
func freeUDPAddr(t *testing.T) netip.AddrPort {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("reserve udp port: %v", err)
	}
	addr := conn.LocalAddr().(*net.UDPAddr).AddrPort()
	conn.Close()
	return addr
}

// startTestServer starts a Server on a reserved loopback port with fast
// retry/tick intervals and a throwaway sqlite db, returning it and its bound
// address. The server is stopped automatically at test end.
func startTestServer(t *testing.T) (*Server, netip.AddrPort) {
	t.Helper()
	addr := freeUDPAddr(t)
	cfg := Config{
		Addr:   addr,
		DBPath: filepath.Join(t.TempDir(), "cthulu.db"),
		World: WorldConfig{
			Width: 4, Height: 4,
			ChunkWidth: 100, ChunkHeight: 100,
			TPS: 40,
		},
		Relay: RelayConfig{Retries: 1, RetryInterval: 60 * time.Millisecond},
		Reg:   RegistryConfig{DCTime: time.Hour, SweepInterval: time.Hour},
	}

	s, err := NewServer(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("new server: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	return s, addr
}

// testClient dials the server's UDP socket and offers small JSON send/recv
// helpers for the end-to-end scenarios.
type testClient struct {
	t    *testing.T
	conn *net.UDPConn
}

func newTestClient(t *testing.T, addr netip.AddrPort) *testClient {
	t.Helper()
	conn, err := net.DialUDP("udp", nil, net.UDPAddrFromAddrPort(addr))
	if err != nil {
		t.Fatalf("dial server: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return &testClient{t: t, conn: conn}
}

func (tc *testClient) send(payload map[string]any) {
	tc.t.Helper()
	b, err := json.Marshal(payload)
	if err != nil {
		tc.t.Fatalf("marshal payload: %v", err)
	}
	if _, err := tc.conn.Write(b); err != nil {
		tc.t.Fatalf("write datagram: %v", err)
	}
}

func (tc *testClient) recv(timeout time.Duration) (map[string]any, bool) {
	tc.t.Helper()
	buf := make([]byte, 2048)
	tc.conn.SetReadDeadline(time.Now().Add(timeout))
	n, err := tc.conn.Read(buf)
	if err != nil {
		return nil, false
	}
	var m map[string]any
	if err := json.Unmarshal(buf[:n], &m); err != nil {
		tc.t.Fatalf("unmarshal response: %v", err)
	}
	return m, true
}

// confirm acks a response carrying a packet-id, if present, so the relay
// stops retransmitting it.
func (tc *testClient) confirm(m map[string]any) {
	id, ok := m["packet-id"].(string)
	if !ok {
		return
	}
	tc.send(map[string]any{"request": "confirm", "packet-id": id})
}

// recvUntil drains responses (confirming each) until pred matches one or
// the deadline passes.
func (tc *testClient) recvUntil(deadline time.Duration, pred func(map[string]any) bool) (map[string]any, bool) {
	end := time.Now().Add(deadline)
	for {
		remaining := time.Until(end)
		if remaining <= 0 {
			return nil, false
		}
		m, ok := tc.recv(remaining)
		if !ok {
			return nil, false
		}
		tc.confirm(m)
		if pred(m) {
			return m, true
		}
	}
}

// obtainPublicKey runs the key-exchange scenario and returns the parsed RSA
// public key.
func (tc *testClient) obtainPublicKey(t *testing.T) *rsa.PublicKey {
	t.Helper()
	tc.send(map[string]any{"request": "obtain-public"})
	m, ok := tc.recvUntil(2*time.Second, func(m map[string]any) bool {
		return m["response"] == "confirm-public"
	})
	if !ok {
		t.Fatal("no confirm-public response")
	}
	if _, ok := m["packet-id"]; !ok {
		t.Error("confirm-public response missing packet-id")
	}
	if _, ok := m["timestamp"]; !ok {
		t.Error("confirm-public response missing timestamp")
	}
	pemStr, ok := m["public-key"].(string)
	if !ok {
		t.Fatal("confirm-public response missing public-key")
	}
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		t.Fatal("public-key is not valid PEM")
	}
	pub, err := x509.ParsePKCS1PublicKey(block.Bytes)
	if err != nil {
		t.Fatalf("parse public key: %v", err)
	}
	return pub
}

func encryptPassword(t *testing.T, pub *rsa.PublicKey, password string) string {
	t.Helper()
	ciphertext, err := rsa.EncryptPKCS1v15(rand.Reader, pub, []byte(password))
	if err != nil {
		t.Fatalf("encrypt password: %v", err)
	}
	return base64.StdEncoding.EncodeToString(ciphertext)
}

// register runs the register scenario for username/password using pub,
// returning the response payload.
func (tc *testClient) register(t *testing.T, pub *rsa.PublicKey, username, password string) map[string]any {
	t.Helper()
	tc.send(map[string]any{
		"request":  "register",
		"username": username,
		"password": encryptPassword(t, pub, password),
	})
	m, ok := tc.recvUntil(2*time.Second, func(m map[string]any) bool {
		return m["response"] == "success" || m["response"] == "error"
	})
	if !ok {
		t.Fatal("no response to register")
	}
	return m
}

// login runs the init-session scenario, returning the response payload.
func (tc *testClient) login(t *testing.T, pub *rsa.PublicKey, username, password string) map[string]any {
	t.Helper()
	tc.send(map[string]any{
		"request":  "init-session",
		"username": username,
		"password": encryptPassword(t, pub, password),
	})
	m, ok := tc.recvUntil(2*time.Second, func(m map[string]any) bool {
		return m["response"] == "success" || m["response"] == "error"
	})
	if !ok {
		t.Fatal("no response to init-session")
	}
	return m
}

func TestKeyExchange(t *testing.T) {
	_, addr := startTestServer(t)
	tc := newTestClient(t, addr)
	pub := tc.obtainPublicKey(t)
	if pub.N.BitLen() == 0 {
		t.Fatal("empty public modulus")
	}
}

func TestRegisterThenLogin(t *testing.T) {
	_, addr := startTestServer(t)
	tc := newTestClient(t, addr)
	pub := tc.obtainPublicKey(t)

	reg := tc.register(t, pub, "dave", "Password")
	if reg["response"] != "success" || reg["type"] != "register-success" {
		t.Fatalf("register failed: %+v", reg)
	}

	login := tc.login(t, pub, "dave", "Password")
	if login["response"] != "success" || login["type"] != "login-success" {
		t.Fatalf("login failed: %+v", login)
	}
	session, _ := login["session"].(string)
	if session == "" {
		t.Fatal("login response missing non-empty session")
	}
	for _, field := range []string{"chunk-width", "chunk-height", "world-width", "world-height"} {
		if _, ok := login[field]; !ok {
			t.Errorf("login response missing field %q", field)
		}
	}
}

func TestDuplicateRegistration(t *testing.T) {
	_, addr := startTestServer(t)
	tc := newTestClient(t, addr)
	pub := tc.obtainPublicKey(t)

	if reg := tc.register(t, pub, "dave", "Password"); reg["response"] != "success" {
		t.Fatalf("first register failed: %+v", reg)
	}
	reg := tc.register(t, pub, "dave", "Password")
	if reg["response"] != "error" || reg["type"] != "username-in-use" {
		t.Fatalf("expected username-in-use, got %+v", reg)
	}
}

func TestLogout(t *testing.T) {
	_, addr := startTestServer(t)
	tc := newTestClient(t, addr)
	pub := tc.obtainPublicKey(t)
	tc.register(t, pub, "dave", "Password")
	login := tc.login(t, pub, "dave", "Password")
	session := login["session"].(string)

	tc.send(map[string]any{"request": "end-session", "session-id": session})
	m, ok := tc.recvUntil(2*time.Second, func(m map[string]any) bool {
		return m["response"] == "success" || m["response"] == "error"
	})
	if !ok || m["response"] != "success" || m["type"] != "logout-success" {
		t.Fatalf("expected logout-success, got %+v (ok=%v)", m, ok)
	}

	tc.send(map[string]any{"request": "ping", "session-id": session})
	m, ok = tc.recvUntil(2*time.Second, func(m map[string]any) bool {
		return m["response"] == "info"
	})
	if !ok || m["type"] != "kicked" {
		t.Fatalf("expected info/kicked after logout, got %+v (ok=%v)", m, ok)
	}
}

func TestMovementBroadcast(t *testing.T) {
	_, addr := startTestServer(t)

	tcA := newTestClient(t, addr)
	pub := tcA.obtainPublicKey(t)
	tcA.register(t, pub, "alice", "Password")
	loginA := tcA.login(t, pub, "alice", "Password")
	sessionA := loginA["session"].(string)
	idA := loginA["id"].(string)

	tcB := newTestClient(t, addr)
	tcB.register(t, pub, "bob", "Password")
	tcB.login(t, pub, "bob", "Password")

	tcA.send(map[string]any{"request": "move", "session-id": sessionA, "x": 10.0, "y": 0.0})

	_, ok := tcB.recvUntil(2*time.Second, func(m map[string]any) bool {
		return m["response"] == "position-update" && m["target"] == idA
	})
	if !ok {
		t.Fatal("bob never received a position-update for alice")
	}

	tcA.send(map[string]any{"request": "end-move", "session-id": sessionA})
}

func TestRetryThenConfirm(t *testing.T) {
	_, addr := startTestServer(t)
	tc := newTestClient(t, addr)

	tc.send(map[string]any{"request": "obtain-public"})
	first, ok := tc.recv(2 * time.Second)
	if !ok || first["response"] != "confirm-public" {
		t.Fatalf("no initial confirm-public response: %+v (ok=%v)", first, ok)
	}
	firstID := first["packet-id"]

	// Do not confirm; expect the same packet-id resent after the retry
	// interval (60ms in the test config).
	resent, ok := tc.recv(2 * time.Second)
	if !ok {
		t.Fatal("expected retransmission, got none")
	}
	if resent["packet-id"] != firstID {
		t.Fatalf("retransmitted packet-id mismatch: want %v got %v", firstID, resent["packet-id"])
	}

	tc.confirm(resent)

	// No further retransmissions should arrive.
	if _, ok := tc.recv(200 * time.Millisecond); ok {
		t.Fatal("received a retransmission after confirm")
	}
}
