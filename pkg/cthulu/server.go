package cthulu

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mgrant26/clubcthulu/db/credsdb"
	"github.com/mgrant26/clubcthulu/pkg/registry"
	"github.com/mgrant26/clubcthulu/pkg/relay"
	"github.com/mgrant26/clubcthulu/pkg/vecmath"
	"github.com/mgrant26/clubcthulu/pkg/world"
	"github.com/mgrant26/clubcthulu/pkg/wsbridge"
)

// requestFunc handles one decoded request, returning whether it was
// processed successfully (matching the original handlers' bool returns).
type requestFunc func(data map[string]any, addr netip.AddrPort) bool

// Server is the UDP (and optional WebSocket/HTTP) request dispatcher tying
// the relay, registry, world, and credentials store together. Grounded on
// server.py's ServerThread.
type Server struct {
	cfg Config
	log zerolog.Logger

	conn  *net.UDPConn
	relay *relay.Relay
	reg   *registry.Registry
	world *world.World
	creds *credsdb.DB
	keys  *keyPair

	ws       *wsbridge.Bridge
	httpSrv  *http.Server

	requests         map[string]requestFunc
	commandProcessor *CommandProcessor
	consoleClient    *registry.Client

	running chan struct{}
	done    chan struct{}

	metrics struct {
		requests *metrics.Counter
		errors   *metrics.Counter
	}
}

// NewServer constructs a Server from cfg but does not yet bind any sockets;
// call Run to start it.
func NewServer(cfg Config, log zerolog.Logger) (*Server, error) {
	creds, err := credsdb.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open credentials db: %w", err)
	}
	if err := creds.MigrateToLatest(context.Background()); err != nil {
		creds.Close()
		return nil, fmt.Errorf("migrate credentials db: %w", err)
	}

	keys, err := newKeyPair()
	if err != nil {
		creds.Close()
		return nil, err
	}

	s := &Server{
		cfg:           cfg,
		log:           log,
		creds:         creds,
		keys:          keys,
		consoleClient: registry.NewClient(uuid.Must(uuid.Parse("00000000-0000-0000-0000-000000000001")), "SERVER", 99),
		running:       make(chan struct{}),
		done:          make(chan struct{}),
	}
	s.metrics.requests = metrics.GetOrCreateCounter(`clubcthulu_requests_total`)
	s.metrics.errors = metrics.GetOrCreateCounter(`clubcthulu_request_errors_total`)
	s.setupCommands()
	return s, nil
}

// Run binds the UDP socket (and, if configured, the HTTP listener), starts
// the registry/world/relay subsystems, and serves until ctx is canceled or
// Close is called. Grounded on ServerThread.run.
func (s *Server) Run(ctx context.Context) error {
	defer close(s.done)
	conn, err := net.ListenUDP("udp", net.UDPAddrFromAddrPort(s.cfg.Addr))
	if err != nil {
		return fmt.Errorf("listen udp: %w", err)
	}
	s.conn = conn

	// Only hand the relay a non-nil interface when the bridge exists; a nil
	// *wsbridge.Bridge wrapped in relay.WSClients would not compare equal to nil.
	var wsClients relay.WSClients
	if s.cfg.EnableWebSocket {
		s.ws = wsbridge.New(s.log.With().Str("component", "wsbridge").Logger(), s)
		wsClients = s.ws
	}

	s.relay = relay.New(s.log.With().Str("component", "relay").Logger(), conn, wsClients, relay.Config{
		Retries:       s.cfg.Relay.Retries,
		RetryInterval: s.cfg.Relay.RetryInterval,
	})
	s.world = world.New(s.log.With().Str("component", "world").Logger(), s.relay, world.Config{
		Width:       s.cfg.World.Width,
		Height:      s.cfg.World.Height,
		ChunkWidth:  s.cfg.World.ChunkWidth,
		ChunkHeight: s.cfg.World.ChunkHeight,
		TPS:         s.cfg.World.TPS,
	})
	s.reg = registry.New(s.log.With().Str("component", "registry").Logger(), s.world, s.relay, s.kickClient, registry.Config{
		DCTime:        s.cfg.Reg.DCTime,
		SweepInterval: s.cfg.Reg.SweepInterval,
	})
	s.initRequests()

	if s.cfg.HTTPAddr != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
			metrics.WritePrometheus(w, true)
		})
		if s.ws != nil {
			mux.HandleFunc("/ws", s.ws.ServeHTTP)
		}
		s.httpSrv = &http.Server{Addr: s.cfg.HTTPAddr, Handler: mux}
		go func() {
			if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				s.log.Err(err).Msg("http server failed")
			}
		}()
	}

	go s.consoleLoop()

	go func() {
		<-ctx.Done()
		s.Close()
	}()

	s.log.Info().Stringer("addr", addrStringer{s.cfg.Addr}).Msg("starting cthulu server")

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 1024)
	for {
		select {
		case <-s.running:
			s.shutdown()
			return nil
		default:
		}

		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		n, addr, err := conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-s.running:
				s.shutdown()
				return nil
			default:
				s.log.Err(err).Msg("udp read failed")
				continue
			}
		}
		if n == 0 {
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		s.HandleDatagram(data, addr)
	}
}

type addrStringer struct{ addr netip.AddrPort }

func (a addrStringer) String() string { return a.addr.String() }

// Close signals the server to stop and waits for Run to return.
func (s *Server) Close() {
	select {
	case <-s.running:
	default:
		close(s.running)
		// unblock the recv loop, matching close_server's loopback datagram.
		if s.conn != nil {
			conn, err := net.DialUDP("udp", nil, net.UDPAddrFromAddrPort(s.cfg.Addr))
			if err == nil {
				conn.Write([]byte(`{"request":"confirm"}`))
				conn.Close()
			}
		}
	}
	if s.conn != nil {
		<-s.done
	}
}

func (s *Server) shutdown() {
	s.log.Info().Msg("stopping server")
	if s.httpSrv != nil {
		s.httpSrv.Shutdown(context.Background())
	}
	s.reg.Stop()
	s.world.Stop()
	s.relay.Stop()
	s.conn.Close()
	s.creds.Close()
}

// HandleDatagram decodes one request payload (from UDP or the WebSocket
// bridge) and dispatches it, matching ServerThread.decode_json.
func (s *Server) HandleDatagram(data []byte, addr netip.AddrPort) {
	defer func() {
		if r := recover(); r != nil {
			s.metrics.errors.Inc()
			s.log.Error().Interface("panic", r).Msg("request handler panicked")
			s.sendError(addr, "internal-error", "An internal error occurred.")
		}
	}()

	var dat map[string]any
	if err := json.Unmarshal(data, &dat); err != nil {
		s.metrics.errors.Inc()
		s.sendError(addr, "malformed-data", "Supplied data was invalid.")
		return
	}

	request, _ := dat["request"].(string)
	if request == "" {
		s.metrics.errors.Inc()
		s.sendError(addr, "invalid-request", "Request type is missing.")
		return
	}

	if sid, ok := dat["session-id"]; ok {
		session, _ := sid.(string)
		if !s.reg.Touch(session) {
			s.relay.Send(addr, map[string]any{
				"response": "info",
				"type":     "kicked",
				"message":  "You were not connected to the server.",
			}, relay.DefaultRetries)
			return
		}
	}

	fn, ok := s.requests[request]
	if !ok {
		s.metrics.errors.Inc()
		s.sendError(addr, "invalid-request", fmt.Sprintf("%s is not a valid request type.", request))
		return
	}
	s.metrics.requests.Inc()
	fn(dat, addr)
}

func (s *Server) initRequests() {
	s.requests = map[string]requestFunc{
		"init-session": s.handleInitSession,
		"register":     s.handleRegister,
		"end-session":  s.handleEndSession,
		"message":      s.handleMessage,
		"move":         s.handleMove,
		"end-move":     s.handleEndMove,
		"update":       s.handleUpdate,
		"confirm":      s.handleConfirm,
		"ping":         s.handlePing,
		"obtain-public": s.handleObtainPublic,
	}
}

func (s *Server) sendError(addr netip.AddrPort, kind, message string) {
	s.relay.Send(addr, map[string]any{
		"response": "error",
		"type":     kind,
		"message":  message,
	}, relay.DefaultRetries)
}

func (s *Server) sendSuccess(addr netip.AddrPort, kind, message string) {
	s.relay.Send(addr, map[string]any{
		"response": "success",
		"type":     kind,
		"message":  message,
	}, relay.DefaultRetries)
}

func (s *Server) kickClient(addr netip.AddrPort, message string) {
	s.relay.Send(addr, map[string]any{
		"response": "info",
		"type":     "kicked",
		"message":  message,
	}, relay.DefaultRetries)
}

func dataString(data map[string]any, key string) (string, bool) {
	v, ok := data[key].(string)
	return v, ok
}

func dataFloat(data map[string]any, key string) (float64, bool) {
	switch v := data[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	default:
		return 0, false
	}
}

func (s *Server) handleObtainPublic(_ map[string]any, addr netip.AddrPort) bool {
	s.relay.Send(addr, map[string]any{
		"response":   "confirm-public",
		"public-key": s.keys.publicPEM,
	}, relay.DefaultRetries)
	return true
}

func (s *Server) handlePing(_ map[string]any, _ netip.AddrPort) bool {
	return false
}

func (s *Server) handleConfirm(data map[string]any, addr netip.AddrPort) bool {
	raw, ok := dataString(data, "packet-id")
	if !ok {
		s.sendError(addr, "invalid-packet-id", "Supplied packet id was invalid or missing.")
		return false
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		s.sendError(addr, "invalid-packet-id", "Supplied packet id was invalid or missing.")
		return false
	}
	s.relay.Confirm(id)
	return true
}

func (s *Server) handleRegister(data map[string]any, addr netip.AddrPort) bool {
	username, ok1 := dataString(data, "username")
	password, ok2 := dataString(data, "password")
	if !ok1 || !ok2 {
		s.sendError(addr, "missing-data", "Required data is missing.")
		return false
	}
	if strings.TrimSpace(username) == "" {
		s.sendError(addr, "username-is-empty", fmt.Sprintf("%s cannot be blank.", username))
		return false
	}

	exists, err := s.creds.UsernameExists(username)
	if err != nil {
		s.log.Err(err).Msg("check username existence failed")
		s.sendError(addr, "data-error", "An error occurred")
		return false
	}
	if exists {
		s.sendError(addr, "username-in-use", fmt.Sprintf("%s is already in use.", username))
		return false
	}

	plaintext, err := s.keys.decryptPassword(password)
	if err != nil {
		s.sendError(addr, "failed-decrypt", "Failed to decrypt password: Try reconnecting.")
		return false
	}
	if strings.TrimSpace(string(plaintext)) == "" {
		s.sendError(addr, "password-is-empty", "Password cannot be blank.")
		return false
	}

	hashed, err := hashPassword(plaintext)
	if err != nil {
		s.log.Err(err).Msg("hash password failed")
		s.sendError(addr, "data-error", "An error occurred")
		return false
	}

	id := uuid.New()
	if err := s.creds.CreateUser(context.Background(), id, username, hashed); err != nil {
		s.log.Err(err).Msg("create user failed")
		s.sendError(addr, "data-error", "An error occurred")
		return false
	}

	s.sendSuccess(addr, "register-success", fmt.Sprintf("User %s was created successfully!", username))
	return true
}

func (s *Server) handleInitSession(data map[string]any, addr netip.AddrPort) bool {
	username, ok1 := dataString(data, "username")
	password, ok2 := dataString(data, "password")
	if !ok1 || !ok2 {
		s.sendError(addr, "missing-data", "Required data is missing.")
		return false
	}

	user, err := s.creds.GetUserByName(username)
	if err != nil {
		s.log.Err(err).Msg("lookup user failed")
		s.sendError(addr, "data-error", "An error occurred")
		return false
	}
	if user == nil {
		s.sendError(addr, "invalid-info", "Username was invalid.")
		return false
	}

	plaintext, err := s.keys.decryptPassword(password)
	if err != nil {
		s.sendError(addr, "failed-decrypt", "Failed to decrypt password: Try reconnecting.")
		return false
	}
	if !checkPassword(user.HashedPassword, plaintext) {
		s.sendError(addr, "invalid-info", "Password was invalid.")
		return false
	}

	priv, err := s.creds.GetPrivilegeLevel(context.Background(), user.ID)
	if err != nil {
		s.log.Err(err).Msg("get privilege level failed")
		s.sendError(addr, "data-error", "An error occurred")
		return false
	}

	var client *registry.Client
	if existing := s.reg.GetByName(user.Name); existing != nil {
		if existing.Addr().Addr() != addr.Addr() {
			s.sendError(addr, "already-connected", "User is already logged in.")
			return false
		}
		// Same host reconnecting: refresh the address on the existing
		// client and reuse its session, rather than trying (and failing)
		// to register a second client under the same name.
		existing.SetAddr(addr)
		existing.Touch()
		client = existing
	} else {
		client = registry.NewClient(user.ID, user.Name, priv)
		client.SetAddr(addr)
		if !s.reg.Add(client) {
			// lost a race against another login for the same name.
			s.sendError(addr, "already-connected", "User is already logged in.")
			return false
		}
	}

	s.relay.Send(addr, map[string]any{
		"response":     "success",
		"type":         "login-success",
		"session":      client.Session(),
		"name":         client.Name(),
		"id":           client.ID().String(),
		"chunk-width":  s.cfg.World.ChunkWidth,
		"chunk-height": s.cfg.World.ChunkHeight,
		"world-width":  s.cfg.World.Width,
		"world-height": s.cfg.World.Height,
	}, relay.DefaultRetries)
	return true
}

func (s *Server) handleEndSession(data map[string]any, addr netip.AddrPort) bool {
	session, ok := dataString(data, "session-id")
	if !ok {
		s.sendError(addr, "missing-data", "Required data is missing")
		return false
	}
	if s.reg.GetBySession(session) == nil {
		s.sendError(addr, "user-not-connected", "Could not log out: User isn't connected.")
		return false
	}
	s.reg.RemoveBySession(session)
	s.sendSuccess(addr, "logout-success", "Successfully ended session")
	return true
}

func (s *Server) handleMessage(data map[string]any, addr netip.AddrPort) bool {
	session, ok1 := dataString(data, "session-id")
	message, ok2 := dataString(data, "message")
	if !ok1 || !ok2 {
		s.sendError(addr, "missing-data", "Required data is missing")
		return false
	}
	if strings.TrimSpace(message) == "" {
		return false
	}

	client := s.reg.GetBySession(session)
	if client == nil {
		s.sendError(addr, "incorrect-data", "Important data is incorrect")
		return false
	}

	if err := s.creds.SaveMessage(context.Background(), uuid.New(), client.ID(), message, time.Now()); err != nil {
		s.log.Err(err).Msg("save message failed")
		s.sendError(addr, "data-error", "An error occurred")
		return false
	}

	s.reg.Broadcast(map[string]any{
		"response": "message",
		"origin":   client.ID().String(),
		"message":  message,
	}, relay.DefaultRetries)
	return true
}

func (s *Server) handleMove(data map[string]any, addr netip.AddrPort) bool {
	session, ok := dataString(data, "session-id")
	if !ok {
		s.sendError(addr, "missing-data", "Required data is missing")
		return false
	}
	x, okX := dataFloat(data, "x")
	y, okY := dataFloat(data, "y")
	if !okX || !okY {
		s.sendError(addr, "missing-data", "Required data is missing")
		return false
	}
	client := s.reg.GetBySession(session)
	if client == nil {
		s.sendError(addr, "incorrect-data", "Important data is incorrect")
		return false
	}
	client.SetVel(vecmath.Vector{x, y})
	return true
}

func (s *Server) handleEndMove(data map[string]any, addr netip.AddrPort) bool {
	session, ok := dataString(data, "session-id")
	if !ok {
		s.sendError(addr, "missing-data", "Required data is missing")
		return false
	}
	client := s.reg.GetBySession(session)
	if client == nil {
		s.sendError(addr, "incorrect-data", "Important data is incorrect")
		return false
	}
	client.SetVel(vecmath.Vector{0, 0})
	return true
}

func (s *Server) handleUpdate(data map[string]any, addr netip.AddrPort) bool {
	session, ok := dataString(data, "session-id")
	if !ok {
		s.sendError(addr, "missing-data", "Required data is missing")
		return false
	}
	client := s.reg.GetBySession(session)
	if client == nil {
		s.sendError(addr, "incorrect-data", "Important data is incorrect")
		return false
	}
	s.world.FullUpdate(client)
	return true
}

// consoleLoop reads commands from stdin, matching InputThread, but only
// when stdin looks interactive (a pipe/redirect with no TTY is left alone,
// same as the original's os.isatty check).
func (s *Server) consoleLoop() {
	fi, err := os.Stdin.Stat()
	if err != nil || (fi.Mode()&os.ModeCharDevice) == 0 {
		return
	}
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		select {
		case <-s.running:
			return
		default:
		}
		line := scanner.Text()
		ok, err := s.commandProcessor.ParseCommand(line, s.consoleClient, s)
		if err != nil {
			fmt.Println(err)
			continue
		}
		if !ok {
			fmt.Println("Invalid Command. type `commands` for a list of commands.")
		}
	}
}

func (s *Server) setupCommands() {
	s.commandProcessor = NewCommandProcessor([]Command{
		{Name: "commands", Run: func(args []string, executor *registry.Client, s *Server) {
			fmt.Println("-=COMMANDS=-")
			for name, c := range s.commandProcessor.Commands() {
				fmt.Printf("%s %s\n", name, paramHints(c.Params))
			}
		}},
		{Name: "end", PrivilegeReq: 99, Run: func(args []string, executor *registry.Client, s *Server) {
			fmt.Println("Stopping server")
			s.Close()
		}},
		{Name: "printqueue", PrivilegeReq: 99, Run: func(args []string, executor *registry.Client, s *Server) {
			for id, payload := range s.relay.Pending() {
				fmt.Printf("%s: %s\n", id, payload)
			}
		}},
		{Name: "listplayers", Run: func(args []string, executor *registry.Client, s *Server) {
			for name, id := range s.reg.List() {
				fmt.Printf("%s (%s)\n", name, id)
			}
		}},
		{Name: "kick", Params: []string{"name"}, PrivilegeReq: 10, Run: func(args []string, executor *registry.Client, s *Server) {
			if len(args) < 1 {
				fmt.Println("Not enough arguments")
				return
			}
			client := s.reg.GetByName(args[0])
			if client == nil {
				fmt.Printf("%s is not logged in.\n", args[0])
				return
			}
			s.reg.Kick(client, fmt.Sprintf("Kicked by %s", executor.Name()))
		}},
	}, map[string]string{
		"list":   "listplayers",
		"lp":     "listplayers",
		"online": "listplayers",
		"stop":   "end",
		"die":    "end",
		"q":      "end",
		"quit":   "end",
	})
}

func paramHints(params []string) string {
	var out string
	for _, p := range params {
		out += "<" + p + "> "
	}
	return out
}
