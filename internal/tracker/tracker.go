// Package tracker implements the websocket signaling relay peers use to
// discover each other and exchange session descriptions.
//
// The tracker holds no room state beyond live connections: it routes
// messages between members of a room and broadcasts departures. It never
// inspects SDP or payload content.
package tracker

import (
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/meshrtc/internal/ratelimit"
	"github.com/wilsonzlin/meshrtc/internal/stats"
	"github.com/wilsonzlin/meshrtc/internal/trackerproto"
)

const wsWriteWait = 1 * time.Second

// Stat counter names.
const (
	StatConnections     = "connections"
	StatJoins           = "joins"
	StatRelayedDirect   = "relayed_direct"
	StatRelayedRoomWide = "relayed_roomwide"
	StatDropRateLimited = "drop_rate_limited"
	StatDropBadMessage  = "drop_bad_message"
	StatDropNoTarget    = "drop_no_target"
)

// Config bounds what a single connection may do.
type Config struct {
	// JoinTimeout is how long a fresh connection may wait before sending its
	// join message.
	JoinTimeout time.Duration
	// IdleTimeout closes connections with no inbound traffic (pongs count).
	IdleTimeout time.Duration
	// PingInterval is the keepalive cadence; it must undercut IdleTimeout.
	PingInterval time.Duration
	// MaxMessageBytes caps one signaling message.
	MaxMessageBytes int64
	// MessagesPerSecond caps the per-connection signaling rate.
	MessagesPerSecond int64
	// MaxPeersPerRoom rejects joins beyond this room population. Zero means
	// unlimited.
	MaxPeersPerRoom int

	Clock  ratelimit.Clock
	Logger *slog.Logger
	Stats  *stats.Counters
}

func (c Config) WithDefaults() Config {
	if c.JoinTimeout == 0 {
		c.JoinTimeout = 10 * time.Second
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 60 * time.Second
	}
	if c.PingInterval == 0 {
		c.PingInterval = 20 * time.Second
	}
	if c.MaxMessageBytes == 0 {
		c.MaxMessageBytes = 64 * 1024
	}
	if c.MessagesPerSecond == 0 {
		c.MessagesPerSecond = 10
	}
	if c.Clock == nil {
		c.Clock = ratelimit.RealClock{}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Stats == nil {
		c.Stats = stats.New()
	}
	return c
}

// Server is the websocket tracker. It implements http.Handler for the /ws
// endpoint.
type Server struct {
	cfg      Config
	upgrader websocket.Upgrader

	mu    sync.Mutex
	rooms map[string]map[string]*client
}

type client struct {
	conn *websocket.Conn
	room string
	peer string

	// writeMu serializes writes; gorilla connections allow one writer.
	writeMu sync.Mutex
}

func New(cfg Config) *Server {
	return &Server{
		cfg: cfg.WithDefaults(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		rooms: make(map[string]map[string]*client),
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	s.cfg.Stats.Inc(StatConnections)

	conn.SetReadLimit(s.cfg.MaxMessageBytes)
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
	})

	c, err := s.awaitJoin(conn)
	if err != nil {
		return
	}
	defer s.unregister(c)

	s.cfg.Logger.Info("peer joined", "room", c.room, "peer", c.peer)

	stopPing := s.startPinger(c)
	defer stopPing()

	limiter := ratelimit.NewBucket(s.cfg.Clock, s.cfg.MessagesPerSecond, s.cfg.MessagesPerSecond)

	for {
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			s.closeWith(c, websocket.CloseUnsupportedData, "expected text message")
			return
		}
		if !limiter.Allow(1) {
			s.cfg.Stats.Inc(StatDropRateLimited)
			s.closeWith(c, websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}

		msg, err := trackerproto.Parse(data)
		if err != nil {
			s.cfg.Stats.Inc(StatDropBadMessage)
			s.sendError(c, "bad_message", err.Error())
			s.closeWith(c, websocket.ClosePolicyViolation, "invalid message")
			return
		}

		switch msg.Type {
		case trackerproto.TypeJoin:
			s.sendError(c, "already_joined", "connection is already bound to a room")
			s.closeWith(c, websocket.ClosePolicyViolation, "duplicate join")
			return
		case trackerproto.TypeLeave:
			// Explicit leave; the deferred unregister broadcasts it.
			return
		case trackerproto.TypeError:
			// Clients have no business sending errors; drop silently.
		default:
			s.relay(c, msg)
		}
	}
}

// awaitJoin reads the mandatory first message and registers the connection
// in its room.
func (s *Server) awaitJoin(conn *websocket.Conn) (*client, error) {
	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.JoinTimeout))
	msgType, data, err := conn.ReadMessage()
	if err != nil {
		if isTimeout(err) {
			writeClose(conn, websocket.ClosePolicyViolation, "join timeout")
		}
		return nil, err
	}
	if msgType != websocket.TextMessage {
		writeClose(conn, websocket.CloseUnsupportedData, "expected text message")
		return nil, errors.New("non-text join")
	}

	msg, err := trackerproto.Parse(data)
	if err != nil || msg.Type != trackerproto.TypeJoin {
		writeClose(conn, websocket.ClosePolicyViolation, "first message must be join")
		return nil, errors.New("missing join")
	}

	c := &client{conn: conn, room: msg.Room, peer: msg.Peer}

	s.mu.Lock()
	room := s.rooms[c.room]
	if room == nil {
		room = make(map[string]*client)
		s.rooms[c.room] = room
	}
	if _, taken := room[c.peer]; taken {
		s.mu.Unlock()
		writeClose(conn, websocket.ClosePolicyViolation, "peer id already in room")
		return nil, errors.New("duplicate peer id")
	}
	if s.cfg.MaxPeersPerRoom > 0 && len(room) >= s.cfg.MaxPeersPerRoom {
		s.mu.Unlock()
		writeClose(conn, websocket.ClosePolicyViolation, "room is full")
		return nil, errors.New("room full")
	}
	room[c.peer] = c
	s.mu.Unlock()

	s.cfg.Stats.Inc(StatJoins)
	return c, nil
}

// unregister removes the connection from its room and broadcasts the
// departure to remaining members.
func (s *Server) unregister(c *client) {
	s.mu.Lock()
	room := s.rooms[c.room]
	if room == nil || room[c.peer] != c {
		s.mu.Unlock()
		return
	}
	delete(room, c.peer)
	if len(room) == 0 {
		delete(s.rooms, c.room)
	}
	rest := make([]*client, 0, len(room))
	for _, member := range room {
		rest = append(rest, member)
	}
	s.mu.Unlock()

	s.cfg.Logger.Info("peer left", "room", c.room, "peer", c.peer)
	leave := trackerproto.Message{Type: trackerproto.TypeLeave, From: c.peer}
	for _, member := range rest {
		_ = member.send(leave)
	}
}

// relay forwards a message to its target, or to every other room member
// when untargeted. From is always rewritten to the sender's bound identity.
func (s *Server) relay(c *client, msg trackerproto.Message) {
	msg.From = c.peer
	msg.Room = ""
	msg.Peer = ""

	s.mu.Lock()
	room := s.rooms[c.room]
	var targets []*client
	if msg.To == "" {
		targets = make([]*client, 0, len(room))
		for id, member := range room {
			if id != c.peer {
				targets = append(targets, member)
			}
		}
	} else if target, ok := room[msg.To]; ok {
		targets = []*client{target}
	}
	s.mu.Unlock()

	if msg.To != "" && len(targets) == 0 {
		// Departure races are routine; the sender learns via leave.
		s.cfg.Stats.Inc(StatDropNoTarget)
		return
	}
	msg.To = ""

	for _, target := range targets {
		if err := target.send(msg); err != nil {
			s.cfg.Logger.Debug("relay write failed", "room", c.room, "to", target.peer, "err", err)
		}
	}
	if len(targets) == 1 && msg.Type != trackerproto.TypeAnnounce {
		s.cfg.Stats.Inc(StatRelayedDirect)
	} else {
		s.cfg.Stats.Inc(StatRelayedRoomWide)
	}
}

func (s *Server) sendError(c *client, code, message string) {
	_ = c.send(trackerproto.Message{Type: trackerproto.TypeError, Code: code, Message: message})
}

func (s *Server) closeWith(c *client, code int, reason string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}

// startPinger keeps the connection alive past proxies and detects dead
// peers; pongs refresh the idle deadline via the read loop.
func (s *Server) startPinger(c *client) (stop func()) {
	done := make(chan struct{})
	go func() {
		t := time.NewTicker(s.cfg.PingInterval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				c.writeMu.Lock()
				err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
				c.writeMu.Unlock()
				if err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()
	return func() { close(done) }
}

func (c *client) send(msg trackerproto.Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteJSON(msg)
}

func writeClose(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
