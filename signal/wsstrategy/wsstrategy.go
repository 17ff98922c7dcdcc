// Package wsstrategy implements the signaling strategy backed by a meshrtc
// websocket tracker.
package wsstrategy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/meshrtc/internal/trackerproto"
	"github.com/wilsonzlin/meshrtc/signal"
)

const (
	dialTimeout  = 10 * time.Second
	writeTimeout = 5 * time.Second

	// signalBuffer absorbs inbound bursts (a large room announcing at once)
	// without blocking the read loop.
	signalBuffer = 256
)

// Strategy signals through one tracker connection. A Strategy serves a
// single room subscription; create one per room.
type Strategy struct {
	url    string
	selfID string
	logger *slog.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	announced bool
	closed    bool

	signals chan signal.Signal
	done    chan struct{}
}

// Option customizes a Strategy.
type Option func(*Strategy)

// WithLogger routes connection events to l.
func WithLogger(l *slog.Logger) Option {
	return func(s *Strategy) { s.logger = l }
}

// WithSelfID overrides the generated peer identity.
func WithSelfID(id string) Option {
	return func(s *Strategy) { s.selfID = id }
}

// New creates a strategy for the tracker at url (a ws:// or wss:// endpoint).
// The connection is established by Announce.
func New(url string, opts ...Option) *Strategy {
	s := &Strategy{
		url:     url,
		selfID:  uuid.NewString(),
		logger:  slog.Default(),
		signals: make(chan signal.Signal, signalBuffer),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Strategy) SelfID() string { return s.selfID }

// Announce dials the tracker, binds this connection to roomID, and returns
// the inbound signal stream. The stream closes when the connection ends.
func (s *Strategy) Announce(ctx context.Context, roomID string) (<-chan signal.Signal, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errors.New("wsstrategy: strategy is closed")
	}
	if s.announced {
		s.mu.Unlock()
		return nil, errors.New("wsstrategy: already announced; one strategy serves one room")
	}
	s.announced = true
	s.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("wsstrategy: dial %s: %w", s.url, err)
	}

	join := trackerproto.Message{Type: trackerproto.TypeJoin, Room: roomID, Peer: s.selfID}
	if err := s.writeTo(conn, join); err != nil {
		conn.Close()
		return nil, fmt.Errorf("wsstrategy: join: %w", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	go func() {
		defer stop()
		s.readLoop(conn)
	}()
	return s.signals, nil
}

// Send relays one signal via the tracker. An empty toPeer broadcasts to the
// room. roomID is implied by the bound connection.
func (s *Strategy) Send(ctx context.Context, roomID, toPeer string, sig signal.Signal) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return errors.New("wsstrategy: not announced")
	}

	msg := trackerproto.Message{To: toPeer}
	switch sig.Kind {
	case signal.KindAnnounce:
		msg.Type = trackerproto.TypeAnnounce
	case signal.KindOffer:
		msg.Type = trackerproto.TypeOffer
		msg.SDP = sig.SDP
	case signal.KindAnswer:
		msg.Type = trackerproto.TypeAnswer
		msg.SDP = sig.SDP
	case signal.KindCandidate:
		msg.Type = trackerproto.TypeCandidate
		if sig.Candidate != nil {
			msg.Candidate = &trackerproto.Candidate{
				Candidate:     sig.Candidate.Candidate,
				SDPMid:        sig.Candidate.SDPMid,
				SDPMLineIndex: sig.Candidate.SDPMLineIndex,
			}
		}
	case signal.KindLeave:
		msg.Type = trackerproto.TypeLeave
	default:
		return fmt.Errorf("wsstrategy: unsupported signal kind %q", sig.Kind)
	}
	return s.writeTo(conn, msg)
}

func (s *Strategy) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conn := s.conn
	s.mu.Unlock()

	close(s.done)
	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeTimeout))
		return conn.Close()
	}
	return nil
}

func (s *Strategy) writeTo(conn *websocket.Conn, msg trackerproto.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(msg)
}

func (s *Strategy) readLoop(conn *websocket.Conn) {
	defer close(s.signals)
	for {
		var msg trackerproto.Message
		// Tracker-relayed messages have From set and To stripped, so they do
		// not match the client-side Validate shape; decode without it.
		if err := conn.ReadJSON(&msg); err != nil {
			select {
			case <-s.done:
			default:
				s.logger.Warn("tracker connection lost", "err", err)
			}
			return
		}
		sig, ok := toSignal(msg)
		if !ok {
			continue
		}
		select {
		case s.signals <- sig:
		default:
			// A stalled consumer only loses discovery traffic, which the
			// announce cadence re-delivers.
			s.logger.Warn("dropping inbound signal", "kind", sig.Kind, "from", sig.FromPeer)
		}
	}
}

func toSignal(msg trackerproto.Message) (signal.Signal, bool) {
	sig := signal.Signal{FromPeer: msg.From, SDP: msg.SDP}
	switch msg.Type {
	case trackerproto.TypeAnnounce:
		sig.Kind = signal.KindAnnounce
	case trackerproto.TypeOffer:
		sig.Kind = signal.KindOffer
	case trackerproto.TypeAnswer:
		sig.Kind = signal.KindAnswer
	case trackerproto.TypeCandidate:
		sig.Kind = signal.KindCandidate
		if msg.Candidate != nil {
			sig.Candidate = &signal.Candidate{
				Candidate:     msg.Candidate.Candidate,
				SDPMid:        msg.Candidate.SDPMid,
				SDPMLineIndex: msg.Candidate.SDPMLineIndex,
			}
		}
	case trackerproto.TypeLeave:
		sig.Kind = signal.KindLeave
	default:
		return signal.Signal{}, false
	}
	return sig, true
}
