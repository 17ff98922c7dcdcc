// Package memstrategy provides an in-process signaling strategy.
//
// All strategies attached to one Bus see each other. It backs tests and
// same-process multi-room setups where no tracker is available.
package memstrategy

import (
	"context"
	"fmt"
	"sync"

	"github.com/wilsonzlin/meshrtc/signal"
)

// subscriberBuffer bounds per-subscriber queueing. Signaling volume is tiny
// (a handful of SDP/candidate messages per peer pair), so a full buffer
// indicates a stuck consumer and the signal is dropped.
const subscriberBuffer = 64

// Bus is the shared in-process signaling fabric.
type Bus struct {
	mu    sync.Mutex
	rooms map[string]map[string]chan signal.Signal
}

func NewBus() *Bus {
	return &Bus{rooms: make(map[string]map[string]chan signal.Signal)}
}

func (b *Bus) subscribe(roomID, peerID string) (chan signal.Signal, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	room, ok := b.rooms[roomID]
	if !ok {
		room = make(map[string]chan signal.Signal)
		b.rooms[roomID] = room
	}
	if _, ok := room[peerID]; ok {
		return nil, fmt.Errorf("memstrategy: peer %q already subscribed to room %q", peerID, roomID)
	}
	ch := make(chan signal.Signal, subscriberBuffer)
	room[peerID] = ch
	return ch, nil
}

func (b *Bus) unsubscribe(roomID, peerID string) {
	b.mu.Lock()
	room := b.rooms[roomID]
	ch, ok := room[peerID]
	if ok {
		delete(room, peerID)
		if len(room) == 0 {
			delete(b.rooms, roomID)
		}
	}
	targets := targetsLocked(room, peerID)
	b.mu.Unlock()

	if !ok {
		return
	}
	close(ch)
	leave := signal.Signal{Kind: signal.KindLeave, FromPeer: peerID}
	for _, t := range targets {
		deliver(t, leave)
	}
}

func (b *Bus) send(roomID, fromPeer, toPeer string, s signal.Signal) error {
	s.FromPeer = fromPeer

	b.mu.Lock()
	room := b.rooms[roomID]
	var targets []chan signal.Signal
	if toPeer == "" {
		targets = targetsLocked(room, fromPeer)
	} else if ch, ok := room[toPeer]; ok {
		targets = []chan signal.Signal{ch}
	}
	b.mu.Unlock()

	// An absent target is a departure race, not an error.
	for _, ch := range targets {
		deliver(ch, s)
	}
	return nil
}

func targetsLocked(room map[string]chan signal.Signal, except string) []chan signal.Signal {
	targets := make([]chan signal.Signal, 0, len(room))
	for id, ch := range room {
		if id != except {
			targets = append(targets, ch)
		}
	}
	return targets
}

func deliver(ch chan signal.Signal, s signal.Signal) {
	defer func() {
		// Subscriber channel may be closed concurrently by unsubscribe.
		_ = recover()
	}()
	select {
	case ch <- s:
	default:
	}
}

// Strategy is one endpoint attached to a Bus. It implements signal.Strategy.
type Strategy struct {
	bus    *Bus
	selfID string

	mu     sync.Mutex
	rooms  map[string]struct{}
	closed bool
}

func New(bus *Bus, selfID string) *Strategy {
	return &Strategy{bus: bus, selfID: selfID, rooms: make(map[string]struct{})}
}

func (s *Strategy) SelfID() string { return s.selfID }

func (s *Strategy) Announce(ctx context.Context, roomID string) (<-chan signal.Signal, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("memstrategy: strategy closed")
	}
	s.rooms[roomID] = struct{}{}
	s.mu.Unlock()

	ch, err := s.bus.subscribe(roomID, s.selfID)
	if err != nil {
		return nil, err
	}
	context.AfterFunc(ctx, func() {
		s.bus.unsubscribe(roomID, s.selfID)
	})
	return ch, nil
}

func (s *Strategy) Send(ctx context.Context, roomID, toPeer string, sig signal.Signal) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("memstrategy: strategy closed")
	}
	s.mu.Unlock()
	return s.bus.send(roomID, s.selfID, toPeer, sig)
}

func (s *Strategy) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	rooms := make([]string, 0, len(s.rooms))
	for r := range s.rooms {
		rooms = append(rooms, r)
	}
	s.mu.Unlock()

	for _, r := range rooms {
		s.bus.unsubscribe(r, s.selfID)
	}
	return nil
}
