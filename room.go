package meshrtc

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/meshrtc/internal/chunk"
	"github.com/wilsonzlin/meshrtc/internal/cryptobox"
	"github.com/wilsonzlin/meshrtc/internal/stats"
	"github.com/wilsonzlin/meshrtc/signal"
)

// DefaultMaxFrameBytes is the default transport frame budget per chunk.
// 16 KiB is safely below the message sizes every mainstream SCTP data
// channel implementation accepts without fragmentation pathologies.
const DefaultMaxFrameBytes = 16384

// Reserved action types used by the built-in RTT probe. MakeAction rejects
// names starting with '@' so application actions can never collide.
const (
	actionPing = "@ping"
	actionPong = "@pong"
)

// Stat counter names.
const (
	statMessagesSent     = "messages_sent"
	statFramesSent       = "frames_sent"
	statMessagesReceived = "messages_received"
	statFramesReceived   = "frames_received"
	statDropsMalformed   = "drops_malformed"
	statDropsDecrypt     = "drops_decrypt"
	statDropsUnknownPeer = "drops_unknown_peer"
	statPeersJoined      = "peers_joined"
	statPeersLeft        = "peers_left"
)

// Config describes one room membership.
type Config struct {
	// AppID namespaces rooms (and derived keys) per application.
	AppID string
	// RoomID identifies the room within the application namespace.
	RoomID string
	// Password, when non-empty, enables end-to-end payload encryption with
	// a key derived from (Password, AppID, RoomID).
	Password string

	// Strategy is the signaling backend used to discover and connect peers.
	Strategy signal.Strategy
	// Tunables controls discovery cadence; zero fields take defaults.
	Tunables signal.Tunables

	// RTCConfig is passed to new PeerConnections (ICE servers etc.).
	RTCConfig webrtc.Configuration
	// API optionally overrides the pion API (custom SettingEngine, vnet).
	// When nil a default API with slog-bridged pion logging is used.
	API *webrtc.API

	// MaxFrameBytes caps one data-channel message; payload bytes per chunk
	// are MaxFrameBytes minus the 15-byte header. Defaults to
	// DefaultMaxFrameBytes.
	MaxFrameBytes int

	Logger *slog.Logger
}

// Room owns the peer set and action registry for one mesh session.
//
// All room state is guarded by one mutex: handler runs are atomic with
// respect to room state, and callbacks (receivers, join/leave) are always
// invoked outside the lock so they may call back into the room.
type Room struct {
	appID    string
	roomID   string
	topic    string
	selfID   string
	key      cryptobox.Key
	maxFrame int
	logger   *slog.Logger
	stats    *stats.Counters

	mu      sync.Mutex
	peers   map[string]*roomPeer
	actions map[string]*registeredAction
	nonces  map[nonceKey]uint8
	onJoin  func(peerID string)
	onLeave func(peerID string)
	pings   map[string]chan struct{}
	closed  bool

	conn *connector // nil for rooms driven directly by tests
}

type roomPeer struct {
	peer  *Peer
	reasm *chunk.Reassembler
}

type nonceKey struct {
	peerID     string
	actionType string
}

// JoinRoom joins (or creates) a room via the configured signaling strategy
// and starts connecting to announced peers. Leave the room to release all
// peers and the signaling subscription.
func JoinRoom(ctx context.Context, cfg Config) (*Room, error) {
	if cfg.AppID == "" || cfg.RoomID == "" {
		return nil, fmt.Errorf("meshrtc: app id and room id must not be empty")
	}
	if cfg.Strategy == nil {
		return nil, fmt.Errorf("meshrtc: a signaling strategy is required")
	}
	tun := cfg.Tunables.WithDefaults()
	if err := tun.Validate(); err != nil {
		return nil, err
	}

	r, err := newRoom(cfg)
	if err != nil {
		return nil, err
	}

	api := cfg.API
	if api == nil {
		api = defaultAPI()
	}
	r.conn = newConnector(r, cfg.Strategy, tun, api, cfg.RTCConfig)
	if err := r.conn.start(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

// newRoom builds the protocol engine without a connector. The signaling and
// transport layers (or a test harness) feed it peers and raw frames.
func newRoom(cfg Config) (*Room, error) {
	maxFrame := cfg.MaxFrameBytes
	if maxFrame == 0 {
		maxFrame = DefaultMaxFrameBytes
	}
	if maxFrame <= chunk.HeaderLen {
		return nil, fmt.Errorf("meshrtc: max frame bytes must exceed the %d-byte header", chunk.HeaderLen)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	selfID := uuid.NewString()
	if cfg.Strategy != nil {
		selfID = cfg.Strategy.SelfID()
	}

	r := &Room{
		appID:    cfg.AppID,
		roomID:   cfg.RoomID,
		topic:    roomTopic(cfg.AppID, cfg.RoomID),
		selfID:   selfID,
		maxFrame: maxFrame,
		logger:   logger.With("room", cfg.RoomID),
		stats:    stats.New(),
		peers:    make(map[string]*roomPeer),
		actions:  make(map[string]*registeredAction),
		nonces:   make(map[nonceKey]uint8),
		pings:    make(map[string]chan struct{}),
	}
	if cfg.Password != "" {
		key, err := cryptobox.DeriveKey(cfg.Password, cfg.AppID, cfg.RoomID)
		if err != nil {
			return nil, err
		}
		r.key = key
	}
	r.registerPingActions()
	return r, nil
}

// roomTopic derives the identifier used on signaling backends. Peers
// subscribe and announce under a digest rather than the raw room name, so a
// shared tracker never learns plaintext room identifiers.
func roomTopic(appID, roomID string) string {
	digest, err := cryptobox.NewHasher().Sum(cryptobox.SHA1, []byte(appID+"@"+roomID))
	if err != nil {
		panic(err)
	}
	return hex.EncodeToString(digest)
}

// SelfID returns this endpoint's peer identity as seen by remote peers.
func (r *Room) SelfID() string { return r.selfID }

// Peers returns the IDs of currently connected peers.
func (r *Room) Peers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.peers))
	for id := range r.peers {
		ids = append(ids, id)
	}
	return ids
}

// Stats exposes the room's internal event counters.
func (r *Room) Stats() *stats.Counters { return r.stats }

// OnPeerJoin sets the callback invoked when a peer's data channel opens.
// Invoked at most once per peer per join.
func (r *Room) OnPeerJoin(fn func(peerID string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onJoin = fn
}

// OnPeerLeave sets the callback invoked when a peer disconnects or the
// room is left. Invoked at most once per peer per departure.
func (r *Room) OnPeerLeave(fn func(peerID string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onLeave = fn
}

// MakeAction registers an action type and returns its handle. The type must
// encode to 1-12 bytes and be unique within the room.
func (r *Room) MakeAction(actionType string) (*Action, error) {
	if err := chunk.ValidateActionType(actionType); err != nil {
		return nil, err
	}
	if actionType[0] == '@' {
		return nil, fmt.Errorf("meshrtc: action type %q: the '@' prefix is reserved", actionType)
	}
	return r.makeAction(actionType)
}

func (r *Room) makeAction(actionType string) (*Action, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrRoomClosed
	}
	if _, ok := r.actions[actionType]; ok {
		return nil, fmt.Errorf("%w: %q", ErrActionRegistered, actionType)
	}
	r.actions[actionType] = &registeredAction{}
	return &Action{room: r, name: actionType}, nil
}

func (r *Room) nextNonceLocked(peerID, actionType string) uint8 {
	k := nonceKey{peerID: peerID, actionType: actionType}
	n := r.nonces[k]
	// Wraps at 256: at most 256 concurrent in-flight messages per
	// (peer, action) pair are distinguishable.
	r.nonces[k] = n + 1
	return n
}

// HandleData routes one raw data-channel frame received from peerID.
//
// Frames for unknown peers are dropped silently: a peer that disconnected
// mid-transmission is expected churn, not an error. Malformed or
// undecryptable frames are dropped with a log line; the sender is not
// notified.
func (r *Room) HandleData(peerID string, frame []byte) {
	h, payload, err := chunk.ParseHeader(frame)
	if err != nil {
		r.stats.Inc(statDropsMalformed)
		r.logger.Debug("dropping malformed frame", "peer", peerID, "err", err)
		return
	}

	r.mu.Lock()
	rp, ok := r.peers[peerID]
	if !ok || r.closed {
		r.mu.Unlock()
		r.stats.Inc(statDropsUnknownPeer)
		return
	}
	body, complete := rp.reasm.Add(h, payload)
	reg := r.actions[h.ActionType]
	var progressFns []ProgressFunc
	var receivers []ReceiverFunc
	if reg != nil {
		progressFns = append(progressFns, reg.progress...)
		receivers = append(receivers, reg.receivers...)
	}
	r.mu.Unlock()

	r.stats.Inc(statFramesReceived)
	for _, fn := range progressFns {
		fn(float64(h.Progress)/255, peerID)
	}
	if !complete {
		return
	}
	if reg == nil {
		r.logger.Debug("dropping message with unregistered action type", "peer", peerID, "type", h.ActionType)
		return
	}

	if !r.key.IsZero() {
		body, err = cryptobox.Decrypt(r.key, string(body))
		if err != nil {
			r.stats.Inc(statDropsDecrypt)
			r.logger.Warn("dropping undecryptable message", "peer", peerID, "type", h.ActionType, "err", err)
			return
		}
	}

	p, meta, err := unmarshalBody(body)
	if err != nil {
		r.stats.Inc(statDropsMalformed)
		r.logger.Warn("dropping undecodable message", "peer", peerID, "type", h.ActionType, "err", err)
		return
	}

	r.stats.Inc(statMessagesReceived)
	for _, fn := range receivers {
		fn(p, peerID, meta)
	}
}

// addPeer installs a connected peer and fires the join callback. It reports
// false (and destroys nothing) when the room is closed or the ID is taken.
func (r *Room) addPeer(p *Peer) bool {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return false
	}
	if _, ok := r.peers[p.ID()]; ok {
		r.mu.Unlock()
		return false
	}
	r.peers[p.ID()] = &roomPeer{peer: p, reasm: chunk.NewReassembler()}
	onJoin := r.onJoin
	r.mu.Unlock()

	r.stats.Inc(statPeersJoined)
	r.logger.Info("peer joined", "peer", p.ID())
	if onJoin != nil {
		onJoin(p.ID())
	}
	return true
}

// removePeer tears down a peer, discarding its pending transmissions, and
// fires the leave callback. Removing an absent peer is a no-op, which makes
// duplicate disconnect notifications harmless.
func (r *Room) removePeer(peerID string) {
	r.mu.Lock()
	rp, ok := r.peers[peerID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.peers, peerID)
	onLeave := r.onLeave
	r.mu.Unlock()

	rp.reasm.Drop()
	rp.peer.Destroy()
	r.stats.Inc(statPeersLeft)
	r.logger.Info("peer left", "peer", peerID)
	if onLeave != nil {
		onLeave(peerID)
	}
}

// Leave tears down every peer, the action registry, and the signaling
// subscription. Idempotent.
func (r *Room) Leave() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	peers := make([]string, 0, len(r.peers))
	for id := range r.peers {
		peers = append(peers, id)
	}
	r.mu.Unlock()

	if r.conn != nil {
		r.conn.stop()
	}
	for _, id := range peers {
		r.removePeer(id)
	}
	r.logger.Info("left room")
}

// encryptBody seals a serialized body for the wire. The envelope is textual
// but travels as bytes inside the chunk payload.
func encryptBody(key cryptobox.Key, body []byte) ([]byte, error) {
	envelope, err := cryptobox.Encrypt(key, body)
	if err != nil {
		return nil, err
	}
	return []byte(envelope), nil
}

// registerPingActions wires the reserved RTT probe actions.
func (r *Room) registerPingActions() {
	ping, _ := r.makeAction(actionPing)
	pong, _ := r.makeAction(actionPong)

	ping.OnReceive(func(p Payload, peerID string, _ map[string]any) {
		// Echo the token back to the prober only.
		if err := pong.Send(context.Background(), Text(p.Text()), []string{peerID}, nil); err != nil {
			r.logger.Debug("ping reply failed", "peer", peerID, "err", err)
		}
	})
	pong.OnReceive(func(p Payload, peerID string, _ map[string]any) {
		key := peerID + "/" + p.Text()
		r.mu.Lock()
		ch, ok := r.pings[key]
		if ok {
			delete(r.pings, key)
		}
		r.mu.Unlock()
		if ok {
			close(ch)
		}
	})
}

// Ping measures the round-trip time to peerID over the data channel.
func (r *Room) Ping(ctx context.Context, peerID string) (time.Duration, error) {
	var tok [8]byte
	if _, err := rand.Read(tok[:]); err != nil {
		return 0, err
	}
	token := hex.EncodeToString(tok[:])

	ch := make(chan struct{})
	key := peerID + "/" + token
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return 0, ErrRoomClosed
	}
	ping := r.actions[actionPing]
	if ping == nil {
		r.mu.Unlock()
		return 0, fmt.Errorf("meshrtc: ping action not registered")
	}
	r.pings[key] = ch
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.pings, key)
		r.mu.Unlock()
	}()

	start := time.Now()
	if err := (&Action{room: r, name: actionPing}).Send(ctx, Text(token), []string{peerID}, nil); err != nil {
		return 0, err
	}
	select {
	case <-ch:
		return time.Since(start), nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}
