package meshrtc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/meshrtc/signal"
)

// DataChannelLabel is the label of the single room data channel carrying the
// chunked action protocol. It must be negotiated ordered and fully reliable;
// reassembly depends on in-order frame delivery.
const DataChannelLabel = "room"

func validateRoomDataChannel(dc *webrtc.DataChannel) error {
	if dc.Label() != DataChannelLabel {
		return fmt.Errorf("expected label=%q (got %q)", DataChannelLabel, dc.Label())
	}
	if !dc.Ordered() {
		return fmt.Errorf("room datachannel must be ordered (ordered=false)")
	}
	if dc.MaxPacketLifeTime() != nil {
		return fmt.Errorf("room datachannel must be fully reliable (maxPacketLifeTime must be unset)")
	}
	if dc.MaxRetransmits() != nil {
		return fmt.Errorf("room datachannel must be fully reliable (maxRetransmits must be unset)")
	}
	return nil
}

// connector drives peer discovery and connection establishment for one room:
// it announces presence on a cadence, keeps a pool of pre-gathered offers
// ready for newly announced peers, and turns signaling exchanges into
// connected Peers handed to the room.
type connector struct {
	room     *Room
	strategy signal.Strategy
	tun      signal.Tunables
	api      *webrtc.API
	rtcCfg   webrtc.Configuration

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	pool    []*pooledOffer
	pending map[string]*pendingConn
	stopped bool
}

// pooledOffer is a pre-created connection with local description set and ICE
// gathering finished, so an announce can be answered with a complete offer
// immediately.
type pooledOffer struct {
	pc      *webrtc.PeerConnection
	dc      *webrtc.DataChannel
	sdp     string
	created time.Time
}

type pendingConn struct {
	pc      *webrtc.PeerConnection
	offerer bool
	timeout *time.Timer
}

func newConnector(room *Room, strategy signal.Strategy, tun signal.Tunables, api *webrtc.API, rtcCfg webrtc.Configuration) *connector {
	return &connector{
		room:     room,
		strategy: strategy,
		tun:      tun,
		api:      api,
		rtcCfg:   rtcCfg,
		pending:  make(map[string]*pendingConn),
	}
}

func (c *connector) start(ctx context.Context) error {
	c.ctx, c.cancel = context.WithCancel(ctx)

	signals, err := c.strategy.Announce(c.ctx, c.room.topic)
	if err != nil {
		c.cancel()
		return err
	}

	c.topUpPool()

	go c.announceLoop()
	go c.signalLoop(signals)
	return nil
}

// stop halts discovery and tears down pooled and half-open connections. The
// room tears down established peers itself.
func (c *connector) stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	pool := c.pool
	c.pool = nil
	pending := c.pending
	c.pending = make(map[string]*pendingConn)
	c.mu.Unlock()

	// Best effort: peers also detect our departure at the transport level.
	sendCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	_ = c.strategy.Send(sendCtx, c.room.topic, "", signal.Signal{Kind: signal.KindLeave, FromPeer: c.room.selfID})
	cancel()

	// The loops exit via ctx; stop may run inside a signal callback, so it
	// must not wait for them.
	c.cancel()
	for _, po := range pool {
		_ = po.pc.Close()
	}
	for _, pend := range pending {
		pend.timeout.Stop()
		_ = pend.pc.Close()
	}
}

func (c *connector) announceLoop() {
	t := time.NewTicker(c.tun.AnnounceInterval)
	defer t.Stop()
	for {
		c.announce()
		c.topUpPool()
		select {
		case <-t.C:
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *connector) announce() {
	err := c.strategy.Send(c.ctx, c.room.topic, "", signal.Signal{
		Kind:     signal.KindAnnounce,
		FromPeer: c.room.selfID,
	})
	if err != nil && c.ctx.Err() == nil {
		c.room.logger.Warn("announce failed", "err", err)
	}
}

func (c *connector) signalLoop(signals <-chan signal.Signal) {
	for {
		select {
		case s, ok := <-signals:
			if !ok {
				return
			}
			c.handleSignal(s)
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *connector) handleSignal(s signal.Signal) {
	if s.FromPeer == "" || s.FromPeer == c.room.selfID {
		return
	}
	switch s.Kind {
	case signal.KindAnnounce:
		c.handleAnnounce(s.FromPeer)
	case signal.KindOffer:
		c.handleOffer(s.FromPeer, s.SDP)
	case signal.KindAnswer:
		c.handleAnswer(s.FromPeer, s.SDP)
	case signal.KindCandidate:
		c.handleCandidate(s.FromPeer, s.Candidate)
	case signal.KindLeave:
		c.dropPending(s.FromPeer)
		c.room.removePeer(s.FromPeer)
	}
}

// handleAnnounce starts an offer toward the announcing peer when this side
// is the canonical offerer. When both sides announce, the peer with the
// lexicographically smaller ID offers; the other side waits, which prevents
// glare (crossed offers that both fail).
func (c *connector) handleAnnounce(from string) {
	if c.room.selfID >= from || c.connectedOrPending(from) {
		return
	}

	po := c.takePooledOffer()
	if po == nil {
		var err error
		po, err = c.newPooledOffer()
		if err != nil {
			c.room.logger.Warn("offer creation failed", "peer", from, "err", err)
			return
		}
	}

	c.adoptPending(from, po.pc, true)
	c.wireOffererChannel(from, po.pc, po.dc)

	err := c.strategy.Send(c.ctx, c.room.topic, from, signal.Signal{
		Kind:     signal.KindOffer,
		FromPeer: c.room.selfID,
		SDP:      po.sdp,
	})
	if err != nil && c.ctx.Err() == nil {
		c.room.logger.Warn("offer send failed", "peer", from, "err", err)
		c.dropPending(from)
	}
}

func (c *connector) handleOffer(from, sdp string) {
	// Glare: if this side is the canonical offerer for the pair, ignore the
	// remote offer; ours is already (or about to be) in flight.
	if c.room.selfID < from {
		return
	}
	if c.connectedOrPending(from) {
		return
	}

	pc, err := c.api.NewPeerConnection(c.rtcCfg)
	if err != nil {
		c.room.logger.Warn("peerconnection failed", "peer", from, "err", err)
		return
	}
	c.adoptPending(from, pc, false)

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if err := validateRoomDataChannel(dc); err != nil {
			c.room.logger.Warn("rejecting room datachannel", "peer", from, "err", err)
			_ = dc.Close()
			return
		}
		c.wireChannel(from, pc, dc)
	})
	c.wireConnState(from, pc)

	if err := c.answer(pc, from, sdp); err != nil {
		if c.ctx.Err() == nil {
			c.room.logger.Warn("answer failed", "peer", from, "err", err)
		}
		c.dropPending(from)
	}
}

func (c *connector) answer(pc *webrtc.PeerConnection, from, sdp string) error {
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}
	if err := pc.SetRemoteDescription(offer); err != nil {
		return fmt.Errorf("set remote offer: %w", err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local answer: %w", err)
	}
	select {
	case <-gathered:
	case <-c.ctx.Done():
		return c.ctx.Err()
	}
	return c.strategy.Send(c.ctx, c.room.topic, from, signal.Signal{
		Kind:     signal.KindAnswer,
		FromPeer: c.room.selfID,
		SDP:      pc.LocalDescription().SDP,
	})
}

func (c *connector) handleAnswer(from, sdp string) {
	c.mu.Lock()
	pend, ok := c.pending[from]
	c.mu.Unlock()
	if !ok || !pend.offerer {
		return
	}
	desc := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}
	if err := pend.pc.SetRemoteDescription(desc); err != nil {
		c.room.logger.Warn("set remote answer failed", "peer", from, "err", err)
		c.dropPending(from)
	}
}

// handleCandidate applies a trickled remote candidate. Local candidates are
// never trickled (descriptions are sent after gathering completes), but
// remote strategies may still trickle theirs.
func (c *connector) handleCandidate(from string, cand *signal.Candidate) {
	if cand == nil {
		return
	}
	c.mu.Lock()
	pend, ok := c.pending[from]
	c.mu.Unlock()
	if !ok {
		return
	}
	ice := webrtc.ICECandidateInit{
		Candidate:     cand.Candidate,
		SDPMid:        cand.SDPMid,
		SDPMLineIndex: cand.SDPMLineIndex,
	}
	if err := pend.pc.AddICECandidate(ice); err != nil {
		c.room.logger.Debug("add ice candidate failed", "peer", from, "err", err)
	}
}

func (c *connector) connectedOrPending(peerID string) bool {
	c.mu.Lock()
	_, pending := c.pending[peerID]
	c.mu.Unlock()
	if pending {
		return true
	}
	c.room.mu.Lock()
	_, connected := c.room.peers[peerID]
	c.room.mu.Unlock()
	return connected
}

// adoptPending registers a half-open connection and arms the establishment
// deadline.
func (c *connector) adoptPending(peerID string, pc *webrtc.PeerConnection, offerer bool) {
	timeout := time.AfterFunc(c.tun.ICETimeout, func() {
		c.mu.Lock()
		pend, ok := c.pending[peerID]
		stale := ok && pend.pc == pc
		if stale {
			delete(c.pending, peerID)
		}
		c.mu.Unlock()
		if stale {
			c.room.logger.Info("connection attempt timed out", "peer", peerID)
			_ = pc.Close()
		}
	})
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		timeout.Stop()
		_ = pc.Close()
		return
	}
	c.pending[peerID] = &pendingConn{pc: pc, offerer: offerer, timeout: timeout}
	c.mu.Unlock()
}

func (c *connector) dropPending(peerID string) {
	c.mu.Lock()
	pend, ok := c.pending[peerID]
	if ok {
		delete(c.pending, peerID)
	}
	c.mu.Unlock()
	if ok {
		pend.timeout.Stop()
		_ = pend.pc.Close()
	}
}

// settlePending removes the entry without closing the connection; ownership
// has passed to the room's Peer.
func (c *connector) settlePending(peerID string, pc *webrtc.PeerConnection) {
	c.mu.Lock()
	pend, ok := c.pending[peerID]
	if ok && pend.pc == pc {
		delete(c.pending, peerID)
		pend.timeout.Stop()
	}
	c.mu.Unlock()
}

func (c *connector) wireOffererChannel(peerID string, pc *webrtc.PeerConnection, dc *webrtc.DataChannel) {
	c.wireChannel(peerID, pc, dc)
	c.wireConnState(peerID, pc)
}

// wireChannel binds the data channel lifecycle to the room: open installs
// the peer, messages feed the chunk protocol, close removes the peer.
func (c *connector) wireChannel(peerID string, pc *webrtc.PeerConnection, dc *webrtc.DataChannel) {
	peer := newPeer(peerID, pc, dc)
	peer.setState(PeerStateConnecting)

	dc.OnOpen(func() {
		c.settlePending(peerID, pc)
		peer.setState(PeerStateConnected)
		if !c.room.addPeer(peer) {
			peer.Destroy()
		}
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if msg.IsString {
			return
		}
		// Copy because pion reuses internal buffers.
		data := append([]byte(nil), msg.Data...)
		c.room.HandleData(peerID, data)
	})
	dc.OnClose(func() {
		c.room.removePeer(peerID)
	})
}

func (c *connector) wireConnState(peerID string, pc *webrtc.PeerConnection) {
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			c.dropPending(peerID)
			c.room.removePeer(peerID)
		}
	})
}

// newPooledOffer creates a connection with its data channel and a fully
// gathered local offer, ready to hand to any announcing peer.
func (c *connector) newPooledOffer() (*pooledOffer, error) {
	pc, err := c.api.NewPeerConnection(c.rtcCfg)
	if err != nil {
		return nil, err
	}
	dc, err := pc.CreateDataChannel(DataChannelLabel, &webrtc.DataChannelInit{})
	if err != nil {
		_ = pc.Close()
		return nil, err
	}
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		_ = pc.Close()
		return nil, err
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		_ = pc.Close()
		return nil, err
	}
	select {
	case <-gathered:
	case <-c.ctx.Done():
		_ = pc.Close()
		return nil, c.ctx.Err()
	}
	return &pooledOffer{
		pc:      pc,
		dc:      dc,
		sdp:     pc.LocalDescription().SDP,
		created: time.Now(),
	}, nil
}

func (c *connector) takePooledOffer() *pooledOffer {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.pool) > 0 {
		po := c.pool[0]
		c.pool = c.pool[1:]
		if now.Sub(po.created) < c.tun.OfferTTL {
			return po
		}
		_ = po.pc.Close()
	}
	return nil
}

// topUpPool discards expired offers and refills to the configured size.
func (c *connector) topUpPool() {
	now := time.Now()
	c.mu.Lock()
	live := c.pool[:0]
	var expired []*pooledOffer
	for _, po := range c.pool {
		if now.Sub(po.created) < c.tun.OfferTTL {
			live = append(live, po)
		} else {
			expired = append(expired, po)
		}
	}
	c.pool = live
	missing := c.tun.OfferPoolSize - len(c.pool)
	stopped := c.stopped
	c.mu.Unlock()

	for _, po := range expired {
		_ = po.pc.Close()
	}
	if stopped {
		return
	}
	for i := 0; i < missing; i++ {
		po, err := c.newPooledOffer()
		if err != nil {
			if c.ctx.Err() == nil {
				c.room.logger.Warn("offer pool refill failed", "err", err)
			}
			return
		}
		c.mu.Lock()
		if c.stopped {
			c.mu.Unlock()
			_ = po.pc.Close()
			return
		}
		c.pool = append(c.pool, po)
		c.mu.Unlock()
	}
}
