package meshrtc

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
)

// DataBufferedLowThreshold is the channel buffered-amount level (bytes)
// below which a paused multi-frame send resumes. Sending a multi-frame
// message pauses whenever the channel has more than this many bytes queued,
// so a slow peer cannot force unbounded sender-side memory growth.
const DataBufferedLowThreshold = 65535

// PeerState models the connection lifecycle. Closed is terminal.
type PeerState int32

const (
	PeerStateNew PeerState = iota
	PeerStateConnecting
	PeerStateConnected
	PeerStateClosed
)

func (s PeerState) String() string {
	switch s {
	case PeerStateNew:
		return "new"
	case PeerStateConnecting:
		return "connecting"
	case PeerStateConnected:
		return "connected"
	case PeerStateClosed:
		return "closed"
	default:
		return fmt.Sprintf("peerstate(%d)", int32(s))
	}
}

// dataChannel is the subset of pion/webrtc's DataChannel used by Peer.
type dataChannel interface {
	Send(data []byte) error
	BufferedAmount() uint64
	SetBufferedAmountLowThreshold(th uint64)
	OnBufferedAmountLow(f func())
	Close() error
}

// ctxDone abstracts context.Context down to the single method Peer needs,
// so frame-level helpers stay trivially testable.
type ctxDone interface {
	Done() <-chan struct{}
	Err() error
}

// Peer owns one transport connection and its reliable ordered data channel.
//
// Frame delivery order is guaranteed per peer; state transitions are driven
// by the connector's transport events and by Destroy.
type Peer struct {
	id    string
	pc    *webrtc.PeerConnection // nil when constructed around a bare channel (tests)
	dc    dataChannel
	state atomic.Int32

	// drained receives a token whenever the channel's buffered amount falls
	// below DataBufferedLowThreshold.
	drained chan struct{}

	closed    chan struct{}
	closeOnce sync.Once
}

func newPeer(id string, pc *webrtc.PeerConnection, dc dataChannel) *Peer {
	p := &Peer{
		id:      id,
		pc:      pc,
		dc:      dc,
		drained: make(chan struct{}, 1),
		closed:  make(chan struct{}),
	}
	dc.SetBufferedAmountLowThreshold(DataBufferedLowThreshold)
	dc.OnBufferedAmountLow(func() {
		select {
		case p.drained <- struct{}{}:
		default:
		}
	})
	return p
}

func (p *Peer) ID() string { return p.id }

func (p *Peer) State() PeerState {
	return PeerState(p.state.Load())
}

// setState advances the lifecycle. Closed is terminal: once reached, no
// other state is ever observed.
func (p *Peer) setState(s PeerState) {
	for {
		cur := p.state.Load()
		if PeerState(cur) == PeerStateClosed {
			return
		}
		if p.state.CompareAndSwap(cur, int32(s)) {
			return
		}
	}
}

// SendBytes queues one frame on the data channel. It fails with
// ErrChannelNotOpen unless the peer is connected.
func (p *Peer) SendBytes(frame []byte) error {
	if s := p.State(); s != PeerStateConnected {
		return fmt.Errorf("%w: peer %s is %s", ErrChannelNotOpen, p.id, s)
	}
	return p.dc.Send(frame)
}

// SendFrames streams a multi-frame message, pausing before each subsequent
// frame while the channel's buffered amount is above
// DataBufferedLowThreshold and resuming on the buffer-drained signal.
func (p *Peer) SendFrames(ctx ctxDone, frames [][]byte) error {
	for i, frame := range frames {
		if i > 0 {
			if err := p.waitDrained(ctx); err != nil {
				return err
			}
		}
		if err := p.SendBytes(frame); err != nil {
			return err
		}
	}
	return nil
}

func (p *Peer) waitDrained(ctx ctxDone) error {
	for p.dc.BufferedAmount() > DataBufferedLowThreshold {
		select {
		case <-p.drained:
		case <-p.closed:
			return fmt.Errorf("%w: peer %s", ErrPeerClosed, p.id)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Destroy closes the channel and underlying connection. It is idempotent
// and emits no further events afterward.
func (p *Peer) Destroy() {
	p.closeOnce.Do(func() {
		p.state.Store(int32(PeerStateClosed))
		close(p.closed)
		_ = p.dc.Close()
		if p.pc != nil {
			_ = p.pc.Close()
		}
	})
}
