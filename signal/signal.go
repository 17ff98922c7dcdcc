// Package signal defines the pluggable signaling strategy contract used to
// bootstrap direct peer connections.
//
// A Strategy exchanges presence announcements and SDP offers/answers
// out-of-band (a websocket tracker, an in-process bus, ...). The room layer
// only consumes the resulting signal stream; it never implements discovery
// itself.
package signal

import (
	"context"
	"fmt"
	"time"
)

// Kind discriminates the signal variants a strategy delivers.
type Kind string

const (
	// KindAnnounce is a broadcast presence beacon. Peers re-announce on a
	// fixed cadence so that latecomers discover the room population.
	KindAnnounce  Kind = "announce"
	KindOffer     Kind = "offer"
	KindAnswer    Kind = "answer"
	KindCandidate Kind = "candidate"
	// KindLeave is delivered when a peer departs the signaling channel. The
	// data-channel layer additionally detects transport-level disconnects on
	// its own.
	KindLeave Kind = "leave"
)

// Candidate is a transport-agnostic ICE candidate representation. Pointer
// fields mirror the optional JSON fields browsers emit.
type Candidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// Signal is one out-of-band message between peers in a room.
type Signal struct {
	Kind     Kind
	FromPeer string
	// SDP carries the session description for offers and answers.
	SDP string
	// Candidate carries a trickled ICE candidate for KindCandidate.
	Candidate *Candidate
}

// Strategy is one interchangeable signaling backend.
//
// Implementations must be safe for concurrent use. Signals from a single
// remote peer must be delivered in the order they were sent.
type Strategy interface {
	// Announce subscribes to roomID and returns the inbound signal stream.
	// The channel is closed when the subscription ends (ctx cancellation,
	// Close, or backend failure).
	Announce(ctx context.Context, roomID string) (<-chan Signal, error)

	// Send delivers s to one peer in roomID, or to every other subscribed
	// peer when toPeer is empty.
	Send(ctx context.Context, roomID, toPeer string, s Signal) error

	// SelfID is this endpoint's stable peer identity.
	SelfID() string

	Close() error
}

// Defaults for Tunables.
const (
	DefaultOfferPoolSize    = 20
	DefaultAnnounceInterval = 5333 * time.Millisecond
	DefaultOfferTTL         = 57333 * time.Millisecond
	DefaultICETimeout       = 5 * time.Second
)

// Tunables controls discovery cadence and connection-establishment bounds.
type Tunables struct {
	// OfferPoolSize is how many pre-generated offers are held ready for
	// newly announced peers.
	OfferPoolSize int
	// AnnounceInterval is the re-announce cadence.
	AnnounceInterval time.Duration
	// OfferTTL is how long a pooled offer remains usable. It must exceed
	// several announce intervals so a peer answering a stale announcement
	// still finds a live offer.
	OfferTTL time.Duration
	// ICETimeout bounds connection establishment after signaling completes.
	ICETimeout time.Duration
}

// WithDefaults fills zero fields with the package defaults.
func (t Tunables) WithDefaults() Tunables {
	if t.OfferPoolSize == 0 {
		t.OfferPoolSize = DefaultOfferPoolSize
	}
	if t.AnnounceInterval == 0 {
		t.AnnounceInterval = DefaultAnnounceInterval
	}
	if t.OfferTTL == 0 {
		t.OfferTTL = DefaultOfferTTL
	}
	if t.ICETimeout == 0 {
		t.ICETimeout = DefaultICETimeout
	}
	return t
}

// Validate rejects configurations that cannot discover peers reliably.
func (t Tunables) Validate() error {
	if t.OfferPoolSize < 1 {
		return fmt.Errorf("signal: offer pool size must be >= 1")
	}
	if t.AnnounceInterval <= 0 {
		return fmt.Errorf("signal: announce interval must be > 0")
	}
	if t.OfferTTL <= 2*t.AnnounceInterval {
		return fmt.Errorf("signal: offer ttl %s must exceed several announce intervals (%s)", t.OfferTTL, t.AnnounceInterval)
	}
	if t.ICETimeout <= 0 {
		return fmt.Errorf("signal: ice timeout must be > 0")
	}
	return nil
}
