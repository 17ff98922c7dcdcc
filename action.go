package meshrtc

import (
	"context"
	"errors"
	"fmt"

	"github.com/wilsonzlin/meshrtc/internal/chunk"
)

// ReceiverFunc is invoked once per fully delivered message of an action
// type. meta is non-nil only for binary payloads sent with metadata.
type ReceiverFunc func(p Payload, peerID string, meta map[string]any)

// ProgressFunc observes reassembly progress of inbound multi-frame
// messages, in [0, 1]. Progress is informational only.
type ProgressFunc func(fraction float64, peerID string)

// Action is a named, typed message channel within a room: one sender, any
// number of receiver callbacks. Obtain one via Room.MakeAction.
type Action struct {
	room *Room
	name string
}

// Name returns the action type string.
func (a *Action) Name() string { return a.name }

// OnReceive registers fn to be invoked for every complete inbound message
// of this action type.
func (a *Action) OnReceive(fn ReceiverFunc) {
	r := a.room
	r.mu.Lock()
	defer r.mu.Unlock()
	if reg, ok := r.actions[a.name]; ok {
		reg.receivers = append(reg.receivers, fn)
	}
}

// OnProgress registers fn to observe inbound reassembly progress for this
// action type.
func (a *Action) OnProgress(fn ProgressFunc) {
	r := a.room
	r.mu.Lock()
	defer r.mu.Unlock()
	if reg, ok := r.actions[a.name]; ok {
		reg.progress = append(reg.progress, fn)
	}
}

// Send delivers payload to the target peers (all connected peers when
// targets is nil), optionally attaching metadata to a binary payload.
//
// The payload is serialized once, encrypted when the room has a password,
// split into frames, and streamed per peer with backpressure. Validation
// failures (undefined payload, metadata on a non-binary payload) are
// synchronous errors; per-peer transport failures are joined and returned
// after all targets have been attempted.
func (a *Action) Send(ctx context.Context, p Payload, targets []string, meta map[string]any) error {
	body, err := marshalBody(p, meta)
	if err != nil {
		return err
	}

	r := a.room
	if !r.key.IsZero() {
		envelope, err := encryptBody(r.key, body)
		if err != nil {
			return err
		}
		body = envelope
	}

	type sendTarget struct {
		peer  *Peer
		nonce uint8
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrRoomClosed
	}
	var picked []sendTarget
	if targets == nil {
		picked = make([]sendTarget, 0, len(r.peers))
		for id, rp := range r.peers {
			picked = append(picked, sendTarget{peer: rp.peer, nonce: r.nextNonceLocked(id, a.name)})
		}
	} else {
		for _, id := range targets {
			rp, ok := r.peers[id]
			if !ok {
				// Unknown target peers are departure races, never errors.
				continue
			}
			picked = append(picked, sendTarget{peer: rp.peer, nonce: r.nextNonceLocked(id, a.name)})
		}
	}
	maxFrame := r.maxFrame
	r.mu.Unlock()

	var errs []error
	for _, tgt := range picked {
		frames, err := chunk.Split(a.name, tgt.nonce, body, maxFrame)
		if err != nil {
			return err
		}
		if err := tgt.peer.SendFrames(ctx, frames); err != nil {
			errs = append(errs, fmt.Errorf("peer %s: %w", tgt.peer.ID(), err))
			continue
		}
		r.stats.Inc(statMessagesSent)
		r.stats.Add(statFramesSent, uint64(len(frames)))
	}
	return errors.Join(errs...)
}

// registeredAction is the room-side registry entry behind an Action handle.
type registeredAction struct {
	receivers []ReceiverFunc
	progress  []ProgressFunc
}
