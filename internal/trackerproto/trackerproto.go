// Package trackerproto defines the JSON messages exchanged between peers and
// the websocket tracker.
//
// The tracker is a relay only: it validates message shape and routes by room
// and peer ID, never inspecting SDP or application payloads (which are
// end-to-end encrypted when the room has a password).
package trackerproto

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

type Type string

const (
	// TypeJoin must be the first message on a connection; it binds the
	// connection to a room and peer identity.
	TypeJoin Type = "join"
	// TypeAnnounce is a presence beacon broadcast to the room.
	TypeAnnounce  Type = "announce"
	TypeOffer     Type = "offer"
	TypeAnswer    Type = "answer"
	TypeCandidate Type = "candidate"
	// TypeLeave is broadcast by the tracker when a peer's connection ends.
	TypeLeave Type = "leave"
	// TypeError is sent by the tracker before closing a misbehaving
	// connection.
	TypeError Type = "error"
)

// Candidate mirrors the optional fields of a browser ICE candidate.
type Candidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// Message is the single envelope for every tracker exchange.
//
// From is always assigned by the tracker on relay; a client-supplied value
// is overwritten, so peers cannot impersonate each other at the signaling
// layer. To is empty for broadcasts.
type Message struct {
	Type Type   `json:"type"`
	Room string `json:"room,omitempty"`
	Peer string `json:"peer,omitempty"`

	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`

	SDP       string     `json:"sdp,omitempty"`
	Candidate *Candidate `json:"candidate,omitempty"`

	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// Parse decodes and validates one client message. Unknown fields and
// trailing data are rejected.
func Parse(data []byte) (Message, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var msg Message
	if err := dec.Decode(&msg); err != nil {
		return Message{}, err
	}
	if err := msg.Validate(); err != nil {
		return Message{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Message{}, fmt.Errorf("unexpected trailing data")
	}
	return msg, nil
}

// Validate checks the shape rules for client-sent messages.
func (m Message) Validate() error {
	switch m.Type {
	case TypeJoin:
		if m.Room == "" || m.Peer == "" {
			return fmt.Errorf("join message missing room/peer")
		}
		if m.To != "" || m.SDP != "" || m.Candidate != nil || m.Code != "" || m.Message != "" {
			return fmt.Errorf("join message has unexpected fields")
		}
	case TypeAnnounce:
		if m.To != "" {
			return fmt.Errorf("announce message must not be targeted")
		}
		if m.SDP != "" || m.Candidate != nil || m.Code != "" || m.Message != "" {
			return fmt.Errorf("announce message has unexpected fields")
		}
	case TypeOffer, TypeAnswer:
		if m.SDP == "" {
			return fmt.Errorf("%s message missing sdp", m.Type)
		}
		if m.To == "" {
			return fmt.Errorf("%s message missing target peer", m.Type)
		}
		if m.Candidate != nil || m.Code != "" || m.Message != "" {
			return fmt.Errorf("%s message has unexpected fields", m.Type)
		}
	case TypeCandidate:
		if m.Candidate == nil {
			return fmt.Errorf("candidate message missing candidate")
		}
		if m.To == "" {
			return fmt.Errorf("candidate message missing target peer")
		}
		if m.SDP != "" || m.Code != "" || m.Message != "" {
			return fmt.Errorf("candidate message has unexpected fields")
		}
	case TypeLeave:
		if m.SDP != "" || m.Candidate != nil || m.Code != "" || m.Message != "" {
			return fmt.Errorf("leave message has unexpected fields")
		}
	case TypeError:
		if m.Code == "" || m.Message == "" {
			return fmt.Errorf("error message missing code/message")
		}
		if m.SDP != "" || m.Candidate != nil {
			return fmt.Errorf("error message has unexpected fields")
		}
	default:
		return fmt.Errorf("unsupported message type %q", m.Type)
	}
	return nil
}
