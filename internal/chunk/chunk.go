// Package chunk implements the binary framing used on room data channels.
//
// A logical message is split into one or more frames, each carrying a fixed
// 15-byte header followed by a payload slice:
//
//	offset 0  12-byte action type, left-justified, zero padded
//	offset 12 1-byte nonce (rolling per (peer, action) message discriminator)
//	offset 13 1-byte terminal flag (0 = more frames follow, 1 = last frame)
//	offset 14 1-byte progress estimate (0-255, informational only)
//
// The payload is opaque: encryption and the payload type tag are layered by
// the caller before splitting and after reassembly.
package chunk

import (
	"errors"
	"fmt"
	"strings"
)

const (
	// TypeLen is the fixed width of the action type field.
	TypeLen = 12

	// HeaderLen is the total frame header size in bytes.
	HeaderLen = 15

	offNonce    = 12
	offLast     = 13
	offProgress = 14
)

var (
	ErrTypeLength    = errors.New("chunk: action type must be 1-12 bytes")
	ErrFrameTooShort = errors.New("chunk: frame shorter than header")
	ErrMaxFrameSize  = errors.New("chunk: max frame size leaves no payload room")
)

// Header is the decoded fixed header of one frame.
type Header struct {
	ActionType string
	Nonce      uint8
	Last       bool
	Progress   uint8
}

// ValidateActionType enforces the 1..12 byte action type invariant.
func ValidateActionType(actionType string) error {
	if n := len(actionType); n < 1 || n > TypeLen {
		return fmt.Errorf("%w: %q is %d bytes", ErrTypeLength, actionType, n)
	}
	return nil
}

// Split frames body into chunks no larger than maxFrame bytes each. The
// final frame carries the terminal flag; every frame carries a progress
// estimate proportional to the bytes emitted so far. A zero-length body
// still yields a single terminal frame.
func Split(actionType string, nonce uint8, body []byte, maxFrame int) ([][]byte, error) {
	if err := ValidateActionType(actionType); err != nil {
		return nil, err
	}
	sliceSize := maxFrame - HeaderLen
	if sliceSize < 1 {
		return nil, fmt.Errorf("%w: %d", ErrMaxFrameSize, maxFrame)
	}

	total := len(body)
	n := (total + sliceSize - 1) / sliceSize
	if n == 0 {
		n = 1
	}

	frames := make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		start := i * sliceSize
		end := start + sliceSize
		if end > total {
			end = total
		}
		slice := body[start:end]

		frame := make([]byte, HeaderLen+len(slice))
		copy(frame, actionType)
		frame[offNonce] = nonce
		if i == n-1 {
			frame[offLast] = 1
		}
		if total == 0 {
			frame[offProgress] = 255
		} else {
			frame[offProgress] = uint8(end * 255 / total)
		}
		copy(frame[HeaderLen:], slice)
		frames = append(frames, frame)
	}
	return frames, nil
}

// ParseHeader decodes the fixed header and returns the payload slice that
// follows it. The payload aliases frame; callers that retain it across
// handler invocations must copy.
//
// Trailing zero and space padding are both stripped from the action type:
// the encoder emits zero padding, but space padding is accepted for
// compatibility with text-oriented senders.
func ParseHeader(frame []byte) (Header, []byte, error) {
	if len(frame) < HeaderLen {
		return Header{}, nil, fmt.Errorf("%w: %d bytes", ErrFrameTooShort, len(frame))
	}
	actionType := strings.TrimRight(string(frame[:TypeLen]), "\x00 ")
	if err := ValidateActionType(actionType); err != nil {
		return Header{}, nil, err
	}
	return Header{
		ActionType: actionType,
		Nonce:      frame[offNonce],
		Last:       frame[offLast] != 0,
		Progress:   frame[offProgress],
	}, frame[HeaderLen:], nil
}
