package meshrtc

import "errors"

var (
	// ErrNilPayload is returned when a sender is invoked with the zero
	// Payload. A message body must always be a defined value; an empty
	// string or zero-length buffer is valid, absence is not.
	ErrNilPayload = errors.New("meshrtc: payload cannot be undefined")

	// ErrMetaNonBinary is returned when per-message metadata is supplied
	// alongside a non-binary payload. Metadata rides next to raw bytes;
	// structured payloads carry their own fields.
	ErrMetaNonBinary = errors.New("meshrtc: meta argument can only be used with binary data")

	// ErrChannelNotOpen is returned by sends while the peer's data channel
	// is not open. The room never auto-retries; the application may re-send
	// after reconnection.
	ErrChannelNotOpen = errors.New("meshrtc: data channel is not open")

	// ErrPeerClosed is returned when an operation races with peer teardown.
	ErrPeerClosed = errors.New("meshrtc: peer is closed")

	// ErrRoomClosed is returned by operations on a room that has been left.
	ErrRoomClosed = errors.New("meshrtc: room has been left")

	// ErrActionRegistered is returned by MakeAction when the action type is
	// already taken in this room.
	ErrActionRegistered = errors.New("meshrtc: action type already registered")

	// ErrMalformedBody is returned when a reassembled message body cannot be
	// decoded back into a payload.
	ErrMalformedBody = errors.New("meshrtc: malformed message body")
)
