package meshrtc

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// PayloadKind tags the logical type of a message body. The tag exists only
// on the encode and decode paths; the wire carries opaque bytes.
type PayloadKind uint8

const (
	PayloadText PayloadKind = iota + 1
	PayloadJSON
	PayloadBinary
)

func (k PayloadKind) String() string {
	switch k {
	case PayloadText:
		return "text"
	case PayloadJSON:
		return "json"
	case PayloadBinary:
		return "binary"
	default:
		return "undefined"
	}
}

// Payload is the tagged variant of an action message body: a UTF-8 string,
// a JSON-serializable structured value, or a raw byte buffer. The zero
// value is the "undefined" sentinel and is rejected by senders.
type Payload struct {
	kind PayloadKind
	text string
	val  any             // outbound structured value
	raw  json.RawMessage // inbound structured value
	bin  []byte
}

// Text wraps a UTF-8 string payload. The empty string is a valid message.
func Text(s string) Payload {
	return Payload{kind: PayloadText, text: s}
}

// JSON wraps a JSON-serializable structured value.
func JSON(v any) Payload {
	return Payload{kind: PayloadJSON, val: v}
}

// Binary wraps a raw byte buffer. A zero-length buffer is a valid message.
func Binary(b []byte) Payload {
	return Payload{kind: PayloadBinary, bin: b}
}

// Kind reports the payload's tag; zero for the undefined sentinel.
func (p Payload) Kind() PayloadKind { return p.kind }

// Text returns the string form of a text payload.
func (p Payload) Text() string { return p.text }

// Bytes returns the raw buffer of a binary payload.
func (p Payload) Bytes() []byte { return p.bin }

// Unmarshal decodes a structured payload into v.
func (p Payload) Unmarshal(v any) error {
	if p.kind != PayloadJSON {
		return fmt.Errorf("meshrtc: payload is %s, not json", p.kind)
	}
	if p.raw != nil {
		return json.Unmarshal(p.raw, v)
	}
	// Outbound payloads round-trip through JSON too, so loopback delivery
	// behaves identically to the wire path.
	b, err := json.Marshal(p.val)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

// Body kind bytes. They prefix the serialized body so the receiver can
// restore the payload's logical type after reassembly and decryption.
const (
	bodyText       byte = 1
	bodyJSON       byte = 2
	bodyBinary     byte = 3
	bodyBinaryMeta byte = 4
)

// marshalBody serializes payload (and optional binary metadata) into the
// byte body that is encrypted and chunked. Validation failures here are
// programmer errors and surface synchronously from the sender.
func marshalBody(p Payload, meta map[string]any) ([]byte, error) {
	if p.kind == 0 {
		return nil, ErrNilPayload
	}
	if meta != nil && p.kind != PayloadBinary {
		return nil, ErrMetaNonBinary
	}

	switch p.kind {
	case PayloadText:
		body := make([]byte, 0, 1+len(p.text))
		return append(append(body, bodyText), p.text...), nil

	case PayloadJSON:
		var (
			enc []byte
			err error
		)
		if p.raw != nil {
			enc = p.raw
		} else {
			enc, err = json.Marshal(p.val)
			if err != nil {
				return nil, fmt.Errorf("meshrtc: marshal json payload: %w", err)
			}
		}
		body := make([]byte, 0, 1+len(enc))
		return append(append(body, bodyJSON), enc...), nil

	case PayloadBinary:
		if meta == nil {
			body := make([]byte, 0, 1+len(p.bin))
			return append(append(body, bodyBinary), p.bin...), nil
		}
		metaJSON, err := json.Marshal(meta)
		if err != nil {
			return nil, fmt.Errorf("meshrtc: marshal meta: %w", err)
		}
		if len(metaJSON) > 0xffff {
			return nil, fmt.Errorf("meshrtc: meta too large: %d bytes", len(metaJSON))
		}
		body := make([]byte, 0, 3+len(metaJSON)+len(p.bin))
		body = append(body, bodyBinaryMeta)
		body = binary.BigEndian.AppendUint16(body, uint16(len(metaJSON)))
		body = append(body, metaJSON...)
		return append(body, p.bin...), nil

	default:
		return nil, fmt.Errorf("%w: kind %d", ErrNilPayload, p.kind)
	}
}

// unmarshalBody restores the payload and metadata from a reassembled body.
func unmarshalBody(body []byte) (Payload, map[string]any, error) {
	if len(body) == 0 {
		return Payload{}, nil, fmt.Errorf("%w: empty body", ErrMalformedBody)
	}
	rest := body[1:]
	switch body[0] {
	case bodyText:
		return Text(string(rest)), nil, nil

	case bodyJSON:
		if !json.Valid(rest) {
			return Payload{}, nil, fmt.Errorf("%w: invalid json", ErrMalformedBody)
		}
		return Payload{kind: PayloadJSON, raw: append(json.RawMessage(nil), rest...)}, nil, nil

	case bodyBinary:
		return Binary(append([]byte(nil), rest...)), nil, nil

	case bodyBinaryMeta:
		if len(rest) < 2 {
			return Payload{}, nil, fmt.Errorf("%w: truncated meta length", ErrMalformedBody)
		}
		metaLen := int(binary.BigEndian.Uint16(rest))
		rest = rest[2:]
		if len(rest) < metaLen {
			return Payload{}, nil, fmt.Errorf("%w: truncated meta", ErrMalformedBody)
		}
		var meta map[string]any
		if err := json.Unmarshal(rest[:metaLen], &meta); err != nil {
			return Payload{}, nil, fmt.Errorf("%w: meta: %v", ErrMalformedBody, err)
		}
		return Binary(append([]byte(nil), rest[metaLen:]...)), meta, nil

	default:
		return Payload{}, nil, fmt.Errorf("%w: unknown kind byte %d", ErrMalformedBody, body[0])
	}
}
