package trackerproto

import (
	"strings"
	"testing"
)

func TestParse_Valid(t *testing.T) {
	tests := []struct {
		name string
		in   string
		typ  Type
	}{
		{"join", `{"type":"join","room":"lobby","peer":"p1"}`, TypeJoin},
		{"announce", `{"type":"announce"}`, TypeAnnounce},
		{"offer", `{"type":"offer","to":"p2","sdp":"v=0..."}`, TypeOffer},
		{"answer", `{"type":"answer","to":"p1","sdp":"v=0..."}`, TypeAnswer},
		{"candidate", `{"type":"candidate","to":"p2","candidate":{"candidate":"candidate:1 1 udp 1 10.0.0.1 9 typ host"}}`, TypeCandidate},
		{"leave", `{"type":"leave"}`, TypeLeave},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			msg, err := Parse([]byte(tc.in))
			if err != nil {
				t.Fatalf("Parse(%s): %v", tc.in, err)
			}
			if msg.Type != tc.typ {
				t.Fatalf("type=%q, want %q", msg.Type, tc.typ)
			}
		})
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"not json", `nope`, "invalid character"},
		{"unknown type", `{"type":"hello"}`, "unsupported message type"},
		{"unknown field", `{"type":"announce","extra":1}`, "unknown field"},
		{"trailing data", `{"type":"announce"}{"type":"announce"}`, "trailing data"},
		{"join without room", `{"type":"join","peer":"p1"}`, "missing room/peer"},
		{"join with sdp", `{"type":"join","room":"r","peer":"p","sdp":"x"}`, "unexpected fields"},
		{"targeted announce", `{"type":"announce","to":"p2"}`, "must not be targeted"},
		{"offer without sdp", `{"type":"offer","to":"p2"}`, "missing sdp"},
		{"offer without target", `{"type":"offer","sdp":"x"}`, "missing target"},
		{"candidate without body", `{"type":"candidate","to":"p2"}`, "missing candidate"},
		{"error without code", `{"type":"error","message":"x"}`, "missing code/message"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.in))
			if err == nil {
				t.Fatalf("Parse(%s) succeeded, want error containing %q", tc.in, tc.want)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err=%v, want substring %q", err, tc.want)
			}
		})
	}
}
