package tracker

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/meshrtc/internal/stats"
	"github.com/wilsonzlin/meshrtc/internal/trackerproto"
)

func startTracker(t *testing.T, cfg Config) (*httptest.Server, string, *stats.Counters) {
	t.Helper()
	if cfg.Stats == nil {
		cfg.Stats = stats.New()
	}
	srv := httptest.NewServer(New(cfg))
	t.Cleanup(srv.Close)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	return srv, url, cfg.Stats
}

func dialAndJoin(t *testing.T, url, room, peer string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	join := trackerproto.Message{Type: trackerproto.TypeJoin, Room: room, Peer: peer}
	if err := conn.WriteJSON(join); err != nil {
		t.Fatalf("join: %v", err)
	}
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) trackerproto.Message {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg trackerproto.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal %q: %v", data, err)
	}
	return msg
}

func TestTracker_BroadcastAndDirectRelay(t *testing.T) {
	_, url, _ := startTracker(t, Config{})

	a := dialAndJoin(t, url, "lobby", "peer-a")
	b := dialAndJoin(t, url, "lobby", "peer-b")
	other := dialAndJoin(t, url, "elsewhere", "peer-c")

	// Give the server a moment to register all three connections.
	time.Sleep(100 * time.Millisecond)

	if err := a.WriteJSON(trackerproto.Message{Type: trackerproto.TypeAnnounce}); err != nil {
		t.Fatalf("announce: %v", err)
	}
	msg := readMessage(t, b)
	if msg.Type != trackerproto.TypeAnnounce || msg.From != "peer-a" {
		t.Fatalf("got %+v, want announce from peer-a", msg)
	}

	// From must be the bound identity even if the sender lies.
	if err := b.WriteJSON(trackerproto.Message{Type: trackerproto.TypeOffer, To: "peer-a", From: "impostor", SDP: "v=0"}); err != nil {
		t.Fatalf("offer: %v", err)
	}
	msg = readMessage(t, a)
	if msg.Type != trackerproto.TypeOffer || msg.From != "peer-b" || msg.SDP != "v=0" {
		t.Fatalf("got %+v, want offer from peer-b", msg)
	}

	// Cross-room isolation: peer-c must have seen nothing.
	_ = other.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, _, err := other.ReadMessage(); err == nil {
		t.Fatalf("expected no message in other room")
	}
}

func TestTracker_LeaveBroadcastOnDisconnect(t *testing.T) {
	_, url, _ := startTracker(t, Config{})

	a := dialAndJoin(t, url, "lobby", "peer-a")
	b := dialAndJoin(t, url, "lobby", "peer-b")
	time.Sleep(100 * time.Millisecond)

	a.Close()

	msg := readMessage(t, b)
	if msg.Type != trackerproto.TypeLeave || msg.From != "peer-a" {
		t.Fatalf("got %+v, want leave from peer-a", msg)
	}
}

func TestTracker_DuplicatePeerIDRejected(t *testing.T) {
	_, url, _ := startTracker(t, Config{})

	dialAndJoin(t, url, "lobby", "peer-a")
	time.Sleep(100 * time.Millisecond)

	dup, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer dup.Close()
	if err := dup.WriteJSON(trackerproto.Message{Type: trackerproto.TypeJoin, Room: "lobby", Peer: "peer-a"}); err != nil {
		t.Fatalf("join: %v", err)
	}
	_ = dup.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := dup.ReadMessage(); err == nil {
		t.Fatalf("expected close for duplicate peer id")
	}
}

func TestTracker_FirstMessageMustBeJoin(t *testing.T) {
	_, url, _ := startTracker(t, Config{})

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if err := conn.WriteJSON(trackerproto.Message{Type: trackerproto.TypeAnnounce}); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatalf("expected close without join")
	}
}

func TestTracker_RateLimitCloses(t *testing.T) {
	_, url, st := startTracker(t, Config{MessagesPerSecond: 2})

	a := dialAndJoin(t, url, "lobby", "peer-a")
	time.Sleep(100 * time.Millisecond)

	// Burst well past the bucket capacity; the server must close on us.
	for i := 0; i < 20; i++ {
		if err := a.WriteJSON(trackerproto.Message{Type: trackerproto.TypeAnnounce}); err != nil {
			break
		}
	}
	_ = a.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		if _, _, err := a.ReadMessage(); err != nil {
			break
		}
	}
	if st.Get(StatDropRateLimited) == 0 {
		t.Fatalf("expected rate-limited drop counter")
	}
}

func TestTracker_RoomFull(t *testing.T) {
	_, url, _ := startTracker(t, Config{MaxPeersPerRoom: 1})

	dialAndJoin(t, url, "lobby", "peer-a")
	time.Sleep(100 * time.Millisecond)

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if err := conn.WriteJSON(trackerproto.Message{Type: trackerproto.TypeJoin, Room: "lobby", Peer: "peer-b"}); err != nil {
		t.Fatalf("join: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatalf("expected close for full room")
	}
}
