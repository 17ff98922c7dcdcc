package meshrtc

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/wilsonzlin/meshrtc/internal/chunk"
)

// pipeChannel is a dataChannel whose sends are delivered synchronously to a
// sink, standing in for an established transport between two rooms.
type pipeChannel struct {
	mu      sync.Mutex
	deliver func(frame []byte)
	closed  bool
}

func (c *pipeChannel) Send(data []byte) error {
	c.mu.Lock()
	deliver := c.deliver
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return errors.New("pipe closed")
	}
	if deliver != nil {
		deliver(append([]byte(nil), data...))
	}
	return nil
}

func (c *pipeChannel) BufferedAmount() uint64               { return 0 }
func (c *pipeChannel) SetBufferedAmountLowThreshold(uint64) {}
func (c *pipeChannel) OnBufferedAmountLow(func())           {}

func (c *pipeChannel) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func newTestRoom(t *testing.T, cfg Config) *Room {
	t.Helper()
	if cfg.AppID == "" {
		cfg.AppID = "test-app"
	}
	if cfg.RoomID == "" {
		cfg.RoomID = "test-room"
	}
	r, err := newRoom(cfg)
	if err != nil {
		t.Fatalf("newRoom: %v", err)
	}
	t.Cleanup(r.Leave)
	return r
}

// connectRooms links two rooms with synchronous pipes, as if a data channel
// between them had just opened. Returns the channel carrying a's outbound
// frames so tests can tap the wire.
func connectRooms(t *testing.T, a, b *Room) *pipeChannel {
	t.Helper()
	aToB := &pipeChannel{deliver: func(frame []byte) { b.HandleData("A", frame) }}
	bToA := &pipeChannel{deliver: func(frame []byte) { a.HandleData("B", frame) }}

	peerB := newPeer("B", nil, aToB)
	peerB.setState(PeerStateConnected)
	if !a.addPeer(peerB) {
		t.Fatalf("addPeer B failed")
	}
	peerA := newPeer("A", nil, bToA)
	peerA.setState(PeerStateConnected)
	if !b.addPeer(peerA) {
		t.Fatalf("addPeer A failed")
	}
	return aToB
}

func TestActionJSONRoundTrip(t *testing.T) {
	a := newTestRoom(t, Config{})
	b := newTestRoom(t, Config{})
	connectRooms(t, a, b)

	send, err := a.MakeAction("count")
	if err != nil {
		t.Fatalf("MakeAction: %v", err)
	}
	recv, err := b.MakeAction("count")
	if err != nil {
		t.Fatalf("MakeAction: %v", err)
	}

	type msg struct {
		N int `json:"n"`
	}
	var (
		mu    sync.Mutex
		calls int
		got   msg
		from  string
		meta  map[string]any
	)
	recv.OnReceive(func(p Payload, peerID string, m map[string]any) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		from = peerID
		meta = m
		if err := p.Unmarshal(&got); err != nil {
			t.Errorf("Unmarshal: %v", err)
		}
	})

	if err := send.Send(context.Background(), JSON(msg{N: 42}), nil, nil); err != nil {
		t.Fatalf("Send: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Fatalf("receiver ran %d times, want 1", calls)
	}
	if got.N != 42 || from != "A" || meta != nil {
		t.Fatalf("got %+v from %q meta %v", got, from, meta)
	}
}

func TestActionEncryptedBinaryWithMeta(t *testing.T) {
	a := newTestRoom(t, Config{Password: "swordfish"})
	b := newTestRoom(t, Config{Password: "swordfish"})
	wire := connectRooms(t, a, b)

	plaintext := []byte{1, 2, 3, 4, 5}

	var frames [][]byte
	inner := wire.deliver
	wire.deliver = func(frame []byte) {
		frames = append(frames, frame)
		inner(frame)
	}

	send, err := a.MakeAction("blob")
	if err != nil {
		t.Fatalf("MakeAction: %v", err)
	}
	recv, err := b.MakeAction("blob")
	if err != nil {
		t.Fatalf("MakeAction: %v", err)
	}

	var (
		mu      sync.Mutex
		gotBin  []byte
		gotMeta map[string]any
	)
	recv.OnReceive(func(p Payload, peerID string, m map[string]any) {
		mu.Lock()
		defer mu.Unlock()
		gotBin = p.Bytes()
		gotMeta = m
	})

	if err := send.Send(context.Background(), Binary(plaintext), nil, map[string]any{"tag": "x"}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if !bytes.Equal(gotBin, plaintext) {
		t.Fatalf("payload = %v, want %v", gotBin, plaintext)
	}
	if gotMeta["tag"] != "x" {
		t.Fatalf("meta = %v", gotMeta)
	}
	for _, frame := range frames {
		if bytes.Contains(frame, plaintext) {
			t.Fatalf("plaintext visible on the wire")
		}
	}
}

func TestPasswordMismatchDropsMessages(t *testing.T) {
	a := newTestRoom(t, Config{Password: "right"})
	b := newTestRoom(t, Config{Password: "wrong"})
	connectRooms(t, a, b)

	send, _ := a.MakeAction("chat")
	recv, _ := b.MakeAction("chat")

	received := false
	recv.OnReceive(func(Payload, string, map[string]any) { received = true })

	if err := send.Send(context.Background(), Text("secret"), nil, nil); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if received {
		t.Fatalf("message delivered across mismatched keys")
	}
	if b.stats.Get(statDropsDecrypt) != 1 {
		t.Fatalf("decrypt drop counter = %d, want 1", b.stats.Get(statDropsDecrypt))
	}
}

func TestMakeActionValidation(t *testing.T) {
	r := newTestRoom(t, Config{})

	if _, err := r.MakeAction(strings.Repeat("a", 12)); err != nil {
		t.Fatalf("12-byte type rejected: %v", err)
	}
	if _, err := r.MakeAction(""); err == nil {
		t.Fatalf("empty type accepted")
	}
	if _, err := r.MakeAction(strings.Repeat("a", 13)); err == nil {
		t.Fatalf("13-byte type accepted")
	}
	// Byte length, not rune count: five 3-byte runes exceed the limit.
	if _, err := r.MakeAction("日本語日本"); err == nil {
		t.Fatalf("15-byte multibyte type accepted")
	}
	if _, err := r.MakeAction("@system"); err == nil {
		t.Fatalf("reserved prefix accepted")
	}

	if _, err := r.MakeAction("dup"); err != nil {
		t.Fatalf("first registration: %v", err)
	}
	if _, err := r.MakeAction("dup"); !errors.Is(err, ErrActionRegistered) {
		t.Fatalf("duplicate registration err = %v, want ErrActionRegistered", err)
	}
}

func TestSendValidation(t *testing.T) {
	a := newTestRoom(t, Config{})
	b := newTestRoom(t, Config{})
	connectRooms(t, a, b)

	act, _ := a.MakeAction("chat")

	if err := act.Send(context.Background(), Payload{}, nil, nil); !errors.Is(err, ErrNilPayload) {
		t.Fatalf("zero payload err = %v, want ErrNilPayload", err)
	}
	if err := act.Send(context.Background(), Text("hi"), nil, map[string]any{"k": 1}); !errors.Is(err, ErrMetaNonBinary) {
		t.Fatalf("meta with text err = %v, want ErrMetaNonBinary", err)
	}
	// Departed targets are skipped, not errors.
	if err := act.Send(context.Background(), Text("hi"), []string{"gone"}, nil); err != nil {
		t.Fatalf("unknown target err = %v", err)
	}
}

func TestEmptyPayloadsAreDefined(t *testing.T) {
	a := newTestRoom(t, Config{})
	b := newTestRoom(t, Config{})
	connectRooms(t, a, b)

	send, _ := a.MakeAction("chat")
	recv, _ := b.MakeAction("chat")

	var (
		mu  sync.Mutex
		got []Payload
	)
	recv.OnReceive(func(p Payload, _ string, _ map[string]any) {
		mu.Lock()
		got = append(got, p)
		mu.Unlock()
	})

	if err := send.Send(context.Background(), Text(""), nil, nil); err != nil {
		t.Fatalf("empty text: %v", err)
	}
	if err := send.Send(context.Background(), Binary(nil), nil, nil); err != nil {
		t.Fatalf("empty binary: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 {
		t.Fatalf("delivered %d messages, want 2", len(got))
	}
	if got[0].Kind() != PayloadText || got[0].Text() != "" {
		t.Fatalf("first payload = %+v", got[0])
	}
	if got[1].Kind() != PayloadBinary || len(got[1].Bytes()) != 0 {
		t.Fatalf("second payload = %+v", got[1])
	}
}

func TestMultiChunkProgressAndDelivery(t *testing.T) {
	// Small frames force many chunks per message.
	a := newTestRoom(t, Config{MaxFrameBytes: 64})
	b := newTestRoom(t, Config{MaxFrameBytes: 64})
	connectRooms(t, a, b)

	send, _ := a.MakeAction("bulk")
	recv, _ := b.MakeAction("bulk")

	var (
		mu        sync.Mutex
		fractions []float64
		got       []byte
	)
	recv.OnProgress(func(fraction float64, peerID string) {
		mu.Lock()
		fractions = append(fractions, fraction)
		mu.Unlock()
	})
	recv.OnReceive(func(p Payload, _ string, _ map[string]any) {
		mu.Lock()
		got = p.Bytes()
		mu.Unlock()
	})

	want := bytes.Repeat([]byte("meshrtc"), 200)
	if err := send.Send(context.Background(), Binary(want), nil, nil); err != nil {
		t.Fatalf("Send: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if !bytes.Equal(got, want) {
		t.Fatalf("reassembled %d bytes, want %d", len(got), len(want))
	}
	if len(fractions) < 2 {
		t.Fatalf("expected multiple progress callbacks, got %d", len(fractions))
	}
	for i := 1; i < len(fractions); i++ {
		if fractions[i] < fractions[i-1] {
			t.Fatalf("progress regressed: %v", fractions)
		}
	}
	if fractions[len(fractions)-1] != 1.0 {
		t.Fatalf("final progress = %v, want 1.0", fractions[len(fractions)-1])
	}
}

func TestHandleDataUnknownPeerIsSilent(t *testing.T) {
	r := newTestRoom(t, Config{})

	frames := mustSplitFrame(t, "chat", []byte("x"))
	r.HandleData("stranger", frames[0])

	if r.stats.Get(statDropsUnknownPeer) != 1 {
		t.Fatalf("unknown-peer drop counter = %d, want 1", r.stats.Get(statDropsUnknownPeer))
	}
}

func TestPeerRemovalDropsPartialTransmission(t *testing.T) {
	a := newTestRoom(t, Config{MaxFrameBytes: 32})
	b := newTestRoom(t, Config{MaxFrameBytes: 32})
	connectRooms(t, a, b)

	recv, _ := b.MakeAction("bulk")
	delivered := false
	recv.OnReceive(func(Payload, string, map[string]any) { delivered = true })

	// Feed all but the terminal frame, then remove the peer.
	frames := mustSplitFrame(t, "bulk", bytes.Repeat([]byte{7}, 100))
	if len(frames) < 2 {
		t.Fatalf("expected multiple frames")
	}
	for _, f := range frames[:len(frames)-1] {
		b.HandleData("A", f)
	}
	b.removePeer("A")
	b.HandleData("A", frames[len(frames)-1])

	if delivered {
		t.Fatalf("partial transmission delivered after peer removal")
	}
}

func TestJoinLeaveCallbacksAtMostOnce(t *testing.T) {
	r := newTestRoom(t, Config{})

	var joins, leaves int
	r.OnPeerJoin(func(string) { joins++ })
	r.OnPeerLeave(func(string) { leaves++ })

	p := newPeer("X", nil, &pipeChannel{})
	p.setState(PeerStateConnected)
	if !r.addPeer(p) {
		t.Fatalf("addPeer failed")
	}
	dup := newPeer("X", nil, &pipeChannel{})
	if r.addPeer(dup) {
		t.Fatalf("duplicate addPeer succeeded")
	}
	r.removePeer("X")
	r.removePeer("X")

	if joins != 1 || leaves != 1 {
		t.Fatalf("joins=%d leaves=%d, want 1/1", joins, leaves)
	}
}

func TestPing(t *testing.T) {
	a := newTestRoom(t, Config{})
	b := newTestRoom(t, Config{})
	connectRooms(t, a, b)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rtt, err := a.Ping(ctx, "B")
	if err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if rtt < 0 {
		t.Fatalf("rtt = %v", rtt)
	}

	cancelled, cancel2 := context.WithCancel(context.Background())
	cancel2()
	if _, err := a.Ping(cancelled, "gone"); err == nil {
		t.Fatalf("expected error pinging absent peer with cancelled context")
	}
}

func TestLeave(t *testing.T) {
	a := newTestRoom(t, Config{})
	b := newTestRoom(t, Config{})
	connectRooms(t, a, b)

	var left []string
	a.OnPeerLeave(func(id string) { left = append(left, id) })

	act, _ := a.MakeAction("chat")

	a.Leave()
	a.Leave()

	if len(left) != 1 || left[0] != "B" {
		t.Fatalf("leave callbacks = %v, want [B]", left)
	}
	if err := act.Send(context.Background(), Text("hi"), nil, nil); !errors.Is(err, ErrRoomClosed) {
		t.Fatalf("send after leave err = %v, want ErrRoomClosed", err)
	}
	if _, err := a.MakeAction("late"); !errors.Is(err, ErrRoomClosed) {
		t.Fatalf("MakeAction after leave err = %v, want ErrRoomClosed", err)
	}
}

func TestInterleavedActionsKeepOrderPerNonce(t *testing.T) {
	a := newTestRoom(t, Config{MaxFrameBytes: 48})
	b := newTestRoom(t, Config{MaxFrameBytes: 48})
	connectRooms(t, a, b)

	send, _ := a.MakeAction("stream")
	recv, _ := b.MakeAction("stream")

	var (
		mu   sync.Mutex
		msgs [][]byte
	)
	recv.OnReceive(func(p Payload, _ string, _ map[string]any) {
		mu.Lock()
		msgs = append(msgs, p.Bytes())
		mu.Unlock()
	})

	first := bytes.Repeat([]byte{1}, 200)
	second := bytes.Repeat([]byte{2}, 200)
	if err := send.Send(context.Background(), Binary(first), nil, nil); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := send.Send(context.Background(), Binary(second), nil, nil); err != nil {
		t.Fatalf("Send: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(msgs) != 2 || !bytes.Equal(msgs[0], first) || !bytes.Equal(msgs[1], second) {
		t.Fatalf("got %d messages in wrong order or shape", len(msgs))
	}
}

// mustSplitFrame builds raw frames for a binary body the way a sender
// would, for feeding HandleData directly.
func mustSplitFrame(t *testing.T, actionType string, data []byte) [][]byte {
	t.Helper()
	body, err := marshalBody(Binary(data), nil)
	if err != nil {
		t.Fatalf("marshalBody: %v", err)
	}
	frames, err := chunk.Split(actionType, 0, body, 32)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	return frames
}
