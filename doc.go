// Package meshrtc implements serverless peer-to-peer rooms over WebRTC data
// channels.
//
// Peers join a named room through a pluggable signaling strategy (an
// in-process bus for tests, a websocket tracker for deployments), connect
// directly to every other member, and exchange typed messages through named
// actions. Messages are chunked to fit data-channel frame limits, streamed
// with backpressure, reassembled on the receiver, and, when the room has a
// password, end-to-end encrypted so the signaling path never sees payloads.
//
// Typical use:
//
//	room, err := meshrtc.JoinRoom(ctx, meshrtc.Config{
//		AppID:    "my-app",
//		RoomID:   "lobby",
//		Password: "hunter2",
//		Strategy: strategy,
//	})
//	if err != nil { ... }
//	defer room.Leave()
//
//	chat, err := room.MakeAction("chat")
//	if err != nil { ... }
//	chat.OnReceive(func(p meshrtc.Payload, peerID string, _ map[string]any) {
//		fmt.Println(peerID, p.Text())
//	})
//	_ = chat.Send(ctx, meshrtc.Text("hello"), nil, nil)
package meshrtc
