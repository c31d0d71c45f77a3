package api

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestWebSocketDefaultAndPayloadChannels(t *testing.T) {
	f := newFixture(true)
	srv := httptest.NewServer(f.server.Handler())
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for f.server.hub.Len() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	f.server.hub.BroadcastToChannel(EpochUpdate{Type: channelEpoch, Epoch: 9}, channelEpoch)
	var got EpochUpdate
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Epoch != 9 {
		t.Fatalf("update = %+v", got)
	}

	// Unsubscribed payload channels are filtered out, subscribed ones delivered.
	f.server.hub.BroadcastToChannel(EpochUpdate{Type: "other", Epoch: 1}, channelPayload+"aa")
	if err := conn.WriteJSON(WSSubscribeRequest{Op: "subscribe", Channels: []string{channelPayload + "bb"}}); err != nil {
		t.Fatal(err)
	}
	deadline = time.Now().Add(2 * time.Second)
	for {
		var subscribed bool
		f.server.hub.mu.RLock()
		for c := range f.server.hub.clients {
			subscribed = c.IsSubscribed(channelPayload + "bb")
		}
		f.server.hub.mu.RUnlock()
		if subscribed {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("subscription never applied")
		}
		time.Sleep(5 * time.Millisecond)
	}
	f.server.hub.BroadcastToChannel(EpochUpdate{Type: "payload", Epoch: 2}, channelPayload+"bb")
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Type != "payload" || got.Epoch != 2 {
		t.Fatalf("update = %+v, want the payload channel update", got)
	}
}
