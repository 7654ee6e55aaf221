package eventbus

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/fabricrun/fabric/shared/wire"
)

// dialClient upgrades an httptest server connection into a Client subscribed
// to topics, returning the corresponding client-side websocket connection.
func dialClient(t *testing.T, hub *Hub, topics []string, onMessage func(wire.Message)) (*websocket.Conn, *Client) {
	t.Helper()

	var serverClient *Client
	ready := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := NewClient(hub, w, r, topics, zap.NewNop(), onMessage)
		if err != nil {
			t.Errorf("NewClient: %v", err)
			return
		}
		serverClient = c
		close(ready)
		c.Run()
	}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	select {
	case <-ready:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for server-side client to register")
	}
	return conn, serverClient
}

func TestPublishDeliversOnlyToSubscribedTopic(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	conn, _ := dialClient(t, hub, []string{"job:a"}, nil)

	// give the hub loop a moment to process the registration
	time.Sleep(20 * time.Millisecond)

	hub.Publish("job:a", wire.Message{Type: wire.MsgJobStatus, Topic: "job:a"})
	hub.Publish("job:b", wire.Message{Type: wire.MsgJobStatus, Topic: "job:b"})

	conn.SetReadDeadline(time.Now().Add(time.Second))
	var got wire.Message
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if got.Topic != "job:a" {
		t.Fatalf("received topic %q, want job:a", got.Topic)
	}

	// No second message should arrive for the unsubscribed topic.
	conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	if err := conn.ReadJSON(&got); err == nil {
		t.Fatalf("unexpectedly received a second message: %+v", got)
	}
}

func TestConnectedCountTracksRegistration(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	if hub.ConnectedCount() != 0 {
		t.Fatalf("ConnectedCount() = %d before any client, want 0", hub.ConnectedCount())
	}

	conn, _ := dialClient(t, hub, []string{"worker:w1"}, nil)
	time.Sleep(20 * time.Millisecond)

	if hub.ConnectedCount() != 1 {
		t.Fatalf("ConnectedCount() = %d, want 1", hub.ConnectedCount())
	}

	conn.Close()
	time.Sleep(50 * time.Millisecond)
	if hub.ConnectedCount() != 0 {
		t.Fatalf("ConnectedCount() = %d after disconnect, want 0", hub.ConnectedCount())
	}
}

func TestOnMessageDispatchesInboundFrames(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	received := make(chan wire.Message, 1)
	conn, _ := dialClient(t, hub, nil, func(msg wire.Message) {
		received <- msg
	})

	if err := conn.WriteJSON(wire.Message{Type: wire.MsgHeartbeat, Topic: "worker:w1"}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}

	select {
	case msg := <-received:
		if msg.Type != wire.MsgHeartbeat {
			t.Errorf("Type = %s, want %s", msg.Type, wire.MsgHeartbeat)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for onMessage dispatch")
	}
}

func TestAddTopicSubscribesLiveClient(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	conn, serverClient := dialClient(t, hub, []string{"worker:w1"}, nil)
	time.Sleep(20 * time.Millisecond)

	hub.AddTopic(serverClient, "session:s1")
	hub.Publish("session:s1", wire.Message{Type: wire.MsgSessionSignaling, Topic: "session:s1"})

	conn.SetReadDeadline(time.Now().Add(time.Second))
	var got wire.Message
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if got.Topic != "session:s1" {
		t.Fatalf("topic = %q, want session:s1", got.Topic)
	}
}
