package api

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func dialWS(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	return conn
}

func TestWebSocketPingPong(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go env.server.Hub().Run(ctx)

	ts := httptest.NewServer(env.router)
	defer ts.Close()

	conn := dialWS(t, ts)
	defer conn.Close()

	if err := conn.WriteJSON(Message{Type: MessageTypePing, Timestamp: time.Now()}); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got Message
	for {
		if err := conn.ReadJSON(&got); err != nil {
			t.Fatalf("no pong received: %v", err)
		}
		if got.Type == MessageTypePong {
			return
		}
	}
}

func TestWebSocketReceivesBroadcast(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go env.server.Hub().Run(ctx)

	ts := httptest.NewServer(env.router)
	defer ts.Close()

	conn := dialWS(t, ts)
	defer conn.Close()

	// Registration races the broadcast, so wait for the hub to see the client.
	deadline := time.Now().Add(2 * time.Second)
	for env.server.Hub().ClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	env.server.Hub().Broadcast(StatusMessage(map[string]string{"camera_status": "online"}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got Message
	for {
		if err := conn.ReadJSON(&got); err != nil {
			t.Fatalf("no broadcast received: %v", err)
		}
		if got.Type == MessageTypeStatus {
			return
		}
	}
}

func TestWebSocketClientCount(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go env.server.Hub().Run(ctx)

	ts := httptest.NewServer(env.router)
	defer ts.Close()

	if got := env.server.Hub().ClientCount(); got != 0 {
		t.Fatalf("ClientCount() = %d before any connection", got)
	}

	conn := dialWS(t, ts)

	deadline := time.Now().Add(2 * time.Second)
	for env.server.Hub().ClientCount() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	conn.Close()
	deadline = time.Now().Add(2 * time.Second)
	for env.server.Hub().ClientCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never unregistered")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestWebSocketConnectAfterHubStopped(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	go env.server.Hub().Run(ctx)
	cancel()
	<-env.server.Hub().done

	ts := httptest.NewServer(env.router)
	defer ts.Close()

	// The upgrade still succeeds, but the handler must close the socket
	// instead of blocking on a hub nobody is running.
	conn := dialWS(t, ts)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("connection stayed open after the hub stopped")
	}
	if got := env.server.Hub().ClientCount(); got != 0 {
		t.Errorf("ClientCount() = %d after hub stop, want 0", got)
	}
}

func TestHubBroadcastWithoutClients(t *testing.T) {
	hub := NewHub()

	// No Run loop is draining the channel. Fill it past capacity and make
	// sure Broadcast drops instead of blocking.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 300; i++ {
			hub.Broadcast(StatusMessage(map[string]int{"i": i}))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Broadcast blocked with a full channel")
	}
}
