package channel

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roulette-chat/roulette/internal/core"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// echoServer upgrades, forwards every inbound envelope to the server channel,
// and writes every envelope from the out channel to the client.
func echoServer(t *testing.T, inbound chan<- []byte, outbound <-chan []byte) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		go func() {
			for msg := range outbound {
				_ = ws.WriteMessage(websocket.TextMessage, msg)
			}
		}()
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			inbound <- data
		}
	}))
}

func wsAddr(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWSURL(t *testing.T) {
	cases := []struct{ in, want string }{
		{"http://127.0.0.1:8081", "ws://127.0.0.1:8081/ws"},
		{"https://roulette.example.com", "wss://roulette.example.com/ws"},
		{"http://host:8081/", "ws://host:8081/ws"},
	}
	for _, c := range cases {
		if got := WSURL(c.in); got != c.want {
			t.Errorf("WSURL(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestSubscribeKeyedReplacement(t *testing.T) {
	ch := New("ws://unused")

	ch.Subscribe("ev", "h1", func(json.RawMessage) {})
	ch.Subscribe("ev", "h1", func(json.RawMessage) {})
	if got := ch.SubscriptionCount(); got != 1 {
		t.Fatalf("count after duplicate subscribe = %d, want 1", got)
	}

	ch.Subscribe("ev", "h2", func(json.RawMessage) {})
	if got := ch.SubscriptionCount(); got != 2 {
		t.Fatalf("count = %d, want 2", got)
	}

	ch.Unsubscribe("ev", "h1")
	ch.Unsubscribe("ev", "h1")
	if got := ch.SubscriptionCount(); got != 1 {
		t.Fatalf("count after unsubscribe = %d, want 1", got)
	}

	ch.UnsubscribeAll()
	if got := ch.SubscriptionCount(); got != 0 {
		t.Fatalf("count after UnsubscribeAll = %d, want 0", got)
	}
}

func TestEmitWhileDisconnected(t *testing.T) {
	ch := New("ws://unused")
	if err := ch.Emit("ev", map[string]string{"k": "v"}); !errors.Is(err, core.ErrTransport) {
		t.Fatalf("err = %v, want ErrTransport", err)
	}
}

func TestConnectEmitDispatch(t *testing.T) {
	inbound := make(chan []byte, 8)
	outbound := make(chan []byte, 8)
	srv := echoServer(t, inbound, outbound)
	defer srv.Close()
	defer close(outbound)

	ch := New(wsAddr(srv))
	defer ch.Disconnect()

	received := make(chan string, 1)
	ch.Subscribe("greeting", "test", func(data json.RawMessage) {
		var p struct {
			Text string `json:"text"`
		}
		_ = json.Unmarshal(data, &p)
		received <- p.Text
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ch.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if !ch.Connected() {
		t.Fatal("not connected after Connect")
	}
	if gen := ch.Generation(); gen != 1 {
		t.Fatalf("generation = %d, want 1", gen)
	}

	// Connect again is a no-op on the same connection.
	if err := ch.Connect(ctx); err != nil {
		t.Fatalf("second Connect: %v", err)
	}
	if gen := ch.Generation(); gen != 1 {
		t.Fatalf("generation after repeated Connect = %d, want 1", gen)
	}

	if err := ch.Emit("hello", map[string]string{"text": "hi"}); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	select {
	case raw := <-inbound:
		var env struct {
			Event string          `json:"event"`
			Data  json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(raw, &env); err != nil {
			t.Fatalf("server got bad envelope: %v", err)
		}
		if env.Event != "hello" {
			t.Fatalf("server got event %q, want hello", env.Event)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server never received the emit")
	}

	outbound <- []byte(`{"event":"greeting","data":{"text":"welcome"}}`)
	select {
	case text := <-received:
		if text != "welcome" {
			t.Fatalf("dispatched %q, want welcome", text)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler never ran")
	}
}

func TestDisconnectStopsChannel(t *testing.T) {
	inbound := make(chan []byte, 8)
	outbound := make(chan []byte, 8)
	srv := echoServer(t, inbound, outbound)
	defer srv.Close()
	defer close(outbound)

	ch := New(wsAddr(srv))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ch.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	ch.Disconnect()
	ch.Disconnect() // idempotent
	if ch.Connected() {
		t.Fatal("connected after Disconnect")
	}
	if err := ch.Emit("ev", nil); !errors.Is(err, core.ErrTransport) {
		t.Fatalf("Emit after Disconnect err = %v, want ErrTransport", err)
	}
}

func TestReconnectAfterServerDrop(t *testing.T) {
	inbound := make(chan []byte, 8)
	outbound := make(chan []byte, 8)

	connCh := make(chan *websocket.Conn, 2)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		connCh <- ws
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			inbound <- data
		}
	}))
	defer srv.Close()
	defer close(outbound)

	ch := New(wsAddr(srv))
	defer ch.Disconnect()

	hookFired := make(chan struct{}, 1)
	ch.OnReconnect(func() { hookFired <- struct{}{} })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ch.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	// Kill the server side; the channel must dial again and bump the
	// generation.
	first := <-connCh
	_ = first.Close()

	select {
	case <-hookFired:
	case <-time.After(10 * time.Second):
		t.Fatal("reconnect hook never fired")
	}
	if gen := ch.Generation(); gen != 2 {
		t.Fatalf("generation after reconnect = %d, want 2", gen)
	}
	if !ch.Connected() {
		t.Fatal("not connected after reconnect")
	}
}
