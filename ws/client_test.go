package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"tickstream/models"
	"tickstream/utils"
)

func mockWSServer(t *testing.T, handler func(*websocket.Conn, *http.Request)) *httptest.Server {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		defer conn.Close()
		handler(conn, r)
	}))
	t.Cleanup(server.Close)
	return server
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http") + "/ws/market"
}

func TestSubscriptionURL(t *testing.T) {
	u, err := SubscriptionURL("ws://host:1/ws/market?token=x", []string{"NSE_FO|1", "NSE_FO|2"})
	if err != nil {
		t.Fatalf("SubscriptionURL: %v", err)
	}
	if !strings.Contains(u, "keys=NSE_FO%7C1%2CNSE_FO%7C2") || !strings.Contains(u, "token=x") {
		t.Errorf("unexpected url %s", u)
	}
}

func TestWebSocketClient_DialSendsKeysAndHeaders(t *testing.T) {
	gotKeys := make(chan string, 1)
	gotAuth := make(chan string, 1)
	server := mockWSServer(t, func(conn *websocket.Conn, r *http.Request) {
		gotKeys <- r.URL.Query().Get("keys")
		gotAuth <- r.Header.Get("Authorization")
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"tick","instrumentKey":"A","ltp":5,"ts":1}`))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	client := NewWebSocketClient(wsURL(server), map[string]string{"Authorization": "Bearer t"})
	conn, err := client.Dial(context.Background(), []string{"A", "B"})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	if k := <-gotKeys; k != "A,B" {
		t.Errorf("server saw keys %q", k)
	}
	if a := <-gotAuth; a != "Bearer t" {
		t.Errorf("server saw auth %q", a)
	}

	mt, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if mt != websocket.TextMessage || !strings.Contains(string(data), `"instrumentKey":"A"`) {
		t.Errorf("unexpected frame %d %s", mt, data)
	}
}

func TestWebSocketClient_HeartbeatPings(t *testing.T) {
	pings := make(chan string, 4)
	server := mockWSServer(t, func(conn *websocket.Conn, r *http.Request) {
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			pings <- string(msg)
		}
	})

	client := NewWebSocketClient(wsURL(server), nil)
	client.HeartbeatInterval = 10 * time.Millisecond
	conn, err := client.Dial(context.Background(), []string{"A"})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	select {
	case msg := <-pings:
		if msg != "ping" {
			t.Errorf("expected ping, got %q", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("no heartbeat received")
	}
}

func TestWebSocketClient_IdleTimeoutEndsConnection(t *testing.T) {
	server := mockWSServer(t, func(conn *websocket.Conn, r *http.Request) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	client := NewWebSocketClient(wsURL(server), nil)
	client.HeartbeatInterval = 0
	client.IdleTimeout = 30 * time.Millisecond
	conn, err := client.Dial(context.Background(), []string{"A"})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	start := time.Now()
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("expected read to fail on idle timeout")
	}
	if time.Since(start) > time.Second {
		t.Errorf("idle timeout took %v", time.Since(start))
	}
}

func TestChannel_ReconnectsToServerAfterDrop(t *testing.T) {
	var mu sync.Mutex
	var seenKeys []string
	server := mockWSServer(t, func(conn *websocket.Conn, r *http.Request) {
		mu.Lock()
		seenKeys = append(seenKeys, r.URL.Query().Get("keys"))
		n := len(seenKeys)
		mu.Unlock()

		if n == 1 {
			// First connection drops immediately.
			return
		}
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"tick","instrumentKey":"X","ltp":7,"ts":1}`))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	client := NewWebSocketClient(wsURL(server), nil)
	ch := NewChannel(client, utils.NewLadderBackOff(5*time.Millisecond), 8, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ch.Run(ctx)

	ch.Open([]string{"X"})
	ev := nextEvent(t, ch)
	if ev.Kind != models.KindTick || ev.Tick.InstrumentKey != "X" {
		t.Fatalf("unexpected event %+v", ev)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seenKeys) != 2 || seenKeys[0] != "X" || seenKeys[1] != "X" {
		t.Errorf("expected two connections for X, got %v", seenKeys)
	}
	ch.Close()
}
