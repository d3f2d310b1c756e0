package wshub_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/teamfolio/trade-engine/internal/wshub"
)

type frame struct {
	Type string `json:"type"`
	N    int    `json:"n"`
}

func dial(t *testing.T, srv *httptest.Server, topic string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?topic=" + topic
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func read(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return f
}

func waitClients(t *testing.T, h *wshub.Hub, topic string, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for h.Clients(topic) != n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d clients on %s, have %d", n, topic, h.Clients(topic))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHub_BroadcastByTopic(t *testing.T) {
	h := wshub.New("test")
	var mu sync.Mutex
	var joined, left []string
	h.OnFirstJoin = func(topic string) {
		mu.Lock()
		joined = append(joined, topic)
		mu.Unlock()
	}
	h.OnLastLeave = func(topic string) {
		mu.Lock()
		left = append(left, topic)
		mu.Unlock()
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.Serve(w, r, []string{r.URL.Query().Get("topic")}, frame{Type: "hello"})
	}))
	defer srv.Close()

	a := dial(t, srv, "team-a")
	b := dial(t, srv, "team-b")
	waitClients(t, h, "team-a", 1)
	waitClients(t, h, "team-b", 1)

	if f := read(t, a); f.Type != "hello" {
		t.Fatalf("expected greeting first, got %+v", f)
	}
	read(t, b)

	h.Broadcast("team-a", frame{Type: "msg", N: 1})
	h.Broadcast("team-b", frame{Type: "msg", N: 2})

	if f := read(t, a); f.N != 1 {
		t.Errorf("team-a got %+v", f)
	}
	if f := read(t, b); f.N != 2 {
		t.Errorf("team-b got %+v", f)
	}

	a.Close()
	waitClients(t, h, "team-a", 0)

	mu.Lock()
	defer mu.Unlock()
	if len(joined) != 2 {
		t.Errorf("expected 2 first-join callbacks, got %v", joined)
	}
	if len(left) != 1 || left[0] != "team-a" {
		t.Errorf("expected last-leave for team-a, got %v", left)
	}
}

func TestHub_BroadcastWithoutClientsIsNoop(t *testing.T) {
	h := wshub.New("test")
	h.Broadcast("nobody", frame{Type: "msg"})
	if h.Clients("nobody") != 0 {
		t.Error("expected no clients")
	}
}
