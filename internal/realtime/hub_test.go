package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func testHub(t *testing.T) (*Hub, context.CancelFunc) {
	t.Helper()
	h := NewHub(slog.Default())
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	return h, cancel
}

func dial(t *testing.T, srv *httptest.Server, room string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/" + room
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func TestBroadcastReachesRoomOnly(t *testing.T) {
	h, cancel := testHub(t)
	defer cancel()

	srv := httptest.NewServer(roomHandler(h))
	defer srv.Close()

	inRoom := dial(t, srv, "dispute:d1")
	defer inRoom.Close()
	otherRoom := dial(t, srv, "dispute:d2")
	defer otherRoom.Close()

	waitForClients(t, h, 2)

	h.Broadcast("dispute:d1", map[string]any{"type": "message", "body": "hello"})

	_ = inRoom.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := inRoom.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env.Room != "dispute:d1" {
		t.Errorf("room = %q, want dispute:d1", env.Room)
	}

	_ = otherRoom.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, _, err := otherRoom.ReadMessage(); err == nil {
		t.Error("client in another room received the event")
	}
}

func TestDisconnectPrunesRoom(t *testing.T) {
	h, cancel := testHub(t)
	defer cancel()

	srv := httptest.NewServer(roomHandler(h))
	defer srv.Close()

	conn := dial(t, srv, "dispute:d1")
	waitForClients(t, h, 1)

	conn.Close()
	waitForClients(t, h, 0)
}

func TestBroadcastAfterShutdownIsDropped(t *testing.T) {
	h, cancel := testHub(t)
	cancel()

	deadline := time.Now().Add(2 * time.Second)
	for {
		select {
		case <-h.done:
			h.Broadcast("dispute:d1", map[string]any{"type": "message"})
			return
		default:
			if time.Now().After(deadline) {
				t.Fatal("hub never stopped")
			}
			time.Sleep(5 * time.Millisecond)
		}
	}
}

func roomHandler(h *Hub) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.HandleWebSocket(w, r, strings.TrimPrefix(r.URL.Path, "/"))
	})
}

func waitForClients(t *testing.T, h *Hub, want int64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for h.clientCount.Load() != want {
		if time.Now().After(deadline) {
			t.Fatalf("client count = %d, want %d", h.clientCount.Load(), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
